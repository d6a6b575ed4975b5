package discovery

import "testing"

func TestExtractReferencesFindsMentionsAndLinks(t *testing.T) {
	text := "check out @somechannel and https://t.me/anotherone plus an invite t.me/+AbCdEf1234"
	refs := extractReferences(text)

	var mentions, invites int
	for _, r := range refs {
		if r.invite {
			invites++
		} else {
			mentions++
		}
	}
	if mentions != 2 {
		t.Fatalf("expected 2 resolvable references, got %d (%v)", mentions, refs)
	}
	if invites != 1 {
		t.Fatalf("expected 1 invite-link reference, got %d (%v)", invites, refs)
	}
}

func TestExtractReferencesOnPlainTextIsEmpty(t *testing.T) {
	if refs := extractReferences("just a normal message with no links"); refs != nil {
		t.Fatalf("expected no references, got %v", refs)
	}
}

func TestExtractReferencesHandlesEmptyText(t *testing.T) {
	if refs := extractReferences(""); refs != nil {
		t.Fatalf("expected nil for empty text, got %v", refs)
	}
}

func TestCandidateScoreWeighsInboundInviteDepthAndKeyword(t *testing.T) {
	base := &candidate{inboundRefs: 1}
	if got := base.score(); got != 0.4 {
		t.Fatalf("expected a single inbound reference to score 0.4, got %.2f", got)
	}

	withInvite := &candidate{inboundRefs: 1, hasInvite: true}
	if got := withInvite.score(); got != 0.7 {
		t.Fatalf("expected invite presence to add 0.3, got %.2f", got)
	}

	deeper := &candidate{inboundRefs: 1, depth: 2}
	if got := deeper.score(); got != 0.0 {
		t.Fatalf("expected depth 2 to subtract 0.4 from the base score, got %.2f", got)
	}

	keyworded := &candidate{inboundRefs: 1, keywordMatch: true}
	if got := keyworded.score(); got != 0.5 {
		t.Fatalf("expected a keyword match to add 0.1, got %.2f", got)
	}
}

func TestFrontierMergeDedupsAndBumpsInboundCount(t *testing.T) {
	job := &Job{Seeds: []string{"@seed"}}
	fr := newFrontier(job)
	if fr.pq.Len() != 1 {
		t.Fatalf("expected one seed candidate, got %d", fr.pq.Len())
	}

	fr.merge("@other", 1, false, false)
	if fr.pq.Len() != 2 {
		t.Fatalf("expected a distinct reference to add a new candidate, got %d entries", fr.pq.Len())
	}

	fr.merge("@other", 1, false, false)
	if fr.pq.Len() != 2 {
		t.Fatalf("expected re-merging the same reference to not grow the queue, got %d entries", fr.pq.Len())
	}
	if c := fr.byRef["@other"]; c.inboundRefs != 2 {
		t.Fatalf("expected the repeated reference's inbound count to bump to 2, got %d", c.inboundRefs)
	}
}

func TestFrontierPopReturnsHighestScoreFirst(t *testing.T) {
	fr := newFrontier(&Job{})
	fr.merge("@low", 3, false, false)   // score 0.4-0.6 = -0.2
	fr.merge("@high", 0, true, true)    // score 0.4+0.3+0.1 = 0.8

	first := fr.pop()
	if first.ref != "@high" {
		t.Fatalf("expected the highest-scoring candidate to pop first, got %q", first.ref)
	}
	second := fr.pop()
	if second.ref != "@low" {
		t.Fatalf("expected the remaining candidate to pop second, got %q", second.ref)
	}
	if fr.pop() != nil {
		t.Fatal("expected the frontier to be empty after draining both candidates")
	}
}

func TestFrontierPopRemovesFromDedupMap(t *testing.T) {
	fr := newFrontier(&Job{Seeds: []string{"@seed"}})
	popped := fr.pop()
	if popped.ref != "@seed" {
		t.Fatalf("expected to pop the only seed, got %q", popped.ref)
	}
	if _, ok := fr.byRef["@seed"]; ok {
		t.Fatal("expected pop to remove the candidate from the dedup map")
	}
}
