package governor

import (
	"testing"
	"time"
)

func TestAdmitRespectsFloodWait(t *testing.T) {
	g := New(Config{}, 1)
	g.OnFloodWait(1, 30*time.Second)

	adm := g.Admit(1, OpMessages)
	if adm.Ok {
		t.Fatal("expected Admit to refuse during flood-wait window")
	}
	if adm.RetryAfter <= 0 {
		t.Fatalf("expected positive RetryAfter, got %v", adm.RetryAfter)
	}
}

func TestAdmitExhaustsBucket(t *testing.T) {
	g := New(Config{BucketOpsPerWindow: 2, Window: time.Minute}, 1)

	var refused bool
	for i := 0; i < 5; i++ {
		adm := g.Admit(1, OpMessages)
		if !adm.Ok {
			refused = true
			break
		}
	}
	if !refused {
		t.Fatal("expected bucket to eventually refuse admission")
	}
}

func TestNextBackoffGrowsWithAttempts(t *testing.T) {
	g := New(Config{}, 1)
	g.OnFloodWait(1, 0) // bumps attempt counter to 1

	d := g.NextBackoff(1, OpMessages, 50*time.Millisecond, 2*time.Second, 0)
	if d < 90*time.Millisecond || d > 110*time.Millisecond {
		t.Fatalf("expected ~100ms backoff at attempt 1, got %v", d)
	}
}

func TestOnSuccessResetsAttempts(t *testing.T) {
	g := New(Config{}, 1)
	g.OnFloodWait(1, 0)
	g.OnSuccess(1, OpMessages)

	d := g.NextBackoff(1, OpMessages, 50*time.Millisecond, 2*time.Second, 0)
	if d < 45*time.Millisecond || d > 55*time.Millisecond {
		t.Fatalf("expected base backoff after reset, got %v", d)
	}
}

func TestPaceStaysWithinConfiguredRange(t *testing.T) {
	g := New(Config{}, 1)
	d := g.Pace(OpInvitations)
	lowerBound := time.Duration(float64(120*time.Second) * 0.7)
	upperBound := time.Duration(float64(600*time.Second) * 1.3)
	if d < lowerBound || d > upperBound {
		t.Fatalf("invitation pace %v outside expected bounds [%v, %v]", d, lowerBound, upperBound)
	}
}
