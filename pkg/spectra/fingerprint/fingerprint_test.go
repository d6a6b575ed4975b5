package fingerprint

import "testing"

func TestSHA256IsStableAcrossWhitespaceAndEntityOrder(t *testing.T) {
	a := SHA256(Canonical{Text: "Hello world\n", MediaSHA256: "abc", MediaMIME: "image/jpeg", CaptionEntities: []string{"b", "a"}})
	b := SHA256(Canonical{Text: "Hello world", MediaSHA256: "abc", MediaMIME: "image/jpeg", CaptionEntities: []string{"a", "b"}})
	if a != b {
		t.Fatalf("expected trimmed text and reordered entities to fingerprint identically: %s vs %s", a, b)
	}
}

func TestSHA256DiffersOnMediaChange(t *testing.T) {
	a := SHA256(Canonical{Text: "same text", MediaSHA256: "abc"})
	b := SHA256(Canonical{Text: "same text", MediaSHA256: "def"})
	if a == b {
		t.Fatal("expected different media hashes to produce different fingerprints")
	}
}

func TestHammingDistanceZeroForIdenticalHashes(t *testing.T) {
	if HammingDistance(0xFF00FF00, 0xFF00FF00) != 0 {
		t.Fatal("expected zero distance for identical hashes")
	}
	if HammingDistance(0, 0xFFFFFFFFFFFFFFFF) != 64 {
		t.Fatal("expected full distance for complementary hashes")
	}
}

func TestFuzzyHashIsStableAndSensitive(t *testing.T) {
	h1 := FuzzyHash("the quick brown fox jumps over the lazy dog")
	h2 := FuzzyHash("the quick brown fox jumps over the lazy dog")
	if h1 != h2 {
		t.Fatal("expected identical text to produce identical simhash")
	}

	h3 := FuzzyHash("a completely different sentence about something else entirely")
	if FuzzySimilarity(h1, h3) >= 95 {
		t.Fatalf("expected unrelated text to score well below near-duplicate, got %.1f", FuzzySimilarity(h1, h3))
	}
}

func TestThresholdsDefaultsMatchSpec(t *testing.T) {
	th := DefaultThresholds()
	if th.PerceptualHashMaxDistance != 6 {
		t.Fatalf("expected default pHash threshold of 6, got %d", th.PerceptualHashMaxDistance)
	}
	if th.FuzzyMinSimilarity != 85 {
		t.Fatalf("expected default fuzzy similarity threshold of 85, got %.1f", th.FuzzyMinSimilarity)
	}
}

func TestIsNearDuplicateImageRespectsThreshold(t *testing.T) {
	th := Thresholds{PerceptualHashMaxDistance: 4}
	if !th.IsNearDuplicateImage(0b1111, 0b1110) {
		t.Fatal("expected a 1-bit difference to be within a 4-bit threshold")
	}
	if th.IsNearDuplicateImage(0, 0xFF) {
		t.Fatal("expected an 8-bit difference to exceed a 4-bit threshold")
	}
}
