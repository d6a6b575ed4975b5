// Package fingerprint computes the exact and near-duplicate hashes the
// Deduplicating Forwarder checks messages against (spec §3, §4.6 steps
// 1-2): a canonical SHA-256 over normalised message content, a perceptual
// hash for images, and a locality-sensitive fuzzy hash for text-like
// content. None of these algorithms exist in the teacher, which never
// deduplicates content -- they are grounded directly on the ecosystem
// libraries SPEC_FULL.md §B names for this concern.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"image"
	"sort"
	"strings"
	"unicode"

	"github.com/corona10/goimagehash"
	"github.com/mfonda/simhash"
	"golang.org/x/text/unicode/norm"

	"github.com/swordintel/spectra/pkg/spectra/errs"
)

// Canonical holds the inputs spec §3's canonicalisation rule combines:
// "concatenate the UTF-8-normalised text (NFC, trimmed), media sha-256 (if
// any), media mime type, and a sorted list of caption entities; hash with
// SHA-256."
type Canonical struct {
	Text            string
	MediaSHA256     string
	MediaMIME       string
	CaptionEntities []string
}

// SHA256 computes the canonical exact-match fingerprint for c.
func SHA256(c Canonical) string {
	var b strings.Builder
	b.WriteString(normaliseText(c.Text))
	b.WriteString("\x00")
	b.WriteString(c.MediaSHA256)
	b.WriteString("\x00")
	b.WriteString(c.MediaMIME)
	b.WriteString("\x00")

	entities := append([]string(nil), c.CaptionEntities...)
	sort.Strings(entities)
	b.WriteString(strings.Join(entities, "\x1f"))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// normaliseText applies NFC normalisation and trims leading/trailing
// whitespace, as spec §3 mandates, so cosmetically different copies of the
// same text (differing only in trailing newline or combining-character
// form) fingerprint identically.
func normaliseText(s string) string {
	return strings.TrimFunc(norm.NFC.String(s), unicode.IsSpace)
}

// PerceptualHash computes a 64-bit image pHash for near-duplicate image
// matching (spec §3, §4.6 step 2). Hamming distance between two hashes is
// compared against a configurable threshold by HammingDistance.
func PerceptualHash(img image.Image) (uint64, error) {
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, errs.New(errs.Protocol, "fingerprint.PerceptualHash", err)
	}
	return hash.GetHash(), nil
}

// HammingDistance returns the bit-distance between two 64-bit pHash
// values. A match is declared when this is <= the configured threshold
// (default 6 bits per spec §3).
func HammingDistance(a, b uint64) int {
	x := a ^ b
	count := 0
	for x != 0 {
		count++
		x &= x - 1
	}
	return count
}

// FuzzyHash computes a 64-bit simhash over shingled text for near-duplicate
// text matching (spec §3's "locality-sensitive fuzzy hash").
func FuzzyHash(text string) uint64 {
	shingles := shingle(normaliseText(text), 4)
	if len(shingles) == 0 {
		return 0
	}
	features := make([]simhash.Feature, len(shingles))
	for i, sh := range shingles {
		features[i] = simhash.NewFeature(sh)
	}
	return simhash.Simhash(features)
}

// shingle splits s into overlapping n-gram byte slices for simhash feature
// extraction.
func shingle(s string, n int) [][]byte {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	if len(fields) < n {
		return [][]byte{[]byte(strings.Join(fields, " "))}
	}
	out := make([][]byte, 0, len(fields)-n+1)
	for i := 0; i+n <= len(fields); i++ {
		out = append(out, []byte(strings.Join(fields[i:i+n], " ")))
	}
	return out
}

// FuzzySimilarity converts two simhash values into a 0-100 similarity
// score: 100 - (hamming/64)*100, the scale SPEC_FULL.md §B specifies to
// stand in for the source system's native fuzzy-hash similarity score.
func FuzzySimilarity(a, b uint64) float64 {
	dist := simhash.Compare(a, b)
	return 100 - (float64(dist)/64)*100
}

// Thresholds bundles the configured match thresholds a dedup check is run
// against (spec §3 defaults: 6-bit pHash Hamming distance, 85/100 fuzzy
// similarity).
type Thresholds struct {
	PerceptualHashMaxDistance int
	FuzzyMinSimilarity        float64
}

// DefaultThresholds returns the spec §3 defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{PerceptualHashMaxDistance: 6, FuzzyMinSimilarity: 85}
}

// IsNearDuplicateImage reports whether two pHash values are within t's
// configured Hamming-distance threshold.
func (t Thresholds) IsNearDuplicateImage(a, b uint64) bool {
	return HammingDistance(a, b) <= t.PerceptualHashMaxDistance
}

// IsNearDuplicateText reports whether two simhash values meet t's
// configured minimum similarity.
func (t Thresholds) IsNearDuplicateText(a, b uint64) bool {
	return FuzzySimilarity(a, b) >= t.FuzzyMinSimilarity
}
