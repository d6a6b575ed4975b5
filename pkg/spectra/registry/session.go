// Package registry implements the Credential & Session Registry (spec
// §4.2): the authoritative list of accounts and their runtime health, with
// session material held in memory behind a type that supports
// constant-time equality, redacted textual form, and zeroing destruction.
package registry

import (
	"crypto/subtle"
	"strings"
)

// Session wraps raw session bytes (the serialized MTProto auth key
// gotd/td persists) so the bytes never leak through %v/%s formatting and
// so comparisons run in constant time, as §4.2 requires.
type Session struct {
	raw []byte
}

// NewSession copies b into a new Session; the caller's slice is not
// retained.
func NewSession(b []byte) *Session {
	s := &Session{raw: make([]byte, len(b))}
	copy(s.raw, b)
	return s
}

// Equal reports whether s holds the same bytes as other, in constant time.
func (s *Session) Equal(other *Session) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.raw) != len(other.raw) {
		return false
	}
	return subtle.ConstantTimeCompare(s.raw, other.raw) == 1
}

// Bytes returns a defensive copy of the raw session bytes, for handing to
// the Telegram client wrapper at lease time. Callers must not retain it
// beyond the lease.
func (s *Session) Bytes() []byte {
	out := make([]byte, len(s.raw))
	copy(out, s.raw)
	return out
}

// String implements fmt.Stringer with a redacted form; it never reveals
// session content, satisfying the §4.2/§7 scrubbing requirement even if a
// Session is accidentally passed to a logger.
func (s *Session) String() string {
	if s == nil || len(s.raw) == 0 {
		return "Session(empty)"
	}
	return "Session(" + strings.Repeat("*", 8) + ")"
}

// Destroy overwrites the underlying buffer before releasing it, per §4.2
// "its destruction overwrites the underlying buffer before release."
func (s *Session) Destroy() {
	if s == nil {
		return
	}
	for i := range s.raw {
		s.raw[i] = 0
	}
	s.raw = nil
}
