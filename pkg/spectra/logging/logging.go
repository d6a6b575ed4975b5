// Package logging builds the process-wide structured logger and wraps it
// with a credential-scrubbing handler. Every component receives its logger
// explicitly from the composition root in cmd/spectra — there is no package
// global, matching the *slog.Logger field convention used throughout the
// teacher codebase's channel and scheduler constructors.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
)

// Config controls logger construction, mirroring the `logging` section of
// the JSON configuration document (§6): level and an optional file path.
type Config struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// New builds a *slog.Logger whose output passes through a scrubbing
// handler. Secrets is the live set of values the Registry currently holds
// (api hashes, session tokens, phone numbers); New re-reads it on every
// record via secrets.Scrub so rotations and imports take effect immediately.
func New(cfg Config, secrets *Scrubber) (*slog.Logger, error) {
	level := parseLevel(cfg.Level)

	var w io.Writer = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		w = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if cfg.File != "" {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}

	if secrets == nil {
		secrets = NewScrubber()
	}
	return slog.New(&scrubbingHandler{next: base, scrubber: secrets}), nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Scrubber holds the live set of sensitive values to redact plus the
// enumerated pattern list (api hash, session token, authorization header,
// bearer token, E.164 phone number, long base64 blobs, PEM blocks) from §7.
type Scrubber struct {
	literals map[string]struct{}
	patterns []*regexp.Regexp
}

// NewScrubber builds a Scrubber with the fixed pattern list from §7.
func NewScrubber() *Scrubber {
	return &Scrubber{
		literals: make(map[string]struct{}),
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._\-]+`),
			regexp.MustCompile(`(?i)authorization:\s*\S+`),
			regexp.MustCompile(`\+?\d{1,3}[- ]?\d{3,4}[- ]?\d{3,4}[- ]?\d{0,4}`), // E.164-ish
			regexp.MustCompile(`[A-Za-z0-9+/]{32,}={0,2}`),                      // long base64 blobs
			regexp.MustCompile(`-----BEGIN [A-Z ]+-----[\s\S]+?-----END [A-Z ]+-----`),
		},
	}
}

// Track registers a live secret value (a session token, an api_hash, a
// phone number) so it is redacted verbatim regardless of pattern matches.
func (s *Scrubber) Track(value string) {
	if value == "" {
		return
	}
	s.literals[value] = struct{}{}
}

// Untrack removes a value from the live set, e.g. when an account is purged.
func (s *Scrubber) Untrack(value string) {
	delete(s.literals, value)
}

// Scrub redacts every tracked literal and pattern match in msg.
func (s *Scrubber) Scrub(msg string) string {
	for lit := range s.literals {
		if lit == "" {
			continue
		}
		msg = redactAll(msg, lit)
	}
	for _, p := range s.patterns {
		msg = p.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

func redactAll(haystack, needle string) string {
	if needle == "" {
		return haystack
	}
	out := haystack
	for {
		idx := indexOf(out, needle)
		if idx < 0 {
			return out
		}
		out = out[:idx] + "[REDACTED]" + out[idx+len(needle):]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// scrubbingHandler wraps a slog.Handler, redacting the message and every
// string-valued attribute before delegating to next.
type scrubbingHandler struct {
	next     slog.Handler
	scrubber *Scrubber
}

func (h *scrubbingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *scrubbingHandler) Handle(ctx context.Context, r slog.Record) error {
	scrubbed := slog.NewRecord(r.Time, r.Level, h.scrubber.Scrub(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		scrubbed.AddAttrs(h.scrubAttr(a))
		return true
	})
	return h.next.Handle(ctx, scrubbed)
}

func (h *scrubbingHandler) scrubAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, h.scrubber.Scrub(a.Value.String()))
	}
	return a
}

func (h *scrubbingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.scrubAttr(a)
	}
	return &scrubbingHandler{next: h.next.WithAttrs(scrubbed), scrubber: h.scrubber}
}

func (h *scrubbingHandler) WithGroup(name string) slog.Handler {
	return &scrubbingHandler{next: h.next.WithGroup(name), scrubber: h.scrubber}
}
