package proxydial

import "testing"

func TestNewDirectDialer(t *testing.T) {
	d, err := New(Spec{Transport: "direct"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.inner == nil {
		t.Fatal("expected a non-nil inner dialer")
	}
}

func TestNewRejectsUnknownTransport(t *testing.T) {
	if _, err := New(Spec{Transport: "quic"}); err == nil {
		t.Fatal("expected an error for an unknown transport")
	}
}

func TestExclusiveProxiesShareOneLock(t *testing.T) {
	a, err := New(Spec{ID: 42, Transport: "direct", Exclusive: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(Spec{ID: 42, Transport: "direct", Exclusive: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.mu != b.mu {
		t.Fatal("expected dialers for the same exclusive proxy id to share one mutex")
	}
}
