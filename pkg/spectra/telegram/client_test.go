package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"github.com/swordintel/spectra/pkg/spectra/errs"
)

func TestMapErrPassesThroughNil(t *testing.T) {
	if err := mapErr("op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestMapErrFallsBackToProtocol(t *testing.T) {
	err := mapErr("telegram.Test", errors.New("some unclassified rpc error"))
	if errs.KindOf(err) != errs.Protocol {
		t.Fatalf("expected Protocol kind, got %v", errs.KindOf(err))
	}
}

func TestFromTGMessageCopiesCoreFields(t *testing.T) {
	msg := &tg.Message{
		ID:      42,
		Message: "hello",
		Date:    1700000000,
	}
	out := fromTGMessage(msg)
	if out.ID != 42 || out.Text != "hello" {
		t.Fatalf("unexpected conversion: %+v", out)
	}
	if out.Date.IsZero() {
		t.Fatal("expected a non-zero date")
	}
}

func TestRandomIDProducesDistinctValues(t *testing.T) {
	a := randomID()
	time.Sleep(time.Millisecond)
	b := randomID()
	if a == b {
		t.Fatal("expected two calls a millisecond apart to differ")
	}
}

func TestKindForChannelDistinguishesSupergroup(t *testing.T) {
	if kindForChannel(&tg.Channel{Megagroup: true}) != "supergroup" {
		t.Fatal("expected megagroup to report supergroup")
	}
	if kindForChannel(&tg.Channel{}) != "channel" {
		t.Fatal("expected non-megagroup to report channel")
	}
}
