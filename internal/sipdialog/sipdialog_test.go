package sipdialog

import (
	"testing"
	"time"

	"github.com/sebas/autodialer/internal/model"
)

func TestBackoffScheduleIs5sThen60s(t *testing.T) {
	b := newBackoff()
	if d := b.next(); d != 5*time.Second {
		t.Fatalf("expected first retry at 5s, got %v", d)
	}
	if d := b.next(); d != 60*time.Second {
		t.Fatalf("expected second retry at 60s, got %v", d)
	}
	if d := b.next(); d != 60*time.Second {
		t.Fatalf("expected subsequent retries to stay at 60s, got %v", d)
	}
}

func TestHangupCauseFromStatus(t *testing.T) {
	cases := map[int]model.HangupCause{
		486: model.HangupBusy,
		600: model.HangupBusy,
		603: model.HangupDeclined,
		404: model.HangupNotFound,
		408: model.HangupTimeout,
		503: model.HangupCongestion,
		400: model.HangupFailed,
	}
	for code, want := range cases {
		if got := HangupCauseFromStatus(code); got != want {
			t.Errorf("status %d: expected %s, got %s", code, want, got)
		}
	}
}

func TestDialogCSeqSequencing(t *testing.T) {
	dlg := NewDialog("call-1", "tag-1")
	if got := dlg.InviteCSeq(); got != 1 {
		t.Fatalf("expected invite cseq 1, got %d", got)
	}
	if got := dlg.NextCSeq(); got != 2 {
		t.Fatalf("expected next cseq 2, got %d", got)
	}
	if got := dlg.NextCSeq(); got != 3 {
		t.Fatalf("expected next cseq 3, got %d", got)
	}
}

func TestDialogToTagSetOnce(t *testing.T) {
	dlg := NewDialog("call-2", "tag-1")
	dlg.setToTag("remote-1")
	dlg.setToTag("remote-2")
	if dlg.ToTag != "remote-1" {
		t.Fatalf("expected first to-tag to stick, got %s", dlg.ToTag)
	}
}

func TestParseExpiresParam(t *testing.T) {
	got := parseExpiresParam(`<sip:foo@bar:5060>;expires=240`)
	if got != 240 {
		t.Fatalf("expected 240, got %d", got)
	}
}

func TestParseIntHeader(t *testing.T) {
	if got := parseIntHeader("300"); got != 300 {
		t.Fatalf("expected 300, got %d", got)
	}
	if got := parseIntHeader(""); got != 0 {
		t.Fatalf("expected 0 for empty string, got %d", got)
	}
}
