package gate_test

import (
	"errors"
	"testing"
	"time"

	"pactline/internal/domain"
	"pactline/internal/engine/gate"
)

func task(due time.Time, window string) domain.Task {
	return domain.Task{CID: "t-1", Due: due.Format(time.RFC3339), PartnerUpDeadline: window}
}

func TestOffset(t *testing.T) {
	cases := map[string]time.Duration{
		domain.DeadlineOneHour:     time.Hour,
		domain.DeadlineTwoHours:    2 * time.Hour,
		domain.DeadlineSixHours:    6 * time.Hour,
		domain.DeadlineTwelveHours: 12 * time.Hour,
		domain.DeadlineOneDay:      24 * time.Hour,
		domain.DeadlineOneWeek:     7 * 24 * time.Hour,
		"":                         time.Hour,
		"BOGUS":                    time.Hour,
	}
	for in, want := range cases {
		if got := gate.Offset(in); got != want {
			t.Errorf("Offset(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPartnerWindowClosesBeforeDue(t *testing.T) {
	due := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	tk := task(due, domain.DeadlineSixHours)

	// open right up to due minus the offset
	if err := gate.Check(gate.PartnerWindow, tk, 0, due.Add(-7*time.Hour)); err != nil {
		t.Fatalf("expected open window: %v", err)
	}
	if err := gate.Check(gate.PartnerWindow, tk, 0, due.Add(-6*time.Hour)); err != nil {
		t.Fatalf("expected boundary instant allowed: %v", err)
	}
	err := gate.Check(gate.PartnerWindow, tk, 0, due.Add(-5*time.Hour))
	var dl gate.DeadlineError
	if !errors.As(err, &dl) {
		t.Fatalf("expected DeadlineError, got %v", err)
	}
	if dl.Window != gate.PartnerWindow || dl.TaskCID != "t-1" {
		t.Fatalf("unexpected error detail: %+v", dl)
	}
	if want := due.Add(-6 * time.Hour); !dl.Deadline.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, dl.Deadline)
	}
}

func TestCompletionWindowExtendsPastDue(t *testing.T) {
	due := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	tk := task(due, domain.DeadlineTwoHours)

	if err := gate.Check(gate.CompletionWindow, tk, 0, due.Add(47*time.Hour)); err != nil {
		t.Fatalf("expected open inside default grace: %v", err)
	}
	var dl gate.DeadlineError
	if err := gate.Check(gate.CompletionWindow, tk, 0, due.Add(49*time.Hour)); !errors.As(err, &dl) {
		t.Fatalf("expected DeadlineError, got %v", err)
	}
	// custom grace narrows the window
	if err := gate.Check(gate.CompletionWindow, tk, 12, due.Add(13*time.Hour)); !errors.As(err, &dl) {
		t.Fatalf("expected DeadlineError with 12h grace, got %v", err)
	}
	if err := gate.Check(gate.CompletionWindow, tk, 12, due.Add(11*time.Hour)); err != nil {
		t.Fatalf("expected open with 12h grace: %v", err)
	}
}

func TestBadDueRejected(t *testing.T) {
	tk := domain.Task{CID: "t-1", Due: "not-a-time", PartnerUpDeadline: domain.DeadlineOneHour}
	if err := gate.Check(gate.PartnerWindow, tk, 0, time.Now()); err == nil {
		t.Fatalf("expected parse error")
	}
	var dl gate.DeadlineError
	if err := gate.Check(gate.PartnerWindow, tk, 0, time.Now()); errors.As(err, &dl) {
		t.Fatalf("parse failure must not be a DeadlineError")
	}
}
