package domain

import (
	"errors"
	"io"
	"testing"
)

func TestJobKeyString(t *testing.T) {
	if got := (JobKey{EventID: "12478", Kind: Halftime}).String(); got != "check-halftime-12478" {
		t.Fatalf("got %q", got)
	}
	if got := (JobKey{EventID: "12478", Kind: EndOfGame}).String(); got != "check-endgame-12478" {
		t.Fatalf("got %q", got)
	}
}

func TestGameLabel(t *testing.T) {
	e := Event{Home: TeamRef{Name: "Boston Celtics"}, Away: TeamRef{Name: "Miami Heat"}, OracleID: 7}
	if e.GameLabel() != "Miami Heat @ Boston Celtics" {
		t.Fatalf("label=%q", e.GameLabel())
	}
	if e.EventID() != "7" {
		t.Fatalf("id=%q", e.EventID())
	}
}

func TestUpstreamErrorUnwraps(t *testing.T) {
	err := error(&UpstreamError{Source: "nba", Op: "games", Status: 503, Err: io.ErrUnexpectedEOF})
	if !errors.Is(err, ErrUpstreamUnavailable) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("unwrap chain broken: %v", err)
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) || !ue.Retryable() {
		t.Fatalf("503 should be retryable")
	}
	if (&UpstreamError{Status: 404, Err: io.EOF}).Retryable() {
		t.Fatalf("404 should not be retryable")
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobScheduled, JobPolling, JobRescheduled} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if !JobFired.Terminal() || !JobCancelled.Terminal() {
		t.Fatalf("fired/cancelled must be terminal")
	}
}

func TestMatchPlayerIsExact(t *testing.T) {
	stats := []PlayerStatLine{{PlayerName: "Jayson Tatum", Points: 18}, {PlayerName: "Jaylen Brown", Points: 9}}
	if l, ok := MatchPlayer("Jaylen Brown", stats); !ok || l.Points != 9 {
		t.Fatalf("got %+v ok=%v", l, ok)
	}
	for _, name := range []string{"jaylen brown", "Jaylen Brown ", "J. Brown", ""} {
		if _, ok := MatchPlayer(name, stats); ok {
			t.Fatalf("%q should not match", name)
		}
	}
}
