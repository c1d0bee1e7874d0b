package store

import (
	"testing"
	"time"
)

func TestFormatTranscript(t *testing.T) {
	t.Parallel()

	turns := []Turn{
		{Role: "agent", Content: "Hi there"},
		{Role: "user", Content: "Hello, who is this?"},
		{Role: "agent", Content: "This is the booking line [interrupted]"},
	}
	got := FormatTranscript(turns)
	want := "Agent: Hi there\nLead: Hello, who is this?\nAgent: This is the booking line [interrupted]"
	if got != want {
		t.Errorf("transcript:\ngot  %q\nwant %q", got, want)
	}
}

func TestFormatTranscript_Empty(t *testing.T) {
	t.Parallel()

	if got := FormatTranscript(nil); got != "" {
		t.Errorf("empty transcript: %q", got)
	}
}

func TestInFlight(t *testing.T) {
	t.Parallel()

	for _, status := range []string{CallInitiated, CallDialing, CallRinging, CallAnswered} {
		if !InFlight(status) {
			t.Errorf("%s must count as in-flight", status)
		}
	}
	for _, status := range []string{CallCompleted, CallFailed, CallNoAnswer, CallMissed, ""} {
		if InFlight(status) {
			t.Errorf("%s must not count as in-flight", status)
		}
	}
}

func TestTurnTimestamps(t *testing.T) {
	t.Parallel()

	start := time.Now()
	turn := Turn{Role: "user", StartTime: start, EndTime: start.Add(2 * time.Second)}
	if turn.EndTime.Before(turn.StartTime) {
		t.Error("end before start")
	}
}
