package chaterr

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestTrackerHistoryIsBoundedAndMostRecentFirst(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, msg := range []string{"one", "two", "failed to fetch", "four"} {
		tr.Handle(errors.New(msg), Meta{Operation: "send"})
	}

	hist := tr.History()
	if len(hist) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(hist))
	}
	if hist[0].Detail != "four" || hist[2].Detail != "two" {
		t.Fatalf("unexpected order: %q ... %q", hist[0].Detail, hist[2].Detail)
	}

	stats := tr.Stats()
	if stats.Total != 4 {
		t.Fatalf("expected total 4, got %d", stats.Total)
	}
	if stats.ByType[TypeNetwork] != 1 || stats.ByType[TypeUnknown] != 3 {
		t.Fatalf("unexpected counts: %v", stats.ByType)
	}

	tr.Clear()
	if len(tr.History()) != 0 || tr.Stats().Total != 0 {
		t.Fatal("expected Clear to reset history and counts")
	}
}

func TestTrackerHandleNil(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil, 0, nil)
	if tr.Handle(nil, Meta{}) != nil {
		t.Fatal("nil error should classify to nil")
	}
	if len(tr.History()) != 0 {
		t.Fatal("nil error must not be recorded")
	}
}
