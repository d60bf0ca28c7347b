package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/warden-sh/warden/pkg/logging"
	"github.com/warden-sh/warden/pkg/models"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, logging.NewLogger("audit-test", logging.ERROR, false))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndHistory(t *testing.T) {
	l := openTestLog(t)

	l.Record("mc1", models.StatusAbsent, models.StatusRecreating, "recreate requested")
	l.Record("mc1", models.StatusRecreating, models.StatusAbsent, "old engine object removed")
	l.Record("mc1", models.StatusCreating, models.StatusStopped, "engine object created")
	l.Record("other", models.StatusStopped, models.StatusStarting, "start requested")

	hist, err := l.History(context.Background(), "mc1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 transitions for mc1, got %d", len(hist))
	}
	// Newest first.
	if hist[0].To != models.StatusStopped || hist[0].Reason != "engine object created" {
		t.Errorf("unexpected newest transition: %+v", hist[0])
	}
	if hist[2].From != models.StatusAbsent || hist[2].To != models.StatusRecreating {
		t.Errorf("unexpected oldest transition: %+v", hist[2])
	}
	for _, tr := range hist {
		if tr.Instance != "mc1" {
			t.Errorf("history leaked another instance: %+v", tr)
		}
		if tr.OccurredAt.IsZero() {
			t.Errorf("transition missing timestamp: %+v", tr)
		}
	}
}

func TestHistoryLimit(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 20; i++ {
		l.Record("mc1", models.StatusStopped, models.StatusStarting, "start requested")
	}

	hist, err := l.History(context.Background(), "mc1", 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 5 {
		t.Errorf("expected 5 transitions, got %d", len(hist))
	}
}

func TestHistoryUnknownInstanceIsEmpty(t *testing.T) {
	l := openTestLog(t)
	hist, err := l.History(context.Background(), "ghost", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("expected no transitions, got %d", len(hist))
	}
}

func TestPrune(t *testing.T) {
	l := openTestLog(t)

	// One old row inserted directly so its timestamp predates the cutoff.
	old := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := l.db.Exec(
		`INSERT INTO transitions (instance, from_status, to_status, reason, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		"mc1", "running", "stopping", "stop requested", old,
	); err != nil {
		t.Fatal(err)
	}
	l.Record("mc1", models.StatusStopping, models.StatusStopped, "stop complete")

	n, err := l.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned row, got %d", n)
	}

	hist, err := l.History(context.Background(), "mc1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].To != models.StatusStopped {
		t.Errorf("expected only the recent transition to survive, got %+v", hist)
	}
}
