package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 1, 14, 14, 0, 1, 500, time.UTC)
	run := &Run{
		Trigger:     TriggerScheduled,
		ScheduledAt: started.Add(-time.Second),
		StartedAt:   &started,
		Status:      StatusRunning,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID == "" {
		t.Fatal("CreateRun did not assign an ID")
	}

	completed := started.Add(3 * time.Second)
	run.CompletedAt = &completed
	run.Status = StatusCompleted
	run.Result = "SET_TEMPERATURE"
	run.DecisionID = "dec-1"
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.DecisionID != "dec-1" {
		t.Errorf("DecisionID = %q, want %q", got.DecisionID, "dec-1")
	}
	if !got.ScheduledAt.Equal(run.ScheduledAt) {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, run.ScheduledAt)
	}
	if got.Duration() != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", got.Duration())
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		run := &Run{
			Trigger:     TriggerScheduled,
			ScheduledAt: base.Add(time.Duration(i) * 30 * time.Minute),
			Status:      StatusCompleted,
		}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun(%d): %v", i, err)
		}
	}

	runs, err := s.ListRuns(ctx, 3)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	if want := base.Add(2 * time.Hour); !runs[0].ScheduledAt.Equal(want) {
		t.Errorf("first run scheduled %v, want %v", runs[0].ScheduledAt, want)
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].ScheduledAt.After(runs[i-1].ScheduledAt) {
			t.Errorf("runs not ordered newest first at %d", i)
		}
	}
}

func TestMarkInterrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := []RunStatus{StatusRunning, StatusCompleted, StatusRunning, StatusSkipped}
	for _, st := range statuses {
		if err := s.CreateRun(ctx, &Run{Trigger: TriggerScheduled, ScheduledAt: time.Now(), Status: st}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	n, err := s.MarkInterrupted(ctx, time.Now())
	if err != nil {
		t.Fatalf("MarkInterrupted: %v", err)
	}
	if n != 2 {
		t.Errorf("changed %d runs, want 2", n)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	want := map[RunStatus]int{StatusAborted: 2, StatusCompleted: 1, StatusSkipped: 1}
	for st, n := range want {
		if counts[st] != n {
			t.Errorf("counts[%s] = %d, want %d", st, counts[st], n)
		}
	}
	if counts[StatusRunning] != 0 {
		t.Errorf("running runs remain: %d", counts[StatusRunning])
	}
}
