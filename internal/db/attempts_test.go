package db

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/vigil/internal/workitem"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "vigil.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func attemptResult(id string, status workitem.Status, completed time.Time) workitem.ExecutionResult {
	return workitem.ExecutionResult{
		WorkItemID:  id,
		Kind:        workitem.KindTask,
		Name:        id,
		Status:      status,
		ExitCode:    1,
		Duration:    250 * time.Millisecond,
		Error:       "exit status 1",
		StartedAt:   completed.Add(-250 * time.Millisecond),
		CompletedAt: completed,
	}
}

func TestLogAttemptAndAttempts(t *testing.T) {
	database := openTestDB(t)
	base := time.Now().Add(-time.Minute)

	for i := 1; i <= 3; i++ {
		status := workitem.StatusFailed
		if i == 3 {
			status = workitem.StatusCompleted
		}
		if err := database.LogAttempt(attemptResult("build", status, base.Add(time.Duration(i)*time.Second)), i); err != nil {
			t.Fatalf("LogAttempt(%d): %v", i, err)
		}
	}
	if err := database.LogAttempt(attemptResult("other", workitem.StatusCompleted, base), 1); err != nil {
		t.Fatal(err)
	}

	attempts, err := database.Attempts("build")
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Attempt != i+1 {
			t.Errorf("attempt[%d].Attempt = %d", i, a.Attempt)
		}
	}
	last := attempts[2]
	if last.Status != workitem.StatusCompleted || last.Duration != 250*time.Millisecond {
		t.Errorf("last attempt = %+v", last)
	}
	if last.CompletedAt.IsZero() || last.StartedAt.IsZero() {
		t.Errorf("timestamps not round-tripped: %+v", last)
	}
	if attempts[0].Error != "exit status 1" {
		t.Errorf("Error = %q", attempts[0].Error)
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	database := openTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("item-%d", i)
		if err := database.LogAttempt(attemptResult(id, workitem.StatusCompleted, base.Add(time.Duration(i)*time.Minute)), 1); err != nil {
			t.Fatal(err)
		}
	}

	history, err := database.History(3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	if history[0].WorkItemID != "item-4" {
		t.Errorf("newest = %s, want item-4", history[0].WorkItemID)
	}
}

func TestRecordRunAndRuns(t *testing.T) {
	database := openTestDB(t)
	start := time.Now().Add(-time.Minute)

	run := Run{ID: "r1", Kind: "hooks", Label: "pre-commit", StartedAt: start, Total: 3, Status: "running"}
	if err := database.RecordRun(run); err != nil {
		t.Fatal(err)
	}
	run.CompletedAt = start.Add(time.Second)
	run.Failed = 1
	run.Status = "failed"
	if err := database.RecordRun(run); err != nil {
		t.Fatal(err)
	}

	runs, err := database.Runs(10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run after replace, got %d", len(runs))
	}
	if runs[0].Status != "failed" || runs[0].Failed != 1 || runs[0].CompletedAt.IsZero() {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestSummarize(t *testing.T) {
	database := openTestDB(t)
	now := time.Now()

	_ = database.LogAttempt(attemptResult("a", workitem.StatusFailed, now), 1)
	_ = database.LogAttempt(attemptResult("a", workitem.StatusCompleted, now), 2)
	_ = database.LogAttempt(attemptResult("b", workitem.StatusTimedOut, now), 1)
	_ = database.LogAttempt(attemptResult("old", workitem.StatusCompleted, now.Add(-48*time.Hour)), 1)

	s, err := database.Summarize(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Attempts != 3 || s.Retried != 1 {
		t.Errorf("Summary = %+v", s)
	}
	if s.ByStatus[workitem.StatusTimedOut] != 1 || s.ByStatus[workitem.StatusCompleted] != 1 {
		t.Errorf("ByStatus = %v", s.ByStatus)
	}
}

func TestNilDBLogAttempt(t *testing.T) {
	var database *DB
	if err := database.LogAttempt(workitem.ExecutionResult{WorkItemID: "x"}, 1); err != nil {
		t.Errorf("nil LogAttempt error = %v", err)
	}
}
