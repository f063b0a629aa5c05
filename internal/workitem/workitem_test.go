package workitem

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input   string
		want    Priority
		wantErr bool
	}{
		{"critical", PriorityCritical, false},
		{"HIGH", PriorityHigh, false},
		{" medium ", PriorityMedium, false},
		{"low", PriorityLow, false},
		{"", PriorityMedium, false},
		{"1000", PriorityCritical, false},
		{"10", PriorityMedium, false},
		{"42", 0, true},
		{"urgent", 0, true},
	}

	for _, tc := range tests {
		got, err := ParsePriority(tc.input)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParsePriority(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			continue
		}
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidPriority) {
				t.Errorf("ParsePriority(%q) error = %v, want ErrInvalidPriority", tc.input, err)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestPriority_PromoteDemote(t *testing.T) {
	tests := []struct {
		p       Priority
		promote Priority
		demote  Priority
	}{
		{PriorityCritical, PriorityCritical, PriorityHigh},
		{PriorityHigh, PriorityCritical, PriorityMedium},
		{PriorityMedium, PriorityHigh, PriorityLow},
		{PriorityLow, PriorityMedium, PriorityLow},
	}
	for _, tc := range tests {
		if got := tc.p.Promote(); got != tc.promote {
			t.Errorf("%v.Promote() = %v, want %v", tc.p, got, tc.promote)
		}
		if got := tc.p.Demote(); got != tc.demote {
			t.Errorf("%v.Demote() = %v, want %v", tc.p, got, tc.demote)
		}
	}
}

func TestTiersOrder(t *testing.T) {
	tiers := Tiers()
	for i := 1; i < len(tiers); i++ {
		if tiers[i] >= tiers[i-1] {
			t.Fatalf("Tiers() not descending: %v", tiers)
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
		StatusCancelled: true,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, want)
		}
	}
	if !StatusCompleted.IsSuccess() || StatusFailed.IsSuccess() {
		t.Error("only completed should be success")
	}
}

func TestTransition(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	w := New("build")
	if err := w.Transition(StatusRunning, now); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if !w.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", w.StartedAt, now)
	}
	done := now.Add(time.Second)
	if err := w.Transition(StatusCompleted, done); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	if !w.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", w.CompletedAt, done)
	}

	// Terminal states never transition.
	for _, to := range []Status{StatusPending, StatusRunning, StatusFailed, StatusCancelled} {
		if err := w.Transition(to, done); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completed -> %s error = %v, want ErrInvalidTransition", to, err)
		}
	}
}

func TestTransition_PendingCannotComplete(t *testing.T) {
	w := New("x")
	if err := w.Transition(StatusCompleted, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> completed error = %v, want ErrInvalidTransition", err)
	}
	if err := w.Transition(StatusCancelled, time.Now()); err != nil {
		t.Errorf("pending -> cancelled: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *WorkItem {
		w := New("lint")
		w.Timeout = time.Minute
		w.Command = "true"
		return w
	}

	tests := []struct {
		name   string
		mutate func(*WorkItem)
		want   error
	}{
		{"valid", func(*WorkItem) {}, nil},
		{"missing id", func(w *WorkItem) { w.ID = " " }, ErrMissingID},
		{"bad priority", func(w *WorkItem) { w.Priority = 7 }, ErrInvalidPriority},
		{"zero timeout", func(w *WorkItem) { w.Timeout = 0 }, ErrInvalidTimeout},
		{"negative retries", func(w *WorkItem) { w.Retry.MaxRetries = -1 }, ErrInvalidRetries},
		{"no command", func(w *WorkItem) { w.Command = "" }, ErrNoCommand},
		{"callback only", func(w *WorkItem) { w.Command = ""; w.Callback = "scan" }, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := valid()
			tc.mutate(w)
			err := w.Validate()
			if tc.want == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	if got := (RetryPolicy{MaxRetries: 2}).Attempts(); got != 3 {
		t.Errorf("Attempts() = %d, want 3", got)
	}
	if got := (RetryPolicy{}).Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}
}

func TestClone_Independent(t *testing.T) {
	w := New("a")
	w.DependsOn = []string{"b"}
	w.Env = map[string]string{"K": "V"}

	c := w.Clone()
	c.DependsOn[0] = "z"
	c.Env["K"] = "changed"

	if w.DependsOn[0] != "b" || w.Env["K"] != "V" {
		t.Error("Clone shares slices or maps with the original")
	}
}

func TestResultSummary(t *testing.T) {
	r := ExecutionResult{
		WorkItemID: "t1",
		Kind:       KindTask,
		Name:       "lint",
		Status:     StatusFailed,
		Duration:   1500 * time.Millisecond,
		Retries:    2,
		Error:      "exit status 3",
	}
	s := r.Summary()
	for _, want := range []string{"task lint failed", "1.5s", "after 2 retries", "exit status 3"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summary() = %q, missing %q", s, want)
		}
	}
}

func TestCancelledResult(t *testing.T) {
	w := New("dep")
	now := time.Now()
	r := CancelledResult(w, ReasonDependencyFailed, "upstream build failed", now)
	if r.Status != StatusCancelled || r.Reason != ReasonDependencyFailed {
		t.Errorf("CancelledResult = %+v", r)
	}
	if r.Success() {
		t.Error("cancelled result should not be success")
	}
}
