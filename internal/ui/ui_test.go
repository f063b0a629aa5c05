package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/vigil/internal/hooks"
	"github.com/marcus/vigil/internal/notify"
	"github.com/marcus/vigil/internal/workitem"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return nm, cmd
}

func TestNew(t *testing.T) {
	m := New("vigil run")
	if m == nil {
		t.Fatal("New() returned nil")
		return
	}
	if m.width != 80 || m.height != 24 {
		t.Errorf("size = %dx%d, want 80x24", m.width, m.height)
	}
	if m.activePanel != PanelItems {
		t.Errorf("activePanel = %d, want PanelItems", m.activePanel)
	}
	if m.styles == nil {
		t.Error("expected styles to be initialized")
	}
}

func TestQueuedThenCompleted(t *testing.T) {
	m, _ := update(t, *New("run"), QueuedMsg{
		{ID: "lint", Name: "lint", Kind: workitem.KindTask},
		{ID: "test", Name: "test", Kind: workitem.KindTask},
	})
	if got := m.Counts()[workitem.StatusPending]; got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	m, _ = update(t, m, notify.Event{
		ID:       "lint",
		Name:     "lint",
		Status:   workitem.StatusCompleted,
		Duration: 1500 * time.Millisecond,
		Summary:  "lint completed",
	})
	m, _ = update(t, m, notify.Event{
		ID:      "test",
		Name:    "test",
		Status:  workitem.StatusCancelled,
		Reason:  workitem.ReasonDependencyFailed,
		Summary: "test cancelled",
	})

	counts := m.Counts()
	if counts[workitem.StatusCompleted] != 1 || counts[workitem.StatusCancelled] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if len(m.items) != 2 {
		t.Errorf("items = %d, want 2 (no duplicates)", len(m.items))
	}
	if len(m.logs) != 2 || m.logs[1].Level != "warn" {
		t.Errorf("logs = %+v", m.logs)
	}
	if m.Items()[1].Reason != workitem.ReasonDependencyFailed {
		t.Errorf("reason = %q", m.Items()[1].Reason)
	}
}

func TestTickMarksRunning(t *testing.T) {
	running := []string{"build", "adhoc"}
	m := New("run", WithRunning(func() []string { return running }))
	mm, _ := update(t, *m, QueuedMsg{{ID: "build", Name: "build"}})

	mm, cmd := update(t, mm, tickMsg(time.Now()))
	if cmd == nil {
		t.Error("tick should schedule the next tick")
	}
	counts := mm.Counts()
	if counts[workitem.StatusRunning] != 2 {
		t.Errorf("running = %d, want 2", counts[workitem.StatusRunning])
	}
}

func TestHookEvents(t *testing.T) {
	m := *New("hooks")
	m, _ = update(t, m, hooks.Event{Type: hooks.EventRunStart, Event: "pre-commit", Subject: "api"})
	m, _ = update(t, m, hooks.Event{Type: hooks.EventTierSkipped, Tier: workitem.PriorityLow, Failed: 1})
	m, _ = update(t, m, hooks.Event{Type: hooks.EventRunEnd, Event: "pre-commit", Failed: 1})

	if len(m.logs) != 3 {
		t.Fatalf("logs = %d, want 3", len(m.logs))
	}
	if !strings.Contains(m.logs[0].Message, "pre-commit:api") {
		t.Errorf("first log = %q", m.logs[0].Message)
	}
	if m.logs[1].Level != "warn" || m.logs[2].Level != "error" {
		t.Errorf("levels = %s, %s", m.logs[1].Level, m.logs[2].Level)
	}
}

func TestDoneMsg(t *testing.T) {
	m, cmd := update(t, *New("run"), DoneMsg{})
	if cmd != nil {
		t.Error("without auto-quit DoneMsg should not quit")
	}
	if m.finished.IsZero() {
		t.Error("finished time not set")
	}

	auto := New("run", WithAutoQuit())
	m, cmd = update(t, *auto, DoneMsg{Err: errors.New("2 items failed")})
	if cmd == nil || !m.quitting {
		t.Error("auto-quit model should quit on DoneMsg")
	}
	if m.runErr == nil {
		t.Error("run error not recorded")
	}
}

func TestKeyNavigation(t *testing.T) {
	m := *New("run")
	m, _ = update(t, m, QueuedMsg{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	tests := []struct {
		key      string
		wantSel  int
		wantPane Panel
	}{
		{"j", 1, PanelItems},
		{"j", 2, PanelItems},
		{"j", 2, PanelItems},
		{"g", 0, PanelItems},
		{"G", 2, PanelItems},
		{"tab", 2, PanelEvents},
		{"shift+tab", 2, PanelItems},
	}
	for _, tt := range tests {
		var msg tea.KeyMsg
		switch tt.key {
		case "tab":
			msg = tea.KeyMsg{Type: tea.KeyTab}
		case "shift+tab":
			msg = tea.KeyMsg{Type: tea.KeyShiftTab}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(tt.key)}
		}
		m, _ = update(t, m, msg)
		if m.selectedItem != tt.wantSel || m.activePanel != tt.wantPane {
			t.Errorf("after %q: selected=%d panel=%d, want %d/%d",
				tt.key, m.selectedItem, m.activePanel, tt.wantSel, tt.wantPane)
		}
	}

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !m.quitting || cmd == nil {
		t.Error("q should quit")
	}
	if m.View() != "" {
		t.Error("View should be empty after quitting")
	}
}

func TestView(t *testing.T) {
	m := *New("vigil run")
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m, _ = update(t, m, QueuedMsg{{ID: "lint", Name: "lint"}})
	m, _ = update(t, m, notify.Event{ID: "lint", Name: "lint", Status: workitem.StatusFailed, Summary: "lint failed: exit 1"})

	view := m.View()
	for _, want := range []string{"vigil run", "Work items", "lint", "Events", "lint failed"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h05m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 6); got != "abc" {
		t.Errorf("truncate short = %q", got)
	}
}

func TestSpinnerAdvances(t *testing.T) {
	m := *New("run")
	if m.Init() == nil {
		t.Fatal("Init should start the tick and spinner loops")
	}
	before := m.spin.View()
	mm, cmd := update(t, m, m.spin.Tick())
	if cmd == nil {
		t.Error("spinner tick should schedule the next frame")
	}
	if mm.spin.View() == before {
		t.Error("spinner frame should advance")
	}
}
