package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcus/vigil/internal/logging"
)

type batches struct {
	mu  sync.Mutex
	got [][]string
	ch  chan struct{}
}

func newBatches() *batches {
	return &batches{ch: make(chan struct{}, 16)}
}

func (b *batches) record(paths []string) {
	b.mu.Lock()
	b.got = append(b.got, paths)
	b.mu.Unlock()
	b.ch <- struct{}{}
}

func (b *batches) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-b.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no change batch delivered")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.got[len(b.got)-1]
}

func startWatcher(t *testing.T, dir string, b *batches, opts ...Option) *Watcher {
	t.Helper()
	opts = append(opts, WithLogger(logging.Nop()))
	w, err := New([]string{dir}, 50*time.Millisecond, b.record, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.Close()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return w
}

func TestNew_NoPaths(t *testing.T) {
	if _, err := New(nil, time.Second, nil); !errors.Is(err, ErrNoPaths) {
		t.Errorf("New(nil) error = %v, want ErrNoPaths", err)
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	b := newBatches()
	startWatcher(t, dir, b)

	for _, name := range []string{"a.go", "b.go", "a.go"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("package x\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got := b.wait(t)
	want := map[string]bool{filepath.Join(dir, "a.go"): true, filepath.Join(dir, "b.go"): true}
	for _, p := range got {
		if !want[p] {
			t.Errorf("unexpected path %s", p)
		}
	}
	if len(got) != 2 {
		t.Errorf("batch = %v, want both files once", got)
	}
}

func TestWatcher_SkipsHiddenAndIgnored(t *testing.T) {
	dir := t.TempDir()
	b := newBatches()
	startWatcher(t, dir, b, WithIgnore("*.log"))

	_ = os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0644)
	_ = os.WriteFile(filepath.Join(dir, "run.log"), []byte("x"), 0644)
	_ = os.WriteFile(filepath.Join(dir, "main.go"), []byte("x"), 0644)

	got := b.wait(t)
	if len(got) != 1 || filepath.Base(got[0]) != "main.go" {
		t.Errorf("batch = %v, want only main.go", got)
	}
}

func TestWatcher_ExcludedDirectory(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	if err := os.Mkdir(state, 0755); err != nil {
		t.Fatal(err)
	}
	b := newBatches()
	startWatcher(t, dir, b, WithExclude(state))

	_ = os.WriteFile(filepath.Join(state, "snapshot.json"), []byte("{}"), 0644)
	_ = os.WriteFile(filepath.Join(dir, "src.go"), []byte("x"), 0644)

	got := b.wait(t)
	for _, p := range got {
		if filepath.Dir(p) == state {
			t.Errorf("change in excluded dir reported: %s", p)
		}
	}
}

func TestWatcher_NewSubdirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	b := newBatches()
	startWatcher(t, dir, b)

	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	b.wait(t) // the mkdir itself

	if err := os.WriteFile(filepath.Join(sub, "x.go"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	got := b.wait(t)
	found := false
	for _, p := range got {
		if p == filepath.Join(sub, "x.go") {
			found = true
		}
	}
	if !found {
		t.Errorf("batch = %v, want change inside new subdirectory", got)
	}
}

func TestWatcher_StartTwice(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir, newBatches())
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestWatcher_ContextStops(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{dir}, 10*time.Millisecond, func([]string) {}, WithLogger(logging.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit after cancel")
	}
}
