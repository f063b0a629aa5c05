// Package state persists execution results so history survives restarts.
//
// Layout, all under the data directory:
//
//	results/<id>.json  one record per work item (final attempt only)
//	running.json       items in flight, rewritten on every start and finish
//	snapshot.json      the registry without captured output, written periodically
//	vigil.lock         flock held by the process that owns the files above
//
// Any number of processes may write result records. Only the lock holder
// writes the running record and the snapshot, and only the lock holder
// reclassifies interrupted work on startup. Every file is replaced atomically.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marcus/vigil/internal/workitem"
)

const (
	snapshotVersion = 2
	resultExt       = ".json"
	runningFile     = "running.json"
	lockFileName    = "vigil.lock"
)

var (
	// ErrSnapshotVersion is returned for snapshots written by a newer format.
	ErrSnapshotVersion = errors.New("unsupported snapshot version")
	// ErrLocked means another process owns the store.
	ErrLocked = errors.New("state store is owned by another process")
	// ErrNotOwner is returned for writes reserved to the lock holder.
	ErrNotOwner = errors.New("state store lock not held")

	errLockHeld = errors.New("lock held")
)

// Snapshot is the serialized registry. Results carry no captured output;
// the record files keep it.
type Snapshot struct {
	Version int                                 `json:"version"`
	TakenAt time.Time                           `json:"taken_at"`
	Results map[string]workitem.ExecutionResult `json:"results"`
	Running []*workitem.WorkItem                `json:"running"`
}

// RunningRecord lists the items in flight in the owning process.
type RunningRecord struct {
	PID       int                  `json:"pid"`
	UpdatedAt time.Time            `json:"updated_at"`
	Items     []*workitem.WorkItem `json:"items"`
}

// Store is the single owner of persisted results. Mutations go through the
// runner; reads are safe from any goroutine.
type Store struct {
	mu           sync.RWMutex
	resultsDir   string
	snapshotPath string
	results      map[string]workitem.ExecutionResult
	running      map[string]*workitem.WorkItem
	lock         *os.File
}

// DefaultDir returns the default data directory.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "vigil")
}

// New creates a store, creating directories as needed. Existing files are
// not read until Recover or Load is called, and nothing is locked until
// Acquire.
func New(resultsDir, snapshotPath string) (*Store, error) {
	if resultsDir == "" {
		resultsDir = filepath.Join(DefaultDir(), "results")
	}
	if snapshotPath == "" {
		snapshotPath = filepath.Join(DefaultDir(), "snapshot.json")
	}
	resultsDir = expandPath(resultsDir)
	snapshotPath = expandPath(snapshotPath)

	if err := os.MkdirAll(resultsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating results dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(snapshotPath), 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}

	return &Store{
		resultsDir:   resultsDir,
		snapshotPath: snapshotPath,
		results:      make(map[string]workitem.ExecutionResult),
		running:      make(map[string]*workitem.WorkItem),
	}, nil
}

// ResultsDir returns the results directory.
func (s *Store) ResultsDir() string { return s.resultsDir }

// SnapshotPath returns the snapshot file path.
func (s *Store) SnapshotPath() string { return s.snapshotPath }

// RunningPath returns the running record path.
func (s *Store) RunningPath() string {
	return filepath.Join(filepath.Dir(s.snapshotPath), runningFile)
}

// LockPath returns the lock file path.
func (s *Store) LockPath() string {
	return filepath.Join(filepath.Dir(s.snapshotPath), lockFileName)
}

// Acquire takes the exclusive store lock and writes this process's pid into
// it. It returns ErrLocked when another process, or another Store in this
// one, already holds it. The lock goes away with the process, so a crashed
// owner never blocks the next start.
func (s *Store) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return nil
	}

	f, err := os.OpenFile(s.LockPath(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errLockHeld) {
			if pid, ok := readPID(s.LockPath()); ok {
				return fmt.Errorf("%w (pid %d)", ErrLocked, pid)
			}
			return ErrLocked
		}
		return fmt.Errorf("locking %s: %w", s.LockPath(), err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	s.lock = f
	return nil
}

// Release drops the store lock. It is a no-op when the lock is not held.
func (s *Store) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	f := s.lock
	s.lock = nil
	_ = unlockFile(f)
	return f.Close()
}

// Owner reports whether this store holds the lock.
func (s *Store) Owner() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lock != nil
}

// Holder reports whether any store holds the lock, and the pid it recorded
// when that is readable.
func (s *Store) Holder() (int, bool) {
	if s.Owner() {
		return os.Getpid(), true
	}
	f, err := os.OpenFile(s.LockPath(), os.O_RDWR, 0)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		if !errors.Is(err, errLockHeld) {
			return 0, false
		}
		pid, _ := readPID(s.LockPath())
		return pid, true
	}
	_ = unlockFile(f)
	return 0, false
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// resultPath maps an id to its record file. Ids are escaped so any string
// is a safe file name.
func (s *Store) resultPath(id string) string {
	return filepath.Join(s.resultsDir, url.PathEscape(id)+resultExt)
}

// Put records a terminal result and writes its record file. The item is
// dropped from the running set.
func (s *Store) Put(r workitem.ExecutionResult) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result %s: %w", r.WorkItemID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.WorkItemID] = r
	if err := writeFileAtomic(s.resultPath(r.WorkItemID), data); err != nil {
		return fmt.Errorf("writing result %s: %w", r.WorkItemID, err)
	}
	if _, ok := s.running[r.WorkItemID]; ok {
		delete(s.running, r.WorkItemID)
		return s.writeRunningLocked()
	}
	return nil
}

// MarkRunning adds item to the in-flight set and, for the lock holder,
// rewrites the running record.
func (s *Store) MarkRunning(item *workitem.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[item.ID] = item.Clone()
	return s.writeRunningLocked()
}

// ClearRunning removes id from the in-flight set.
func (s *Store) ClearRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; !ok {
		return nil
	}
	delete(s.running, id)
	return s.writeRunningLocked()
}

func (s *Store) runningLocked() []*workitem.WorkItem {
	items := make([]*workitem.WorkItem, 0, len(s.running))
	for _, w := range s.running {
		items = append(items, w)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (s *Store) writeRunningLocked() error {
	if s.lock == nil {
		return nil
	}
	data, err := json.MarshalIndent(RunningRecord{
		PID:       os.Getpid(),
		UpdatedAt: time.Now(),
		Items:     s.runningLocked(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling running record: %w", err)
	}
	if err := writeFileAtomic(s.RunningPath(), data); err != nil {
		return fmt.Errorf("writing running record: %w", err)
	}
	return nil
}

// LoadRunning reads the running record. It returns os.ErrNotExist when none
// exists.
func (s *Store) LoadRunning() (*RunningRecord, error) {
	data, err := os.ReadFile(s.RunningPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	var rec RunningRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing running record: %w", err)
	}
	return &rec, nil
}

// Get returns the stored result for id.
func (s *Store) Get(id string) (workitem.ExecutionResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r, ok
}

// All returns every stored result, most recently completed first.
func (s *Store) All() []workitem.ExecutionResult {
	s.mu.RLock()
	out := make([]workitem.ExecutionResult, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sortNewest(out)
	return out
}

func sortNewest(out []workitem.ExecutionResult) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.After(out[j].CompletedAt)
		}
		return out[i].WorkItemID < out[j].WorkItemID
	})
}

// Prune keeps the keep most recently completed results and forgets the rest,
// returning the evicted ids. The lock holder also deletes their record files.
func (s *Store) Prune(keep int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep <= 0 || len(s.results) <= keep {
		return nil, nil
	}

	all := make([]workitem.ExecutionResult, 0, len(s.results))
	for _, r := range s.results {
		all = append(all, r)
	}
	sortNewest(all)

	var evicted []string
	var errs []error
	for _, r := range all[keep:] {
		delete(s.results, r.WorkItemID)
		evicted = append(evicted, r.WorkItemID)
		if s.lock == nil {
			continue
		}
		if err := os.Remove(s.resultPath(r.WorkItemID)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return evicted, errors.Join(errs...)
}

// Len returns the number of stored results.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// WriteSnapshot writes the registry to the snapshot file. Only the lock
// holder may write it.
func (s *Store) WriteSnapshot() error {
	s.mu.RLock()
	if s.lock == nil {
		s.mu.RUnlock()
		return ErrNotOwner
	}
	snap := Snapshot{
		Version: snapshotVersion,
		TakenAt: time.Now(),
		Results: make(map[string]workitem.ExecutionResult, len(s.results)),
		Running: s.runningLocked(),
	}
	for id, r := range s.results {
		r.Stdout, r.Stderr, r.Output = "", "", ""
		snap.Results[id] = r
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := writeFileAtomic(s.snapshotPath, data); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot file. It returns os.ErrNotExist when none exists.
func (s *Store) LoadSnapshot() (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}
	if snap.Results == nil {
		snap.Results = make(map[string]workitem.ExecutionResult)
	}
	return &snap, nil
}

// loadResults reads every record file in the results directory.
func (s *Store) loadResults() (map[string]workitem.ExecutionResult, error) {
	entries, err := os.ReadDir(s.resultsDir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]workitem.ExecutionResult, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), resultExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.resultsDir, e.Name()))
		if err != nil {
			return nil, err
		}
		var r workitem.ExecutionResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.Name(), err)
		}
		out[r.WorkItemID] = r
	}
	return out, nil
}

// Load reads the record files into memory without touching the snapshot
// or reclassifying anything. Used by read-only front-ends.
func (s *Store) Load() (int, error) {
	files, err := s.loadResults()
	if err != nil {
		return 0, fmt.Errorf("loading results: %w", err)
	}
	s.mu.Lock()
	s.results = files
	s.mu.Unlock()
	return len(files), nil
}

// Recovery describes what Recover found.
type Recovery struct {
	Loaded       int      // results restored
	Reclassified []string // ids that were running at crash time, now failed
}

// Recover reloads prior results. For the lock holder it also reclassifies
// anything left running by a previous owner as failed with reason
// "interrupted"; partially executed work is never resumed. Without the lock
// the live owner's in-flight items are left alone and nothing is written.
func (s *Store) Recover(now time.Time) (Recovery, error) {
	var rec Recovery

	snap, err := s.LoadSnapshot()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return rec, fmt.Errorf("loading snapshot: %w", err)
	}
	files, err := s.loadResults()
	if err != nil {
		return rec, fmt.Errorf("loading results: %w", err)
	}
	runRec, err := s.LoadRunning()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return rec, fmt.Errorf("loading running record: %w", err)
	}

	merged := make(map[string]workitem.ExecutionResult)
	var running []*workitem.WorkItem
	if snap != nil {
		for id, r := range snap.Results {
			merged[id] = r
		}
		running = append(running, snap.Running...)
	}
	if runRec != nil {
		running = append(running, runRec.Items...)
	}
	// Record files are written on every terminal transition, so they are at
	// least as new as the snapshot.
	for id, r := range files {
		merged[id] = r
	}

	var interrupted []workitem.ExecutionResult
	for id, r := range merged {
		if !r.Status.IsTerminal() {
			interrupted = append(interrupted, interruptedResult(r, now))
			delete(merged, id)
		}
	}
	for _, w := range running {
		if r, ok := merged[w.ID]; ok && (w.StartedAt.IsZero() || !r.CompletedAt.Before(w.StartedAt)) {
			continue // finished after it was recorded as running
		}
		r := workitem.NewResult(w)
		r.StartedAt = w.StartedAt
		interrupted = append(interrupted, interruptedResult(r, now))
	}

	s.mu.Lock()
	owner := s.lock != nil
	s.results = merged
	s.running = make(map[string]*workitem.WorkItem)
	s.mu.Unlock()
	rec.Loaded = len(merged)

	if !owner {
		return rec, nil
	}

	seen := make(map[string]bool, len(interrupted))
	for _, r := range interrupted {
		if seen[r.WorkItemID] {
			continue
		}
		seen[r.WorkItemID] = true
		if err := s.Put(r); err != nil {
			return rec, err
		}
		rec.Reclassified = append(rec.Reclassified, r.WorkItemID)
	}
	sort.Strings(rec.Reclassified)

	s.mu.Lock()
	err = s.writeRunningLocked()
	s.mu.Unlock()
	if err != nil {
		return rec, err
	}
	if err := s.WriteSnapshot(); err != nil {
		return rec, err
	}
	return rec, nil
}

func interruptedResult(r workitem.ExecutionResult, now time.Time) workitem.ExecutionResult {
	r.Status = workitem.StatusFailed
	r.Reason = workitem.ReasonInterrupted
	r.Error = "process restarted while item was running"
	r.ExitCode = -1
	r.CompletedAt = now
	if !r.StartedAt.IsZero() {
		r.Duration = now.Sub(r.StartedAt)
	}
	return r
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it, then renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
