package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus/vigil/internal/logging"
)

func writeLogFile(t *testing.T, dir string, day time.Time, lines ...string) string {
	t.Helper()
	path := logging.FilePath(dir, day)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadLastLines(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeLogFile(t, dir, now.AddDate(0, 0, -1), "y1", "y2")
	writeLogFile(t, dir, now, "t1", "t2", "t3")

	files, err := getLogFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("getLogFiles() = %v", files)
	}

	tests := []struct {
		n    int
		want string
	}{
		{2, "t2 t3"},
		{4, "y2 t1 t2 t3"},
		{10, "y1 y2 t1 t2 t3"},
	}
	for _, tt := range tests {
		if got := strings.Join(readLastLines(files, tt.n), " "); got != tt.want {
			t.Errorf("readLastLines(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestShowLogs_MissingDir(t *testing.T) {
	var out bytes.Buffer
	if err := showLogs(&out, filepath.Join(t.TempDir(), "nope"), 10); err != nil {
		t.Fatalf("showLogs() error = %v", err)
	}
	if !strings.Contains(out.String(), "No log files found.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPrintLogLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{
			name: "structured",
			line: `{"level":"info","time":"2026-01-02T03:04:05Z","message":"started","component":"runner","id":"lint"}`,
			want: []string{"INF [runner] started id=lint"},
		},
		{
			name: "with error",
			line: `{"level":"error","time":"2026-01-02T03:04:05Z","message":"attempt failed","error":"exit status 1"}`,
			want: []string{"ERR attempt failed error=exit status 1"},
		},
		{
			name: "plain text",
			line: "not json",
			want: []string{"not json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			printLogLine(&out, tt.line)
			for _, w := range tt.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("printLogLine() = %q, want %q", out.String(), w)
				}
			}
		})
	}
}

func TestFormatLogLevel(t *testing.T) {
	tests := map[string]string{
		"debug": "DBG",
		"info":  "INF",
		"warn":  "WRN",
		"error": "ERR",
		"":      "???",
		"fatal": "FAT",
		"x":     "X",
	}
	for in, want := range tests {
		if got := formatLogLevel(in); got != want {
			t.Errorf("formatLogLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExportLogs(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeLogFile(t, dir, now.AddDate(0, 0, -2), "old")
	writeLogFile(t, dir, now, "new1", "new2")

	dest := filepath.Join(t.TempDir(), "export.log")
	var out bytes.Buffer
	if err := exportLogs(&out, dir, dest); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Exported 3 log lines") {
		t.Errorf("output = %q", out.String())
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "old\nnew1\nnew2\n" {
		t.Errorf("export = %q", data)
	}

	if err := exportLogs(&out, t.TempDir(), dest); err == nil {
		t.Error("exportLogs() with no files should fail")
	}
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling
// reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, b *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(b.String(), want) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, got:\n%s", want, b.String())
}

func TestFollowLogs(t *testing.T) {
	dir := t.TempDir()
	path := writeLogFile(t, dir, time.Now(), "before")

	var out syncBuffer
	done := make(chan struct{})
	errc := make(chan error, 1)
	go func() { errc <- followLogs(done, &out, dir, 1) }()

	waitFor(t, &out, "Following logs")
	if !strings.Contains(out.String(), "before") {
		t.Errorf("initial lines missing:\n%s", out.String())
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"level":"warn","time":"2026-01-02T03:04:05Z","message":"appended"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	waitFor(t, &out, "WRN appended")
	close(done)
	if err := <-errc; err != nil {
		t.Errorf("followLogs() error = %v", err)
	}
}
