package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireLockWritesHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %q", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	h := parseHolder(string(content))
	if h.PID != os.Getpid() || h.Started == "" {
		t.Errorf("unexpected holder %+v from %q", h, content)
	}
}

func TestAcquireLockConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock should fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() || !lockErr.Holder.Running {
		t.Errorf("expected this process as running holder, got %+v", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), "another OnboardPipe instance") || !strings.Contains(err.Error(), dir) {
		t.Errorf("unhelpful error message: %s", err)
	}

	// The failed attempt must not clobber the holder information.
	content, _ := os.ReadFile(first.Path())
	if parseHolder(string(content)).PID != os.Getpid() {
		t.Errorf("lock file content lost: %q", content)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquireLockCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		content string
		want    Holder
	}{
		{"pid=1234\nstarted=2026-01-01T00:00:00Z\n", Holder{PID: 1234, Started: "2026-01-01T00:00:00Z"}},
		{"pid=42", Holder{PID: 42}},
		{"pid=abc\n", Holder{}},
		{"garbage", Holder{}},
		{"", Holder{}},
	}
	for _, tt := range tests {
		if got := parseHolder(tt.content); got != tt.want {
			t.Errorf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
		}
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("unexpected %q", got)
	}
	if got := (Holder{PID: 7, Running: true}).String(); got != "PID 7 (running)" {
		t.Errorf("unexpected %q", got)
	}
	if got := (Holder{PID: 7}).String(); !strings.Contains(got, "stale") {
		t.Errorf("unexpected %q", got)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process should be running")
	}
}
