package lock

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"jobwarden/internal/model"
	logx "jobwarden/pkg/logx"
)

func newRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	r, err := New(dir, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAtMostOneHolder(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, t.TempDir())

	const n = 32
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		already atomic.Int32
		start   = make(chan struct{})
		handles = make(chan *Handle, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := r.TryAcquire("backup", model.ClassHeavy)
			switch {
			case err == nil:
				won.Add(1)
				handles <- h
			case errors.Is(err, ErrAlreadyRunning):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(handles)

	if won.Load() != 1 || already.Load() != n-1 {
		t.Fatalf("won=%d already=%d", won.Load(), already.Load())
	}
	for h := range handles {
		if err := h.Release(); err != nil {
			t.Fatal(err)
		}
	}
	h, err := r.TryAcquire("backup", model.ClassHeavy)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = h.Release()
	_ = h.Release()
}

func TestLockSharedAcrossRegistries(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock not available")
	}
	t.Parallel()
	dir := t.TempDir()
	a := newRegistry(t, dir)
	b := newRegistry(t, dir)

	h, err := a.TryAcquire("report", model.ClassLight)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.TryAcquire("report", model.ClassLight); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second registry acquired a held lock: %v", err)
	}
	if !b.IsHeld("report") {
		t.Fatal("IsHeld = false for a lock held elsewhere")
	}
	hs, err := b.Running()
	if err != nil {
		t.Fatal(err)
	}
	if len(hs) != 1 || hs[0].Job != "report" || hs[0].Class != model.ClassLight || hs[0].PID != os.Getpid() {
		t.Fatalf("running = %+v", hs)
	}

	if err := h.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "report.lock")); !os.IsNotExist(err) {
		t.Fatalf("lock file left behind: %v", err)
	}
	h2, err := b.TryAcquire("report", model.ClassLight)
	if err != nil {
		t.Fatal(err)
	}
	_ = h2.Release()
}

func TestStaleLockReclaimed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "orphan.lock")
	if err := os.WriteFile(path, []byte(`{"pid":999999,"job":"orphan","class":"heavy"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	r := newRegistry(t, dir)

	hs, err := r.Running()
	if err != nil {
		t.Fatal(err)
	}
	if len(hs) != 0 {
		t.Fatalf("stale lock counted as running: %+v", hs)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("stale lock file not removed")
	}
	if r.IsHeld("orphan") {
		t.Fatal("stale lock reported held")
	}
}

func TestCountByClass(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, t.TempDir())
	var hs []*Handle
	for _, j := range []struct {
		name  string
		class model.ResourceClass
	}{{"a", model.ClassHeavy}, {"b", model.ClassHeavy}, {"c", model.ClassLight}} {
		h, err := r.TryAcquire(j.name, j.class)
		if err != nil {
			t.Fatal(err)
		}
		hs = append(hs, h)
	}
	counts, err := r.CountByClass()
	if err != nil {
		t.Fatal(err)
	}
	if counts[model.ClassHeavy] != 2 || counts[model.ClassLight] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	for _, h := range hs {
		_ = h.Release()
	}
	counts, _ = r.CountByClass()
	if len(counts) != 0 {
		t.Fatalf("counts after release = %v", counts)
	}
}

func TestRejectsPathLikeNames(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, t.TempDir())
	for _, name := range []string{"", "../x", `a\b`} {
		if _, err := r.TryAcquire(name, model.ClassLight); err == nil {
			t.Errorf("TryAcquire(%q) succeeded", name)
		}
	}
}
