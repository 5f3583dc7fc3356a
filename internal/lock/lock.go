// Package lock provides the per-job exclusive execution lock.
//
// A lock is an in-process registry entry plus, on unix, an flock(2) on
// <dir>/<job>.lock. The file holds the holder's metadata so other processes
// (the CLI, a second daemon) can count running jobs. The kernel drops the
// flock when the holder dies; such files are stale and are reclaimed on scan.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jobwarden/internal/model"
	logx "jobwarden/pkg/logx"
)

var ErrAlreadyRunning = errors.New("lock: job already running")

const suffix = ".lock"

// Holder describes the process holding a job lock.
type Holder struct {
	PID       int                 `json:"pid"`
	Job       string              `json:"job"`
	Class     model.ResourceClass `json:"class"`
	StartedAt time.Time           `json:"started_at"`
}

type Registry struct {
	dir string
	log logx.Logger
	now func() time.Time

	mu   sync.Mutex
	held map[string]*Handle
}

// New creates dir if needed.
func New(dir string, log logx.Logger) (*Registry, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("lock: dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create dir: %w", err)
	}
	return &Registry{
		dir:  dir,
		log:  log.With(logx.String("comp", "lock")),
		now:  time.Now,
		held: map[string]*Handle{},
	}, nil
}

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) path(job string) string { return filepath.Join(r.dir, job+suffix) }

// Handle is one acquired lock. Release is idempotent.
type Handle struct {
	reg      *Registry
	holder   Holder
	file     *os.File
	released atomic.Bool
}

func (h *Handle) Holder() Holder { return h.holder }

// TryAcquire takes job's lock without blocking. ErrAlreadyRunning means
// another goroutine or process holds it.
func (r *Registry) TryAcquire(job string, class model.ResourceClass) (*Handle, error) {
	job = strings.TrimSpace(job)
	if job == "" || strings.ContainsAny(job, `/\`) {
		return nil, fmt.Errorf("lock: invalid job name %q", job)
	}

	r.mu.Lock()
	if _, busy := r.held[job]; busy {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	// Reserve the name before touching the filesystem.
	h := &Handle{reg: r, holder: Holder{PID: os.Getpid(), Job: job, Class: class, StartedAt: r.now()}}
	r.held[job] = h
	r.mu.Unlock()

	f, err := r.lockFile(r.path(job))
	if err != nil {
		r.mu.Lock()
		delete(r.held, job)
		r.mu.Unlock()
		return nil, err
	}
	h.file = f
	if err := writeHolder(f, h.holder); err != nil {
		r.log.Warn("lock metadata not written", logx.Job(job), logx.Err(err))
	}
	return h, nil
}

// lockFile opens and flocks path. A file unlinked by a concurrent release or
// stale reclaim between open and flock is detected by inode and retried.
func (r *Registry) lockFile(path string) (*os.File, error) {
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("lock: open: %w", err)
		}
		if err := tryLock(f); err != nil {
			_ = f.Close()
			if errors.Is(err, errWouldBlock) {
				return nil, ErrAlreadyRunning
			}
			return nil, fmt.Errorf("lock: flock: %w", err)
		}
		if sameFile(f, path) {
			return f, nil
		}
		_ = unlock(f)
		_ = f.Close()
	}
	return nil, ErrAlreadyRunning
}

func sameFile(f *os.File, path string) bool {
	a, err := f.Stat()
	if err != nil {
		return false
	}
	b, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}

func writeHolder(f *os.File, h Holder) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(append(b, '\n'), 0); err != nil {
		return err
	}
	return f.Sync()
}

// Release removes the lock file and drops the flock.
func (h *Handle) Release() error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}
	r := h.reg
	var err error
	if h.file != nil {
		// Unlink while still holding the flock so no one can lock the old inode
		// and see it as current.
		if rmErr := os.Remove(r.path(h.holder.Job)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = rmErr
		}
		if uErr := unlock(h.file); uErr != nil && err == nil {
			err = uErr
		}
		if cErr := h.file.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}
	r.mu.Lock()
	if r.held[h.holder.Job] == h {
		delete(r.held, h.holder.Job)
	}
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", h.holder.Job, err)
	}
	return nil
}

// IsHeld reports whether job is locked by any live holder.
func (r *Registry) IsHeld(job string) bool {
	r.mu.Lock()
	_, ok := r.held[job]
	r.mu.Unlock()
	if ok {
		return true
	}
	_, live := r.inspect(r.path(job))
	return live
}

// Running lists live holders across all processes, sorted by job name.
// Stale lock files are removed as they are found.
func (r *Registry) Running() ([]Holder, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("lock: scan: %w", err)
	}

	r.mu.Lock()
	local := make(map[string]Holder, len(r.held))
	for job, h := range r.held {
		local[job] = h.holder
	}
	r.mu.Unlock()

	out := make([]Holder, 0, len(entries)+len(local))
	for _, h := range local {
		out = append(out, h)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		job := strings.TrimSuffix(name, suffix)
		if _, mine := local[job]; mine {
			continue
		}
		h, live := r.inspect(filepath.Join(r.dir, name))
		if !live {
			continue
		}
		if h.Job == "" {
			h.Job = job
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out, nil
}

// CountByClass counts live holders per resource class.
func (r *Registry) CountByClass() (map[model.ResourceClass]int, error) {
	hs, err := r.Running()
	if err != nil {
		return nil, err
	}
	out := map[model.ResourceClass]int{}
	for _, h := range hs {
		out[h.Class]++
	}
	return out, nil
}

// inspect reports whether path is locked by another holder. An unlocked file
// is stale and removed.
func (r *Registry) inspect(path string) (Holder, bool) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return Holder{}, false
	}
	defer f.Close()

	var h Holder
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &h)
	}

	if err := tryLock(f); err != nil {
		return h, errors.Is(err, errWouldBlock)
	}
	defer func() { _ = unlock(f) }()
	if sameFile(f, path) {
		if err := os.Remove(path); err == nil {
			r.log.Info("reclaimed stale lock", logx.String("path", path), logx.Int("pid", h.PID))
		}
	}
	return h, false
}
