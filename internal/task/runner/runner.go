// Package runner executes job scripts as child processes in their own
// process group, with a hard timeout that takes the whole tree down.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "jobwarden/pkg/logx"

	"github.com/shirou/gopsutil/v3/process"
)

// Command is one process invocation. Path must already be resolved.
type Command struct {
	Job     string
	Path    string
	Args    []string
	Timeout time.Duration
	Env     []string
}

// Result describes a finished process. Err is set when the process could
// not be started or waited for; a non-zero exit alone is not an error.
type Result struct {
	ExitCode  int
	Output    string
	Truncated bool
	Duration  time.Duration
	PeakMemMB float64
	PeakCPU   float64
	TimedOut  bool
	Err       error
}

// Runner runs a command to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

type Options struct {
	// Interpreters maps a file extension to the interpreter that runs it.
	Interpreters map[string]string
	KillGrace    time.Duration // default 5s
	OutputLimit  int           // bytes, default 64 KiB
	SampleEvery  time.Duration // resource sampling period, default 500ms
	Log          logx.Logger
}

// Process is the os/exec Runner.
type Process struct {
	opts Options
	log  logx.Logger
}

func NewProcess(opts Options) *Process {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = 64 * 1024
	}
	if opts.SampleEvery <= 0 {
		opts.SampleEvery = 500 * time.Millisecond
	}
	return &Process{opts: opts, log: opts.Log.With(logx.String("comp", "runner"))}
}

// argv picks the interpreter for path by extension.
func (p *Process) argv(path string, args []string) (string, []string) {
	if interp, ok := p.opts.Interpreters[strings.ToLower(filepath.Ext(path))]; ok && interp != "" {
		return interp, append([]string{path}, args...)
	}
	return path, args
}

func (p *Process) Run(ctx context.Context, c Command) Result {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	name, args := p.argv(c.Path, c.Args)
	cmd := exec.Command(name, args...)
	cmd.Dir = filepath.Dir(c.Path)
	cmd.Env = append(os.Environ(), c.Env...)
	out := &limitBuffer{limit: p.opts.OutputLimit}
	cmd.Stdout = out
	cmd.Stderr = out
	// Background grandchildren may hold the output pipe after the child exits.
	cmd.WaitDelay = p.opts.KillGrace
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	peak := &peakUsage{}
	sampleStop := make(chan struct{})
	var sampleWG sync.WaitGroup
	sampleWG.Add(1)
	go func() {
		defer sampleWG.Done()
		peak.watch(int32(cmd.Process.Pid), p.opts.SampleEvery, sampleStop)
	}()

	var res Result
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		waitErr = p.terminate(cmd, done, c.Job)
	}
	close(sampleStop)
	sampleWG.Wait()

	res.Duration = time.Since(start)
	res.Output, res.Truncated = out.String(), out.truncated
	res.PeakMemMB, res.PeakCPU = peak.values()

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		res.ExitCode = cmd.ProcessState.ExitCode()
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = waitErr
	}
	if res.TimedOut || ctx.Err() != nil {
		res.ExitCode = -1
	}
	return res
}

// terminate signals the group, waits out the grace period, then kills it.
func (p *Process) terminate(cmd *exec.Cmd, done <-chan error, job string) error {
	signalGroup(cmd, false)
	select {
	case err := <-done:
		return err
	case <-time.After(p.opts.KillGrace):
	}
	p.log.Warn("process ignored termination, killing group",
		logx.Job(job),
		logx.Int("pid", cmd.Process.Pid),
		logx.Duration("grace", p.opts.KillGrace))
	signalGroup(cmd, true)
	return <-done
}

// limitBuffer keeps the first limit bytes written to it.
type limitBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// peakUsage tracks the maximum RSS and CPU of a process and its descendants.
type peakUsage struct {
	mu    sync.Mutex
	memMB float64
	cpu   float64
}

func (u *peakUsage) values() (float64, float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.memMB, u.cpu
}

func (u *peakUsage) watch(pid int32, every time.Duration, stop <-chan struct{}) {
	root, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		u.sample(root)
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

func (u *peakUsage) sample(root *process.Process) {
	var rss uint64
	var cpu float64
	for _, p := range tree(root, 0) {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			rss += mi.RSS
		}
		if c, err := p.CPUPercent(); err == nil {
			cpu += c
		}
	}
	mb := float64(rss) / (1024 * 1024)
	u.mu.Lock()
	if mb > u.memMB {
		u.memMB = mb
	}
	if cpu > u.cpu {
		u.cpu = cpu
	}
	u.mu.Unlock()
}

// tree returns p and its descendants, bounded in depth.
func tree(p *process.Process, depth int) []*process.Process {
	out := []*process.Process{p}
	if depth >= 8 {
		return out
	}
	kids, err := p.Children()
	if err != nil {
		return out
	}
	for _, k := range kids {
		out = append(out, tree(k, depth+1)...)
	}
	return out
}
