// Package engine runs one job execution end to end: exclusive lock, circuit
// check, bounded attempts with backoff, and outcome accounting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"jobwarden/internal/circuit"
	"jobwarden/internal/eventbus"
	"jobwarden/internal/lock"
	"jobwarden/internal/model"
	"jobwarden/internal/notifier"
	"jobwarden/internal/task/runner"
	logx "jobwarden/pkg/logx"

	"github.com/google/uuid"
)

// Locker hands out per-job exclusive locks. *lock.Registry satisfies it.
type Locker interface {
	TryAcquire(job string, class model.ResourceClass) (*lock.Handle, error)
}

// Breaker is the circuit view the engine needs. *circuit.Breaker satisfies it.
type Breaker interface {
	CanExecute(ctx context.Context, job string) (bool, error)
	RecordSuccess(ctx context.Context, job string) error
	RecordFailure(ctx context.Context, job string, class model.ResourceClass, cause error) error
}

// Resolver maps a configured script to a vetted absolute path.
type Resolver interface {
	Resolve(script string) (string, error)
}

// Alerter delivers operator alerts. It must not block.
type Alerter interface {
	SendAlert(sev notifier.Severity, message string, fields map[string]any)
}

var (
	_ Locker   = (*lock.Registry)(nil)
	_ Breaker  = (*circuit.Breaker)(nil)
	_ Resolver = (*runner.Resolver)(nil)
	_ Alerter  = (*notifier.Service)(nil)
)

// Disposition is what happened to an execution request.
type Disposition string

const (
	Executed       Disposition = "executed"
	AlreadyRunning Disposition = "already_running"
	CircuitOpen    Disposition = "circuit_open"
	// Deferred is set by callers that consult the load balancer first.
	Deferred Disposition = "deferred"
)

// Outcome is the result of ExecuteTask. Records holds one record per
// attempt in order and Record is the last of them, the execution's result.
// Both are set for Executed and CircuitOpen; Err is the last attempt's failure.
type Outcome struct {
	Job         string                   `json:"job"`
	Disposition Disposition              `json:"disposition"`
	Record      *model.ExecutionRecord   `json:"record,omitempty"`
	Records     []*model.ExecutionRecord `json:"records,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
	Err         error                    `json:"-"`
}

func (o Outcome) Succeeded() bool {
	return o.Disposition == Executed && o.Record != nil && o.Record.Success
}

// Attempts returns every record of the outcome, oldest first.
func (o Outcome) Attempts() []*model.ExecutionRecord {
	if len(o.Records) > 0 {
		return o.Records
	}
	if o.Record != nil {
		return []*model.ExecutionRecord{o.Record}
	}
	return nil
}

func (o *Outcome) add(rec *model.ExecutionRecord) {
	o.Records = append(o.Records, rec)
	o.Record = rec
}

type Options struct {
	DefaultTimeout time.Duration // default 30m
	Backoff        Backoff

	Bus   eventbus.Bus
	Log   logx.Logger
	Alert Alerter
	Now   func() time.Time
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RunOptions are per-request overrides.
type RunOptions struct {
	BypassBreaker bool
	// Trigger is recorded in logs: "schedule", "manual".
	Trigger string
	// Lock is the job's lock when the caller took it at admission. The engine
	// owns it from here and releases it; nil means the engine acquires it.
	Lock *lock.Handle
}

type Engine struct {
	opts     Options
	log      logx.Logger
	locks    Locker
	breaker  Breaker
	resolver Resolver
	run      runner.Runner

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(locks Locker, breaker Breaker, resolver Resolver, run runner.Runner, opts Options) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Engine{
		opts:     opts,
		log:      opts.Log.With(logx.String("comp", "engine")),
		locks:    locks,
		breaker:  breaker,
		resolver: resolver,
		run:      run,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Engine) delay(b Backoff, attempt int) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return b.Delay(attempt, e.rng)
}

func (e *Engine) alert(sev notifier.Severity, msg string, fields map[string]any) {
	if e.opts.Alert != nil {
		e.opts.Alert.SendAlert(sev, msg, fields)
	}
}

// ExecuteTask runs job under its exclusive lock. A held lock is reported as
// AlreadyRunning without error. The lock is released on every path, and a
// panic is recorded as a failed attempt.
func (e *Engine) ExecuteTask(ctx context.Context, job model.JobDefinition, ro RunOptions) (out Outcome) {
	out.Job = job.Name
	log := e.log.With(logx.Job(job.Name), logx.String("class", string(job.Class)))
	execID := uuid.NewString()

	h := ro.Lock
	if h == nil {
		var err error
		h, err = e.locks.TryAcquire(job.Name, job.Class)
		if errors.Is(err, lock.ErrAlreadyRunning) {
			log.Info("execution skipped, already running")
			out.Disposition, out.Reason = AlreadyRunning, "already running"
			return out
		}
		if err != nil {
			log.Error("lock unavailable", logx.Err(err))
			out.Disposition, out.Reason, out.Err = Executed, "lock unavailable", err
			rec := e.newRecord(job, execID, 1, e.opts.Now())
			e.finish(rec, model.StatusFailed, err)
			out.add(rec)
			return out
		}
	}
	defer func() {
		if rerr := h.Release(); rerr != nil {
			log.Warn("lock release failed", logx.Err(rerr))
		}
		if r := recover(); r != nil {
			log.Error("execution panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			e.recordPanic(ctx, job, execID, &out, fmt.Errorf("panic: %v", r), log)
		}
	}()

	bypass := ro.BypassBreaker || job.BypassBreaker
	if !bypass {
		ok, err := e.breaker.CanExecute(ctx, job.Name)
		if err != nil {
			log.Error("circuit check degraded", logx.Err(err))
		}
		if !ok {
			rec := e.newRecord(job, execID, 1, e.opts.Now())
			e.finish(rec, model.StatusSkipped, ErrCircuitOpen)
			log.Info("execution skipped, circuit open")
			e.publish(job, rec)
			out.Disposition, out.Reason = CircuitOpen, "circuit open"
			out.add(rec)
			return out
		}
	} else {
		log.Warn("circuit breaker bypassed", logx.String("trigger", ro.Trigger))
	}

	out.Disposition = Executed
	lastErr := e.attempts(ctx, job, execID, &out, log)
	out.Err = lastErr
	rec, first := out.Record, out.Records[0]
	total := rec.EndedAt.Sub(first.StartedAt)

	if rec.Success {
		if err := e.breaker.RecordSuccess(ctx, job.Name); err != nil {
			log.Error("circuit success not recorded", logx.Err(err))
		}
		log.Info("execution succeeded",
			logx.Int("attempts", rec.Attempt),
			logx.Duration("duration", rec.Duration),
			logx.Duration("total", total),
			logx.Float64("peak_mem_mb", rec.PeakMemMB),
			logx.Float64("peak_cpu", rec.PeakCPU),
			logx.String("trigger", ro.Trigger))
		if job.AlertOnSuccess {
			e.alert(notifier.SeverityInfo, fmt.Sprintf("job %s succeeded", job.Name), map[string]any{
				"job": job.Name, "duration": total.String(), "attempts": rec.Attempt,
			})
		}
	} else {
		if err := e.breaker.RecordFailure(ctx, job.Name, job.Class, lastErr); err != nil {
			log.Error("circuit failure not recorded", logx.Err(err))
		}
		log.Warn("execution failed",
			logx.Int("attempts", rec.Attempt),
			logx.String("status", string(rec.Status)),
			logx.Int("exit_code", rec.ExitCode),
			logx.Duration("duration", rec.Duration),
			logx.Duration("total", total),
			logx.Bool("no_retry", IsNoRetry(lastErr)),
			logx.Err(lastErr))
		if job.AlertOnFailure {
			e.alert(notifier.SeverityCritical, fmt.Sprintf("job %s failed after %d attempt(s): %v", job.Name, rec.Attempt, lastErr), map[string]any{
				"job": job.Name, "status": string(rec.Status), "exit_code": rec.ExitCode, "class": string(job.Class),
			})
		}
	}
	e.publish(job, rec)
	return out
}

// recordPanic closes out an execution whose attempt panicked: earlier
// attempts become retried, a failed attempt is appended and the breaker
// counts the failure.
func (e *Engine) recordPanic(ctx context.Context, job model.JobDefinition, execID string, out *Outcome, cause error, log logx.Logger) {
	for _, r := range out.Records {
		r.Retried = true
	}
	rec := e.newRecord(job, execID, len(out.Records)+1, e.opts.Now())
	rec.ExitCode = -1
	e.finish(rec, model.StatusFailed, cause)
	out.add(rec)
	out.Disposition, out.Err = Executed, cause

	if err := e.breaker.RecordFailure(context.WithoutCancel(ctx), job.Name, job.Class, cause); err != nil {
		log.Error("circuit failure not recorded", logx.Err(err))
	}
	if job.AlertOnFailure {
		e.alert(notifier.SeverityCritical, fmt.Sprintf("job %s failed: %v", job.Name, cause), map[string]any{
			"job": job.Name, "status": string(rec.Status), "class": string(job.Class),
		})
	}
	e.publish(job, rec)
}

// attempts runs up to job.Attempts() tries, adding one finished record per
// attempt to out, and returns the last failure.
func (e *Engine) attempts(ctx context.Context, job model.JobDefinition, execID string, out *Outcome, log logx.Logger) error {
	max := job.Attempts()
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	backoff := e.opts.Backoff
	if job.Retry.BackoffBase > 0 {
		backoff.Base = job.Retry.BackoffBase
	}
	if job.Retry.BackoffMax > 0 {
		backoff.Max = job.Retry.BackoffMax
	}

	for attempt := 1; ; attempt++ {
		rec := e.newRecord(job, execID, attempt, e.opts.Now())
		status, err := e.once(ctx, job, timeout, rec)
		e.finish(rec, status, err)
		retry := err != nil && !IsNoRetry(err) && attempt < max && ctx.Err() == nil
		rec.Retried = retry
		out.add(rec)
		if !retry {
			return err
		}
		d := e.delay(backoff, attempt)
		log.Info("attempt failed, retrying",
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", max),
			logx.Duration("backoff", d),
			logx.Err(err))
		if serr := e.opts.Sleep(ctx, d); serr != nil {
			rec.Retried = false
			return err
		}
	}
}

// once runs a single attempt and stores its measurements in rec.
func (e *Engine) once(ctx context.Context, job model.JobDefinition, timeout time.Duration, rec *model.ExecutionRecord) (model.ExecutionStatus, error) {
	path, err := e.resolver.Resolve(job.Script)
	if err != nil {
		rec.ExitCode = -1
		return model.StatusFailed, NoRetry(fmt.Errorf("resolve %s: %w", job.Script, err))
	}
	res := e.run.Run(ctx, runner.Command{
		Job:     job.Name,
		Path:    path,
		Args:    job.Args,
		Timeout: timeout,
		Env:     []string{"JOBWARDEN_JOB=" + job.Name, "JOBWARDEN_ATTEMPT=" + fmt.Sprint(rec.Attempt)},
	})
	rec.ExitCode = res.ExitCode
	rec.Output = res.Output
	rec.PeakMemMB = res.PeakMemMB
	rec.PeakCPU = res.PeakCPU
	switch {
	case res.Err != nil:
		return model.StatusFailed, fmt.Errorf("start %s: %w", path, res.Err)
	case res.TimedOut:
		return model.StatusTimeout, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case res.ExitCode != 0:
		return model.StatusFailed, &ExitError{Code: res.ExitCode}
	}
	return model.StatusSuccess, nil
}

func (e *Engine) newRecord(job model.JobDefinition, execID string, attempt int, start time.Time) *model.ExecutionRecord {
	return &model.ExecutionRecord{
		ID:          uuid.NewString(),
		ExecutionID: execID,
		Job:         job.Name,
		Attempt:     attempt,
		StartedAt:   start,
	}
}

func (e *Engine) finish(rec *model.ExecutionRecord, status model.ExecutionStatus, err error) {
	rec.EndedAt = e.opts.Now()
	rec.Duration = rec.EndedAt.Sub(rec.StartedAt)
	rec.Status = status
	rec.Success = status == model.StatusSuccess
	if err != nil {
		rec.Error = err.Error()
	}
}

func (e *Engine) publish(job model.JobDefinition, rec *model.ExecutionRecord) {
	e.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeExecutionFinished, Time: rec.EndedAt, Data: eventbus.ExecutionFinished{
		Job: job.Name, Status: string(rec.Status), Attempts: rec.Attempt, Duration: rec.Duration,
	}})
}
