package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobwarden/internal/balancer"
	"jobwarden/internal/monitor"
	logx "jobwarden/pkg/logx"
)

// History is the monitor view the engine evaluates. *monitor.Monitor satisfies it.
type History interface {
	History(n int) []monitor.Snapshot
	DetectSpike() monitor.SpikeResult
	Predict(horizon time.Duration) monitor.Prediction
	PredictMemory(horizon time.Duration) monitor.Prediction
	MemoryLeak() (bool, float64)
}

// Overrider receives the selected strategy. *balancer.Balancer satisfies it.
type Overrider interface {
	ApplyOverride(o *balancer.Override)
}

var (
	_ History   = (*monitor.Monitor)(nil)
	_ Overrider = (*balancer.Balancer)(nil)
)

type Options struct {
	Interval time.Duration // default 30s
	Horizon  time.Duration // prediction horizon, default 5m
	// Tasks lists running or due job names for the task heuristics.
	Tasks func() []string
	Log   logx.Logger
	Now   func() time.Time
}

// Result is one evaluation.
type Result struct {
	At       time.Time `json:"at"`
	UseCases []UseCase `json:"use_cases"`
	Selected *UseCase  `json:"selected,omitempty"`
	Strategy *Strategy `json:"strategy,omitempty"`
}

type Engine struct {
	opts Options
	log  logx.Logger
	src  History
	out  Overrider

	mu   sync.Mutex
	last Result
	top  ID
}

// NewEngine builds an engine over src. out may be nil for read-only use.
func NewEngine(src History, out Overrider, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opts: opts,
		log:  opts.Log.With(logx.String("comp", "usecase")),
		src:  src,
		out:  out,
	}
}

// Gather collects an Input from the history source.
func (e *Engine) Gather(tasks []string) Input {
	h := e.src.History(0)
	in := Input{
		Now:        e.opts.Now(),
		History:    h,
		Spike:      e.src.DetectSpike(),
		Prediction: e.src.Predict(e.opts.Horizon),
		MemoryPred: e.src.PredictMemory(e.opts.Horizon),
		Tasks:      tasks,
	}
	in.Leak, in.LeakDelta = e.src.MemoryLeak()
	if len(h) > 0 {
		in.Snapshot = h[len(h)-1]
	}
	return in
}

// Evaluate runs every detector over in and ranks the matches by priority,
// keeping detector order among equal priorities.
func Evaluate(in Input) []UseCase {
	var out []UseCase
	for _, d := range detectors {
		out = append(out, d(in)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Evaluate gathers the current input and ranks it without applying anything.
func (e *Engine) Evaluate() Result {
	var tasks []string
	if e.opts.Tasks != nil {
		tasks = e.opts.Tasks()
	}
	in := e.Gather(tasks)
	res := Result{At: in.Now, UseCases: Evaluate(in)}
	if len(res.UseCases) > 0 {
		top := res.UseCases[0]
		s := StrategyFor(top)
		res.Selected, res.Strategy = &top, &s
	}
	return res
}

// Apply evaluates and installs the top strategy as a balancer override that
// expires after two intervals. No match clears any previous override.
func (e *Engine) Apply(ctx context.Context) Result {
	res := e.Evaluate()

	e.mu.Lock()
	prevTop := e.top
	e.last = res
	if res.Selected != nil {
		e.top = res.Selected.ID
	} else {
		e.top = 0
	}
	e.mu.Unlock()

	if e.out == nil {
		return res
	}
	if res.Selected == nil {
		if prevTop != 0 {
			e.log.Info("load situation cleared", logx.String("previous", prevTop.String()))
		}
		e.out.ApplyOverride(nil)
		return res
	}
	uc, s := res.Selected, res.Strategy
	if uc.ID != prevTop {
		e.log.Info("load situation detected",
			logx.String("use_case", uc.Slug),
			logx.Int("priority", uc.Priority),
			logx.Float64("confidence", uc.Confidence),
			logx.String("strategy", s.Name),
			logx.Any("metrics", uc.Metrics),
			logx.Int("matches", len(res.UseCases)))
	}
	e.out.ApplyOverride(&balancer.Override{
		Source:            uc.Slug + "/" + s.Name,
		CPUThreshold:      s.CPUThreshold,
		MemoryThreshold:   s.MemoryThreshold,
		ConcurrencyFactor: s.ConcurrencyFactor,
		Defer:             s.Defer,
		Expires:           res.At.Add(2 * e.opts.Interval),
	})
	return res
}

// Last returns the most recent applied evaluation.
func (e *Engine) Last() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Run applies every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.Apply(ctx)
		}
	}
}
