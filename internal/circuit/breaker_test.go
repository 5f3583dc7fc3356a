package circuit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"jobwarden/internal/model"
	"jobwarden/internal/storage"
	logx "jobwarden/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newBreaker(t *testing.T, store storage.StateStore) (*Breaker, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	b := New(store, Config{ClassThresholds: map[model.ResourceClass]int{model.ClassHeavy: 4}}, WithClock(c.now))
	return b, c
}

var errBoom = errors.New("exit status 1")

func TestOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newBreaker(t, storage.NewMemory())

	for i := 0; i < 4; i++ {
		if err := b.RecordFailure(ctx, "sync", model.ClassMedium, errBoom); err != nil {
			t.Fatal(err)
		}
		if st := b.State(ctx, "sync"); st.State != model.CircuitClosed {
			t.Fatalf("after %d failures state = %s", i+1, st.State)
		}
	}
	if err := b.RecordFailure(ctx, "sync", model.ClassMedium, errBoom); err != nil {
		t.Fatal(err)
	}
	st := b.State(ctx, "sync")
	if st.State != model.CircuitOpen || st.Failures != 5 || st.LastError != errBoom.Error() {
		t.Fatalf("state = %+v", st)
	}
	if ok, _ := b.CanExecute(ctx, "sync"); ok {
		t.Fatal("open circuit admitted before reset timeout")
	}
}

func TestHeavyJobScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, clk := newBreaker(t, storage.NewMemory())

	for i := 0; i < 3; i++ {
		_ = b.RecordFailure(ctx, "backup", model.ClassHeavy, errBoom)
	}
	if st := b.State(ctx, "backup"); st.State != model.CircuitClosed || st.Failures != 3 {
		t.Fatalf("precondition: %+v", st)
	}
	_ = b.RecordFailure(ctx, "backup", model.ClassHeavy, errBoom)
	if st := b.State(ctx, "backup"); st.State != model.CircuitOpen {
		t.Fatalf("4th heavy failure: state = %s", st.State)
	}

	clk.advance(61 * time.Second)
	ok, err := b.CanExecute(ctx, "backup")
	if err != nil || !ok {
		t.Fatalf("CanExecute after reset timeout = %v, %v", ok, err)
	}
	if st := b.State(ctx, "backup"); st.State != model.CircuitHalfOpen || st.HalfOpenAttempts != 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestHalfOpenProbesAndClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, clk := newBreaker(t, storage.NewMemory())
	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx, "j", model.ClassLight, errBoom)
	}
	clk.advance(time.Minute)

	for i := 0; i < 3; i++ {
		if ok, _ := b.CanExecute(ctx, "j"); !ok {
			t.Fatalf("trial run %d denied", i+1)
		}
	}
	if ok, _ := b.CanExecute(ctx, "j"); ok {
		t.Fatal("half-open budget exceeded")
	}

	if err := b.RecordSuccess(ctx, "j"); err != nil {
		t.Fatal(err)
	}
	st := b.State(ctx, "j")
	if st.State != model.CircuitClosed || st.Failures != 0 || st.HalfOpenAttempts != 0 {
		t.Fatalf("state = %+v", st)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, clk := newBreaker(t, storage.NewMemory())
	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx, "j", model.ClassMedium, errBoom)
	}
	clk.advance(2 * time.Minute)
	_, _ = b.CanExecute(ctx, "j")
	_ = b.RecordFailure(ctx, "j", model.ClassMedium, errBoom)

	st := b.State(ctx, "j")
	if st.State != model.CircuitOpen || !st.OpenedAt.Equal(clk.now()) || st.Failures != 6 {
		t.Fatalf("state = %+v", st)
	}
}

func TestSuccessWhileClosedResetsCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newBreaker(t, storage.NewMemory())
	_ = b.RecordFailure(ctx, "j", model.ClassMedium, errBoom)
	_ = b.RecordFailure(ctx, "j", model.ClassMedium, errBoom)
	_ = b.RecordSuccess(ctx, "j")
	if st := b.State(ctx, "j"); st.Failures != 0 || st.LastSuccess.IsZero() {
		t.Fatalf("state = %+v", st)
	}
}

// flakyStore fails or corrupts writes on demand.
type flakyStore struct {
	storage.StateStore
	mu      sync.Mutex
	failW   bool
	corrupt bool
	failR   bool
}

func (f *flakyStore) SaveCircuit(ctx context.Context, st model.CircuitState) error {
	f.mu.Lock()
	fail, corrupt := f.failW, f.corrupt
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	if corrupt {
		st.State = model.CircuitOpen
	}
	return f.StateStore.SaveCircuit(ctx, st)
}

func (f *flakyStore) LoadCircuit(ctx context.Context, job string) (model.CircuitState, bool, error) {
	f.mu.Lock()
	fail := f.failR
	f.mu.Unlock()
	if fail {
		return model.CircuitState{}, false, errors.New("connection refused")
	}
	return f.StateStore.LoadCircuit(ctx, job)
}

func (f *flakyStore) set(fn func(*flakyStore)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func TestWriteFailureRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &flakyStore{StateStore: storage.NewMemory()}
	b, clk := newBreaker(t, fs)
	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx, "j", model.ClassMedium, errBoom)
	}
	clk.advance(2 * time.Minute)

	fs.set(func(f *flakyStore) { f.failW = true })
	ok, err := b.CanExecute(ctx, "j")
	if ok || !errors.Is(err, ErrPersistVerify) {
		t.Fatalf("CanExecute = %v, %v; want denied with ErrPersistVerify", ok, err)
	}
	if st := b.State(ctx, "j"); st.State != model.CircuitOpen {
		t.Fatalf("memory diverged: %s", st.State)
	}

	fs.set(func(f *flakyStore) { f.failW = false; f.corrupt = true })
	_, _ = b.CanExecute(ctx, "j")
	if err := b.RecordSuccess(ctx, "j"); !errors.Is(err, ErrPersistVerify) {
		t.Fatalf("corrupted read-back not detected: %v", err)
	}
	if st := b.State(ctx, "j"); st.State == model.CircuitClosed {
		t.Fatal("breaker believes closed while store says open")
	}
}

func TestUnreadableStateTreatedAsClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &flakyStore{StateStore: storage.NewMemory(), failR: true}
	b, _ := newBreaker(t, fs)
	ok, err := b.CanExecute(ctx, "j")
	if !ok || err != nil {
		t.Fatalf("CanExecute = %v, %v", ok, err)
	}
	if err := b.RecordFailure(ctx, "j", model.ClassMedium, errBoom); !errors.Is(err, ErrPersistVerify) {
		t.Fatalf("failure recorded without verification: %v", err)
	}
}

func TestResetAndSyncAcrossHandles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	open := func() storage.Store {
		st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	}
	daemon, _ := newBreaker(t, open())
	cli, _ := newBreaker(t, open())

	for i := 0; i < 5; i++ {
		_ = daemon.RecordFailure(ctx, "j", model.ClassMedium, errBoom)
	}
	if err := cli.Reset(ctx, "j"); err != nil {
		t.Fatal(err)
	}
	if st := daemon.State(ctx, "j"); st.State != model.CircuitOpen {
		t.Fatalf("cached state = %s before sync", st.State)
	}
	if err := daemon.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if st := daemon.State(ctx, "j"); st.State != model.CircuitClosed || st.Failures != 0 {
		t.Fatalf("state after sync = %+v", st)
	}
}

func TestLongMultibyteErrorOpensFileBackedCircuit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	clk := &clock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	b := New(st, Config{FailureThreshold: 2}, WithClock(clk.now))

	cause := errors.New(strings.Repeat("a", maxErrorLen-1) + "éééé")
	for i := 0; i < 2; i++ {
		if err := b.RecordFailure(ctx, "sync", model.ClassMedium, cause); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}
	got := b.State(ctx, "sync")
	if got.State != model.CircuitOpen || got.Failures != 2 {
		t.Fatalf("state = %s failures = %d", got.State, got.Failures)
	}
	if !utf8.ValidString(got.LastError) || len(got.LastError) > maxErrorLen {
		t.Fatalf("last error not cut on a rune boundary: %d bytes", len(got.LastError))
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"aéb", 3, "aé"},
		{"a\xffb", 10, "a?b"},
	}
	for _, c := range cases {
		if got := truncate(c.in, c.n); got != c.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}
