package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "jobwarden/internal/runtime/supervisor"
	logx "jobwarden/pkg/logx"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the optional HTTP listener.
//
// pprof is only mounted on a loopback address.
type Config struct {
	Enabled bool
	Addr    string // default 127.0.0.1:9470
	Pprof   bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HealthFunc reports component health. ok=false answers 503.
type HealthFunc func(ctx context.Context) (any, bool)

type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	metrics *Metrics
	health  HealthFunc

	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

func NewServer(cfg Config, metrics *Metrics, health HealthFunc, log logx.Logger) *Server {
	return &Server{cfg: cfg, metrics: metrics, health: health, log: log.With(logx.String("comp", "http"))}
}

// Addr is the bound listen address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg and starts, stops or restarts the listener.
// Safe to call during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev.Addr != cfg.Addr || prev.Pprof != cfg.Pprof ||
		prev.ReadTimeout != cfg.ReadTimeout || prev.WriteTimeout != cfg.WriteTimeout || prev.IdleTimeout != cfg.IdleTimeout:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start serves under a restart loop. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce, 500*time.Millisecond, 10*time.Second)
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = sup.Stop(ctx)
	s.log.Info("http listener stopped")
}

// Handler builds the mux. Exposed for tests.
func (s *Server) Handler(pprof bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealth)
	if pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, ok := any(map[string]string{"status": "ok"}), true
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		body, ok = s.health(ctx)
		cancel()
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:9470"
	}
	pprof := cur.Pprof
	if pprof && !isLoopbackAddr(addr) {
		s.log.Warn("pprof not mounted: listener is not loopback", logx.String("addr", addr))
		pprof = false
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(pprof),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http listener started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
