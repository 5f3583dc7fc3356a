package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "jobwarden/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// ConfigManager owns the current *Config, reloads it when the file changes,
// and fans updates out to subscribers.
type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards subs and makes publish and Unsubscribe mutually exclusive.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash is the hash of the last committed config; editors often emit
	// several write events for one save.
	lastHash uint64
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs an extra hook run by Watch before committing a reload.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads, decodes strictly, applies defaults and validates the file.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Decode is Parse for in-memory content; path only selects the format.
func Decode(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers cfg to every subscriber. A full subscriber loses its
// oldest pending config so the newest always lands.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)",
				logx.Int("queue_len", len(ch)), logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload parses the file and, if the content changed and validates,
// commits and publishes it.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

type watchBackoff struct {
	base, max, cur time.Duration
	rng            *rand.Rand
}

func (b *watchBackoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	if b.cur < b.max {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	return wait
}

func (b *watchBackoff) reset() { b.cur = b.base }

// Watch reloads the file on change until ctx is done. The directory is
// watched, not the file, so editors that write via rename still trigger.
// A broken fsnotify watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	bo := &watchBackoff{
		base: 250 * time.Millisecond,
		max:  5 * time.Second,
		cur:  250 * time.Millisecond,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { m.reload(ctx) })
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(bo.next()) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(bo.next()) {
				return nil
			}
			continue
		}
		bo.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "overflow") {
					m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
					debounce()
					continue
				}
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(msg, "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
}
