package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Provider resolves dotted keys ("balancer.cpu_threshold") against the
// current config. Values are cached for ttl; Invalidate drops the cache.
type Provider struct {
	src func() *Config
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedValue
}

type cachedValue struct {
	v       any
	ok      bool
	expires time.Time
}

// NewProvider reads from src on cache miss. ttl <= 0 defaults to 5s.
func NewProvider(src func() *Config, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Provider{src: src, ttl: ttl, now: time.Now, cache: map[string]cachedValue{}}
}

// StaticProvider serves a fixed config; useful in tests and one-shot CLI commands.
func StaticProvider(cfg *Config) *Provider {
	return NewProvider(func() *Config { return cfg }, time.Hour)
}

func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cache = map[string]cachedValue{}
	p.mu.Unlock()
}

// Lookup returns the raw decoded JSON value at key.
func (p *Provider) Lookup(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cache[key]; ok && now.Before(c.expires) {
		return c.v, c.ok
	}
	v, ok := walk(decodeTree(p.src()), key)
	p.cache[key] = cachedValue{v: v, ok: ok, expires: now.Add(p.ttl)}
	return v, ok
}

// Get returns the value at key, or def when missing.
func (p *Provider) Get(key string, def any) any {
	if v, ok := p.Lookup(key); ok && v != nil {
		return v
	}
	return def
}

func (p *Provider) Float(key string, def float64) float64 {
	switch v := p.Get(key, def).(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (p *Provider) Int(key string, def int) int {
	return int(p.Float(key, float64(def)))
}

func (p *Provider) String(key, def string) string {
	if s, ok := p.Get(key, def).(string); ok {
		return s
	}
	return def
}

func (p *Provider) Duration(key string, def time.Duration) time.Duration {
	s, ok := p.Get(key, "").(string)
	if !ok || s == "" {
		return def
	}
	d, err := ParseDurationField(key, s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func decodeTree(cfg *Config) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func walk(tree map[string]any, key string) (any, bool) {
	var cur any = tree
	for _, part := range strings.Split(strings.TrimSpace(key), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
