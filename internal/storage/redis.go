package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobwarden/internal/model"
	logx "jobwarden/pkg/logx"
)

// redisStore keeps circuit and slot state in two Redis hashes so several
// hosts can share breaker state. Jobs and history stay in the file driver.
//
// Keys:
//   - <prefix>:circuits  field=job   value=CircuitState JSON
//   - <prefix>:slots     field=slot  value=ExecutionSlot JSON
type redisStore struct {
	*fileStore
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	if rc.Prefix == "" {
		rc.Prefix = "jobwarden"
	}
	if rc.Timeout <= 0 {
		rc.Timeout = 3 * time.Second
	}
	fs, err := openFile(cfg, log)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:             rc.Addr,
		Password:         rc.Password,
		DB:               rc.DB,
		DialTimeout:      rc.Timeout,
		ReadTimeout:      rc.Timeout,
		WriteTimeout:     rc.Timeout,
		MaxRetries:       1,
		DisableIndentity: true,
	})
	s := &redisStore{fileStore: fs, rdb: rdb, prefix: rc.Prefix, log: log}

	ctx, cancel := context.WithTimeout(context.Background(), rc.Timeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

func (s *redisStore) circuitsKey() string { return s.prefix + ":circuits" }
func (s *redisStore) slotsKey() string    { return s.prefix + ":slots" }

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return errors.Join(s.rdb.Close(), s.fileStore.Close())
}

func (s *redisStore) LoadCircuits(ctx context.Context) ([]model.CircuitState, error) {
	m, err := s.rdb.HGetAll(ctx, s.circuitsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.CircuitState, 0, len(m))
	for job, raw := range m {
		var c model.CircuitState
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("circuit %s: %w", job, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out, nil
}

func (s *redisStore) LoadCircuit(ctx context.Context, job string) (model.CircuitState, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.circuitsKey(), job).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CircuitState{}, false, nil
	}
	if err != nil {
		return model.CircuitState{}, false, err
	}
	var c model.CircuitState
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.CircuitState{}, false, err
	}
	return c, true, nil
}

func (s *redisStore) SaveCircuit(ctx context.Context, st model.CircuitState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.circuitsKey(), st.Job, b).Err()
}

func (s *redisStore) LoadSlots(ctx context.Context) ([]model.ExecutionSlot, error) {
	m, err := s.rdb.HGetAll(ctx, s.slotsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.ExecutionSlot, 0, len(m))
	for name, raw := range m {
		var sl model.ExecutionSlot
		if err := json.Unmarshal([]byte(raw), &sl); err != nil {
			return nil, fmt.Errorf("slot %s: %w", name, err)
		}
		out = append(out, sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *redisStore) SaveSlots(ctx context.Context, slots []model.ExecutionSlot) error {
	if len(slots) == 0 {
		return nil
	}
	fields := make(map[string]any, len(slots))
	for _, sl := range slots {
		b, err := json.Marshal(sl)
		if err != nil {
			return err
		}
		fields[string(sl.Name)] = b
	}
	return s.rdb.HSet(ctx, s.slotsKey(), fields).Err()
}
