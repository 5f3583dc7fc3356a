package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobwarden/internal/config"
	"jobwarden/internal/jobs"
	"jobwarden/internal/model"
	"jobwarden/internal/task/engine"
	logx "jobwarden/pkg/logx"
)

func writeConfig(t *testing.T, dir, scripts string) string {
	t.Helper()
	body := `
logging:
  level: error
storage:
  driver: memory
locks:
  dir: ` + filepath.Join(dir, "locks") + `
execution:
  allowed_dirs: [` + scripts + `]
notifier:
  enabled: false
observability:
  enabled: false
jobs:
  - name: ok
    script: ok.sh
    class: light
    frequency: every_5_minutes
    offset: 2
`
	path := filepath.Join(dir, "jobwarden.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func scriptsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ok.sh"), []byte("echo done\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{name: "memory", in: config.StorageConfig{Driver: "memory"}, driver: "memory"},
		{name: "empty is memory", in: config.StorageConfig{}, driver: "memory"},
		{name: "file", in: config.StorageConfig{Driver: "file", Path: "/tmp/x.json"}, driver: "file"},
		{name: "sqlite needs path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "sqlite", in: config.StorageConfig{Driver: "SQLite", Path: "/tmp/x.db"}, driver: "sqlite"},
		{name: "redis needs addr", in: config.StorageConfig{Driver: "redis"}, wantErr: true},
		{name: "redis", in: config.StorageConfig{Driver: "redis", Redis: config.RedisConfig{Addr: "127.0.0.1:6379"}}, driver: "redis"},
		{name: "bad busy timeout", in: config.StorageConfig{Driver: "sqlite", Path: "x", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown", in: config.StorageConfig{Driver: "etcd"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", sc)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if sc.Driver != tc.driver {
				t.Fatalf("driver = %q, want %q", sc.Driver, tc.driver)
			}
		})
	}
}

func TestBuildSeedsAndRunsJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg, err := config.NewConfigManager(writeConfig(t, dir, scriptsDir(t))).Load()
	if err != nil {
		t.Fatal(err)
	}

	c, err := Build(ctx, cfg, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.SeedJobs(ctx, cfg, logx.Nop()); err != nil {
		t.Fatal(err)
	}
	j, err := c.Jobs.GetJob(ctx, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if j.Class != model.ClassLight || j.NextScheduledRun.IsZero() {
		t.Fatalf("seeded job = %+v", j)
	}
	if got := c.Jobs.Table().Placement("ok"); len(got) != 12 || got[0] != 2 {
		t.Fatalf("placement = %v", got)
	}

	out, err := c.Jobs.ExecuteJob(ctx, "ok", jobs.ExecOptions{BypassBalancer: true, Trigger: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != engine.Executed || !out.Succeeded() {
		t.Fatalf("outcome = %+v record = %+v", out, out.Record)
	}
	hist, err := c.Jobs.History(ctx, "ok", 5)
	if err != nil || len(hist) != 1 || hist[0].Output == "" {
		t.Fatalf("history = %+v err = %v", hist, err)
	}
}

func TestBuildRejectsMissingScriptDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg, err := config.NewConfigManager(writeConfig(t, dir, filepath.Join(dir, "missing"))).Load()
	if err != nil {
		t.Fatal(err)
	}
	if c, err := Build(context.Background(), cfg, nil, logx.Nop(), nil); err == nil {
		c.Close()
		t.Fatal("expected allowed_dirs error")
	}
}

func TestAppStartStop(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, scriptsDir(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewApp(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.health(ctx); !ok {
		t.Fatal("health not ok after start")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still live after stop")
	}
}
