//go:build unix

package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), mode); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestResolveAllowList(t *testing.T) {
	t.Parallel()
	allowed := t.TempDir()
	outside := t.TempDir()
	ok := writeScript(t, allowed, "backup.sh", "exit 0\n", 0o755)
	if err := os.Mkdir(filepath.Join(allowed, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeScript(t, filepath.Join(allowed, "sub"), "nested.sh", "exit 0\n", 0o755)
	secret := writeScript(t, outside, "evil.sh", "exit 0\n", 0o755)
	if err := os.Symlink(secret, filepath.Join(allowed, "link.sh")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(allowed, "dirlink")); err != nil {
		t.Fatal(err)
	}

	r, err := NewResolver([]string{allowed})
	if err != nil {
		t.Fatal(err)
	}
	canonOK, _ := filepath.EvalSymlinks(ok)
	if got, err := r.Resolve("backup.sh"); err != nil || got != canonOK {
		t.Fatalf("Resolve(backup.sh) = %q, %v", got, err)
	}
	if got, err := r.Resolve(ok); err != nil || got != canonOK {
		t.Fatalf("Resolve(abs) = %q, %v", got, err)
	}
	if _, err := r.Resolve("sub/nested.sh"); err != nil {
		t.Fatalf("nested: %v", err)
	}

	rejected := []string{
		"../" + filepath.Base(outside) + "/evil.sh",
		secret,
		"link.sh",
		"dirlink/evil.sh",
		"sub",
		"",
	}
	for _, s := range rejected {
		if _, err := r.Resolve(s); !errors.Is(err, ErrPathRejected) {
			t.Errorf("Resolve(%q) err = %v, want rejected", s, err)
		}
	}
	if _, err := r.Resolve("missing.sh"); !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestResolveTriesEachDir(t *testing.T) {
	t.Parallel()
	a, b := t.TempDir(), t.TempDir()
	writeScript(t, b, "only-b.sh", "exit 0\n", 0o755)
	r, err := NewResolver([]string{a, b})
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Resolve("only-b.sh")
	if err != nil || !strings.HasSuffix(got, "only-b.sh") {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := NewResolver([]string{filepath.Join(a, "nope")}); err == nil {
		t.Fatal("missing allowed dir accepted")
	}
}

func newTestRunner() *Process {
	return NewProcess(Options{
		Interpreters: map[string]string{".sh": "/bin/sh"},
		KillGrace:    200 * time.Millisecond,
		SampleEvery:  50 * time.Millisecond,
	})
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Not executable: the interpreter mapping runs it.
	p := writeScript(t, dir, "fail.sh", "echo out; echo err >&2; exit 3\n", 0o644)
	res := newTestRunner().Run(context.Background(), Command{Job: "fail", Path: p, Timeout: 10 * time.Second})
	if res.Err != nil || res.ExitCode != 3 || res.TimedOut {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestRunPassesArgs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeScript(t, dir, "args.sh", "echo \"$1-$2\"\n", 0o644)
	res := newTestRunner().Run(context.Background(), Command{Path: p, Args: []string{"a", "b"}})
	if res.ExitCode != 0 || strings.TrimSpace(res.Output) != "a-b" {
		t.Fatalf("res = %+v", res)
	}
}

func TestRunBoundsOutput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeScript(t, dir, "loud.sh", "i=0; while [ $i -lt 2000 ]; do echo 0123456789; i=$((i+1)); done\n", 0o644)
	r := NewProcess(Options{Interpreters: map[string]string{".sh": "/bin/sh"}, OutputLimit: 100})
	res := r.Run(context.Background(), Command{Path: p})
	if res.ExitCode != 0 || len(res.Output) != 100 || !res.Truncated {
		t.Fatalf("len=%d truncated=%v exit=%d", len(res.Output), res.Truncated, res.ExitCode)
	}
}

func TestTimeoutKillsProcessTree(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	marker := filepath.Join(dir, "survived")
	// The script ignores SIGTERM so the kill must escalate. The background
	// child leaves a marker if it outlives the group.
	body := "(sleep 2; touch " + marker + ") &\ntrap '' TERM\nsleep 30\n"
	p := writeScript(t, dir, "hang.sh", body, 0o644)

	start := time.Now()
	res := newTestRunner().Run(context.Background(), Command{Job: "hang", Path: p, Timeout: 300 * time.Millisecond})
	if !res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("res = %+v", res)
	}
	if el := time.Since(start); el > 5*time.Second {
		t.Fatalf("took %s; group kill did not happen", el)
	}
	time.Sleep(2500 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("grandchild survived the timeout")
	}
}

func TestRunStartFailure(t *testing.T) {
	t.Parallel()
	res := newTestRunner().Run(context.Background(), Command{Path: filepath.Join(t.TempDir(), "absent")})
	if res.Err == nil || res.ExitCode != -1 {
		t.Fatalf("res = %+v", res)
	}
}
