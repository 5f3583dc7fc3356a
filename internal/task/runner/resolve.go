package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathRejected covers traversal outside the allow-list, symlinks and
	// non-regular files.
	ErrPathRejected   = errors.New("script path rejected")
	ErrScriptNotFound = errors.New("script not found")
)

// Resolver maps configured script names to files inside an allow-list of
// directories without following symlinks.
type Resolver struct {
	roots []root
}

type root struct {
	given string // cleaned absolute path as configured
	canon string // with symlinks in the directory itself resolved
}

// NewResolver validates dirs. Each must exist and be a directory.
func NewResolver(dirs []string) (*Resolver, error) {
	r := &Resolver{}
	for _, d := range dirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("allowed dir %q: %w", d, err)
		}
		canon, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("allowed dir %q: %w", d, err)
		}
		st, err := os.Stat(canon)
		if err != nil {
			return nil, fmt.Errorf("allowed dir %q: %w", d, err)
		}
		if !st.IsDir() {
			return nil, fmt.Errorf("allowed dir %q: not a directory", d)
		}
		r.roots = append(r.roots, root{given: abs, canon: canon})
	}
	if len(r.roots) == 0 {
		return nil, errors.New("no allowed script directories")
	}
	return r, nil
}

// Dirs returns the canonical allowed directories.
func (r *Resolver) Dirs() []string {
	out := make([]string, len(r.roots))
	for i, rt := range r.roots {
		out[i] = rt.canon
	}
	return out
}

// Resolve returns the absolute path of script. Relative names are tried in
// each allowed directory in order; absolute names must lie inside one.
func (r *Resolver) Resolve(script string) (string, error) {
	script = strings.TrimSpace(script)
	if script == "" || strings.ContainsRune(script, 0) {
		return "", fmt.Errorf("%w: empty or invalid name", ErrPathRejected)
	}

	if filepath.IsAbs(script) {
		p := filepath.Clean(script)
		for _, rt := range r.roots {
			for _, base := range []string{rt.canon, rt.given} {
				if rel, ok := within(base, p); ok {
					return walk(rt.canon, rel)
				}
			}
		}
		return "", fmt.Errorf("%w: %s is outside the allowed directories", ErrPathRejected, script)
	}

	var firstErr error
	for _, rt := range r.roots {
		rel, ok := within(rt.canon, filepath.Join(rt.canon, script))
		if !ok {
			return "", fmt.Errorf("%w: %s escapes %s", ErrPathRejected, script, rt.canon)
		}
		p, err := walk(rt.canon, rel)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrScriptNotFound) {
			return "", err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", firstErr
}

// within reports p's path relative to base when p is base or below it.
func within(base, p string) (string, bool) {
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// walk checks every component below base with Lstat so a symlink anywhere on
// the path is rejected, then requires a regular file.
func walk(base, rel string) (string, error) {
	cur := base
	parts := strings.Split(rel, string(filepath.Separator))
	for i, part := range parts {
		cur = filepath.Join(cur, part)
		st, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrScriptNotFound, filepath.Join(base, rel))
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrPathRejected, err)
		}
		if st.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s is a symlink", ErrPathRejected, cur)
		}
		last := i == len(parts)-1
		if !last && !st.IsDir() {
			return "", fmt.Errorf("%w: %s is not a directory", ErrPathRejected, cur)
		}
		if last && !st.Mode().IsRegular() {
			return "", fmt.Errorf("%w: %s is not a regular file", ErrPathRejected, cur)
		}
	}
	return cur, nil
}
