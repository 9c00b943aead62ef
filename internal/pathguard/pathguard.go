// Package pathguard decides whether the broker may touch a filesystem path.
// Every read or write target must resolve inside one of the allowed roots;
// anything else is rejected before any I/O happens.
package pathguard

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var (
	ErrOutsideAllowedRoots = errors.New("outside_allowed_roots")
	ErrNoAllowedRoots      = errors.New("no_allowed_roots")
	ErrUnsafeRelPath       = errors.New("unsafe_rel_path")
)

// Guard holds the immutable set of roots the process may operate under.
type Guard struct {
	roots []string
}

// New normalizes each root to an absolute, symlink-resolved path. Roots that
// cannot be absolutized are dropped; an empty result set fails every check.
func New(roots []string) *Guard {
	g := &Guard{}
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		abs, err := normalize(root)
		if err != nil {
			continue
		}
		g.roots = append(g.roots, abs)
	}
	return g
}

// Roots returns a copy of the normalized root set.
func (g *Guard) Roots() []string {
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// Resolve normalizes candidate and returns its absolute form if it is
// contained in one of the allowed roots. Fails closed on an empty root set.
func (g *Guard) Resolve(candidate string) (string, error) {
	if len(g.roots) == 0 {
		return "", ErrNoAllowedRoots
	}
	abs, err := normalize(candidate)
	if err != nil {
		return "", err
	}
	for _, root := range g.roots {
		if contains(root, abs) {
			return abs, nil
		}
	}
	return "", ErrOutsideAllowedRoots
}

// Allowed reports whether candidate resolves inside an allowed root.
func (g *Guard) Allowed(candidate string) bool {
	_, err := g.Resolve(candidate)
	return err == nil
}

// SafeJoin joins a caller-supplied relative path onto base, rejecting
// percent-encoded traversal, absolute paths and any `..` escape above base.
func SafeJoin(base, rel string) (string, error) {
	norm, err := NormalizeRel(rel)
	if err != nil {
		return "", err
	}
	baseAbs, err := filepath.Abs(expandHome(base))
	if err != nil {
		return "", err
	}
	joined := filepath.Join(baseAbs, norm)
	if !contains(baseAbs, joined) {
		return "", ErrUnsafeRelPath
	}
	return joined, nil
}

// NormalizeRel cleans a browser-supplied relative path: percent-decodes,
// unifies separators and strips leading slashes. Empty input yields "".
func NormalizeRel(rel string) (string, error) {
	if decoded, err := url.PathUnescape(rel); err == nil {
		rel = decoded
	}
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return "", nil
	}
	norm := filepath.Clean(filepath.FromSlash(rel))
	if norm == ".." || strings.HasPrefix(norm, ".."+string(filepath.Separator)) || filepath.IsAbs(norm) {
		return "", ErrUnsafeRelPath
	}
	return norm, nil
}

func normalize(p string) (string, error) {
	abs, err := filepath.Abs(expandHome(p))
	if err != nil {
		return "", err
	}
	// Resolve symlinks for the longest existing prefix so a link inside an
	// allowed root cannot point the write somewhere else.
	if resolved, err := resolveExisting(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

// resolveExisting walks up from p until EvalSymlinks succeeds, then rejoins
// the non-existing suffix. Lets us validate targets that are yet to be created.
func resolveExisting(p string) (string, error) {
	suffix := ""
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

func contains(root, candidate string) bool {
	r := foldCase(root)
	c := foldCase(candidate)
	if r == c {
		return true
	}
	if !strings.HasSuffix(r, string(filepath.Separator)) {
		r += string(filepath.Separator)
	}
	return strings.HasPrefix(c, r)
}

// Windows and macOS filesystems compare case-insensitively by default.
func foldCase(p string) string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return strings.ToLower(p)
	}
	return p
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}
