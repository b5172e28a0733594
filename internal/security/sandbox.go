package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"supernova/internal/domain"
)

// Sandbox confines file tool paths to a workspace directory.
type Sandbox struct {
	root string // absolute, symlink-free workspace root
}

// NewSandbox creates a sandbox rooted at the given directory.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
	}

	return &Sandbox{root: resolved}, nil
}

// ValidatePath resolves requested against the root and checks that the
// result, symlinks followed, stays inside the sandbox.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	return s.Resolve(s.root, requested)
}

// Resolve is ValidatePath with relative paths taken from base, typically
// the session's working directory. A base outside the sandbox falls back to
// the root.
func (s *Sandbox) Resolve(base, requested string) (string, error) {
	if base == "" || !s.contains(base) {
		base = s.root
	}
	abs := requested
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(base, requested)
	}
	abs = filepath.Clean(abs)

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Not there yet: the parent must exist and be inside.
		parent, err2 := filepath.EvalSymlinks(filepath.Dir(abs))
		if err2 != nil {
			return "", domain.NewDomainError("Sandbox.Resolve", domain.ErrPathOutsideSandbox, err2.Error())
		}
		resolved = filepath.Join(parent, filepath.Base(abs))
	}

	if !s.contains(resolved) {
		return "", domain.NewDomainError("Sandbox.Resolve", domain.ErrPathOutsideSandbox,
			fmt.Sprintf("resolved %q is outside root %q", resolved, s.root))
	}
	return resolved, nil
}

// Rel returns path relative to the root, or path itself if that fails.
func (s *Sandbox) Rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return rel
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

func (s *Sandbox) contains(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(os.PathSeparator))
}
