package tool

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"supernova/internal/domain"
)

const (
	// maxSearchFileBytes skips files too large to scan line by line.
	maxSearchFileBytes = 10 << 20
	defaultMaxResults  = 50
	maxResultsCap      = 500
	maxMatchLineLen    = 300
)

func resultLimit(n int) int {
	switch {
	case n <= 0:
		return defaultMaxResults
	case n > maxResultsCap:
		return maxResultsCap
	default:
		return n
	}
}

// searchFiles greps a file or directory tree for a regular expression.
// Hidden directories, binary files and files over maxSearchFileBytes are skipped.
func (t *FilesystemTool) searchFiles(ctx context.Context, p filesystemParams, state *domain.SessionState) (*domain.ToolOutput, error) {
	if err := RequireField("pattern", p.Pattern); err != nil {
		return nil, err
	}
	expr := p.Pattern
	if p.IgnoreCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, domain.NewDomainError("tool.filesystem.search", domain.ErrInvalidInput,
			fmt.Sprintf("invalid pattern: %v", err))
	}
	if p.Glob != "" && !doublestar.ValidatePattern(p.Glob) {
		return nil, domain.NewDomainError("tool.filesystem.search", domain.ErrInvalidInput,
			fmt.Sprintf("invalid glob %q", p.Glob))
	}
	root, err := t.resolvePath(p.Path, state)
	if err != nil {
		return nil, err
	}

	limit := resultLimit(p.MaxResults)
	var sb strings.Builder
	matches, searched := 0, 0
	truncated := false

	err = t.backend.WalkDir(root, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			if current == root {
				return err
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if current != root && isHidden(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if current != root && p.Glob != "" && !matchGlob(p.Glob, relTo(root, current)) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxSearchFileBytes {
			return nil
		}
		data, err := t.backend.ReadFile(current)
		if err != nil || isBinary(data) {
			return nil
		}
		searched++

		display := t.displayPath(current, state)
		for i, line := range strings.Split(string(data), "\n") {
			if !re.MatchString(line) {
				continue
			}
			if matches == limit {
				truncated = true
				return fs.SkipAll
			}
			fmt.Fprintf(&sb, "%s:%d: %s\n", display, i+1, clipLine(strings.TrimRight(line, "\r")))
			matches++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	t.logger.Debug("filesystem search", "root", root, "pattern", p.Pattern, "matches", matches, "files", searched)
	if matches == 0 {
		return OK(map[string]any{
			"content": fmt.Sprintf("no matches for %q (%d files searched)", p.Pattern, searched),
			"matches": 0,
		}), nil
	}
	if truncated {
		fmt.Fprintf(&sb, "... stopped after %d matches", limit)
	}
	return OK(map[string]any{"content": strings.TrimRight(sb.String(), "\n"), "matches": matches}), nil
}

// findPaths lists files and directories whose name (or relative path, when
// the pattern contains a slash) matches a glob.
func (t *FilesystemTool) findPaths(ctx context.Context, p filesystemParams, state *domain.SessionState) (*domain.ToolOutput, error) {
	if err := RequireField("pattern", p.Pattern); err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(p.Pattern) {
		return nil, domain.NewDomainError("tool.filesystem.find", domain.ErrInvalidInput,
			fmt.Sprintf("invalid glob %q", p.Pattern))
	}
	switch p.Type {
	case "", "file", "dir":
	default:
		return nil, domain.NewDomainError("tool.filesystem.find", domain.ErrInvalidInput,
			fmt.Sprintf("type must be file or dir, got %q", p.Type))
	}
	root, err := t.resolvePath(p.Path, state)
	if err != nil {
		return nil, err
	}

	limit := resultLimit(p.MaxResults)
	includeHidden := strings.HasPrefix(p.Pattern, ".")
	var found []string
	truncated := false

	err = t.backend.WalkDir(root, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			if current == root {
				return err
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if current == root {
			return nil
		}
		if !includeHidden && isHidden(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel := relTo(root, current)
		wanted := p.Type == "" || (p.Type == "dir") == d.IsDir()
		if wanted && matchGlob(p.Pattern, rel) {
			if len(found) == limit {
				truncated = true
				return fs.SkipAll
			}
			entry := t.displayPath(current, state)
			if d.IsDir() {
				entry += "/"
			}
			found = append(found, entry)
		}

		depth := strings.Count(filepath.ToSlash(rel), "/") + 1
		if d.IsDir() && p.MaxDepth > 0 && depth >= p.MaxDepth {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}

	if len(found) == 0 {
		return OK(map[string]any{"content": fmt.Sprintf("nothing matches %q", p.Pattern), "count": 0}), nil
	}
	content := strings.Join(found, "\n")
	if truncated {
		content += fmt.Sprintf("\n... stopped after %d results", limit)
	}
	return OK(map[string]any{"content": content, "count": len(found)}), nil
}

// displayPath shows a path relative to the session's working directory.
func (t *FilesystemTool) displayPath(p string, state *domain.SessionState) string {
	base := t.sandbox.Root()
	if state != nil && state.CWD != "" {
		base = state.CWD
	}
	if rel, err := filepath.Rel(base, p); err == nil {
		return rel
	}
	return p
}

// matchGlob matches pattern against rel, or against the base name when the
// pattern has no slash, so "*.go" finds Go files at any depth.
func matchGlob(pattern, rel string) bool {
	target := filepath.ToSlash(rel)
	if !strings.Contains(pattern, "/") {
		target = path.Base(target)
	}
	ok, _ := doublestar.Match(pattern, target)
	return ok
}

func relTo(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return rel
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// isBinary treats a NUL byte near the start as a binary file.
func isBinary(data []byte) bool {
	return bytes.IndexByte(data[:min(len(data), 8000)], 0) >= 0
}

func clipLine(s string) string {
	if len(s) <= maxMatchLineLen {
		return s
	}
	return s[:maxMatchLineLen] + "..."
}
