package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"supernova/internal/domain"
	"supernova/internal/security"
)

// maxWriteBytes bounds a single write from the model.
const maxWriteBytes = 1 << 20

// FilesystemTool provides sandboxed file operations.
// Relative paths resolve against the session's working directory.
type FilesystemTool struct {
	backend FilesystemBackend
	sandbox *security.Sandbox
	logger  *slog.Logger
}

// NewFilesystemTool creates a sandboxed filesystem tool backed by the given FilesystemBackend.
func NewFilesystemTool(backend FilesystemBackend, sandbox *security.Sandbox, logger *slog.Logger) *FilesystemTool {
	return &FilesystemTool{backend: backend, sandbox: sandbox, logger: logger}
}

func (t *FilesystemTool) Name() string { return "filesystem" }
func (t *FilesystemTool) Description() string {
	return "Read, write, append, edit, search, find, inspect and list files within the workspace"
}

func (t *FilesystemTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["read", "write", "append", "edit", "list", "search", "find", "info"], "description": "The file operation to perform"},
				"path": {"type": "string", "description": "File or directory path, relative to the current directory"},
				"content": {"type": "string", "description": "Content to write or append (write, append)"},
				"old_text": {"type": "string", "description": "Exact text to replace (edit)"},
				"new_text": {"type": "string", "description": "Replacement text (edit)"},
				"replace_all": {"type": "boolean", "description": "Replace every occurrence of old_text instead of requiring exactly one (edit)"},
				"pattern": {"type": "string", "description": "Regular expression (search) or name glob such as *_test.go (find)"},
				"glob": {"type": "string", "description": "Only search files whose path matches this glob, e.g. **/*.go (search)"},
				"ignore_case": {"type": "boolean", "description": "Case-insensitive matching (search)"},
				"type": {"type": "string", "enum": ["", "file", "dir"], "description": "Restrict results to files or directories (find)"},
				"max_depth": {"type": "integer", "minimum": 0, "description": "Maximum directory depth, 0 for unlimited (find)"},
				"max_results": {"type": "integer", "minimum": 0, "description": "Maximum number of results (search, find)"}
			},
			"required": ["action"]
		}`),
	}
}

type filesystemParams struct {
	Action     string `json:"action"`
	Path       string `json:"path"`
	Content    string `json:"content,omitempty"`
	OldText    string `json:"old_text,omitempty"`
	NewText    string `json:"new_text,omitempty"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	Glob       string `json:"glob,omitempty"`
	IgnoreCase bool   `json:"ignore_case,omitempty"`
	Type       string `json:"type,omitempty"`
	MaxDepth   int    `json:"max_depth,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

func (t *FilesystemTool) Execute(ctx context.Context, args map[string]any, state *domain.SessionState) (*domain.ToolOutput, error) {
	return Execute(ctx, "tool.filesystem", t.logger, args,
		Dispatch(state, func(p filesystemParams) string { return p.Action }, ActionMap[filesystemParams]{
			"read":   t.readFile,
			"write":  t.writeFile,
			"append": t.appendFile,
			"edit":   t.editFile,
			"list":   t.listDir,
			"search": t.searchFiles,
			"find":   t.findPaths,
			"info":   t.pathInfo,
		}),
	)
}

func (t *FilesystemTool) resolvePath(path string, state *domain.SessionState) (string, error) {
	base := t.sandbox.Root()
	if state != nil && state.CWD != "" {
		base = state.CWD
	}
	if path == "" {
		path = "."
	}
	return t.sandbox.Resolve(base, path)
}

func (t *FilesystemTool) readFile(_ context.Context, p filesystemParams, state *domain.SessionState) (*domain.ToolOutput, error) {
	if err := RequireField("path", p.Path); err != nil {
		return nil, err
	}
	resolved, err := t.resolvePath(p.Path, state)
	if err != nil {
		return nil, err
	}

	data, err := t.backend.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	t.logger.Debug("filesystem read", "path", resolved, "size", len(data))
	return OK(map[string]any{"content": string(data)}), nil
}

func (t *FilesystemTool) writeFile(_ context.Context, p filesystemParams, state *domain.SessionState) (*domain.ToolOutput, error) {
	if err := ValidateAll(
		RequireField("path", p.Path),
		ValidateMaxLength("content", p.Content, maxWriteBytes),
	); err != nil {
		return nil, err
	}
	resolved, err := t.resolvePath(p.Path, state)
	if err != nil {
		return nil, err
	}

	if err := t.backend.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	t.logger.Debug("filesystem write", "path", resolved, "size", len(p.Content))
	out := OK(map[string]any{
		"content": fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path),
		"path":    resolved,
	})
	out.CreatedFile = t.sandbox.Rel(resolved)
	return out, nil
}

func (t *FilesystemTool) listDir(_ context.Context, p filesystemParams, state *domain.SessionState) (*domain.ToolOutput, error) {
	resolved, err := t.resolvePath(p.Path, state)
	if err != nil {
		return nil, err
	}

	entries, err := t.backend.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list dir: %w", err)
	}

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", entry.Name())
		} else {
			fmt.Fprintf(&sb, "%s\n", entry.Name())
		}
	}

	return OK(map[string]any{"content": sb.String()}), nil
}

func (t *FilesystemTool) appendFile(_ context.Context, p filesystemParams, state *domain.SessionState) (*domain.ToolOutput, error) {
	if err := ValidateAll(
		RequireField("path", p.Path),
		RequireField("content", p.Content),
		ValidateMaxLength("content", p.Content, maxWriteBytes),
	); err != nil {
		return nil, err
	}
	resolved, err := t.resolvePath(p.Path, state)
	if err != nil {
		return nil, err
	}
	_, statErr := t.backend.Stat(resolved)
	created := errors.Is(statErr, fs.ErrNotExist)

	if err := t.backend.AppendFile(resolved, []byte(p.Content), 0o644); err != nil {
		return nil, fmt.Errorf("append file: %w", err)
	}

	t.logger.Debug("filesystem append", "path", resolved, "size", len(p.Content), "created", created)
	out := OK(map[string]any{
		"content": fmt.Sprintf("appended %d bytes to %s", len(p.Content), p.Path),
		"path":    resolved,
	})
	if created {
		out.CreatedFile = t.sandbox.Rel(resolved)
	}
	return out, nil
}

// editFile replaces old_text in an existing file. Without replace_all the
// text must occur exactly once so the edit lands where the model meant it.
func (t *FilesystemTool) editFile(_ context.Context, p filesystemParams, state *domain.SessionState) (*domain.ToolOutput, error) {
	if err := ValidateAll(
		RequireField("path", p.Path),
		RequireField("old_text", p.OldText),
		ValidateMaxLength("new_text", p.NewText, maxWriteBytes),
	); err != nil {
		return nil, err
	}
	resolved, err := t.resolvePath(p.Path, state)
	if err != nil {
		return nil, err
	}
	info, err := t.backend.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("edit file: %w", err)
	}
	if info.IsDir() {
		return nil, domain.NewDomainError("tool.filesystem.edit", domain.ErrInvalidInput,
			fmt.Sprintf("%s is a directory", p.Path))
	}
	data, err := t.backend.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("edit file: %w", err)
	}

	text := string(data)
	n := strings.Count(text, p.OldText)
	switch {
	case n == 0:
		return nil, domain.NewDomainError("tool.filesystem.edit", domain.ErrInvalidInput,
			fmt.Sprintf("old_text not found in %s", p.Path))
	case n > 1 && !p.ReplaceAll:
		return nil, domain.NewDomainError("tool.filesystem.edit", domain.ErrInvalidInput,
			fmt.Sprintf("old_text occurs %d times in %s; include more context or set replace_all", n, p.Path))
	}
	if !p.ReplaceAll {
		n = 1
	}
	updated := strings.Replace(text, p.OldText, p.NewText, n)

	if err := t.backend.WriteFile(resolved, []byte(updated), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("edit file: %w", err)
	}

	t.logger.Debug("filesystem edit", "path", resolved, "replacements", n)
	return OK(map[string]any{
		"content":      fmt.Sprintf("replaced %d occurrence(s) in %s", n, p.Path),
		"replacements": n,
	}), nil
}

// pathInfo reports metadata for a file, or a one-level summary for a directory.
func (t *FilesystemTool) pathInfo(_ context.Context, p filesystemParams, state *domain.SessionState) (*domain.ToolOutput, error) {
	resolved, err := t.resolvePath(p.Path, state)
	if err != nil {
		return nil, err
	}
	info, err := t.backend.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("info: %w", err)
	}

	data := map[string]any{
		"path":        t.sandbox.Rel(resolved),
		"is_dir":      info.IsDir(),
		"permissions": fmt.Sprintf("%03o", info.Mode().Perm()),
		"modified":    info.ModTime().UTC().Format(time.RFC3339),
	}
	if info.IsDir() {
		entries, err := t.backend.ReadDir(resolved)
		if err != nil {
			return nil, fmt.Errorf("info: %w", err)
		}
		var files, dirs int
		var total int64
		for _, e := range entries {
			if e.IsDir() {
				dirs++
				continue
			}
			files++
			if fi, err := e.Info(); err == nil {
				total += fi.Size()
			}
		}
		data["files"] = files
		data["dirs"] = dirs
		data["size"] = total
		data["size_human"] = humanize.IBytes(uint64(total))
		return OK(data), nil
	}

	data["size"] = info.Size()
	data["size_human"] = humanize.IBytes(uint64(info.Size()))
	data["executable"] = info.Mode().Perm()&0o111 != 0
	if ext := filepath.Ext(resolved); ext != "" {
		data["extension"] = strings.TrimPrefix(ext, ".")
	}
	if info.Size() <= maxSearchFileBytes {
		if content, err := t.backend.ReadFile(resolved); err == nil && !isBinary(content) {
			total, blank := countLines(content)
			data["lines"] = total
			data["blank_lines"] = blank
		}
	}
	return OK(data), nil
}

func countLines(data []byte) (total, blank int) {
	if len(data) == 0 {
		return 0, 0
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			blank++
		}
	}
	return len(lines), blank
}
