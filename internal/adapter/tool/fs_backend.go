package tool

import (
	"io/fs"
	"os"
)

// FilesystemBackend abstracts file I/O for the filesystem tool.
type FilesystemBackend interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	AppendFile(path string, data []byte, perm os.FileMode) error
	ReadDir(path string) ([]os.DirEntry, error)
	Stat(path string) (os.FileInfo, error)
	// WalkDir walks root in lexical order without following symlinks.
	WalkDir(root string, fn fs.WalkDirFunc) error
	// Name returns the backend identifier, e.g. "local".
	Name() string
}
