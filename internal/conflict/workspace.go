package conflict

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Workspace is the shared checkout resolutions are applied to. All paths
// are relative to its root and may not escape it.
type Workspace struct {
	fs   afero.Fs
	root string
}

// NewWorkspace roots a workspace at dir on fs.
func NewWorkspace(fs afero.Fs, root string) *Workspace {
	return &Workspace{fs: fs, root: filepath.Clean(root)}
}

// NewOSWorkspace roots a workspace at dir on the real filesystem.
func NewOSWorkspace(root string) *Workspace {
	return NewWorkspace(afero.NewOsFs(), root)
}

// Root returns the workspace root.
func (w *Workspace) Root() string { return w.root }

// Fs returns the underlying filesystem.
func (w *Workspace) Fs() afero.Fs { return w.fs }

func (w *Workspace) path(file string) (string, error) {
	p := filepath.Join(w.root, filepath.FromSlash(file))
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", file)
	}
	return p, nil
}

// Exists reports whether file exists in the workspace.
func (w *Workspace) Exists(file string) bool {
	p, err := w.path(file)
	if err != nil {
		return false
	}
	ok, err := afero.Exists(w.fs, p)
	return err == nil && ok
}

// Read returns the file's content.
func (w *Workspace) Read(file string) (string, error) {
	p, err := w.path(file)
	if err != nil {
		return "", err
	}
	data, err := afero.ReadFile(w.fs, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write replaces the file's content, creating parent directories.
func (w *Workspace) Write(file, content string) error {
	p, err := w.path(file)
	if err != nil {
		return err
	}
	if err := w.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(w.fs, p, []byte(content), 0o644)
}

// Copy duplicates src to dst, preserving src's mode.
func (w *Workspace) Copy(src, dst string) error {
	sp, err := w.path(src)
	if err != nil {
		return err
	}
	dp, err := w.path(dst)
	if err != nil {
		return err
	}
	info, err := w.fs.Stat(sp)
	if err != nil {
		return err
	}
	data, err := afero.ReadFile(w.fs, sp)
	if err != nil {
		return err
	}
	if err := w.fs.MkdirAll(filepath.Dir(dp), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(w.fs, dp, data, info.Mode().Perm())
}

// Rename moves src to dst.
func (w *Workspace) Rename(src, dst string) error {
	sp, err := w.path(src)
	if err != nil {
		return err
	}
	dp, err := w.path(dst)
	if err != nil {
		return err
	}
	if err := w.fs.MkdirAll(filepath.Dir(dp), 0o755); err != nil {
		return err
	}
	return w.fs.Rename(sp, dp)
}

// Remove deletes the file. A missing file is not an error.
func (w *Workspace) Remove(file string) error {
	p, err := w.path(file)
	if err != nil {
		return err
	}
	if err := w.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
