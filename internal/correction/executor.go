package correction

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Executor performs resolution steps.
type Executor interface {
	// Run executes argv and returns its combined output.
	Run(ctx context.Context, argv []string) (string, error)
	// WriteFile replaces a file's content, path being relative to the
	// executor's working directory.
	WriteFile(path, content string) error
}

// CommandExecutor runs steps as local processes in a working directory.
// File writes go through an afero filesystem confined to that directory.
type CommandExecutor struct {
	dir string
	fs  afero.Fs
}

// NewCommandExecutor creates an executor rooted at dir. File writes are
// made on fs beneath dir.
func NewCommandExecutor(fs afero.Fs, dir string) *CommandExecutor {
	if dir == "" {
		dir = "."
	}
	return &CommandExecutor{dir: dir, fs: afero.NewBasePathFs(fs, dir)}
}

// Dir returns the working directory.
func (e *CommandExecutor) Dir() string { return e.dir }

// Run implements Executor.
func (e *CommandExecutor) Run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	return string(out), nil
}

// WriteFile implements Executor.
func (e *CommandExecutor) WriteFile(path, content string) error {
	p := filepath.Join(string(filepath.Separator), filepath.FromSlash(path))
	if err := e.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(e.fs, p, []byte(content), 0o644)
}
