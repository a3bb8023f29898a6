package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/transport"
)

// BlockedExitCode is the exit status a command uses to report that it
// cannot proceed yet.
const BlockedExitCode = 75

// maxOutputTail is how much of a failing command's output ends up in the
// failure report.
const maxOutputTail = 2000

// CommandHandler runs every assigned task as a shell command in Dir. The
// task is described to the command through TASKMESH_* environment
// variables. A zero exit completes the task with the declared files as
// artifacts, BlockedExitCode blocks it and any other exit fails it with
// the tail of the output as the error.
type CommandHandler struct {
	Command string
	Dir     string
	Shell   string
}

var _ Handler = (*CommandHandler)(nil)

// Execute implements Handler.
func (h *CommandHandler) Execute(ctx context.Context, task transport.AssignTask, progress func(int)) (Result, error) {
	if strings.TrimSpace(h.Command) == "" {
		return Result{}, errors.NewValidationError("worker command is empty").WithField("command")
	}
	shell := h.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", h.Command)
	cmd.Dir = h.Dir
	cmd.Env = append(os.Environ(), TaskEnv(task)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	progress(10)
	err := cmd.Run()
	if err == nil {
		progress(100)
		return Result{Artifacts: declared(task.Files)}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == BlockedExitCode {
		return Result{}, fmt.Errorf("%w: %s", ErrBlocked, tail(out.String(), 200))
	}
	return Result{}, fmt.Errorf("%s: %w\n%s", h.Command, err, tail(out.String(), maxOutputTail))
}

// TaskEnv describes task as environment variables.
func TaskEnv(task transport.AssignTask) []string {
	return []string{
		"TASKMESH_TASK_ID=" + task.TaskID,
		"TASKMESH_TASK_TITLE=" + task.Title,
		"TASKMESH_TASK_DESCRIPTION=" + task.Description,
		"TASKMESH_TASK_KIND=" + task.TaskKind,
		"TASKMESH_TASK_PRIORITY=" + task.Priority,
		"TASKMESH_FILES_MODIFY=" + strings.Join(task.Files.Modify, ","),
		"TASKMESH_FILES_CREATE=" + strings.Join(task.Files.Create, ","),
		"TASKMESH_FILES_DELETE=" + strings.Join(task.Files.Delete, ","),
	}
}

// declared lists the files a task said it would leave behind; deleted
// files have nothing left to check.
func declared(f transport.Files) []string {
	out := make([]string, 0, len(f.Modify)+len(f.Create))
	out = append(out, f.Modify...)
	return append(out, f.Create...)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
