package worker

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/transport"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func noProgress(int) {}

func TestCommandHandler_Completes(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	h := &CommandHandler{Command: `printf '%s' "$TASKMESH_TASK_TITLE" > out.txt`, Dir: dir}

	task := transport.AssignTask{
		TaskID: "t-1",
		Title:  "build docs",
		Files:  transport.Files{Modify: []string{"a.go"}, Create: []string{"b.go"}, Delete: []string{"c.go"}},
	}
	var seen []int
	res, err := h.Execute(context.Background(), task, func(p int) { seen = append(seen, p) })
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go"}, res.Artifacts)
	assert.Equal(t, []int{10, 100}, seen)
	assert.FileExists(t, filepath.Join(dir, "out.txt"))
}

func TestCommandHandler_FailureCarriesOutput(t *testing.T) {
	requireShell(t)
	h := &CommandHandler{Command: "echo 'undefined: Foo' >&2; exit 2", Dir: t.TempDir()}

	_, err := h.Execute(context.Background(), transport.AssignTask{TaskID: "t-1"}, noProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined: Foo")
	assert.False(t, errors.Is(err, ErrBlocked))
}

func TestCommandHandler_BlockedExitCode(t *testing.T) {
	requireShell(t)
	h := &CommandHandler{Command: "echo waiting on api; exit 75", Dir: t.TempDir()}

	_, err := h.Execute(context.Background(), transport.AssignTask{TaskID: "t-1"}, noProgress)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))
	assert.Contains(t, err.Error(), "waiting on api")
}

func TestCommandHandler_Canceled(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &CommandHandler{Command: "sleep 5", Dir: t.TempDir()}

	_, err := h.Execute(ctx, transport.AssignTask{TaskID: "t-1"}, noProgress)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandHandler_EmptyCommand(t *testing.T) {
	h := &CommandHandler{Command: "  "}
	_, err := h.Execute(context.Background(), transport.AssignTask{TaskID: "t-1"}, noProgress)
	assert.Error(t, err)
}

func TestTaskEnv(t *testing.T) {
	env := TaskEnv(transport.AssignTask{
		TaskID:   "t-9",
		Priority: "high",
		Files:    transport.Files{Modify: []string{"x.go", "y.go"}},
	})
	assert.Contains(t, env, "TASKMESH_TASK_ID=t-9")
	assert.Contains(t, env, "TASKMESH_TASK_PRIORITY=high")
	assert.Contains(t, env, "TASKMESH_FILES_MODIFY=x.go,y.go")
}
