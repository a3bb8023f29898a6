package correction

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/errors"
)

const tomlTable = `
[[patterns]]
id = "compile-error"
name = "Go vet failure"
category = "syntax"
match = 'vet: .+'
severity = "low"
auto_fixable = true
hints = [".go"]

  [[patterns.steps]]
  name = "vet"
  command = ["go", "vet", "./..."]

[[patterns]]
id = "flaky-network"
contains = "i/o timeout"
severity = "high"
`

func TestLoadPatterns_TOML(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/taskmesh/extra.toml", []byte(tomlTable), 0o644))

	ps, err := LoadPatterns(fs, "/etc/taskmesh/extra.toml")
	require.NoError(t, err)
	require.Len(t, ps, 2)

	assert.Equal(t, "Go vet failure", ps[0].Name)
	assert.Equal(t, SeverityLow, ps[0].Severity)
	assert.True(t, ps[0].AutoFixable)
	require.Len(t, ps[0].Steps, 1)
	assert.Equal(t, StepCommand, ps[0].Steps[0].Kind())
	assert.True(t, ps[0].Matches("vet: printf call has arguments"))

	assert.Equal(t, "flaky-network", ps[1].Name, "name defaults to the id")
	assert.True(t, ps[1].Matches("read tcp: I/O TIMEOUT"))
	assert.False(t, ps[1].AutoFixable)
}

func TestLoadPatterns_YAML(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/p.yml", []byte(`
patterns:
  - id: oom
    match: 'out of memory'
    steps:
      - name: note
      - name: config
        file: conf/limits
        content: "mem=2g"
`), 0o644))

	ps, err := LoadPatterns(fs, "/p.yml")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, SeverityMedium, ps[0].Severity)
	assert.Equal(t, StepManual, ps[0].Steps[0].Kind())
	assert.Equal(t, StepWriteFile, ps[0].Steps[1].Kind())
}

func TestParsePatterns_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"missing id", "patterns:\n  - contains: x\n", "id"},
		{"no matcher", "patterns:\n  - id: a\n", "match"},
		{"bad regex", "patterns:\n  - id: a\n    match: '(['\n", "match"},
		{"bad severity", "patterns:\n  - id: a\n    contains: x\n    severity: dire\n", "severity"},
		{"duplicate", "patterns:\n  - id: a\n    contains: x\n  - id: a\n    contains: y\n", "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePatterns([]byte(tt.data), "yaml")
			var ve *errors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	_, err := ParsePatterns([]byte("x"), "json")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = ParsePatterns([]byte("patterns: [unclosed"), "yaml")
	assert.Error(t, err)
}

func TestLoadPatterns_MissingFile(t *testing.T) {
	_, err := LoadPatterns(afero.NewMemMapFs(), "/nope.yaml")
	assert.Error(t, err)
}

func TestMergePatterns(t *testing.T) {
	base := []Pattern{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}
	merged := MergePatterns(base, []Pattern{{ID: "b", Name: "B2"}, {ID: "c", Name: "C"}})

	names := make([]string, len(merged))
	for i, p := range merged {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"A", "B2", "C"}, names)
	assert.Equal(t, "B", base[1].Name)
}

func TestFromConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/extra.toml", []byte(tomlTable), 0o644))

	cfg := config.Default().Correction
	cfg.PatternFiles = []string{"/extra.toml"}
	cfg.MaxAutoRetries = 5
	cfg.Environment = "production"
	cfg.WorkDir = t.TempDir()

	c, err := FromConfig(cfg, fs, WithExecutor(newFakeExecutor()))
	require.NoError(t, err)
	ps := c.Patterns()
	require.Len(t, ps, 7)
	assert.Equal(t, "Go vet failure", ps[0].Name, "a pattern file overrides by id")
	assert.Equal(t, "flaky-network", ps[6].ID)
	assert.Equal(t, 5, c.maxRetries)
	assert.Equal(t, "production", c.environment)
	assert.True(t, c.Enabled())

	cfg.PatternFiles = []string{"/missing.yaml"}
	_, err = FromConfig(cfg, fs)
	assert.Error(t, err)
}

func TestCommandExecutor_WriteFileStaysInDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := NewCommandExecutor(fs, "/ws")

	require.NoError(t, e.WriteFile("conf/app.env", "A=1"))
	data, err := afero.ReadFile(fs, "/ws/conf/app.env")
	require.NoError(t, err)
	assert.Equal(t, "A=1", string(data))

	require.NoError(t, e.WriteFile("../../escape.txt", "x"))
	ok, err := afero.Exists(fs, "/ws/escape.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = afero.Exists(fs, "/escape.txt")
	assert.False(t, ok)
}

func TestCommandExecutor_Run(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	e := NewCommandExecutor(afero.NewOsFs(), dir)
	assert.Equal(t, dir, e.Dir())

	out, err := e.Run(context.Background(), []string{"sh", "-c", "pwd"})
	require.NoError(t, err)
	assert.Contains(t, strings.TrimSpace(out), strings.TrimPrefix(dir, "/private"))

	out, err = e.Run(context.Background(), []string{"sh", "-c", "echo nope; exit 3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Equal(t, "nope\n", out)

	_, err = e.Run(context.Background(), nil)
	assert.Error(t, err)
}
