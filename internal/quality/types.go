package quality

import (
	"context"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

// Verifier categories. A verifier's name selects its weight in the
// aggregate score.
const (
	Lint            = "lint"
	TypeCheck       = "typecheck"
	Tests           = "tests"
	Security        = "security"
	Performance     = "performance"
	Maintainability = "maintainability"
)

// DefaultWeights is each category's share of the aggregate score.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		Lint:            0.25,
		TypeCheck:       0.20,
		Tests:           0.25,
		Security:        0.15,
		Performance:     0.10,
		Maintainability: 0.05,
	}
}

// IssueType distinguishes blocking findings from advice.
type IssueType string

const (
	TypeError   IssueType = "error"
	TypeWarning IssueType = "warning"
	TypeInfo    IssueType = "info"
)

// Category groups issues by concern.
type Category string

const (
	CategorySyntax          Category = "syntax"
	CategoryStyle           Category = "style"
	CategorySecurity        Category = "security"
	CategoryPerformance     Category = "performance"
	CategoryMaintainability Category = "maintainability"
	CategoryTesting         Category = "testing"
)

// categoryFor maps a verifier name to the category of its issues.
func categoryFor(verifier string) Category {
	switch verifier {
	case Lint, TypeCheck:
		return CategorySyntax
	case Tests:
		return CategoryTesting
	case Security:
		return CategorySecurity
	case Performance:
		return CategoryPerformance
	case Maintainability:
		return CategoryMaintainability
	}
	return CategoryStyle
}

// Issue is a single finding. Severity runs from 1 (cosmetic) to 10
// (blocking); anything at 8 or above fails the gate.
type Issue struct {
	Verifier string    `json:"verifier"`
	Type     IssueType `json:"type"`
	Category Category  `json:"category"`
	Severity int       `json:"severity"`
	Message  string    `json:"message"`
	File     string    `json:"file,omitempty"`
	Line     int       `json:"line,omitempty"`
	Column   int       `json:"column,omitempty"`
	Rule     string    `json:"rule,omitempty"`
}

// Location renders file:line:col, omitting what is unknown.
func (i Issue) Location() string {
	switch {
	case i.File == "":
		return ""
	case i.Line == 0:
		return i.File
	case i.Column == 0:
		return i.File + ":" + strconv.Itoa(i.Line)
	}
	return i.File + ":" + strconv.Itoa(i.Line) + ":" + strconv.Itoa(i.Column)
}

// Subject is what a verifier inspects: the files a task touched, relative
// to Root on Fs.
type Subject struct {
	TaskID string
	Root   string
	Files  []string
	Fs     afero.Fs
}

// read returns a subject file's content. Files that do not exist yet are
// reported with ok=false.
func (s Subject) read(file string) (string, bool) {
	data, err := afero.ReadFile(s.Fs, filepath.Join(s.Root, filepath.FromSlash(file)))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Report is one verifier's verdict.
type Report struct {
	Score  float64
	Issues []Issue
	// Coverage is set by verifiers that measure test coverage.
	Coverage *float64
}

// Verifier inspects a subject and scores it from 0 to 100.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, s Subject) (Report, error)
}

// Result is the gate's verdict on a task.
type Result struct {
	TaskID          string             `json:"task_id"`
	Passed          bool               `json:"passed"`
	Score           float64            `json:"score"`
	Issues          []Issue            `json:"issues"`
	Recommendations []string           `json:"recommendations"`
	Breakdown       map[string]float64 `json:"breakdown"`
	Coverage        *float64           `json:"coverage,omitempty"`
	// Unverifiable is set when a task requirement names a check that no
	// configured verifier performs, so rework alone cannot pass the gate.
	Unverifiable bool      `json:"unverifiable,omitempty"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Errors returns the issues of type error.
func (r Result) Errors() []Issue {
	return slices.DeleteFunc(slices.Clone(r.Issues), func(i Issue) bool { return i.Type != TypeError })
}

// Warnings returns the issues of type warning.
func (r Result) Warnings() []Issue {
	return slices.DeleteFunc(slices.Clone(r.Issues), func(i Issue) bool { return i.Type != TypeWarning })
}
