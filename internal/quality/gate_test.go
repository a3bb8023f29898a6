package quality

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
)

type fakeVerifier struct {
	name   string
	report Report
	err    error
	calls  atomic.Int32
	seen   atomic.Pointer[Subject]
}

func (f *fakeVerifier) Name() string { return f.name }

func (f *fakeVerifier) Verify(_ context.Context, s Subject) (Report, error) {
	f.calls.Add(1)
	f.seen.Store(&s)
	return f.report, f.err
}

func scored(name string, score float64, issues ...Issue) *fakeVerifier {
	return &fakeVerifier{name: name, report: Report{Score: score, Issues: issues}}
}

func task(id string) taskqueue.Task {
	return taskqueue.Task{ID: id, Files: taskqueue.FileSet{Modify: []string{"a.go"}, Create: []string{"b.go"}}}
}

func TestGate_NoVerifiersPasses(t *testing.T) {
	res := NewGate(nil).Evaluate(context.Background(), task("t1"), nil)
	assert.True(t, res.Passed)
	assert.Equal(t, 100.0, res.Score)
	assert.Equal(t, "t1", res.TaskID)
}

func TestGate_NoVerifiersStillEnforcesRequirements(t *testing.T) {
	tests := []struct {
		name    string
		req     taskqueue.Requirements
		wantRec string
	}{
		{"coverage", taskqueue.Requirements{TestCoverageMin: 90}, "Increase test coverage to 90% (current: 0.0%)"},
		{"security review", taskqueue.Requirements{SecurityReviewRequired: true}, "Run a security review: no security verifier is configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := task("t1")
			tk.Quality = tt.req
			res := NewGate(nil).Evaluate(context.Background(), tk, nil)
			assert.False(t, res.Passed)
			assert.Nil(t, res.Coverage)
			assert.Contains(t, res.Recommendations, tt.wantRec)
			assert.True(t, res.Unverifiable)
			assert.False(t, errors.IsRetryable(res.Err()))
		})
	}
}

func TestGate_HighSeverityWarningDoesNotBlock(t *testing.T) {
	warn := Issue{Type: TypeWarning, Category: CategoryPerformance, Severity: 9, Message: "quadratic loop"}
	g := NewGate([]Verifier{scored(Performance, 95, warn)})

	res := g.Evaluate(context.Background(), task("t1"), nil)
	assert.True(t, res.Passed)
	assert.Len(t, res.Warnings(), 1)

	errIssue := Issue{Type: TypeError, Category: CategoryPerformance, Severity: 9, Message: "unbounded allocation"}
	res = NewGate([]Verifier{scored(Performance, 95, errIssue)}).Evaluate(context.Background(), task("t2"), nil)
	assert.False(t, res.Passed)
}

func TestGate_WeightedScore(t *testing.T) {
	g := NewGate([]Verifier{scored(Lint, 100), scored(Tests, 50)})
	res := g.Evaluate(context.Background(), task("t1"), nil)

	// Equal weights of .25 renormalize to a plain mean.
	assert.InDelta(t, 75.0, res.Score, 0.001)
	assert.False(t, res.Passed)
	assert.Equal(t, map[string]float64{Lint: 100, Tests: 50}, res.Breakdown)
	require.NotEmpty(t, res.Recommendations)
	assert.Contains(t, res.Recommendations[0], "at least 80")
}

func TestGate_WeightsNormalizedOverVerifiersRun(t *testing.T) {
	g := NewGate([]Verifier{scored(Security, 90), scored(Maintainability, 60)})
	res := g.Evaluate(context.Background(), task("t1"), nil)

	// (.15*90 + .05*60) / .20
	assert.InDelta(t, 82.5, res.Score, 0.001)
	assert.True(t, res.Passed)
}

func TestGate_TaskMinScoreOverridesDefault(t *testing.T) {
	g := NewGate([]Verifier{scored(Lint, 85)})
	tk := task("t1")
	tk.Quality.MinScore = 90

	res := g.Evaluate(context.Background(), tk, nil)
	assert.False(t, res.Passed)

	g.SetMinScore(70)
	res = g.Evaluate(context.Background(), task("t2"), nil)
	assert.True(t, res.Passed)
}

func TestGate_BlockingSeverityFails(t *testing.T) {
	g := NewGate([]Verifier{scored(Lint, 95, Issue{Type: TypeError, Severity: 8, Message: "nil dereference"})})
	res := g.Evaluate(context.Background(), task("t1"), nil)

	assert.False(t, res.Passed)
	assert.Equal(t, Lint, res.Issues[0].Verifier)
	assert.Contains(t, res.Recommendations, "Fix 1 critical issue(s) before proceeding")
}

func TestGate_VerifierErrorIsBlocking(t *testing.T) {
	g := NewGate([]Verifier{scored(Lint, 100), &fakeVerifier{name: TypeCheck, err: fmt.Errorf("tool missing")}})
	res := g.Evaluate(context.Background(), task("t1"), nil)

	assert.False(t, res.Passed)
	assert.Equal(t, 0.0, res.Breakdown[TypeCheck])
	require.Len(t, res.Issues, 1)
	assert.Equal(t, BlockingSeverity, res.Issues[0].Severity)
	assert.Equal(t, TypeCheck, res.Issues[0].Verifier)
	assert.Contains(t, res.Issues[0].Message, "tool missing")
}

func TestGate_CoverageMinimum(t *testing.T) {
	low := 70.0
	cov := &fakeVerifier{name: Tests, report: Report{Score: 95, Coverage: &low}}
	g := NewGate([]Verifier{cov})

	tk := task("t1")
	tk.Quality.TestCoverageMin = 80
	res := g.Evaluate(context.Background(), tk, nil)
	assert.False(t, res.Passed)
	require.NotNil(t, res.Coverage)
	assert.Equal(t, 70.0, *res.Coverage)

	// Without a coverage minimum the same report passes.
	res = g.Evaluate(context.Background(), task("t2"), nil)
	assert.True(t, res.Passed)
}

func TestGate_MissingCoverageCountsAsZero(t *testing.T) {
	g := NewGate([]Verifier{scored(Lint, 100)})
	tk := task("t1")
	tk.Quality.TestCoverageMin = 50

	res := g.Evaluate(context.Background(), tk, nil)
	assert.False(t, res.Passed)
}

func TestGate_SecurityReview(t *testing.T) {
	secErr := Issue{Type: TypeError, Category: CategorySecurity, Severity: 6, Message: "weak hash"}
	g := NewGate([]Verifier{scored(Security, 90, secErr)})

	res := g.Evaluate(context.Background(), task("t1"), nil)
	assert.True(t, res.Passed)

	tk := task("t2")
	tk.Quality.SecurityReviewRequired = true
	res = g.Evaluate(context.Background(), tk, nil)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Recommendations, "Fix security vulnerabilities before deployment")
	assert.False(t, res.Unverifiable, "a reviewed task can be reworked")
}

func TestGate_ManyWarningsRecommendCleanup(t *testing.T) {
	var warnings []Issue
	for i := range 11 {
		warnings = append(warnings, Issue{Type: TypeWarning, Severity: 2, Message: fmt.Sprintf("w%d", i)})
	}
	g := NewGate([]Verifier{scored(Lint, 90, warnings...)})
	res := g.Evaluate(context.Background(), task("t1"), nil)

	assert.True(t, res.Passed)
	assert.Contains(t, res.Recommendations, "Consider addressing 11 warning(s) to improve code quality")
	assert.Len(t, res.Warnings(), 11)
	assert.Empty(t, res.Errors())
}

func TestGate_SubjectIncludesArtifacts(t *testing.T) {
	v := scored(Lint, 100)
	g := NewGate([]Verifier{v}, WithRoot("/ws"))
	g.Evaluate(context.Background(), task("t1"), []string{"c.go", "a.go"})

	s := v.seen.Load()
	require.NotNil(t, s)
	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, s.Files)
	assert.Equal(t, "/ws", s.Root)
	assert.Equal(t, "t1", s.TaskID)
}

func TestGate_RunsEveryVerifierOnce(t *testing.T) {
	vs := []*fakeVerifier{scored(Lint, 90), scored(TypeCheck, 90), scored(Tests, 90), scored(Security, 90)}
	list := make([]Verifier, len(vs))
	for i, v := range vs {
		list[i] = v
	}
	NewGate(list, WithMaxConcurrency(2)).Evaluate(context.Background(), task("t1"), nil)
	for _, v := range vs {
		assert.Equal(t, int32(1), v.calls.Load(), v.name)
	}
}

func TestGate_SetWeights(t *testing.T) {
	g := NewGate([]Verifier{scored(Lint, 100), scored(Tests, 0)})
	g.SetWeights(map[string]float64{Lint: 0.9, Tests: 0.1})
	res := g.Evaluate(context.Background(), task("t1"), nil)
	assert.InDelta(t, 90.0, res.Score, 0.001)
}

func TestGate_UnweightedVerifiersUseMean(t *testing.T) {
	g := NewGate([]Verifier{scored("custom", 60), scored("other", 100)})
	res := g.Evaluate(context.Background(), task("t1"), nil)
	assert.InDelta(t, 80.0, res.Score, 0.001)
}

func TestGate_EvaluatedAtUsesClock(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	res := NewGate([]Verifier{scored(Lint, 100)}, WithClock(func() time.Time { return at })).
		Evaluate(context.Background(), task("t1"), nil)
	assert.Equal(t, at, res.EvaluatedAt)
}

func TestResult_Err(t *testing.T) {
	assert.NoError(t, Result{Passed: true}.Err())

	err := Result{TaskID: "t1", Score: 42}.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrQualityGateFailed))
	var qErr *errors.QualityError
	require.True(t, errors.As(err, &qErr))
	assert.Equal(t, "t1", qErr.TaskID)
	assert.True(t, errors.IsRetryable(err))

	err = Result{TaskID: "t1", Score: 100, Unverifiable: true}.Err()
	assert.ErrorIs(t, err, errors.ErrQualityGateFailed)
	assert.False(t, errors.IsRetryable(err))
}

func TestFromConfig(t *testing.T) {
	g, err := FromConfig(config.Default().Quality)
	require.NoError(t, err)
	assert.Equal(t, []string{Security, Performance, Maintainability}, g.Verifiers())

	_, err = FromConfig(config.QualityConfig{Verifiers: []config.VerifierConfig{{Name: Lint}}})
	assert.Error(t, err)

	_, err = FromConfig(config.QualityConfig{Verifiers: []config.VerifierConfig{{Name: "spelling"}}})
	assert.Error(t, err)

	g, err = FromConfig(config.QualityConfig{Verifiers: []config.VerifierConfig{
		{Name: Lint, Command: []string{"golangci-lint", "run"}},
		{Name: Tests, CoverProfile: "cover.out"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{Lint, Tests}, g.Verifiers())
}

func TestIssue_Location(t *testing.T) {
	assert.Equal(t, "", Issue{}.Location())
	assert.Equal(t, "a.go", Issue{File: "a.go"}.Location())
	assert.Equal(t, "a.go:3", Issue{File: "a.go", Line: 3}.Location())
	assert.Equal(t, "a.go:3:7", Issue{File: "a.go", Line: 3, Column: 7}.Location())
}
