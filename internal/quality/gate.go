package quality

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
)

// Gate thresholds.
const (
	DefaultMinScore = 80.0

	// BlockingSeverity is the severity at which an error or info issue
	// fails the gate regardless of score. Warnings never block.
	BlockingSeverity = 8

	// warningBudget is the warning count above which a cleanup
	// recommendation is added.
	warningBudget = 10
)

// Gate runs verifiers against a finished task and decides whether the work
// is accepted. It is safe for concurrent use.
type Gate struct {
	mu        sync.RWMutex
	verifiers []Verifier
	weights   map[string]float64
	minScore  float64

	fs             afero.Fs
	root           string
	timeout        time.Duration
	maxConcurrency int
	logger         *logging.Logger
	now            func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l.WithComponent("quality")
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithWeights replaces the category weights.
func WithWeights(w map[string]float64) Option {
	return func(g *Gate) {
		if len(w) > 0 {
			g.weights = maps.Clone(w)
		}
	}
}

// WithMinScore sets the minimum aggregate score for tasks that do not
// declare their own.
func WithMinScore(s float64) Option {
	return func(g *Gate) {
		if s > 0 {
			g.minScore = s
		}
	}
}

// WithFs sets the filesystem verifiers read from.
func WithFs(fs afero.Fs) Option {
	return func(g *Gate) { g.fs = fs }
}

// WithRoot sets the directory task files are relative to.
func WithRoot(dir string) Option {
	return func(g *Gate) { g.root = dir }
}

// WithTimeout bounds a whole evaluation.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithMaxConcurrency bounds how many verifiers run at once.
func WithMaxConcurrency(n int) Option {
	return func(g *Gate) { g.maxConcurrency = n }
}

// NewGate creates a gate over the given verifiers.
func NewGate(verifiers []Verifier, opts ...Option) *Gate {
	g := &Gate{
		verifiers: slices.Clone(verifiers),
		weights:   DefaultWeights(),
		minScore:  DefaultMinScore,
		fs:        afero.NewOsFs(),
		root:      ".",
		logger:    logging.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetWeights replaces the category weights for later evaluations.
func (g *Gate) SetWeights(w map[string]float64) {
	if len(w) == 0 {
		return
	}
	g.mu.Lock()
	g.weights = maps.Clone(w)
	g.mu.Unlock()
}

// SetMinScore changes the default minimum score for later evaluations.
func (g *Gate) SetMinScore(s float64) {
	if s <= 0 {
		return
	}
	g.mu.Lock()
	g.minScore = s
	g.mu.Unlock()
}

// Verifiers returns the names of the configured verifiers.
func (g *Gate) Verifiers() []string {
	names := make([]string, 0, len(g.verifiers))
	for _, v := range g.verifiers {
		names = append(names, v.Name())
	}
	return names
}

type verdict struct {
	name   string
	report Report
	err    error
}

// Evaluate runs every verifier concurrently over the task's files and the
// reported artifacts, aggregates the weighted score and applies the pass
// rules. A verifier that errors contributes a score of zero and a blocking
// issue.
func (g *Gate) Evaluate(ctx context.Context, task taskqueue.Task, artifacts []string) Result {
	g.mu.RLock()
	weights := maps.Clone(g.weights)
	minScore := g.minScore
	g.mu.RUnlock()
	if task.Quality.MinScore > 0 {
		minScore = task.Quality.MinScore
	}

	logger := g.logger.WithTask(task.ID)
	res := Result{
		TaskID:      task.ID,
		Breakdown:   make(map[string]float64),
		EvaluatedAt: g.now(),
	}

	subject := Subject{
		TaskID: task.ID,
		Root:   g.root,
		Files:  subjectFiles(task, artifacts),
		Fs:     g.fs,
	}

	if len(g.verifiers) == 0 {
		// Nothing to score; only the task's own requirements can fail it.
		res.Score = 100
		res.Passed, res.Recommendations = applyRules(task.Quality, minScore, res)
		res.Unverifiable = unverifiable(task.Quality, res)
		logger.Info("quality gate evaluated without verifiers", "passed", res.Passed)
		return res
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	p := pool.NewWithResults[verdict]()
	if g.maxConcurrency > 0 {
		p = p.WithMaxGoroutines(g.maxConcurrency)
	}
	for _, v := range g.verifiers {
		p.Go(func() verdict {
			report, err := v.Verify(ctx, subject)
			return verdict{name: v.Name(), report: report, err: err}
		})
	}
	verdicts := p.Wait()

	var weighted, total float64
	for _, vd := range verdicts {
		score := clamp(vd.report.Score)
		if vd.err != nil {
			logger.Warn("verifier failed", "verifier", vd.name, "error", vd.err)
			score = 0
			res.Issues = append(res.Issues, Issue{
				Verifier: vd.name,
				Type:     TypeError,
				Category: categoryFor(vd.name),
				Severity: BlockingSeverity,
				Message:  errors.NewQualityError("verifier failed", vd.err).WithVerifier(vd.name).Error(),
			})
		} else {
			for _, is := range vd.report.Issues {
				if is.Verifier == "" {
					is.Verifier = vd.name
				}
				res.Issues = append(res.Issues, is)
			}
			if vd.report.Coverage != nil {
				c := *vd.report.Coverage
				res.Coverage = &c
			}
		}
		res.Breakdown[vd.name] = score
		if w, ok := weights[vd.name]; ok && w > 0 {
			weighted += w * score
			total += w
		}
	}
	if total > 0 {
		res.Score = round1(weighted / total)
	} else {
		// No weighted verifier ran; fall back to the plain mean.
		var sum float64
		for _, s := range res.Breakdown {
			sum += s
		}
		res.Score = round1(sum / float64(len(res.Breakdown)))
	}

	res.Passed, res.Recommendations = applyRules(task.Quality, minScore, res)
	res.Unverifiable = unverifiable(task.Quality, res)
	logger.Info("quality gate evaluated",
		"passed", res.Passed, "score", res.Score, "issues", len(res.Issues), "verifiers", len(verdicts))
	return res
}

// applyRules decides pass or fail and explains every failing rule.
func applyRules(req taskqueue.Requirements, minScore float64, res Result) (bool, []string) {
	passed := true
	var recs []string

	if res.Score < minScore {
		passed = false
		recs = append(recs, fmt.Sprintf("Improve code quality score to at least %.0f (current: %.1f)", minScore, res.Score))
	}

	blocking := 0
	for _, is := range res.Issues {
		if is.Type != TypeWarning && is.Severity >= BlockingSeverity {
			blocking++
		}
	}
	if blocking > 0 {
		passed = false
		recs = append(recs, fmt.Sprintf("Fix %d critical issue(s) before proceeding", blocking))
	}

	if req.TestCoverageMin > 0 {
		coverage := 0.0
		if res.Coverage != nil {
			coverage = *res.Coverage
		}
		if coverage < req.TestCoverageMin {
			passed = false
			recs = append(recs, fmt.Sprintf("Increase test coverage to %.0f%% (current: %.1f%%)", req.TestCoverageMin, coverage))
		}
	}

	if req.SecurityReviewRequired {
		if _, reviewed := res.Breakdown[Security]; !reviewed {
			passed = false
			recs = append(recs, "Run a security review: no security verifier is configured")
		}
		for _, is := range res.Issues {
			if is.Category == CategorySecurity && is.Type == TypeError {
				passed = false
				recs = append(recs, "Fix security vulnerabilities before deployment")
				break
			}
		}
	}

	if n := len(res.Warnings()); n > warningBudget {
		recs = append(recs, fmt.Sprintf("Consider addressing %d warning(s) to improve code quality", n))
	}
	return passed, recs
}

// unverifiable reports whether req asks for coverage or a security review
// that none of the verifiers that ran can provide.
func unverifiable(req taskqueue.Requirements, res Result) bool {
	if _, ok := res.Breakdown[Tests]; req.TestCoverageMin > 0 && !ok {
		return true
	}
	if _, ok := res.Breakdown[Security]; req.SecurityReviewRequired && !ok {
		return true
	}
	return false
}

// Err returns a QualityError describing a failed result, or nil. The error
// is retryable unless the result is unverifiable.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return errors.NewQualityError(fmt.Sprintf("%d issue(s)", len(r.Issues)), errors.ErrQualityGateFailed).
		WithTaskID(r.TaskID).WithScore(r.Score).WithRetryable(!r.Unverifiable)
}

func subjectFiles(task taskqueue.Task, artifacts []string) []string {
	var files []string
	for _, f := range append(append(slices.Clone(task.Files.Modify), task.Files.Create...), artifacts...) {
		if f != "" && !slices.Contains(files, f) {
			files = append(files, f)
		}
	}
	return files
}

func clamp(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
