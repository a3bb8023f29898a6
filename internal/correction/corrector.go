package correction

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

// Defaults.
const (
	DefaultMaxRetries  = 3
	DefaultStepTimeout = 2 * time.Minute
)

// Confidence scoring.
const (
	baseConfidence  = 60
	matchBonus      = 20
	hintBonus       = 10
	productionBonus = 5
	maxConfidence   = 95

	topPatterns = 5
	maxOutput   = 4096
)

// Corrector matches task failures against the pattern table and runs the
// matched pattern's resolution steps. It is safe for concurrent use.
type Corrector struct {
	mu          sync.Mutex
	patterns    []Pattern
	occurrences map[string]*Occurrence
	order       []string
	enabled     bool
	maxRetries  int
	stepTimeout time.Duration
	environment string

	exec   Executor
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Corrector.
type Option func(*Corrector)

// WithLogger sets the corrector's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Corrector) {
		if l != nil {
			c.logger = l.WithComponent("correction")
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Corrector) { c.now = now }
}

// WithExecutor sets what runs resolution steps. Without an executor every
// matched failure is escalated.
func WithExecutor(e Executor) Option {
	return func(c *Corrector) { c.exec = e }
}

// WithPatterns replaces the pattern table.
func WithPatterns(ps []Pattern) Option {
	return func(c *Corrector) { c.patterns = slices.Clone(ps) }
}

// WithMaxRetries bounds correction attempts per occurrence. Zero disables
// automatic attempts.
func WithMaxRetries(n int) Option {
	return func(c *Corrector) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithStepTimeout bounds a single resolution step.
func WithStepTimeout(d time.Duration) Option {
	return func(c *Corrector) {
		if d > 0 {
			c.stepTimeout = d
		}
	}
}

// WithEnvironment sets the environment assumed for failures that do not
// name one.
func WithEnvironment(env string) Option {
	return func(c *Corrector) { c.environment = env }
}

// WithEnabled turns automatic correction on or off.
func WithEnabled(on bool) Option {
	return func(c *Corrector) { c.enabled = on }
}

// New creates a Corrector with the built-in pattern table.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		patterns:    DefaultPatterns(),
		occurrences: make(map[string]*Occurrence),
		enabled:     true,
		maxRetries:  DefaultMaxRetries,
		stepTimeout: DefaultStepTimeout,
		environment: "development",
		logger:      logging.NopLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig creates a Corrector from the correction section. Pattern files
// are read from fs and overlaid on the built-in table. Steps run in
// cfg.WorkDir, or the current directory when unset.
func FromConfig(cfg config.CorrectionConfig, fs afero.Fs, opts ...Option) (*Corrector, error) {
	patterns := DefaultPatterns()
	for _, path := range cfg.PatternFiles {
		extra, err := LoadPatterns(fs, path)
		if err != nil {
			return nil, err
		}
		patterns = MergePatterns(patterns, extra)
	}
	base := []Option{
		WithPatterns(patterns),
		WithEnabled(cfg.Enabled),
		WithMaxRetries(cfg.MaxAutoRetries),
		WithStepTimeout(cfg.StepTimeout()),
		WithExecutor(NewCommandExecutor(afero.NewOsFs(), cfg.WorkDir)),
	}
	if cfg.Environment != "" {
		base = append(base, WithEnvironment(cfg.Environment))
	}
	return New(append(base, opts...)...), nil
}

// SetEnabled turns automatic correction on or off. While off, every
// failure is escalated.
func (c *Corrector) SetEnabled(on bool) {
	c.mu.Lock()
	c.enabled = on
	c.mu.Unlock()
}

// Enabled reports whether automatic correction is on.
func (c *Corrector) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetMaxRetries changes the attempt bound for later occurrences.
func (c *Corrector) SetMaxRetries(n int) {
	if n < 0 {
		return
	}
	c.mu.Lock()
	c.maxRetries = n
	c.mu.Unlock()
}

// Patterns returns a copy of the pattern table.
func (c *Corrector) Patterns() []Pattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Pattern, len(c.patterns))
	for i, p := range c.patterns {
		out[i] = p.clone()
	}
	return out
}

// Match finds the best pattern for f. Ties keep table order.
func (c *Corrector) Match(f Failure) (Pattern, int, bool) {
	c.mu.Lock()
	env := cmp.Or(f.Environment, c.environment)
	patterns := c.patterns
	c.mu.Unlock()

	best, bestScore := -1, 0
	for i := range patterns {
		p := &patterns[i]
		if !p.Matches(f.Message) {
			continue
		}
		if s := Confidence(p, f.Files, env); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return Pattern{}, 0, false
	}
	return patterns[best].clone(), bestScore, true
}

// Confidence scores a matched pattern: a base of 60, 20 for the message
// match, 10 for each hint found among the failing files and 5 for a
// critical pattern in production, capped at 95.
func Confidence(p *Pattern, files []string, environment string) int {
	score := baseConfidence + matchBonus
	for _, hint := range p.Hints {
		h := strings.ToLower(hint)
		if slices.ContainsFunc(files, func(f string) bool { return strings.Contains(strings.ToLower(f), h) }) {
			score += hintBonus
		}
	}
	if environment == "production" && p.Severity == SeverityCritical {
		score += productionBonus
	}
	return min(score, maxConfidence)
}

// Handle records a failure, matches it and, when the match is auto-fixable,
// runs the resolution steps until validation passes or the attempts are
// used up. Unmatched, non-fixable and exhausted occurrences are escalated.
// A canceled context leaves the occurrence failed.
func (c *Corrector) Handle(ctx context.Context, f Failure) (Result, error) {
	if strings.TrimSpace(f.Message) == "" {
		return Result{}, errors.NewValidationError("failure message is required").WithField("message")
	}
	p, confidence, matched := c.Match(f)

	c.mu.Lock()
	occ := &Occurrence{
		ID:         uuid.NewString(),
		Failure:    f,
		Status:     StatusDetected,
		Confidence: confidence,
		DetectedAt: c.now(),
	}
	occ.Failure.Files = slices.Clone(f.Files)
	if matched {
		occ.PatternID = p.ID
	}
	c.occurrences[occ.ID] = occ
	c.order = append(c.order, occ.ID)
	enabled, maxRetries, stepTimeout, exec := c.enabled, c.maxRetries, c.stepTimeout, c.exec
	env := cmp.Or(f.Environment, c.environment)
	c.mu.Unlock()

	logger := c.logger.WithTask(f.TaskID).With("occurrence_id", occ.ID)
	logger.Info("failure recorded", "pattern_id", occ.PatternID, "confidence", confidence)

	var reason string
	switch {
	case !matched:
		reason = "no matching error pattern"
	case !enabled:
		reason = "automatic correction is disabled"
	case !p.AutoFixable:
		reason = fmt.Sprintf("pattern %s is not auto-fixable", p.ID)
	case exec == nil:
		reason = "no executor configured"
	case maxRetries == 0:
		reason = "automatic retries are disabled"
	}
	if reason != "" {
		return c.escalated(occ.ID, &p, matched, env, reason)
	}

	var applied, issues []string
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.transition(occ.ID, StatusFixing, true); err != nil {
			return Result{}, err
		}
		var stepErr *errors.CorrectionError
		applied, issues, stepErr = c.attempt(ctx, occ.ID, &p, attempt, exec, stepTimeout)
		if stepErr == nil {
			if err := c.transition(occ.ID, StatusFixed, false); err != nil {
				return Result{}, err
			}
			logger.Info("failure corrected", "pattern_id", p.ID, "attempts", attempt)
			return c.result(occ.ID, &p, env, applied, nil), nil
		}
		if ctx.Err() != nil {
			if err := c.transition(occ.ID, StatusFailed, false); err != nil {
				return Result{}, err
			}
			logger.Warn("correction canceled", "pattern_id", p.ID, "attempts", attempt, "step", stepErr.Step)
			// The failure was never judged; the task can run again.
			return c.result(occ.ID, &p, env, applied, append(issues, f.Message)), stepErr.WithRetryable(true)
		}
		logger.Warn("correction attempt failed", "pattern_id", p.ID, "attempt", attempt, "issues", len(issues), "error", stepErr)
	}
	res, err := c.escalated(occ.ID, &p, matched, env, fmt.Sprintf("%s after %d attempts", errors.ErrRetriesExhausted, maxRetries))
	res.AppliedFixes = applied
	res.RemainingIssues = append(res.RemainingIssues, issues...)
	return res, err
}

// attempt runs every step of p once, then the pattern's validation. A
// critical pattern stops at the first failed step and the rest are logged
// as skipped. The returned error names the first step that failed.
func (c *Corrector) attempt(ctx context.Context, id string, p *Pattern, n int, exec Executor, timeout time.Duration) (applied, issues []string, failed *errors.CorrectionError) {
	fail := func(step string, cause error) {
		if failed == nil {
			failed = errors.NewCorrectionError("resolution step failed", cause).
				WithOccurrenceID(id).WithPatternID(p.ID).WithStep(step).WithAttempts(n).
				WithRetryable(errors.IsRetryable(cause))
		}
	}
	for _, step := range p.Steps {
		if failed != nil && p.Severity == SeverityCritical {
			c.log(id, LogEntry{Attempt: n, Step: step.Name, Status: StepSkipped, Error: "previous step failed"})
			continue
		}
		entry, err := c.runStep(ctx, exec, step, timeout)
		entry.Attempt = n
		c.log(id, entry)
		switch entry.Status {
		case StepSucceeded:
			applied = append(applied, step.Name)
		case StepFailed:
			fail(step.Name, err)
			issues = append(issues, fmt.Sprintf("%s: %s", step.Name, entry.Error))
		}
	}
	if failed != nil {
		return applied, issues, failed
	}
	if len(p.Validation) > 0 {
		entry, err := c.runStep(ctx, exec, Step{Name: "validation", Validate: p.Validation}, timeout)
		entry.Attempt = n
		c.log(id, entry)
		if entry.Status == StepFailed {
			fail("validation", err)
			return applied, append(issues, "validation: "+entry.Error), failed
		}
	}
	return applied, issues, nil
}

// runStep executes one step. A failed step returns the error that failed it.
func (c *Corrector) runStep(ctx context.Context, exec Executor, step Step, timeout time.Duration) (LogEntry, error) {
	entry := LogEntry{Step: step.Name}
	if err := ctx.Err(); err != nil {
		entry.Status = StepFailed
		entry.Error = errors.ErrCanceled.Error()
		return entry, errors.ErrCanceled
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		out string
		err error
	)
	switch step.Kind() {
	case StepWriteFile:
		err = exec.WriteFile(step.File, step.Content)
		out = "wrote " + step.File
	case StepCommand:
		out, err = exec.Run(stepCtx, step.Command)
	case StepValidate:
		out, err = exec.Run(stepCtx, step.Validate)
	default:
		entry.Status = StepSkipped
		entry.Output = "no automated action"
		return entry, nil
	}
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = errors.NewTimeoutError("step "+step.Name, timeout).WithCause(err)
	}
	entry.Output = truncate(out)
	if err != nil {
		entry.Status = StepFailed
		entry.Error = err.Error()
		return entry, err
	}
	entry.Status = StepSucceeded
	return entry, nil
}

func (c *Corrector) log(id string, e LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.Timestamp = c.now()
	if o, ok := c.occurrences[id]; ok {
		o.Log = append(o.Log, e)
	}
}

// transition moves the occurrence forward, optionally counting an attempt.
func (c *Corrector) transition(id string, next Status, countAttempt bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.occurrences[id]
	if !ok {
		return errors.NewNotFoundError("occurrence", id)
	}
	if err := c.setStatusLocked(o, next); err != nil {
		return err
	}
	if countAttempt {
		o.Attempts++
	}
	return nil
}

// must be called with c.mu held
func (c *Corrector) setStatusLocked(o *Occurrence, next Status) error {
	if !o.Status.CanTransitionTo(next) {
		return errors.NewCorrectionError(fmt.Sprintf("cannot move from %s to %s", o.Status, next), errors.ErrInvalidTransition).
			WithOccurrenceID(o.ID).WithPatternID(o.PatternID).WithAttempts(o.Attempts)
	}
	o.Status = next
	if next.Terminal() || next == StatusFailed {
		o.ResolvedAt = c.now()
	}
	return nil
}

// Escalate hands an open occurrence to a human.
func (c *Corrector) Escalate(id, reason string) (Occurrence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.occurrences[id]
	if !ok {
		return Occurrence{}, errors.NewNotFoundError("occurrence", id)
	}
	if err := c.setStatusLocked(o, StatusEscalated); err != nil {
		return Occurrence{}, err
	}
	o.EscalationReason = reason
	c.logger.Warn("failure escalated", "occurrence_id", id, "task_id", o.Failure.TaskID, "reason", reason)
	return o.clone(), nil
}

func (c *Corrector) escalated(id string, p *Pattern, matched bool, env, reason string) (Result, error) {
	if _, err := c.Escalate(id, reason); err != nil {
		return Result{}, err
	}
	if !matched {
		p = nil
	}
	o, _ := c.Occurrence(id)
	return c.result(id, p, env, nil, []string{o.Failure.Message}), nil
}

func (c *Corrector) result(id string, p *Pattern, env string, applied, issues []string) Result {
	o, _ := c.Occurrence(id)
	res := Result{
		OccurrenceID:    id,
		PatternID:       o.PatternID,
		Status:          o.Status,
		Success:         o.Status == StatusFixed,
		Confidence:      o.Confidence,
		Attempts:        o.Attempts,
		AppliedFixes:    applied,
		RemainingIssues: issues,
		Risk:            AssessRisk(p, o.Failure.Files, env),
	}
	if res.Success {
		if p != nil {
			res.RecommendedActions = slices.Clone(p.Prevention)
		}
		return res
	}
	res.NeedsManualIntervention = true
	res.RecommendedActions = append([]string{"Manual investigation required"}, suggestedFixes(p, o.Failure.Files, env)...)
	return res
}

func suggestedFixes(p *Pattern, files []string, env string) []string {
	var out []string
	if p != nil {
		out = append(out, p.Diagnostics...)
	}
	if len(files) > 0 {
		out = append(out, "Check files: "+strings.Join(files, ", "))
	}
	if env == "production" {
		out = append(out, "Consider rolling back to the previous working version", "Check production configuration differences")
	}
	return out
}

type riskRule struct {
	applies    func(p *Pattern, files []string, env string) bool
	level      string
	concern    string
	mitigation string
}

var riskRules = []riskRule{
	{
		applies:    func(p *Pattern, _ []string, _ string) bool { return p != nil && p.Severity == SeverityCritical },
		level:      "high",
		concern:    "Critical system component affected",
		mitigation: "Create a backup before attempting a fix",
	},
	{
		applies:    func(_ *Pattern, _ []string, env string) bool { return env == "production" },
		level:      "medium",
		concern:    "Production environment changes",
		mitigation: "Test the fix in staging first",
	},
	{
		applies: func(_ *Pattern, files []string, _ string) bool {
			return slices.ContainsFunc(files, func(f string) bool {
				return strings.Contains(f, "database") || strings.Contains(f, "migration")
			})
		},
		level:      "high",
		concern:    "Database changes involved",
		mitigation: "Create a database backup",
	},
}

var riskRank = map[string]int{"low": 0, "medium": 1, "high": 2}

// AssessRisk rates applying p's fix to the given files. A nil pattern is
// rated on files and environment alone.
func AssessRisk(p *Pattern, files []string, env string) Risk {
	r := Risk{Level: "low"}
	for _, rule := range riskRules {
		if !rule.applies(p, files, env) {
			continue
		}
		if riskRank[rule.level] > riskRank[r.Level] {
			r.Level = rule.level
		}
		r.Concerns = append(r.Concerns, rule.concern)
		r.Mitigations = append(r.Mitigations, rule.mitigation)
	}
	return r
}

// Occurrence returns a snapshot of one occurrence.
func (c *Corrector) Occurrence(id string) (Occurrence, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.occurrences[id]
	if !ok {
		return Occurrence{}, false
	}
	return o.clone(), true
}

// Occurrences returns snapshots of all occurrences, newest first.
func (c *Corrector) Occurrences() []Occurrence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Occurrence, 0, len(c.order))
	for _, id := range slices.Backward(c.order) {
		out = append(out, c.occurrences[id].clone())
	}
	return out
}

// Stats summarizes outcomes and the most frequent patterns.
func (c *Corrector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	counts := make(map[string]int)
	for _, o := range c.occurrences {
		s.Total++
		switch o.Status {
		case StatusFixed:
			s.AutoFixed++
		case StatusEscalated:
			s.Escalated++
		case StatusFailed:
			s.Failed++
		}
		if o.PatternID != "" {
			counts[o.PatternID]++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.AutoFixed) / float64(s.Total) * 100
	}
	for id, n := range counts {
		s.TopPatterns = append(s.TopPatterns, PatternCount{PatternID: id, Count: n})
	}
	slices.SortFunc(s.TopPatterns, func(a, b PatternCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.PatternID, b.PatternID))
	})
	if len(s.TopPatterns) > topPatterns {
		s.TopPatterns = s.TopPatterns[:topPatterns]
	}
	return s
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n... (truncated)"
}
