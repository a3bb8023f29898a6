package conflict

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

// DefaultAutoResolveThreshold is the minimum confidence for a resolution to
// be applied without review.
const DefaultAutoResolveThreshold = 70

// Resolver detects overlapping file sets, proposes resolutions and applies
// the confident ones. It is safe for concurrent use.
type Resolver struct {
	mu          sync.Mutex
	conflicts   map[string]*Conflict
	order       []string
	escalations []string
	autoResolve int

	classifier *Classifier
	workspace  *Workspace
	git        *GitBackup
	logger     *logging.Logger
	now        func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l.WithComponent("conflict")
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithClassifier replaces the default file classification table.
func WithClassifier(c *Classifier) Option {
	return func(r *Resolver) {
		if c != nil {
			r.classifier = c
		}
	}
}

// WithWorkspace sets where resolutions are applied. Without a workspace,
// confident resolutions are recorded as resolved but not executed.
func WithWorkspace(w *Workspace) Option {
	return func(r *Resolver) { r.workspace = w }
}

// WithGitBackups pins HEAD of the repository at dir before destructive
// actions and on escalation.
func WithGitBackups(dir string) Option {
	return func(r *Resolver) { r.git = NewGitBackup(dir) }
}

// WithThreshold sets the auto-resolve confidence threshold.
func WithThreshold(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.autoResolve = n
		}
	}
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		conflicts:   make(map[string]*Conflict),
		autoResolve: DefaultAutoResolveThreshold,
		classifier:  DefaultClassifier(),
		logger:      logging.NopLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetThreshold changes the auto-resolve threshold for later resolutions.
func (r *Resolver) SetThreshold(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.autoResolve = n
	r.mu.Unlock()
}

// Threshold returns the current auto-resolve threshold.
func (r *Resolver) Threshold() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autoResolve
}

// Classifier returns the file classification table in use.
func (r *Resolver) Classifier() *Classifier {
	return r.classifier
}

// Detect records a conflict for every pair of claims whose file sets
// intersect, unless the same tasks already have a conflict over the same
// files. It returns the newly recorded conflicts.
func (r *Resolver) Detect(claims []Claim) []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := make(map[string]bool, len(r.conflicts))
	for _, c := range r.conflicts {
		known[overlapKey(c.Tasks, c.Files)] = true
	}

	var found []Conflict
	for i := range claims {
		for j := i + 1; j < len(claims); j++ {
			a, b := claims[i], claims[j]
			if a.TaskID == b.TaskID {
				continue
			}
			files := intersect(a.Files, b.Files)
			if len(files) == 0 {
				continue
			}
			tasks := uniqueSorted([]string{a.TaskID, b.TaskID})
			key := overlapKey(tasks, files)
			if known[key] {
				continue
			}
			known[key] = true

			kind := r.classifier.Kind(files)
			c := r.addLocked(Conflict{
				Files:    files,
				Kind:     kind,
				Severity: SeverityFor(kind, len(files)),
				Workers:  uniqueSorted([]string{a.WorkerID, b.WorkerID}),
				Tasks:    tasks,
			})
			r.logger.Info("conflict detected",
				"conflict_id", c.ID, "kind", string(c.Kind), "severity", string(c.Severity),
				"files", strings.Join(files, ","), "tasks", strings.Join(tasks, ","))
			found = append(found, c.clone())
		}
	}
	return found
}

// Record registers a conflict observed outside the resolver. The kind is
// derived from the files when the report leaves it empty.
func (r *Resolver) Record(rep Report) (Conflict, error) {
	files := uniqueSorted(rep.Files)
	if len(files) == 0 {
		for _, ch := range rep.Changes {
			if ch.File != "" {
				files = append(files, ch.File)
			}
		}
		files = uniqueSorted(files)
	}
	if len(files) == 0 {
		return Conflict{}, errors.NewValidationError("conflict report needs at least one file").WithField("files")
	}
	kind := rep.Kind
	switch kind {
	case "":
		kind = r.classifier.Kind(files)
	case KindMerge, KindDependency, KindAPI, KindSchema:
	default:
		return Conflict{}, errors.NewValidationError("unknown conflict kind").WithField("kind").WithValue(kind)
	}

	workers := rep.Workers
	for _, ch := range rep.Changes {
		if ch.WorkerID != "" {
			workers = append(workers, ch.WorkerID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.addLocked(Conflict{
		Files:       files,
		Kind:        kind,
		Severity:    SeverityFor(kind, len(files)),
		Workers:     uniqueSorted(workers),
		Tasks:       uniqueSorted(rep.Tasks),
		Changes:     slices.Clone(rep.Changes),
		Description: rep.Description,
	})
	r.logger.Info("conflict reported",
		"conflict_id", c.ID, "kind", string(c.Kind), "severity", string(c.Severity), "files", strings.Join(files, ","))
	return c.clone(), nil
}

func (r *Resolver) addLocked(c Conflict) *Conflict {
	c.ID = uuid.NewString()
	c.Status = StatusDetected
	c.DetectedAt = r.now()
	r.conflicts[c.ID] = &c
	r.order = append(r.order, c.ID)
	return &c
}

// AddChanges attaches worker changes to an open conflict before it is
// resolved.
func (r *Resolver) AddChanges(id string, changes ...Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrConflictNotFound, id)
	}
	if c.Status != StatusDetected {
		return errors.NewConflictError("conflict is no longer open", errors.ErrInvalidTransition).WithConflictID(id)
	}
	c.Changes = append(c.Changes, changes...)
	return nil
}

// Resolve analyzes the conflict, selects a strategy by kind and severity,
// validates the proposal and applies it when its confidence reaches the
// threshold. Everything else is escalated with the analysis attached and
// no file mutation.
func (r *Resolver) Resolve(ctx context.Context, id string) (Outcome, error) {
	r.mu.Lock()
	c, ok := r.conflicts[id]
	if !ok {
		r.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", errors.ErrConflictNotFound, id)
	}
	if c.Status != StatusDetected {
		r.mu.Unlock()
		return Outcome{}, errors.NewConflictError("conflict is "+string(c.Status), errors.ErrInvalidTransition).WithConflictID(id)
	}
	c.Status = StatusAnalyzing
	c.Analysis = &Analysis{Complexity: Complexity(*c), Options: Options(c.Kind)}
	snapshot := c.clone()
	threshold := r.autoResolve
	r.mu.Unlock()

	logger := r.logger.WithConflict(id)
	if r.workspace != nil {
		snapshot.Analysis.MarkerFiles = r.ScanMarkers(snapshot.Files)
	}

	name := strategyName(snapshot)
	res := strategies[name](r, snapshot)
	logger.Debug("resolution proposed", "strategy", name, "confidence", res.Confidence, "actions", len(res.Actions))

	if err := r.Validate(res); err != nil {
		return r.escalate(id, snapshot.Analysis, res, "validation failed: "+err.Error()), nil
	}
	if snapshot.Kind == KindSchema {
		return r.escalate(id, snapshot.Analysis, res, "schema conflicts are always reviewed manually"), nil
	}
	if res.Confidence < threshold {
		return r.escalate(id, snapshot.Analysis, res,
			fmt.Sprintf("confidence %d%% below auto-resolve threshold %d%%", res.Confidence, threshold)), nil
	}
	if err := ctx.Err(); err != nil {
		return r.escalate(id, snapshot.Analysis, res, "canceled before apply"), nil
	}

	applied := false
	if r.workspace != nil {
		if err := r.apply(id, res); err != nil {
			logger.Error("applying resolution failed", "error", err)
			return r.escalate(id, snapshot.Analysis, res, "apply failed: "+err.Error()), nil
		}
		applied = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c = r.conflicts[id]
	c.Status = StatusResolved
	c.Analysis = snapshot.Analysis
	c.Resolution = &res
	c.ResolvedAt = r.now()
	c.Applied = applied
	if applied {
		logger.Info("conflict resolved", "strategy", res.Strategy, "confidence", res.Confidence)
	} else {
		logger.Warn("conflict resolved without a workspace; nothing applied", "strategy", res.Strategy, "confidence", res.Confidence)
	}
	return Outcome{Conflict: c.clone(), Applied: applied}, nil
}

func (r *Resolver) escalate(id string, analysis *Analysis, res Resolution, reason string) Outcome {
	if r.git != nil {
		if _, err := r.git.Backup(id); err != nil {
			r.logger.Warn("escalation backup failed", "conflict_id", id, "error", err)
		}
	}
	if res.Strategy != StrategyManual {
		res.Strategy = StrategyDelegate
	}
	res.Reasoning = strings.TrimSuffix(res.Reasoning, ".") + ". Escalated: " + reason

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conflicts[id]
	c.Status = StatusEscalated
	c.Analysis = analysis
	c.Resolution = &res
	c.EscalationReason = reason
	c.ResolvedAt = r.now()
	r.escalations = append(r.escalations, id)
	r.logger.Warn("conflict escalated", "conflict_id", id, "confidence", res.Confidence, "reason", reason)
	return Outcome{Conflict: c.clone(), Reason: reason}
}

// Validate rejects resolutions that cannot be applied safely: a non-delete
// action whose target is missing, a file that is both deleted and
// merged/overwritten, or confidence below MinValidConfidence.
func (r *Resolver) Validate(res Resolution) error {
	if res.Confidence < MinValidConfidence {
		return errors.NewConflictError("resolution confidence too low", errors.ErrResolutionInvalid).
			WithConfidence(res.Confidence)
	}
	types := make(map[string]map[ActionType]bool)
	for _, a := range res.Actions {
		if types[a.File] == nil {
			types[a.File] = make(map[ActionType]bool)
		}
		types[a.File][a.Type] = true
		if a.Type != ActionDelete && r.workspace != nil && !r.workspace.Exists(a.File) {
			return errors.NewConflictError("target file does not exist", errors.ErrResolutionInvalid).WithFiles(a.File)
		}
	}
	for file, set := range types {
		if set[ActionDelete] && (set[ActionMerge] || set[ActionOverwrite]) {
			return errors.NewConflictError("conflicting actions for file", errors.ErrResolutionInvalid).WithFiles(file)
		}
	}
	return nil
}

// apply backs up destructive targets then executes the actions in order.
func (r *Resolver) apply(id string, res Resolution) error {
	destructive := false
	for _, a := range res.Actions {
		if a.Type.Destructive() {
			destructive = true
			break
		}
	}
	if destructive && r.git != nil {
		if _, err := r.git.Backup(id); err != nil {
			return err
		}
	}
	if res.BackupRequired || destructive {
		if err := r.backupFiles(res.Actions); err != nil {
			return err
		}
	}
	for _, a := range res.Actions {
		if err := r.execute(a); err != nil {
			return fmt.Errorf("%s %s: %w", a.Type, a.File, err)
		}
	}
	return nil
}

func (r *Resolver) backupFiles(actions []Action) error {
	stamp := r.now().Unix()
	done := make(map[string]bool)
	for _, a := range actions {
		if !a.Type.Destructive() || done[a.File] || !r.workspace.Exists(a.File) {
			continue
		}
		done[a.File] = true
		if err := r.workspace.Copy(a.File, fmt.Sprintf("%s.backup.%d", a.File, stamp)); err != nil {
			return fmt.Errorf("%w: %s: %v", errors.ErrBackupFailed, a.File, err)
		}
	}
	return nil
}

func (r *Resolver) execute(a Action) error {
	switch a.Type {
	case ActionMerge, ActionOverwrite:
		return r.workspace.Write(a.File, a.Content)
	case ActionCreate:
		target := a.NewPath
		if target == "" {
			target = a.File
		}
		return r.workspace.Write(target, a.Content)
	case ActionRename:
		if a.NewPath == "" {
			return nil
		}
		return r.workspace.Rename(a.File, a.NewPath)
	case ActionDelete:
		return r.workspace.Remove(a.File)
	case ActionBackup:
		if a.NewPath == "" {
			return nil
		}
		return r.workspace.Copy(a.File, a.NewPath)
	}
	return fmt.Errorf("unknown action type %q", a.Type)
}

// ScanMarkers returns the files that contain git merge conflict markers.
func (r *Resolver) ScanMarkers(files []string) []string {
	if r.workspace == nil {
		return nil
	}
	var out []string
	for _, f := range files {
		content, err := r.workspace.Read(f)
		if err == nil && HasMarkers(content) {
			out = append(out, f)
		}
	}
	return out
}

// Get returns a snapshot of the conflict.
func (r *Resolver) Get(id string) (Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return Conflict{}, false
	}
	return c.clone(), true
}

// List returns every conflict in detection order.
func (r *Resolver) List() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conflicts[id].clone())
	}
	return out
}

// Open returns the conflicts not yet resolved or escalated.
func (r *Resolver) Open() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conflict
	for _, id := range r.order {
		if c := r.conflicts[id]; !c.Status.IsFinal() {
			out = append(out, c.clone())
		}
	}
	return out
}

// Escalations returns escalated conflicts in escalation order.
func (r *Resolver) Escalations() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, 0, len(r.escalations))
	for _, id := range r.escalations {
		out = append(out, r.conflicts[id].clone())
	}
	return out
}

// Covers reports whether a conflict involving both tasks over at least one
// of files has been recorded.
func (r *Resolver) Covers(taskA, taskB string, files []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conflicts {
		if slices.Contains(c.Tasks, taskA) && slices.Contains(c.Tasks, taskB) && len(intersect(c.Files, files)) > 0 {
			return true
		}
	}
	return false
}

// Stats summarizes the resolver's history.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		ByKind:     make(map[Kind]int),
		BySeverity: make(map[Severity]int),
	}
	var confidence, scored int
	for _, c := range r.conflicts {
		s.Total++
		s.ByKind[c.Kind]++
		s.BySeverity[c.Severity]++
		switch c.Status {
		case StatusResolved:
			s.Resolved++
			if !c.Applied {
				s.Unapplied++
			}
		case StatusEscalated:
			s.Escalated++
		default:
			s.Open++
		}
		if c.Resolution != nil {
			confidence += c.Resolution.Confidence
			scored++
		}
	}
	if scored > 0 {
		s.AverageConfidence = float64(confidence) / float64(scored)
	}
	if done := s.Resolved + s.Escalated; done > 0 {
		s.AutoResolutionRate = float64(s.Resolved) / float64(done) * 100
	}
	return s
}

func overlapKey(tasks, files []string) string {
	return strings.Join(tasks, ",") + "|" + strings.Join(files, ",")
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	var out []string
	for _, f := range b {
		if set[f] {
			out = append(out, f)
			delete(set, f)
		}
	}
	sort.Strings(out)
	return out
}

func uniqueSorted(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}
