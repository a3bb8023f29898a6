package conflict

import (
	"slices"
	"time"
)

// Kind classifies a conflict by the files involved.
type Kind string

const (
	KindMerge      Kind = "merge"
	KindDependency Kind = "dependency"
	KindAPI        Kind = "api"
	KindSchema     Kind = "schema"
)

// Severity grades how risky a conflict is to resolve automatically.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is a conflict's position in its lifecycle:
// detected → analyzing → (resolved | escalated).
type Status string

const (
	StatusDetected  Status = "detected"
	StatusAnalyzing Status = "analyzing"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
)

// IsFinal reports whether the conflict has left the resolver's hands.
func (s Status) IsFinal() bool {
	return s == StatusResolved || s == StatusEscalated
}

// ActionType is a single step of a resolution.
type ActionType string

const (
	ActionMerge     ActionType = "merge"
	ActionOverwrite ActionType = "overwrite"
	ActionCreate    ActionType = "create"
	ActionRename    ActionType = "rename"
	ActionDelete    ActionType = "delete"
	ActionBackup    ActionType = "backup"
)

// Destructive reports whether the action replaces or removes existing
// content and therefore needs a backup first.
func (a ActionType) Destructive() bool {
	switch a {
	case ActionMerge, ActionOverwrite, ActionRename, ActionDelete:
		return true
	}
	return false
}

// Action is one file operation of a resolution. Paths are relative to the
// workspace root.
type Action struct {
	Type    ActionType `json:"type"`
	File    string     `json:"file"`
	Content string     `json:"content,omitempty"`
	NewPath string     `json:"new_path,omitempty"`
	Note    string     `json:"note,omitempty"`
}

// Strategy names recorded on resolutions.
const (
	StrategyMerge    = "merge"
	StrategyOverride = "override"
	StrategyManual   = "manual"
	StrategyDelegate = "delegate"
)

// Resolution is a strategy's proposal for a conflict.
type Resolution struct {
	Strategy       string   `json:"strategy"`
	Confidence     int      `json:"confidence"`
	Actions        []Action `json:"actions"`
	Reasoning      string   `json:"reasoning"`
	BackupRequired bool     `json:"backup_required"`
}

// Impact of an API change on existing callers.
type Impact string

const (
	ImpactBreaking   Impact = "breaking"
	ImpactCompatible Impact = "compatible"
	ImpactUnknown    Impact = "unknown"
)

// Change is one worker's contribution to a conflicted file. Which fields
// matter depends on the conflict kind: merge and api use Base and Content,
// dependency uses Package and Version, api may carry Symbol and Impact.
type Change struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id,omitempty"`
	File     string `json:"file"`
	Base     string `json:"base,omitempty"`
	Content  string `json:"content,omitempty"`
	Package  string `json:"package,omitempty"`
	Version  string `json:"version,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Impact   Impact `json:"impact,omitempty"`
}

// Analysis is attached to a conflict while it is analyzed.
type Analysis struct {
	Complexity  float64  `json:"complexity"`
	Options     []string `json:"options"`
	MarkerFiles []string `json:"marker_files,omitempty"`
}

// Conflict is a set of files touched by more than one worker or task.
type Conflict struct {
	ID               string      `json:"id"`
	Files            []string    `json:"files"`
	Kind             Kind        `json:"kind"`
	Severity         Severity    `json:"severity"`
	Workers          []string    `json:"workers"`
	Tasks            []string    `json:"tasks"`
	Status           Status      `json:"status"`
	Changes          []Change    `json:"changes,omitempty"`
	Description      string      `json:"description,omitempty"`
	Analysis         *Analysis   `json:"analysis,omitempty"`
	Resolution       *Resolution `json:"resolution,omitempty"`
	Applied          bool        `json:"applied"`
	EscalationReason string      `json:"escalation_reason,omitempty"`
	DetectedAt       time.Time   `json:"detected_at"`
	ResolvedAt       time.Time   `json:"resolved_at,omitzero"`
}

func (c Conflict) clone() Conflict {
	c.Files = slices.Clone(c.Files)
	c.Workers = slices.Clone(c.Workers)
	c.Tasks = slices.Clone(c.Tasks)
	c.Changes = slices.Clone(c.Changes)
	if c.Analysis != nil {
		a := *c.Analysis
		a.Options = slices.Clone(a.Options)
		a.MarkerFiles = slices.Clone(a.MarkerFiles)
		c.Analysis = &a
	}
	if c.Resolution != nil {
		r := *c.Resolution
		r.Actions = slices.Clone(r.Actions)
		c.Resolution = &r
	}
	return c
}

// Claim is the declared file set of an active task, used for detection.
type Claim struct {
	TaskID   string
	WorkerID string
	Files    []string
}

// Report describes a conflict observed outside the resolver, either by a
// worker or by the workspace watcher.
type Report struct {
	Files       []string
	Workers     []string
	Tasks       []string
	Kind        Kind
	Changes     []Change
	Description string
}

// Outcome is the result of resolving one conflict.
type Outcome struct {
	Conflict Conflict
	Applied  bool
	// Reason explains an escalation.
	Reason string
}

// Stats summarizes the resolver's history. Unapplied counts resolved
// conflicts whose resolution was never written because no workspace is set.
type Stats struct {
	Total              int              `json:"total"`
	Open               int              `json:"open"`
	Resolved           int              `json:"resolved"`
	Escalated          int              `json:"escalated"`
	Unapplied          int              `json:"unapplied"`
	ByKind             map[Kind]int     `json:"by_kind"`
	BySeverity         map[Severity]int `json:"by_severity"`
	AverageConfidence  float64          `json:"average_confidence"`
	AutoResolutionRate float64          `json:"auto_resolution_rate"`
}
