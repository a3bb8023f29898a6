package correction

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

// Severity ranks a pattern's impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// StepKind is what a resolution step does.
type StepKind string

const (
	StepCommand   StepKind = "command"
	StepWriteFile StepKind = "write_file"
	StepValidate  StepKind = "validate"
	// StepManual has no automated action and is logged as skipped.
	StepManual StepKind = "manual"
)

// Step is one resolution action. Exactly one of Command, File or Validate
// is expected to be set.
type Step struct {
	Name     string   `yaml:"name" toml:"name" json:"name"`
	Command  []string `yaml:"command,omitempty" toml:"command,omitempty" json:"command,omitempty"`
	File     string   `yaml:"file,omitempty" toml:"file,omitempty" json:"file,omitempty"`
	Content  string   `yaml:"content,omitempty" toml:"content,omitempty" json:"content,omitempty"`
	Validate []string `yaml:"validate,omitempty" toml:"validate,omitempty" json:"validate,omitempty"`
}

// Kind classifies the step.
func (s Step) Kind() StepKind {
	switch {
	case s.File != "":
		return StepWriteFile
	case len(s.Command) > 0:
		return StepCommand
	case len(s.Validate) > 0:
		return StepValidate
	default:
		return StepManual
	}
}

// Pattern is one row of the error pattern table.
type Pattern struct {
	ID       string `yaml:"id" toml:"id" json:"id"`
	Name     string `yaml:"name" toml:"name" json:"name"`
	Category string `yaml:"category" toml:"category" json:"category"`
	// Match is a regular expression tested against the failure message.
	Match string `yaml:"match,omitempty" toml:"match,omitempty" json:"match,omitempty"`
	// Contains is a case-insensitive substring used when Match is empty.
	Contains    string   `yaml:"contains,omitempty" toml:"contains,omitempty" json:"contains,omitempty"`
	Severity    Severity `yaml:"severity" toml:"severity" json:"severity"`
	AutoFixable bool     `yaml:"auto_fixable" toml:"auto_fixable" json:"auto_fixable"`
	Description string   `yaml:"description" toml:"description" json:"description"`
	// Hints are file name fragments that make the pattern more likely.
	Hints       []string `yaml:"hints,omitempty" toml:"hints,omitempty" json:"hints,omitempty"`
	Diagnostics []string `yaml:"diagnostics,omitempty" toml:"diagnostics,omitempty" json:"diagnostics,omitempty"`
	Steps       []Step   `yaml:"steps,omitempty" toml:"steps,omitempty" json:"steps,omitempty"`
	// Validation runs after all steps of an attempt.
	Validation []string `yaml:"validation,omitempty" toml:"validation,omitempty" json:"validation,omitempty"`
	Prevention []string `yaml:"prevention,omitempty" toml:"prevention,omitempty" json:"prevention,omitempty"`

	re *regexp.Regexp
}

// Matches reports whether the pattern recognizes msg.
func (p *Pattern) Matches(msg string) bool {
	if p.re != nil {
		return p.re.MatchString(msg)
	}
	if p.Contains == "" {
		return false
	}
	return strings.Contains(strings.ToLower(msg), strings.ToLower(p.Contains))
}

func (p Pattern) clone() Pattern {
	c := p
	c.Hints = slices.Clone(p.Hints)
	c.Diagnostics = slices.Clone(p.Diagnostics)
	c.Steps = slices.Clone(p.Steps)
	c.Validation = slices.Clone(p.Validation)
	c.Prevention = slices.Clone(p.Prevention)
	return c
}

// Failure is a task failure reported by a worker.
type Failure struct {
	TaskID      string   `json:"task_id"`
	WorkerID    string   `json:"worker_id"`
	Message     string   `json:"message"`
	Stack       string   `json:"stack,omitempty"`
	Files       []string `json:"files,omitempty"`
	Environment string   `json:"environment,omitempty"`
}

// Status is the lifecycle state of an occurrence.
type Status string

const (
	StatusDetected  Status = "detected"
	StatusFixing    Status = "fixing"
	StatusFixed     Status = "fixed"
	StatusFailed    Status = "failed"
	StatusEscalated Status = "escalated"
)

var transitions = map[Status][]Status{
	StatusDetected: {StatusFixing, StatusEscalated},
	StatusFixing:   {StatusFixing, StatusFixed, StatusFailed, StatusEscalated},
	StatusFailed:   {StatusEscalated},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// StepStatus is the outcome of one step execution.
type StepStatus string

const (
	StepSucceeded StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// LogEntry records one step of one attempt.
type LogEntry struct {
	Attempt   int        `json:"attempt"`
	Step      string     `json:"step"`
	Status    StepStatus `json:"status"`
	Output    string     `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Occurrence is one handled failure.
type Occurrence struct {
	ID               string     `json:"id"`
	PatternID        string     `json:"pattern_id,omitempty"`
	Failure          Failure    `json:"failure"`
	Status           Status     `json:"status"`
	Confidence       int        `json:"confidence"`
	Attempts         int        `json:"attempts"`
	Log              []LogEntry `json:"log,omitempty"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
	DetectedAt       time.Time  `json:"detected_at"`
	ResolvedAt       time.Time  `json:"resolved_at,omitzero"`
}

func (o *Occurrence) clone() Occurrence {
	c := *o
	c.Failure.Files = slices.Clone(o.Failure.Files)
	c.Log = slices.Clone(o.Log)
	return c
}

// Risk is the assessed danger of applying an automatic fix.
type Risk struct {
	Level       string   `json:"level"`
	Concerns    []string `json:"concerns,omitempty"`
	Mitigations []string `json:"mitigations,omitempty"`
}

// Result is the outcome of handling a failure.
type Result struct {
	OccurrenceID            string   `json:"occurrence_id"`
	PatternID               string   `json:"pattern_id,omitempty"`
	Success                 bool     `json:"success"`
	Status                  Status   `json:"status"`
	Confidence              int      `json:"confidence"`
	Attempts                int      `json:"attempts"`
	AppliedFixes            []string `json:"applied_fixes,omitempty"`
	RemainingIssues         []string `json:"remaining_issues,omitempty"`
	RecommendedActions      []string `json:"recommended_actions,omitempty"`
	NeedsManualIntervention bool     `json:"needs_manual_intervention"`
	Risk                    Risk     `json:"risk"`
}

// PatternCount is a pattern and how many occurrences it matched.
type PatternCount struct {
	PatternID string `json:"pattern_id"`
	Count     int    `json:"count"`
}

// Stats summarizes the corrector's history.
type Stats struct {
	Total       int            `json:"total"`
	AutoFixed   int            `json:"auto_fixed"`
	Escalated   int            `json:"escalated"`
	Failed      int            `json:"failed"`
	SuccessRate float64        `json:"success_rate"`
	TopPatterns []PatternCount `json:"top_patterns"`
}
