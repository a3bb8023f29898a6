package quality

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Rule is one row of a heuristic pattern table.
type Rule struct {
	ID       string
	Pattern  *regexp.Regexp
	Level    string // critical, high, moderate or low
	Message  string
	Suffixes []string // file suffixes the rule applies to; empty means all
}

// levelSeverity maps advisory levels to issue severities.
var levelSeverity = map[string]int{
	"critical": 10,
	"high":     8,
	"moderate": 6,
	"low":      4,
}

// SeverityForLevel maps an advisory level to an issue severity. Unknown
// levels are 5.
func SeverityForLevel(level string) int {
	if s, ok := levelSeverity[strings.ToLower(level)]; ok {
		return s
	}
	return 5
}

// DefaultSecurityRules flags common insecure constructs.
var DefaultSecurityRules = []Rule{
	{
		ID:      "hardcoded-credential",
		Pattern: regexp.MustCompile(`(?i)(password|passwd|secret|api_?key|access_?token)\s*[:=]+\s*["'][^"'\s]{6,}["']`),
		Level:   "critical",
		Message: "Possible hard-coded credential",
	},
	{
		ID:      "private-key",
		Pattern: regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),
		Level:   "critical",
		Message: "Private key committed to source",
	},
	{
		ID:      "tls-skip-verify",
		Pattern: regexp.MustCompile(`InsecureSkipVerify:\s*true`),
		Level:   "high",
		Message: "TLS certificate verification disabled",
	},
	{
		ID:      "sql-concatenation",
		Pattern: regexp.MustCompile(`(?i)(Sprintf|\+)\s*\(?\s*"\s*(SELECT|INSERT|UPDATE|DELETE)\s`),
		Level:   "high",
		Message: "SQL built by string formatting; use query parameters",
	},
	{
		ID:      "shell-exec",
		Pattern: regexp.MustCompile(`exec\.Command(Context)?\((ctx,\s*)?"(ba)?sh",\s*"-c"`),
		Level:   "moderate",
		Message: "Shell command execution should not include untrusted input",
	},
	{
		ID:       "eval",
		Pattern:  regexp.MustCompile(`\beval\s*\(`),
		Level:    "moderate",
		Message:  "Use of eval() can be dangerous",
		Suffixes: []string{".js", ".jsx", ".ts", ".tsx", ".py"},
	},
	{
		ID:       "inner-html",
		Pattern:  regexp.MustCompile(`innerHTML\s*=`),
		Level:    "moderate",
		Message:  "Setting innerHTML can lead to XSS vulnerabilities",
		Suffixes: []string{".js", ".jsx", ".ts", ".tsx"},
	},
	{
		ID:      "weak-hash",
		Pattern: regexp.MustCompile(`"crypto/(md5|sha1|des|rc4)"`),
		Level:   "moderate",
		Message: "Weak cryptographic primitive",
	},
	{
		ID:      "unvalidated-env",
		Pattern: regexp.MustCompile(`os\.Getenv\(|process\.env\.`),
		Level:   "low",
		Message: "Environment variables should be validated before use",
	},
}

// DefaultPerformanceRules flags common performance anti-patterns.
var DefaultPerformanceRules = []Rule{
	{
		ID:      "debug-print",
		Pattern: regexp.MustCompile(`\bfmt\.Print(ln|f)?\(|console\.log\s*\(`),
		Level:   "low",
		Message: "Debug print statements should be removed",
	},
	{
		ID:      "sleep",
		Pattern: regexp.MustCompile(`\btime\.Sleep\(`),
		Level:   "low",
		Message: "time.Sleep in production code often hides a missing synchronization point",
	},
	{
		ID:      "regexp-in-func",
		Pattern: regexp.MustCompile(`(?m)^\s+.*\bregexp\.(Must)?Compile\(`),
		Level:   "moderate",
		Message: "Regular expression compiled inside a function; hoist it to package level",
	},
	{
		ID:       "dom-lookup",
		Pattern:  regexp.MustCompile(`document\.getElementById\s*\(`),
		Level:    "moderate",
		Message:  "Direct DOM manipulation",
		Suffixes: []string{".js", ".jsx", ".ts", ".tsx"},
	},
}

// Heuristic verifier score deductions.
const (
	securityErrorPenalty   = 10
	securityWarningPenalty = 3
	performanceRulePenalty = 10
	largeChangeBytes       = 100 * 1024
	largeChangePenalty     = 15
)

// PatternVerifier scans subject files with a rule table.
type PatternVerifier struct {
	name  string
	rules []Rule
}

// NewSecurityVerifier scans with rules, or the default table when nil.
func NewSecurityVerifier(rules []Rule) *PatternVerifier {
	if rules == nil {
		rules = DefaultSecurityRules
	}
	return &PatternVerifier{name: Security, rules: rules}
}

// NewPerformanceVerifier scans with rules, or the default table when nil.
func NewPerformanceVerifier(rules []Rule) *PatternVerifier {
	if rules == nil {
		rules = DefaultPerformanceRules
	}
	return &PatternVerifier{name: Performance, rules: rules}
}

// Name returns the verifier's category.
func (v *PatternVerifier) Name() string { return v.name }

// Verify reports one issue per rule per file that matches. Files that do
// not exist yet are skipped.
func (v *PatternVerifier) Verify(ctx context.Context, s Subject) (Report, error) {
	var issues []Issue
	size := 0
	for _, file := range s.Files {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		content, ok := s.read(file)
		if !ok {
			continue
		}
		size += len(content)
		for _, r := range v.rules {
			if !appliesTo(r, file) {
				continue
			}
			loc := r.Pattern.FindStringIndex(content)
			if loc == nil {
				continue
			}
			sev := SeverityForLevel(r.Level)
			typ := TypeWarning
			if v.name == Security && sev >= 8 {
				typ = TypeError
			}
			issues = append(issues, Issue{
				Type:     typ,
				Category: categoryFor(v.name),
				Severity: sev,
				Message:  r.Message,
				File:     file,
				Line:     strings.Count(content[:loc[0]], "\n") + 1,
				Rule:     r.ID,
			})
		}
	}

	if v.name == Performance && size > largeChangeBytes {
		issues = append(issues, Issue{
			Type:     TypeWarning,
			Category: CategoryPerformance,
			Severity: 5,
			Message:  fmt.Sprintf("Change adds %dKB of source", size/1024),
		})
	}
	return Report{Score: v.score(issues, size), Issues: issues}, nil
}

func (v *PatternVerifier) score(issues []Issue, size int) float64 {
	score := 100.0
	for _, is := range issues {
		switch {
		case v.name == Security && is.Type == TypeError:
			score -= securityErrorPenalty
		case v.name == Security:
			score -= securityWarningPenalty
		case is.Rule != "":
			score -= performanceRulePenalty
		}
	}
	if v.name == Performance && size > largeChangeBytes {
		score -= largeChangePenalty
	}
	return clamp(score)
}

func appliesTo(r Rule, file string) bool {
	if len(r.Suffixes) == 0 {
		return true
	}
	for _, s := range r.Suffixes {
		if strings.HasSuffix(file, s) {
			return true
		}
	}
	return false
}
