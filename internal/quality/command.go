package quality

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// diagnosticPattern matches the file:line[:col]: [severity:] message lines
// emitted by go vet, staticcheck, golangci-lint, tsc --pretty false, eslint
// --format unix and most compilers.
var diagnosticPattern = regexp.MustCompile(`^(.+?):(\d+)(?::(\d+))?:\s*(?:(error|warning|info)\s*:?\s*)?(.+)$`)

// CommandVerifier runs an external tool and scores its diagnostics.
type CommandVerifier struct {
	name string
	argv []string
}

// NewCommandVerifier creates a verifier named after its category that runs
// argv in the subject root.
func NewCommandVerifier(name string, argv []string) (*CommandVerifier, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.NewValidationError("verifier command is empty").WithField("command").WithValue(name)
	}
	return &CommandVerifier{name: name, argv: argv}, nil
}

// Name returns the verifier's category.
func (v *CommandVerifier) Name() string { return v.name }

// Verify runs the command. A non-zero exit with parsable diagnostics is a
// normal outcome; a non-zero exit with none is reported as one error.
func (v *CommandVerifier) Verify(ctx context.Context, s Subject) (Report, error) {
	cmd := exec.CommandContext(ctx, v.argv[0], v.argv[1:]...)
	cmd.Dir = s.Root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Report{}, fmt.Errorf("run %s: %w", v.argv[0], runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	issues := v.parse(out.String(), s)
	if exitCode != 0 && len(issues) == 0 {
		issues = append(issues, Issue{
			Type:     TypeError,
			Category: categoryFor(v.name),
			Severity: 7,
			Message:  fmt.Sprintf("%s exited with status %d: %s", v.argv[0], exitCode, lastLine(out.String())),
		})
	}
	return Report{Score: v.score(issues, exitCode), Issues: issues}, nil
}

func (v *CommandVerifier) parse(output string, s Subject) []Issue {
	var issues []Issue
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		m := diagnosticPattern.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		file := filepath.ToSlash(strings.TrimPrefix(m[1], "./"))
		if !concerns(file, s.Files) {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		is := Issue{
			Type:     TypeError,
			Category: categoryFor(v.name),
			Message:  m[5],
			File:     file,
			Line:     line,
			Column:   col,
		}
		switch {
		case m[4] == "warning" || strings.HasPrefix(strings.ToLower(m[5]), "warning"):
			is.Type = TypeWarning
			is.Severity = 4
		case m[4] == "info":
			is.Type = TypeInfo
			is.Severity = 1
		case v.name == TypeCheck:
			is.Severity = 8
		default:
			is.Severity = 7
		}
		if rule := trailingRule(m[5]); rule != "" {
			is.Rule = rule
		}
		issues = append(issues, is)
	}
	return issues
}

// score applies the category's deduction rule.
func (v *CommandVerifier) score(issues []Issue, exitCode int) float64 {
	var errs, warns int
	for _, is := range issues {
		switch is.Type {
		case TypeError:
			errs++
		case TypeWarning:
			warns++
		}
	}
	switch v.name {
	case Lint:
		return clamp(100 - 10*float64(errs) - 2*float64(warns))
	case TypeCheck:
		return clamp(100 - 15*float64(errs))
	case Tests:
		if exitCode != 0 {
			return 0
		}
	}
	return clamp(100 - 10*float64(errs) - 2*float64(warns))
}

// concerns reports whether a diagnostic's file is one of the subject's.
// An empty subject accepts everything.
func concerns(file string, files []string) bool {
	if len(files) == 0 {
		return true
	}
	for _, f := range files {
		if file == f || strings.HasSuffix(file, "/"+f) || strings.HasSuffix(f, "/"+file) {
			return true
		}
	}
	return false
}

var rulePattern = regexp.MustCompile(`\(([A-Za-z0-9_/-]+)\)\s*$`)

// trailingRule extracts "(rule-id)" suffixes like golangci-lint's.
func trailingRule(msg string) string {
	if m := rulePattern.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return ""
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
