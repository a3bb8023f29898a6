// Package quality implements the gate a task's work must pass before it is
// accepted as completed.
//
// A Gate runs a set of Verifiers concurrently over the files a task
// declared plus the artifacts its worker reported. Each verifier returns a
// 0-100 score and a list of issues. The aggregate score is the weighted
// mean of the verifiers that ran, using the category weights (lint 25%,
// typecheck 20%, tests 25%, security 15%, performance 10%, maintainability
// 5%) renormalized over the categories present.
//
// The gate fails when any of these hold:
//   - the score is below the task's minimum (default 80)
//   - any issue has severity 8 or more
//   - measured coverage is below the task's minimum
//   - the task requires security review and a security error was found
//
// Built-in verifiers:
//   - CommandVerifier runs an external tool and parses file:line:col
//     diagnostics
//   - CoverageVerifier scores a Go cover profile
//   - PatternVerifier scans files with a data-driven rule table (security
//     and performance)
//   - MaintainabilityVerifier measures cyclomatic complexity with go/ast
package quality
