// Package correction matches task failures against a table of known error
// patterns and applies their scripted fixes.
//
// The built-in table is embedded YAML; further tables in YAML or TOML can
// be overlaid with [MergePatterns]. A pattern recognizes a failure by
// regular expression (or case-insensitive substring) and carries ordered
// resolution steps: commands, file writes and validation commands.
//
// [Corrector.Handle] scores every matching pattern (base 60, +20 for the
// match, +10 per file hint, +5 for a critical pattern in production, capped
// at 95), takes the best one and runs its steps through an [Executor]. Each
// attempt ends with the pattern's validation. Attempts repeat up to the
// retry bound, after which the occurrence is escalated. Failures without a
// match, or whose pattern is not auto-fixable, are escalated immediately.
//
// Occurrence status only moves forward:
//
//	detected -> fixing -> fixed | failed | escalated
//	detected -> escalated
//	failed   -> escalated
package correction
