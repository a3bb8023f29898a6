package quality

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/tools/cover"
)

// recommendedCoverage is the level below which a coverage warning is added.
const recommendedCoverage = 80.0

// CoverageVerifier scores a Go cover profile. When a command is set it is
// run first to produce the profile.
type CoverageVerifier struct {
	profile string
	run     *CommandVerifier
}

// NewCoverageVerifier reads profile (relative to the subject root) after
// optionally running argv.
func NewCoverageVerifier(profile string, argv []string) (*CoverageVerifier, error) {
	v := &CoverageVerifier{profile: profile}
	if len(argv) > 0 {
		run, err := NewCommandVerifier(Tests, argv)
		if err != nil {
			return nil, err
		}
		v.run = run
	}
	return v, nil
}

// Name returns Tests.
func (v *CoverageVerifier) Name() string { return Tests }

// Verify scores the statement coverage of the profile restricted to the
// subject's files. Failing test output is carried over as issues.
func (v *CoverageVerifier) Verify(ctx context.Context, s Subject) (Report, error) {
	var report Report
	if v.run != nil {
		r, err := v.run.Verify(ctx, s)
		if err != nil {
			return Report{}, err
		}
		report.Issues = r.Issues
	}

	f, err := s.Fs.Open(filepath.Join(s.Root, v.profile))
	if err != nil {
		return Report{}, fmt.Errorf("open cover profile: %w", err)
	}
	defer func() { _ = f.Close() }()
	profiles, err := cover.ParseProfilesFromReader(f)
	if err != nil {
		return Report{}, fmt.Errorf("parse cover profile: %w", err)
	}

	pct := Coverage(profiles, s.Files)
	report.Score = pct
	report.Coverage = &pct
	if pct < recommendedCoverage {
		report.Issues = append(report.Issues, Issue{
			Type:     TypeWarning,
			Category: CategoryTesting,
			Severity: 5,
			Message:  fmt.Sprintf("Test coverage is %.1f%%, below recommended %.0f%%", pct, recommendedCoverage),
		})
	}
	return report, nil
}

// Coverage returns the percentage of statements covered in profiles whose
// file is one of files. An empty files list counts every profile.
func Coverage(profiles []*cover.Profile, files []string) float64 {
	var total, covered int
	for _, p := range profiles {
		if !concerns(p.FileName, files) {
			continue
		}
		for _, b := range p.Blocks {
			total += b.NumStmt
			if b.Count > 0 {
				covered += b.NumStmt
			}
		}
	}
	if total == 0 {
		return 0
	}
	return round1(float64(covered) / float64(total) * 100)
}
