package conflict

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/gobwas/glob"
)

// Built-in file classes. Patterns are gobwas globs over slash-separated
// paths relative to the workspace root; "**" crosses directories.
var (
	DefaultSchemaPatterns = []string{
		"**.sql",
		"**migrations/**",
		"**migration*",
		"**schema*",
		"**schema/**",
		"**database/**",
		"**.prisma",
	}
	DefaultAPIPatterns = []string{
		"**api/**",
		"**routes/**",
		"**.api.*",
		"**.proto",
		"**.graphql",
		"**openapi*",
		"**swagger*",
	}
	DefaultDependencyPatterns = []string{
		"**go.mod",
		"**go.sum",
		"**package.json",
		"**package-lock.json",
		"**requirements.txt",
		"**Cargo.toml",
		"**Cargo.lock",
	}
)

type fileClass struct {
	kind  Kind
	globs []glob.Glob
}

// Classifier maps files to conflict kinds through an ordered glob table.
// Earlier classes win: schema, then api, then dependency.
type Classifier struct {
	classes []fileClass
}

// NewClassifier builds a classifier from the built-in patterns extended by
// the given extra patterns per class.
func NewClassifier(schema, api, dependency []string) (*Classifier, error) {
	c := &Classifier{}
	for _, class := range []struct {
		kind  Kind
		base  []string
		extra []string
	}{
		{KindSchema, DefaultSchemaPatterns, schema},
		{KindAPI, DefaultAPIPatterns, api},
		{KindDependency, DefaultDependencyPatterns, dependency},
	} {
		fc := fileClass{kind: class.kind}
		for _, p := range append(append([]string{}, class.base...), class.extra...) {
			g, err := glob.Compile(p, '/')
			if err != nil {
				return nil, fmt.Errorf("compile %s pattern %q: %w", class.kind, p, err)
			}
			fc.globs = append(fc.globs, g)
		}
		c.classes = append(c.classes, fc)
	}
	return c, nil
}

// DefaultClassifier returns a classifier with only the built-in patterns.
func DefaultClassifier() *Classifier {
	c, err := NewClassifier(nil, nil, nil)
	if err != nil {
		panic(err)
	}
	return c
}

// FileKind classifies a single file. Unmatched files are merge conflicts.
func (c *Classifier) FileKind(file string) Kind {
	path := filepath.ToSlash(file)
	for _, class := range c.classes {
		for _, g := range class.globs {
			if g.Match(path) {
				return class.kind
			}
		}
	}
	return KindMerge
}

// Kind classifies a file set by its highest-precedence member.
func (c *Classifier) Kind(files []string) Kind {
	best := KindMerge
	for _, f := range files {
		k := c.FileKind(f)
		if kindRank[k] > kindRank[best] {
			best = k
		}
	}
	return best
}

// Severity grades a file set by its kind and size.
func (c *Classifier) Severity(files []string) Severity {
	return SeverityFor(c.Kind(files), len(files))
}

// SeverityFor grades a conflict: schema conflicts are critical, API
// conflicts or more than five files are high, otherwise severity scales
// with the file count.
func SeverityFor(kind Kind, files int) Severity {
	switch {
	case kind == KindSchema:
		return SeverityCritical
	case kind == KindAPI || files > 5:
		return SeverityHigh
	case files <= 1:
		return SeverityLow
	case files <= 3:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

var kindRank = map[Kind]int{
	KindMerge:      0,
	KindDependency: 1,
	KindAPI:        2,
	KindSchema:     3,
}

var kindWeight = map[Kind]float64{
	KindMerge:      1,
	KindDependency: 1.5,
	KindAPI:        2,
	KindSchema:     3,
}

var severityWeight = map[Severity]float64{
	SeverityLow:      1,
	SeverityMedium:   1.5,
	SeverityHigh:     2.5,
	SeverityCritical: 4,
}

// Complexity scores how hard a conflict is to untangle, rounded to one
// decimal.
func Complexity(c Conflict) float64 {
	score := 1 + 0.5*float64(len(c.Files)) + 0.3*float64(len(c.Workers))
	if w, ok := kindWeight[c.Kind]; ok {
		score *= w
	}
	if w, ok := severityWeight[c.Severity]; ok {
		score *= w
	}
	return math.Round(score*10) / 10
}

var resolutionOptions = map[Kind][]string{
	KindMerge:      {"auto-merge", "three-way-merge"},
	KindDependency: {"latest-version", "compatible-version", "lock-version"},
	KindAPI:        {"version-api", "merge-compatible", "deprecate-old"},
	KindSchema:     {"create-migration", "rollback-changes"},
}

// Options lists the resolution approaches available for a kind.
func Options(kind Kind) []string {
	return append([]string{"manual"}, resolutionOptions[kind]...)
}
