package correction

import (
	"bytes"
	_ "embed"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

//go:embed patterns.yaml
var defaultTable []byte

type patternFile struct {
	Patterns []Pattern `yaml:"patterns" toml:"patterns"`
}

var builtin = sync.OnceValues(func() ([]Pattern, error) {
	return ParsePatterns(defaultTable, "yaml")
})

// DefaultPatterns returns a copy of the built-in pattern table.
func DefaultPatterns() []Pattern {
	ps, err := builtin()
	if err != nil {
		panic(fmt.Sprintf("built-in error patterns: %v", err))
	}
	out := make([]Pattern, len(ps))
	for i, p := range ps {
		out[i] = p.clone()
	}
	return out
}

// LoadPatterns reads a pattern table from path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func LoadPatterns(fs afero.Fs, path string) ([]Pattern, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "reading pattern file")
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	ps, err := ParsePatterns(data, format)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return ps, nil
}

// ParsePatterns decodes and validates a pattern table in the given format
// ("yaml" or "toml").
func ParsePatterns(data []byte, format string) ([]Pattern, error) {
	var f patternFile
	switch format {
	case "toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
			return nil, errors.Wrap(err, "decoding TOML patterns")
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrap(err, "decoding YAML patterns")
		}
	default:
		return nil, errors.NewValidationError("unsupported pattern format").WithField("format").WithValue(format)
	}

	seen := make(map[string]bool, len(f.Patterns))
	for i := range f.Patterns {
		p := &f.Patterns[i]
		if err := p.compile(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, errors.NewValidationError("duplicate pattern id").WithField("id").WithValue(p.ID)
		}
		seen[p.ID] = true
	}
	return f.Patterns, nil
}

func (p *Pattern) compile() error {
	if p.ID == "" {
		return errors.NewValidationError("pattern id is required").WithField("id")
	}
	if p.Match == "" && p.Contains == "" {
		return errors.NewValidationError("pattern needs match or contains").WithField("match").WithValue(p.ID)
	}
	if p.Severity == "" {
		p.Severity = SeverityMedium
	}
	if !p.Severity.Valid() {
		return errors.NewValidationError("invalid pattern severity").WithField("severity").WithValue(p.Severity)
	}
	if p.Match != "" {
		re, err := regexp.Compile(p.Match)
		if err != nil {
			return errors.NewValidationError("invalid pattern regex").WithField("match").WithValue(p.ID).WithCause(err)
		}
		p.re = re
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	return nil
}

// MergePatterns overlays extra onto base: a pattern whose ID already exists
// replaces it in place, new IDs are appended in order.
func MergePatterns(base, extra []Pattern) []Pattern {
	out := slices.Clone(base)
	for _, p := range extra {
		if i := slices.IndexFunc(out, func(q Pattern) bool { return q.ID == p.ID }); i >= 0 {
			out[i] = p
			continue
		}
		out = append(out, p)
	}
	return out
}
