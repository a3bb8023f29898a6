package conflict

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/mod/semver"
)

// Confidence constants of the built-in strategies.
const (
	mergeBaseConfidence    = 60
	mergeMaxConfidence     = 85
	mergeMinConfidence     = 30
	mergeCriticalCap       = 70
	mergeRegionBonus       = 10
	mergeRegionPenalty     = 20
	dependencyConfidence   = 80
	dependencyUnresolvable = 40
	apiBaseConfidence      = 50
	apiCompatibleBonus     = 15
	apiBreakingCap         = 60
	schemaConfidence       = 30

	// MinValidConfidence is the floor below which a resolution is rejected
	// outright rather than escalated with its proposal attached.
	MinValidConfidence = 30
)

// strategyFunc proposes a resolution. It only reads the workspace.
type strategyFunc func(r *Resolver, c Conflict) Resolution

var strategies = map[string]strategyFunc{
	"merge_standard":        func(r *Resolver, c Conflict) Resolution { return r.resolveMerge(c, false) },
	"merge_critical":        func(r *Resolver, c Conflict) Resolution { return r.resolveMerge(c, true) },
	"dependency_resolution": (*Resolver).resolveDependencies,
	"api_reconciliation":    (*Resolver).resolveAPI,
	"schema_migration":      (*Resolver).resolveSchema,
	"default":               (*Resolver).resolveManual,
}

// strategyName selects the strategy for a conflict's kind and severity.
func strategyName(c Conflict) string {
	switch c.Kind {
	case KindMerge:
		if c.Severity == SeverityCritical {
			return "merge_critical"
		}
		return "merge_standard"
	case KindDependency:
		return "dependency_resolution"
	case KindAPI:
		return "api_reconciliation"
	case KindSchema:
		return "schema_migration"
	}
	return "default"
}

func newPatcher() *diffmatchpatch.DiffMatchPatch {
	dmp := diffmatchpatch.New()
	// Context must match (nearly) exactly; fuzzy placement would silently
	// splice overlapping edits together.
	dmp.MatchThreshold = 0.01
	dmp.MatchDistance = 100000
	return dmp
}

// threeWay applies every change's base→content patches onto the first
// change's content. It returns the merged text and the number of patch
// regions that applied cleanly and that failed.
func threeWay(base string, changes []Change) (string, int, int) {
	if len(changes) == 0 {
		return "", 0, 0
	}
	dmp := newPatcher()
	result := changes[0].Content
	applied, failed := 0, 0
	for _, ch := range changes[1:] {
		if ch.Content == result {
			applied++
			continue
		}
		b := ch.Base
		if b == "" {
			b = base
		}
		if b == "" {
			failed++
			continue
		}
		patches := dmp.PatchMake(b, ch.Content)
		out, results := dmp.PatchApply(patches, result)
		for _, ok := range results {
			if ok {
				applied++
			} else {
				failed++
			}
		}
		result = out
	}
	return result, applied, failed
}

func changesByFile(changes []Change) map[string][]Change {
	out := make(map[string][]Change)
	for _, ch := range changes {
		out[ch.File] = append(out[ch.File], ch)
	}
	return out
}

func (r *Resolver) baseContent(file string, changes []Change) string {
	for _, ch := range changes {
		if ch.Base != "" {
			return ch.Base
		}
	}
	if r.workspace != nil {
		if content, err := r.workspace.Read(file); err == nil && !HasMarkers(content) {
			return content
		}
	}
	return ""
}

func (r *Resolver) resolveMerge(c Conflict, critical bool) Resolution {
	confidence := mergeBaseConfidence
	var actions []Action
	byFile := changesByFile(c.Changes)

	score := func(applied, failed int) {
		for range applied {
			confidence = min(confidence+mergeRegionBonus, mergeMaxConfidence)
		}
		for range failed {
			confidence = max(confidence-mergeRegionPenalty, mergeMinConfidence)
		}
	}

	for _, file := range c.Files {
		var (
			merged          string
			applied, failed int
		)
		if changes := byFile[file]; len(changes) >= 2 {
			merged, applied, failed = threeWay(r.baseContent(file, changes), changes)
		} else if r.workspace != nil {
			content, err := r.workspace.Read(file)
			if err != nil || !HasMarkers(content) {
				continue
			}
			merged, applied, failed = resolveMarkers(content)
		} else {
			continue
		}
		score(applied, failed)
		if failed == 0 {
			actions = append(actions, Action{Type: ActionMerge, File: file, Content: merged})
		} else {
			actions = append(actions, Action{
				Type:    ActionBackup,
				File:    file,
				NewPath: file + ".conflict.backup",
				Note:    fmt.Sprintf("%d region(s) need manual merge", failed),
			})
		}
	}

	if critical {
		confidence = min(confidence, mergeCriticalCap)
	}
	strategy := StrategyManual
	if confidence >= r.Threshold() {
		strategy = StrategyMerge
	}
	return Resolution{
		Strategy:       strategy,
		Confidence:     confidence,
		Actions:        actions,
		Reasoning:      fmt.Sprintf("Merge conflict resolution with %d%% confidence", confidence),
		BackupRequired: true,
	}
}

// CompatibleVersion picks the version most workers can agree on: the
// largest group sharing a major version (ties go to the newer major), and
// the highest version within it. Versions that are not valid semver are
// ignored. The returned string is as submitted.
func CompatibleVersion(versions []string) (string, bool) {
	type candidate struct{ raw, canon string }
	groups := make(map[string][]candidate)
	for _, v := range versions {
		canon := v
		if !strings.HasPrefix(canon, "v") {
			canon = "v" + canon
		}
		if !semver.IsValid(canon) {
			continue
		}
		major := semver.Major(canon)
		groups[major] = append(groups[major], candidate{raw: v, canon: canon})
	}
	if len(groups) == 0 {
		return "", false
	}

	var bestMajor string
	for major, members := range groups {
		if bestMajor == "" ||
			len(members) > len(groups[bestMajor]) ||
			(len(members) == len(groups[bestMajor]) && semver.Compare(major, bestMajor) > 0) {
			bestMajor = major
		}
	}
	best := groups[bestMajor][0]
	for _, c := range groups[bestMajor][1:] {
		if semver.Compare(c.canon, best.canon) > 0 {
			best = c
		}
	}
	return best.raw, true
}

// rewriteManifest replaces any of the submitted versions of pkg with the
// chosen one on lines that mention pkg.
func rewriteManifest(content, pkg string, versions []string, chosen string) string {
	others := slices.Clone(versions)
	slices.SortFunc(others, func(a, b string) int { return len(b) - len(a) })
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		idx := strings.Index(line, pkg)
		if idx < 0 {
			continue
		}
		head, tail := line[:idx+len(pkg)], line[idx+len(pkg):]
		for _, v := range others {
			if v != chosen && strings.Contains(tail, v) {
				tail = strings.Replace(tail, v, chosen, 1)
				break
			}
		}
		lines[i] = head + tail
	}
	return strings.Join(lines, "\n")
}

func (r *Resolver) resolveDependencies(c Conflict) Resolution {
	type pkgKey struct{ file, pkg string }
	versions := make(map[pkgKey][]string)
	var order []pkgKey
	for _, ch := range c.Changes {
		if ch.Package == "" || ch.Version == "" {
			continue
		}
		file := ch.File
		if file == "" {
			file = "go.mod"
		}
		k := pkgKey{file, ch.Package}
		if _, ok := versions[k]; !ok {
			order = append(order, k)
		}
		versions[k] = append(versions[k], ch.Version)
	}
	if len(order) == 0 {
		return Resolution{
			Strategy:       StrategyManual,
			Confidence:     dependencyUnresolvable,
			Reasoning:      "No dependency versions were submitted",
			BackupRequired: true,
		}
	}

	contents := make(map[string]string)
	var unresolved []string
	for _, k := range order {
		chosen, ok := CompatibleVersion(versions[k])
		if !ok {
			unresolved = append(unresolved, k.pkg)
			continue
		}
		content, seen := contents[k.file]
		if !seen && r.workspace != nil {
			content, _ = r.workspace.Read(k.file)
		}
		contents[k.file] = rewriteManifest(content, k.pkg, versions[k], chosen)
	}
	if len(unresolved) > 0 {
		return Resolution{
			Strategy:       StrategyManual,
			Confidence:     dependencyUnresolvable,
			Reasoning:      "No valid semantic versions for " + strings.Join(unresolved, ", "),
			BackupRequired: true,
		}
	}

	var actions []Action
	for _, k := range order {
		if _, done := contents[k.file]; !done {
			continue
		}
		actions = append(actions, Action{
			Type:    ActionOverwrite,
			File:    k.file,
			Content: contents[k.file],
			Note:    "pin compatible versions",
		})
		delete(contents, k.file)
	}
	return Resolution{
		Strategy:       StrategyOverride,
		Confidence:     dependencyConfidence,
		Actions:        actions,
		Reasoning:      "Dependency conflicts resolved to compatible versions",
		BackupRequired: true,
	}
}

// ClassifyImpact calls a change breaking when it removes any non-blank line
// of the base, and compatible when it only adds.
func ClassifyImpact(base, content string) Impact {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(base, content)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffDelete && strings.TrimSpace(d.Text) != "" {
			return ImpactBreaking
		}
	}
	return ImpactCompatible
}

// versionedPath places file under a v2 directory next to it.
func versionedPath(file string) string {
	return path.Join(path.Dir(file), "v2", path.Base(file))
}

func (r *Resolver) resolveAPI(c Conflict) Resolution {
	groups := make(map[string][]Change)
	var keys []string
	for _, ch := range c.Changes {
		key := ch.Symbol
		if key == "" {
			key = ch.File
		}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], ch)
	}

	confidence := apiBaseConfidence
	breaking := false
	var actions []Action
	for _, key := range keys {
		changes := groups[key]
		file := changes[0].File
		base := r.baseContent(file, changes)

		var broke []Change
		for _, ch := range changes {
			impact := ch.Impact
			if impact == "" || impact == ImpactUnknown {
				impact = ClassifyImpact(base, ch.Content)
			}
			if impact == ImpactBreaking {
				broke = append(broke, ch)
			}
		}

		if len(broke) > 0 {
			breaking = true
			for _, ch := range broke {
				actions = append(actions, Action{
					Type:    ActionCreate,
					File:    ch.File,
					NewPath: versionedPath(ch.File),
					Content: ch.Content,
					Note:    "deprecates " + ch.File,
				})
			}
			continue
		}

		merged, _, failed := threeWay(base, changes)
		if failed > 0 {
			actions = append(actions, Action{Type: ActionBackup, File: file, NewPath: file + ".conflict.backup"})
			continue
		}
		actions = append(actions, Action{Type: ActionMerge, File: file, Content: merged})
		confidence += apiCompatibleBonus
	}
	if breaking {
		confidence = min(confidence, apiBreakingCap)
	}
	confidence = min(confidence, 100)

	strategy := StrategyDelegate
	if confidence >= r.Threshold() {
		strategy = StrategyMerge
	}
	return Resolution{
		Strategy:       strategy,
		Confidence:     confidence,
		Actions:        actions,
		Reasoning:      "API conflicts analyzed for compatibility and versioning needs",
		BackupRequired: true,
	}
}

func (r *Resolver) resolveSchema(c Conflict) Resolution {
	var actions []Action
	for _, f := range c.Files {
		actions = append(actions, Action{Type: ActionBackup, File: f, NewPath: f + ".conflict.backup"})
	}
	return Resolution{
		Strategy:       StrategyManual,
		Confidence:     schemaConfidence,
		Actions:        actions,
		Reasoning:      "Schema conflicts require manual review to prevent data loss",
		BackupRequired: true,
	}
}

func (r *Resolver) resolveManual(Conflict) Resolution {
	return Resolution{
		Strategy:       StrategyManual,
		Reasoning:      "No automatic resolution available",
		BackupRequired: true,
	}
}
