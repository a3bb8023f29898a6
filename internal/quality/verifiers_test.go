package quality

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/cover"
)

func memSubject(t *testing.T, files map[string]string) Subject {
	t.Helper()
	fs := afero.NewMemMapFs()
	var names []string
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, "/ws/"+name, []byte(content), 0o644))
		names = append(names, name)
	}
	return Subject{TaskID: "t1", Root: "/ws", Files: names, Fs: fs}
}

func TestSecurityVerifier(t *testing.T) {
	s := memSubject(t, map[string]string{
		"auth.go": "package auth\n\nconst password = \"hunter2hunter2\"\n",
		"hash.go": "package auth\n\nimport \"crypto/md5\"\n",
		"ui.js":   "el.innerHTML = input;\n",
	})
	report, err := NewSecurityVerifier(nil).Verify(context.Background(), s)
	require.NoError(t, err)

	byRule := map[string]Issue{}
	for _, is := range report.Issues {
		byRule[is.Rule] = is
	}
	require.Contains(t, byRule, "hardcoded-credential")
	cred := byRule["hardcoded-credential"]
	assert.Equal(t, TypeError, cred.Type)
	assert.Equal(t, 10, cred.Severity)
	assert.Equal(t, "auth.go", cred.File)
	assert.Equal(t, 3, cred.Line)
	assert.Equal(t, CategorySecurity, cred.Category)

	require.Contains(t, byRule, "weak-hash")
	assert.Equal(t, TypeWarning, byRule["weak-hash"].Type)
	require.Contains(t, byRule, "inner-html")

	// One error and two warnings.
	assert.InDelta(t, 100-10-3-3, report.Score, 0.001)
}

func TestSecurityVerifier_SuffixesRestrictRules(t *testing.T) {
	s := memSubject(t, map[string]string{"main.go": "x := eval(y)\n"})
	report, err := NewSecurityVerifier(nil).Verify(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 100.0, report.Score)
}

func TestPatternVerifier_MissingFilesSkipped(t *testing.T) {
	s := memSubject(t, nil)
	s.Files = []string{"not/yet/created.go"}
	report, err := NewPerformanceVerifier(nil).Verify(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 100.0, report.Score)
}

func TestPerformanceVerifier(t *testing.T) {
	s := memSubject(t, map[string]string{
		"worker.go": "package w\n\nfunc run() {\n\tfmt.Println(\"hi\")\n\ttime.Sleep(time.Second)\n}\n",
	})
	report, err := NewPerformanceVerifier(nil).Verify(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, report.Issues, 2)
	for _, is := range report.Issues {
		assert.Equal(t, TypeWarning, is.Type)
		assert.Equal(t, CategoryPerformance, is.Category)
	}
	assert.InDelta(t, 80.0, report.Score, 0.001)
}

func TestPerformanceVerifier_LargeChange(t *testing.T) {
	s := memSubject(t, map[string]string{"big.txt": strings.Repeat("a", largeChangeBytes+1)})
	report, err := NewPerformanceVerifier(nil).Verify(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, 5, report.Issues[0].Severity)
	assert.InDelta(t, 85.0, report.Score, 0.001)
}

func TestPatternVerifier_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := memSubject(t, map[string]string{"a.go": "package a\n"})
	_, err := NewSecurityVerifier(nil).Verify(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSeverityForLevel(t *testing.T) {
	tests := map[string]int{
		"critical": 10,
		"HIGH":     8,
		"moderate": 6,
		"low":      4,
		"unknown":  5,
	}
	for level, want := range tests {
		assert.Equal(t, want, SeverityForLevel(level), level)
	}
}

const branchy = `package sample

func Simple() int { return 1 }

func Branchy(xs []int, ok bool) int {
	n := 0
	for _, x := range xs {
		if x > 0 && ok {
			n++
		}
	}
	switch n {
	case 0:
		return -1
	case 1, 2:
		return 1
	default:
		return n
	}
}

type box struct{}

func (b *box) Method(a, c bool) bool { return a || c }
`

func TestComplexities(t *testing.T) {
	funcs, err := Complexities("sample.go", branchy)
	require.NoError(t, err)
	require.Len(t, funcs, 3)

	assert.Equal(t, FuncComplexity{Name: "Simple", Line: 3, Complexity: 1}, funcs[0])
	// range + if + && + two non-default cases
	assert.Equal(t, "Branchy", funcs[1].Name)
	assert.Equal(t, 6, funcs[1].Complexity)
	assert.Equal(t, "box.Method", funcs[2].Name)
	assert.Equal(t, 2, funcs[2].Complexity)
}

func TestComplexities_ParseError(t *testing.T) {
	_, err := Complexities("bad.go", "package bad\nfunc {")
	assert.Error(t, err)
}

func TestMaintainabilityVerifier(t *testing.T) {
	s := memSubject(t, map[string]string{
		"sample.go": branchy,
		"bad.go":    "package bad\nfunc {",
		"notes.md":  "# ignored",
	})
	report, err := NewMaintainabilityVerifier().Verify(context.Background(), s)
	require.NoError(t, err)

	// Average complexity (1+6+2)/3 = 3 stays under the free allowance.
	assert.Equal(t, 100.0, report.Score)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, CategorySyntax, report.Issues[0].Category)
	assert.Equal(t, "bad.go", report.Issues[0].File)
	assert.Equal(t, 7, report.Issues[0].Severity)
}

func TestMaintainabilityVerifier_HighComplexity(t *testing.T) {
	var b strings.Builder
	b.WriteString("package deep\n\nfunc Deep(x int) int {\n")
	for i := range 12 {
		b.WriteString("\tif x == ")
		b.WriteString(strings.Repeat("1", i+1))
		b.WriteString(" {\n\t\treturn x\n\t}\n")
	}
	b.WriteString("\treturn 0\n}\n")

	s := memSubject(t, map[string]string{"deep.go": b.String()})
	report, err := NewMaintainabilityVerifier().Verify(context.Background(), s)
	require.NoError(t, err)

	var found bool
	for _, is := range report.Issues {
		if is.Rule == "cyclomatic" {
			found = true
			assert.Contains(t, is.Message, "Deep: 13")
			assert.Equal(t, 3, is.Line)
		}
	}
	assert.True(t, found)
	// (13 - 5) * 10 is capped at 50.
	assert.Equal(t, 50.0, report.Score)
}

func TestMaintainabilityIndex(t *testing.T) {
	small := MaintainabilityIndex("package a\n", 1)
	large := MaintainabilityIndex(strings.Repeat("x := 1\n", 2000), 60)
	assert.Greater(t, small, large)
	assert.LessOrEqual(t, small, 100)
	assert.GreaterOrEqual(t, large, 0)
}

func TestCoverage(t *testing.T) {
	profiles := []*cover.Profile{
		{FileName: "example.com/pkg/a.go", Blocks: []cover.ProfileBlock{
			{NumStmt: 3, Count: 1},
			{NumStmt: 1, Count: 0},
		}},
		{FileName: "example.com/pkg/b.go", Blocks: []cover.ProfileBlock{
			{NumStmt: 4, Count: 0},
		}},
	}
	assert.Equal(t, 37.5, Coverage(profiles, nil))
	assert.Equal(t, 75.0, Coverage(profiles, []string{"pkg/a.go"}))
	assert.Equal(t, 0.0, Coverage(profiles, []string{"other.go"}))
}

func TestCoverageVerifier(t *testing.T) {
	s := memSubject(t, map[string]string{
		"cover.out": "mode: set\n" +
			"example.com/pkg/a.go:1.1,3.2 2 1\n" +
			"example.com/pkg/a.go:4.1,5.2 2 0\n",
	})
	s.Files = []string{"pkg/a.go"}

	v, err := NewCoverageVerifier("cover.out", nil)
	require.NoError(t, err)
	report, err := v.Verify(context.Background(), s)
	require.NoError(t, err)

	require.NotNil(t, report.Coverage)
	assert.Equal(t, 50.0, *report.Coverage)
	assert.Equal(t, 50.0, report.Score)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, CategoryTesting, report.Issues[0].Category)
}

func TestCoverageVerifier_MissingProfile(t *testing.T) {
	v, err := NewCoverageVerifier("cover.out", nil)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), memSubject(t, nil))
	assert.Error(t, err)
}

func TestNewCommandVerifier_RejectsEmpty(t *testing.T) {
	_, err := NewCommandVerifier(Lint, nil)
	assert.Error(t, err)
	_, err = NewCommandVerifier(Lint, []string{""})
	assert.Error(t, err)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandVerifier_ParsesDiagnostics(t *testing.T) {
	requireShell(t)
	v, err := NewCommandVerifier(Lint, []string{"sh", "-c",
		`printf './a.go:3:5: undefined: x (typecheck)\nb.go:1:1: warning: unused\nother.go:2: skipped\n'; exit 1`})
	require.NoError(t, err)

	report, err := v.Verify(context.Background(), Subject{Root: t.TempDir(), Files: []string{"a.go", "b.go"}})
	require.NoError(t, err)
	require.Len(t, report.Issues, 2)

	first := report.Issues[0]
	assert.Equal(t, "a.go", first.File)
	assert.Equal(t, 3, first.Line)
	assert.Equal(t, 5, first.Column)
	assert.Equal(t, TypeError, first.Type)
	assert.Equal(t, 7, first.Severity)
	assert.Equal(t, "typecheck", first.Rule)

	assert.Equal(t, TypeWarning, report.Issues[1].Type)
	assert.Equal(t, 4, report.Issues[1].Severity)
	assert.InDelta(t, 88.0, report.Score, 0.001)
}

func TestCommandVerifier_TypeCheckErrorsBlock(t *testing.T) {
	requireShell(t)
	v, err := NewCommandVerifier(TypeCheck, []string{"sh", "-c", `echo 'a.go:1:1: error: mismatched types'; exit 2`})
	require.NoError(t, err)

	report, err := v.Verify(context.Background(), Subject{Root: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, 8, report.Issues[0].Severity)
	assert.InDelta(t, 85.0, report.Score, 0.001)
}

func TestCommandVerifier_FailingTestsScoreZero(t *testing.T) {
	requireShell(t)
	v, err := NewCommandVerifier(Tests, []string{"sh", "-c", `echo 'FAIL example.com/pkg'; exit 1`})
	require.NoError(t, err)

	report, err := v.Verify(context.Background(), Subject{Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.Score)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0].Message, "exited with status 1")
	assert.Contains(t, report.Issues[0].Message, "FAIL example.com/pkg")
}

func TestCommandVerifier_CleanRun(t *testing.T) {
	requireShell(t)
	v, err := NewCommandVerifier(Lint, []string{"sh", "-c", "true"})
	require.NoError(t, err)

	report, err := v.Verify(context.Background(), Subject{Root: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 100.0, report.Score)
}

func TestCommandVerifier_MissingBinary(t *testing.T) {
	v, err := NewCommandVerifier(Lint, []string{"taskmesh-no-such-linter"})
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), Subject{Root: t.TempDir()})
	assert.Error(t, err)
}

func TestTrailingRule(t *testing.T) {
	assert.Equal(t, "errcheck", trailingRule("Error return value is not checked (errcheck)"))
	assert.Equal(t, "", trailingRule("plain message"))
}
