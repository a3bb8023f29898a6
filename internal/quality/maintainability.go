package quality

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strings"
)

// complexityLimit is the per-function cyclomatic complexity above which an
// issue is raised.
const complexityLimit = 10

// MaintainabilityVerifier scores Go files by cyclomatic complexity and
// maintainability index. Non-Go files are ignored.
type MaintainabilityVerifier struct{}

// NewMaintainabilityVerifier creates the verifier.
func NewMaintainabilityVerifier() *MaintainabilityVerifier {
	return &MaintainabilityVerifier{}
}

// Name returns Maintainability.
func (v *MaintainabilityVerifier) Name() string { return Maintainability }

// FuncComplexity is one function's measurements.
type FuncComplexity struct {
	Name       string
	Line       int
	Complexity int
}

// Verify parses each Go file. Average complexity up to five scores 100;
// each point above costs ten, with at most fifty deducted. Files that fail
// to parse are reported as syntax errors.
func (v *MaintainabilityVerifier) Verify(ctx context.Context, s Subject) (Report, error) {
	var (
		issues []Issue
		sum    int
		funcs  int
	)
	for _, file := range s.Files {
		if !strings.HasSuffix(file, ".go") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		content, ok := s.read(file)
		if !ok {
			continue
		}
		measured, err := Complexities(file, content)
		if err != nil {
			issues = append(issues, Issue{
				Type:     TypeError,
				Category: CategorySyntax,
				Severity: 7,
				Message:  fmt.Sprintf("Analysis failed: %v", err),
				File:     file,
			})
			continue
		}
		for _, fc := range measured {
			sum += fc.Complexity
			funcs++
			if fc.Complexity > complexityLimit {
				issues = append(issues, Issue{
					Type:     TypeWarning,
					Category: CategoryMaintainability,
					Severity: 6,
					Message:  fmt.Sprintf("High cyclomatic complexity in %s: %d", fc.Name, fc.Complexity),
					File:     file,
					Line:     fc.Line,
					Rule:     "cyclomatic",
				})
			}
		}
		if mi := MaintainabilityIndex(content, fileComplexity(measured)); mi < 20 {
			issues = append(issues, Issue{
				Type:     TypeWarning,
				Category: CategoryMaintainability,
				Severity: 4,
				Message:  fmt.Sprintf("Low maintainability index: %d", mi),
				File:     file,
				Rule:     "maintainability-index",
			})
		}
	}

	score := 100.0
	if funcs > 0 {
		avg := float64(sum) / float64(funcs)
		score = 100 - math.Min(math.Max(avg-5, 0)*10, 50)
	}
	return Report{Score: score, Issues: issues}, nil
}

// Complexities returns the cyclomatic complexity of every function and
// method declared in src.
func Complexities(filename, src string) ([]FuncComplexity, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, filename, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}
	var out []FuncComplexity
	for _, decl := range f.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		name := fn.Name.Name
		if fn.Recv != nil && len(fn.Recv.List) > 0 {
			name = receiverName(fn.Recv.List[0].Type) + "." + name
		}
		out = append(out, FuncComplexity{
			Name:       name,
			Line:       fset.Position(fn.Pos()).Line,
			Complexity: cyclomatic(fn.Body),
		})
	}
	return out, nil
}

// cyclomatic counts decision points plus one.
func cyclomatic(body ast.Node) int {
	c := 1
	ast.Inspect(body, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt:
			c++
		case *ast.CaseClause:
			if n.List != nil {
				c++
			}
		case *ast.CommClause:
			if n.Comm != nil {
				c++
			}
		case *ast.BinaryExpr:
			if n.Op == token.LAND || n.Op == token.LOR {
				c++
			}
		}
		return true
	})
	return c
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	}
	return "?"
}

func fileComplexity(funcs []FuncComplexity) int {
	c := 1
	for _, f := range funcs {
		c += f.Complexity - 1
	}
	return c
}

// MaintainabilityIndex is the classic 0..100 index computed from line count
// and complexity.
func MaintainabilityIndex(content string, complexity int) int {
	lines := float64(strings.Count(content, "\n") + 1)
	volume := lines * math.Log2(float64(complexity)+1)
	if volume <= 0 {
		return 100
	}
	mi := (171 - 5.2*math.Log(volume) - 0.23*float64(complexity) - 16.2*math.Log(lines)) * 100 / 171
	return int(math.Round(math.Max(0, math.Min(100, mi))))
}
