package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"strings"

	"machinist/internal/tool"
)

// lintSource runs the static checks of the lint phase. Findings are
// in-band data, not errors: the validator decides what fails the gate.
func lintSource(source string, policy tool.SecurityPolicy) []LintFinding {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool.go", source, parser.ParseComments)
	if err != nil {
		return []LintFinding{{Message: fmt.Sprintf("parse error: %v", err)}}
	}

	var findings []LintFinding
	report := func(pos token.Pos, format string, args ...interface{}) {
		findings = append(findings, LintFinding{
			Pos:     fset.Position(pos).String(),
			Message: fmt.Sprintf(format, args...),
		})
	}

	if file.Name.Name != "main" {
		report(file.Name.Pos(), "package must be main, got %s", file.Name.Name)
	}

	allowed := allowedImports(policy)
	imported := make(map[string]token.Pos)
	for _, imp := range file.Imports {
		pkg := strings.Trim(imp.Path.Value, `"`)
		imported[pkg] = imp.Pos()
		if !allowed[pkg] || importForbidden(pkg) {
			report(imp.Pos(), "import %q is not permitted in the sandbox", pkg)
		}
	}

	used := usedPackageNames(file)
	for pkg, pos := range imported {
		if !used[path.Base(pkg)] {
			report(pos, "unused import %q", pkg)
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch callee := calleeName(call); callee {
		case "panic":
			report(call.Pos(), "panic is not permitted; return an error instead")
		case "os.Exit", "log.Fatal", "log.Fatalf", "log.Fatalln":
			report(call.Pos(), "%s terminates the process; return an error instead", callee)
		}
		return true
	})

	return findings
}

// usedPackageNames collects every package identifier referenced through
// a selector, for the unused-import check.
func usedPackageNames(file *ast.File) map[string]bool {
	used := make(map[string]bool)
	ast.Inspect(file, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if ident, ok := sel.X.(*ast.Ident); ok && ident.Obj == nil {
			used[ident.Name] = true
		}
		return true
	})
	return used
}

func calleeName(call *ast.CallExpr) string {
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		return fn.Name
	case *ast.SelectorExpr:
		if ident, ok := fn.X.(*ast.Ident); ok {
			return ident.Name + "." + fn.Sel.Name
		}
	}
	return ""
}
