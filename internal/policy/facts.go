package policy

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"strings"

	"machinist/internal/mangle"
)

// ExtractFacts parses Go source and emits the structural facts the
// capability policy reasons over: imports, call sites, goroutine spawns.
func ExtractFacts(source string) ([]mangle.Fact, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "generated.go", source, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	e := &factEmitter{fset: fset, fileName: "generated.go"}
	for _, imp := range file.Imports {
		e.facts = append(e.facts, mangle.Fact{
			Predicate: "ast_import",
			Args:      []interface{}{e.fileName, strings.Trim(imp.Path.Value, `"`)},
		})
	}
	ast.Walk(&factVisitor{emitter: e}, file)
	return e.facts, nil
}

type factEmitter struct {
	fset     *token.FileSet
	fileName string
	current  string
	facts    []mangle.Fact
}

func (e *factEmitter) emitCall(call *ast.CallExpr) {
	e.facts = append(e.facts, mangle.Fact{
		Predicate: "ast_call",
		Args:      []interface{}{e.current, e.exprString(call.Fun)},
	})
}

func (e *factEmitter) emitGoroutine(stmt *ast.GoStmt) {
	line := fmt.Sprintf("line:%d", e.fset.Position(stmt.Go).Line)
	e.facts = append(e.facts, mangle.Fact{
		Predicate: "ast_goroutine",
		Args:      []interface{}{e.exprString(stmt.Call.Fun), line},
	})
}

func (e *factEmitter) exprString(expr ast.Expr) string {
	var buf bytes.Buffer
	_ = printer.Fprint(&buf, e.fset, expr)
	return buf.String()
}

type factVisitor struct {
	emitter *factEmitter
}

func (v *factVisitor) Visit(node ast.Node) ast.Visitor {
	if node == nil {
		return nil
	}

	switch n := node.(type) {
	case *ast.FuncDecl:
		prev := v.emitter.current
		v.emitter.current = n.Name.Name
		if n.Body != nil {
			ast.Walk(v, n.Body)
		}
		v.emitter.current = prev
		return nil
	case *ast.FuncLit:
		prev := v.emitter.current
		v.emitter.current = fmt.Sprintf("func_literal_%d", v.emitter.fset.Position(n.Pos()).Line)
		if n.Body != nil {
			ast.Walk(v, n.Body)
		}
		v.emitter.current = prev
		return nil
	case *ast.CallExpr:
		v.emitter.emitCall(n)
	case *ast.GoStmt:
		v.emitter.emitGoroutine(n)
		return nil
	}
	return v
}
