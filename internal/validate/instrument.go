package validate

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
)

// Instrument rewrites artifact source for the coverage phase: every
// basic block gets a hit-counter call, and a counting preamble is
// appended. Returns the instrumented source and the number of
// instrumented blocks; coverage is hits over blocks.
func Instrument(source string) (string, int, error) {
	fset := token.NewFileSet()
	// Comments are dropped on purpose: the printer cannot re-anchor
	// them around injected statements.
	file, err := parser.ParseFile(fset, "tool.go", source, 0)
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse artifact for instrumentation: %w", err)
	}

	ins := &instrumenter{}
	ast.Inspect(file, ins.visit)

	var buf bytes.Buffer
	if err := printer.Fprint(&buf, fset, file); err != nil {
		return "", 0, fmt.Errorf("failed to print instrumented artifact: %w", err)
	}
	buf.WriteString(coverPreamble)
	return buf.String(), ins.blocks, nil
}

// coverPreamble is what the sandbox child's cover mode calls into. The
// names are prefixed to stay out of generated code's way.
const coverPreamble = `

var machCoverHits = make(map[int]bool)

func machCoverHit(i int) { machCoverHits[i] = true }

func MachCoverCount() int { return len(machCoverHits) }
`

type instrumenter struct {
	blocks int
}

func (ins *instrumenter) visit(n ast.Node) bool {
	switch node := n.(type) {
	case *ast.FuncDecl:
		if node.Body != nil {
			ins.prependCounter(node.Body)
		}
	case *ast.FuncLit:
		if node.Body != nil {
			ins.prependCounter(node.Body)
		}
	case *ast.IfStmt:
		ins.prependCounter(node.Body)
		if els, ok := node.Else.(*ast.BlockStmt); ok {
			ins.prependCounter(els)
		}
	case *ast.ForStmt:
		ins.prependCounter(node.Body)
	case *ast.RangeStmt:
		ins.prependCounter(node.Body)
	case *ast.CaseClause:
		node.Body = ins.prependToList(node.Body)
	case *ast.CommClause:
		node.Body = ins.prependToList(node.Body)
	}
	return true
}

func (ins *instrumenter) prependCounter(block *ast.BlockStmt) {
	block.List = ins.prependToList(block.List)
}

func (ins *instrumenter) prependToList(list []ast.Stmt) []ast.Stmt {
	id := ins.blocks
	ins.blocks++
	counter := &ast.ExprStmt{X: &ast.CallExpr{
		Fun:  ast.NewIdent("machCoverHit"),
		Args: []ast.Expr{&ast.BasicLit{Kind: token.INT, Value: fmt.Sprintf("%d", id)}},
	}}
	return append([]ast.Stmt{counter}, list...)
}
