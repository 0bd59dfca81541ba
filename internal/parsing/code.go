package parsing

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// ParseArtifact validates a code-phase reply: the fenced block must be a
// parseable main-package Go file declaring the entry function
// `func <entryPoint>(input string) (string, error)`. Returns the source.
func ParseArtifact(text, entryPoint string) (string, error) {
	code, err := ExtractFencedCode(text)
	if err != nil {
		return "", err
	}
	code = ensureMainPackage(code)

	file, err := parseGoFile(code)
	if err != nil {
		return "", fmt.Errorf("artifact does not parse: %w", err)
	}

	fn := findFunc(file, entryPoint)
	if fn == nil {
		return "", fmt.Errorf("artifact does not declare entry function %s", entryPoint)
	}
	if !hasToolSignature(fn) {
		return "", fmt.Errorf("entry function %s must be func(string) (string, error)", entryPoint)
	}
	return code, nil
}

// ParseTests validates a test-phase reply and returns the source plus
// the declared test names in declaration order. Tests are main-package
// functions `func Test_xxx() error`; a nil return is a pass.
func ParseTests(text string) (string, []string, error) {
	code, err := ExtractFencedCode(text)
	if err != nil {
		return "", nil, err
	}
	code = ensureMainPackage(code)

	file, err := parseGoFile(code)
	if err != nil {
		return "", nil, fmt.Errorf("test suite does not parse: %w", err)
	}

	var names []string
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || !strings.HasPrefix(fn.Name.Name, "Test") {
			continue
		}
		if !hasTestSignature(fn) {
			return "", nil, fmt.Errorf("test %s must be func() error", fn.Name.Name)
		}
		names = append(names, fn.Name.Name)
	}
	if len(names) == 0 {
		return "", nil, fmt.Errorf("test suite declares no Test functions")
	}
	return code, names, nil
}

// ensureMainPackage prepends a package main clause when the model
// replied with bare declarations.
func ensureMainPackage(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if strings.HasPrefix(trimmed, "package ") {
			return code
		}
		break
	}
	return "package main\n\n" + code
}

func parseGoFile(code string) (*ast.File, error) {
	fset := token.NewFileSet()
	return parser.ParseFile(fset, "generated.go", code, parser.ParseComments)
}

func findFunc(file *ast.File, name string) *ast.FuncDecl {
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == name {
			return fn
		}
	}
	return nil
}

// hasToolSignature reports whether fn is func(string) (string, error).
func hasToolSignature(fn *ast.FuncDecl) bool {
	params := fn.Type.Params
	results := fn.Type.Results
	if params == nil || results == nil {
		return false
	}
	if countFields(params) != 1 || countFields(results) != 2 {
		return false
	}
	return isIdentType(params.List[0].Type, "string") &&
		isIdentType(results.List[0].Type, "string") &&
		isIdentType(lastType(results), "error")
}

// hasTestSignature reports whether fn is func() error.
func hasTestSignature(fn *ast.FuncDecl) bool {
	params := fn.Type.Params
	results := fn.Type.Results
	if results == nil || countFields(results) != 1 {
		return false
	}
	if params != nil && countFields(params) != 0 {
		return false
	}
	return isIdentType(results.List[0].Type, "error")
}

func countFields(list *ast.FieldList) int {
	n := 0
	for _, f := range list.List {
		if len(f.Names) == 0 {
			n++
			continue
		}
		n += len(f.Names)
	}
	return n
}

func lastType(list *ast.FieldList) ast.Expr {
	return list.List[len(list.List)-1].Type
}

func isIdentType(expr ast.Expr, name string) bool {
	ident, ok := expr.(*ast.Ident)
	return ok && ident.Name == name
}
