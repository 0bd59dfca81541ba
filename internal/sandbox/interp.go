package sandbox

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"machinist/internal/tool"
)

// baseImports is the stdlib surface tool code may use without asking.
// Network, exec, syscall, unsafe, plugin and reflect never appear here
// and are not honored from a policy's extra imports either.
var baseImports = map[string]bool{
	"bufio":           true,
	"bytes":           true,
	"encoding/base64": true,
	"encoding/csv":    true,
	"encoding/hex":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/big":        true,
	"math/rand":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,

	// Virtual package backed by scratchSymbols: file access confined to
	// the invocation's scratch directory.
	"scratch": true,
}

// forbiddenImports can never be whitelisted, not even through a policy.
var forbiddenImports = []string{
	"net", "os", "syscall", "unsafe", "plugin", "reflect", "runtime",
}

// allowedImports builds the effective whitelist for a policy.
func allowedImports(policy tool.SecurityPolicy) map[string]bool {
	allowed := make(map[string]bool, len(baseImports)+len(policy.AllowedImports))
	for pkg := range baseImports {
		allowed[pkg] = true
	}
	for _, pkg := range policy.AllowedImports {
		if importForbidden(pkg) {
			continue
		}
		allowed[pkg] = true
	}
	return allowed
}

func importForbidden(pkg string) bool {
	for _, bad := range forbiddenImports {
		if pkg == bad || strings.HasPrefix(pkg, bad+"/") {
			return true
		}
	}
	return false
}

// validateImports parses source and rejects any import outside the
// whitelist. Runs before the interpreter ever sees the code.
func validateImports(source string, allowed map[string]bool) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool.go", source, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("source does not parse: %w", err)
	}

	var rejected []string
	for _, imp := range file.Imports {
		pkg := strings.Trim(imp.Path.Value, `"`)
		if !allowed[pkg] || importForbidden(pkg) {
			rejected = append(rejected, pkg)
		}
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		return fmt.Errorf("imports not permitted in sandbox: %s", strings.Join(rejected, ", "))
	}
	return nil
}

// sourceImports lists the import paths of a source file. Unparseable
// source yields an empty set; callers validate separately.
func sourceImports(source string) map[string]bool {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool.go", source, parser.ImportsOnly)
	if err != nil {
		return nil
	}
	pkgs := make(map[string]bool, len(file.Imports))
	for _, imp := range file.Imports {
		pkgs[strings.Trim(imp.Path.Value, `"`)] = true
	}
	return pkgs
}

// stripDuplicateImports drops from source every import already present
// in evaluated. Yaegi holds one package scope per session, so feeding it
// a second file that re-imports a package fails with a redeclaration
// error; the test suite has to shed the imports the artifact brought in.
func stripDuplicateImports(source string, evaluated map[string]bool) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool_test.go", source, 0)
	if err != nil {
		return "", fmt.Errorf("source does not parse: %w", err)
	}

	var decls []ast.Decl
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.IMPORT {
			decls = append(decls, decl)
			continue
		}
		var kept []ast.Spec
		for _, spec := range gen.Specs {
			imp, ok := spec.(*ast.ImportSpec)
			if !ok {
				kept = append(kept, spec)
				continue
			}
			if !evaluated[strings.Trim(imp.Path.Value, `"`)] {
				kept = append(kept, spec)
			}
		}
		if len(kept) > 0 {
			gen.Specs = kept
			decls = append(decls, gen)
		}
	}
	file.Decls = decls
	file.Imports = nil

	var buf bytes.Buffer
	if err := printer.Fprint(&buf, fset, file); err != nil {
		return "", fmt.Errorf("failed to render deduplicated source: %w", err)
	}
	return buf.String(), nil
}

// ImportAllowlist returns the effective import whitelist for a policy,
// sorted. The capability gate seeds its Datalog allow-list from this so
// promotion and execution can never disagree about what is reachable.
func ImportAllowlist(policy tool.SecurityPolicy) []string {
	allowed := allowedImports(policy)
	pkgs := make([]string, 0, len(allowed))
	for pkg := range allowed {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// evaluator is the slice of the interpreter the child code depends on;
// tests substitute it.
type evaluator interface {
	Eval(src string) (reflect.Value, error)
}

// newInterpreter builds a yaegi interpreter for one invocation. Symbol
// exposure is belt and braces: imports are validated up front, and the
// only filesystem surface is the scratch package rooted at dir.
func newInterpreter(scratchDir string) (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	if err := i.Use(scratchSymbols(scratchDir)); err != nil {
		return nil, fmt.Errorf("failed to load scratch symbols: %w", err)
	}
	return i, nil
}

// ScratchAPI returns the symbols the virtual scratch package exposes to
// tool code, keyed by name. Callers that document the API check their
// text against these values.
func ScratchAPI() map[string]reflect.Value {
	return scratchSymbols("")["scratch/scratch"]
}

// scratchSymbols exposes a tiny file API that resolves every path
// relative to the scratch directory and refuses escapes.
func scratchSymbols(dir string) interp.Exports {
	resolve := func(name string) (string, error) {
		if name == "" {
			return "", fmt.Errorf("scratch: empty file name")
		}
		if filepath.IsAbs(name) {
			return "", fmt.Errorf("scratch: absolute paths are not permitted")
		}
		clean := filepath.Clean(name)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("scratch: path escapes scratch directory")
		}
		return filepath.Join(dir, clean), nil
	}

	writeFile := func(name string, data []byte) error {
		path, err := resolve(name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	}

	readFile := func(name string) ([]byte, error) {
		path, err := resolve(name)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	}

	list := func() ([]string, error) {
		var names []string
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			names = append(names, rel)
			return nil
		})
		sort.Strings(names)
		return names, err
	}

	return interp.Exports{
		"scratch/scratch": {
			"WriteFile": reflect.ValueOf(writeFile),
			"ReadFile":  reflect.ValueOf(readFile),
			"List":      reflect.ValueOf(list),
		},
	}
}
