// Package mangle wraps the Google Mangle Datalog engine behind a small
// fact/query API. Machinist uses it for capability policy evaluation
// over AST facts extracted from generated tool code.
package mangle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	_ "github.com/google/mangle/packages"
	"github.com/google/mangle/parse"
	"github.com/google/mangle/unionfind"
)

// Config holds engine limits.
type Config struct {
	FactLimit    int           `json:"fact_limit"`
	QueryTimeout time.Duration `json:"query_timeout"`
	AutoEval     bool          `json:"auto_eval"`
}

// DefaultConfig returns limits suited to per-check engines: small fact
// stores, short queries.
func DefaultConfig() Config {
	return Config{
		FactLimit:    20000,
		QueryTimeout: 5 * time.Second,
		AutoEval:     true,
	}
}

// Engine is an in-memory Mangle instance: load a schema, assert facts,
// run queries. Safe for concurrent use.
type Engine struct {
	config Config

	mu              sync.RWMutex
	store           factstore.ConcurrentFactStore
	programInfo     *analysis.ProgramInfo
	queryContext    *mengine.QueryContext
	predicateIndex  map[string]ast.PredicateSym
	schemaFragments []parse.SourceUnit
	factCount       int
}

// Fact is a single predicate instance.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
}

// String renders the fact in Datalog notation.
func (f Fact) String() string {
	args := make([]string, 0, len(f.Args))
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case string:
			if strings.HasPrefix(v, "/") {
				args = append(args, v)
			} else {
				args = append(args, fmt.Sprintf("%q", v))
			}
		case int:
			args = append(args, fmt.Sprintf("%d", v))
		case int64:
			args = append(args, fmt.Sprintf("%d", v))
		case float64:
			args = append(args, fmt.Sprintf("%f", v))
		case bool:
			if v {
				args = append(args, "/true")
			} else {
				args = append(args, "/false")
			}
		default:
			args = append(args, fmt.Sprintf("%v", v))
		}
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(args, ", "))
}

// QueryResult holds variable bindings from one query.
type QueryResult struct {
	Bindings []map[string]interface{} `json:"bindings"`
	Duration time.Duration            `json:"duration"`
}

// NewEngine creates an empty engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		config:         cfg,
		store:          factstore.NewConcurrentFactStore(factstore.NewSimpleInMemoryStore()),
		predicateIndex: make(map[string]ast.PredicateSym),
	}
}

// LoadSchemaString parses and analyzes a Mangle program (declarations
// plus rules). May be called repeatedly; fragments accumulate.
func (e *Engine) LoadSchemaString(schema string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(schema)))
	if err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.schemaFragments = append(e.schemaFragments, unit)
	if err := e.rebuildProgramLocked(); err != nil {
		return fmt.Errorf("failed to analyze schema: %w", err)
	}
	return nil
}

func (e *Engine) rebuildProgramLocked() error {
	var clauses []ast.Clause
	var decls []ast.Decl
	for _, fragment := range e.schemaFragments {
		clauses = append(clauses, fragment.Clauses...)
		decls = append(decls, fragment.Decls...)
	}

	programInfo, err := analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: clauses, Decls: decls}, nil)
	if err != nil {
		return err
	}

	e.programInfo = programInfo
	e.predicateIndex = make(map[string]ast.PredicateSym, len(programInfo.Decls))
	predToDecl := make(map[ast.PredicateSym]*ast.Decl, len(programInfo.Decls))
	for sym, decl := range programInfo.Decls {
		e.predicateIndex[sym.Symbol] = sym
		predToDecl[sym] = decl
	}

	predToRules := make(map[ast.PredicateSym][]ast.Clause)
	for _, clause := range programInfo.Rules {
		predToRules[clause.Head.Predicate] = append(predToRules[clause.Head.Predicate], clause)
	}

	e.queryContext = &mengine.QueryContext{
		PredToRules: predToRules,
		PredToDecl:  predToDecl,
		Store:       e.store,
	}
	return nil
}

// AddFact asserts a single fact.
func (e *Engine) AddFact(predicate string, args ...interface{}) error {
	return e.AddFacts([]Fact{{Predicate: predicate, Args: args}})
}

// AddFacts asserts facts in one batch, re-evaluating rules afterwards
// when auto-eval is on.
func (e *Engine) AddFacts(facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.programInfo == nil {
		return fmt.Errorf("no schema loaded")
	}

	for _, fact := range facts {
		if e.config.FactLimit > 0 && e.factCount >= e.config.FactLimit {
			return fmt.Errorf("fact limit exceeded: %d", e.config.FactLimit)
		}
		atom, err := e.factToAtomLocked(fact)
		if err != nil {
			return err
		}
		if e.store.Add(atom) {
			e.factCount++
		}
	}

	if e.config.AutoEval {
		if _, err := mengine.EvalProgramWithStats(e.programInfo, e.store); err != nil {
			return fmt.Errorf("rule evaluation failed: %w", err)
		}
	}
	return nil
}

func (e *Engine) factToAtomLocked(fact Fact) (ast.Atom, error) {
	sym, ok := e.predicateIndex[fact.Predicate]
	if !ok {
		return ast.Atom{}, fmt.Errorf("predicate %s is not declared in the schema", fact.Predicate)
	}
	if len(fact.Args) != sym.Arity {
		return ast.Atom{}, fmt.Errorf("predicate %s expects %d args, got %d", fact.Predicate, sym.Arity, len(fact.Args))
	}

	args := make([]ast.BaseTerm, len(fact.Args))
	for i, raw := range fact.Args {
		term, err := convertValue(raw)
		if err != nil {
			return ast.Atom{}, fmt.Errorf("predicate %s arg %d: %w", fact.Predicate, i, err)
		}
		args[i] = term
	}
	return ast.Atom{Predicate: sym, Args: args}, nil
}

// convertValue maps a Go value onto a Mangle base term. Strings with a
// leading slash become name constants; everything else keeps its type.
func convertValue(value interface{}) (ast.BaseTerm, error) {
	switch v := value.(type) {
	case ast.BaseTerm:
		return v, nil
	case string:
		if strings.HasPrefix(v, "/") {
			return ast.Name(v)
		}
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case float64:
		return ast.Float64(v), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	case []string:
		constants := make([]ast.Constant, len(v))
		for i, item := range v {
			constants[i] = ast.String(item)
		}
		return ast.List(constants), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported fact argument type %T", v)
		}
		return ast.String(string(encoded)), nil
	}
}

// Query evaluates a query like `?violation(V)` and returns one binding
// map per derived fact.
func (e *Engine) Query(ctx context.Context, query string) (*QueryResult, error) {
	shape, err := parseQueryShape(query)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	queryContext := e.queryContext
	if queryContext == nil {
		e.mu.RUnlock()
		return nil, fmt.Errorf("no schema loaded")
	}
	decl, ok := queryContext.PredToDecl[shape.atom.Predicate]
	if !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("predicate %s is not declared", shape.atom.Predicate.Symbol)
	}
	var mode ast.Mode
	if modes := decl.Modes(); len(modes) > 0 {
		mode = modes[0]
	} else {
		// Bare declarations carry no mode descriptors. Lookup queries
		// leave every argument unbound, so all-output is the right shape.
		mode = make(ast.Mode, len(shape.atom.Args))
		for i := range mode {
			mode[i] = ast.ArgModeOutput
		}
	}
	e.mu.RUnlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && e.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	resultChan := make(chan []map[string]interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		var results []map[string]interface{}
		err := queryContext.EvalQuery(shape.atom, mode, unionfind.New(), func(fact ast.Atom) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			row := make(map[string]interface{}, len(shape.variables))
			for _, binding := range shape.variables {
				if binding.index < len(fact.Args) {
					row[binding.name] = termToInterface(fact.Args[binding.index])
				}
			}
			results = append(results, row)
			return nil
		})
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- results
	}()

	select {
	case results := <-resultChan:
		return &QueryResult{Bindings: results, Duration: time.Since(start)}, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("query timed out after %v: %w", time.Since(start), ctx.Err())
	}
}

// FactCount returns the number of asserted facts.
func (e *Engine) FactCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.factCount
}

// Clear drops all facts, keeping the loaded schema.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = factstore.NewConcurrentFactStore(factstore.NewSimpleInMemoryStore())
	e.factCount = 0
	if e.queryContext != nil {
		e.queryContext.Store = e.store
	}
}

type queryVariable struct {
	name  string
	index int
}

type queryShape struct {
	atom      ast.Atom
	variables []queryVariable
}

func parseQueryShape(query string) (*queryShape, error) {
	clean := strings.TrimSpace(query)
	if clean == "" {
		return nil, fmt.Errorf("empty query")
	}
	clean = strings.TrimSpace(strings.TrimPrefix(clean, "?"))
	clean = strings.TrimSpace(strings.TrimSuffix(clean, "."))

	atom, err := parse.Atom(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to parse query %q: %w", query, err)
	}

	variables := make([]queryVariable, 0, len(atom.Args))
	for idx, arg := range atom.Args {
		if variable, ok := arg.(ast.Variable); ok {
			variables = append(variables, queryVariable{name: variable.Symbol, index: idx})
		}
	}
	return &queryShape{atom: atom, variables: variables}, nil
}

func termToInterface(term ast.BaseTerm) interface{} {
	switch v := term.(type) {
	case ast.Constant:
		switch v.Type {
		case ast.StringType, ast.NameType, ast.BytesType:
			return v.Symbol
		case ast.NumberType:
			return v.NumValue
		case ast.Float64Type:
			return math.Float64frombits(uint64(v.NumValue))
		default:
			return v.String()
		}
	case ast.Variable:
		return v.Symbol
	default:
		return fmt.Sprintf("%v", term)
	}
}
