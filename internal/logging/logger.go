// Package logging provides categorized zap-backed logging for machinist.
// Every subsystem logs through a named category; Init wires the shared
// core from config. Logs always go to stderr (and optionally a file):
// stdout is reserved for the sandbox child result protocol.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryLLM       Category = "llm"
	CategoryParsing   Category = "parsing"
	CategoryEmbedding Category = "embedding"
	CategoryPolicy    Category = "policy"
	CategorySandbox   Category = "sandbox"
	CategoryValidate  Category = "validate"
	CategoryLifecycle Category = "lifecycle"
	CategoryRegistry  Category = "registry"
	CategoryWorkflow  Category = "workflow"
)

// Config selects level, encoding and an optional file sink.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	File   string // optional log file, appended to stderr output
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	sugared = make(map[Category]*zap.SugaredLogger)
)

// Init builds the shared logger from config. Called once at startup;
// before Init every category logger is a no-op.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "", "info":
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", cfg.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.AddSync(os.Stderr)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(f))
	}

	replaceRoot(zap.New(zapcore.NewCore(enc, sink, level)))
	return nil
}

// Nop silences all logging. Used by tests and the sandbox child.
func Nop() {
	replaceRoot(zap.NewNop())
}

func replaceRoot(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	sugared = make(map[Category]*zap.SugaredLogger)
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Get returns the sugared logger for a category.
func Get(c Category) *zap.SugaredLogger {
	mu.RLock()
	if s, ok := sugared[c]; ok {
		mu.RUnlock()
		return s
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if s, ok := sugared[c]; ok {
		return s
	}
	s := root.Named(string(c)).Sugar()
	sugared[c] = s
	return s
}

// Convenience helpers, one pair per chatty category.

func Boot(format string, args ...interface{}) { Get(CategoryBoot).Infof(format, args...) }

func LLM(format string, args ...interface{})      { Get(CategoryLLM).Infof(format, args...) }
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debugf(format, args...) }

func Parsing(format string, args ...interface{})      { Get(CategoryParsing).Infof(format, args...) }
func ParsingDebug(format string, args ...interface{}) { Get(CategoryParsing).Debugf(format, args...) }

func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Infof(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debugf(format, args...)
}

func Policy(format string, args ...interface{})      { Get(CategoryPolicy).Infof(format, args...) }
func PolicyDebug(format string, args ...interface{}) { Get(CategoryPolicy).Debugf(format, args...) }

func Sandbox(format string, args ...interface{})      { Get(CategorySandbox).Infof(format, args...) }
func SandboxDebug(format string, args ...interface{}) { Get(CategorySandbox).Debugf(format, args...) }
func SandboxWarn(format string, args ...interface{})  { Get(CategorySandbox).Warnf(format, args...) }

func Validate(format string, args ...interface{})      { Get(CategoryValidate).Infof(format, args...) }
func ValidateDebug(format string, args ...interface{}) { Get(CategoryValidate).Debugf(format, args...) }

func Lifecycle(format string, args ...interface{}) { Get(CategoryLifecycle).Infof(format, args...) }
func LifecycleDebug(format string, args ...interface{}) {
	Get(CategoryLifecycle).Debugf(format, args...)
}
func LifecycleWarn(format string, args ...interface{}) {
	Get(CategoryLifecycle).Warnf(format, args...)
}

func Registry(format string, args ...interface{})      { Get(CategoryRegistry).Infof(format, args...) }
func RegistryDebug(format string, args ...interface{}) { Get(CategoryRegistry).Debugf(format, args...) }
func RegistryWarn(format string, args ...interface{})  { Get(CategoryRegistry).Warnf(format, args...) }

func Workflow(format string, args ...interface{})      { Get(CategoryWorkflow).Infof(format, args...) }
func WorkflowDebug(format string, args ...interface{}) { Get(CategoryWorkflow).Debugf(format, args...) }

// Timer measures operation duration and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop logs the elapsed duration at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debugf("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning when the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warnf("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debugf("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
