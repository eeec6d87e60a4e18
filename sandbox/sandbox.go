// Package sandbox runs the snippets attached to code groups.
//
// A snippet is an expression evaluated against two variables, context (the
// handler input) and variables (the merged scopes), and must produce a map
// that becomes the new context. Only an enumerated set of pure builtins and
// helper functions is reachable; time, randomness, I/O and the host process
// are not. Failures never escape: the caller always gets a usable context.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/metric"
	"github.com/carbonfay/DBCV-sub000/pkg/cache"
	"github.com/carbonfay/DBCV-sub000/pkg/dotpath"
)

// DefaultTimeout bounds one snippet run when the caller sets none.
const DefaultTimeout = 2 * time.Second

// MaxCodeLength rejects oversized snippets before compilation.
const MaxCodeLength = 16 * 1024

// Builtins is the closed set of expression builtins snippets may call.
var Builtins = []string{
	"len", "abs", "int", "float", "string", "type",
	"trim", "trimPrefix", "trimSuffix", "upper", "lower",
	"split", "splitAfter", "replace", "indexOf", "lastIndexOf",
	"hasPrefix", "hasSuffix", "join",
	"max", "min", "sum", "mean", "median", "round", "floor", "ceil",
	"keys", "values", "first", "last", "get", "take", "reverse", "uniq", "concat", "flatten", "sort", "sortBy",
	"all", "none", "any", "one", "filter", "map", "count", "find", "findIndex", "groupBy", "reduce",
	"toJSON", "fromJSON", "toBase64", "fromBase64",
}

// Config tunes the sandbox.
type Config struct {
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	CacheSize int           `json:"cache_size" yaml:"cache_size"`
}

// Sandbox compiles and runs snippets. Compiled programs are cached by
// source. Safe for concurrent use.
type Sandbox struct {
	timeout  time.Duration
	programs cache.Cache[*vm.Program]
	options  []expr.Option
	logger   *slog.Logger
}

// New creates a sandbox. registry and logger may be nil.
func New(cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Sandbox, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if logger == nil {
		logger = slog.Default()
	}
	programs, err := cache.NewLRU[*vm.Program](cfg.CacheSize, cache.WithMetrics[*vm.Program](registry, "sandbox_programs"))
	if err != nil {
		return nil, errors.WrapFatal(err, "Sandbox", "New", "program cache")
	}

	opts := []expr.Option{
		expr.Env(map[string]any{
			"context":   map[string]any{},
			"variables": map[string]any{},
		}),
		expr.DisableAllBuiltins(),
	}
	for _, name := range Builtins {
		opts = append(opts, expr.EnableBuiltin(name))
	}
	opts = append(opts, functions()...)

	return &Sandbox{
		timeout:  cfg.Timeout,
		programs: programs,
		options:  opts,
		logger:   logger.With("component", "sandbox"),
	}, nil
}

// Compile checks code and caches the program.
func (s *Sandbox) Compile(code string) (*vm.Program, error) {
	if len(code) > MaxCodeLength {
		return nil, errors.WrapInvalid(fmt.Errorf("snippet is %d bytes, limit %d", len(code), MaxCodeLength), "Sandbox", "Compile", "check size")
	}
	sum := sha256.Sum256([]byte(code))
	key := hex.EncodeToString(sum[:])
	if p, ok := s.programs.Get(key); ok {
		return p, nil
	}
	p, err := expr.Compile(code, s.options...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Sandbox", "Compile", "compile snippet")
	}
	_, _ = s.programs.Set(key, p)
	return p, nil
}

// Run evaluates code with the given context and variables. The returned map
// is always usable: on compile errors, runtime errors, timeouts or a result
// that is not an object it is input itself, and err says why.
func (s *Sandbox) Run(ctx context.Context, code string, input, variables map[string]any) (map[string]any, error) {
	if input == nil {
		input = map[string]any{}
	}
	if code == "" {
		return input, nil
	}
	program, err := s.Compile(code)
	if err != nil {
		return input, err
	}
	if variables == nil {
		variables = map[string]any{}
	}

	if err := ctx.Err(); err != nil {
		return input, errors.WrapTransient(err, "Sandbox", "Run", "run snippet")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	// The run gets its own copies: a timed out run keeps reading them after
	// Run has returned and the caller is free to write to the originals.
	env := map[string]any{
		"context":   dotpath.CloneMap(input),
		"variables": dotpath.CloneMap(variables),
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("snippet panicked: %v", r)}
			}
		}()
		// expr cannot be interrupted; a timed out run finishes in the
		// background and its result is discarded.
		v, err := expr.Run(program, env)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("Snippet timed out", "timeout", s.timeout)
		return input, errors.WrapTransient(ctx.Err(), "Sandbox", "Run", "run snippet")
	case out := <-done:
		if out.err != nil {
			return input, errors.WrapInvalid(out.err, "Sandbox", "Run", "run snippet")
		}
		result, ok := out.value.(map[string]any)
		if !ok {
			return input, errors.WrapInvalid(fmt.Errorf("snippet returned %T, want object", out.value), "Sandbox", "Run", "check result")
		}
		return result, nil
	}
}
