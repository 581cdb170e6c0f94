// Package sandbox executes generated computation programs against the
// evidence bundle's bindings and nothing else. Programs are Starlark, so
// there is no filesystem, network, or import surface to escape through;
// runaway programs are stopped by a step limit and a wall clock bound.
package sandbox

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/sells-group/verity/internal/config"
)

// Result captures one sandbox run: everything the program printed plus the
// final value of each global it assigned.
type Result struct {
	Output  string            `json:"output"`
	Globals map[string]string `json:"globals,omitempty"`
	Steps   uint64            `json:"steps"`
	Elapsed time.Duration     `json:"elapsed_ns"`
}

// Runner executes programs with fixed resource bounds. A Runner is
// stateless; every Run gets a fresh thread and a fresh copy of the
// bindings.
type Runner struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewRunner builds a Runner from sandbox configuration, applying the 5s /
// 500k-step defaults when unset.
func NewRunner(cfg config.SandboxConfig) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		maxSteps = 500_000
	}
	return &Runner{timeout: timeout, maxSteps: maxSteps}
}

// Generated programs may use loops, sets, and top-level control flow; the
// step limit keeps all of it bounded.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Run executes code with vars as its only predeclared bindings, next to the
// math and json standard modules. Any evaluation error, including a
// reference to a variable outside the bundle, fails the run explicitly.
func (r *Runner) Run(ctx context.Context, code string, vars map[string]any) (*Result, error) {
	if strings.TrimSpace(code) == "" {
		return nil, eris.New("sandbox: empty program")
	}

	predeclared, err := bindVariables(vars)
	if err != nil {
		return nil, err
	}
	predeclared["math"] = starmath.Module
	predeclared["json"] = json.Module

	var printed strings.Builder
	thread := &starlark.Thread{
		Name: "verity-sandbox",
		Print: func(_ *starlark.Thread, msg string) {
			printed.WriteString(msg)
			printed.WriteByte('\n')
		},
	}
	thread.SetMaxExecutionSteps(r.maxSteps)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	stopWatch := context.AfterFunc(runCtx, func() {
		thread.Cancel("wall clock limit reached")
	})
	defer stopWatch()

	start := time.Now()
	globals, err := starlark.ExecFileOptions(fileOptions, thread, "generated.star", code, predeclared)
	elapsed := time.Since(start)

	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			zap.L().Debug("sandbox: program failed",
				zap.String("backtrace", evalErr.Backtrace()),
			)
			return nil, eris.Wrapf(err, "sandbox: execution failed: %s", evalErr.Msg)
		}
		return nil, eris.Wrap(err, "sandbox: program rejected")
	}

	result := &Result{
		Output:  strings.TrimRight(printed.String(), "\n"),
		Globals: renderGlobals(globals),
		Steps:   thread.ExecutionSteps(),
		Elapsed: elapsed,
	}
	zap.L().Debug("sandbox: program finished",
		zap.Uint64("steps", result.Steps),
		zap.Duration("elapsed", elapsed),
		zap.Int("output_bytes", len(result.Output)),
	)
	return result, nil
}

// bindVariables converts the bundle's bindings to Starlark values.
func bindVariables(vars map[string]any) (starlark.StringDict, error) {
	dict := make(starlark.StringDict, len(vars)+2)
	for name, v := range vars {
		val, err := toStarlark(v)
		if err != nil {
			return nil, eris.Wrapf(err, "sandbox: bind %s", name)
		}
		dict[name] = val
	}
	return dict, nil
}

func toStarlark(v any) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case int64:
		return starlark.MakeInt64(t), nil
	case float64:
		return starlark.Float(t), nil
	case string:
		return starlark.String(t), nil
	case []string:
		elems := make([]starlark.Value, 0, len(t))
		for _, s := range t {
			elems = append(elems, starlark.String(s))
		}
		return starlark.NewList(elems), nil
	case []map[string]any:
		elems := make([]starlark.Value, 0, len(t))
		for _, m := range t {
			val, err := toStarlark(m)
			if err != nil {
				return nil, err
			}
			elems = append(elems, val)
		}
		return starlark.NewList(elems), nil
	case []any:
		elems := make([]starlark.Value, 0, len(t))
		for _, e := range t {
			val, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, val)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val, err := toStarlark(t[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), val); err != nil {
				return nil, eris.Wrap(err, "sandbox: dict key")
			}
		}
		return d, nil
	default:
		return nil, eris.Errorf("sandbox: unsupported binding type %T", v)
	}
}

// renderGlobals reports the final value of every global the program
// assigned, for the trace. Underscore-prefixed names are kept private.
func renderGlobals(globals starlark.StringDict) map[string]string {
	if len(globals) == 0 {
		return nil
	}
	out := make(map[string]string, len(globals))
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		out[name] = v.String()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
