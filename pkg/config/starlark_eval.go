package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Hook function names looked up in a hooks script. Each deployment operation
// calls its pre hook before acting and its post hook after the stage
// transition; all hooks are optional.
const (
	HookPreProvision  = "pre_provision"
	HookPostProvision = "post_provision"
	HookPreConfigure  = "pre_configure"
	HookPostConfigure = "post_configure"
	HookPreRelease    = "pre_release"
	HookPostRelease   = "post_release"
	HookPreRun        = "pre_run"
	HookPostRun       = "post_run"
)

// defaultStarlarkTimeout bounds a single script or hook execution.
const defaultStarlarkTimeout = 30 * time.Second

// StarlarkEvaluator executes Starlark scripts safely.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = defaultStarlarkTimeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes a Starlark script with the given input and returns the
// result. Input values appear as predeclared globals; module globals that do
// not start with an underscore become the output.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	thread := newSandboxThread()
	globals, err := execWithTimeout(ctx, thread, se.timeout, func() (starlark.StringDict, error) {
		return starlark.ExecFile(thread, "config.star", script, predeclared)
	})
	if err != nil {
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, isFn := val.(starlark.Callable); isFn {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(startTime),
	}, nil
}

// Hooks is a loaded hooks script. Functions named after the Hook* constants
// are called around deployment operations; their string-dict results are
// merged into step parameters. A nil *Hooks is valid and means no hooks.
type Hooks struct {
	path    string
	timeout time.Duration
	globals starlark.StringDict
}

// LoadHooks loads and executes the hooks script at path, returning the
// callable hook set. A missing file returns (nil, nil): hooks are optional.
// The script body runs once at load; ExecFile freezes the resulting globals,
// so hook calls are safe to make concurrently.
func LoadHooks(path string, timeout time.Duration) (*Hooks, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks script %s: %w", path, err)
	}

	if timeout <= 0 {
		timeout = defaultStarlarkTimeout
	}

	thread := newSandboxThread()
	globals, err := execWithTimeout(context.Background(), thread, timeout, func() (starlark.StringDict, error) {
		return starlark.ExecFile(thread, path, string(data), starlark.StringDict{
			"struct": starlarkstruct.Default,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load hooks script %s: %w", path, err)
	}

	return &Hooks{
		path:    path,
		timeout: timeout,
		globals: globals,
	}, nil
}

// Path returns the script path the hooks were loaded from.
func (h *Hooks) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Has reports whether the script defines a callable with the given name.
func (h *Hooks) Has(name string) bool {
	if h == nil {
		return false
	}
	val, ok := h.globals[name]
	if !ok {
		return false
	}
	_, callable := val.(starlark.Callable)
	return callable
}

// Call invokes the named hook with the environment summary as its single
// argument. The hook must return a dict with string keys and values, or
// None. An undefined hook returns (nil, nil).
func (h *Hooks) Call(ctx context.Context, name string, env map[string]interface{}) (map[string]string, error) {
	if h == nil || !h.Has(name) {
		return nil, nil
	}

	fn := h.globals[name].(starlark.Callable)

	arg, err := toStarlarkValue(env)
	if err != nil {
		return nil, fmt.Errorf("failed to convert hook input: %w", err)
	}

	thread := newSandboxThread()
	var result starlark.Value
	_, err = execWithTimeout(ctx, thread, h.timeout, func() (starlark.StringDict, error) {
		var callErr error
		result, callErr = starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
		return nil, callErr
	})
	if err != nil {
		return nil, fmt.Errorf("hook %s failed: %w", name, err)
	}

	out, err := toStringDict(result)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", name, err)
	}
	return out, nil
}

// newSandboxThread returns a thread with print suppressed. Scripts get no
// filesystem or network access; only the predeclared values reach them.
func newSandboxThread() *starlark.Thread {
	return &starlark.Thread{
		Name: "gantry",
		Print: func(_ *starlark.Thread, _ string) {
			// Suppressed: hook scripts must not write to the CLI's streams.
		},
	}
}

// execWithTimeout runs fn on a separate goroutine and cancels the thread if
// the timeout or the caller's context expires first. Cancellation makes the
// interpreter abort at its next safepoint, so the goroutine does not leak on
// timeout.
func execWithTimeout(ctx context.Context, thread *starlark.Thread, timeout time.Duration, fn func() (starlark.StringDict, error)) (starlark.StringDict, error) {
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		globals, err := fn()
		done <- outcome{globals: globals, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("execution timeout")
		<-done
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("starlark execution timeout after %v", timeout)
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("starlark execution failed: %w", out.err)
		}
		return out.globals, nil
	}
}

// toStringDict converts a hook result to the string map merged into step
// parameters. None means no parameters.
func toStringDict(v starlark.Value) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := v.(starlark.NoneType); ok {
		return nil, nil
	}

	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("hook must return a dict or None, got %s", v.Type())
	}

	out := make(map[string]string, dict.Len())
	for _, item := range dict.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("hook result keys must be strings, got %s", item[0].Type())
		}
		val, ok := item[1].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("hook result value for %q must be a string, got %s", string(key), item[1].Type())
		}
		out[string(key)] = string(val)
	}
	return out, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(v)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	case starlark.Callable:
		return nil, fmt.Errorf("functions cannot be converted to output values")
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
