package dilution

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"deid/internal/domain"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	defaultStarlarkMaxSteps = uint64(10_000)
	defaultStarlarkTimeout  = time.Second
	maxStarlarkScriptBytes  = 64 * 1024
	starlarkEntryPoint      = "dilute"
)

// StarlarkOperation is an operation defined by a Starlark script:
//
//	name = "age_band"
//	output_type = "VARCHAR(8)"
//	description = "Ten year age bands"   # optional
//	def dilute(value):
//	    ...
type StarlarkOperation struct {
	name        string
	description string
	outputType  string
	fn          starlark.Callable
	maxSteps    uint64
	timeout     time.Duration
}

func (s *StarlarkOperation) Name() string                    { return s.name }
func (s *StarlarkOperation) Description() string             { return s.description }
func (s *StarlarkOperation) ExpectedDestinationType() string { return s.outputType }

// Apply runs dilute(value) on a fresh thread. The module globals are frozen,
// so concurrent calls are safe.
func (s *StarlarkOperation) Apply(value any) (any, error) {
	arg, err := toStarlark(value)
	if err != nil {
		return nil, err
	}
	thread := &starlark.Thread{Name: "dilute-" + s.name}
	thread.SetMaxExecutionSteps(s.maxSteps)

	var result starlark.Value
	if err := runStarlarkWithTimeout(thread, s.timeout, func() error {
		out, err := starlark.Call(thread, s.fn, starlark.Tuple{arg}, nil)
		if err != nil {
			return err
		}
		result = out
		return nil
	}); err != nil {
		return nil, fmt.Errorf("dilution %q: %w", s.name, err)
	}
	return fromStarlark(result)
}

// ParseStarlark compiles a dilution script.
func ParseStarlark(filename, src string) (*StarlarkOperation, error) {
	if len(src) > maxStarlarkScriptBytes {
		return nil, domain.ErrValidation("starlark script %q exceeds %d bytes", filename, maxStarlarkScriptBytes)
	}
	thread := &starlark.Thread{Name: "load-" + filepath.Base(filename)}
	thread.SetMaxExecutionSteps(defaultStarlarkMaxSteps)

	var globals starlark.StringDict
	if err := runStarlarkWithTimeout(thread, defaultStarlarkTimeout, func() error {
		loaded, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, filename, src, nil)
		if err != nil {
			return err
		}
		globals = loaded
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load starlark script %q: %w", filename, err)
	}
	globals.Freeze()

	name, err := stringGlobal(globals, "name", true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	outputType, err := stringGlobal(globals, "output_type", true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	description, err := stringGlobal(globals, "description", false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	fn, ok := globals[starlarkEntryPoint].(starlark.Callable)
	if !ok {
		return nil, domain.ErrValidation("%s: function %s(value) is not defined", filename, starlarkEntryPoint)
	}

	return &StarlarkOperation{
		name:        name,
		description: description,
		outputType:  outputType,
		fn:          fn,
		maxSteps:    defaultStarlarkMaxSteps,
		timeout:     defaultStarlarkTimeout,
	}, nil
}

// LoadStarlarkDir compiles every *.star file in dir, in name order.
// An empty dir argument yields no operations.
func LoadStarlarkDir(dir string) ([]Operation, error) {
	if dir == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.star"))
	if err != nil {
		return nil, fmt.Errorf("list starlark scripts: %w", err)
	}
	sort.Strings(paths)

	ops := make([]Operation, 0, len(paths))
	for _, p := range paths {
		src, err := os.ReadFile(p) //nolint:gosec // path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		op, err := ParseStarlark(filepath.Base(p), string(src))
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func stringGlobal(globals starlark.StringDict, key string, required bool) (string, error) {
	v, ok := globals[key]
	if !ok {
		if required {
			return "", domain.ErrValidation("global %q is required", key)
		}
		return "", nil
	}
	s, ok := starlark.AsString(v)
	if !ok || (required && s == "") {
		return "", domain.ErrValidation("global %q must be a non-empty string", key)
	}
	return s, nil
}

func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.String(string(x)), nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int8:
		return starlark.MakeInt64(int64(x)), nil
	case int16:
		return starlark.MakeInt64(int64(x)), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint:
		return starlark.MakeUint(x), nil
	case uint8:
		return starlark.MakeUint64(uint64(x)), nil
	case uint16:
		return starlark.MakeUint64(uint64(x)), nil
	case uint32:
		return starlark.MakeUint64(uint64(x)), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return starlark.String(x.Format("2006-01-02")), nil
		}
		return starlark.String(x.Format(time.RFC3339)), nil
	default:
		return nil, fmt.Errorf("cannot pass %T to a starlark dilution", v)
	}
}

func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.String:
		return string(x), nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("starlark dilution returned an integer out of range")
		}
		return i, nil
	case starlark.Float:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("starlark dilution returned unsupported type %s", v.Type())
	}
}

func runStarlarkWithTimeout(thread *starlark.Thread, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		return fn()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		thread.Cancel("starlark execution timed out")
		<-done
		return domain.ErrValidation("starlark execution timed out after %s", timeout)
	}
}
