package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// PrepareResult is the result of running a prompt preparer script.
type PrepareResult struct {
	Prompt  string // rewritten prompt (or the refusal message when Proceed is false)
	Proceed bool   // if false, the pipeline is not started and Prompt is returned to the caller
}

// RunPrepare runs the Lua script at scriptPath, calling the global prepare(prompt) function.
// The script must return either a string (the new prompt) or a table with
// proceed (bool) and message (string) to refuse the request.
// Scripts can use os.getenv for environment variables; io and the rest of
// os are not available.
func RunPrepare(ctx context.Context, scriptPath, prompt string) (*PrepareResult, error) {
	lState := newSandbox()
	defer lState.Close()
	if ctx != nil {
		lState.SetContext(ctx)
	}

	absPath, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	if err := lState.DoFile(absPath); err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}

	fn := lState.GetGlobal("prepare")
	if fn.Type() == lua.LTNil {
		return nil, fmt.Errorf("script must define global function prepare(prompt)")
	}
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("prepare must be a function, got %s", fn.Type().String())
	}

	lState.Push(fn)
	lState.Push(lua.LString(prompt))
	if err := lState.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("prepare(): %w", err)
	}

	ret := lState.Get(-1)
	lState.Pop(1)

	switch ret.Type() {
	case lua.LTString:
		return &PrepareResult{Prompt: ret.String(), Proceed: true}, nil
	case lua.LTTable:
		tbl := ret.(*lua.LTable)
		proceed := true
		var message string
		tbl.ForEach(func(k, v lua.LValue) {
			if k.String() == "proceed" && v.Type() == lua.LTBool {
				proceed = v.(lua.LBool) == lua.LTrue
			}
			if k.String() == "message" && v.Type() == lua.LTString {
				message = v.String()
			}
		})
		if proceed && message == "" {
			message = prompt
		}
		return &PrepareResult{Prompt: message, Proceed: proceed}, nil
	default:
		return nil, fmt.Errorf("prepare() must return string or table { proceed, message }, got %s", ret.Type().String())
	}
}

// RejectedError is returned by Preparer when the script refuses a prompt.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "prompt rejected"
	}
	return "prompt rejected: " + e.Message
}

// Preparer runs a preparer script before each pipeline request.
type Preparer struct {
	path string
}

func NewPreparer(path string) (*Preparer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("prepare script: %w", err)
	}
	return &Preparer{path: path}, nil
}

func (p *Preparer) Prepare(ctx context.Context, prompt string) (string, error) {
	res, err := RunPrepare(ctx, p.path, prompt)
	if err != nil {
		return "", err
	}
	if !res.Proceed {
		return "", &RejectedError{Message: res.Prompt}
	}
	return res.Prompt, nil
}

// newSandbox opens the package, base, table, string and math libraries and
// a reduced os module, reachable both as the global os and via require.
func newSandbox() *lua.LState {
	lState := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		lState.Push(lState.NewFunction(lib.open))
		lState.Push(lua.LString(lib.name))
		lState.Call(1, 0)
	}
	// base file loaders would bypass the sandbox
	lState.SetGlobal("dofile", lua.LNil)
	lState.SetGlobal("loadfile", lua.LNil)

	lState.PreloadModule("os", osModuleLoader)
	lState.Push(lState.NewFunction(osModuleLoader))
	lState.Call(0, 1)
	lState.SetGlobal("os", lState.Get(-1))
	lState.Pop(1)
	return lState
}

// osModuleLoader provides a minimal os module: getenv and time.
func osModuleLoader(lState *lua.LState) int {
	mod := lState.NewTable()
	lState.SetField(mod, "getenv", lState.NewFunction(func(ls *lua.LState) int {
		key := ls.CheckString(1)
		val := os.Getenv(key)
		ls.Push(lua.LString(val))
		return 1
	}))
	lState.SetField(mod, "time", lState.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	lState.Push(mod)
	return 1
}
