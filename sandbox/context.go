// Package sandbox is the engine's embedded JavaScript engine (spec section
// 4.D): a pool of pooled otto runtimes exposing pm.request/pm.response/
// pm.environment/pm.globals/pm.collectionVariables/pm.test/pm.expect and a
// captured console, generalizing the teacher's jschallenge.OttoSolver (a
// single mutex-guarded otto.Otto used to solve one-off challenge scripts)
// into a pooled, capped, reusable runtime for pre/post-request hooks.
package sandbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// Limits bounds one pooled context's resource use, per spec section 4.D's
// "memory cap, stack cap, execution time cap" triple.
type Limits struct {
	MemoryBytes int64
	StackDepth  int
	Timeout     time.Duration
}

// DefaultLimits matches spec's stated defaults (64 MiB / 256 KiB / 5 s).
// StackDepth is expressed as otto's call-depth limit rather than raw
// bytes — otto has no byte-granular stack accounting, so call depth is
// the idiomatic proxy the library itself exposes.
func DefaultLimits() Limits {
	return Limits{MemoryBytes: 64 << 20, StackDepth: 512, Timeout: 5 * time.Second}
}

// TestResult is one pm.test(name, fn) outcome.
type TestResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// ScriptResult is what execute_prerequest/execute_test append to a run's
// result record, per spec section 4.D.
type ScriptResult struct {
	Success       bool         `json:"success"`
	Tests         []TestResult `json:"tests"`
	ConsoleOutput []string     `json:"consoleOutput"`
	ErrorMessage  string       `json:"errorMessage,omitempty"`
}

// errScriptTimeout is the sentinel the Interrupt channel panics with to
// abort a runaway script; otto's documented interruption mechanism is a
// buffered channel of funcs the VM polls between bytecode steps, and the
// func it runs when fired is expected to panic to unwind the Run call.
var errScriptTimeout = fmt.Errorf("sandbox: script exceeded time limit")

// Context is one pooled script runtime. Reset between uses deletes any
// global added by the previous script and clears the console/response
// cache, instead of discarding and recreating the underlying otto.Otto —
// spec's stated reason for pooling in the first place.
type Context struct {
	vm     *otto.Otto
	limits Limits

	baselineKeys map[string]bool

	responseBody        []byte
	responseJSONCache   interface{}
	responseJSONCached  bool
}

func newContext(limits Limits) (*Context, error) {
	vm := otto.New()
	vm.SetStackDepthLimit(limits.StackDepth)
	vm.Interrupt = make(chan func(), 1)

	c := &Context{vm: vm, limits: limits}
	if err := vm.Set("__responseJSON", c.responseJSONFn()); err != nil {
		return nil, fmt.Errorf("sandbox: bind __responseJSON: %w", err)
	}

	if _, err := vm.Run(prelude); err != nil {
		return nil, fmt.Errorf("sandbox: bootstrap prelude: %w", err)
	}

	keys, err := c.globalKeys()
	if err != nil {
		return nil, fmt.Errorf("sandbox: snapshot baseline globals: %w", err)
	}
	c.baselineKeys = keys
	return c, nil
}

func (c *Context) responseJSONFn() func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		if !c.responseJSONCached {
			var v interface{}
			if err := json.Unmarshal(c.responseBody, &v); err == nil {
				c.responseJSONCache = v
			}
			c.responseJSONCached = true
		}
		val, err := c.vm.ToValue(c.responseJSONCache)
		if err != nil {
			return otto.UndefinedValue()
		}
		return val
	}
}

func (c *Context) globalKeys() (map[string]bool, error) {
	val, err := c.vm.Run(`JSON.stringify(Object.keys(this))`)
	if err != nil {
		return nil, err
	}
	s, err := val.ToString()
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal([]byte(s), &names); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

// bind rebinds the pm.environment/globals/collectionVariables surface to
// the stores for the current execution — cheap compared to a fresh VM.
func (c *Context) bind(env, globals, coll *VarStore) {
	bindGet := func(name string, store *VarStore) {
		c.vm.Set(name, func(call otto.FunctionCall) otto.Value { //nolint:errcheck
			v, _ := c.vm.ToValue(store.Get(call.Argument(0).String()))
			return v
		})
	}
	bindSet := func(name string, store *VarStore) {
		c.vm.Set(name, func(call otto.FunctionCall) otto.Value { //nolint:errcheck
			store.Set(call.Argument(0).String(), call.Argument(1).String())
			return otto.UndefinedValue()
		})
	}
	bindUnset := func(name string, store *VarStore) {
		c.vm.Set(name, func(call otto.FunctionCall) otto.Value { //nolint:errcheck
			store.Unset(call.Argument(0).String())
			return otto.UndefinedValue()
		})
	}

	bindGet("__envGet", env)
	bindSet("__envSet", env)
	bindUnset("__envUnset", env)
	bindGet("__globalsGet", globals)
	bindSet("__globalsSet", globals)
	bindUnset("__globalsUnset", globals)
	bindGet("__collGet", coll)
	bindSet("__collSet", coll)
	bindUnset("__collUnset", coll)
}

type headerView struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type bodyView struct {
	Mode string `json:"mode"`
	Text string `json:"text"`
}

type requestView struct {
	Method  string       `json:"method"`
	URL     string       `json:"url"`
	Headers []headerView `json:"headers"`
	Body    *bodyView    `json:"body,omitempty"`
}

func bodyTextLen(b *model.Body) int {
	if b == nil {
		return 0
	}
	return len(b.Text)
}

func newRequestView(req *model.Request) requestView {
	v := requestView{Method: string(req.Method), URL: req.URL}
	for _, h := range req.Headers {
		v.Headers = append(v.Headers, headerView{Name: h.Name, Value: h.Value})
	}
	if req.Body != nil {
		v.Body = &bodyView{Mode: string(req.Body.Mode), Text: req.Body.Text}
	}
	return v
}

func (c *Context) setRequestObject(req *model.Request) error {
	data, err := json.Marshal(newRequestView(req))
	if err != nil {
		return err
	}
	_, err = c.vm.Run(fmt.Sprintf("pm.request = %s;", data))
	return err
}

// readRequestObject reads pm.request back after a pre-request script runs
// and applies any mutation (headers, URL, body) onto a clone of base.
func (c *Context) readRequestObject(base *model.Request) (*model.Request, error) {
	val, err := c.vm.Run(`JSON.stringify(pm.request)`)
	if err != nil {
		return nil, err
	}
	s, err := val.ToString()
	if err != nil {
		return nil, err
	}
	var view requestView
	if err := json.Unmarshal([]byte(s), &view); err != nil {
		return nil, err
	}

	out := base.Clone()
	out.Method = model.Method(view.Method)
	out.URL = view.URL
	out.Headers = nil
	for _, h := range view.Headers {
		out.SetHeader(h.Name, h.Value)
	}
	if view.Body != nil {
		out.Body = &model.Body{Mode: model.BodyMode(view.Body.Mode), Text: view.Body.Text}
	}
	return out, nil
}

type responseView struct {
	Code    int               `json:"code"`
	Status  string            `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (c *Context) setResponseObject(resp *model.Response) error {
	view := responseView{Code: resp.StatusCode, Status: resp.StatusText, Headers: resp.Headers, Body: string(resp.Body)}
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	c.responseBody = resp.Body
	c.responseJSONCache = nil
	c.responseJSONCached = false
	_, err = c.vm.Run(fmt.Sprintf("pm.response = %s; pm.response.json = function() { return __responseJSON(); };", data))
	return err
}

// checkMemory approximates spec's memory cap: otto exposes no live heap
// introspection (unlike embedding V8, where SetMemoryLimit-equivalent APIs
// exist), so this counts the known size of the script source plus its
// bound inputs against the cap and rejects up front rather than silently
// ignoring the limit. True live heap metering is not achievable with this
// engine — an intentional, documented deviation (see DESIGN.md).
func (c *Context) checkMemory(script string, extra int) error {
	used := int64(len(script) + extra)
	if used > c.limits.MemoryBytes {
		return vayuerr.New(vayuerr.KindScriptError,
			fmt.Sprintf("script and bound inputs (%d bytes) exceed memory cap (%d bytes)", used, c.limits.MemoryBytes))
	}
	return nil
}

// run executes script under the context's time limit, translating a
// timeout, stack overflow, or thrown exception into a ScriptError —
// recoverable per spec section 4.D ("the offending request is recorded as
// a script-failure but the run continues").
func (c *Context) run(script string) (*ScriptResult, error) {
	timer := time.AfterFunc(c.limits.Timeout, func() {
		c.vm.Interrupt <- func() { panic(errScriptTimeout) }
	})
	defer timer.Stop()

	var runErr error
	var panicVal interface{}
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
		}()
		_, runErr = c.vm.Run(script)
	}()

	console := c.readConsole()

	if panicVal != nil {
		var scriptErr *vayuerr.Error
		if panicVal == errScriptTimeout {
			scriptErr = vayuerr.New(vayuerr.KindScriptError, "script exceeded time limit")
		} else {
			scriptErr = vayuerr.New(vayuerr.KindScriptError, fmt.Sprintf("script panic: %v", panicVal))
		}
		return &ScriptResult{Success: false, ConsoleOutput: console, ErrorMessage: scriptErr.Message}, scriptErr
	}
	if runErr != nil {
		scriptErr := vayuerr.Wrap(vayuerr.KindScriptError, "script execution failed", runErr)
		return &ScriptResult{Success: false, ConsoleOutput: console, ErrorMessage: scriptErr.Error()}, scriptErr
	}

	tests := c.readTests()
	success := true
	for _, tr := range tests {
		if !tr.Passed {
			success = false
			break
		}
	}
	return &ScriptResult{Success: success, Tests: tests, ConsoleOutput: console}, nil
}

func (c *Context) readConsole() []string {
	val, err := c.vm.Run(`JSON.stringify(__console)`)
	if err != nil {
		return nil
	}
	s, err := val.ToString()
	if err != nil {
		return nil
	}
	var out []string
	json.Unmarshal([]byte(s), &out) //nolint:errcheck
	return out
}

func (c *Context) readTests() []TestResult {
	val, err := c.vm.Run(`JSON.stringify(__tests)`)
	if err != nil {
		return nil
	}
	s, err := val.ToString()
	if err != nil {
		return nil
	}
	var out []TestResult
	json.Unmarshal([]byte(s), &out) //nolint:errcheck
	return out
}

// ExecutePrerequest runs script with pm.request/pm.environment/pm.globals/
// pm.collectionVariables bound, returning the (possibly mutated) request
// alongside the script's test/console output. req is left untouched;
// callers use the returned *model.Request for dispatch.
func (c *Context) ExecutePrerequest(script string, req *model.Request, env, globals, coll *VarStore) (*model.Request, *ScriptResult, error) {
	if err := c.checkMemory(script, len(req.URL)+bodyTextLen(req.Body)); err != nil {
		return req, &ScriptResult{Success: false, ErrorMessage: err.Error()}, err
	}

	c.reset()
	c.bind(env, globals, coll)
	if err := c.setRequestObject(req); err != nil {
		return req, nil, vayuerr.Wrap(vayuerr.KindScriptError, "bind pm.request", err)
	}

	result, err := c.run(script)
	if err != nil {
		return req, result, err
	}

	mutated, err := c.readRequestObject(req)
	if err != nil {
		return req, result, vayuerr.Wrap(vayuerr.KindScriptError, "read mutated pm.request", err)
	}
	return mutated, result, nil
}

// ExecuteTest runs a post-request script with pm.request, pm.response (with
// a cached .json()), and the three variable scopes bound.
func (c *Context) ExecuteTest(script string, req *model.Request, resp *model.Response, env, globals, coll *VarStore) (*ScriptResult, error) {
	if err := c.checkMemory(script, len(resp.Body)); err != nil {
		return &ScriptResult{Success: false, ErrorMessage: err.Error()}, err
	}

	c.reset()
	c.bind(env, globals, coll)
	if err := c.setRequestObject(req); err != nil {
		return nil, vayuerr.Wrap(vayuerr.KindScriptError, "bind pm.request", err)
	}
	if err := c.setResponseObject(resp); err != nil {
		return nil, vayuerr.Wrap(vayuerr.KindScriptError, "bind pm.response", err)
	}

	return c.run(script)
}

// reset clears any global the previous script added, re-running the
// baseline snapshot diff rather than recreating the VM — spec's stated
// reset semantics ("clear user globals, re-bind pm.*, zero console").
// The Go-bound variable-scope functions and pm.request are set again by
// bind/setRequestObject before each script (pm.response by
// setResponseObject), so reset only strips leftover user globals and
// blanks the console/test buffers; other properties of the prelude's pm
// and console objects are not restored.
func (c *Context) reset() {
	keys, err := c.globalKeys()
	if err == nil {
		for k := range keys {
			if !c.baselineKeys[k] {
				c.vm.Run(fmt.Sprintf("delete this[%q];", k)) //nolint:errcheck
			}
		}
	}
	c.vm.Run(`__console = []; __tests = [];`) //nolint:errcheck
	c.responseBody = nil
	c.responseJSONCache = nil
	c.responseJSONCached = false
}
