package sandbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/sandbox"
)

func testRequest() *model.Request {
	return &model.Request{
		ID:     "req-1",
		Method: model.MethodGet,
		URL:    "http://example.test/echo",
	}
}

func TestExecutePrerequestMutatesHeaders(t *testing.T) {
	pool, err := sandbox.NewPool(2, sandbox.DefaultLimits(), logger.New(logger.LevelError))
	require.NoError(t, err)
	sc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(sc)

	env := sandbox.NewVarStore()
	globals := sandbox.NewVarStore()
	coll := sandbox.NewVarStore()

	script := `pm.request.headers.push({name: "X-Test", value: "1"}); pm.environment.set("token", "abc");`
	mutated, result, err := sc.ExecutePrerequest(script, testRequest(), env, globals, coll)
	require.NoError(t, err)
	require.True(t, result.Success)

	v, ok := mutated.HeaderValue("X-Test")
	require.True(t, ok)
	require.Equal(t, "1", v)
	require.Equal(t, "abc", env.Get("token"))
}

func TestExecuteTestAssertionFailure(t *testing.T) {
	pool, err := sandbox.NewPool(1, sandbox.DefaultLimits(), logger.New(logger.LevelError))
	require.NoError(t, err)
	sc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(sc)

	resp := &model.Response{StatusCode: 404, StatusText: "Not Found"}
	script := `pm.test("status", function() { pm.expect(pm.response.code).to.equal(200); });`
	result, err := sc.ExecuteTest(script, testRequest(), resp, sandbox.NewVarStore(), sandbox.NewVarStore(), sandbox.NewVarStore())
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, result.Tests, 1)
	require.False(t, result.Tests[0].Passed)
	require.Contains(t, result.Tests[0].Error, "equal")
}

func TestResponseJSONCaching(t *testing.T) {
	pool, err := sandbox.NewPool(1, sandbox.DefaultLimits(), logger.New(logger.LevelError))
	require.NoError(t, err)
	sc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(sc)

	resp := &model.Response{StatusCode: 200, Body: []byte(`{"ok":true}`)}
	script := `pm.test("json", function() { pm.expect(pm.response.json().ok).to.equal(true); });`
	result, err := sc.ExecuteTest(script, testRequest(), resp, sandbox.NewVarStore(), sandbox.NewVarStore(), sandbox.NewVarStore())
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestScriptTimeout(t *testing.T) {
	limits := sandbox.DefaultLimits()
	limits.Timeout = 50 * time.Millisecond
	pool, err := sandbox.NewPool(1, limits, logger.New(logger.LevelError))
	require.NoError(t, err)
	sc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(sc)

	script := `while (true) {}`
	_, result, err := sc.ExecutePrerequest(script, testRequest(), sandbox.NewVarStore(), sandbox.NewVarStore(), sandbox.NewVarStore())
	require.Error(t, err)
	require.False(t, result.Success)
}

func TestPoolIsolationBetweenScripts(t *testing.T) {
	pool, err := sandbox.NewPool(1, sandbox.DefaultLimits(), logger.New(logger.LevelError))
	require.NoError(t, err)
	sc, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// First script leaks a global and exhausts its own state.
	_, _, _ = sc.ExecutePrerequest(`var leaked = 42;`, testRequest(), sandbox.NewVarStore(), sandbox.NewVarStore(), sandbox.NewVarStore())
	pool.Release(sc)

	sc2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(sc2)

	script := `pm.test("no leak", function() { pm.expect(typeof leaked).to.equal("undefined"); });`
	result, err := sc2.ExecuteTest(script, testRequest(), &model.Response{StatusCode: 200}, sandbox.NewVarStore(), sandbox.NewVarStore(), sandbox.NewVarStore())
	require.NoError(t, err)
	require.True(t, result.Success)
}
