// internal/bridge/script_test.go
package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/metrics"
	"github.com/xkilldash9x/browserhost/internal/native"
)

func TestEvaluate(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")
		f.Engine.Evaluator = func(string) codec.Value { return codec.Encode(42) }

		got, err := b.Evaluate(context.Background(), "return 6*7")
		require.NoError(t, err)
		assert.Equal(t, float64(42), got)

		calls := f.Engine.Calls("EvaluateScript")
		require.Len(t, calls, 1)
		assert.Equal(t, "(function() {\nreturn 6*7\n})()", calls[0].Args[0])
		assert.Equal(t, float64(1), testutil.ToFloat64(f.Metrics.Evaluations.WithLabelValues(metrics.OutcomeOK)))
		assert.Empty(t, f.Runtime.evals)
	})

	t.Run("request ids are unique across browsers", func(t *testing.T) {
		f := setupRuntime(t)
		a, _ := f.created("http://a.test/")
		b, _ := f.created("http://b.test/")
		f.Engine.Evaluator = func(script string) codec.Value { return codec.Encode(script) }

		_, err := a.Evaluate(context.Background(), "1")
		require.NoError(t, err)
		_, err = b.Evaluate(context.Background(), "2")
		require.NoError(t, err)

		calls := f.Engine.Calls("EvaluateScript")
		require.Len(t, calls, 2)
		assert.NotEqual(t, calls[0].Args[1], calls[1].Args[1])
	})

	t.Run("creates the browser on demand", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.newBrowser(BrowserOptions{Javascript: true})
		f.Engine.Evaluator = func(string) codec.Value { return codec.Encode(true) }

		got, err := b.Evaluate(context.Background(), "return true")
		require.NoError(t, err)
		assert.Equal(t, true, got)
		assert.NotZero(t, b.NativeID())
	})

	t.Run("script errors are typed", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")
		f.Engine.Evaluator = func(string) codec.Value {
			return codec.Value{Kind: codec.KindError, Payload: "ReferenceError: nope is not defined"}
		}

		_, err := b.Evaluate(context.Background(), "return nope")
		var evalErr *codec.EvalError
		require.True(t, errors.As(err, &evalErr))
		assert.Contains(t, evalErr.Message, "ReferenceError")
	})

	t.Run("rejected by the engine", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")
		f.Engine.RejectEvaluate = true

		_, err := b.Evaluate(context.Background(), "return 1")
		assert.ErrorIs(t, err, ErrEvaluateRejected)
		assert.Empty(t, f.Runtime.evals)
	})

	t.Run("scripting disabled", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.newBrowser(BrowserOptions{Javascript: false})

		_, err := b.Evaluate(context.Background(), "return 1")
		assert.ErrorIs(t, err, ErrScriptingDisabled)
		assert.Empty(t, f.Engine.Calls("CreateBrowser"))
		assert.False(t, b.Execute("1"))
	})

	t.Run("times out and drops the late result", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := b.Evaluate(ctx, "return 1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Empty(t, f.Runtime.evals)

		reqID := f.Engine.Calls("EvaluateScript")[0].Args[1].(uint64)
		handled := f.Engine.Deliver(b.NativeID(), native.ProcessMessage{
			FromRenderer: true,
			Eval:         &native.EvalResult{RequestID: reqID, Value: codec.Encode(1)},
		})
		assert.True(t, handled)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.Metrics.Evaluations.WithLabelValues(metrics.OutcomeDropped)))
	})

	t.Run("browser closes while waiting", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")
		f.Loop.AfterFunc(5*time.Millisecond, func() { f.Engine.Emit(b.NativeID(), native.BeforeClose{}) })

		_, err := b.Evaluate(context.Background(), "return 1")
		assert.ErrorIs(t, err, ErrDisposed)
	})
}

func TestExecuteWaitsForProgress(t *testing.T) {
	f := setupRuntime(t)
	b, _ := f.newBrowser(BrowserOptions{Javascript: true})
	b.SetURL(aboutBlank, "", nil)
	require.NoError(t, b.Create())
	f.settle()

	assert.True(t, b.Execute("document.title = 'x'"))
	assert.Empty(t, f.Engine.Calls("ExecuteScript"))

	f.emit(b, native.LoadingStateChange{Loading: false})
	f.answerText("")
	calls := f.Engine.Calls("ExecuteScript")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"document.title = 'x'"}, calls[0].Args)
}

func callFunction(f *bridgeFixture, b *Bridge, index, port int, args ...any) (bool, codec.Value) {
	f.t.Helper()
	before := len(f.Engine.Calls("FunctionReturn"))
	handled := f.Engine.Deliver(b.NativeID(), native.ProcessMessage{
		FromRenderer: true,
		Call:         &native.FunctionCall{Index: index, Port: port, Args: codec.Encode(args)},
	})
	returns := f.Engine.Calls("FunctionReturn")
	if len(returns) == before {
		return handled, codec.Value{}
	}
	last := returns[len(returns)-1]
	require.Equal(f.t, []any{index, port}, last.Args[:2])
	return handled, last.Args[2].(codec.Value)
}

func TestRegisterFunction(t *testing.T) {
	t.Run("call and return", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")
		fn, err := b.RegisterFunction("add", func(args []any) (any, error) {
			return args[0].(float64) + args[1].(float64), nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, fn.Index())

		regs := f.Engine.Calls("RegisterFunction")
		require.Len(t, regs, 1)
		assert.Equal(t, []any{"add", 1}, regs[0].Args)

		handled, ret := callFunction(f, b, 1, 7, 1.0, 2.0)
		assert.True(t, handled)
		assert.Equal(t, codec.Encode(3), ret)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.Metrics.FunctionCalls.WithLabelValues("ok")))
	})

	t.Run("errors and panics become error values", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")
		_, err := b.RegisterFunction("fail", func([]any) (any, error) { return nil, errors.New("nope") })
		require.NoError(t, err)
		_, err = b.RegisterFunction("explode", func([]any) (any, error) { panic("boom") })
		require.NoError(t, err)

		_, ret := callFunction(f, b, 1, 1)
		assert.Equal(t, codec.Value{Kind: codec.KindError, Payload: "nope"}, ret)
		_, ret = callFunction(f, b, 2, 2)
		assert.Equal(t, codec.Value{Kind: codec.KindError, Payload: "boom"}, ret)
		_, ret = callFunction(f, b, 9, 3)
		assert.Equal(t, codec.KindError, ret.Kind)
	})

	t.Run("messages not from the renderer are ignored", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")
		_, err := b.RegisterFunction("noop", func([]any) (any, error) { return nil, nil })
		require.NoError(t, err)

		handled := f.Engine.Deliver(b.NativeID(), native.ProcessMessage{
			Call: &native.FunctionCall{Index: 1, Args: codec.Encode([]any{})},
		})
		assert.False(t, handled)
		assert.Empty(t, f.Engine.Calls("FunctionReturn"))
	})

	t.Run("rejected registration", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")
		f.Engine.RejectRegister = true
		_, err := b.RegisterFunction("add", func([]any) (any, error) { return nil, nil })
		assert.ErrorIs(t, err, ErrFunctionRejected)
	})

	t.Run("deferred until created", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.newBrowser(BrowserOptions{Javascript: true})
		fn, err := b.RegisterFunction("later", func([]any) (any, error) { return "ok", nil })
		require.NoError(t, err)
		assert.Zero(t, fn.Index())
		assert.Empty(t, f.Engine.Calls("RegisterFunction"))

		require.NoError(t, b.Create())
		f.settle()
		assert.Equal(t, 1, fn.Index())
		assert.Len(t, f.Engine.Calls("RegisterFunction"), 1)
	})

	t.Run("re-registered after every load", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")
		_, err := b.RegisterFunction("a", func([]any) (any, error) { return nil, nil })
		require.NoError(t, err)
		_, err = b.RegisterFunction("b", func([]any) (any, error) { return nil, nil })
		require.NoError(t, err)

		f.emit(b, native.LoadingStateChange{Loading: true})
		assert.Len(t, f.Engine.Calls("RegisterFunction"), 2)
		f.emit(b, native.LoadingStateChange{Loading: false})

		regs := f.Engine.Calls("RegisterFunction")
		require.Len(t, regs, 4)
		assert.Equal(t, []any{"a", 1}, regs[2].Args)
		assert.Equal(t, []any{"b", 2}, regs[3].Args)
	})

	t.Run("same name replaces and destroy unbinds", func(t *testing.T) {
		f := setupRuntime(t)
		b, _ := f.created("http://start.test/")
		first, err := b.RegisterFunction("f", func([]any) (any, error) { return "first", nil })
		require.NoError(t, err)
		second, err := b.RegisterFunction("f", func([]any) (any, error) { return "second", nil })
		require.NoError(t, err)

		assert.Zero(t, first.Index())
		assert.Equal(t, 2, second.Index())
		assert.Len(t, b.functions, 1)

		_, ret := callFunction(f, b, 2, 1)
		assert.Equal(t, codec.Encode("second"), ret)

		b.DestroyFunction(second)
		assert.Zero(t, second.Index())
		_, ret = callFunction(f, b, 2, 2)
		assert.Equal(t, codec.KindError, ret.Kind)
	})
}

func TestTextVisitorIsShared(t *testing.T) {
	f := setupRuntime(t)
	b, _ := f.created("http://start.test/")

	b.updateText()
	b.updateText()
	require.NotNil(t, b.visitor)
	visitor := b.visitor
	assert.Equal(t, 2, visitor.refs)
	assert.Equal(t, 2, f.Engine.PendingTextRequests())
	ready := b.textReady

	require.True(t, f.Engine.DeliverText("first"))
	f.settle()
	assert.Same(t, visitor, b.visitor, "still referenced by the second request")
	assert.Equal(t, 1, visitor.refs)
	assert.True(t, ready.IsDone())
	assert.Equal(t, "first", b.text)

	require.True(t, f.Engine.DeliverText("second"))
	f.settle()
	assert.Nil(t, b.visitor, "freed after the last answer")
	assert.True(t, visitor.freed)
	assert.Equal(t, "second", b.text)
}

func TestGetText(t *testing.T) {
	f := setupRuntime(t)
	b, _ := f.created("http://start.test/")
	f.Loop.AfterFunc(5*time.Millisecond, func() { f.Engine.DeliverText("hello") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	text, err := b.GetText(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	f.emit(b, native.BeforeClose{})
	_, err = b.GetText(ctx)
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestGetTextIsBoundedWithoutDeadline(t *testing.T) {
	f := setupRuntime(t)
	f.Runtime.opts.EvaluateTimeout = 50 * time.Millisecond
	b, _ := f.created("http://start.test/")

	start := time.Now()
	_, err := b.GetText(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
