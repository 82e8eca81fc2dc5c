// internal/bridge/script.go
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/metrics"
	"github.com/xkilldash9x/browserhost/internal/native"
	"go.uber.org/zap"
)

// Evaluate runs script as the body of a function in the current page and
// returns its decoded result. The host loop is pumped while waiting, so
// other notifications, including ones for this browser, are delivered
// before Evaluate returns. Script failures are *codec.EvalError.
func (b *Bridge) Evaluate(ctx context.Context, script string) (any, error) {
	if !b.jsEnabled {
		b.rt.metrics.Evaluation(metrics.OutcomeDisabled, 0)
		return nil, ErrScriptingDisabled
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.rt.opts.EvaluateTimeout)
		defer cancel()
	}
	if err := b.awaitCreated(ctx); err != nil {
		return nil, err
	}

	wrapped := "(function() {\n" + script + "\n})()"
	reqID, pe := b.rt.beginEval(b)
	defer b.rt.endEval(reqID)

	if !b.rt.engine.EvaluateScript(b.id, wrapped, reqID) {
		b.rt.metrics.Evaluation(metrics.OutcomeRejected, time.Since(pe.started))
		return nil, ErrEvaluateRejected
	}

	err := b.rt.loop.RunUntil(ctx, func() bool { return pe.done || b.id == 0 })
	elapsed := time.Since(pe.started)
	switch {
	case err != nil:
		b.rt.metrics.Evaluation(metrics.OutcomeTimeout, elapsed)
		return nil, fmt.Errorf("waiting for script result: %w", err)
	case !pe.done:
		b.rt.metrics.Evaluation(metrics.OutcomeDropped, elapsed)
		return nil, ErrDisposed
	}

	result, err := codec.Decode(pe.value)
	if err != nil {
		b.rt.metrics.Evaluation(metrics.OutcomeError, elapsed)
		return nil, err
	}
	b.rt.metrics.Evaluation(metrics.OutcomeOK, elapsed)
	return result, nil
}

// Execute runs script once navigation is enabled, without waiting for it.
// It reports false when scripting is disabled or the browser is disposed.
func (b *Bridge) Execute(script string) bool {
	if !b.jsEnabled || b.isDisposed() {
		return false
	}
	b.progress.Then(func() {
		if b.id == 0 || b.isDisposed() {
			return
		}
		if !b.rt.engine.ExecuteScript(b.id, script) {
			b.logger.Warn("Engine refused to execute script")
		}
	})
	return true
}

// Callable is a host function exposed to page scripts. Arguments arrive
// decoded: float64, bool, string, nil and []any.
type Callable func(args []any) (any, error)

// Function is a host function bound to a name in the page's global scope.
type Function struct {
	Name  string
	fn    Callable
	index int
}

// Index is the registration slot, 0 once destroyed.
func (f *Function) Index() int { return f.index }

// RegisterFunction exposes fn to page scripts as a global function called
// name. A function with the same name is replaced. Registration is repeated
// after every page load. If the browser does not exist yet, registration is
// deferred until it does and a later rejection is only logged.
func (b *Bridge) RegisterFunction(name string, fn Callable) (*Function, error) {
	if b.isDisposed() {
		return nil, ErrDisposed
	}
	f := &Function{Name: name, fn: fn}
	var regErr error
	b.created.Then(func() {
		regErr = b.createFunction(f)
		if regErr != nil {
			b.logger.Error("Deferred function registration failed", zap.String("name", name), zap.Error(regErr))
		}
	})
	return f, regErr
}

func (b *Bridge) createFunction(f *Function) error {
	if err := b.checkBrowser(); err != nil {
		return err
	}
	for idx, existing := range b.functions {
		if existing.Name == f.Name {
			delete(b.functions, idx)
			existing.index = 0
		}
	}
	b.functionIndex++
	f.index = b.functionIndex
	b.functions[f.index] = f
	if !b.rt.engine.RegisterFunction(b.id, f.Name, f.index) {
		return fmt.Errorf("%w: %s", ErrFunctionRejected, f.Name)
	}
	return nil
}

// DestroyFunction removes f. Page calls to it afterwards fail.
func (b *Bridge) DestroyFunction(f *Function) {
	if f == nil || f.index == 0 {
		return
	}
	if b.functions[f.index] == f {
		delete(b.functions, f.index)
	}
	f.index = 0
}

// reregisterFunctions binds every live function into a freshly loaded page.
func (b *Bridge) reregisterFunctions() {
	indexes := make([]int, 0, len(b.functions))
	for idx := range b.functions {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		f := b.functions[idx]
		if !b.rt.engine.RegisterFunction(b.id, f.Name, idx) {
			b.logger.Error("Cannot re-register browser function",
				zap.String("name", f.Name),
				zap.Error(ErrFunctionRejected),
			)
		}
	}
}

func (b *Bridge) processMessage(m native.ProcessMessage) bool {
	if !m.FromRenderer || !b.jsEnabled || b.isDisposed() {
		return false
	}
	switch {
	case m.Eval != nil:
		b.rt.completeEval(b, m.Eval)
	case m.Call != nil:
		b.callFunction(m.Call)
	default:
		return false
	}
	return true
}

func (b *Bridge) callFunction(call *native.FunctionCall) {
	result := b.invoke(call)
	ok := result.Kind != codec.KindError
	b.rt.metrics.FunctionCall(ok)
	if !b.rt.engine.FunctionReturn(b.id, call.Index, call.Port, result) {
		b.logger.Warn("Engine refused a function return", zap.Int("index", call.Index))
	}
}

func (b *Bridge) invoke(call *native.FunctionCall) (result codec.Value) {
	f, ok := b.functions[call.Index]
	if !ok {
		return codec.Encode(fmt.Errorf("no browser function with index %d", call.Index))
	}

	decoded, err := codec.Decode(call.Args)
	if err != nil {
		return codec.Encode(fmt.Errorf("decoding arguments of %s: %w", f.Name, err))
	}
	var args []any
	switch v := decoded.(type) {
	case []any:
		args = v
	case nil:
	default:
		args = []any{v}
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Browser function panicked",
				zap.String("name", f.Name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			result = codec.Encode(errors.New(fmt.Sprint(r)))
		}
	}()
	ret, err := f.fn(args)
	if err != nil {
		return codec.Encode(err)
	}
	return codec.Encode(ret)
}
