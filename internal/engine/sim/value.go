// internal/engine/sim/value.go
package sim

import (
	"errors"

	"github.com/dop251/goja"

	"github.com/xkilldash9x/browserhost/internal/codec"
)

// toValue converts a script result for the host. Values with no transport
// form, such as functions and plain objects, become the invalid-return
// sentinel.
func toValue(v goja.Value) codec.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return codec.Null
	}
	out := v.Export()
	if !transportable(out) {
		return codec.Value{Kind: codec.KindError, Payload: codec.InvalidReturnValue}
	}
	return codec.Encode(out)
}

func transportable(v any) bool {
	switch t := v.(type) {
	case nil, bool, string, int64, float64:
		return true
	case []any:
		for _, elem := range t {
			if !transportable(elem) {
				return false
			}
		}
		return true
	}
	return false
}

// exportValue converts a function argument. Undefined arrives as nil.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// scriptError is the message of an uncaught script failure.
func scriptError(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value().String()
	}
	return err.Error()
}
