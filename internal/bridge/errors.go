// internal/bridge/errors.go
package bridge

import "errors"

var (
	// ErrDisposed is returned by operations that need a live native browser.
	ErrDisposed = errors.New("browser is disposed")
	// ErrEvaluateRejected means the engine refused to run a script.
	ErrEvaluateRejected = errors.New("script that was evaluated failed")
	// ErrFunctionRejected means the engine refused to expose a function.
	ErrFunctionRejected = errors.New("cannot create browser function")
	// ErrScriptingDisabled is returned by Evaluate when JavaScript is off.
	ErrScriptingDisabled = errors.New("javascript is disabled for this browser")
	// ErrShutdown is returned once the runtime has shut down.
	ErrShutdown = errors.New("browser runtime is shut down")
)
