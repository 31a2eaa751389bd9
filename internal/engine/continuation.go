// File: internal/engine/continuation.go
package engine

import (
	"github.com/xkilldash9x/scalpel-taint/internal/host"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

// Continuation carries taint across an asynchronous boundary. The evaluation
// stack is empty by the time a deferred callback runs, so the taint of the value
// it receives has to be captured when the continuation is settled.
type Continuation struct {
	t *taint.Taint
}

// Taint returns the captured taint.
func (k Continuation) Taint() *taint.Taint { return orBottom(k.t) }

// CaptureContinuation is called by the scheduler integration when the monitored
// program settles a continuation with value, typically from inside a resolve or
// reject call. The value's taint is read from the pending context.
func (e *Engine) CaptureContinuation(value host.Value) Continuation {
	if e.err != nil {
		return Continuation{t: taint.Bottom}
	}
	return Continuation{t: e.current.callee.CalleeArgument(0, value)}
}

// CapturePromise captures a host promise settled outside the monitored program,
// whose result taint was folded into the promise object itself.
func (e *Engine) CapturePromise(promise host.Value) Continuation {
	if e.err != nil {
		return Continuation{t: taint.Bottom}
	}
	return Continuation{t: e.mem.GetIntrinsic(promise)}
}

// ResumeContinuation installs k as the pending context just before the deferred
// callback is entered, so its first argument receives the captured taint.
func (e *Engine) ResumeContinuation(k Continuation) error {
	if err := e.begin(); err != nil {
		return err
	}
	e.current.setCallee(newUserCall(taint.Bottom, []*taint.Taint{k.Taint()}))
	return nil
}

// FinishContinuation clears the pending context once the deferred callback has
// returned.
func (e *Engine) FinishContinuation() error {
	if err := e.begin(); err != nil {
		return err
	}
	e.current.resetCallee()
	return nil
}
