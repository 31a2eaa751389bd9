// File: internal/engine/frame.go
package engine

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

var (
	// ErrStackUnderflow means a callback consumed more shadow operands than the
	// driver pushed. The engine and the driver have desynchronised.
	ErrStackUnderflow = errors.New("shadow evaluation stack underflow")
	// ErrFrameUnderflow means an activation exit had no matching enter.
	ErrFrameUnderflow = errors.New("activation exit without matching enter")
	// ErrFrameDepthExceeded means activations nested deeper than the configured bound.
	ErrFrameDepthExceeded = errors.New("activation depth exceeded")
)

// Frame is the shadow state of one activation.
type Frame struct {
	stack []*taint.Taint
	env   Environment
	// ctx is the context of the call that created this activation.
	ctx Context
	// callee is the context of the operation currently pending in this activation.
	callee Context
	ret    *taint.Taint
	sid    int
}

func newFrame(env Environment, ctx Context, sid int) *Frame {
	return &Frame{
		env:    env,
		ctx:    ctx,
		callee: BottomContext,
		ret:    taint.Bottom,
		sid:    sid,
	}
}

// Depth returns the current evaluation stack height.
func (f *Frame) Depth() int { return len(f.stack) }

func (f *Frame) push(t *taint.Taint) {
	f.stack = append(f.stack, orBottom(t))
}

func (f *Frame) peek() (*taint.Taint, error) {
	if len(f.stack) == 0 {
		return nil, fmt.Errorf("peek: %w", ErrStackUnderflow)
	}
	return f.stack[len(f.stack)-1], nil
}

func (f *Frame) take() (*taint.Taint, error) {
	t, err := f.peek()
	if err != nil {
		return nil, err
	}
	f.stack = f.stack[:len(f.stack)-1]
	return t, nil
}

// takeMany pops n entries and returns them in push order.
func (f *Frame) takeMany(n int) ([]*taint.Taint, error) {
	if n <= 0 {
		return nil, nil
	}
	if len(f.stack) < n {
		return nil, fmt.Errorf("take %d of %d: %w", n, len(f.stack), ErrStackUnderflow)
	}
	cut := len(f.stack) - n
	out := make([]*taint.Taint, n)
	copy(out, f.stack[cut:])
	f.stack = f.stack[:cut]
	return out, nil
}

func (f *Frame) remove() error {
	return f.removeMany(1)
}

func (f *Frame) removeMany(n int) error {
	if n <= 0 {
		return nil
	}
	if len(f.stack) < n {
		return fmt.Errorf("remove %d of %d: %w", n, len(f.stack), ErrStackUnderflow)
	}
	f.stack = f.stack[:len(f.stack)-n]
	return nil
}

// ensure pads the stack with Bottom until it holds at least n entries. It repairs
// callback sequences that legitimately arrive short, such as for-in assignment
// targets and bare returns.
func (f *Frame) ensure(n int) {
	for len(f.stack) < n {
		f.stack = append(f.stack, taint.Bottom)
	}
}

func (f *Frame) clear() {
	f.stack = f.stack[:0]
}

func (f *Frame) setCallee(c Context) {
	f.callee = c
}

func (f *Frame) resetCallee() {
	f.callee = BottomContext
}
