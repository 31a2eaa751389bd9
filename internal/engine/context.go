// File: internal/engine/context.go
package engine

import (
	"github.com/xkilldash9x/scalpel-taint/internal/host"
	"github.com/xkilldash9x/scalpel-taint/internal/shadow"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

// Context computes taint for one in-flight operation. It is created when the
// operation begins and consumed once when the operation completes.
type Context interface {
	// EnterCallee is called when an instrumented callee starts running.
	EnterCallee(this host.Value, args []host.Value)
	// CalleeThis is the taint bound to the callee's receiver.
	CalleeThis(this host.Value) *taint.Taint
	// CalleeArgument is the taint bound to argument i of the callee.
	CalleeArgument(i int, arg host.Value) *taint.Taint
	// LeaveCallee folds the callee's return taint into the context.
	LeaveCallee(result host.Value, t *taint.Taint)
	// Apply yields the taint of the completed operation's result. external is the
	// taint contributed by a source, if any.
	Apply(result host.Value, external *taint.Taint) *taint.Taint
}

// userCallContext tracks a call into an authored function: its result is exactly
// what the body returned.
type userCallContext struct {
	base   *taint.Taint
	args   []*taint.Taint
	result *taint.Taint
}

func newUserCall(base *taint.Taint, args []*taint.Taint) *userCallContext {
	return &userCallContext{base: base, args: args, result: taint.Bottom}
}

func (c *userCallContext) EnterCallee(host.Value, []host.Value) {}

func (c *userCallContext) CalleeThis(host.Value) *taint.Taint { return orBottom(c.base) }

func (c *userCallContext) CalleeArgument(i int, _ host.Value) *taint.Taint {
	if i < 0 || i >= len(c.args) {
		return taint.Bottom
	}
	return orBottom(c.args[i])
}

func (c *userCallContext) LeaveCallee(_ host.Value, t *taint.Taint) { c.result = orBottom(t) }

func (c *userCallContext) Apply(host.Value, *taint.Taint) *taint.Taint { return c.result }

// nativeCallContext tracks a call into host code, which cannot be analysed. All
// input taint is joined into one running taint.
type nativeCallContext struct {
	mem   *shadow.Memory
	taint *taint.Taint
}

func (c *nativeCallContext) EnterCallee(host.Value, []host.Value) {}

// Host code calling back into the program hands the running taint to primitive
// receivers and arguments; objects carry their own shadow state.
func (c *nativeCallContext) CalleeThis(this host.Value) *taint.Taint {
	if host.IsObject(this) {
		return taint.Bottom
	}
	return c.taint
}

func (c *nativeCallContext) CalleeArgument(_ int, arg host.Value) *taint.Taint {
	if host.IsObject(arg) {
		return taint.Bottom
	}
	return c.taint
}

func (c *nativeCallContext) LeaveCallee(_ host.Value, t *taint.Taint) {
	c.taint = taint.Join(c.taint, t)
}

func (c *nativeCallContext) Apply(result host.Value, external *taint.Taint) *taint.Taint {
	t := taint.Join(c.taint, external)
	if !host.IsObject(result) {
		return t
	}
	c.mem.UpdateIntrinsic(result, t)
	return taint.Bottom
}

// fieldGetContext tracks a data property read.
type fieldGetContext struct {
	base   *taint.Taint
	result *taint.Taint
}

func newFieldGet(base, stored *taint.Taint) *fieldGetContext {
	return &fieldGetContext{base: base, result: taint.Join(base, stored)}
}

func (c *fieldGetContext) EnterCallee(host.Value, []host.Value)        {}
func (c *fieldGetContext) CalleeThis(host.Value) *taint.Taint          { return orBottom(c.base) }
func (c *fieldGetContext) CalleeArgument(int, host.Value) *taint.Taint { return taint.Bottom }

func (c *fieldGetContext) LeaveCallee(_ host.Value, t *taint.Taint) {
	c.result = taint.Join(c.result, t)
}

func (c *fieldGetContext) Apply(result host.Value, external *taint.Taint) *taint.Taint {
	if host.IsObject(result) {
		return taint.Bottom
	}
	return taint.Join(c.result, external)
}

// fieldPutContext tracks a data property write. The stored taint is scoped to the
// written property: the value's taint joined with the receiver's.
type fieldPutContext struct {
	base  *taint.Taint
	value *taint.Taint
}

func (c *fieldPutContext) EnterCallee(host.Value, []host.Value)        {}
func (c *fieldPutContext) CalleeThis(host.Value) *taint.Taint          { return orBottom(c.base) }
func (c *fieldPutContext) CalleeArgument(int, host.Value) *taint.Taint { return orBottom(c.value) }
func (c *fieldPutContext) LeaveCallee(host.Value, *taint.Taint)        {}

func (c *fieldPutContext) Apply(host.Value, *taint.Taint) *taint.Taint {
	return taint.Join(c.base, c.value)
}

// accessorContext tracks a property access that resolved to a getter or setter.
// Shadow memory is bypassed; taint moves through the accessor's body instead.
type accessorContext struct {
	setter bool
	base   *taint.Taint
	value  *taint.Taint
	result *taint.Taint
}

func newGetterCall(base *taint.Taint) *accessorContext {
	return &accessorContext{base: base, result: taint.Bottom}
}

func newSetterCall(base, value *taint.Taint) *accessorContext {
	return &accessorContext{setter: true, base: base, value: value, result: taint.Bottom}
}

func (c *accessorContext) EnterCallee(host.Value, []host.Value) {}
func (c *accessorContext) CalleeThis(host.Value) *taint.Taint   { return orBottom(c.base) }

func (c *accessorContext) CalleeArgument(i int, _ host.Value) *taint.Taint {
	if c.setter && i == 0 {
		return orBottom(c.value)
	}
	return taint.Bottom
}

func (c *accessorContext) LeaveCallee(_ host.Value, t *taint.Taint) {
	if !c.setter {
		c.result = taint.Join(c.result, t)
	}
}

func (c *accessorContext) Apply(result host.Value, external *taint.Taint) *taint.Taint {
	if c.setter {
		return orBottom(c.value)
	}
	if host.IsObject(result) {
		return taint.Bottom
	}
	return taint.JoinAll(c.base, c.result, external)
}

// unaryOrBinaryContext joins operand taints.
type unaryOrBinaryContext struct {
	result *taint.Taint
}

func newUnaryOrBinary(operands ...*taint.Taint) *unaryOrBinaryContext {
	return &unaryOrBinaryContext{result: taint.JoinAll(operands...)}
}

func (c *unaryOrBinaryContext) EnterCallee(host.Value, []host.Value)        {}
func (c *unaryOrBinaryContext) CalleeThis(host.Value) *taint.Taint          { return taint.Bottom }
func (c *unaryOrBinaryContext) CalleeArgument(int, host.Value) *taint.Taint { return taint.Bottom }
func (c *unaryOrBinaryContext) LeaveCallee(host.Value, *taint.Taint)        {}
func (c *unaryOrBinaryContext) Apply(host.Value, *taint.Taint) *taint.Taint { return c.result }

type bottomContext struct{}

func (bottomContext) EnterCallee(host.Value, []host.Value)        {}
func (bottomContext) CalleeThis(host.Value) *taint.Taint          { return taint.Bottom }
func (bottomContext) CalleeArgument(int, host.Value) *taint.Taint { return taint.Bottom }
func (bottomContext) LeaveCallee(host.Value, *taint.Taint)        {}
func (bottomContext) Apply(host.Value, *taint.Taint) *taint.Taint { return taint.Bottom }

// BottomContext is the pending context when no operation is in flight.
var BottomContext Context = bottomContext{}

func orBottom(t *taint.Taint) *taint.Taint {
	if t == nil {
		return taint.Bottom
	}
	return t
}
