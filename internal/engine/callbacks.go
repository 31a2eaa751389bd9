// File: internal/engine/callbacks.go
package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-taint/internal/host"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

// ErrNotArguments means an arguments declaration carried a non-object value.
var ErrNotArguments = errors.New("arguments declaration without an arguments object")

// Call describes a function invocation as reported by the driver. Result is only
// meaningful in InvokeFun.
type Call struct {
	Func        host.Value
	Base        host.Value
	Args        []host.Value
	Result      host.Value
	Constructor bool
	Method      bool
}

// FieldAccess describes a property read or write. Value is the read result in
// GetField and the written value in PutFieldPre and PutField.
type FieldAccess struct {
	Base       host.Value
	Offset     host.Value
	Value      host.Value
	Computed   bool
	OpAssign   bool
	MethodCall bool
}

// BinaryOp describes a binary operator evaluation. A computed binary operation is
// a bracket delete: Left is the object and Right the key.
type BinaryOp struct {
	Op         string
	Left       host.Value
	Right      host.Value
	Result     host.Value
	OpAssign   bool
	SwitchCase bool
	Computed   bool
}

// Declaration describes a variable, parameter or catch binding. ArgumentIndex is
// -1 for the arguments object itself.
type Declaration struct {
	Name          string
	Value         host.Value
	IsArgument    bool
	ArgumentIndex int
	IsCatchParam  bool
}

// -- Literals --

// Literal is reported after the host evaluated a literal. Object and array
// literals consume the taints of their initialisers.
func (e *Engine) Literal(iid int, val host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	if obj, ok := host.AsObject(val); ok {
		var err error
		switch {
		case obj.Callable():
			e.closures[obj.Handle()] = e.current.env
			e.mem.MarkUserFunction(obj)
		case host.Same(obj.Prototype(), e.realm.ArrayPrototype()):
			err = e.initArrayLiteral(obj)
		case e.isObjectLiteral(obj):
			err = e.initObjectLiteral(obj)
		}
		if err != nil {
			return e.fail("literal", iid, err)
		}
	}
	e.current.push(taint.Bottom)
	return nil
}

func (e *Engine) isObjectLiteral(obj host.Object) bool {
	proto := obj.Prototype()
	if proto == nil || host.Same(proto, e.realm.ObjectPrototype()) {
		return true
	}
	return e.mem.IsUserFunction(host.DataValue(proto, "constructor"))
}

// initObjectLiteral assigns initialiser taints to the own data keys of a fresh
// object literal. Accessor slots are discarded. When keys are numeric or the
// literal sets its prototype, the host's key order no longer matches the source
// order, so every key gets the join of all initialisers.
func (e *Engine) initObjectLiteral(obj host.Object) error {
	var dataKeys []string
	accessors := 0
	numeric := false
	for _, k := range obj.OwnKeys() {
		d, _ := obj.OwnProperty(k)
		if d.IsAccessor() {
			if d.Getter != nil {
				accessors++
			}
			if d.Setter != nil {
				accessors++
			}
		} else {
			dataKeys = append(dataKeys, k)
		}
		if host.IsIndexKey(k) {
			numeric = true
		}
	}
	if err := e.current.removeMany(accessors); err != nil {
		return err
	}

	overridesProto := !host.Same(obj.Prototype(), e.realm.ObjectPrototype())
	if numeric || overridesProto {
		n := len(dataKeys)
		if overridesProto {
			n++
		}
		ts, err := e.current.takeMany(n)
		if err != nil {
			return err
		}
		joined := taint.JoinAll(ts...)
		for _, k := range dataKeys {
			e.mem.SetOwn(obj, k, joined)
		}
		return nil
	}

	ts, err := e.current.takeMany(len(dataKeys))
	if err != nil {
		return err
	}
	for i, k := range dataKeys {
		e.mem.SetOwn(obj, k, ts[i])
	}
	return nil
}

func (e *Engine) initArrayLiteral(arr host.Object) error {
	var keys []string
	for _, k := range arr.OwnKeys() {
		if k != "length" {
			keys = append(keys, k)
		}
	}
	ts, err := e.current.takeMany(len(keys))
	if err != nil {
		return err
	}
	for i, k := range keys {
		e.mem.SetOwn(arr, k, ts[i])
	}
	return nil
}

// ForInObject is reported when a for-in loop starts enumerating val.
func (e *Engine) ForInObject(iid int, val host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	if err := e.current.remove(); err != nil {
		return e.fail("forInObject", iid, err)
	}
	return nil
}

// -- Identifiers --

// Declare is reported when a binding is created.
func (e *Engine) Declare(iid int, d Declaration) error {
	if err := e.begin(); err != nil {
		return err
	}
	f := e.current

	switch {
	case d.IsArgument && d.ArgumentIndex < 0:
		args, ok := host.AsObject(d.Value)
		if !ok {
			return e.fail("declare", iid, ErrNotArguments)
		}
		for i, v := range host.Elements(args) {
			e.mem.SetOwn(args, host.IndexKey(i), f.ctx.CalleeArgument(i, v))
		}
		if err := f.env.InitArguments(args); err != nil {
			return e.fail("declare", iid, err)
		}

	case d.IsArgument:
		if err := f.env.DeclareArgument(d.Name, d.ArgumentIndex); err != nil {
			return e.fail("declare", iid, fmt.Errorf("parameter %q: %w", d.Name, err))
		}

	case d.IsCatchParam:
		f.env.DeclareVariable(d.Name, e.excTaint)
		f.resetCallee()
		f.clear()
		e.excTaint = taint.Bottom

	default:
		f.clear()
		f.env.DeclareVariable(d.Name, taint.Bottom)
	}
	return nil
}

// Read is reported after an identifier was read.
func (e *Engine) Read(iid int, name string, val host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	switch {
	case name == "this":
		e.current.push(e.current.ctx.CalleeThis(val))
	case e.withObject != nil:
		e.current.push(e.mem.Get(e.withObject, name))
		e.withObject = nil
	default:
		e.current.push(e.current.env.Get(name))
	}
	return nil
}

// Write is reported after an identifier was assigned. The assigned value's taint
// stays on the stack as the value of the assignment expression.
func (e *Engine) Write(iid int, name string, val host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	// A for-in header assigns without anything having been pushed.
	e.current.ensure(1)
	t, _ := e.current.peek()
	if e.withObject != nil {
		e.mem.Set(e.withObject, name, t)
		e.withObject = nil
	} else {
		e.current.env.Set(name, t)
	}
	return nil
}

// With is reported when a with statement installs val as a scope object.
func (e *Engine) With(iid int, val host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	if err := e.current.remove(); err != nil {
		return e.fail("with", iid, err)
	}
	return nil
}

// WithLookup is reported when the next identifier access resolves on the object
// of an enclosing with statement rather than on a lexical binding.
func (e *Engine) WithLookup(obj host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	if o, ok := host.AsObject(obj); ok {
		e.withObject = o
	}
	return nil
}

// -- Properties --

// GetFieldPre is reported before a property read.
func (e *Engine) GetFieldPre(iid int, f FieldAccess) error {
	if err := e.begin(); err != nil {
		return err
	}
	fr := e.current
	offsetTaint := taint.Bottom
	if f.Computed {
		t, err := fr.take()
		if err != nil {
			return e.fail("getFieldPre", iid, err)
		}
		offsetTaint = t
	}
	baseTaint, err := fr.take()
	if err != nil {
		return e.fail("getFieldPre", iid, err)
	}

	key := host.PropertyKey(f.Offset)
	if d, ok := ownerDescriptor(f.Base, key); ok && d.Getter != nil {
		fr.setCallee(newGetterCall(baseTaint))
	} else {
		fr.setCallee(newFieldGet(baseTaint, e.mem.Get(f.Base, key)))
	}

	switch {
	case f.OpAssign:
		fr.push(baseTaint)
		if f.Computed {
			fr.push(offsetTaint)
		}
	case f.MethodCall:
		fr.push(baseTaint)
	}
	return nil
}

// GetField is reported after a property read produced f.Value.
func (e *Engine) GetField(iid int, f FieldAccess) error {
	if err := e.begin(); err != nil {
		return err
	}
	external, err := e.fieldSource(iid, f)
	if err != nil {
		return e.fail("getField", iid, err)
	}
	e.current.push(e.current.callee.Apply(f.Value, external))
	e.current.resetCallee()
	return nil
}

// PutFieldPre is reported before a property write.
func (e *Engine) PutFieldPre(iid int, f FieldAccess) error {
	if err := e.begin(); err != nil {
		return err
	}
	fr := e.current
	need := 2
	if f.Computed {
		need = 3
	}
	// A for-in header writing to a property has no value on the stack.
	fr.ensure(need)

	valueTaint, _ := fr.take()
	if f.Computed {
		if _, err := fr.take(); err != nil {
			return e.fail("putFieldPre", iid, err)
		}
	}
	baseTaint, err := fr.take()
	if err != nil {
		return e.fail("putFieldPre", iid, err)
	}
	fr.push(valueTaint)

	if err := e.fieldSink(iid, f, valueTaint); err != nil {
		return e.fail("putFieldPre", iid, err)
	}

	key := host.PropertyKey(f.Offset)
	if d, ok := ownerDescriptor(f.Base, key); ok && d.Setter != nil {
		fr.setCallee(newSetterCall(baseTaint, valueTaint))
	} else {
		fr.setCallee(&fieldPutContext{base: baseTaint, value: valueTaint})
	}
	return nil
}

// PutField is reported after a property write.
func (e *Engine) PutField(iid int, f FieldAccess) error {
	if err := e.begin(); err != nil {
		return err
	}
	key := host.PropertyKey(f.Offset)
	e.mem.Set(f.Base, key, e.current.callee.Apply(f.Value, nil))
	e.current.resetCallee()
	return nil
}

func ownerDescriptor(base host.Value, key string) (host.Descriptor, bool) {
	obj, ok := host.AsObject(base)
	if !ok {
		return host.Descriptor{}, false
	}
	_, d, found := host.FindOwner(obj, key)
	if !found || !d.IsAccessor() {
		return host.Descriptor{}, false
	}
	return d, true
}

// -- Calls --

// InvokeFunPre is reported before a call. The stack holds, from the top, the
// argument taints, the callee's taint and, for method calls, the receiver's.
func (e *Engine) InvokeFunPre(iid int, c Call) error {
	if err := e.begin(); err != nil {
		return err
	}
	fr := e.current
	argsTaint, err := fr.takeMany(len(c.Args))
	if err != nil {
		return e.fail("invokeFunPre", iid, err)
	}
	if err := fr.remove(); err != nil {
		return e.fail("invokeFunPre", iid, err)
	}
	baseTaint := taint.Bottom
	if c.Method {
		if baseTaint, err = fr.take(); err != nil {
			return e.fail("invokeFunPre", iid, err)
		}
	}

	if e.mem.IsUserFunction(c.Func) {
		fr.setCallee(newUserCall(baseTaint, argsTaint))
		return nil
	}

	if err := e.callSink(iid, c, baseTaint, argsTaint); err != nil {
		return e.fail("invokeFunPre", iid, err)
	}
	input := baseTaint
	if host.IsObject(c.Base) {
		input = e.mem.GetIntrinsic(c.Base)
	}
	for i, arg := range c.Args {
		if host.IsObject(arg) {
			input = taint.Join(input, e.mem.GetIntrinsic(arg))
		} else {
			input = taint.Join(input, taintAt(argsTaint, i))
		}
	}
	fr.setCallee(&nativeCallContext{mem: e.mem, taint: input})
	return nil
}

// InvokeFun is reported after a call returned c.Result.
func (e *Engine) InvokeFun(iid int, c Call) error {
	if err := e.begin(); err != nil {
		return err
	}
	external, err := e.callSource(iid, c)
	if err != nil {
		return e.fail("invokeFun", iid, err)
	}
	e.current.push(e.current.callee.Apply(c.Result, external))
	e.current.resetCallee()
	return nil
}

// FunctionEnter is reported when an authored function starts running. sid is the
// script the function's code belongs to; zero keeps the caller's.
func (e *Engine) FunctionEnter(iid, sid int, f, this host.Value, args []host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	if len(e.frames)+1 > e.cfg.MaxStackDepth {
		return e.fail("functionEnter", iid, fmt.Errorf("%d activations: %w", len(e.frames)+1, ErrFrameDepthExceeded))
	}

	var parent Environment = e.global
	if fn, ok := host.AsObject(f); ok {
		if env, known := e.closures[fn.Handle()]; known {
			parent = env
		} else {
			e.logger.Warn("Entering a function whose literal was never reported, using the global scope",
				zap.Int("iid", iid), zap.Uint64("handle", uint64(fn.Handle())))
		}
	}
	if sid == 0 {
		sid = e.current.sid
	}

	caller := e.current
	e.frames = append(e.frames, caller)
	e.current = newFrame(newFunctionEnvironment(e.mem, parent), caller.callee, sid)
	e.current.ctx.EnterCallee(this, args)
	return nil
}

// FunctionExit is reported when an authored function returns or throws.
func (e *Engine) FunctionExit(iid int, result host.Value, exception bool) error {
	if err := e.begin(); err != nil {
		return err
	}
	if len(e.frames) == 0 {
		return e.fail("functionExit", iid, ErrFrameUnderflow)
	}
	if !exception {
		e.current.ctx.LeaveCallee(result, e.current.ret)
	}
	e.current = e.frames[len(e.frames)-1]
	e.frames = e.frames[:len(e.frames)-1]
	return nil
}

// Return is reported for a return statement.
func (e *Engine) Return(iid int, val host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	// A bare return pushes nothing.
	e.current.ensure(1)
	e.current.ret, _ = e.current.peek()
	return nil
}

// Throw is reported for a throw statement; the thrown value's taint is kept
// for the catch binding that receives it.
func (e *Engine) Throw(iid int, val host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	t, err := e.current.peek()
	if err != nil {
		return e.fail("throw", iid, err)
	}
	e.excTaint = t
	return nil
}

// -- Scripts --

// ScriptEnter is reported when a script starts executing.
func (e *Engine) ScriptEnter(iid, sid int) error {
	if err := e.begin(); err != nil {
		return err
	}
	e.sids = append(e.sids, e.current.sid)
	e.current.sid = sid
	return nil
}

// ScriptExit is reported when a script finishes. An uncaught exception leaves
// stale operands and a pending context behind, which are discarded.
func (e *Engine) ScriptExit(iid int, exception bool) error {
	if err := e.begin(); err != nil {
		return err
	}
	if exception {
		e.current.resetCallee()
		e.current.clear()
		e.excTaint = taint.Bottom
	}
	if n := len(e.sids); n > 0 {
		e.current.sid = e.sids[n-1]
		e.sids = e.sids[:n-1]
	}
	return nil
}

// -- Operators --

// BinaryPre is reported before a binary operator is evaluated.
func (e *Engine) BinaryPre(iid int, b BinaryOp) error {
	if err := e.begin(); err != nil {
		return err
	}
	fr := e.current
	if b.Computed {
		if err := fr.removeMany(2); err != nil {
			return e.fail("binaryPre", iid, err)
		}
		return nil
	}
	right, err := fr.take()
	if err != nil {
		return e.fail("binaryPre", iid, err)
	}
	left := taint.Bottom
	if !b.SwitchCase {
		if left, err = fr.take(); err != nil {
			return e.fail("binaryPre", iid, err)
		}
	}
	fr.setCallee(newUnaryOrBinary(left, right))
	return nil
}

// Binary is reported after a binary operator produced b.Result.
func (e *Engine) Binary(iid int, b BinaryOp) error {
	if err := e.begin(); err != nil {
		return err
	}
	if b.Computed {
		e.mem.Delete(b.Left, host.PropertyKey(b.Right))
		e.current.push(taint.Bottom)
		return nil
	}
	e.current.push(e.current.callee.Apply(b.Result, nil))
	e.current.resetCallee()
	return nil
}

// UnaryPre is reported before a unary operator is evaluated.
func (e *Engine) UnaryPre(iid int, op string, operand host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	if op == "void" {
		return nil
	}
	t, err := e.current.take()
	if err != nil {
		return e.fail("unaryPre", iid, err)
	}
	e.current.setCallee(newUnaryOrBinary(t))
	return nil
}

// Unary is reported after a unary operator produced result.
func (e *Engine) Unary(iid int, op string, operand, result host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	if op == "void" {
		if err := e.current.remove(); err != nil {
			return e.fail("unary", iid, err)
		}
		e.current.push(taint.Bottom)
		return nil
	}
	e.current.push(e.current.callee.Apply(result, nil))
	e.current.resetCallee()
	return nil
}

// Conditional is reported when a conditional or logical operator picked a branch;
// the chosen operand's taint is carried to Last.
func (e *Engine) Conditional(iid int, result host.Value) error {
	if err := e.begin(); err != nil {
		return err
	}
	t, err := e.current.peek()
	if err != nil {
		return e.fail("conditional", iid, err)
	}
	e.auxTaint = t
	return nil
}

// Last pushes the taint saved by the preceding Conditional.
func (e *Engine) Last() error {
	if err := e.begin(); err != nil {
		return err
	}
	e.current.push(e.auxTaint)
	e.auxTaint = taint.Bottom
	return nil
}

// EndExpression is reported after an expression statement; its value is discarded.
func (e *Engine) EndExpression(iid int) error {
	if err := e.begin(); err != nil {
		return err
	}
	if err := e.current.remove(); err != nil {
		return e.fail("endExpression", iid, err)
	}
	return nil
}
