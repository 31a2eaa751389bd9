// File: internal/engine/harness_test.go
package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
	"github.com/xkilldash9x/scalpel-taint/internal/config"
	"github.com/xkilldash9x/scalpel-taint/internal/host"
	"github.com/xkilldash9x/scalpel-taint/internal/host/memhost"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

const (
	trackerScriptURL = "https://tracker.example/t.js"
	siteScriptURL    = "https://site.example/app.js"
)

// harness drives an engine the way an instrumentation driver would, one
// expression at a time, against an in-memory realm.
type harness struct {
	t     *testing.T
	realm *memhost.Realm
	eng   *Engine
	iid   int
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, config.EngineConfig{MaxStackDepth: 64})
}

func newHarnessWithConfig(t *testing.T, cfg config.EngineConfig) *harness {
	t.Helper()
	realm := memhost.New()
	scripts := taint.MapScripts{
		1: {URL: trackerScriptURL, Spans: map[int]taint.Span{}},
		2: {URL: siteScriptURL},
	}
	h := &harness{t: t, realm: realm, eng: New(realm, scripts, cfg, zaptest.NewLogger(t))}
	h.ok(h.eng.ScriptEnter(h.next(), 1))
	return h
}

func (h *harness) next() int {
	h.iid++
	return h.iid
}

func (h *harness) ok(err error) {
	h.t.Helper()
	require.NoError(h.t, err)
}

// expr evaluates a sub-expression: it drives the callbacks that leave its taint
// on the stack and returns its value.
type expr func() host.Value

func evalAll(es []expr) []host.Value {
	vals := make([]host.Value, len(es))
	for i, e := range es {
		vals[i] = e()
	}
	return vals
}

func (h *harness) lit(v host.Value) expr {
	return func() host.Value {
		h.ok(h.eng.Literal(h.next(), v))
		return v
	}
}

// object evaluates an object or array literal whose initialisers are inits, in
// source order. The host object must already hold the initialised keys.
func (h *harness) object(obj *memhost.Object, inits ...expr) expr {
	return func() host.Value {
		evalAll(inits)
		return h.lit(obj)()
	}
}

func (h *harness) ident(name string, v host.Value) expr {
	return func() host.Value {
		h.ok(h.eng.Read(h.next(), name, v))
		return v
	}
}

// global reads a property of the global object through its identifier.
func (h *harness) global(name string) expr {
	return func() host.Value {
		return h.ident(name, host.DataValue(h.realm.Global(), name))()
	}
}

func (h *harness) get(base expr, key string) expr {
	return h.getWith(base, key, func(b host.Value) host.Value { return host.DataValue(b, key) })
}

// getWith evaluates base[key]; read performs the host side of the access, such
// as running a getter, and returns the produced value.
func (h *harness) getWith(base expr, key string, read func(host.Value) host.Value) expr {
	return func() host.Value {
		b := base()
		f := FieldAccess{Base: b, Offset: key}
		h.ok(h.eng.GetFieldPre(h.next(), f))
		f.Value = read(b)
		h.ok(h.eng.GetField(h.next(), f))
		return f.Value
	}
}

func (h *harness) put(base expr, key string, value expr) expr {
	return h.putWith(base, key, value, func(b, v host.Value) {
		if obj, ok := b.(*memhost.Object); ok {
			obj.Set(key, v)
		}
	})
}

// putWith evaluates base[key] = value; write performs the host side.
func (h *harness) putWith(base expr, key string, value expr, write func(b, v host.Value)) expr {
	return func() host.Value {
		b := base()
		v := value()
		f := FieldAccess{Base: b, Offset: key, Value: v}
		h.ok(h.eng.PutFieldPre(h.next(), f))
		write(b, v)
		h.ok(h.eng.PutField(h.next(), f))
		return v
	}
}

// body stands in for the callee running between the pre and post call callbacks.
type body func(this host.Value, args []host.Value)

// call evaluates fn(args...).
func (h *harness) call(fn expr, result host.Value, run body, args ...expr) expr {
	return func() host.Value {
		f := fn()
		vals := evalAll(args)
		c := Call{Func: f, Base: host.Undefined{}, Args: vals, Result: result}
		h.ok(h.eng.InvokeFunPre(h.next(), c))
		if run != nil {
			run(c.Base, vals)
		}
		h.ok(h.eng.InvokeFun(h.next(), c))
		return result
	}
}

// invoke evaluates base.key(args...).
func (h *harness) invoke(base expr, key string, result host.Value, run body, args ...expr) expr {
	return func() host.Value {
		b := base()
		f := FieldAccess{Base: b, Offset: key, MethodCall: true}
		h.ok(h.eng.GetFieldPre(h.next(), f))
		f.Value = host.DataValue(b, key)
		h.ok(h.eng.GetField(h.next(), f))

		vals := evalAll(args)
		c := Call{Func: f.Value, Base: b, Args: vals, Result: result, Method: true}
		h.ok(h.eng.InvokeFunPre(h.next(), c))
		if run != nil {
			run(b, vals)
		}
		h.ok(h.eng.InvokeFun(h.next(), c))
		return result
	}
}

func (h *harness) source(v host.Value) expr {
	return h.call(h.global("__taint_source"), v, nil, h.lit(v))
}

func (h *harness) sink(arg expr) expr {
	return h.call(h.global("__taint_sink"), host.Undefined{}, nil, arg)
}

// stmt evaluates an expression statement.
func (h *harness) stmt(e expr) {
	h.t.Helper()
	e()
	h.ok(h.eng.EndExpression(h.next()))
}

// assign evaluates name = e for a binding of the current activation.
func (h *harness) assign(name string, e expr) expr {
	return func() host.Value {
		v := e()
		h.ok(h.eng.Write(h.next(), name, v))
		return v
	}
}

// assignGlobal evaluates name = e at script level, where the host stores the
// variable on the global object.
func (h *harness) assignGlobal(name string, e expr) expr {
	return func() host.Value {
		v := e()
		h.realm.Global().(*memhost.Object).Set(name, v)
		h.ok(h.eng.Write(h.next(), name, v))
		return v
	}
}

// declareGlobal declares a script-level var.
func (h *harness) declareGlobal(name string) {
	h.realm.Global().(*memhost.Object).Set(name, host.Undefined{})
	h.ok(h.eng.Declare(h.next(), Declaration{Name: name, Value: host.Undefined{}}))
}

// function evaluates a function literal statement and returns the new function.
func (h *harness) function(name string) *memhost.Object {
	f := h.realm.NewFunction(name)
	h.stmt(h.lit(f))
	return f
}

// activate runs fn's body as a new activation with params bound to args.
func (h *harness) activate(fn, this host.Value, args []host.Value, params []string, run func() host.Value) {
	h.ok(h.eng.FunctionEnter(h.next(), 0, fn, this, args))
	argsObj := h.realm.NewArguments(args...)
	h.ok(h.eng.Declare(h.next(), Declaration{Name: "arguments", Value: argsObj, IsArgument: true, ArgumentIndex: -1}))
	for i, p := range params {
		h.ok(h.eng.Declare(h.next(), Declaration{Name: p, IsArgument: true, ArgumentIndex: i}))
	}
	var result host.Value = host.Undefined{}
	if run != nil {
		result = run()
	}
	h.ok(h.eng.FunctionExit(h.next(), result, false))
}

// ret evaluates return e inside an activation.
func (h *harness) ret(e expr) host.Value {
	v := e()
	h.ok(h.eng.Return(h.next(), v))
	return v
}

// -- Assertions --

func (h *harness) snapshot() schemas.CompactTrackingResult {
	return h.eng.Snapshot()
}

// flowKinds renders every recorded flow as its source kinds and sink kind.
func flowKinds(s schemas.CompactTrackingResult) [][2][]schemas.LabelKind {
	out := make([][2][]schemas.LabelKind, 0, len(s.Flows))
	for _, f := range s.Flows {
		var sources []schemas.LabelKind
		for _, id := range f.TaintLabelIDs {
			sources = append(sources, s.LabelMap[id].Type)
		}
		out = append(out, [2][]schemas.LabelKind{sources, {s.LabelMap[f.SinkLabelID].Type}})
	}
	return out
}

func kinds(ks ...schemas.LabelKind) []schemas.LabelKind { return ks }
