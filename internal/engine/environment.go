// File: internal/engine/environment.go
package engine

import (
	"errors"

	"github.com/xkilldash9x/scalpel-taint/internal/host"
	"github.com/xkilldash9x/scalpel-taint/internal/shadow"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

var (
	// ErrArgumentsUninitialized means a named parameter was declared before the
	// activation's arguments object.
	ErrArgumentsUninitialized = errors.New("declaring argument, but arguments has not been initialized")
	// ErrGlobalArguments means the driver declared arguments at script level.
	ErrGlobalArguments = errors.New("arguments declared in global environment")
)

// Environment maps identifiers to taint for one activation.
type Environment interface {
	Get(name string) *taint.Taint
	Set(name string, t *taint.Taint)
	DeclareVariable(name string, t *taint.Taint)
	InitArguments(args host.Object) error
	DeclareArgument(name string, index int) error
}

// globalEnvironment stores bindings as shadow taint on the global object.
type globalEnvironment struct {
	mem    *shadow.Memory
	global host.Object
}

func newGlobalEnvironment(mem *shadow.Memory, global host.Object) *globalEnvironment {
	return &globalEnvironment{mem: mem, global: global}
}

func (g *globalEnvironment) Get(name string) *taint.Taint {
	return g.mem.Get(g.global, name)
}

func (g *globalEnvironment) Set(name string, t *taint.Taint) {
	g.mem.Set(g.global, name, t)
}

func (g *globalEnvironment) DeclareVariable(name string, t *taint.Taint) {
	g.mem.Set(g.global, name, t)
}

func (g *globalEnvironment) InitArguments(host.Object) error { return ErrGlobalArguments }

func (g *globalEnvironment) DeclareArgument(string, int) error { return ErrGlobalArguments }

// binding is the indirection behind a declared name.
type binding interface {
	load() *taint.Taint
	store(*taint.Taint)
}

type cell struct{ t *taint.Taint }

func (c *cell) load() *taint.Taint   { return c.t }
func (c *cell) store(t *taint.Taint) { c.t = orBottom(t) }

// argumentSlot aliases a named parameter to an element of the arguments object,
// so `x` and `arguments[0]` share one shadow entry.
type argumentSlot struct {
	mem   *shadow.Memory
	args  host.Object
	index string
}

func (s *argumentSlot) load() *taint.Taint   { return s.mem.Get(s.args, s.index) }
func (s *argumentSlot) store(t *taint.Taint) { s.mem.Set(s.args, s.index, t) }

// functionEnvironment is the scope of one activation. Lookups that miss fall back
// to the lexical parent captured when the function literal was evaluated.
type functionEnvironment struct {
	mem      *shadow.Memory
	parent   Environment
	bindings map[string]binding
	args     host.Object
}

func newFunctionEnvironment(mem *shadow.Memory, parent Environment) *functionEnvironment {
	return &functionEnvironment{
		mem:      mem,
		parent:   parent,
		bindings: make(map[string]binding),
	}
}

func (f *functionEnvironment) Get(name string) *taint.Taint {
	if b, ok := f.bindings[name]; ok {
		return orBottom(b.load())
	}
	return f.parent.Get(name)
}

func (f *functionEnvironment) Set(name string, t *taint.Taint) {
	if b, ok := f.bindings[name]; ok {
		b.store(t)
		return
	}
	f.parent.Set(name, t)
}

func (f *functionEnvironment) DeclareVariable(name string, t *taint.Taint) {
	f.bindings[name] = &cell{t: orBottom(t)}
}

func (f *functionEnvironment) InitArguments(args host.Object) error {
	f.args = args
	f.DeclareVariable("arguments", taint.Bottom)
	return nil
}

func (f *functionEnvironment) DeclareArgument(name string, index int) error {
	if f.args == nil {
		return ErrArgumentsUninitialized
	}
	f.bindings[name] = &argumentSlot{mem: f.mem, args: f.args, index: host.IndexKey(index)}
	return nil
}
