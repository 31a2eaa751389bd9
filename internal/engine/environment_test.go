// File: internal/engine/environment_test.go
package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-taint/internal/host/memhost"
	"github.com/xkilldash9x/scalpel-taint/internal/shadow"
)

func TestGlobalEnvironment(t *testing.T) {
	realm := memhost.New()
	mem := shadow.New(realm)
	g := newGlobalEnvironment(mem, realm.Global())
	realm.Global().(*memhost.Object).Set("v", "x")

	g.DeclareVariable("v", nil)
	assert.True(t, g.Get("v").IsBottom())
	t1 := label(1)
	g.Set("v", t1)
	assert.Same(t, t1, g.Get("v"))
	assert.Same(t, t1, mem.GetOwn(realm.Global(), "v"), "globals live on the global object")

	assert.ErrorIs(t, g.InitArguments(realm.NewArguments()), ErrGlobalArguments)
	assert.ErrorIs(t, g.DeclareArgument("x", 0), ErrGlobalArguments)
}

func TestFunctionEnvironment_ScopeChain(t *testing.T) {
	realm := memhost.New()
	mem := shadow.New(realm)
	realm.Global().(*memhost.Object).Set("g", "x")
	global := newGlobalEnvironment(mem, realm.Global())

	outer := newFunctionEnvironment(mem, global)
	inner := newFunctionEnvironment(mem, outer)
	outer.DeclareVariable("captured", label(1))

	assert.Equal(t, outer.Get("captured"), inner.Get("captured"))
	inner.Set("captured", label(2))
	assert.Equal(t, uint64(2), outer.Get("captured").Label().ID, "writes reach the declaring scope")

	inner.Set("g", label(3))
	assert.Equal(t, uint64(3), global.Get("g").Label().ID)

	inner.DeclareVariable("captured", nil)
	assert.True(t, inner.Get("captured").IsBottom(), "a local declaration shadows the outer one")
	assert.Equal(t, uint64(2), outer.Get("captured").Label().ID)
}

func TestFunctionEnvironment_ArgumentsAliasing(t *testing.T) {
	realm := memhost.New()
	mem := shadow.New(realm)
	env := newFunctionEnvironment(mem, newGlobalEnvironment(mem, realm.Global()))

	require.ErrorIs(t, env.DeclareArgument("x", 0), ErrArgumentsUninitialized)

	args := realm.NewArguments("a", "b")
	mem.SetOwn(args, "1", label(1))
	require.NoError(t, env.InitArguments(args))
	require.NoError(t, env.DeclareArgument("x", 0))
	require.NoError(t, env.DeclareArgument("y", 1))

	assert.Equal(t, uint64(1), env.Get("y").Label().ID)
	assert.True(t, env.Get("x").IsBottom())

	env.Set("x", label(2))
	assert.Equal(t, uint64(2), mem.Get(args, "0").Label().ID, "parameters alias the arguments object")
	mem.Set(args, "1", nil)
	assert.True(t, env.Get("y").IsBottom())
	assert.True(t, env.Get("arguments").IsBottom())
}
