// File: internal/host/memhost/realm_test.go
package memhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-taint/internal/host"
)

func TestRealm_WellKnownPaths(t *testing.T) {
	t.Parallel()
	r := New()

	paths := []string{
		"Storage.prototype.getItem",
		"Storage.prototype.setItem",
		"localStorage",
		"sessionStorage",
		"document",
		"location",
		"navigator",
		"navigator.sendBeacon",
		"XMLHttpRequest.prototype",
		"XMLHttpRequest.prototype.open",
		"XMLHttpRequest.prototype.send",
		"fetch",
		"HTMLElement.prototype",
		"Promise.prototype.then",
		"__taint_source",
		"__taint_sink",
	}
	for _, p := range paths {
		obj, ok := r.Lookup(p)
		require.True(t, ok, "missing well-known object %q", p)
		assert.NotZero(t, obj.Handle())
	}

	g, ok := r.Lookup("window")
	require.True(t, ok)
	assert.True(t, host.Same(r.Global(), g))

	_, ok = r.Lookup("nope.nothing")
	assert.False(t, ok)
}

func TestRealm_StoragesShareThePrototype(t *testing.T) {
	t.Parallel()
	r := New()
	local := r.MustLookup("localStorage")
	session := r.MustLookup("sessionStorage")
	getItem := r.MustLookup("Storage.prototype.getItem")

	assert.NotEqual(t, local.Handle(), session.Handle())
	owner, _, found := host.FindOwner(local, "getItem")
	require.True(t, found)
	assert.True(t, host.Same(owner, r.MustLookup("Storage.prototype")))
	assert.True(t, host.Same(getItem, local.Get("getItem").(host.Object)))
}

func TestObject_OwnKeysOrder(t *testing.T) {
	t.Parallel()
	r := New()
	o := r.NewObject()
	o.Set("b", 1.0)
	o.Set("10", 1.0)
	o.Set("a", 1.0)
	o.Set("2", 1.0)
	o.Set("01", 1.0)

	assert.Equal(t, []string{"2", "10", "b", "a", "01"}, o.OwnKeys())

	arr := r.NewArray("x", "y")
	assert.Equal(t, []string{"0", "1", "length"}, arr.OwnKeys())
	assert.Equal(t, []host.Value{"x", "y"}, host.Elements(arr))
}

func TestObject_DeleteHonoursConfigurable(t *testing.T) {
	t.Parallel()
	r := New()
	arr := r.NewArray(1.0)

	assert.False(t, arr.Delete("length"), "length is not configurable")
	assert.True(t, arr.Delete("0"))
	assert.True(t, arr.Delete("missing"))
	_, ok := arr.OwnProperty("0")
	assert.False(t, ok)
}

func TestObject_Accessors(t *testing.T) {
	t.Parallel()
	r := New()
	o := r.NewObject()
	getter := r.NewFunction("get")
	o.DefineAccessor("x", getter, nil)

	d, ok := o.OwnProperty("x")
	require.True(t, ok)
	assert.True(t, d.IsAccessor())
	assert.Nil(t, d.Setter, "a missing setter must stay a nil interface")
	assert.Equal(t, host.Undefined{}, o.Get("x"), "accessors are opaque to data reads")
}

func TestRealm_Liveness(t *testing.T) {
	t.Parallel()
	r := New()
	o := r.NewObject()
	h := o.Handle()
	before := r.Len()

	assert.True(t, r.Alive(h))
	r.Release(h)
	assert.False(t, r.Alive(h))
	assert.Equal(t, before-1, r.Len())
	_, ok := r.Object(h)
	assert.False(t, ok)
}

func TestRealm_Constructors(t *testing.T) {
	t.Parallel()
	r := New()
	f := r.NewFunction("Point")
	p := r.NewInstance(f)

	proto := p.Prototype()
	require.NotNil(t, proto)
	ctor, ok := host.AsObject(host.DataValue(proto, "constructor"))
	require.True(t, ok)
	assert.True(t, host.Same(f, ctor))

	el := r.NewElement("img")
	assert.Equal(t, "IMG", el.Get("tagName"))
	assert.True(t, host.InstanceOf(el, r.MustLookup("HTMLElement.prototype")))
	assert.Equal(t, "https://a.example/", host.ToString(r.NewURL("https://a.example/")))
}
