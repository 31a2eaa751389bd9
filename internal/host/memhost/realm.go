// File: internal/host/memhost/realm.go

// Package memhost is an in-memory host realm. It models the browser objects the
// taint engine recognises so that traces can be replayed and the engine tested
// without a browser.
package memhost

import (
	"strings"

	"github.com/xkilldash9x/scalpel-taint/internal/host"
)

// Realm owns every object it creates and hands out sequential handles.
type Realm struct {
	next    host.Handle
	objects map[host.Handle]*Object

	global          *Object
	objectPrototype *Object
	arrayPrototype  *Object
	funcPrototype   *Object

	elementPrototype *Object
	xhrPrototype     *Object
	promisePrototype *Object
	storagePrototype *Object
	urlPrototype     *Object
}

var _ host.Realm = (*Realm)(nil)

// New builds a realm populated with the well-known browser objects.
func New() *Realm {
	r := &Realm{next: 1, objects: make(map[host.Handle]*Object)}

	r.objectPrototype = r.alloc(nil, "Object", false)
	r.funcPrototype = r.alloc(r.objectPrototype, "Function", true)
	r.arrayPrototype = r.alloc(r.objectPrototype, "Array", false)
	r.arrayPrototype.setLength(0)

	r.global = r.alloc(r.objectPrototype, "Window", false)
	r.global.DefineHidden("window", r.global)

	r.installConstructor("Object", r.objectPrototype)
	r.installConstructor("Array", r.arrayPrototype)
	r.installConstructor("Function", r.funcPrototype)

	r.storagePrototype = r.newPrototype("Storage")
	r.storagePrototype.DefineHidden("getItem", r.NewNative("getItem"))
	r.storagePrototype.DefineHidden("setItem", r.NewNative("setItem"))
	r.storagePrototype.DefineHidden("removeItem", r.NewNative("removeItem"))
	for _, name := range []string{"localStorage", "sessionStorage"} {
		r.global.DefineHidden(name, r.alloc(r.storagePrototype, "Storage", false))
	}

	r.elementPrototype = r.newPrototype("HTMLElement")
	r.elementPrototype.DefineHidden("setAttribute", r.NewNative("setAttribute"))
	r.elementPrototype.DefineHidden("appendChild", r.NewNative("appendChild"))

	r.xhrPrototype = r.newPrototype("XMLHttpRequest")
	r.xhrPrototype.DefineHidden("open", r.NewNative("open"))
	r.xhrPrototype.DefineHidden("send", r.NewNative("send"))

	r.promisePrototype = r.newPrototype("Promise")
	r.promisePrototype.DefineHidden("then", r.NewNative("then"))

	r.urlPrototype = r.newPrototype("URL")

	document := r.alloc(r.newPrototype("HTMLDocument"), "HTMLDocument", false)
	document.Set("cookie", "")
	document.Set("URL", "about:blank")
	r.global.DefineHidden("document", document)

	location := r.alloc(r.newPrototype("Location"), "Location", false)
	for _, k := range []string{"href", "origin", "protocol", "host", "hostname", "port", "pathname", "search", "hash"} {
		location.Set(k, "")
	}
	r.global.DefineHidden("location", location)

	navigator := r.alloc(r.newPrototype("Navigator"), "Navigator", false)
	navigator.Set("language", "en-US")
	navigator.Set("platform", "Linux x86_64")
	navigator.Set("userAgent", "Mozilla/5.0")
	navigator.DefineHidden("sendBeacon", r.NewNative("sendBeacon"))
	r.global.DefineHidden("navigator", navigator)

	r.global.DefineHidden("fetch", r.NewNative("fetch"))
	r.global.DefineHidden("__taint_source", r.NewNative("__taint_source"))
	r.global.DefineHidden("__taint_sink", r.NewNative("__taint_sink"))
	return r
}

func (r *Realm) alloc(proto *Object, class string, callable bool) *Object {
	o := &Object{
		handle:   r.next,
		proto:    proto,
		class:    class,
		callable: callable,
		props:    make(map[string]*host.Descriptor),
	}
	r.objects[o.handle] = o
	r.next++
	return o
}

// newPrototype creates a native constructor on the global object and returns its
// prototype object.
func (r *Realm) newPrototype(name string) *Object {
	proto := r.alloc(r.objectPrototype, name, false)
	r.installConstructor(name, proto)
	return proto
}

func (r *Realm) installConstructor(name string, proto *Object) {
	ctor := r.NewNative(name)
	ctor.DefineProperty("prototype", host.Descriptor{Value: proto})
	proto.DefineHidden("constructor", ctor)
	r.global.DefineHidden(name, ctor)
}

func (r *Realm) Global() host.Object          { return r.global }
func (r *Realm) ObjectPrototype() host.Object { return r.objectPrototype }
func (r *Realm) ArrayPrototype() host.Object  { return r.arrayPrototype }

// Lookup resolves a dotted path from the global object. "window" and the empty
// path resolve to the global object itself.
func (r *Realm) Lookup(path string) (host.Object, bool) {
	if path == "" || path == "window" {
		return r.global, true
	}
	var cur host.Value = r.global
	for _, part := range strings.Split(path, ".") {
		cur = host.DataValue(cur, part)
	}
	obj, ok := host.AsObject(cur)
	return obj, ok
}

// Object resolves a handle to a live object.
func (r *Realm) Object(h host.Handle) (*Object, bool) {
	o, ok := r.objects[h]
	return o, ok
}

// Alive reports whether the realm still holds the object. It serves as the
// engine's liveness oracle.
func (r *Realm) Alive(h host.Handle) bool {
	_, ok := r.objects[h]
	return ok
}

// Release forgets an object, modelling it becoming unreachable.
func (r *Realm) Release(h host.Handle) {
	delete(r.objects, h)
}

// Len returns the number of live objects.
func (r *Realm) Len() int { return len(r.objects) }

// NewObject creates a plain object whose prototype is Object.prototype.
func (r *Realm) NewObject() *Object {
	return r.alloc(r.objectPrototype, "Object", false)
}

// NewObjectWithProto creates a plain object with an explicit prototype; nil means null.
func (r *Realm) NewObjectWithProto(proto *Object) *Object {
	return r.alloc(proto, "Object", false)
}

// NewArray creates an array holding vals.
func (r *Realm) NewArray(vals ...host.Value) *Object {
	a := r.alloc(r.arrayPrototype, "Array", false)
	a.setLength(0)
	a.Push(vals...)
	return a
}

// NewArguments creates an arguments object holding vals.
func (r *Realm) NewArguments(vals ...host.Value) *Object {
	a := r.alloc(r.objectPrototype, "Arguments", false)
	a.setLength(0)
	a.Push(vals...)
	return a
}

// NewFunction creates a function object with its own prototype object, the shape
// produced by a function literal in the monitored program.
func (r *Realm) NewFunction(name string) *Object {
	f := r.NewNative(name)
	proto := r.NewObject()
	proto.DefineHidden("constructor", f)
	f.DefineProperty("prototype", host.Descriptor{Value: proto, Writable: true})
	return f
}

// NewNative creates a built-in function object.
func (r *Realm) NewNative(name string) *Object {
	f := r.alloc(r.funcPrototype, "Function", true)
	f.DefineProperty("name", host.Descriptor{Value: name, Configurable: true})
	return f
}

// NewInstance creates an object the way `new ctor()` would.
func (r *Realm) NewInstance(ctor *Object) *Object {
	proto, _ := ctor.Get("prototype").(*Object)
	return r.alloc(proto, "Object", false)
}

// NewElement creates a rendered element with the given tag name.
func (r *Realm) NewElement(tag string) *Object {
	e := r.alloc(r.elementPrototype, "HTMLElement", false)
	e.DefineProperty("tagName", host.Descriptor{Value: strings.ToUpper(tag), Enumerable: true})
	return e
}

// NewXHR creates an XMLHttpRequest instance.
func (r *Realm) NewXHR() *Object {
	return r.alloc(r.xhrPrototype, "XMLHttpRequest", false)
}

// NewPromise creates a native promise.
func (r *Realm) NewPromise() *Object {
	return r.alloc(r.promisePrototype, "Promise", false)
}

// NewURL creates a URL object whose string conversion is href.
func (r *Realm) NewURL(href string) *Object {
	u := r.alloc(r.urlPrototype, "URL", false)
	u.Set("href", href)
	return u
}

// MustLookup is Lookup for paths known to exist in every realm built by New.
func (r *Realm) MustLookup(path string) *Object {
	o, ok := r.Lookup(path)
	if !ok {
		panic("memhost: no well-known object at " + path)
	}
	return o.(*Object)
}
