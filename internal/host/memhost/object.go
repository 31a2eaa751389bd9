// File: internal/host/memhost/object.go
package memhost

import (
	"sort"
	"strconv"

	"github.com/xkilldash9x/scalpel-taint/internal/host"
)

// Object is a mutable in-memory host object. It implements host.Object.
type Object struct {
	handle   host.Handle
	proto    *Object
	class    string
	callable bool
	props    map[string]*host.Descriptor
	order    []string
}

var _ host.Object = (*Object)(nil)

func (o *Object) Handle() host.Handle { return o.handle }

// Prototype returns a nil interface, never a typed nil, when the prototype is null.
func (o *Object) Prototype() host.Object {
	if o.proto == nil {
		return nil
	}
	return o.proto
}

func (o *Object) OwnProperty(key string) (host.Descriptor, bool) {
	d, ok := o.props[key]
	if !ok {
		return host.Descriptor{}, false
	}
	return *d, true
}

// OwnKeys lists integer keys in ascending order followed by the remaining keys in
// insertion order, the way the host enumerates own properties.
func (o *Object) OwnKeys() []string {
	var ints []string
	var rest []string
	for _, k := range o.order {
		if isArrayIndex(k) {
			ints = append(ints, k)
		} else {
			rest = append(rest, k)
		}
	}
	sort.SliceStable(ints, func(i, j int) bool {
		a, _ := strconv.ParseUint(ints[i], 10, 32)
		b, _ := strconv.ParseUint(ints[j], 10, 32)
		return a < b
	})
	return append(ints, rest...)
}

func (o *Object) Class() string  { return o.class }
func (o *Object) Callable() bool { return o.callable }

// Get reads a data property through the prototype chain.
func (o *Object) Get(key string) host.Value {
	return host.DataValue(o, key)
}

// Set writes a data property. An existing own data property keeps its attributes;
// a new property is writable, enumerable and configurable.
func (o *Object) Set(key string, v host.Value) {
	if d, ok := o.props[key]; ok && !d.IsAccessor() {
		d.Value = v
		return
	}
	o.DefineProperty(key, host.Descriptor{Value: v, Writable: true, Enumerable: true, Configurable: true})
}

// DefineProperty installs or replaces an own property.
func (o *Object) DefineProperty(key string, d host.Descriptor) {
	if _, ok := o.props[key]; !ok {
		o.order = append(o.order, key)
	}
	desc := d
	o.props[key] = &desc
}

// DefineHidden installs a non-enumerable data property.
func (o *Object) DefineHidden(key string, v host.Value) {
	o.DefineProperty(key, host.Descriptor{Value: v, Writable: true, Configurable: true})
}

// DefineAccessor installs a getter/setter pair; either side may be nil.
func (o *Object) DefineAccessor(key string, getter, setter *Object) {
	d := host.Descriptor{Enumerable: true, Configurable: true}
	if getter != nil {
		d.Getter = getter
	}
	if setter != nil {
		d.Setter = setter
	}
	o.DefineProperty(key, d)
}

// Delete removes an own property following host semantics: deleting a missing
// property succeeds, deleting a non-configurable one fails.
func (o *Object) Delete(key string) bool {
	d, ok := o.props[key]
	if !ok {
		return true
	}
	if !d.Configurable {
		return false
	}
	delete(o.props, key)
	for i, k := range o.order {
		if k == key {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	return true
}

// SetPrototype replaces the prototype; nil means null.
func (o *Object) SetPrototype(p *Object) {
	o.proto = p
}

// Push appends elements to an array-like object and updates its length.
func (o *Object) Push(vals ...host.Value) {
	n := len(host.Elements(o))
	for i, v := range vals {
		o.Set(host.IndexKey(n+i), v)
	}
	o.setLength(n + len(vals))
}

func (o *Object) setLength(n int) {
	o.DefineProperty("length", host.Descriptor{Value: float64(n), Writable: true})
}

func isArrayIndex(k string) bool {
	if k == "" || (len(k) > 1 && k[0] == '0') {
		return false
	}
	_, err := strconv.ParseUint(k, 10, 32)
	return err == nil
}
