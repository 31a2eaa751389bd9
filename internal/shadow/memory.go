// File: internal/shadow/memory.go

// Package shadow keeps taint alongside host objects without touching them. Records
// are addressed by host handle; the memory never retains the objects themselves,
// so entries must be swept with a liveness oracle or cleared on teardown.
package shadow

import (
	"github.com/xkilldash9x/scalpel-taint/internal/host"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

type record struct {
	keys      map[string]*taint.Taint
	intrinsic *taint.Taint
}

// Memory is the shadow store for one document. It is not safe for concurrent use.
type Memory struct {
	realm     host.Realm
	records   map[host.Handle]*record
	userFuncs map[host.Handle]struct{}
}

// New creates an empty shadow memory for realm.
func New(realm host.Realm) *Memory {
	return &Memory{
		realm:     realm,
		records:   make(map[host.Handle]*record),
		userFuncs: make(map[host.Handle]struct{}),
	}
}

func (m *Memory) lookup(obj host.Object) *record {
	return m.records[obj.Handle()]
}

func (m *Memory) lookupOrCreate(obj host.Object) *record {
	h := obj.Handle()
	rec, ok := m.records[h]
	if !ok {
		rec = &record{keys: make(map[string]*taint.Taint)}
		m.records[h] = rec
	}
	return rec
}

// Get returns the taint of target[key] as the host would resolve it. Reads that
// resolve to an accessor are opaque and yield Bottom.
func (m *Memory) Get(target host.Value, key string) *taint.Taint {
	obj, ok := host.AsObject(target)
	if !ok {
		return taint.Bottom
	}
	owner, d, found := host.FindOwner(obj, key)
	if !found || d.IsAccessor() {
		return taint.Bottom
	}
	return m.GetOwn(owner, key)
}

// GetOwn returns the taint stored on obj itself for key.
func (m *Memory) GetOwn(obj host.Object, key string) *taint.Taint {
	rec := m.lookup(obj)
	if rec == nil {
		return taint.Bottom
	}
	if m.IsAuthored(obj) {
		return orBottom(rec.keys[key])
	}
	return orBottom(rec.intrinsic)
}

// Set stores t for target[key]. Writes that resolve to an accessor have no effect
// here and succeed; writes to a non-writable data property fail. Otherwise the
// taint is stored on target itself, shadowing any prototype entry.
func (m *Memory) Set(target host.Value, key string, t *taint.Taint) bool {
	obj, ok := host.AsObject(target)
	if !ok {
		return true
	}
	if _, d, found := host.FindOwner(obj, key); found {
		if d.IsAccessor() {
			return true
		}
		if !d.Writable {
			return false
		}
	}
	return m.SetOwn(obj, key, t)
}

// SetOwn stores t on obj. Intrinsic objects fold it into their collapsed taint.
func (m *Memory) SetOwn(obj host.Object, key string, t *taint.Taint) bool {
	rec := m.lookupOrCreate(obj)
	if m.IsAuthored(obj) {
		rec.keys[key] = orBottom(t)
	} else {
		rec.intrinsic = taint.Join(rec.intrinsic, t)
	}
	return true
}

// Delete mirrors host delete: it fails for a non-configurable own property and
// otherwise drops the shadow entry for key. The host may already have removed the
// property, in which case only the shadow entry is left to drop.
func (m *Memory) Delete(target host.Value, key string) bool {
	obj, ok := host.AsObject(target)
	if !ok {
		return true
	}
	if d, own := obj.OwnProperty(key); own && !d.Configurable {
		return false
	}
	if rec := m.lookup(obj); rec != nil {
		delete(rec.keys, key)
	}
	return true
}

// GetIntrinsic returns the taint carried by the object as a whole. For authored
// objects that is the join of every own key and nothing else, so overwriting or
// deleting a key drops its taint.
func (m *Memory) GetIntrinsic(target host.Value) *taint.Taint {
	obj, ok := host.AsObject(target)
	if !ok {
		return taint.Bottom
	}
	rec := m.lookup(obj)
	if rec == nil {
		return taint.Bottom
	}
	if !m.IsAuthored(obj) {
		return orBottom(rec.intrinsic)
	}
	t := taint.Bottom
	for _, k := range obj.OwnKeys() {
		t = taint.Join(t, rec.keys[k])
	}
	return t
}

// UpdateIntrinsic joins t into the object as a whole: into every current own key
// of an authored object, or into the collapsed taint of an intrinsic one. An
// authored object without own keys keeps nothing.
func (m *Memory) UpdateIntrinsic(target host.Value, t *taint.Taint) bool {
	obj, ok := host.AsObject(target)
	if !ok || t.IsBottom() {
		return true
	}
	rec := m.lookupOrCreate(obj)
	if !m.IsAuthored(obj) {
		rec.intrinsic = taint.Join(rec.intrinsic, t)
		return true
	}
	for _, k := range obj.OwnKeys() {
		rec.keys[k] = taint.Join(rec.keys[k], t)
	}
	return true
}

// IsAuthored reports whether obj was built by the monitored program (per-key
// tracking) rather than by the host (collapsed tracking). The answer depends on
// the current prototype and is never cached.
func (m *Memory) IsAuthored(obj host.Object) bool {
	if host.Same(obj, m.realm.Global()) {
		return true
	}
	proto := obj.Prototype()
	if proto == nil ||
		host.Same(proto, m.realm.ObjectPrototype()) ||
		host.Same(proto, m.realm.ArrayPrototype()) {
		return true
	}
	ctor, ok := host.AsObject(host.DataValue(proto, "constructor"))
	return ok && m.IsUserFunction(ctor)
}

// MarkUserFunction registers f as defined by the monitored program.
func (m *Memory) MarkUserFunction(f host.Object) {
	m.userFuncs[f.Handle()] = struct{}{}
}

// IsUserFunction reports whether f was registered by MarkUserFunction.
func (m *Memory) IsUserFunction(f host.Value) bool {
	obj, ok := host.AsObject(f)
	if !ok {
		return false
	}
	_, ok = m.userFuncs[obj.Handle()]
	return ok
}

// Sweep drops every record and registration whose handle is no longer alive and
// returns how many entries were removed.
func (m *Memory) Sweep(alive func(host.Handle) bool) int {
	removed := 0
	for h := range m.records {
		if !alive(h) {
			delete(m.records, h)
			removed++
		}
	}
	for h := range m.userFuncs {
		if !alive(h) {
			delete(m.userFuncs, h)
			removed++
		}
	}
	return removed
}

// Reset clears all state, as on document teardown.
func (m *Memory) Reset() {
	clear(m.records)
	clear(m.userFuncs)
}

// Len returns the number of objects with a shadow record.
func (m *Memory) Len() int { return len(m.records) }

func orBottom(t *taint.Taint) *taint.Taint {
	if t == nil {
		return taint.Bottom
	}
	return t
}
