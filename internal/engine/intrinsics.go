// File: internal/engine/intrinsics.go
package engine

import (
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
	"github.com/xkilldash9x/scalpel-taint/internal/host"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

// funcKind identifies a recognised built-in function.
type funcKind uint8

const (
	funcNone funcKind = iota
	funcSourceMarker
	funcSinkMarker
	funcStorageGetItem
	funcStorageSetItem
	funcFetch
	funcSendBeacon
	funcXHROpen
	funcXHRSend
)

// objectKind identifies a recognised built-in singleton object.
type objectKind uint8

const (
	objectNone objectKind = iota
	objectLocalStorage
	objectSessionStorage
	objectDocument
	objectLocation
	objectNavigator
)

var intrinsicFuncPaths = []struct {
	path string
	kind funcKind
}{
	{"__taint_source", funcSourceMarker},
	{"__taint_sink", funcSinkMarker},
	{"Storage.prototype.getItem", funcStorageGetItem},
	{"Storage.prototype.setItem", funcStorageSetItem},
	{"fetch", funcFetch},
	{"navigator.sendBeacon", funcSendBeacon},
	{"XMLHttpRequest.prototype.open", funcXHROpen},
	{"XMLHttpRequest.prototype.send", funcXHRSend},
}

var intrinsicObjectPaths = []struct {
	path string
	kind objectKind
}{
	{"localStorage", objectLocalStorage},
	{"sessionStorage", objectSessionStorage},
	{"document", objectDocument},
	{"location", objectLocation},
	{"navigator", objectNavigator},
}

var (
	navigatorSources = map[string]schemas.LabelKind{
		"language":  schemas.KindNavigatorLanguage,
		"platform":  schemas.KindNavigatorPlatform,
		"userAgent": schemas.KindNavigatorUserAgent,
	}
	xhrResponseFields = map[string]struct{}{
		"response":     {},
		"responseText": {},
		"responseURL":  {},
		"responseXML":  {},
	}
)

// intrinsicTable is resolved once per engine from the realm's well-known paths.
// Dispatch is by handle, so a program that shadows a global name cannot spoof a
// source or sink.
type intrinsicTable struct {
	funcs   map[host.Handle]funcKind
	objects map[host.Handle]objectKind

	xhrPrototype     host.Object
	elementPrototype host.Object
}

func resolveIntrinsics(realm host.Realm, logger *zap.Logger) *intrinsicTable {
	t := &intrinsicTable{
		funcs:   make(map[host.Handle]funcKind, len(intrinsicFuncPaths)),
		objects: make(map[host.Handle]objectKind, len(intrinsicObjectPaths)),
	}
	var missing []string
	for _, f := range intrinsicFuncPaths {
		obj, ok := realm.Lookup(f.path)
		if !ok {
			missing = append(missing, f.path)
			continue
		}
		t.funcs[obj.Handle()] = f.kind
	}
	for _, o := range intrinsicObjectPaths {
		obj, ok := realm.Lookup(o.path)
		if !ok {
			missing = append(missing, o.path)
			continue
		}
		t.objects[obj.Handle()] = o.kind
	}
	t.xhrPrototype, _ = realm.Lookup("XMLHttpRequest.prototype")
	t.elementPrototype, _ = realm.Lookup("HTMLElement.prototype")

	if len(missing) > 0 {
		logger.Warn("Realm lacks some recognised intrinsics; they will not act as sources or sinks",
			zap.Strings("paths", missing))
	}
	return t
}

func (t *intrinsicTable) function(v host.Value) funcKind {
	obj, ok := host.AsObject(v)
	if !ok {
		return funcNone
	}
	return t.funcs[obj.Handle()]
}

func (t *intrinsicTable) object(v host.Value) objectKind {
	obj, ok := host.AsObject(v)
	if !ok {
		return objectNone
	}
	return t.objects[obj.Handle()]
}

// isXHR reports whether v is an XMLHttpRequest instance created by the host.
func (t *intrinsicTable) isXHR(v host.Value) bool {
	obj, ok := host.AsObject(v)
	return ok && t.xhrPrototype != nil && host.Same(obj.Prototype(), t.xhrPrototype)
}

func (t *intrinsicTable) isElement(v host.Value) bool {
	obj, ok := host.AsObject(v)
	return ok && host.InstanceOf(obj, t.elementPrototype)
}

func storageName(k objectKind) string {
	if k == objectLocalStorage {
		return "localStorage"
	}
	return "sessionStorage"
}

func storageGetKind(k objectKind) schemas.LabelKind {
	if k == objectLocalStorage {
		return schemas.KindLocalStorageGet
	}
	return schemas.KindSessionStorageGet
}

func storageSetKind(k objectKind) schemas.LabelKind {
	if k == objectLocalStorage {
		return schemas.KindLocalStorageSet
	}
	return schemas.KindSessionStorageSet
}

func isStorage(k objectKind) bool {
	return k == objectLocalStorage || k == objectSessionStorage
}

// xhrRequest is the method and URL an XMLHttpRequest was opened with.
type xhrRequest struct {
	Method string
	URL    string
}

func (r xhrRequest) info() map[string]any {
	info := map[string]any{}
	if r.Method != "" {
		info["method"] = r.Method
	}
	if r.URL != "" {
		info["url"] = r.URL
	}
	return info
}

// -- Ownership --

func (e *Engine) storageOwner(area objectKind, key string) string {
	return e.ownership[area][key]
}

func (e *Engine) setStorageOwner(area objectKind, key string) error {
	url, err := e.scriptURL()
	if err != nil {
		return err
	}
	owners, ok := e.ownership[area]
	if !ok {
		owners = make(map[string]string)
		e.ownership[area] = owners
	}
	owners[key] = url
	return nil
}

// -- Label helpers --

func (e *Engine) mint(iid int, kind schemas.LabelKind, info map[string]any) (*taint.Label, error) {
	loc, err := e.location(iid)
	if err != nil {
		return nil, err
	}
	return e.registry.Mint(kind, loc, info), nil
}

func (e *Engine) source(iid int, kind schemas.LabelKind, info map[string]any) (*taint.Taint, error) {
	label, err := e.mint(iid, kind, info)
	if err != nil {
		return nil, err
	}
	return taint.Base(label), nil
}

// flow records t reaching a sink. The sink label is only minted when t carries
// information.
func (e *Engine) flow(iid int, t *taint.Taint, kind schemas.LabelKind, info map[string]any) error {
	if t.IsBottom() {
		return nil
	}
	label, err := e.mint(iid, kind, info)
	if err != nil {
		return err
	}
	e.registry.RecordFlow(t, label)
	return nil
}

// deep is the taint of a value together with the state carried by the object it
// refers to.
func (e *Engine) deep(v host.Value, t *taint.Taint) *taint.Taint {
	return taint.Join(t, e.mem.GetIntrinsic(v))
}

func argAt(args []host.Value, i int) host.Value {
	if i < 0 || i >= len(args) {
		return host.Undefined{}
	}
	return args[i]
}

func taintAt(ts []*taint.Taint, i int) *taint.Taint {
	if i < 0 || i >= len(ts) {
		return taint.Bottom
	}
	return orBottom(ts[i])
}

func requestMethod(init host.Value) string {
	if m := host.DataValue(init, "method"); host.Truthy(m) {
		return host.ToString(m)
	}
	return "GET"
}

// -- Calls --

// callSource returns the external taint produced by a completed native call.
func (e *Engine) callSource(iid int, c Call) (*taint.Taint, error) {
	switch e.intrinsics.function(c.Func) {
	case funcSourceMarker:
		return e.source(iid, schemas.KindSourceMarker, map[string]any{
			"value": stringify(argAt(c.Args, 0)),
		})

	case funcStorageGetItem:
		area := e.intrinsics.object(c.Base)
		if !isStorage(area) {
			return taint.Bottom, nil
		}
		key := host.ToString(argAt(c.Args, 0))
		label, err := e.mint(iid, storageGetKind(area), map[string]any{
			"key":       key,
			"value":     host.ToString(c.Result),
			"ownership": e.storageOwner(area, key),
		})
		if err != nil {
			return nil, err
		}
		e.registry.RecordStorageLabel(label)
		return taint.Base(label), nil

	case funcFetch:
		return e.source(iid, schemas.KindFetchResponse, map[string]any{
			"method": requestMethod(argAt(c.Args, 1)),
			"url":    host.ToString(argAt(c.Args, 0)),
		})
	}
	return taint.Bottom, nil
}

// callSink checks a native call about to run against the sink table.
func (e *Engine) callSink(iid int, c Call, baseTaint *taint.Taint, argsTaint []*taint.Taint) error {
	arg := func(i int) *taint.Taint {
		v := argAt(c.Args, i)
		if !host.Truthy(v) {
			return taint.Bottom
		}
		return e.deep(v, taintAt(argsTaint, i))
	}

	switch kind := e.intrinsics.function(c.Func); kind {
	case funcSinkMarker:
		v := argAt(c.Args, 0)
		return e.flow(iid, e.deep(v, taintAt(argsTaint, 0)), schemas.KindSinkMarker, map[string]any{
			"value": stringify(v),
		})

	case funcStorageSetItem:
		area := e.intrinsics.object(c.Base)
		if !isStorage(area) {
			return nil
		}
		key := host.ToString(argAt(c.Args, 0))
		v := argAt(c.Args, 1)
		return e.storageWrite(iid, area, key, v, taintAt(argsTaint, 1))

	case funcSendBeacon:
		return e.flow(iid, taint.Join(arg(0), arg(1)), schemas.KindSendBeacon, map[string]any{
			"url": host.ToString(argAt(c.Args, 0)),
		})

	case funcXHROpen, funcXHRSend:
		if !e.intrinsics.isXHR(c.Base) {
			return nil
		}
		xhr, _ := host.AsObject(c.Base)
		if kind == funcXHROpen {
			e.xhrMeta[xhr.Handle()] = xhrRequest{
				Method: host.ToString(argAt(c.Args, 0)),
				URL:    host.ToString(argAt(c.Args, 1)),
			}
			return nil
		}
		t := taint.Join(e.deep(c.Base, baseTaint), arg(0))
		return e.flow(iid, t, schemas.KindXHRSend, e.xhrMeta[xhr.Handle()].info())

	case funcFetch:
		init := argAt(c.Args, 1)
		t := e.deep(argAt(c.Args, 0), taintAt(argsTaint, 0))
		if host.Truthy(init) {
			t = taint.Join(t, e.mem.GetIntrinsic(init))
			if body := host.DataValue(init, "body"); host.Truthy(body) {
				t = taint.Join(t, e.mem.GetIntrinsic(body))
			}
		}
		return e.flow(iid, t, schemas.KindFetchRequest, map[string]any{
			"method": requestMethod(init),
			"url":    host.ToString(argAt(c.Args, 0)),
		})
	}

	if e.intrinsics.isElement(c.Base) {
		t := taint.Bottom
		args := make([]string, len(c.Args))
		for i, v := range c.Args {
			t = taint.Join(t, e.deep(v, taintAt(argsTaint, i)))
			args[i] = host.ToString(v)
		}
		return e.flow(iid, t, schemas.KindElementCall, map[string]any{
			"tagName": host.ToString(host.DataValue(c.Base, "tagName")),
			"f":       host.ToString(host.DataValue(c.Func, "name")),
			"args":    args,
		})
	}
	return nil
}

// storageWrite handles setItem and direct property writes on a storage area.
// The write is always recorded as a storage label; a flow only when tainted.
func (e *Engine) storageWrite(iid int, area objectKind, key string, v host.Value, t *taint.Taint) error {
	label, err := e.mint(iid, storageSetKind(area), map[string]any{
		"key":   key,
		"value": host.ToString(v),
	})
	if err != nil {
		return err
	}
	if err := e.setStorageOwner(area, key); err != nil {
		return err
	}
	e.registry.RecordStorageLabel(label)
	recorded := e.registry.RecordFlow(e.deep(v, t), label)
	e.logger.Debug("Storage write observed",
		zap.String("area", storageName(area)),
		zap.String("key", key),
		zap.Bool("tainted", recorded),
	)
	return nil
}

// -- Fields --

// fieldSource returns the external taint of a completed property read.
func (e *Engine) fieldSource(iid int, f FieldAccess) (*taint.Taint, error) {
	key := host.PropertyKey(f.Offset)

	switch area := e.intrinsics.object(f.Base); area {
	case objectLocalStorage, objectSessionStorage:
		obj, _ := host.AsObject(f.Base)
		if _, own := obj.OwnProperty(key); !own {
			return taint.Bottom, nil
		}
		label, err := e.mint(iid, storageGetKind(area), map[string]any{
			"key":       key,
			"value":     export(f.Value),
			"ownership": e.storageOwner(area, key),
		})
		if err != nil {
			return nil, err
		}
		e.registry.RecordStorageLabel(label)
		return taint.Base(label), nil

	case objectDocument:
		switch key {
		case "cookie":
			return e.source(iid, schemas.KindDocumentCookieRead, map[string]any{"value": export(f.Value)})
		case "URL":
			return e.source(iid, schemas.KindDocumentURL, map[string]any{"value": export(f.Value)})
		}
		return taint.Bottom, nil

	case objectLocation:
		if s, ok := f.Value.(string); ok {
			return e.source(iid, schemas.KindLocation, map[string]any{"key": key, "value": s})
		}
		return taint.Bottom, nil

	case objectNavigator:
		if kind, ok := navigatorSources[key]; ok {
			return e.source(iid, kind, map[string]any{"value": export(f.Value)})
		}
		return taint.Bottom, nil
	}

	if _, ok := xhrResponseFields[key]; ok && e.intrinsics.isXHR(f.Base) {
		xhr, _ := host.AsObject(f.Base)
		return e.source(iid, schemas.KindXHRResponse, e.xhrMeta[xhr.Handle()].info())
	}
	return taint.Bottom, nil
}

// fieldSink checks a property write about to happen against the sink table.
func (e *Engine) fieldSink(iid int, f FieldAccess, valueTaint *taint.Taint) error {
	key := host.PropertyKey(f.Offset)

	switch area := e.intrinsics.object(f.Base); area {
	case objectLocalStorage, objectSessionStorage:
		return e.storageWrite(iid, area, key, f.Value, valueTaint)
	case objectDocument:
		if key == "cookie" {
			return e.flow(iid, e.deep(f.Value, valueTaint), schemas.KindDocumentCookieWrite, map[string]any{
				"value": host.ToString(f.Value),
			})
		}
		return nil
	}

	if e.intrinsics.isElement(f.Base) {
		return e.flow(iid, e.deep(f.Value, valueTaint), schemas.KindElementAttribute, map[string]any{
			"tagName": host.ToString(host.DataValue(f.Base, "tagName")),
			"key":     key,
			"value":   host.ToString(f.Value),
		})
	}
	return nil
}

// -- Metadata rendering --

const maxExportDepth = 3

// export converts a host value into plain data suitable for label metadata.
func export(v host.Value) any {
	return exportDepth(v, 0)
}

func exportDepth(v host.Value, depth int) any {
	switch x := v.(type) {
	case nil, host.Undefined:
		return nil
	case bool, float64, int, string:
		return x
	}
	obj, ok := host.AsObject(v)
	if !ok {
		return host.ToString(v)
	}
	if obj.Callable() || depth >= maxExportDepth {
		return host.ToString(obj)
	}
	if obj.Class() == "Array" {
		elems := host.Elements(obj)
		out := make([]any, len(elems))
		for i, e := range elems {
			out[i] = exportDepth(e, depth+1)
		}
		return out
	}
	out := make(map[string]any)
	for _, k := range obj.OwnKeys() {
		d, _ := obj.OwnProperty(k)
		if !d.Enumerable || d.IsAccessor() {
			continue
		}
		out[k] = exportDepth(d.Value, depth+1)
	}
	return out
}

// stringify renders a value the way the markers report it: as JSON text.
func stringify(v host.Value) string {
	if _, undef := v.(host.Undefined); undef {
		return "undefined"
	}
	s, err := json.MarshalToString(export(v))
	if err != nil {
		return host.ToString(v)
	}
	return s
}
