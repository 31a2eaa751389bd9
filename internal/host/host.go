// File: internal/host/host.go

// Package host defines the contract between the taint engine and the runtime that
// executes the monitored program. The engine never owns host objects: it observes
// them through this interface and keys its own state by Handle.
package host

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Handle is a stable identity assigned by the host to every live object.
// Handles are never reused while the engine may still hold state for them.
type Handle uint64

// Value is any value of the monitored program: nil (null), Undefined, bool,
// float64, string, or Object.
type Value = any

// Undefined is the monitored program's undefined value.
type Undefined struct{}

// Object is a host object seen through the engine's eyes.
type Object interface {
	Handle() Handle
	// Prototype returns nil when the prototype is null.
	Prototype() Object
	OwnProperty(key string) (Descriptor, bool)
	// OwnKeys returns own property keys in host enumeration order.
	OwnKeys() []string
	// Class is the host's internal class name ("Object", "Array", "Function", ...).
	Class() string
	Callable() bool
}

// Descriptor mirrors a host property descriptor.
type Descriptor struct {
	Value        Value
	Getter       Object
	Setter       Object
	Writable     bool
	Enumerable   bool
	Configurable bool
}

// IsAccessor reports whether the property is defined by a getter and/or setter.
func (d Descriptor) IsAccessor() bool {
	return d.Getter != nil || d.Setter != nil
}

// Realm exposes the well-known objects the engine needs to classify values and
// recognise intrinsic operations.
type Realm interface {
	Global() Object
	ObjectPrototype() Object
	ArrayPrototype() Object
	// Lookup resolves a dotted path such as "Storage.prototype.getItem".
	Lookup(path string) (Object, bool)
}

// IsObject reports whether v is an object (functions included).
func IsObject(v Value) bool {
	_, ok := AsObject(v)
	return ok
}

// AsObject returns v as an Object when it is one. A typed nil is not an object.
func AsObject(v Value) (Object, bool) {
	o, ok := v.(Object)
	if !ok || o == nil {
		return nil, false
	}
	return o, true
}

// Same reports whether two objects have the same identity.
func Same(a, b Object) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Handle() == b.Handle()
}

// FindOwner walks the prototype chain of obj the way property resolution does and
// returns the first object that has key as an own property.
func FindOwner(obj Object, key string) (Object, Descriptor, bool) {
	// Bounded to survive a cyclic chain reported by a misbehaving host.
	for depth := 0; obj != nil && depth < maxChainDepth; depth++ {
		if d, ok := obj.OwnProperty(key); ok {
			return obj, d, true
		}
		obj = obj.Prototype()
	}
	return nil, Descriptor{}, false
}

const maxChainDepth = 1 << 12

// InstanceOf reports whether proto appears on the prototype chain of obj.
func InstanceOf(obj Object, proto Object) bool {
	if obj == nil || proto == nil {
		return false
	}
	p := obj.Prototype()
	for depth := 0; p != nil && depth < maxChainDepth; depth++ {
		if p.Handle() == proto.Handle() {
			return true
		}
		p = p.Prototype()
	}
	return false
}

// DataValue reads a data property through the prototype chain without invoking
// accessors; accessors and missing properties yield Undefined.
func DataValue(v Value, key string) Value {
	obj, ok := AsObject(v)
	if !ok {
		return Undefined{}
	}
	_, d, found := FindOwner(obj, key)
	if !found || d.IsAccessor() {
		return Undefined{}
	}
	return d.Value
}

// Truthy follows the monitored language's boolean conversion.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil, Undefined:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case int:
		return x != 0
	case string:
		return x != ""
	default:
		return IsObject(v)
	}
}

// ToString follows the monitored language's string conversion closely enough for
// label metadata. Objects render as "[object Class]" unless they wrap a primitive
// "href" (URL-like objects).
func ToString(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case Undefined:
		return "undefined"
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case float64:
		return formatNumber(x)
	case Object:
		if x == nil {
			return "null"
		}
		if href, ok := DataValue(x, "href").(string); ok && x.Class() == "URL" {
			return href
		}
		if x.Class() == "Array" {
			parts := make([]string, 0)
			for _, e := range Elements(x) {
				if e == nil || e == (Undefined{}) {
					parts = append(parts, "")
					continue
				}
				parts = append(parts, ToString(e))
			}
			return strings.Join(parts, ",")
		}
		return "[object " + x.Class() + "]"
	default:
		return fmt.Sprint(x)
	}
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == math.Trunc(f) && math.Abs(f) < 1e21:
		return strconv.FormatFloat(f, 'f', -1, 64)
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

// Elements returns the indexed elements 0..length-1 of an array-like object,
// reading data properties only.
func Elements(obj Object) []Value {
	if obj == nil {
		return nil
	}
	n := length(DataValue(obj, "length"))
	out := make([]Value, n)
	for i := range out {
		out[i] = DataValue(obj, strconv.Itoa(i))
	}
	return out
}

// IndexKey renders an element index as a property key.
func IndexKey(i int) string {
	return strconv.Itoa(i)
}

// IsIndexKey reports whether key converts to a number rather than NaN under the
// host's string-to-number rules: surrounding whitespace is ignored, the empty
// string is 0, and only the exact spelling Infinity names an infinity.
func IsIndexKey(key string) bool {
	s := strings.TrimFunc(key, isSpace)
	if s == "" {
		return true
	}
	if len(s) > 2 && s[0] == '0' {
		switch s[1] {
		case 'x', 'X':
			return allDigits(s[2:], 16)
		case 'o', 'O':
			return allDigits(s[2:], 8)
		case 'b', 'B':
			return allDigits(s[2:], 2)
		}
	}
	if s[0] == '+' || s[0] == '-' {
		s = s[1:]
	}
	return s == "Infinity" || isDecimal(s)
}

func isSpace(r rune) bool {
	return unicode.IsSpace(r) || r == '\uFEFF'
}

func allDigits(s string, base int) bool {
	for _, c := range s {
		if digitValue(c) >= base {
			return false
		}
	}
	return s != ""
}

func digitValue(c rune) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	}
	return 16
}

// isDecimal matches digits with an optional fraction and exponent, e.g. "1",
// ".5", "2.", "1e-3".
func isDecimal(s string) bool {
	i, digits := 0, 0
	for i < len(s) && digitValue(rune(s[i])) < 10 {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && digitValue(rune(s[i])) < 10 {
			i++
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		start := i
		for i < len(s) && digitValue(rune(s[i])) < 10 {
			i++
		}
		if i == start {
			return false
		}
	}
	return i == len(s)
}

func length(v Value) int {
	switch x := v.(type) {
	case float64:
		if x > 0 && x < 1<<31 {
			return int(x)
		}
	case int:
		if x > 0 {
			return x
		}
	}
	return 0
}

// PropertyKey converts a property operand to the key the host would use.
func PropertyKey(v Value) string {
	return ToString(v)
}
