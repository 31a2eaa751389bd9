// File: internal/trace/record.go

// Package trace replays recorded callback streams against a taint engine. A trace
// is a JSON-lines file written by a recording driver: host object lifecycle
// records rebuild the heap in an in-memory realm, and callback records drive the
// engine in the order the driver observed them.
package trace

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/scalpel-taint/internal/host"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

var (
	// ErrUnknownOp is returned for a record whose op is not recognised.
	ErrUnknownOp = errors.New("unknown trace op")
	// ErrUnknownObject is returned when a value refers to an object id that was
	// never created or was already released.
	ErrUnknownObject = errors.New("reference to unknown object")
	// ErrDuplicateObject is returned when an object id is created twice.
	ErrDuplicateObject = errors.New("object id already in use")
	// ErrUnknownContinuation is returned when a resume names a continuation that
	// was never captured.
	ErrUnknownContinuation = errors.New("resume of unknown continuation")
	// ErrMalformedRecord is returned for records missing required fields.
	ErrMalformedRecord = errors.New("malformed trace record")
)

// Trace ops that do not correspond to an engine callback.
const (
	OpScript   = "script"
	OpObject   = "object"
	OpDefine   = "define"
	OpAccessor = "accessor"
	OpDelete   = "delete"
	OpProto    = "proto"
	OpRelease  = "release"
	OpSweep    = "sweep"
	OpTeardown = "teardown"
	// OpDocument names the URL of the document the trace was recorded in.
	OpDocument = "document"
	// OpEnd marks the end of a trace written incrementally.
	OpEnd = "end"
)

// Record is one line of a trace. Which fields are meaningful depends on Op.
// Values use plain JSON for primitives, {"$ref":id} for objects created by an
// object record, {"$wk":"path"} for well-known realm objects and
// {"$undef":true} for undefined. An absent value field reads as null.
type Record struct {
	Op  string `json:"op"`
	IID int    `json:"iid,omitempty"`
	SID int    `json:"sid,omitempty"`

	// Script map entries, and the document URL.
	URL     string             `json:"url,omitempty"`
	Spans   map[int]taint.Span `json:"spans,omitempty"`
	EvalSID int                `json:"evalSid,omitempty"`
	EvalIID int                `json:"evalIid,omitempty"`

	// Heap records.
	ID     int    `json:"id,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Proto  any    `json:"proto,omitempty"`
	Key    string `json:"key,omitempty"`
	Getter any    `json:"getter,omitempty"`
	Setter any    `json:"setter,omitempty"`
	Hidden bool   `json:"hidden,omitempty"`

	// Callback operands.
	Name     string `json:"name,omitempty"`
	Value    any    `json:"value,omitempty"`
	Base     any    `json:"base,omitempty"`
	Offset   any    `json:"offset,omitempty"`
	Func     any    `json:"func,omitempty"`
	This     any    `json:"this,omitempty"`
	Result   any    `json:"result,omitempty"`
	Args     []any  `json:"args,omitempty"`
	Left     any    `json:"left,omitempty"`
	Right    any    `json:"right,omitempty"`
	Operator string `json:"operator,omitempty"`

	Computed      bool `json:"computed,omitempty"`
	OpAssign      bool `json:"opAssign,omitempty"`
	MethodCall    bool `json:"methodCall,omitempty"`
	Method        bool `json:"method,omitempty"`
	Constructor   bool `json:"constructor,omitempty"`
	IsArgument    bool `json:"isArgument,omitempty"`
	ArgumentIndex int  `json:"argumentIndex,omitempty"`
	IsCatchParam  bool `json:"isCatchParam,omitempty"`
	SwitchCase    bool `json:"switchCase,omitempty"`
	Exception     bool `json:"exception,omitempty"`

	// Continuation handle for capture and resume records.
	K string `json:"k,omitempty"`
}

// objectResolver maps trace object ids and well-known paths to host objects.
type objectResolver interface {
	object(id int) (host.Object, error)
	wellKnown(path string) (host.Object, error)
}

// decodeValue converts a JSON-decoded operand into a host value.
func decodeValue(res objectResolver, v any) (host.Value, error) {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x, nil
	case map[string]any:
		if ref, ok := x["$ref"]; ok {
			id, ok := ref.(float64)
			if !ok {
				return nil, fmt.Errorf("$ref %v: %w", ref, ErrMalformedRecord)
			}
			return res.object(int(id))
		}
		if path, ok := x["$wk"]; ok {
			p, ok := path.(string)
			if !ok {
				return nil, fmt.Errorf("$wk %v: %w", path, ErrMalformedRecord)
			}
			return res.wellKnown(p)
		}
		if _, ok := x["$undef"]; ok {
			return host.Undefined{}, nil
		}
	}
	return nil, fmt.Errorf("operand %v: %w", v, ErrMalformedRecord)
}

func decodeValues(res objectResolver, vs []any) ([]host.Value, error) {
	out := make([]host.Value, len(vs))
	for i, v := range vs {
		hv, err := decodeValue(res, v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = hv
	}
	return out, nil
}
