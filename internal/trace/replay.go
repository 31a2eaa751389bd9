// File: internal/trace/replay.go
package trace

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-taint/internal/config"
	"github.com/xkilldash9x/scalpel-taint/internal/engine"
	"github.com/xkilldash9x/scalpel-taint/internal/host"
	"github.com/xkilldash9x/scalpel-taint/internal/host/memhost"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

// maxLineSize bounds one trace record. Literal values can be large.
const maxLineSize = 16 << 20

// Replayer rebuilds one document from its trace. It owns an in-memory realm and
// an engine and is not safe for concurrent use; replay independent traces with
// independent replayers.
type Replayer struct {
	logger  *zap.Logger
	realm   *memhost.Realm
	scripts taint.MapScripts
	engine  *engine.Engine

	objects map[int]*memhost.Object
	conts   map[string]engine.Continuation
	records int
	docURL  string
}

// NewReplayer creates a replayer with a fresh realm and engine.
func NewReplayer(cfg config.EngineConfig, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	realm := memhost.New()
	scripts := taint.MapScripts{}
	eng := engine.New(realm, scripts, cfg, logger)
	eng.SetLiveness(realm.Alive)

	return &Replayer{
		logger:  logger.Named("trace_replayer").With(zap.String("document_id", eng.DocumentID())),
		realm:   realm,
		scripts: scripts,
		engine:  eng,
		objects: make(map[int]*memhost.Object),
		conts:   make(map[string]engine.Continuation),
	}
}

// Engine returns the engine driven by the replayer.
func (r *Replayer) Engine() *engine.Engine { return r.engine }

// DocumentURL returns the URL named by the trace's document record, or "" when
// the trace has none.
func (r *Replayer) DocumentURL() string { return r.docURL }

// Records returns the number of records applied so far.
func (r *Replayer) Records() int { return r.records }

// Run applies every record read from src until EOF, an end record, an error or
// cancellation of ctx. Errors carry the 1-based line number of the record.
func (r *Replayer) Run(ctx context.Context, src io.Reader) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("replay interrupted at line %d: %w", line, err)
		}
		done, err := r.applyLine(scanner.Text())
		if err != nil {
			return fmt.Errorf("trace line %d: %w", line, err)
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading trace after line %d: %w", line, err)
	}
	r.logger.Info("Trace replayed",
		zap.Int("lines", line),
		zap.Int("records", r.records),
		zap.Int("frame_depth", r.engine.FrameDepth()),
	)
	return nil
}

// applyLine decodes and applies one line. It reports whether the line ended
// the trace.
func (r *Replayer) applyLine(text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "#") {
		return false, nil
	}
	var rec Record
	if err := json.UnmarshalFromString(text, &rec); err != nil {
		return false, fmt.Errorf("decoding record: %w: %w", ErrMalformedRecord, err)
	}
	if rec.Op == OpEnd {
		return true, nil
	}
	return false, r.Apply(rec)
}

// Apply applies a single decoded record.
func (r *Replayer) Apply(rec Record) error {
	r.records++
	if err := r.apply(rec); err != nil {
		return fmt.Errorf("%s: %w", rec.Op, err)
	}
	return nil
}

func (r *Replayer) apply(rec Record) error {
	switch rec.Op {
	case OpScript, OpObject, OpDefine, OpAccessor, OpDelete, OpProto, OpRelease:
		return r.applyHeap(rec)
	case OpDocument:
		if rec.URL == "" {
			return fmt.Errorf("document without url: %w", ErrMalformedRecord)
		}
		r.docURL = rec.URL
		return nil
	case OpSweep:
		r.engine.Sweep(r.realm.Alive)
		return nil
	case OpTeardown:
		r.engine.Teardown()
		clear(r.conts)
		return nil
	}
	return r.applyCallback(rec)
}

// -- Heap --

func (r *Replayer) object(id int) (host.Object, error) {
	obj, err := r.mutable(id)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (r *Replayer) mutable(id int) (*memhost.Object, error) {
	obj, ok := r.objects[id]
	if !ok {
		return nil, fmt.Errorf("object %d: %w", id, ErrUnknownObject)
	}
	return obj, nil
}

func (r *Replayer) wellKnown(path string) (host.Object, error) {
	obj, ok := r.realm.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("well-known path %q: %w", path, ErrUnknownObject)
	}
	return obj, nil
}

// target resolves a heap record operand that must be a mutable object.
func (r *Replayer) target(v any) (*memhost.Object, error) {
	hv, err := decodeValue(r, v)
	if err != nil {
		return nil, err
	}
	obj, ok := hv.(*memhost.Object)
	if !ok {
		return nil, fmt.Errorf("operand %v is not an object: %w", v, ErrMalformedRecord)
	}
	return obj, nil
}

// optionalTarget is target for operands where null means none.
func (r *Replayer) optionalTarget(v any) (*memhost.Object, error) {
	if v == nil {
		return nil, nil
	}
	return r.target(v)
}

func (r *Replayer) applyHeap(rec Record) error {
	switch rec.Op {
	case OpScript:
		if rec.SID == 0 {
			return fmt.Errorf("script without sid: %w", ErrMalformedRecord)
		}
		r.scripts[rec.SID] = taint.ScriptEntry{
			URL:     rec.URL,
			Spans:   rec.Spans,
			EvalSID: rec.EvalSID,
			EvalIID: rec.EvalIID,
		}
		return nil

	case OpObject:
		return r.createObject(rec)

	case OpDefine:
		obj, err := r.target(rec.Base)
		if err != nil {
			return err
		}
		v, err := decodeValue(r, rec.Value)
		if err != nil {
			return err
		}
		if rec.Hidden {
			obj.DefineHidden(rec.Key, v)
		} else {
			obj.Set(rec.Key, v)
		}
		return nil

	case OpAccessor:
		obj, err := r.target(rec.Base)
		if err != nil {
			return err
		}
		getter, err := r.optionalTarget(rec.Getter)
		if err != nil {
			return err
		}
		setter, err := r.optionalTarget(rec.Setter)
		if err != nil {
			return err
		}
		obj.DefineAccessor(rec.Key, getter, setter)
		return nil

	case OpDelete:
		obj, err := r.target(rec.Base)
		if err != nil {
			return err
		}
		obj.Delete(rec.Key)
		return nil

	case OpProto:
		obj, err := r.target(rec.Base)
		if err != nil {
			return err
		}
		proto, err := r.optionalTarget(rec.Proto)
		if err != nil {
			return err
		}
		obj.SetPrototype(proto)
		return nil

	case OpRelease:
		obj, err := r.mutable(rec.ID)
		if err != nil {
			return err
		}
		r.realm.Release(obj.Handle())
		delete(r.objects, rec.ID)
		return nil
	}
	return fmt.Errorf("%q: %w", rec.Op, ErrUnknownOp)
}

func (r *Replayer) createObject(rec Record) error {
	if rec.ID == 0 {
		return fmt.Errorf("object without id: %w", ErrMalformedRecord)
	}
	if _, exists := r.objects[rec.ID]; exists {
		return fmt.Errorf("object %d: %w", rec.ID, ErrDuplicateObject)
	}

	var obj *memhost.Object
	switch rec.Kind {
	case "", "object":
		obj = r.realm.NewObject()
	case "bare":
		obj = r.realm.NewObjectWithProto(nil)
	case "array":
		vals, err := decodeValues(r, rec.Args)
		if err != nil {
			return err
		}
		obj = r.realm.NewArray(vals...)
	case "arguments":
		vals, err := decodeValues(r, rec.Args)
		if err != nil {
			return err
		}
		obj = r.realm.NewArguments(vals...)
	case "function":
		obj = r.realm.NewFunction(rec.Name)
	case "native":
		obj = r.realm.NewNative(rec.Name)
	case "instance":
		ctor, err := r.target(rec.Proto)
		if err != nil {
			return err
		}
		obj = r.realm.NewInstance(ctor)
	case "element":
		obj = r.realm.NewElement(rec.Name)
	case "xhr":
		obj = r.realm.NewXHR()
	case "promise":
		obj = r.realm.NewPromise()
	case "url":
		obj = r.realm.NewURL(rec.URL)
	default:
		return fmt.Errorf("object kind %q: %w", rec.Kind, ErrMalformedRecord)
	}
	r.objects[rec.ID] = obj
	return nil
}
