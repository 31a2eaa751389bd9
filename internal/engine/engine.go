// File: internal/engine/engine.go

// Package engine shadows the execution of a monitored program. The instrumentation
// driver reports every primitive operation, in evaluation order, through the
// callback methods of Engine; the engine mirrors the host's evaluation stack with
// taint values, propagates them through contexts, and records flows from sources
// into sinks.
package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
	"github.com/xkilldash9x/scalpel-taint/internal/config"
	"github.com/xkilldash9x/scalpel-taint/internal/host"
	"github.com/xkilldash9x/scalpel-taint/internal/shadow"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

// ErrAborted wraps the first fatal error. Once an engine is aborted every callback
// returns it without touching any state.
var ErrAborted = errors.New("taint analysis aborted")

// Engine tracks one monitored document. It is driven synchronously by a single
// caller and is not safe for concurrent use.
type Engine struct {
	cfg     config.EngineConfig
	base    *zap.Logger
	logger  *zap.Logger
	realm   host.Realm
	scripts taint.ScriptMap

	mem        *shadow.Memory
	registry   *taint.Registry
	intrinsics *intrinsicTable
	global     *globalEnvironment

	frames  []*Frame
	current *Frame
	// sids saves the enclosing script id for every ScriptEnter still open.
	sids []int
	// closures maps authored functions to the environment their literal was
	// evaluated in.
	closures  map[host.Handle]Environment
	xhrMeta   map[host.Handle]xhrRequest
	ownership map[objectKind]map[string]string

	excTaint   *taint.Taint
	auxTaint   *taint.Taint
	withObject host.Object

	documentID string
	err        error
	ops        int
	alive      func(host.Handle) bool
}

// New creates an engine for one document of realm. scripts is the driver's
// script map used to resolve label locations.
func New(realm host.Realm, scripts taint.ScriptMap, cfg config.EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxStackDepth <= 0 {
		cfg.MaxStackDepth = 4096
	}

	mem := shadow.New(realm)
	e := &Engine{
		cfg:        cfg,
		base:       logger.Named("taint_engine"),
		realm:      realm,
		scripts:    scripts,
		mem:        mem,
		registry:   taint.NewRegistry(logger),
		intrinsics: resolveIntrinsics(realm, logger),
		global:     newGlobalEnvironment(mem, realm.Global()),
	}
	e.reset()
	e.logger.Debug("Taint engine initialized",
		zap.Int("max_stack_depth", cfg.MaxStackDepth),
		zap.Int("sweep_interval", cfg.SweepInterval),
	)
	return e
}

// reset puts every per-document structure into its initial state.
func (e *Engine) reset() {
	e.frames = e.frames[:0]
	e.current = newFrame(e.global, newUserCall(taint.Bottom, nil), 0)
	e.sids = e.sids[:0]
	e.closures = make(map[host.Handle]Environment)
	e.xhrMeta = make(map[host.Handle]xhrRequest)
	e.ownership = make(map[objectKind]map[string]string)
	e.excTaint = taint.Bottom
	e.auxTaint = taint.Bottom
	e.withObject = nil
	e.documentID = uuid.NewString()
	e.logger = e.base.With(zap.String("document_id", e.documentID))
	e.err = nil
	e.ops = 0
}

// DocumentID identifies the document currently tracked. It changes on Teardown.
func (e *Engine) DocumentID() string { return e.documentID }

// Err returns the fatal error that aborted the engine, if any.
func (e *Engine) Err() error { return e.err }

// Snapshot returns the compact form of every observation so far. It has no side
// effects and may be called at any point.
func (e *Engine) Snapshot() schemas.CompactTrackingResult {
	return e.registry.Snapshot()
}

// Result returns the uncompacted observations.
func (e *Engine) Result() taint.TrackingResult {
	return e.registry.Result()
}

// Memory exposes the shadow store, mainly for inspection in tests.
func (e *Engine) Memory() *shadow.Memory { return e.mem }

// FrameDepth returns the number of activations below the current one.
func (e *Engine) FrameDepth() int { return len(e.frames) }

// StackDepth returns the height of the current activation's evaluation stack.
func (e *Engine) StackDepth() int { return e.current.Depth() }

// SetLiveness installs the oracle used by automatic sweeps.
func (e *Engine) SetLiveness(alive func(host.Handle) bool) {
	e.alive = alive
}

// Sweep drops shadow state for every handle alive reports dead and returns the
// number of entries removed.
func (e *Engine) Sweep(alive func(host.Handle) bool) int {
	removed := e.mem.Sweep(alive)
	for h := range e.closures {
		if !alive(h) {
			delete(e.closures, h)
			removed++
		}
	}
	for h := range e.xhrMeta {
		if !alive(h) {
			delete(e.xhrMeta, h)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Debug("Swept shadow state", zap.Int("removed", removed), zap.Int("records", e.mem.Len()))
	}
	return removed
}

// Teardown discards all state of the current document, as on navigation, and
// starts tracking a fresh one.
func (e *Engine) Teardown() {
	previous := e.documentID
	e.mem.Reset()
	e.registry.Reset()
	e.reset()
	e.logger.Info("Document torn down, tracking a new one", zap.String("previous_document_id", previous))
}

// begin guards every callback. It returns the sticky error of an aborted engine
// and runs the periodic liveness sweep.
func (e *Engine) begin() error {
	if e.err != nil {
		return e.err
	}
	e.ops++
	if e.cfg.SweepInterval > 0 && e.alive != nil && e.ops%e.cfg.SweepInterval == 0 {
		e.Sweep(e.alive)
	}
	return nil
}

// fail records err as the engine's fatal error. Only the first one is kept.
func (e *Engine) fail(op string, iid int, err error) error {
	if e.err != nil {
		return e.err
	}
	e.err = fmt.Errorf("%w: %s iid=%d: %w", ErrAborted, op, iid, err)
	e.logger.Error("Driver and engine desynchronized, aborting document",
		zap.String("op", op),
		zap.Int("iid", iid),
		zap.Int("frame_depth", len(e.frames)),
		zap.Error(err),
	)
	return e.err
}

// location resolves iid in the script currently executing.
func (e *Engine) location(iid int) (taint.Location, error) {
	return taint.Resolve(e.scripts, e.current.sid, iid)
}

func (e *Engine) scriptURL() (string, error) {
	return taint.ScriptURL(e.scripts, e.current.sid)
}
