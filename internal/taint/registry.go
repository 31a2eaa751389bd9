// File: internal/taint/registry.go
package taint

import (
	"maps"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
)

// Label describes one source or sink occurrence. Labels are created by a Registry
// and never modified afterwards; ID is the sole identity used for deduplication.
type Label struct {
	ID       uint64
	Kind     schemas.LabelKind
	Location Location
	Info     map[string]any
}

// Schema converts the label to its wire form.
func (l *Label) Schema() schemas.Label {
	return schemas.Label{
		ID:       l.ID,
		Type:     l.Kind,
		Location: l.Location.Schema(),
		Info:     maps.Clone(l.Info),
	}
}

// Flow records that taint reached a sink.
type Flow struct {
	Taint *Taint
	Sink  *Label
}

// TrackingResult is the append-only set of observations for one document.
type TrackingResult struct {
	Flows         []Flow
	StorageLabels []*Label
}

// Registry mints labels with sequential ids and collects completed observations.
// One registry belongs to one engine instance; it is not safe for concurrent use.
type Registry struct {
	logger *zap.Logger
	nextID uint64
	result TrackingResult
}

// NewRegistry creates an empty registry whose first label id is 1.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger.Named("label_registry"),
		nextID: 1,
	}
}

// Mint creates a new label. The info map is owned by the label from here on.
func (r *Registry) Mint(kind schemas.LabelKind, loc Location, info map[string]any) *Label {
	if info == nil {
		info = map[string]any{}
	}
	label := &Label{ID: r.nextID, Kind: kind, Location: loc, Info: info}
	r.nextID++
	return label
}

// RecordFlow appends a flow unless t is Bottom. It reports whether a flow was recorded.
func (r *Registry) RecordFlow(t *Taint, sink *Label) bool {
	if t.IsBottom() || sink == nil {
		return false
	}
	r.result.Flows = append(r.result.Flows, Flow{Taint: t, Sink: sink})
	r.logger.Debug("Flow recorded",
		zap.String("sink", string(sink.Kind)),
		zap.Uint64("sink_label", sink.ID),
		zap.Uint64s("source_labels", LabelIDs(t)),
	)
	return true
}

// RecordStorageLabel appends a storage read or write label.
func (r *Registry) RecordStorageLabel(label *Label) {
	if label == nil {
		return
	}
	r.result.StorageLabels = append(r.result.StorageLabels, label)
}

// Result returns a copy of the observations collected so far.
func (r *Registry) Result() TrackingResult {
	out := TrackingResult{
		Flows:         make([]Flow, len(r.result.Flows)),
		StorageLabels: make([]*Label, len(r.result.StorageLabels)),
	}
	copy(out.Flows, r.result.Flows)
	copy(out.StorageLabels, r.result.StorageLabels)
	return out
}

// Snapshot compacts the current observations.
func (r *Registry) Snapshot() schemas.CompactTrackingResult {
	return Compact(r.result)
}

// Minted returns how many labels have been issued since the last reset.
func (r *Registry) Minted() uint64 {
	return r.nextID - 1
}

// Reset discards all observations and restarts numbering at 1.
func (r *Registry) Reset() {
	r.nextID = 1
	r.result = TrackingResult{}
}
