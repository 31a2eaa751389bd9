// File: internal/taint/compact.go
package taint

import (
	"errors"
	"fmt"
	"maps"
	"net/url"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
)

// ErrUnknownLabel is returned by Expand when a snapshot references a label id
// that is missing from its label map.
var ErrUnknownLabel = errors.New("label id not present in label map")

// Compact reduces every flow's taint tree to its distinct base labels and builds
// an id-indexed table holding each referenced label once.
func Compact(result TrackingResult) schemas.CompactTrackingResult {
	labelMap := make(map[uint64]schemas.Label)
	register := func(l *Label) uint64 {
		if _, ok := labelMap[l.ID]; !ok {
			labelMap[l.ID] = l.Schema()
		}
		return l.ID
	}

	flows := make([]schemas.CompactFlow, 0, len(result.Flows))
	for _, flow := range result.Flows {
		labels := Labels(flow.Taint)
		ids := make([]uint64, 0, len(labels))
		for _, l := range labels {
			ids = append(ids, register(l))
		}
		flows = append(flows, schemas.CompactFlow{
			TaintLabelIDs: ids,
			SinkLabelID:   register(flow.Sink),
		})
	}

	storage := make([]uint64, 0, len(result.StorageLabels))
	for _, l := range result.StorageLabels {
		storage = append(storage, register(l))
	}

	return schemas.CompactTrackingResult{
		LabelMap:        labelMap,
		Flows:           flows,
		StorageLabelIDs: storage,
	}
}

// Expand rebuilds full label objects and taint trees from a snapshot. Each flow's
// taint becomes the left fold of Join over its base labels, so compacting the
// expansion yields the original snapshot.
func Expand(c schemas.CompactTrackingResult) (TrackingResult, error) {
	return expand(c, nil)
}

// ExpandAgainst expands a snapshot taken in the document at baseURL. Relative
// script URLs are resolved against it, and code without a script URL is
// attributed to the document itself.
func ExpandAgainst(c schemas.CompactTrackingResult, baseURL string) (TrackingResult, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return TrackingResult{}, fmt.Errorf("parsing document url %q: %w", baseURL, err)
	}
	if !base.IsAbs() {
		return TrackingResult{}, fmt.Errorf("document url %q is not absolute", baseURL)
	}
	return expand(c, base)
}

func expand(c schemas.CompactTrackingResult, base *url.URL) (TrackingResult, error) {
	labels := make(map[uint64]*Label, len(c.LabelMap))
	for id, sl := range c.LabelMap {
		if sl.ID != id {
			return TrackingResult{}, fmt.Errorf("label map key %d holds label %d: %w", id, sl.ID, ErrUnknownLabel)
		}
		loc := LocationFromSchema(sl.Location)
		if base != nil {
			loc = loc.rebase(base)
		}
		labels[id] = &Label{
			ID:       sl.ID,
			Kind:     sl.Type,
			Location: loc,
			Info:     maps.Clone(sl.Info),
		}
	}
	lookup := func(id uint64) (*Label, error) {
		l, ok := labels[id]
		if !ok {
			return nil, fmt.Errorf("label %d: %w", id, ErrUnknownLabel)
		}
		return l, nil
	}

	var out TrackingResult
	for i, cf := range c.Flows {
		sink, err := lookup(cf.SinkLabelID)
		if err != nil {
			return TrackingResult{}, fmt.Errorf("flow %d sink: %w", i, err)
		}
		t := Bottom
		for _, id := range cf.TaintLabelIDs {
			l, err := lookup(id)
			if err != nil {
				return TrackingResult{}, fmt.Errorf("flow %d taint: %w", i, err)
			}
			t = Join(t, Base(l))
		}
		out.Flows = append(out.Flows, Flow{Taint: t, Sink: sink})
	}
	for _, id := range c.StorageLabelIDs {
		l, err := lookup(id)
		if err != nil {
			return TrackingResult{}, fmt.Errorf("storage labels: %w", err)
		}
		out.StorageLabels = append(out.StorageLabels, l)
	}
	return out, nil
}
