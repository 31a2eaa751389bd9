// File: internal/taint/registry_test.go
package taint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
)

func TestRegistry_MintIsSequential(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Mint(schemas.KindSourceMarker, Location{}, nil)
	b := r.Mint(schemas.KindSinkMarker, Location{}, map[string]any{"k": "v"})

	assert.Equal(t, uint64(1), a.ID)
	assert.Equal(t, uint64(2), b.ID)
	assert.NotNil(t, a.Info, "a nil info map is replaced")
	assert.Equal(t, uint64(2), r.Minted())
}

func TestRegistry_RecordFlow(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRegistry(zap.New(core))
	src := r.Mint(schemas.KindLocalStorageGet, Location{}, nil)
	sink := r.Mint(schemas.KindSendBeacon, Location{}, nil)

	assert.False(t, r.RecordFlow(Bottom, sink), "bottom never flows")
	assert.False(t, r.RecordFlow(Base(src), nil))
	assert.True(t, r.RecordFlow(Base(src), sink))

	res := r.Result()
	require.Len(t, res.Flows, 1)
	assert.Same(t, sink, res.Flows[0].Sink)

	entries := logs.FilterMessage("Flow recorded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "label_registry", entries[0].LoggerName)
	assert.Equal(t, string(schemas.KindSendBeacon), entries[0].ContextMap()["sink"])
}

func TestRegistry_ResultIsACopy(t *testing.T) {
	r := NewRegistry(nil)
	l := r.Mint(schemas.KindLocalStorageGet, Location{}, nil)
	r.RecordStorageLabel(l)
	r.RecordStorageLabel(nil)

	res := r.Result()
	require.Len(t, res.StorageLabels, 1)
	res.StorageLabels[0] = nil
	res.Flows = append(res.Flows, Flow{Taint: Base(l), Sink: l})

	again := r.Result()
	assert.Same(t, l, again.StorageLabels[0])
	assert.Empty(t, again.Flows)
}

func TestRegistry_SnapshotAndReset(t *testing.T) {
	r := NewRegistry(nil)
	src := r.Mint(schemas.KindSourceMarker, Location{}, map[string]any{"value": "s"})
	sink := r.Mint(schemas.KindSinkMarker, Location{}, nil)
	r.RecordFlow(Base(src), sink)

	snap := r.Snapshot()
	require.Len(t, snap.Flows, 1)
	assert.Equal(t, []uint64{1}, snap.Flows[0].TaintLabelIDs)
	assert.Equal(t, uint64(2), snap.Flows[0].SinkLabelID)
	assert.Equal(t, "s", snap.LabelMap[1].Info["value"])

	r.Reset()
	assert.Zero(t, r.Minted())
	assert.Empty(t, r.Snapshot().Flows)
	assert.Equal(t, uint64(1), r.Mint(schemas.KindSourceMarker, Location{}, nil).ID)
}
