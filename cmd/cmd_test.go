// File: cmd/cmd_test.go
package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
	"github.com/xkilldash9x/scalpel-taint/internal/config"
)

func readSnapshot(t *testing.T, path string) schemas.CompactTrackingResult {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap schemas.CompactTrackingResult
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func assertMarkerFlow(t *testing.T, snap schemas.CompactTrackingResult) {
	t.Helper()
	require.Len(t, snap.Flows, 1)
	assert.Equal(t, schemas.KindSinkMarker, snap.LabelMap[snap.Flows[0].SinkLabelID].Type)
	require.Len(t, snap.Flows[0].TaintLabelIDs, 1)
	assert.Equal(t, schemas.KindSourceMarker, snap.LabelMap[snap.Flows[0].TaintLabelIDs[0]].Type)
}

func TestReplayCmd_RequiredArgs(t *testing.T) {
	out, err := executeCommand(nil, "--config", createTempConfig(t, quietConfig), "replay")
	require.Error(t, err)
	assert.Contains(t, out, "Error: requires at least 1 arg(s), only received 0")
}

func TestReplayCmd_WritesSnapshots(t *testing.T) {
	traces := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "snapshots")
	plain := writeTraceFile(t, traces, "home.jsonl", markerTraceContent())
	gz := writeTraceFile(t, traces, "checkout.jsonl.gz", markerTraceContent())

	out, err := executeCommand(nil, "--config", createTempConfig(t, quietConfig),
		"replay", "--out", outDir, "-j", "2", plain, gz)
	require.NoError(t, err)

	for _, name := range []string{"home", "checkout"} {
		path := filepath.Join(outDir, name+".snapshot.json")
		assertMarkerFlow(t, readSnapshot(t, path))
		assert.Contains(t, out, "1 flows, 2 labels -> "+path)
	}
}

func TestReplayCmd_OutputDirFromEnvironment(t *testing.T) {
	outDir := t.TempDir()
	t.Setenv("SCALPEL_TAINT_REPLAY_OUTPUT_DIR", outDir)
	trace := writeTraceFile(t, t.TempDir(), "env.jsonl", markerTraceContent())

	_, err := executeCommand(nil, "--config", createTempConfig(t, quietConfig), "replay", trace)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(outDir, "env.snapshot.json"))
}

func TestReplayCmd_Persist(t *testing.T) {
	saver := &recordingSaver{}
	provider := &fakeStoreProvider{saver: saver}
	trace := writeTraceFile(t, t.TempDir(), "page.jsonl", markerTraceContent())

	_, err := executeCommand(provider, "--config", createTempConfig(t, quietConfig),
		"replay", "--persist", "--out", t.TempDir(), trace)
	require.NoError(t, err)

	assert.Equal(t, 1, provider.created)
	assert.Equal(t, 1, provider.cleaned, "the store is released after the run")
	require.Len(t, saver.records, 1)
	rec := saver.records[0]
	assert.NotEmpty(t, rec.DocumentID)
	assert.Equal(t, trace, rec.Source)
	assert.WithinDuration(t, time.Now(), rec.RecordedAt, time.Minute)
	assertMarkerFlow(t, rec.Snapshot)
}

func TestReplayCmd_Failures(t *testing.T) {
	dir := t.TempDir()
	good := writeTraceFile(t, dir, "good.jsonl", markerTraceContent())
	bad := writeTraceFile(t, dir, "bad.jsonl", `{"op":"bogus"}`+"\n")

	tests := []struct {
		name     string
		provider storeProvider
		args     []string
		wantErr  string
	}{
		{
			name:    "malformed trace",
			args:    []string{bad},
			wantErr: "replaying " + bad + ": trace line 1",
		},
		{
			name:    "missing trace",
			args:    []string{filepath.Join(dir, "missing.jsonl")},
			wantErr: "opening trace",
		},
		{
			name:     "store unavailable",
			provider: &fakeStoreProvider{err: errors.New("connection refused")},
			args:     []string{"--persist", good},
			wantErr:  "failed to initialize store: connection refused",
		},
		{
			name:     "save fails",
			provider: &fakeStoreProvider{saver: &recordingSaver{err: errors.New("disk full")}},
			args:     []string{"--persist", good},
			wantErr:  "persisting snapshot of " + good,
		},
		{
			name:    "zero concurrency",
			args:    []string{"--concurrency", "0", good},
			wantErr: "concurrency must be a positive integer",
		},
		{
			name:    "compressed follow",
			args:    []string{"--follow", filepath.Join(dir, "live.jsonl.gz")},
			wantErr: "compressed traces cannot be followed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--config", createTempConfig(t, quietConfig), "replay", "--out", t.TempDir()}, tt.args...)
			_, err := executeCommand(tt.provider, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func readLogfile(t *testing.T, dir string) schemas.CompactLogfile {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, logfileName))
	require.NoError(t, err)
	var lf schemas.CompactLogfile
	require.NoError(t, json.Unmarshal(data, &lf))
	return lf
}

func TestReplayCmd_FailedTraceDoesNotStopOthers(t *testing.T) {
	traces := t.TempDir()
	outDir := t.TempDir()
	bad := writeTraceFile(t, traces, "bad.jsonl", `{"op":"bogus"}`+"\n")
	good := writeTraceFile(t, traces, "good.jsonl",
		`{"op":"document","url":"https://site.example/checkout"}`+"\n"+markerTraceContent())

	out, err := executeCommand(nil, "--config", createTempConfig(t, quietConfig),
		"replay", "-j", "1", "--site", "site.example", "--out", outDir, bad, good)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replaying "+bad+": trace line 1")
	assert.NotContains(t, err.Error(), good)
	assert.Contains(t, out, bad+": failed")

	goodSnapshot := filepath.Join(outDir, "good.snapshot.json")
	assertMarkerFlow(t, readSnapshot(t, goodSnapshot))
	assert.NoFileExists(t, filepath.Join(outDir, "bad.snapshot.json"))

	lf := readLogfile(t, outDir)
	assert.Equal(t, "site.example", lf.Site)
	require.Len(t, lf.TrackingResultRecord, 2)
	require.NotNil(t, lf.TrackingResultRecord["https://site.example/checkout"])
	assertMarkerFlow(t, *lf.TrackingResultRecord["https://site.example/checkout"])

	failed, ok := lf.TrackingResultRecord[bad]
	require.True(t, ok, "a failed trace is keyed by its path")
	assert.Nil(t, failed)
	require.Len(t, lf.ErrorCollection, 1)
	assert.Equal(t, schemas.ErrorInstrumentationFailure, lf.ErrorCollection[0].Type)
	assert.Equal(t, bad, lf.ErrorCollection[0].Trace)
}

func TestReplayCmd_LogfileWithoutFailures(t *testing.T) {
	outDir := t.TempDir()
	trace := writeTraceFile(t, t.TempDir(), "page.jsonl", markerTraceContent())

	_, err := executeCommand(nil, "--config", createTempConfig(t, quietConfig), "replay", "--out", outDir, trace)
	require.NoError(t, err)

	lf := readLogfile(t, outDir)
	assert.Empty(t, lf.ErrorCollection)
	require.Contains(t, lf.TrackingResultRecord, trace)
	assertMarkerFlow(t, *lf.TrackingResultRecord[trace])
}

func TestBuildLogfile_DuplicateDocumentURLs(t *testing.T) {
	first := &schemas.CompactTrackingResult{}
	second := &schemas.CompactTrackingResult{}
	lf := buildLogfile("", []replaySummary{
		{Trace: "a.jsonl", URL: "https://site.example/", snapshot: first},
		{Trace: "b.jsonl", URL: "https://site.example/", snapshot: second},
		{Trace: "c.jsonl", Err: errors.New("boom")},
	})

	assert.Same(t, first, lf.TrackingResultRecord["https://site.example/"])
	assert.Same(t, second, lf.TrackingResultRecord["b.jsonl"])
	assert.Contains(t, lf.TrackingResultRecord, "c.jsonl")
	assert.Nil(t, lf.TrackingResultRecord["c.jsonl"])
	require.Len(t, lf.ErrorCollection, 1)
	assert.Equal(t, schemas.ErrorEvaluation, lf.ErrorCollection[0].Type)
	assert.Equal(t, "boom", lf.ErrorCollection[0].Message)
}

func TestRunReplay_FollowNeedsAWorkerPerTrace(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.SetReplayFollow(true)
	cfg.SetReplayConcurrency(1)
	cfg.SetReplayOutputDir(t.TempDir())

	_, err := runReplay(context.Background(), zaptest.NewLogger(t), cfg, []string{"a.jsonl", "b.jsonl"}, &fakeStoreProvider{})
	assert.EqualError(t, err, "following 2 traces needs a concurrency of at least 2")
}

func TestRunReplay_Follow(t *testing.T) {
	dir := t.TempDir()
	path := writeTraceFile(t, dir, "live.jsonl", markerTraceContent())

	cfg := config.NewDefaultConfig()
	cfg.SetReplayFollow(true)
	cfg.SetReplayOutputDir(dir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summaries, err := runReplay(ctx, zaptest.NewLogger(t), cfg, []string{path}, &fakeStoreProvider{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].Flows)
	assertMarkerFlow(t, readSnapshot(t, summaries[0].Output))
}
