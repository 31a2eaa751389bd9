// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-taint/internal/config"
	"github.com/xkilldash9x/scalpel-taint/internal/store"
)

// markerTrace records `__taint_sink(__taint_source("s"))`.
var markerTrace = []string{
	`{"op":"script","sid":1,"url":"https://site.example/app.js"}`,
	`{"op":"scriptEnter","iid":1,"sid":1}`,
	`{"op":"read","iid":2,"name":"__taint_sink","value":{"$wk":"__taint_sink"}}`,
	`{"op":"read","iid":3,"name":"__taint_source","value":{"$wk":"__taint_source"}}`,
	`{"op":"literal","iid":4,"value":"s"}`,
	`{"op":"invokeFunPre","iid":5,"func":{"$wk":"__taint_source"},"base":{"$undef":true},"args":["s"]}`,
	`{"op":"invokeFun","iid":6,"func":{"$wk":"__taint_source"},"base":{"$undef":true},"args":["s"],"result":"s"}`,
	`{"op":"invokeFunPre","iid":7,"func":{"$wk":"__taint_sink"},"base":{"$undef":true},"args":["s"]}`,
	`{"op":"invokeFun","iid":8,"func":{"$wk":"__taint_sink"},"base":{"$undef":true},"args":["s"],"result":{"$undef":true}}`,
	`{"op":"endExpression","iid":9}`,
	`{"op":"end"}`,
}

func markerTraceContent() string {
	return strings.Join(markerTrace, "\n") + "\n"
}

// writeTraceFile writes content to dir/name, gzip-compressing .gz names.
func writeTraceFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := []byte(content)
	if strings.HasSuffix(name, ".gz") {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		data = buf.Bytes()
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// createTempConfig writes a config file into a fresh temporary directory.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const quietConfig = `
logger:
  level: error
replay:
  concurrency: 2
`

// fakeStoreProvider hands out a recordingSaver, or fails when err is set.
type fakeStoreProvider struct {
	saver   *recordingSaver
	err     error
	created int
	cleaned int
}

func (p *fakeStoreProvider) Create(ctx context.Context, cfg config.Interface) (snapshotSaver, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	p.created++
	return p.saver, func() { p.cleaned++ }, nil
}

type recordingSaver struct {
	mu      sync.Mutex
	records []store.SnapshotRecord
	err     error
}

func (s *recordingSaver) SaveSnapshot(ctx context.Context, rec store.SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}
