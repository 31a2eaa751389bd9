// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/scalpel-taint/internal/config"
	"github.com/xkilldash9x/scalpel-taint/internal/observability"
)

// TestMain silences the global logger; commands initialise it only once.
func TestMain(m *testing.M) {
	observability.Initialize(config.LoggerConfig{Level: "fatal", Format: "console"}, zapcore.AddSync(io.Discard))
	os.Exit(m.Run())
}

// executeCommand runs a fresh command tree with the given provider and returns
// its combined output.
func executeCommand(provider storeProvider, args ...string) (string, error) {
	if provider == nil {
		provider = &fakeStoreProvider{}
	}
	rootCmd := newRootCommand(provider)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}
