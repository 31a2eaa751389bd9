// File: cmd/expand.go
package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
	"github.com/xkilldash9x/scalpel-taint/internal/observability"
	"github.com/xkilldash9x/scalpel-taint/internal/taint"
)

func newExpandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expand [logfile]",
		Short: "Print the flows of a replay logfile with labels resolved against each document",
		Long: `Reads a logs.json written by replay and prints one line per flow. Script URLs
are resolved against the document URL the snapshot was recorded in. Documents that
failed, or whose key is not an absolute URL with an origin, are skipped; recorded
errors are listed after the flows.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpand(cmd.OutOrStdout(), observability.GetLogger(), args[0])
		},
	}
}

func runExpand(w io.Writer, logger *zap.Logger, path string) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("expanding logfile path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return fmt.Errorf("reading logfile: %w", err)
	}
	var lf schemas.CompactLogfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return fmt.Errorf("decoding logfile: %w", err)
	}

	docs := make([]string, 0, len(lf.TrackingResultRecord))
	for doc, snap := range lf.TrackingResultRecord {
		if snap == nil || !hasOrigin(doc) {
			logger.Debug("Skipping document", zap.String("document", doc), zap.Bool("failed", snap == nil))
			continue
		}
		docs = append(docs, doc)
	}
	slices.Sort(docs)

	for _, doc := range docs {
		res, err := taint.ExpandAgainst(*lf.TrackingResultRecord[doc], doc)
		if err != nil {
			return fmt.Errorf("expanding %s: %w", doc, err)
		}
		for _, flow := range res.Flows {
			sources := make([]string, 0)
			for _, l := range taint.Labels(flow.Taint) {
				sources = append(sources, fmt.Sprintf("%s@%s", l.Kind, l.Location.URL))
			}
			slices.Sort(sources)
			fmt.Fprintf(w, "%s: %s@%s <- %s\n", doc, flow.Sink.Kind, flow.Sink.Location.URL, strings.Join(sources, ", "))
		}
	}
	for _, e := range lf.ErrorCollection {
		fmt.Fprintf(w, "error %s %s: %s\n", e.Type, e.Trace, e.Message)
	}
	return nil
}

// hasOrigin reports whether doc is an absolute URL with a non-opaque origin.
func hasOrigin(doc string) bool {
	u, err := url.Parse(doc)
	return err == nil && u.IsAbs() && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")
}
