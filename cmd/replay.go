// File: cmd/replay.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
	"github.com/xkilldash9x/scalpel-taint/internal/config"
	"github.com/xkilldash9x/scalpel-taint/internal/observability"
	"github.com/xkilldash9x/scalpel-taint/internal/store"
	"github.com/xkilldash9x/scalpel-taint/internal/trace"
)

// snapshotSaver is the slice of the store the replay command needs.
type snapshotSaver interface {
	SaveSnapshot(ctx context.Context, rec store.SnapshotRecord) error
}

// storeProvider creates the snapshot store. Tests inject a fake in place of a
// live database connection.
type storeProvider interface {
	// Create returns the store and a cleanup function releasing its resources.
	Create(ctx context.Context, cfg config.Interface) (snapshotSaver, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the provider backed by PostgreSQL.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to PostgreSQL, applies the schema and returns the store.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (snapshotSaver, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (%s_DATABASE_URL)", envPrefix)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = int32(max(cfg.Replay().Concurrency, 2))
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return s, cleanup, nil
}

// newReplayCmd creates and configures the `replay` command.
func newReplayCmd(provider storeProvider) *cobra.Command {
	var (
		follow      bool
		persist     bool
		outputDir   string
		site        string
		concurrency int
	)

	replayCmd := &cobra.Command{
		Use:   "replay [traces...]",
		Short: "Replay recorded traces and write one taint snapshot per document",
		Long: `Replays each trace file in its own engine and writes <name>.snapshot.json to the
output directory, plus a logs.json keyed by document URL. A trace that fails is
recorded there as null with a classified error, and the others still complete.
Traces ending in .gz or .br are decompressed transparently. With --follow, traces
still being written are tailed until their end record.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("follow") {
				cfg.SetReplayFollow(follow)
			}
			if flags.Changed("persist") {
				cfg.SetReplayPersist(persist)
			}
			if flags.Changed("out") {
				cfg.SetReplayOutputDir(outputDir)
			}
			if flags.Changed("concurrency") {
				cfg.SetReplayConcurrency(concurrency)
			}
			if flags.Changed("site") {
				cfg.SetReplaySite(site)
			}

			summaries, err := runReplay(ctx, observability.GetLogger(), cfg, args, provider)
			for _, s := range summaries {
				switch {
				case s.Err != nil:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: failed\n", s.Trace)
				case s.Output != "":
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d flows, %d labels -> %s\n", s.Trace, s.Flows, s.Labels, s.Output)
				}
			}
			return err
		},
	}

	replayCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Tail traces that are still being written")
	replayCmd.Flags().BoolVar(&persist, "persist", false, "Also store snapshots in PostgreSQL")
	replayCmd.Flags().StringVarP(&outputDir, "out", "o", "", "Directory for snapshot files (default from config)")
	replayCmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "Number of traces replayed in parallel")
	replayCmd.Flags().StringVar(&site, "site", "", "Site recorded in the run's logfile")

	return replayCmd
}

// replaySummary reports the outcome of one trace. Err is set when the trace
// failed; the other traces of the run are unaffected.
type replaySummary struct {
	Trace      string
	DocumentID string
	URL        string
	Output     string
	Labels     int
	Flows      int
	Err        error

	snapshot *schemas.CompactTrackingResult
}

// logfileName is the run-level logfile written next to the snapshots.
const logfileName = "logs.json"

// runReplay replays every trace concurrently. Each trace gets its own engine and
// fails on its own: a failed document is recorded in the logfile and the rest
// still complete. The returned error joins every per-trace failure.
func runReplay(ctx context.Context, logger *zap.Logger, cfg config.Interface, paths []string, provider storeProvider) ([]replaySummary, error) {
	rc := cfg.Replay()
	if rc.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be a positive integer, got %d", rc.Concurrency)
	}
	if rc.Follow && len(paths) > rc.Concurrency {
		return nil, fmt.Errorf("following %d traces needs a concurrency of at least %d", len(paths), len(paths))
	}

	outDir, err := homedir.Expand(rc.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("expanding output directory: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var saver snapshotSaver
	if rc.Persist {
		s, cleanup, err := provider.Create(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		defer cleanup()
		saver = s
	}

	logger.Info("Starting replay",
		zap.Int("traces", len(paths)),
		zap.Int("concurrency", rc.Concurrency),
		zap.Bool("follow", rc.Follow),
		zap.Bool("persist", rc.Persist),
	)

	summaries := make([]replaySummary, len(paths))
	var g errgroup.Group
	g.SetLimit(rc.Concurrency)
	for i, path := range paths {
		g.Go(func() error {
			s := replayTrace(ctx, logger, cfg.Engine(), path, outDir, rc.Follow, saver)
			if s.Err != nil {
				logger.Warn("Trace failed, continuing with the rest", zap.String("trace", path), zap.Error(s.Err))
			}
			summaries[i] = s
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, s := range summaries {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}

	logPath := filepath.Join(outDir, logfileName)
	if err := writeLogfile(logPath, rc.Site, summaries); err != nil {
		errs = append(errs, err)
	}

	err = errors.Join(errs...)
	if err != nil {
		logger.Error("Replay finished with failures", zap.Int("failed", len(errs)), zap.Int("traces", len(paths)), zap.String("logfile", logPath))
	} else {
		logger.Info("Replay complete", zap.Int("traces", len(paths)), zap.String("logfile", logPath))
	}
	return summaries, err
}

// buildLogfile keys each snapshot by its document URL, falling back to the trace
// path for traces without a document record. A failed trace maps to null and is
// listed in the error collection.
func buildLogfile(site string, summaries []replaySummary) schemas.CompactLogfile {
	lf := schemas.CompactLogfile{
		Site:                 site,
		TrackingResultRecord: make(map[string]*schemas.CompactTrackingResult, len(summaries)),
		ErrorCollection:      []schemas.AnalysisError{},
	}
	for _, s := range summaries {
		key := s.URL
		if key == "" {
			key = s.Trace
		}
		if _, taken := lf.TrackingResultRecord[key]; taken {
			key = s.Trace
		}
		lf.TrackingResultRecord[key] = s.snapshot
		if s.Err != nil {
			lf.ErrorCollection = append(lf.ErrorCollection, trace.AnalysisError(s.Trace, s.URL, s.Err))
		}
	}
	return lf
}

func writeLogfile(path, site string, summaries []replaySummary) error {
	data, err := json.Marshal(buildLogfile(site, summaries))
	if err != nil {
		return fmt.Errorf("encoding logfile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing logfile: %w", err)
	}
	return nil
}

func replayTrace(ctx context.Context, logger *zap.Logger, engineCfg config.EngineConfig, path, outDir string, follow bool, saver snapshotSaver) replaySummary {
	summary := replaySummary{Trace: path}
	r := trace.NewReplayer(engineCfg, logger)
	eng := r.Engine()
	summary.DocumentID = eng.DocumentID()
	defer eng.Teardown()

	fail := func(err error) replaySummary {
		summary.URL = r.DocumentURL()
		summary.Err = err
		return summary
	}

	if follow {
		if err := r.Follow(ctx, path); err != nil {
			return fail(fmt.Errorf("replaying %s: %w", path, err))
		}
	} else {
		src, err := trace.Open(path)
		if err != nil {
			return fail(err)
		}
		err = r.Run(ctx, src)
		src.Close()
		if err != nil {
			return fail(fmt.Errorf("replaying %s: %w", path, err))
		}
	}
	summary.URL = r.DocumentURL()

	snap := eng.Snapshot()
	if err := snap.Validate(); err != nil {
		return fail(fmt.Errorf("snapshot of %s: %w", path, err))
	}
	summary.Labels = len(snap.LabelMap)
	summary.Flows = len(snap.Flows)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fail(fmt.Errorf("encoding snapshot of %s: %w", path, err))
	}
	out := filepath.Join(outDir, trace.Name(path)+".snapshot.json")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fail(fmt.Errorf("writing snapshot: %w", err))
	}
	summary.Output = out

	if saver != nil {
		rec := store.SnapshotRecord{
			DocumentID: summary.DocumentID,
			Source:     path,
			RecordedAt: time.Now(),
			Snapshot:   snap,
		}
		if err := saver.SaveSnapshot(ctx, rec); err != nil {
			return fail(fmt.Errorf("persisting snapshot of %s: %w", path, err))
		}
	}
	summary.snapshot = &snap

	logger.Debug("Trace replayed",
		zap.String("trace", path),
		zap.String("document_id", summary.DocumentID),
		zap.String("document_url", summary.URL),
		zap.Int("flows", summary.Flows),
	)
	return summary
}
