// File: internal/trace/follow.go
package trace

import (
	"context"
	"fmt"

	"github.com/hpcloud/tail"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// Follow replays a trace that a recording driver is still writing. It returns
// after an end record, when ctx is cancelled, or on the first error.
func (r *Replayer) Follow(ctx context.Context, path string) error {
	if compressionOf(path) != compressionNone {
		return fmt.Errorf("%s: %w", path, ErrCompressedFollow)
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("expanding trace path %q: %w", path, err)
	}

	t, err := tail.TailFile(expanded, tail.Config{
		Follow:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail trace file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()
	r.logger.Info("Following trace", zap.String("path", expanded))

	line := 0
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopped following trace", zap.Int("lines", line))
			return ctx.Err()

		case l, ok := <-t.Lines:
			if !ok {
				if err := t.Err(); err != nil {
					return fmt.Errorf("tailing trace after line %d: %w", line, err)
				}
				return nil
			}
			line++
			if l.Err != nil {
				return fmt.Errorf("trace line %d: %w", line, l.Err)
			}
			done, err := r.applyLine(l.Text)
			if err != nil {
				return fmt.Errorf("trace line %d: %w", line, err)
			}
			if done {
				r.logger.Info("Trace complete", zap.Int("lines", line), zap.Int("records", r.records))
				return nil
			}
		}
	}
}
