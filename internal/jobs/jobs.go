// Package jobs holds the process-level periodic jobs: the scheduled restart
// and the cache directory purge. Both run until their context ends.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// ErrRestart is returned by Restart once its interval has elapsed. The caller
// is expected to shut down and exit non-zero so a process manager restarts it.
var ErrRestart = errors.New("scheduled restart")

// Restart waits for interval and returns ErrRestart, or nil when ctx ends
// first. A non-positive interval disables the job.
func Restart(ctx context.Context, interval time.Duration, log *slog.Logger) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTimer(interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
		log.WarnContext(ctx, "jobs.restart.due", slog.Duration("interval", interval))
		return ErrRestart
	}
}

// CachePurge empties dirs every interval until ctx ends. Purge failures are
// logged and the job keeps running.
func CachePurge(ctx context.Context, interval time.Duration, dirs []string, log *slog.Logger) error {
	if interval <= 0 || len(dirs) == 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := PurgeDirs(dirs); err != nil {
				log.ErrorContext(ctx, "jobs.cache.purge.fail", slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "jobs.cache.purge.ok", slog.Int("dirs", len(dirs)))
		}
	}
}

// PurgeDirs removes each directory with its contents and recreates it empty.
func PurgeDirs(dirs []string) error {
	var errs []error
	for _, dir := range dirs {
		if dir == "" || dir == "/" {
			errs = append(errs, fmt.Errorf("refusing to purge %q", dir))
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("recreate %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}
