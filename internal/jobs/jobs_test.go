package jobs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRestartFiresAfterInterval(t *testing.T) {
	err := Restart(context.Background(), 10*time.Millisecond, discard)
	require.ErrorIs(t, err, ErrRestart)
}

func TestRestartStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, Restart(ctx, time.Hour, discard))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	require.NoError(t, Restart(ctx2, 0, discard), "disabled job waits for the context")
}

func TestPurgeDirs(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "commands", "cache")
	b := filepath.Join(root, "events", "cache")
	require.NoError(t, os.MkdirAll(filepath.Join(a, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a, "nested", "x.bin"), []byte("x"), 0o644))

	require.NoError(t, PurgeDirs([]string{a, b}))
	for _, dir := range []string{a, b} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	}

	require.Error(t, PurgeDirs([]string{""}))
}

func TestCachePurgeRunsPeriodically(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	marker := filepath.Join(dir, "stale")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- CachePurge(ctx, 5*time.Millisecond, []string{dir}, discard) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
