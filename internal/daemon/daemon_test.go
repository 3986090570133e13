package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenfar/buffalofq/config"
)

func daemonFeed(t *testing.T) *config.Feed {
	t.Helper()
	sourceData := t.TempDir()
	content := []byte("1234567890\n")
	for _, name := range []string{"good_1.dat", "good_2.dat"} {
		require.NoError(t,
			os.WriteFile(filepath.Join(sourceData, name), content, 0o644))
	}

	return &config.Feed{
		Name:           "source_2_dest",
		Status:         config.StatusEnabled,
		PollingSeconds: 1,
		SortKey:        "name",
		SourceHost:     "localhost",
		SourceDir:      sourceData,
		SourceFn:       "good*",
		DestHost:       "localhost",
		DestDir:        t.TempDir(),
		FeedAuditDir:   t.TempDir(),
	}
}

func TestRunDisabledFeed(t *testing.T) {
	feed := daemonFeed(t)
	feed.Status = config.StatusDisabled

	require.NoError(t, Run(context.Background(), feed, &config.Env{}))
}

func TestRunOnce(t *testing.T) {
	feed := daemonFeed(t)
	require.NoError(t, RunOnce(context.Background(), feed, &config.Env{}))

	moved, err := filepath.Glob(filepath.Join(feed.DestDir, "good*"))
	require.NoError(t, err)
	assert.Len(t, moved, 2)
}

func TestPollRunsAPass(t *testing.T) {
	feed := daemonFeed(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	require.NoError(t, Run(ctx, feed, &config.Env{}))

	moved, err := filepath.Glob(filepath.Join(feed.DestDir, "good*"))
	require.NoError(t, err)
	assert.Len(t, moved, 2)
}
