package lockfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source_2_dest.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, l.Path())
	require.NoError(t, l.Release())
	require.NoError(t, l.Release()) // second release is a no-op

	// re-acquirable after release
	l, err = Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquireBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source_2_dest.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrBusy)
}
