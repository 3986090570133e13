package feed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenfar/buffalofq/config"
)

// fileContent is the standard fixture payload: 45 bytes.
const fileContent = "1234567890\n234567890\n34567890\n4567890\n567890\n"

// fixture is the standard directory layout: three good files and two bad
// ones in the source, one ignore file each in the archive, destination and
// link directories.
type fixture struct {
	sourceData string
	sourceArc  string
	destData   string
	destLink   string
	auditDir   string
}

func makeFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		sourceData: t.TempDir(),
		sourceArc:  t.TempDir(),
		destData:   t.TempDir(),
		destLink:   t.TempDir(),
		auditDir:   t.TempDir(),
	}
	fx.makeFiles(t, fx.sourceData, "good_1.dat", "good_2.dat", "good_3.dat",
		"bad_1.dat", "bad_2.dat")
	fx.makeFiles(t, fx.sourceArc, "ignore_1.dat")
	fx.makeFiles(t, fx.destData, "ignore_1.dat")
	fx.makeFiles(t, fx.destLink, "ignore_1.dat")
	return fx
}

func (self *fixture) makeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t,
			os.WriteFile(filepath.Join(dir, name), []byte(fileContent), 0o644))
	}
}

// newFeed is the default test feed: local both sides, good* glob,
// sorted by name.
func (self *fixture) newFeed() *config.Feed {
	return &config.Feed{
		Name:           "source_2_dest",
		Status:         config.StatusEnabled,
		PollingSeconds: 10,
		SortKey:        "name",
		SourceHost:     "localhost",
		SourceDir:      self.sourceData,
		SourceFn:       "good*",
		DestHost:       "localhost",
		DestDir:        self.destData,
		Port:           22,
		FeedAuditDir:   self.auditDir,
	}
}

// count returns how many regular files in dir match pattern.
func count(t *testing.T, dir, pattern string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	require.NoError(t, err)
	n := 0
	for _, m := range matches {
		if fi, err := os.Lstat(m); err == nil && fi.Mode().IsRegular() {
			n++
		}
	}
	return n
}

func testEnv(t *testing.T) *config.Env {
	t.Helper()
	return &config.Env{Home: t.TempDir()}
}
