package feed

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/kenfar/buffalofq/config"
	"github.com/kenfar/buffalofq/internal/transport"
)

// tempSuffix marks in-flight destination files. Candidates never include
// them, so another mover's partial writes stay invisible.
const tempSuffix = ".temp"

// Candidates lists the source files eligible for transfer, ordered by the
// feed's sort key and truncated to limit_total.
func Candidates(ctx context.Context, feed *config.Feed, src transport.Endpoint,
) ([]string, error) {
	infos, err := src.List(ctx, feed.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("list source dir: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if !fi.Regular {
			continue
		}
		if strings.HasSuffix(fi.Name, tempSuffix) {
			continue
		}
		ok, err := path.Match(feed.SourceFn, fi.Name)
		if err != nil {
			return nil, fmt.Errorf("bad source_fn pattern %q: %w", feed.SourceFn, err)
		}
		if ok {
			names = append(names, fi.Name)
		}
	}

	names = sortFiles(feed, names)

	if feed.LimitTotal > 0 && len(names) > feed.LimitTotal {
		names = names[:feed.LimitTotal]
	}
	return names, nil
}

func sortFiles(feed *config.Feed, names []string) []string {
	switch {
	case feed.SortKey == "" || feed.SortKey == "none":
		// iteration order preserved
	case feed.SortKey == "name":
		sort.Strings(names)
	default:
		label := feed.SortField()
		sort.SliceStable(names, func(i, j int) bool {
			a, b := fieldKey(names[i], label), fieldKey(names[j], label)
			if a != b {
				return a < b
			}
			return names[i] < names[j]
		})
	}
	return names
}

// fieldKey extracts the sort key for field:<label> ordering: the substring
// following "<label>-" up to the next "." or "_".
func fieldKey(name, label string) string {
	_, rest, found := strings.Cut(name, label+"-")
	if !found {
		return ""
	}
	if i := strings.IndexAny(rest, "._"); i >= 0 {
		return rest[:i]
	}
	return rest
}
