package rowindex

import (
	"sort"

	"github.com/pkg/errors"
)

// DefaultMerger merges QueryableIndex directories by decoding each one,
// concatenating their rows, and re-sorting by timestamp. Batch ingestion
// never deduplicates on merge: every row that was ever persisted for a
// segment is present exactly once in the merged output (no duplicates, no
// drops).
type DefaultMerger struct {
	// MaxColumnsToMerge caps the number of distinct field names tracked in
	// the merged result's Dimensions. Zero means unlimited. This mirrors
	// the appenderator's tuningConfig.MaxColumnsToMerge passthrough, which
	// in a real columnar engine bounds memory used while merging wide
	// schemas.
	MaxColumnsToMerge int
}

func (d *DefaultMerger) Merge(sourceDirs []string, outDir string) (MergeResult, error) {
	var allRows []Row
	dims := map[string]struct{}{}

	for _, dir := range sourceDirs {
		qi, err := OpenQueryableIndex(dir)
		if err != nil {
			return MergeResult{}, errors.Wrapf(err, "open source %s for merge", dir)
		}

		for _, row := range qi.Rows() {
			allRows = append(allRows, row)
			for field := range row.Fields {
				if d.MaxColumnsToMerge > 0 && len(dims) >= d.MaxColumnsToMerge {
					continue
				}
				dims[field] = struct{}{}
			}
		}

		if err := qi.Close(); err != nil {
			return MergeResult{}, errors.Wrapf(err, "close source %s after merge", dir)
		}
	}

	sort.SliceStable(allRows, func(i, j int) bool {
		return allRows[i].Timestamp.Before(allRows[j].Timestamp)
	})

	n, err := persistTo(outDir, allRows)
	if err != nil {
		return MergeResult{}, errors.Wrapf(err, "persist merged index to %s", outDir)
	}

	var sizeBytes int64
	for _, row := range allRows {
		sizeBytes += row.EstimateBytes()
	}

	dimensions := make([]string, 0, len(dims))
	for field := range dims {
		dimensions = append(dimensions, field)
	}
	sort.Strings(dimensions)

	return MergeResult{NumRows: n, SizeBytes: sizeBytes, Dimensions: dimensions}, nil
}
