package deepstorage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
)

// LocalPusher copies a merged segment directory into a local "deep storage"
// root. It is used for tests and single-node deployments where an object
// store is unnecessary overhead.
type LocalPusher struct {
	Root string
}

// NewLocalPusher returns a Pusher rooted at root, creating it if needed.
func NewLocalPusher(root string) (*LocalPusher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create deep storage root %s", root)
	}
	return &LocalPusher{Root: root}, nil
}

func (p *LocalPusher) Push(ctx context.Context, mergedDir string, id segment.Identifier,
	merge rowindex.MergeResult, useUniquePath bool,
) (segment.DataSegment, error) {
	dest := filepath.Join(p.Root, id.String())
	if useUniquePath {
		dest = filepath.Join(dest, uuid.NewString())
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return segment.DataSegment{}, errors.Wrapf(err, "create destination %s", dest)
	}

	size, err := copyDir(ctx, mergedDir, dest)
	if err != nil {
		return segment.DataSegment{}, errors.Wrapf(err, "copy %s to %s", mergedDir, dest)
	}

	return segment.DataSegment{
		Identifier: id,
		Size:       size,
		NumRows:    merge.NumRows,
		Dimensions: merge.Dimensions,
		LoadSpec: map[string]string{
			"type": "local",
			"path": dest,
		},
	}, nil
}

func copyDir(ctx context.Context, src, dst string) (int64, error) {
	var total int64

	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return total, err
			}
			n, err := copyDir(ctx, srcPath, dstPath)
			total += n
			if err != nil {
				return total, err
			}
			continue
		}

		n, err := copyFile(srcPath, dstPath)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	return io.Copy(out, in)
}
