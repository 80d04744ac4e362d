package deepstorage

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
)

// skipUploadPatterns excludes scratch files the rowindex merger sometimes
// leaves behind in a merge workspace (e.g. half-written temp files from an
// interrupted merge) from ever reaching deep storage.
var skipUploadPatterns = []string{"**/*.tmp", "**/.DS_Store"}

// uploadConcurrency bounds how many column files are in flight to S3 at
// once; merged segments routinely have one file per dimension, and
// uploading them one at a time would leave most of the multi-part
// uploader's throughput on the table.
const uploadConcurrency = 8

// S3Pusher uploads a merged segment directory to an S3 bucket/prefix. Each
// file in the merged directory becomes one object; the multi-part uploader
// from feature/s3/manager is used so large column files do not need to be
// buffered whole in memory.
type S3Pusher struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Pusher returns a Pusher backed by an S3 bucket. prefix is joined
// with the segment identifier to form each object's key.
func NewS3Pusher(client *s3.Client, bucket, prefix string) *S3Pusher {
	return &S3Pusher{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (p *S3Pusher) Push(ctx context.Context, mergedDir string, id segment.Identifier,
	merge rowindex.MergeResult, useUniquePath bool,
) (segment.DataSegment, error) {
	keyPrefix := filepath.ToSlash(filepath.Join(p.prefix, id.String()))
	if useUniquePath {
		keyPrefix = filepath.ToSlash(filepath.Join(keyPrefix, uuid.NewString()))
	}

	type file struct {
		path string
		key  string
		size int64
	}

	var files []file
	err := filepath.Walk(mergedDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(mergedDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		for _, pattern := range skipUploadPatterns {
			if match, _ := doublestar.Match(pattern, rel); match {
				return nil
			}
		}

		files = append(files, file{path: path, key: keyPrefix + "/" + rel, size: info.Size()})
		return nil
	})
	if err != nil {
		return segment.DataSegment{}, err
	}

	var totalSize int64
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(uploadConcurrency)
	for _, f := range files {
		f := f
		group.Go(func() error {
			in, err := os.Open(f.path)
			if err != nil {
				return errors.Wrapf(err, "open %s for upload", f.path)
			}
			defer in.Close()

			if _, err := p.uploader.Upload(gctx, &s3.PutObjectInput{
				Bucket: aws.String(p.bucket),
				Key:    aws.String(f.key),
				Body:   in,
			}); err != nil {
				return errors.Wrapf(err, "upload %s to s3://%s/%s", f.path, p.bucket, f.key)
			}

			atomic.AddInt64(&totalSize, f.size)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return segment.DataSegment{}, err
	}

	return segment.DataSegment{
		Identifier: id,
		Size:       totalSize,
		NumRows:    merge.NumRows,
		Dimensions: merge.Dimensions,
		LoadSpec: map[string]string{
			"type":   "s3",
			"bucket": p.bucket,
			"key":    keyPrefix,
		},
	}, nil
}
