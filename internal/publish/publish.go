// Package publish copies consolidated datasets to object storage.
//
// Any gocloud bucket URL is accepted: file:///srv/reports, s3://bucket,
// gs://bucket or mem:// for tests.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// ContentType is set on every published object.
const ContentType = "text/csv; charset=utf-8"

// ErrEmptySource is returned when asked to publish an empty file.
var ErrEmptySource = errors.New("publish: source file is empty")

// Publisher uploads files under a key prefix.
type Publisher struct {
	bucket *blob.Bucket
	prefix string
	logger *slog.Logger
	owned  bool
}

// Open opens bucketURL. The returned publisher owns the bucket and closes
// it on Close.
func Open(ctx context.Context, bucketURL, prefix string, logger *slog.Logger) (*Publisher, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("publish: open bucket: %w", err)
	}
	p := New(bkt, prefix, logger)
	p.owned = true
	return p, nil
}

// New wraps an open bucket. The caller keeps ownership of it.
func New(bucket *blob.Bucket, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(slog.String("component", "publish")),
	}
}

// Key returns the object key for a category's file.
func (p *Publisher) Key(category, name string) string {
	return path.Join(p.prefix, category, name)
}

// Publish streams localPath to the object {prefix}/{category}/{base name}
// and returns the key. The object only becomes visible once the upload has
// completed.
func (p *Publisher) Publish(ctx context.Context, category, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptySource, localPath)
	}

	key := p.Key(category, path.Base(strings.ReplaceAll(localPath, `\`, "/")))

	replaced, err := p.Exists(ctx, key)
	if err != nil {
		return "", err
	}

	// Cancelling the writer context aborts the upload instead of committing
	// a truncated object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := p.bucket.NewWriter(wctx, key, &blob.WriterOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"category": category,
			"source":   path.Base(strings.ReplaceAll(localPath, `\`, "/")),
		},
	})
	if err != nil {
		return "", fmt.Errorf("publish: open writer %s: %w", key, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		cancel()
		w.Close()
		return "", fmt.Errorf("publish: upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("publish: commit %s: %w", key, err)
	}

	p.logger.Info("dataset published", "key", key, "bytes", info.Size(), "replaced", replaced)
	return key, nil
}

// Exists reports whether key is present in the bucket.
func (p *Publisher) Exists(ctx context.Context, key string) (bool, error) {
	_, err := p.bucket.Attributes(ctx, key)
	if err == nil {
		return true, nil
	}
	if gcerrors.Code(err) == gcerrors.NotFound {
		return false, nil
	}
	return false, fmt.Errorf("publish: %w", err)
}

// Close releases the bucket when the publisher opened it.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.bucket.Close()
}
