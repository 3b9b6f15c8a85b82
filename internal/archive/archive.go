// Package archive copies finished downloads into a blob bucket.
package archive

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/datallboy/fetchq/internal/infra/logger"
)

type Options struct {
	Folder      string // download folder the files are read from
	Prefix      string // key prefix inside the bucket
	RemoveLocal bool
}

type Archiver struct {
	bucket *blob.Bucket
	opts   Options
	log    *logger.Logger
}

// Open opens bucketURL (file:// or mem://) and returns an Archiver over it.
func Open(ctx context.Context, bucketURL string, opts Options, log *logger.Logger) (*Archiver, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return New(bkt, opts, log), nil
}

func New(bucket *blob.Bucket, opts Options, log *logger.Logger) *Archiver {
	if log == nil {
		log = logger.Nop()
	}
	return &Archiver{bucket: bucket, opts: opts, log: log}
}

// Key returns the object key fileName is stored under.
func (a *Archiver) Key(fileName string) string {
	return path.Join(a.opts.Prefix, filepath.ToSlash(fileName))
}

// AfterDownload uploads folder/fileName to the bucket. It has the signature of
// an after-download hook.
func (a *Archiver) AfterDownload(ctx context.Context, url, fileName string) error {
	src := filepath.Join(a.opts.Folder, fileName)
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("archive %s: %w", fileName, err)
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(fileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := a.Key(fileName)
	w, err := a.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"source-url": url},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}

	n, err := io.Copy(w, f)
	if err != nil {
		w.Close()
		return fmt.Errorf("archive %s: %w", key, err)
	}
	// The object only exists once the writer closes cleanly
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}

	a.log.Info("Archived %s as %s (%s)", fileName, key, humanize.Bytes(uint64(n)))

	if a.opts.RemoveLocal {
		f.Close()
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("remove archived %s: %w", src, err)
		}
	}
	return nil
}

func (a *Archiver) Close() error {
	return a.bucket.Close()
}
