package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"
)

// ErrNotPublished is returned when a requested object does not exist.
var ErrNotPublished = errors.New("publish: object not found")

// Upload is a local file and the key it is stored under, relative to the
// publisher's prefix.
type Upload struct {
	Path string
	Key  string
}

// Object is a stored object.
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Options configures a Publisher.
type Options struct {
	// Prefix is prepended to every key.
	Prefix string

	// Concurrency bounds parallel uploads. Default: 4
	Concurrency int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Publisher uploads run outputs to a bucket.
type Publisher struct {
	bucket *blob.Bucket
	opts   Options
	logger *slog.Logger
	owned  bool
}

// New wraps an open bucket. The caller keeps ownership of the bucket.
func New(bucket *blob.Bucket, opts Options) *Publisher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{bucket: bucket, opts: opts, logger: logger}
}

// Open opens the bucket at bucketURL (s3://, gs://, file://, ...).
// Close releases it.
func Open(ctx context.Context, bucketURL string, opts Options) (*Publisher, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	p := New(bkt, opts)
	p.owned = true
	return p, nil
}

// Close closes the bucket if it was opened by Open.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.bucket.Close()
}

// Key returns the full object key for a relative key.
func (p *Publisher) Key(rel string) string {
	if p.opts.Prefix == "" {
		return rel
	}
	return path.Join(p.opts.Prefix, rel)
}

// Plan maps files to upload keys relative to workDir. Files outside workDir
// are keyed by their base name. Duplicate files are dropped.
func Plan(workDir string, files ...string) []Upload {
	seen := make(map[string]bool, len(files))
	var uploads []Upload
	for _, f := range files {
		if f == "" {
			continue
		}
		key := filepath.Base(f)
		if rel, err := filepath.Rel(workDir, f); err == nil && filepath.IsLocal(rel) {
			key = filepath.ToSlash(rel)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		uploads = append(uploads, Upload{Path: f, Key: key})
	}
	return uploads
}

// Publish uploads files in parallel and returns the stored objects sorted by
// key. The first failure cancels the remaining uploads.
func (p *Publisher) Publish(ctx context.Context, uploads []Upload) ([]Object, error) {
	var (
		mu      sync.Mutex
		objects []Object
	)

	eg, eCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.opts.Concurrency)

	for _, u := range uploads {
		eg.Go(func() error {
			size, err := p.uploadFile(eCtx, u)
			if err != nil {
				return err
			}
			mu.Lock()
			objects = append(objects, Object{Key: p.Key(u.Key), Size: size})
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (p *Publisher) uploadFile(ctx context.Context, u Upload) (int64, error) {
	f, err := os.Open(u.Path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", u.Path, err)
	}
	defer f.Close()

	key := p.Key(u.Key)
	w, err := p.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType(u.Path)})
	if err != nil {
		return 0, fmt.Errorf("create writer %s: %w", key, err)
	}

	n, err := io.Copy(w, f)
	if err != nil {
		w.Close()
		return n, fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("upload %s: %w", key, err)
	}

	p.logger.Debug("object uploaded", "key", key, "bytes", n)
	return n, nil
}

// PutJSON stores v as JSON under the relative key.
func (p *Publisher) PutJSON(ctx context.Context, rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	key := p.Key(rel)
	if err := p.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// GetJSON decodes the JSON object under the relative key into v. A missing
// object returns ErrNotPublished.
func (p *Publisher) GetJSON(ctx context.Context, rel string, v any) error {
	key := p.Key(rel)
	data, err := p.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("%w: %s", ErrNotPublished, key)
		}
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// List returns the objects under the prefix.
func (p *Publisher) List(ctx context.Context) ([]Object, error) {
	prefix := p.opts.Prefix
	if prefix != "" {
		prefix += "/"
	}

	var objects []Object
	iter := p.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		if obj.IsDir {
			continue
		}
		objects = append(objects, Object{Key: obj.Key, Size: obj.Size})
	}
	return objects, nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".vrt":
		return "application/xml"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".json":
		return "application/json"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
