package store

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"google.golang.org/api/iterator"
)

// GCSStore keeps each key as an object in a Cloud Storage bucket, below an
// optional prefix.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCS opens bucket with application default credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "gcs: create client")
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSStore{client: client, bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}

func (g *GCSStore) object(key string) *storage.ObjectHandle {
	return g.bucket.Object(g.prefix + key)
}

func (g *GCSStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	w := g.object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return eris.Wrapf(err, "gcs: write %s", key)
	}
	return eris.Wrapf(w.Close(), "gcs: finalize %s", key)
}

func (g *GCSStore) Load(ctx context.Context, key string) ([]byte, error) {
	r, err := g.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "gcs: open %s", key)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	return data, eris.Wrapf(err, "gcs: read %s", key)
}

func (g *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "gcs: attrs %s", key)
	}
	return true, nil
}

func (g *GCSStore) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return eris.Wrapf(err, "gcs: delete %s", key)
}

// ListKeys returns keys in lexical order, which is the order GCS lists objects.
func (g *GCSStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: g.prefix + prefix})
	keys := make([]string, 0)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "gcs: list %s", prefix)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, g.prefix))
	}
	return keys, nil
}
