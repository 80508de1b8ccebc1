package filesystem

import (
	"context"
	stderrors "errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/errors"
)

// gcsBackend stores objects in a GCS bucket. Credentials come from the
// environment or the credentials_file credential.
type gcsBackend struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func newGCSBackend(ctx context.Context, bucket string, cfg *config.DestinationConfig) (*gcsBackend, error) {
	var opts []option.ClientOption
	if path := cfg.Credential("credentials_file", ""); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create gcs client")
	}
	return &gcsBackend{client: client, bucket: client.Bucket(bucket)}, nil
}

func (b *gcsBackend) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	w := b.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (b *gcsBackend) DeletePrefix(ctx context.Context, prefix string) error {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		err = b.bucket.Object(attrs.Name).Delete(ctx)
		if err != nil && !stderrors.Is(err, storage.ErrObjectNotExist) {
			return err
		}
	}
}

func (b *gcsBackend) Check(ctx context.Context) error {
	if _, err := b.bucket.Attrs(ctx); err != nil {
		return errors.Wrap(err, classify(err), "failed to access gcs bucket")
	}
	return nil
}

func (b *gcsBackend) Close() error { return b.client.Close() }
