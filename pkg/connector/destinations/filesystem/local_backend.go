package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/strata/pkg/errors"
)

// localBackend writes objects under a root directory. Puts go through a
// temp file and rename so readers never observe partial objects.
type localBackend struct {
	root string
}

func (b *localBackend) Put(ctx context.Context, key string, body io.Reader, _ string) error {
	target := filepath.Join(b.root, filepath.FromSlash(key))
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".strata-put-*")
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to stage %s", key)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to write %s", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to write %s", key)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to place %s", key)
	}
	return nil
}

func (b *localBackend) DeletePrefix(ctx context.Context, prefix string) error {
	dir := filepath.Join(b.root, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to clear %s", prefix)
	}
	return nil
}

func (b *localBackend) Check(ctx context.Context) error {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to create output directory %s", b.root)
	}
	return nil
}

func (b *localBackend) Close() error { return nil }
