// Package gcskv implements kv.Store on a Google Cloud Storage bucket.
//
// Object generations serve as record versions. Conditional writes and
// deletes use generation preconditions, so the bucket itself arbitrates
// compare-and-swap.
package gcskv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/hurttlocker/dornt/internal/kv"
)

// Config selects the bucket and how to reach it.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
	// EmulatorHost points the client at a local emulator
	// (e.g. http://localhost:4443) and disables authentication.
	EmulatorHost    string
	CredentialsFile string
}

// Store implements kv.Store using GCS objects.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

var _ kv.Store = (*Store)(nil)

// New creates the storage client for cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.EmulatorHost != "":
		endpoint := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/")
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		opts = append(opts,
			option.WithEndpoint(endpoint+"/storage/v1/"),
			option.WithoutAuthentication(),
		)
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &Store{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: cfg.Prefix,
	}, nil
}

func (s *Store) object(key string) *storage.ObjectHandle {
	return s.bucket.Object(s.prefix + key)
}

func (s *Store) Get(ctx context.Context, key string) (kv.Record, bool, error) {
	r, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return kv.Record{}, false, nil
	}
	if err != nil {
		return kv.Record{}, false, fmt.Errorf("opening %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return kv.Record{}, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return kv.Record{Key: key, Value: data, Version: r.Attrs.Generation}, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) (int64, error) {
	return s.write(ctx, s.object(key), key, value)
}

func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	cond := storage.Conditions{GenerationMatch: version}
	if version == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}
	gen, err := s.write(ctx, s.object(key).If(cond), key, value)
	if isPreconditionFailed(err) {
		return 0, kv.ErrVersionConflict
	}
	return gen, err
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, key string, value []byte) (int64, error) {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(value); err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("writing %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return 0, err
		}
		return 0, fmt.Errorf("finalizing %s: %w", key, err)
	}
	return w.Attrs().Generation, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteIfVersion(ctx context.Context, key string, version int64) error {
	err := s.object(key).If(storage.Conditions{GenerationMatch: version}).Delete(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrObjectNotExist), isPreconditionFailed(err):
		return kv.ErrVersionConflict
	default:
		return fmt.Errorf("conditional delete %s: %w", key, err)
	}
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the storage client.
func (s *Store) Close() error {
	return s.client.Close()
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
