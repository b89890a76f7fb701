package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore keeps images in a Cloud Storage bucket at
// <prefix>/trail-<id>/<filename>. References point at the API which streams
// objects back through Open.
type GCSStore struct {
	client   *storage.Client
	bucket   string
	prefix   string
	baseURL  string
	maxBytes int64
}

// NewGCSStore wraps an existing client
func NewGCSStore(client *storage.Client, bucket, prefix, baseURL string, maxBytes int64) *GCSStore {
	return &GCSStore{
		client:   client,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
	}
}

// ConnectGCS creates a client using credentialsFile, or application default
// credentials when it is empty
func ConnectGCS(ctx context.Context, bucket, prefix, baseURL, credentialsFile string, maxBytes int64) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return NewGCSStore(client, bucket, prefix, baseURL, maxBytes), nil
}

func (s *GCSStore) Put(ctx context.Context, trailID, filename string, r io.Reader) (string, error) {
	if err := checkTrailID(trailID); err != nil {
		return "", err
	}
	name, err := CleanFilename(filename)
	if err != nil {
		return "", err
	}

	name, err = s.freeName(ctx, trailID, name)
	if err != nil {
		return "", err
	}

	// Cancelling the writer's context aborts the upload without creating the object
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := s.client.Bucket(s.bucket).Object(s.object(trailID, name))
	wc := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	wc.ContentType = ContentType(name)
	if _, err := limitedCopy(wc, r, s.maxBytes); err != nil {
		cancel()
		wc.Close()
		return "", err
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return s.ref(trailID, name), nil
}

// freeName returns the first numbered variant of name with no object behind it
func (s *GCSStore) freeName(ctx context.Context, trailID, name string) (string, error) {
	bucket := s.client.Bucket(s.bucket)
	for n := 0; n < maxNameAttempts; n++ {
		candidate := numberedName(name, n)
		_, err := bucket.Object(s.object(trailID, candidate)).Attrs(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("check image %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("upload image: no free name for %s", name)
}

func (s *GCSStore) List(ctx context.Context, trailID string) ([]string, error) {
	if err := checkTrailID(trailID); err != nil {
		return nil, err
	}
	names, err := s.names(ctx, trailID)
	if err != nil {
		return nil, err
	}
	refs := make([]string, len(names))
	for i, name := range names {
		refs[i] = s.ref(trailID, name)
	}
	return refs, nil
}

func (s *GCSStore) Delete(ctx context.Context, trailID, filename string) error {
	if err := checkTrailID(trailID); err != nil {
		return err
	}
	name, err := CleanFilename(filename)
	if err != nil {
		return err
	}
	err = s.client.Bucket(s.bucket).Object(s.object(trailID, name)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}

func (s *GCSStore) DeleteAll(ctx context.Context, trailID string) error {
	if err := checkTrailID(trailID); err != nil {
		return err
	}
	names, err := s.names(ctx, trailID)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		err := s.client.Bucket(s.bucket).Object(s.object(trailID, name)).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *GCSStore) Open(ctx context.Context, trailID, filename string) (io.ReadCloser, error) {
	if err := checkTrailID(trailID); err != nil {
		return nil, err
	}
	name, err := CleanFilename(filename)
	if err != nil {
		return nil, err
	}
	rc, err := s.client.Bucket(s.bucket).Object(s.object(trailID, name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	return rc, nil
}

// Close releases the storage client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) names(ctx context.Context, trailID string) ([]string, error) {
	dir := s.object(trailID, "")
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: dir})

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list images: %w", err)
		}
		name := strings.TrimPrefix(attrs.Name, dir)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *GCSStore) object(trailID, name string) string {
	p := path.Join(s.prefix, TrailDir(trailID)) + "/"
	return p + name
}

func (s *GCSStore) ref(trailID, name string) string {
	return s.baseURL + "/" + TrailDir(trailID) + "/" + name
}
