package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStore keeps images on disk at <root>/trail-<id>/<filename>
type LocalStore struct {
	root     string
	baseURL  string
	maxBytes int64
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root, baseURL string, maxBytes int64) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create image root %s: %w", root, err)
	}
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/"), maxBytes: maxBytes}, nil
}

func (s *LocalStore) Put(ctx context.Context, trailID, filename string, r io.Reader) (string, error) {
	if err := checkTrailID(trailID); err != nil {
		return "", err
	}
	name, err := CleanFilename(filename)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, TrailDir(trailID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	// Write to a temp file so a failed upload never leaves a partial image
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := limitedCopy(tmp, readerWithContext(ctx, r), s.maxBytes); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}

	// Link fails on an existing name, so nothing is ever overwritten
	for n := 0; n < maxNameAttempts; n++ {
		candidate := numberedName(name, n)
		err := os.Link(tmp.Name(), filepath.Join(dir, candidate))
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("store image: %w", err)
		}
		return s.ref(trailID, candidate), nil
	}
	return "", fmt.Errorf("store image: no free name for %s", name)
}

func (s *LocalStore) List(ctx context.Context, trailID string) ([]string, error) {
	if err := checkTrailID(trailID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, TrailDir(trailID)))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	refs := make([]string, len(names))
	for i, name := range names {
		refs[i] = s.ref(trailID, name)
	}
	return refs, nil
}

func (s *LocalStore) Delete(ctx context.Context, trailID, filename string) error {
	p, err := s.path(trailID, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}

func (s *LocalStore) DeleteAll(ctx context.Context, trailID string) error {
	if err := checkTrailID(trailID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, TrailDir(trailID))); err != nil {
		return fmt.Errorf("delete trail images: %w", err)
	}
	return nil
}

func (s *LocalStore) Open(ctx context.Context, trailID, filename string) (io.ReadCloser, error) {
	p, err := s.path(trailID, filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	return f, nil
}

func (s *LocalStore) path(trailID, filename string) (string, error) {
	if err := checkTrailID(trailID); err != nil {
		return "", err
	}
	name, err := CleanFilename(filename)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, TrailDir(trailID), name), nil
}

func (s *LocalStore) ref(trailID, name string) string {
	return s.baseURL + "/" + TrailDir(trailID) + "/" + name
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
