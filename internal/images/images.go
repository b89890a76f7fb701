// Package images stores the photos attached to trails. Images live under a
// per-trail directory named trail-<id>; trails reference them by URL.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
)

var (
	ErrNotFound        = errors.New("image not found")
	ErrInvalidFilename = errors.New("invalid image filename")
	ErrTooLarge        = errors.New("image exceeds size limit")
)

// Store is the image sub-resource of a trail
type Store interface {
	// Put saves r under the trail and returns the reference to record on it.
	// An existing image is never replaced; the name gets a numeric suffix.
	Put(ctx context.Context, trailID, filename string, r io.Reader) (string, error)
	// List returns references for every image of the trail, sorted by filename
	List(ctx context.Context, trailID string) ([]string, error)
	Delete(ctx context.Context, trailID, filename string) error
	DeleteAll(ctx context.Context, trailID string) error
	Open(ctx context.Context, trailID, filename string) (io.ReadCloser, error)
}

var allowedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CleanFilename reduces an uploaded name to a safe base name with an image
// extension
func CleanFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")

	if name == "" || name == "/" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidFilename)
	}
	if _, ok := allowedExtensions[strings.ToLower(path.Ext(name))]; !ok {
		return "", fmt.Errorf("%w: %q is not an image", ErrInvalidFilename, name)
	}
	return name, nil
}

// maxNameAttempts bounds the search for a free filename
const maxNameAttempts = 1000

// numberedName returns name for n == 0 and name with a -n suffix before the
// extension otherwise
func numberedName(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}

// ContentType guesses the MIME type from the extension
func ContentType(filename string) string {
	if ct, ok := allowedExtensions[strings.ToLower(path.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// TrailDir is the directory or object prefix holding a trail's images
func TrailDir(trailID string) string {
	return "trail-" + trailID
}

// FilenameFromRef extracts the filename from a reference produced by a store
func FilenameFromRef(ref string) string {
	return path.Base(ref)
}

func checkTrailID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: trail id %q", ErrInvalidFilename, id)
	}
	return nil
}

// limitedCopy copies r to w failing with ErrTooLarge past max bytes. A max of
// 0 disables the limit.
func limitedCopy(w io.Writer, r io.Reader, max int64) (int64, error) {
	if max <= 0 {
		return io.Copy(w, r)
	}
	n, err := io.Copy(w, io.LimitReader(r, max+1))
	if err != nil {
		return n, err
	}
	if n > max {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)
	}
	return n, nil
}
