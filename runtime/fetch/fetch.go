// Package fetch abstracts resource acquisition for the memorize pipeline.
// The built-in implementation handles local files and file:// URLs; remote
// schemes are injected by operators through the Fetcher interface.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"goa.design/recall/runtime/memory"
)

// Fetcher copies the artifact behind rawURL into destDir and returns its
// local path. Implementations must write through a temporary name and
// rename into place so concurrent readers never observe partial files.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, destDir string) (string, error)
}

// Local fetches filesystem paths and file:// URLs by copying them into the
// blob directory.
type Local struct{}

// NewLocal returns the built-in filesystem fetcher.
func NewLocal() *Local { return &Local{} }

// Fetch copies the file at rawURL into destDir/<basename>.
func (*Local) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", memory.Wrap(memory.KindCancelled, err, "fetch cancelled")
	}
	src := rawURL
	if strings.HasPrefix(rawURL, "file://") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", memory.Wrap(memory.KindFetchFailed, err, "invalid file url")
		}
		src = u.Path
	} else if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return "", memory.Ef(memory.KindFetchFailed, "unsupported url scheme %q (inject a Fetcher for remote sources)", u.Scheme)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", memory.Wrap(memory.KindFetchFailed, err, "opening source")
	}
	defer in.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", memory.Wrap(memory.KindFetchFailed, err, "creating blob directory")
	}
	dest := filepath.Join(destDir, filepath.Base(src))

	tmp, err := os.CreateTemp(destDir, ".fetch-*")
	if err != nil {
		return "", memory.Wrap(memory.KindFetchFailed, err, "creating temp file")
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", memory.Wrap(memory.KindFetchFailed, err, "copying artifact")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", memory.Wrap(memory.KindFetchFailed, err, "closing temp file")
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", memory.Wrap(memory.KindFetchFailed, err, fmt.Sprintf("renaming into %s", dest))
	}
	return dest, nil
}
