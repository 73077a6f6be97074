// Package artifact persists artifact blobs. Metadata lives in the graph
// store; this package only moves bytes, addressed by the storage path
// recorded on the artifact.
package artifact

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrNotExist is returned when no blob exists at the given path.
var ErrNotExist = errors.New("artifact blob does not exist")

// Store reads and writes artifact blobs.
type Store interface {
	// Put stores the blob at path, replacing any existing blob. size may be
	// -1 when unknown.
	Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) error

	// Open returns a reader for the blob at path. The caller closes it.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the blob at path. Deleting a missing blob returns
	// ErrNotExist.
	Delete(ctx context.Context, path string) error
}

// PathFor builds the canonical blob path for an artifact. Grouping by task
// keeps sweeps and manual inspection cheap.
func PathFor(taskID, artifactID, name string) string {
	return path.Join(taskID, artifactID+"-"+sanitizeName(name))
}

// sanitizeName flattens a user-supplied artifact name into a single safe
// path element.
func sanitizeName(name string) string {
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "artifact"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "artifact"
	}
	return out
}
