package store

import (
	"context"
	"encoding/json"
	"strings"
)

// Store is the contract over the shared hierarchical key-tree that holds all
// game state. Paths are slash-separated; every operation is atomic at the
// granularity of a single path, with last-write-wins resolution and no
// cross-path transactions.
//
// Writing a JSON object decomposes it into child nodes, so a later write to
// a deeper path updates one leaf without clobbering its siblings, and a read
// of an ancestor path reassembles the nested object.
type Store interface {
	// Write unconditionally overwrites the subtree at path.
	Write(ctx context.Context, path string, value any) error

	// Read unmarshals the subtree at path into dst. Returns false when the
	// path is absent; dst is left untouched in that case.
	Read(ctx context.Context, path string, dst any) (bool, error)

	// Push writes value under a freshly generated child key of path and
	// returns that key. Concurrent pushes never collide.
	Push(ctx context.Context, path string, value any) (string, error)

	// Remove deletes the subtree at path. Removing an absent path is a no-op.
	Remove(ctx context.Context, path string) error

	// Increment atomically adds delta to the integer leaf at path, treating
	// an absent leaf as zero, and returns the new value.
	Increment(ctx context.Context, path string, delta int) (int, error)

	// CompareAndSet replaces the value at path with next only if the current
	// value equals expected. A nil expected matches an absent path.
	CompareAndSet(ctx context.Context, path string, expected, next any) (bool, error)

	// Watch delivers the current snapshot of the subtree at path immediately,
	// then a fresh snapshot after every change at or under path. An absent
	// subtree is delivered as a nil message. The cancel func unregisters the
	// watch and closes the channel; slow consumers lose stale snapshots
	// rather than blocking writers.
	Watch(ctx context.Context, path string) (<-chan json.RawMessage, func(), error)
}

// Join builds a slash-separated path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Split exposes path segmentation for implementations in other packages.
func Split(path string) []string { return split(path) }

// Related reports whether a change at changed is visible to a watch on
// watched: one path must be an ancestor of (or equal to) the other.
func Related(watched, changed string) bool {
	w, c := split(watched), split(changed)
	n := len(w)
	if len(c) < n {
		n = len(c)
	}
	for i := 0; i < n; i++ {
		if w[i] != c[i] {
			return false
		}
	}
	return true
}
