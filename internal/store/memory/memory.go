package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"lime-game-service/internal/store"
)

// Store is the in-process implementation of store.Store. It keeps the whole
// key-tree behind one mutex and fans out change notifications to watchers
// from inside the critical section, so every watcher observes snapshots in
// mutation order.
type Store struct {
	mu       sync.Mutex
	root     *node
	watchers map[*watcher]struct{}
}

type node struct {
	leaf     json.RawMessage // set only when children is nil
	children map[string]*node
}

type watcher struct {
	path string
	ch   chan json.RawMessage
}

func New() *Store {
	return &Store{
		root:     &node{children: map[string]*node{}},
		watchers: make(map[*watcher]struct{}),
	}
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(path, raw)
	s.notifyLocked(path)
	return nil
}

func (s *Store) Read(ctx context.Context, path string, dst any) (bool, error) {
	s.mu.Lock()
	raw := s.snapshotLocked(path)
	s.mu.Unlock()

	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	key := uuid.NewString()
	if err := s.Write(ctx, store.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(path) {
		s.notifyLocked(path)
	}
	return nil
}

func (s *Store) Increment(ctx context.Context, path string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := 0
	if raw := s.snapshotLocked(path); raw != nil {
		if err := json.Unmarshal(raw, &current); err != nil {
			return 0, fmt.Errorf("increment %s: not an integer leaf: %w", path, err)
		}
	}
	next := current + delta
	raw, _ := json.Marshal(next)
	s.setLocked(path, raw)
	s.notifyLocked(path)
	return next, nil
}

func (s *Store) CompareAndSet(ctx context.Context, path string, expected, next any) (bool, error) {
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !jsonEqual(s.snapshotLocked(path), expected) {
		return false, nil
	}
	s.setLocked(path, nextRaw)
	s.notifyLocked(path)
	return true, nil
}

func (s *Store) Watch(ctx context.Context, path string) (<-chan json.RawMessage, func(), error) {
	w := &watcher{path: path, ch: make(chan json.RawMessage, 8)}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	// enqueue the initial snapshot before releasing the lock; a concurrent
	// write must not slot its (newer) snapshot in ahead of it. The channel
	// is freshly made and buffered, so this cannot block.
	w.ch <- s.snapshotLocked(path)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.watchers[w]; ok {
			delete(s.watchers, w)
			close(w.ch)
		}
		s.mu.Unlock()
	}
	return w.ch, cancel, nil
}

// setLocked replaces the subtree at path with the decomposition of raw.
func (s *Store) setLocked(path string, raw json.RawMessage) {
	segments := store.Split(path)
	if len(segments) == 0 {
		s.root = buildNode(raw)
		if s.root.children == nil && s.root.leaf == nil {
			s.root = &node{children: map[string]*node{}}
		}
		return
	}

	parent := s.root
	for _, seg := range segments[:len(segments)-1] {
		if parent.children == nil {
			// overwrite a leaf with an interior node
			parent.leaf = nil
			parent.children = map[string]*node{}
		}
		child, ok := parent.children[seg]
		if !ok {
			child = &node{children: map[string]*node{}}
			parent.children[seg] = child
		}
		parent = child
	}
	if parent.children == nil {
		parent.leaf = nil
		parent.children = map[string]*node{}
	}
	parent.children[segments[len(segments)-1]] = buildNode(raw)
}

// buildNode decomposes a JSON document: objects become interior nodes,
// everything else (scalars, arrays, null) is stored as a leaf.
func buildNode(raw json.RawMessage) *node {
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err == nil && asMap != nil {
		n := &node{children: make(map[string]*node, len(asMap))}
		for key, sub := range asMap {
			n.children[key] = buildNode(sub)
		}
		return n
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return &node{leaf: cp}
}

func (s *Store) removeLocked(path string) bool {
	segments := store.Split(path)
	if len(segments) == 0 {
		s.root = &node{children: map[string]*node{}}
		return true
	}
	parent := s.root
	for _, seg := range segments[:len(segments)-1] {
		child, ok := parent.children[seg]
		if !ok {
			return false
		}
		parent = child
	}
	last := segments[len(segments)-1]
	if _, ok := parent.children[last]; !ok {
		return false
	}
	delete(parent.children, last)
	return true
}

// snapshotLocked reassembles the subtree at path, or nil when absent/empty.
func (s *Store) snapshotLocked(path string) json.RawMessage {
	n := s.root
	for _, seg := range store.Split(path) {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return assemble(n)
}

func assemble(n *node) json.RawMessage {
	if n.children == nil {
		return n.leaf
	}
	if len(n.children) == 0 {
		return nil
	}
	obj := make(map[string]json.RawMessage, len(n.children))
	for key, child := range n.children {
		if raw := assemble(child); raw != nil {
			obj[key] = raw
		}
	}
	if len(obj) == 0 {
		return nil
	}
	raw, _ := json.Marshal(obj)
	return raw
}

func (s *Store) notifyLocked(changed string) {
	for w := range s.watchers {
		if !store.Related(w.path, changed) {
			continue
		}
		snap := s.snapshotLocked(w.path)
		select {
		case w.ch <- snap:
		default:
			// drop the stale snapshot so a slow watcher never blocks a write
			select {
			case <-w.ch:
			default:
			}
			w.ch <- snap
		}
	}
}

// jsonEqual compares the stored document against an expected Go value,
// ignoring JSON key order. nil expected matches an absent path.
func jsonEqual(raw json.RawMessage, expected any) bool {
	if expected == nil {
		return raw == nil
	}
	if raw == nil {
		return false
	}
	expRaw, err := json.Marshal(expected)
	if err != nil {
		return false
	}
	var a, b any
	if err := json.Unmarshal(raw, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(expRaw, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}
