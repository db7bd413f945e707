package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"lime-game-service/internal/store"
)

const (
	keyPrefix     = "rt:"
	changeChannel = "rt:changes"
)

// Store implements store.Store on Redis. Each leaf of the key-tree lives at
// a flat key `rt:{path}`; writing a JSON object decomposes it into one key
// per leaf, and subtree reads reassemble the nested document with a prefix
// scan. Change notification rides a pub/sub channel carrying the mutated
// path, so every connected process sees the same change feed.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	leaves := map[string]json.RawMessage{}
	flatten(raw, path, leaves)

	old, err := s.subtreeKeys(ctx, path)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	if len(old) > 0 {
		pipe.Del(ctx, old...)
	}
	for leafPath, leafRaw := range leaves {
		pipe.Set(ctx, keyPrefix+leafPath, string(leafRaw), 0)
	}
	pipe.Publish(ctx, changeChannel, path)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string, dst any) (bool, error) {
	raw, err := s.snapshot(ctx, path)
	if err != nil {
		return false, err
	}
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
	keys, err := s.subtreeKeys(ctx, path)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Publish(ctx, changeChannel, path)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (s *Store) Increment(ctx context.Context, path string, delta int) (int, error) {
	// integer leaves are stored as bare JSON numbers, so INCRBY applies
	next, err := s.client.IncrBy(ctx, keyPrefix+path, int64(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", path, err)
	}
	_ = s.client.Publish(ctx, changeChannel, path).Err()
	return int(next), nil
}

func (s *Store) CompareAndSet(ctx context.Context, path string, expected, next any) (bool, error) {
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", path, err)
	}
	expRaw, err := json.Marshal(expected)
	if err != nil {
		return false, fmt.Errorf("encode expected %s: %w", path, err)
	}

	keys, err := s.subtreeKeys(ctx, path)
	if err != nil {
		return false, err
	}
	watched := keys
	if len(watched) == 0 {
		watched = []string{keyPrefix + path}
	}

	swapped := false
	txn := func(tx *redis.Tx) error {
		current, err := s.snapshot(ctx, path)
		if err != nil {
			return err
		}
		if expected == nil {
			if current != nil {
				return nil
			}
		} else if !jsonEqual(current, expRaw) {
			return nil
		}

		leaves := map[string]json.RawMessage{}
		flatten(nextRaw, path, leaves)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(keys) > 0 {
				pipe.Del(ctx, keys...)
			}
			for leafPath, leafRaw := range leaves {
				pipe.Set(ctx, keyPrefix+leafPath, string(leafRaw), 0)
			}
			pipe.Publish(ctx, changeChannel, path)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}

	err = s.client.Watch(ctx, txn, watched...)
	if err == redis.TxFailedErr {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare-and-set %s: %w", path, err)
	}
	return swapped, nil
}

func (s *Store) Watch(ctx context.Context, path string) (<-chan json.RawMessage, func(), error) {
	// subscribe before reading the initial snapshot: a write landing in
	// between is then delivered as a change instead of vanishing
	sub := s.client.Subscribe(ctx, changeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	initial, err := s.snapshot(ctx, path)
	if err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan json.RawMessage, 8)
	out <- initial
	done := make(chan struct{})

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if !store.Related(path, msg.Payload) {
					continue
				}
				snap, err := s.snapshot(ctx, path)
				if err != nil {
					continue
				}
				select {
				case out <- snap:
				default:
					select {
					case <-out:
					default:
					}
					out <- snap
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}

// subtreeKeys scans the exact key at path plus everything below it.
func (s *Store) subtreeKeys(ctx context.Context, path string) ([]string, error) {
	keys := []string{}
	exists, err := s.client.Exists(ctx, keyPrefix+path).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	if exists > 0 {
		keys = append(keys, keyPrefix+path)
	}

	var cursor uint64
	match := keyPrefix + path + "/*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// snapshot reassembles the subtree at path into one JSON document.
func (s *Store) snapshot(ctx context.Context, path string) (json.RawMessage, error) {
	if val, err := s.client.Get(ctx, keyPrefix+path).Result(); err == nil {
		return json.RawMessage(val), nil
	} else if err != redis.Nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	keys, err := s.subtreeKeys(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	tree := map[string]any{}
	for i, key := range keys {
		str, ok := vals[i].(string)
		if !ok {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(key, keyPrefix+path), "/")
		insert(tree, store.Split(rel), json.RawMessage(str))
	}
	return json.Marshal(tree)
}

func insert(tree map[string]any, segments []string, leaf json.RawMessage) {
	if len(segments) == 0 {
		return
	}
	if len(segments) == 1 {
		tree[segments[0]] = leaf
		return
	}
	child, ok := tree[segments[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		tree[segments[0]] = child
	}
	insert(child, segments[1:], leaf)
}

// flatten decomposes a JSON document into leaf paths: objects recurse,
// everything else is one leaf.
func flatten(raw json.RawMessage, path string, out map[string]json.RawMessage) {
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err == nil && asMap != nil {
		for key, sub := range asMap {
			flatten(sub, store.Join(path, key), out)
		}
		return
	}
	out[path] = raw
}

func jsonEqual(a, b json.RawMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return deepEqual(av, bv)
}

func deepEqual(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !deepEqual(av, bv) {
				return false
			}
		}
		return true
	}
	as, aok := a.([]any)
	bs, bok := b.([]any)
	if aok && bok {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !deepEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}
