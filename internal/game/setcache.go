package game

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"lime-game-service/internal/domain"
	"lime-game-service/internal/store"
)

// setCache caches the question-set listing with a short TTL so the teacher
// panel does not hammer the store while preparing a game. Jitter spreads
// expirations; singleflight collapses concurrent refreshes.
type setCache struct {
	store store.Store
	ttl   time.Duration
	clock func() time.Time
	sf    singleflight.Group
	rnd   *rand.Rand

	mu        sync.RWMutex
	sets      map[string]domain.QuestionSet
	expiresAt time.Time
}

func newSetCache(st store.Store, ttl time.Duration) *setCache {
	return &setCache{
		store: st,
		ttl:   ttl,
		clock: time.Now,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *setCache) get(ctx context.Context) (map[string]domain.QuestionSet, error) {
	now := c.clock()

	c.mu.RLock()
	if c.sets != nil && c.expiresAt.After(now) {
		cached := c.sets
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(questionSetsRoot, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if c.sets != nil && c.expiresAt.After(now) {
			cached := c.sets
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()

		sets := map[string]domain.QuestionSet{}
		if _, err := c.store.Read(ctx, questionSetsRoot, &sets); err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.sets = sets
		c.expiresAt = now.Add(c.ttlWithJitter())
		c.mu.Unlock()
		return sets, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]domain.QuestionSet), nil
}

func (c *setCache) setTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *setCache) invalidate() {
	c.mu.Lock()
	c.sets = nil
	c.mu.Unlock()
}

func (c *setCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
