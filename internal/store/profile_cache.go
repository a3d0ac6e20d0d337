package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CachedProfileStore keeps recently read skill levels in memory in front of
// another ProfileStore. Users without a profile are not cached.
type CachedProfileStore struct {
	next    ProfileStore
	ttl     time.Duration
	maxSize int
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	data map[string]cachedSkill
}

type cachedSkill struct {
	level     float64
	expiresAt time.Time
}

// NewCachedProfileStore wraps next with a TTL cache of at most maxSize entries
func NewCachedProfileStore(next ProfileStore, ttl time.Duration, maxSize int, logger *zap.Logger) *CachedProfileStore {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &CachedProfileStore{
		next:    next,
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger,
		now:     time.Now,
		data:    make(map[string]cachedSkill),
	}
}

func profileCacheKey(gameID, userID string) string {
	return gameID + ":" + userID
}

// GetSkillLevels serves cached levels and reads the rest from the wrapped store
func (c *CachedProfileStore) GetSkillLevels(ctx context.Context, userIDs []string, gameID string) (map[string]float64, error) {
	levels := make(map[string]float64, len(userIDs))
	missing := make([]string, 0)

	now := c.now()
	c.mu.Lock()
	for _, id := range userIDs {
		item, ok := c.data[profileCacheKey(gameID, id)]
		if ok && now.Before(item.expiresAt) {
			levels[id] = item.level
			continue
		}
		missing = append(missing, id)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return levels, nil
	}

	c.logger.Debug("Profile cache miss",
		zap.String("game_id", gameID),
		zap.Int("hits", len(levels)),
		zap.Int("misses", len(missing)))

	fetched, err := c.next.GetSkillLevels(ctx, missing, gameID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, level := range fetched {
		levels[id] = level
		c.setLocked(profileCacheKey(gameID, id), level, now)
	}
	return levels, nil
}

func (c *CachedProfileStore) setLocked(key string, level float64, now time.Time) {
	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxSize {
		c.evictLocked(now)
	}
	c.data[key] = cachedSkill{level: level, expiresAt: now.Add(c.ttl)}
}

// evictLocked drops expired entries, or an arbitrary one if none expired
func (c *CachedProfileStore) evictLocked(now time.Time) {
	removed := 0
	for k, item := range c.data {
		if !now.Before(item.expiresAt) {
			delete(c.data, k)
			removed++
		}
	}
	if removed > 0 {
		return
	}
	for k := range c.data {
		delete(c.data, k)
		return
	}
}

// Invalidate drops a user's cached level for gameID
func (c *CachedProfileStore) Invalidate(gameID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, profileCacheKey(gameID, userID))
}

// Size returns the number of cached entries
func (c *CachedProfileStore) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
