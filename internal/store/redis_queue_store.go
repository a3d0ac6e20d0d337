package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/matchmaker/internal/config"
	"github.com/devrev/matchmaker/internal/model"
)

// ErrStoreClosed is returned by calls made after Close
var ErrStoreClosed = errors.New("queue store closed")

const (
	statTotalRequests  = "totalRequests"
	statActiveRequests = "activeRequests"
	statMatchesFormed  = "matchesFormed"
	statTotalWaitTime  = "totalWaitTime"
)

// admitScript takes the user lock if free, writes the request hash and
// queues the request. A lock held by another request aborts with no writes.
//
// KEYS: lock, hash, queue, registry, stats
// ARGV: requestId, userId, gameId, gameMode, region, createdAt, expiresAt,
// status, queueName, score, prefix
var admitScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder and holder ~= ARGV[1] then
  return {0, 0, holder}
end
local fresh = 0
if not holder then
  redis.call('SET', KEYS[1], ARGV[1])
  fresh = 1
end
local prev = redis.call('HGET', KEYS[2], 'queueKey')
if prev and prev ~= ARGV[9] then
  local prevKey = ARGV[11] .. ':queue:' .. prev
  redis.call('ZREM', prevKey, ARGV[1])
  if redis.call('ZCARD', prevKey) == 0 then
    redis.call('SREM', KEYS[4], prev)
  end
end
redis.call('HSET', KEYS[2],
  'userId', ARGV[2], 'gameId', ARGV[3], 'gameMode', ARGV[4], 'region', ARGV[5],
  'createdAt', ARGV[6], 'expiresAt', ARGV[7], 'status', ARGV[8], 'queueKey', ARGV[9])
redis.call('ZADD', KEYS[3], 'NX', ARGV[10], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[9])
if fresh == 1 then
  redis.call('HINCRBY', KEYS[5], 'totalRequests', 1)
end
if not prev then
  redis.call('HINCRBY', KEYS[5], 'activeRequests', 1)
end
return {1, fresh, ''}
`)

// removeScript deletes a request hash and its queue member, releasing the
// user lock only while it still points at the request.
//
// KEYS: hash, registry, stats
// ARGV: requestId, prefix, fallback lock key
var removeScript = redis.NewScript(`
local fields = redis.call('HMGET', KEYS[1], 'userId', 'queueKey')
local userId = fields[1]
local queue = fields[2]
if not userId then
  if ARGV[3] ~= '' and redis.call('GET', ARGV[3]) == ARGV[1] then
    redis.call('DEL', ARGV[3])
  end
  return {0, 0, 0}
end
local removed = 0
local deregistered = 0
if queue then
  local queueKey = ARGV[2] .. ':queue:' .. queue
  removed = redis.call('ZREM', queueKey, ARGV[1])
  if redis.call('ZCARD', queueKey) == 0 then
    deregistered = redis.call('SREM', KEYS[2], queue)
  end
end
redis.call('DEL', KEYS[1])
local lockKey = ARGV[2] .. ':user:' .. userId
if redis.call('GET', lockKey) == ARGV[1] then
  redis.call('DEL', lockKey)
end
if removed == 1 then
  redis.call('HINCRBY', KEYS[3], 'activeRequests', -1)
end
return {1, removed, deregistered}
`)

// removeStaleScript drops a queue member only while it has no hash entry.
//
// KEYS: queue, registry, hash
// ARGV: requestId, queueName
var removeStaleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return 0
end
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return removed
`)

// QueueStoreOptions configures a RedisQueueStore
type QueueStoreOptions struct {
	KeyPrefix      string
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// RedisQueueStore implements QueueStore on a single Redis node. The admit and
// remove scripts derive key names at runtime, so Redis Cluster is not supported.
type RedisQueueStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	backoffInitial time.Duration
	backoffMax     time.Duration

	ready     chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedisClient creates a Redis client from configuration
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
}

// NewRedisQueueStore creates a queue store and starts connecting in the
// background. Calls block until the first successful PING.
func NewRedisQueueStore(client *redis.Client, opts QueueStoreOptions, logger *zap.Logger) *RedisQueueStore {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "mm"
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 100 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisQueueStore{
		client:         client,
		prefix:         opts.KeyPrefix,
		logger:         logger,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		ready:          make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}

	s.wg.Add(1)
	go s.connect()

	return s
}

func (s *RedisQueueStore) connect() {
	defer s.wg.Done()

	delay := s.backoffInitial
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := s.client.Ping(ctx).Err()
		cancel()

		if err == nil {
			s.initStats()
			close(s.ready)
			s.logger.Info("Connected to queue store",
				zap.String("key_prefix", s.prefix),
				zap.Int("attempts", attempt))
			return
		}

		s.logger.Warn("Queue store not reachable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextBackoff(delay, s.backoffMax)
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// initStats creates missing counter fields without touching existing ones
func (s *RedisQueueStore) initStats() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, field := range []string{statTotalRequests, statActiveRequests, statMatchesFormed, statTotalWaitTime} {
			pipe.HSetNX(ctx, s.statsKey(), field, 0)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to initialize queue stats", zap.Error(err))
	}
}

// Ready is closed once the store has connected
func (s *RedisQueueStore) Ready() <-chan struct{} {
	return s.ready
}

func (s *RedisQueueStore) await(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	default:
	}
	select {
	case <-s.ready:
		return nil
	case <-s.ctx.Done():
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RedisQueueStore) queueKey(key model.QueueKey) string {
	return s.prefix + ":queue:" + key.String()
}

func (s *RedisQueueStore) requestKey(requestID string) string {
	return s.prefix + ":request:" + requestID
}

func (s *RedisQueueStore) userKey(userID string) string {
	return s.prefix + ":user:" + userID
}

func (s *RedisQueueStore) registryKey() string {
	return s.prefix + ":queues"
}

func (s *RedisQueueStore) statsKey() string {
	return s.prefix + ":stats"
}

// Admit atomically locks the user and queues the entry
func (s *RedisQueueStore) Admit(ctx context.Context, entry *model.QueueEntry, enqueuedAt int64) (*AdmitResult, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}

	key := entry.Key()
	keys := []string{
		s.userKey(entry.UserID),
		s.requestKey(entry.RequestID),
		s.queueKey(key),
		s.registryKey(),
		s.statsKey(),
	}
	args := []interface{}{
		entry.RequestID,
		entry.UserID,
		entry.GameID,
		entry.GameMode,
		entry.Region,
		entry.CreatedAt.UnixMilli(),
		entry.ExpiresAt.UnixMilli(),
		string(entry.Status),
		key.String(),
		enqueuedAt,
		s.prefix,
	}

	res, err := admitScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to admit request: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("failed to admit request: unexpected reply %v", res)
	}

	result := &AdmitResult{
		Admitted:       toInt64(res[0]) == 1,
		FirstAdmission: toInt64(res[1]) == 1,
	}
	if !result.Admitted {
		result.ExistingRequestID, _ = res[2].(string)
	}
	return result, nil
}

// Remove atomically deletes a request from the projection
func (s *RedisQueueStore) Remove(ctx context.Context, userID, requestID string) (*RemoveResult, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}

	fallbackLock := ""
	if userID != "" {
		fallbackLock = s.userKey(userID)
	}

	keys := []string{s.requestKey(requestID), s.registryKey(), s.statsKey()}
	res, err := removeScript.Run(ctx, s.client, keys, requestID, s.prefix, fallbackLock).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to remove request: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("failed to remove request: unexpected reply %v", res)
	}

	return &RemoveResult{
		Found:             toInt64(res[0]) == 1,
		Removed:           toInt64(res[1]) == 1,
		QueueDeregistered: toInt64(res[2]) == 1,
	}, nil
}

// RemoveStale drops a queue member whose hash entry is gone
func (s *RedisQueueStore) RemoveStale(ctx context.Context, key model.QueueKey, requestID string) (bool, error) {
	if err := s.await(ctx); err != nil {
		return false, err
	}

	keys := []string{s.queueKey(key), s.registryKey(), s.requestKey(requestID)}
	removed, err := removeStaleScript.Run(ctx, s.client, keys, requestID, key.String()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to remove stale member: %w", err)
	}
	return removed == 1, nil
}

// QueueMembers returns request IDs in enqueue order
func (s *RedisQueueStore) QueueMembers(ctx context.Context, key model.QueueKey) ([]string, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}

	ids, err := s.client.ZRange(ctx, s.queueKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return ids, nil
}

// QueueMembersMany reads several queues in one round trip
func (s *RedisQueueStore) QueueMembersMany(ctx context.Context, keys []model.QueueKey) (map[model.QueueKey][]string, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[model.QueueKey][]string{}, nil
	}

	cmds := make([]*redis.StringSliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.ZRange(ctx, s.queueKey(key), 0, -1)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queues: %w", err)
	}

	members := make(map[model.QueueKey][]string, len(keys))
	for i, key := range keys {
		members[key] = cmds[i].Val()
	}
	return members, nil
}

// QueueKeys returns every registered queue
func (s *RedisQueueStore) QueueKeys(ctx context.Context) ([]model.QueueKey, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}

	names, err := s.client.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue registry: %w", err)
	}

	keys := make([]model.QueueKey, 0, len(names))
	for _, name := range names {
		key, ok := parseQueueName(name)
		if !ok {
			s.logger.Warn("Skipping malformed queue registry entry", zap.String("queue", name))
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// QueueSizes returns the cardinality of each queue
func (s *RedisQueueStore) QueueSizes(ctx context.Context, keys []model.QueueKey) (map[model.QueueKey]int64, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[model.QueueKey]int64{}, nil
	}

	cmds := make([]*redis.IntCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.ZCard(ctx, s.queueKey(key))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue sizes: %w", err)
	}

	sizes := make(map[model.QueueKey]int64, len(keys))
	for i, key := range keys {
		sizes[key] = cmds[i].Val()
	}
	return sizes, nil
}

// GetEntry returns the hash entry of a request or ErrNotFound
func (s *RedisQueueStore) GetEntry(ctx context.Context, requestID string) (*model.QueueEntry, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}

	fields, err := s.client.HGetAll(ctx, s.requestKey(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read request entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseEntry(requestID, fields), nil
}

// GetEntries returns the hash entries that exist among requestIDs
func (s *RedisQueueStore) GetEntries(ctx context.Context, requestIDs []string) (map[string]*model.QueueEntry, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}
	if len(requestIDs) == 0 {
		return map[string]*model.QueueEntry{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(requestIDs))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range requestIDs {
			cmds[i] = pipe.HGetAll(ctx, s.requestKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read request entries: %w", err)
	}

	entries := make(map[string]*model.QueueEntry, len(requestIDs))
	for i, id := range requestIDs {
		if fields := cmds[i].Val(); len(fields) > 0 {
			entries[id] = parseEntry(id, fields)
		}
	}
	return entries, nil
}

// GetUserLock returns the request ID holding the user lock or ErrNotFound
func (s *RedisQueueStore) GetUserLock(ctx context.Context, userID string) (string, error) {
	if err := s.await(ctx); err != nil {
		return "", err
	}

	id, err := s.client.Get(ctx, s.userKey(userID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read user lock: %w", err)
	}
	return id, nil
}

// IncrementStats applies both increments in one MULTI/EXEC
func (s *RedisQueueStore) IncrementStats(ctx context.Context, matchesFormed int64, waitSeconds float64) error {
	if err := s.await(ctx); err != nil {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if matchesFormed != 0 {
			pipe.HIncrBy(ctx, s.statsKey(), statMatchesFormed, matchesFormed)
		}
		if waitSeconds != 0 {
			pipe.HIncrByFloat(ctx, s.statsKey(), statTotalWaitTime, waitSeconds)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}
	return nil
}

// Counters reads the stats aggregate
func (s *RedisQueueStore) Counters(ctx context.Context) (*model.QueueCounters, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}

	fields, err := s.client.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	counters := &model.QueueCounters{
		TotalRequests:  parseInt(fields[statTotalRequests]),
		ActiveRequests: parseInt(fields[statActiveRequests]),
		MatchesFormed:  parseInt(fields[statMatchesFormed]),
	}
	counters.TotalWaitTime, _ = strconv.ParseFloat(fields[statTotalWaitTime], 64)
	return counters, nil
}

// Clear deletes every projection key under the prefix and zeroes the counters
func (s *RedisQueueStore) Clear(ctx context.Context) (int64, error) {
	if err := s.await(ctx); err != nil {
		return 0, err
	}

	var deleted int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 500).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan queue keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete queue keys: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	err := s.client.HSet(ctx, s.statsKey(),
		statTotalRequests, 0,
		statActiveRequests, 0,
		statMatchesFormed, 0,
		statTotalWaitTime, 0,
	).Err()
	if err != nil {
		return deleted, fmt.Errorf("failed to reset stats: %w", err)
	}
	return deleted, nil
}

// Ping checks the Redis connection without waiting for readiness
func (s *RedisQueueStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close stops the connect loop and closes the client
func (s *RedisQueueStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.client.Close()
	})
	return err
}

func parseQueueName(name string) (model.QueueKey, bool) {
	parts := strings.Split(name, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return model.QueueKey{}, false
	}
	return model.QueueKey{GameID: parts[0], GameMode: parts[1], Region: parts[2]}, true
}

func parseEntry(requestID string, fields map[string]string) *model.QueueEntry {
	return &model.QueueEntry{
		RequestID: requestID,
		UserID:    fields["userId"],
		GameID:    fields["gameId"],
		GameMode:  fields["gameMode"],
		Region:    fields["region"],
		CreatedAt: parseMillis(fields["createdAt"]),
		ExpiresAt: parseMillis(fields["expiresAt"]),
		Status:    model.RequestStatus(fields["status"]),
	}
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		return parseInt(n)
	}
	return 0
}
