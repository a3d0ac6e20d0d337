package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/matchmaker/internal/config"
	mmerrors "github.com/devrev/matchmaker/internal/errors"
	"github.com/devrev/matchmaker/internal/metrics"
	"github.com/devrev/matchmaker/internal/model"
	"github.com/devrev/matchmaker/internal/store"
	"github.com/devrev/matchmaker/internal/util/workerpool"
)

// RemoveOptions controls RemoveRequest
type RemoveOptions struct {
	// Silent suppresses logging of the removal
	Silent bool
}

// SweepResult summarises one expiry sweep
type SweepResult struct {
	Expired       int   `json:"expired"`
	Stale         int   `json:"stale"`
	MarkedExpired int64 `json:"markedExpired"`
}

// Removed returns the total number of queue members removed
func (r SweepResult) Removed() int {
	return r.Expired + r.Stale
}

// QueueService is the distributed match queue. All shared state lives in
// the queue store, so any number of instances may run side by side.
type QueueService struct {
	queue     store.QueueStore
	requests  store.RequestStore
	evictions *workerpool.Pool
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *zap.Logger

	sweepInterval time.Duration
	defaultTTL    time.Duration
	now           func() time.Time

	admitted  chan model.AdmittedEvent
	mu        sync.RWMutex
	destroyed bool

	startOnce   sync.Once
	destroyOnce sync.Once
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewQueueService creates a new queue service
func NewQueueService(
	queue store.QueueStore,
	requests store.RequestStore,
	cfg config.MatchmakingConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *QueueService {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.DefaultRequestTTL <= 0 {
		cfg.DefaultRequestTTL = 10 * time.Minute
	}
	if cfg.AdmittedBuffer <= 0 {
		cfg.AdmittedBuffer = 1024
	}

	limit := rate.Inf
	burst := 1
	if cfg.SweepRemovalsPerSecond > 0 {
		limit = rate.Limit(cfg.SweepRemovalsPerSecond)
		burst = int(cfg.SweepRemovalsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &QueueService{
		queue:    queue,
		requests: requests,
		evictions: workerpool.New(workerpool.Config{
			Name:      "queue-self-heal",
			Workers:   cfg.EvictionWorkers,
			QueueSize: cfg.EvictionQueueSize,
			Logger:    logger,
		}),
		limiter:       rate.NewLimiter(limit, burst),
		metrics:       m,
		logger:        logger,
		sweepInterval: cfg.SweepInterval,
		defaultTTL:    cfg.DefaultRequestTTL,
		now:           time.Now,
		admitted:      make(chan model.AdmittedEvent, cfg.AdmittedBuffer),
	}
}

// Admitted delivers a notification for every successful admission.
// The channel is closed by Destroy.
func (s *QueueService) Admitted() <-chan model.AdmittedEvent {
	return s.admitted
}

// AddRequest admits a request into its (game, mode, region) queue.
// A user may own at most one queued request; a second, different request
// fails with a conflict carrying the existing request ID.
func (s *QueueService) AddRequest(ctx context.Context, req *model.MatchRequest) error {
	key, err := validateRequest(req)
	if err != nil {
		s.metrics.RecordAdmission("invalid")
		return err
	}

	now := s.now()
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	expiresAt := req.MatchExpireTime
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.defaultTTL)
	}

	entry := &model.QueueEntry{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		GameID:    key.GameID,
		GameMode:  key.GameMode,
		Region:    key.Region,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Status:    model.StatusSearching,
	}

	res, err := s.queue.Admit(ctx, entry, now.UnixMilli())
	if err != nil {
		s.metrics.RecordStoreError("admit")
		s.logger.Error("Failed to admit request",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.UserID),
			zap.Error(err))
		return err
	}

	if !res.Admitted {
		s.metrics.RecordAdmission("conflict")
		s.logger.Info("User already has an active request",
			zap.String("user_id", req.UserID),
			zap.String("request_id", req.RequestID),
			zap.String("existing_request_id", res.ExistingRequestID))
		return mmerrors.RequestConflict(req.UserID, res.ExistingRequestID)
	}

	outcome := "admitted"
	if !res.FirstAdmission {
		outcome = "refreshed"
	}
	s.metrics.RecordAdmission(outcome)
	s.logger.Info("Request admitted",
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID),
		zap.String("queue", key.String()),
		zap.Bool("first_admission", res.FirstAdmission))

	req.QueueRegion = key.Region
	s.notifyAdmitted(model.AdmittedEvent{
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		Key:        key,
		AdmittedAt: now,
	})
	return nil
}

func validateRequest(req *model.MatchRequest) (model.QueueKey, error) {
	if req == nil {
		return model.QueueKey{}, mmerrors.InvalidArgument("request is required", nil)
	}
	if req.RequestID == "" {
		return model.QueueKey{}, mmerrors.InvalidArgument("request ID is required", nil)
	}
	if req.UserID == "" {
		return model.QueueKey{}, mmerrors.MissingUserID(req.RequestID)
	}
	game := req.Criteria.PrimaryGame()
	if game == "" {
		return model.QueueKey{}, mmerrors.MissingGame(req.RequestID)
	}
	if req.Criteria.GameMode == "" {
		return model.QueueKey{}, mmerrors.MissingGameMode(req.RequestID)
	}

	key := model.QueueKey{
		GameID:   game,
		GameMode: req.Criteria.GameMode,
		Region:   req.Criteria.PrimaryRegion(),
	}
	parts := []struct{ field, value string }{
		{"request ID", req.RequestID},
		{"user ID", req.UserID},
		{"game ID", key.GameID},
		{"game mode", key.GameMode},
		{"region", key.Region},
	}
	for _, p := range parts {
		if strings.Contains(p.value, ":") {
			return model.QueueKey{}, mmerrors.InvalidKeyPart(p.field, p.value)
		}
	}
	return key, nil
}

func (s *QueueService) notifyAdmitted(ev model.AdmittedEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return
	}
	select {
	case s.admitted <- ev:
	default:
		s.metrics.RecordAdmittedDropped()
		s.logger.Warn("Admitted notification dropped, buffer full",
			zap.String("request_id", ev.RequestID))
	}
}

// RemoveRequest removes a request from the queue. It returns false when the
// request was not queued; that outcome is not an error.
func (s *QueueService) RemoveRequest(ctx context.Context, userID, requestID string, opts RemoveOptions) (bool, error) {
	if requestID == "" {
		return false, mmerrors.InvalidArgument("request ID is required", nil)
	}

	res, err := s.queue.Remove(ctx, userID, requestID)
	if err != nil {
		s.metrics.RecordStoreError("remove")
		s.logger.Error("Failed to remove request",
			zap.String("request_id", requestID),
			zap.String("user_id", userID),
			zap.Error(err))
		return false, err
	}

	if !res.Found {
		s.metrics.RecordRemoval("not_found")
		if !opts.Silent {
			s.logger.Debug("Request not queued",
				zap.String("request_id", requestID),
				zap.String("user_id", userID))
		}
		return false, nil
	}

	s.metrics.RecordRemoval("removed")
	if !opts.Silent {
		s.logger.Info("Request removed",
			zap.String("request_id", requestID),
			zap.String("user_id", userID),
			zap.Bool("queue_deregistered", res.QueueDeregistered))
	}
	return true, nil
}

// GetQueueRequests returns the searching requests of one queue in queue order.
// Members without a searching record are evicted in the background.
func (s *QueueService) GetQueueRequests(ctx context.Context, key model.QueueKey) ([]*model.MatchRequest, error) {
	ids, err := s.queue.QueueMembers(ctx, key)
	if err != nil {
		s.metrics.RecordStoreError("queue_members")
		return nil, err
	}
	if len(ids) == 0 {
		return []*model.MatchRequest{}, nil
	}

	docs, err := s.hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}

	return s.orderAndHeal(key, ids, docs), nil
}

// GetGameModeRequests returns the searching requests of every region queue
// of a (game, mode), each tagged with the region it was queued in.
func (s *QueueService) GetGameModeRequests(ctx context.Context, gameID, gameMode string) ([]*model.MatchRequest, error) {
	all, err := s.queue.QueueKeys(ctx)
	if err != nil {
		s.metrics.RecordStoreError("queue_keys")
		return nil, err
	}

	keys := make([]model.QueueKey, 0)
	for _, key := range all {
		if key.GameID == gameID && key.GameMode == gameMode {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return []*model.MatchRequest{}, nil
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Region < keys[j].Region })

	members, err := s.queue.QueueMembersMany(ctx, keys)
	if err != nil {
		s.metrics.RecordStoreError("queue_members")
		return nil, err
	}

	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, key := range keys {
		for _, id := range members[key] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []*model.MatchRequest{}, nil
	}

	docs, err := s.hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]*model.MatchRequest, 0, len(docs))
	for _, key := range keys {
		result = append(result, s.orderAndHeal(key, members[key], docs)...)
	}
	return result, nil
}

func (s *QueueService) hydrate(ctx context.Context, ids []string) (map[string]*model.MatchRequest, error) {
	found, err := s.requests.FindSearching(ctx, ids)
	if err != nil {
		s.metrics.RecordStoreError("find_searching")
		return nil, fmt.Errorf("failed to hydrate queued requests: %w", err)
	}

	docs := make(map[string]*model.MatchRequest, len(found))
	for _, doc := range found {
		docs[doc.RequestID] = doc
	}
	return docs, nil
}

// orderAndHeal arranges docs in queue order and evicts members without one
func (s *QueueService) orderAndHeal(key model.QueueKey, ids []string, docs map[string]*model.MatchRequest) []*model.MatchRequest {
	ordered := make([]*model.MatchRequest, 0, len(ids))
	var missing []string
	for _, id := range ids {
		doc, ok := docs[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		doc.QueueRegion = key.Region
		ordered = append(ordered, doc)
	}

	for _, id := range missing {
		s.scheduleEviction(key, id)
	}
	return ordered
}

func (s *QueueService) scheduleEviction(key model.QueueKey, requestID string) {
	submitted := s.evictions.TrySubmit(workerpool.Job{
		Key: key.String() + "/" + requestID,
		Fn: func(ctx context.Context) error {
			return s.evict(ctx, key, requestID)
		},
	})
	if !submitted {
		s.metrics.RecordSelfHeal("skipped")
	}
}

// evict removes a queue member whose request is no longer searching
func (s *QueueService) evict(ctx context.Context, key model.QueueKey, requestID string) error {
	res, err := s.queue.Remove(ctx, "", requestID)
	if err != nil {
		s.metrics.RecordSelfHeal("failed")
		return fmt.Errorf("failed to evict %s from %s: %w", requestID, key, err)
	}
	if res.Found {
		s.metrics.RecordSelfHeal("evicted")
		s.logger.Debug("Evicted request without searching record",
			zap.String("request_id", requestID),
			zap.String("queue", key.String()))
		return nil
	}

	removed, err := s.queue.RemoveStale(ctx, key, requestID)
	if err != nil {
		s.metrics.RecordSelfHeal("failed")
		return fmt.Errorf("failed to evict stale %s from %s: %w", requestID, key, err)
	}
	if removed {
		s.metrics.RecordSelfHeal("stale")
	}
	return nil
}

// GetUserRequest returns the queue entry owned by a user, or nil
func (s *QueueService) GetUserRequest(ctx context.Context, userID string) (*model.QueueEntry, error) {
	requestID, err := s.queue.GetUserLock(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.metrics.RecordStoreError("get_user_lock")
		return nil, err
	}

	entry, err := s.queue.GetEntry(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.metrics.RecordStoreError("get_entry")
		return nil, err
	}
	return entry, nil
}

// GetStats returns the counters and the size of every registered queue
func (s *QueueService) GetStats(ctx context.Context) (*model.QueueStats, error) {
	counters, err := s.queue.Counters(ctx)
	if err != nil {
		s.metrics.RecordStoreError("counters")
		return nil, err
	}
	keys, err := s.queue.QueueKeys(ctx)
	if err != nil {
		s.metrics.RecordStoreError("queue_keys")
		return nil, err
	}
	sizes, err := s.queue.QueueSizes(ctx, keys)
	if err != nil {
		s.metrics.RecordStoreError("queue_sizes")
		return nil, err
	}

	stats := &model.QueueStats{
		TotalRequests:  counters.TotalRequests,
		ActiveRequests: counters.ActiveRequests,
		MatchesFormed:  counters.MatchesFormed,
		TotalWaitTime:  counters.TotalWaitTime,
		Queues:         make(map[string]map[string]map[string]int64),
	}
	if counters.MatchesFormed > 0 {
		stats.AverageWaitTime = counters.TotalWaitTime / float64(counters.MatchesFormed)
	}

	s.metrics.ResetQueueDepth()
	for _, key := range keys {
		modes, ok := stats.Queues[key.GameID]
		if !ok {
			modes = make(map[string]map[string]int64)
			stats.Queues[key.GameID] = modes
		}
		regions, ok := modes[key.GameMode]
		if !ok {
			regions = make(map[string]int64)
			modes[key.GameMode] = regions
		}
		regions[key.Region] = sizes[key]
		s.metrics.SetQueueDepth(key.GameID, key.GameMode, key.Region, sizes[key])
	}
	s.metrics.SetActiveRequests(counters.ActiveRequests)

	return stats, nil
}

// UpdateStats records a formed match and/or accumulated wait time.
// A call that would change nothing is rejected without touching the store.
func (s *QueueService) UpdateStats(ctx context.Context, matchFormed bool, waitTime time.Duration) error {
	if !matchFormed && waitTime <= 0 {
		return mmerrors.InvalidArgument("stats update changes nothing", nil)
	}

	var matches int64
	if matchFormed {
		matches = 1
	}
	var wait float64
	if waitTime > 0 {
		wait = waitTime.Seconds()
	}

	if err := s.queue.IncrementStats(ctx, matches, wait); err != nil {
		s.metrics.RecordStoreError("increment_stats")
		return err
	}
	return nil
}

// CleanupExpiredRequests removes expired requests and members whose hash
// entry is gone. Individual removal failures are logged and skipped.
func (s *QueueService) CleanupExpiredRequests(ctx context.Context) (*SweepResult, error) {
	start := s.now()
	result := &SweepResult{}

	keys, err := s.queue.QueueKeys(ctx)
	if err != nil {
		s.metrics.RecordStoreError("queue_keys")
		return nil, err
	}
	if len(keys) == 0 {
		s.metrics.RecordSweep(0, 0, 0)
		return result, nil
	}

	members, err := s.queue.QueueMembersMany(ctx, keys)
	if err != nil {
		s.metrics.RecordStoreError("queue_members")
		return nil, err
	}

	ids := make([]string, 0)
	for _, key := range keys {
		ids = append(ids, members[key]...)
	}
	entries, err := s.queue.GetEntries(ctx, ids)
	if err != nil {
		s.metrics.RecordStoreError("get_entries")
		return nil, err
	}

	var expiredIDs []string
	for _, key := range keys {
		for _, id := range members[key] {
			entry, ok := entries[id]
			if ok && !entry.Expired(start) {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return result, err
			}

			if !ok {
				removed, err := s.queue.RemoveStale(ctx, key, id)
				if err != nil {
					s.logger.Warn("Failed to remove stale queue member",
						zap.String("request_id", id),
						zap.String("queue", key.String()),
						zap.Error(err))
					continue
				}
				if removed {
					result.Stale++
				}
				continue
			}

			removed, err := s.RemoveRequest(ctx, entry.UserID, id, RemoveOptions{Silent: true})
			if err != nil {
				s.logger.Warn("Failed to remove expired request",
					zap.String("request_id", id),
					zap.Error(err))
				continue
			}
			if removed {
				result.Expired++
				expiredIDs = append(expiredIDs, id)
			}
		}
	}

	if len(expiredIDs) > 0 {
		marked, err := s.requests.MarkExpired(ctx, expiredIDs, start)
		if err != nil {
			s.metrics.RecordStoreError("mark_expired")
			s.logger.Warn("Failed to mark expired requests",
				zap.Int("count", len(expiredIDs)),
				zap.Error(err))
		}
		result.MarkedExpired = marked
	}

	s.metrics.RecordSweep(result.Expired, result.Stale, s.now().Sub(start))
	if result.Removed() > 0 {
		s.logger.Info("Expired requests cleaned up",
			zap.Int("expired", result.Expired),
			zap.Int("stale", result.Stale),
			zap.Int64("marked_expired", result.MarkedExpired))
	}
	return result, nil
}

// ClearQueues deletes the whole queue projection
func (s *QueueService) ClearQueues(ctx context.Context) (int64, error) {
	deleted, err := s.queue.Clear(ctx)
	if err != nil {
		s.metrics.RecordStoreError("clear")
		return deleted, err
	}
	s.metrics.ResetQueueDepth()
	s.metrics.SetActiveRequests(0)
	s.logger.Warn("Queues cleared", zap.Int64("keys_deleted", deleted))
	return deleted, nil
}

// ListGameModes returns every (game, mode) with at least one registered queue
func (s *QueueService) ListGameModes(ctx context.Context) ([]model.GameMode, error) {
	keys, err := s.queue.QueueKeys(ctx)
	if err != nil {
		s.metrics.RecordStoreError("queue_keys")
		return nil, err
	}

	seen := make(map[model.GameMode]struct{})
	modes := make([]model.GameMode, 0)
	for _, key := range keys {
		gm := model.GameMode{GameID: key.GameID, GameMode: key.GameMode}
		if _, ok := seen[gm]; ok {
			continue
		}
		seen[gm] = struct{}{}
		modes = append(modes, gm)
	}
	sort.Slice(modes, func(i, j int) bool {
		if modes[i].GameID != modes[j].GameID {
			return modes[i].GameID < modes[j].GameID
		}
		return modes[i].GameMode < modes[j].GameMode
	})
	return modes, nil
}

// Start runs the expiry sweep on its interval until ctx is done or Destroy
func (s *QueueService) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		s.mu.Unlock()

		go s.sweepLoop(ctx)
	})
}

func (s *QueueService) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.logger.Info("Expiry sweeper started", zap.Duration("interval", s.sweepInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.CleanupExpiredRequests(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// Destroy stops the sweeper and the eviction workers and closes the
// admitted channel. It is idempotent and safe without Start.
func (s *QueueService) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		cancel := s.cancel
		close(s.admitted)
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		if err := s.evictions.Stop(5 * time.Second); err != nil {
			s.logger.Warn("Self-heal workers did not stop cleanly", zap.Error(err))
		}
	})
}
