package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/matchmaker/internal/config"
	mmerrors "github.com/devrev/matchmaker/internal/errors"
	"github.com/devrev/matchmaker/internal/metrics"
	"github.com/devrev/matchmaker/internal/model"
)

// CycleResult summarises one matching cycle
type CycleResult struct {
	Partitions    int `json:"partitions"`
	Candidates    int `json:"candidates"`
	MatchesFormed int `json:"matchesFormed"`
	Conflicts     int `json:"conflicts"`
	Failures      int `json:"failures"`
}

func (r *CycleResult) add(o CycleResult) {
	r.Partitions += o.Partitions
	r.Candidates += o.Candidates
	r.MatchesFormed += o.MatchesFormed
	r.Conflicts += o.Conflicts
	r.Failures += o.Failures
}

// MatchmakingService runs the matching cycle over every queued (game, mode)
type MatchmakingService struct {
	queue         *QueueService
	compatibility *CompatibilityService
	metrics       *metrics.Metrics
	logger        *zap.Logger

	interval    time.Duration
	concurrency int
}

// NewMatchmakingService creates a new matchmaking service
func NewMatchmakingService(
	queue *QueueService,
	compatibility *CompatibilityService,
	cfg config.MatchmakingConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MatchmakingService {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 2 * time.Second
	}
	if cfg.CycleConcurrency <= 0 {
		cfg.CycleConcurrency = 1
	}

	return &MatchmakingService{
		queue:         queue,
		compatibility: compatibility,
		metrics:       m,
		logger:        logger,
		interval:      cfg.CycleInterval,
		concurrency:   cfg.CycleConcurrency,
	}
}

// RunCycle processes every (game, mode) partition once. Partition failures
// are logged and counted; only failing to list partitions is an error.
func (s *MatchmakingService) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	defer func() { s.metrics.RecordCycle(time.Since(start)) }()

	modes, err := s.queue.ListGameModes(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		result CycleResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, gm := range modes {
		g.Go(func() error {
			partial := s.ProcessPartition(gctx, gm)
			mu.Lock()
			result.add(partial)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if result.MatchesFormed > 0 || result.Failures > 0 {
		s.logger.Info("Matching cycle completed",
			zap.Int("partitions", result.Partitions),
			zap.Int("candidates", result.Candidates),
			zap.Int("matches_formed", result.MatchesFormed),
			zap.Int("conflicts", result.Conflicts),
			zap.Int("failures", result.Failures),
			zap.Duration("duration", time.Since(start)))
	}
	return &result, nil
}

// ProcessPartition forms and commits matches for one (game, mode)
func (s *MatchmakingService) ProcessPartition(ctx context.Context, gm model.GameMode) CycleResult {
	result := CycleResult{Partitions: 1}

	candidates, err := s.queue.GetGameModeRequests(ctx, gm.GameID, gm.GameMode)
	if err != nil {
		result.Failures++
		s.logger.Error("Failed to read candidates",
			zap.String("game_id", gm.GameID),
			zap.String("game_mode", gm.GameMode),
			zap.Error(err))
		return result
	}
	result.Candidates = len(candidates)
	if len(candidates) < 2 {
		return result
	}

	for _, req := range candidates {
		if _, err := s.compatibility.ApplyCriteriaRelaxation(ctx, req); err != nil {
			s.logger.Warn("Failed to relax criteria",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		}
	}

	// without skill data pairs score the neutral skill value
	if err := s.compatibility.EnrichRequests(ctx, candidates, gm.GameID); err != nil {
		s.logger.Warn("Failed to enrich candidates",
			zap.String("game_id", gm.GameID),
			zap.Error(err))
	}

	for _, group := range s.compatibility.FormGroups(candidates, gm.GameID) {
		match, err := s.compatibility.CreateMatch(ctx, group.Members, gm.GameID, gm.GameMode, group.Region)
		if err != nil {
			if mmerrors.GetCode(err) == mmerrors.ErrCodeMatchConflict {
				result.Conflicts++
			} else {
				result.Failures++
			}
			continue
		}
		result.MatchesFormed++

		for _, req := range match.Participants {
			if _, err := s.queue.RemoveRequest(ctx, req.UserID, req.RequestID, RemoveOptions{Silent: true}); err != nil {
				s.logger.Warn("Failed to dequeue matched request",
					zap.String("request_id", req.RequestID),
					zap.String("match_id", match.History.MatchID),
					zap.Error(err))
			}
		}

		if err := s.queue.UpdateStats(ctx, true, match.History.MatchingMetrics.TotalSearchTime); err != nil {
			s.logger.Warn("Failed to update queue stats",
				zap.String("match_id", match.History.MatchID),
				zap.Error(err))
		}
	}

	return result
}

// Start runs matching cycles on the configured interval. Admitted
// notifications trigger an immediate pass over the admitted partition.
func (s *MatchmakingService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	admitted := s.queue.Admitted()
	s.logger.Info("Matchmaking loop started",
		zap.Duration("interval", s.interval),
		zap.Int("concurrency", s.concurrency))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Matchmaking loop stopped")
			return
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Matching cycle failed", zap.Error(err))
			}
		case ev, ok := <-admitted:
			if !ok {
				// queue destroyed; keep ticking until ctx ends
				admitted = nil
				continue
			}
			for _, gm := range drainAdmitted(ev, admitted) {
				s.ProcessPartition(ctx, gm)
			}
		}
	}
}

// drainAdmitted collapses the pending notifications into distinct partitions
func drainAdmitted(first model.AdmittedEvent, admitted <-chan model.AdmittedEvent) []model.GameMode {
	gm := model.GameMode{GameID: first.Key.GameID, GameMode: first.Key.GameMode}
	seen := map[model.GameMode]struct{}{gm: {}}
	modes := []model.GameMode{gm}

	for {
		select {
		case ev, ok := <-admitted:
			if !ok {
				return modes
			}
			gm := model.GameMode{GameID: ev.Key.GameID, GameMode: ev.Key.GameMode}
			if _, dup := seen[gm]; !dup {
				seen[gm] = struct{}{}
				modes = append(modes, gm)
			}
		default:
			return modes
		}
	}
}
