package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/matchmaker/internal/config"
	mmerrors "github.com/devrev/matchmaker/internal/errors"
	"github.com/devrev/matchmaker/internal/metrics"
	"github.com/devrev/matchmaker/internal/model"
	"github.com/devrev/matchmaker/internal/store"
)

// Compatibility weights; they sum to 1
const (
	weightGame     = 0.30
	weightMode     = 0.20
	weightRegion   = 0.20
	weightLanguage = 0.10
	weightSkill    = 0.20

	// partialScore is awarded when neither side insists on overlap
	partialScore = 0.5
)

// CompatibilityService scores candidate pairs, relaxes criteria over time
// and commits formed matches
type CompatibilityService struct {
	requests store.RequestStore
	matches  store.MatchStore
	profiles store.ProfileStore
	metrics  *metrics.Metrics
	logger   *zap.Logger

	skillTiers         []float64
	relaxationInterval time.Duration
	minCompatibility   float64
	defaultGroup       model.GroupSize
	now                func() time.Time
}

// NewCompatibilityService creates a new compatibility service
func NewCompatibilityService(
	requests store.RequestStore,
	matches store.MatchStore,
	profiles store.ProfileStore,
	cfg config.MatchmakingConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CompatibilityService {
	defaults := config.DefaultMatchmakingConfig()
	if len(cfg.SkillTiers) == 0 {
		cfg.SkillTiers = defaults.SkillTiers
	}
	if cfg.RelaxationInterval <= 0 {
		cfg.RelaxationInterval = defaults.RelaxationInterval
	}
	if cfg.DefaultGroupMin < 2 {
		cfg.DefaultGroupMin = defaults.DefaultGroupMin
	}
	if cfg.DefaultGroupMax < cfg.DefaultGroupMin {
		cfg.DefaultGroupMax = cfg.DefaultGroupMin
	}

	return &CompatibilityService{
		requests:           requests,
		matches:            matches,
		profiles:           profiles,
		metrics:            m,
		logger:             logger,
		skillTiers:         cfg.SkillTiers,
		relaxationInterval: cfg.RelaxationInterval,
		minCompatibility:   cfg.MinCompatibility,
		defaultGroup:       model.GroupSize{Min: cfg.DefaultGroupMin, Max: cfg.DefaultGroupMax},
		now:                time.Now,
	}
}

// CalculateCompatibility scores a pair of requests for gameID in [0, 1].
// Requests for different game modes never match.
func (s *CompatibilityService) CalculateCompatibility(a, b *model.MatchRequest, gameID string) float64 {
	s.metrics.RecordCompatibilityEvaluations(1)

	if a.Criteria.GameMode != b.Criteria.GameMode {
		return 0
	}

	game := 0.0
	if a.Criteria.HasGame(gameID) && b.Criteria.HasGame(gameID) {
		game = 1
	}

	score := game*weightGame +
		weightMode +
		s.CalculateRegionScore(a, b)*weightRegion +
		s.CalculateLanguageScore(a, b)*weightLanguage +
		s.CalculateSkillScore(a, b, gameID)*weightSkill

	return math.Min(1, math.Max(0, score))
}

// CalculateRegionScore is 1 when the region lists overlap, 0 when either
// side is strict, and 0.5 otherwise. An empty list or the wildcard region
// overlaps with anything.
func (s *CompatibilityService) CalculateRegionScore(a, b *model.MatchRequest) float64 {
	if overlaps(a.Criteria.Regions, b.Criteria.Regions, model.WildcardRegion) {
		return 1
	}
	if a.Criteria.RegionPreference == model.PreferenceStrict || b.Criteria.RegionPreference == model.PreferenceStrict {
		return 0
	}
	return partialScore
}

// CalculateLanguageScore follows the region rule, except that a side with
// no language preference accepts the other outright
func (s *CompatibilityService) CalculateLanguageScore(a, b *model.MatchRequest) float64 {
	if overlaps(a.Criteria.Languages, b.Criteria.Languages, "") {
		return 1
	}
	if a.Criteria.LanguagePreference == model.PreferenceStrict || b.Criteria.LanguagePreference == model.PreferenceStrict {
		return 0
	}
	if a.Criteria.LanguagePreference == model.PreferenceAny || b.Criteria.LanguagePreference == model.PreferenceAny {
		return 1
	}
	return partialScore
}

func overlaps(a, b []string, wildcard string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		if wildcard != "" && v == wildcard {
			return true
		}
		set[v] = struct{}{}
	}
	for _, v := range b {
		if wildcard != "" && v == wildcard {
			return true
		}
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// CalculateSkillScore compares skill levels within the tolerance of the
// higher relaxation level of the pair. Unknown skill scores 0.5.
func (s *CompatibilityService) CalculateSkillScore(a, b *model.MatchRequest, gameID string) float64 {
	skillA, okA := a.SkillFor(gameID)
	skillB, okB := b.SkillFor(gameID)
	if !okA || !okB {
		return partialScore
	}

	level := a.RelaxationLevel
	if b.RelaxationLevel > level {
		level = b.RelaxationLevel
	}
	allowed := s.allowedSkillRange(level)

	return math.Max(0, 1-(math.Abs(skillA-skillB)/allowed)*0.5)
}

func (s *CompatibilityService) allowedSkillRange(level int) float64 {
	if level < 0 {
		level = 0
	}
	if level >= len(s.skillTiers) {
		level = len(s.skillTiers) - 1
	}
	return s.skillTiers[level]
}

// ApplyCriteriaRelaxation raises the relaxation level to match the time the
// request has been searching. It persists and returns true only when the
// level went up; levels never go down.
func (s *CompatibilityService) ApplyCriteriaRelaxation(ctx context.Context, req *model.MatchRequest) (bool, error) {
	now := s.now()

	target := int(req.SearchDuration(now) / s.relaxationInterval)
	if top := len(s.skillTiers) - 1; target > top {
		target = top
	}
	if target <= req.RelaxationLevel {
		return false, nil
	}

	prevLevel, prevTimestamp := req.RelaxationLevel, req.RelaxationTimestamp
	req.RelaxationLevel = target
	req.RelaxationTimestamp = now

	if err := s.requests.SaveRelaxation(ctx, req); err != nil {
		req.RelaxationLevel, req.RelaxationTimestamp = prevLevel, prevTimestamp
		s.metrics.RecordStoreError("save_relaxation")
		return false, fmt.Errorf("failed to save relaxation for request %s: %w", req.RequestID, err)
	}

	s.metrics.RecordRelaxation(target)
	s.logger.Debug("Relaxed match criteria",
		zap.String("request_id", req.RequestID),
		zap.Int("from_level", prevLevel),
		zap.Int("to_level", target))
	return true, nil
}

// CalculateMatchQuality averages region, language and skill scores over
// every pair of participants as percentages
func (s *CompatibilityService) CalculateMatchQuality(participants []*model.MatchRequest, gameID string) model.MatchQuality {
	if len(participants) < 2 {
		return model.MatchQuality{
			SkillBalance:          100,
			RegionCompatibility:   100,
			LanguageCompatibility: 100,
			OverallScore:          100,
		}
	}

	var region, language, skill float64
	pairs := 0
	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			a, b := participants[i], participants[j]
			region += s.CalculateRegionScore(a, b)
			language += s.CalculateLanguageScore(a, b)
			skill += s.CalculateSkillScore(a, b, gameID)
			pairs++
		}
	}

	quality := model.MatchQuality{
		SkillBalance:          percent(skill / float64(pairs)),
		RegionCompatibility:   percent(region / float64(pairs)),
		LanguageCompatibility: percent(language / float64(pairs)),
	}
	quality.OverallScore = int(math.Round(float64(
		quality.SkillBalance+quality.RegionCompatibility+quality.LanguageCompatibility,
	) / 3))
	return quality
}

func percent(v float64) int {
	return int(math.Round(v * 100))
}

// EnrichRequests loads the skill level of every request's user for gameID
func (s *CompatibilityService) EnrichRequests(ctx context.Context, reqs []*model.MatchRequest, gameID string) error {
	if len(reqs) == 0 {
		return nil
	}

	userIDs := make([]string, 0, len(reqs))
	for _, req := range reqs {
		userIDs = append(userIDs, req.UserID)
	}

	levels, err := s.profiles.GetSkillLevels(ctx, userIDs, gameID)
	if err != nil {
		s.metrics.RecordStoreError("get_skill_levels")
		return fmt.Errorf("failed to load skill levels: %w", err)
	}

	for _, req := range reqs {
		level, ok := levels[req.UserID]
		if !ok {
			continue
		}
		if req.GameProfiles == nil {
			req.GameProfiles = make(map[string]model.GameProfile)
		}
		req.GameProfiles[gameID] = model.GameProfile{GameID: gameID, SkillLevel: &level}
	}
	return nil
}

// CreateMatch records a match for the participants and marks every
// request matched. The commit is all or nothing.
func (s *CompatibilityService) CreateMatch(
	ctx context.Context,
	participants []*model.MatchRequest,
	gameID, gameMode, region string,
) (*model.MatchResult, error) {
	if len(participants) == 0 {
		return nil, mmerrors.InvalidArgument("a match needs at least one participant", nil)
	}

	now := s.now()
	history := &model.MatchHistory{
		MatchID:      uuid.NewString(),
		LobbyID:      uuid.NewString(),
		Participants: make([]model.MatchParticipant, 0, len(participants)),
		GameID:       gameID,
		GameMode:     gameMode,
		Region:       region,
		Status:       model.MatchStatusFormed,
		FormedAt:     now,
	}

	waits := make([]time.Duration, 0, len(participants))
	levels := make(map[int]struct{})
	for _, req := range participants {
		wait := req.SearchDuration(now)
		waits = append(waits, wait)
		levels[req.RelaxationLevel] = struct{}{}

		history.Participants = append(history.Participants, model.MatchParticipant{
			UserID:           req.UserID,
			RequestID:        req.RequestID,
			PreselectedUsers: req.PreselectedUsers,
			SearchDuration:   wait,
			RelaxationLevel:  req.RelaxationLevel,
		})
	}

	history.MatchingMetrics = searchMetrics(waits, levels)
	history.MatchQuality = s.CalculateMatchQuality(participants, gameID)

	if err := s.matches.CommitMatch(ctx, history); err != nil {
		reason := "error"
		if mmerrors.GetCode(err) == mmerrors.ErrCodeMatchConflict {
			reason = "conflict"
		}
		s.metrics.RecordMatchCommitFailure(reason)
		s.logger.Warn("Failed to commit match",
			zap.String("match_id", history.MatchID),
			zap.String("game_id", gameID),
			zap.String("game_mode", gameMode),
			zap.Int("participants", len(participants)),
			zap.Error(err))
		return nil, err
	}

	for _, req := range participants {
		req.Status = model.StatusMatched
		req.MatchedLobbyID = history.LobbyID
		req.UpdatedAt = now
	}

	s.metrics.RecordMatch(gameID, gameMode, history.MatchQuality.OverallScore, waits)
	s.logger.Info("Match formed",
		zap.String("match_id", history.MatchID),
		zap.String("lobby_id", history.LobbyID),
		zap.String("game_id", gameID),
		zap.String("game_mode", gameMode),
		zap.String("region", region),
		zap.Int("participants", len(participants)),
		zap.Int("overall_score", history.MatchQuality.OverallScore))

	return &model.MatchResult{History: history, Participants: participants}, nil
}

func searchMetrics(waits []time.Duration, levels map[int]struct{}) model.MatchingMetrics {
	m := model.MatchingMetrics{RelaxationLevelsUsed: make([]int, 0, len(levels))}
	for i, w := range waits {
		m.TotalSearchTime += w
		if i == 0 || w > m.MaxSearchTime {
			m.MaxSearchTime = w
		}
		if i == 0 || w < m.MinSearchTime {
			m.MinSearchTime = w
		}
	}
	for level := range levels {
		m.RelaxationLevelsUsed = append(m.RelaxationLevelsUsed, level)
	}
	sort.Ints(m.RelaxationLevelsUsed)
	return m
}
