package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/devrev/matchmaker/internal/config"
	"github.com/devrev/matchmaker/internal/model"
	"github.com/devrev/matchmaker/internal/store"
)

// MockRequestStore is a mock implementation of RequestStore
type MockRequestStore struct {
	mock.Mock
}

func (m *MockRequestStore) FindSearching(ctx context.Context, ids []string) ([]*model.MatchRequest, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.MatchRequest), args.Error(1)
}

func (m *MockRequestStore) FindByID(ctx context.Context, requestID string) (*model.MatchRequest, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.MatchRequest), args.Error(1)
}

func (m *MockRequestStore) SaveRelaxation(ctx context.Context, req *model.MatchRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockRequestStore) MarkExpired(ctx context.Context, requestIDs []string, at time.Time) (int64, error) {
	args := m.Called(ctx, requestIDs, at)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRequestStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockMatchStore is a mock implementation of MatchStore
type MockMatchStore struct {
	mock.Mock
}

func (m *MockMatchStore) CommitMatch(ctx context.Context, history *model.MatchHistory) error {
	args := m.Called(ctx, history)
	return args.Error(0)
}

// MockProfileStore is a mock implementation of ProfileStore
type MockProfileStore struct {
	mock.Mock
}

func (m *MockProfileStore) GetSkillLevels(ctx context.Context, userIDs []string, gameID string) (map[string]float64, error) {
	args := m.Called(ctx, userIDs, gameID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]float64), args.Error(1)
}

func testConfig() config.MatchmakingConfig {
	cfg := config.DefaultMatchmakingConfig()
	cfg.SweepRemovalsPerSecond = 0
	cfg.EvictionWorkers = 2
	cfg.EvictionQueueSize = 64
	return cfg
}

func newTestQueueStore(t *testing.T) (*store.RedisQueueStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	qs := store.NewRedisQueueStore(client, store.QueueStoreOptions{KeyPrefix: "mm"}, zap.NewNop())
	t.Cleanup(func() { _ = qs.Close() })

	select {
	case <-qs.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("queue store did not connect")
	}
	return qs, mr
}

func newTestQueueService(t *testing.T, cfg config.MatchmakingConfig) (*QueueService, *MockRequestStore, *miniredis.Miniredis) {
	t.Helper()
	qs, mr := newTestQueueStore(t)
	requests := new(MockRequestStore)
	svc := NewQueueService(qs, requests, cfg, nil, zap.NewNop())
	t.Cleanup(svc.Destroy)
	return svc, requests, mr
}

func skill(v float64) *float64 { return &v }

func newRequest(requestID, userID string, regions ...string) *model.MatchRequest {
	now := time.Now()
	return &model.MatchRequest{
		RequestID: requestID,
		UserID:    userID,
		Criteria: model.Criteria{
			Games:              []model.GameCriterion{{GameID: "valorant", Weight: 1}},
			GameMode:           "ranked",
			GroupSize:          model.GroupSize{Min: 2, Max: 2},
			RegionPreference:   model.PreferencePreferred,
			Regions:            regions,
			LanguagePreference: model.PreferencePreferred,
			Languages:          []string{"en"},
		},
		Status:          model.StatusSearching,
		SearchStartTime: now,
		MatchExpireTime: now.Add(10 * time.Minute),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func withSkill(req *model.MatchRequest, gameID string, level float64) *model.MatchRequest {
	if req.GameProfiles == nil {
		req.GameProfiles = make(map[string]model.GameProfile)
	}
	req.GameProfiles[gameID] = model.GameProfile{GameID: gameID, SkillLevel: skill(level)}
	return req
}
