package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mmerrors "github.com/devrev/matchmaker/internal/errors"
	"github.com/devrev/matchmaker/internal/model"
)

type matchmakingFixture struct {
	queue    *QueueService
	service  *MatchmakingService
	requests *MockRequestStore
	matches  *MockMatchStore
	profiles *MockProfileStore
}

func newMatchmakingFixture(t *testing.T) *matchmakingFixture {
	t.Helper()
	cfg := testConfig()
	cfg.CycleInterval = time.Hour

	queue, requests, _ := newTestQueueService(t, cfg)
	matches := new(MockMatchStore)
	profiles := new(MockProfileStore)
	compat := NewCompatibilityService(requests, matches, profiles, cfg, nil, zap.NewNop())

	return &matchmakingFixture{
		queue:    queue,
		service:  NewMatchmakingService(queue, compat, cfg, nil, zap.NewNop()),
		requests: requests,
		matches:  matches,
		profiles: profiles,
	}
}

func (f *matchmakingFixture) enqueue(t *testing.T, reqs ...*model.MatchRequest) {
	t.Helper()
	for _, req := range reqs {
		require.NoError(t, f.queue.AddRequest(context.Background(), req))
		time.Sleep(2 * time.Millisecond)
	}
}

func TestMatchmakingService_RunCycleFormsMatch(t *testing.T) {
	f := newMatchmakingFixture(t)
	ctx := context.Background()

	a := newRequest("req-a", "user-a", "eu")
	b := newRequest("req-b", "user-b", "eu")
	f.enqueue(t, a, b)

	f.requests.On("FindSearching", mock.Anything, []string{"req-a", "req-b"}).
		Return([]*model.MatchRequest{a, b}, nil).Once()
	f.profiles.On("GetSkillLevels", mock.Anything, []string{"user-a", "user-b"}, "valorant").
		Return(map[string]float64{"user-a": 10, "user-b": 11}, nil).Once()

	var committed *model.MatchHistory
	f.matches.On("CommitMatch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { committed = args.Get(1).(*model.MatchHistory) }).
		Return(nil).Once()

	result, err := f.service.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Partitions)
	assert.Equal(t, 2, result.Candidates)
	assert.Equal(t, 1, result.MatchesFormed)
	assert.Zero(t, result.Conflicts)
	assert.Zero(t, result.Failures)

	require.NotNil(t, committed)
	assert.Equal(t, []string{"req-a", "req-b"}, committed.RequestIDs())
	assert.Equal(t, "eu", committed.Region)
	assert.Equal(t, model.StatusMatched, a.Status)

	modes, err := f.queue.ListGameModes(ctx)
	require.NoError(t, err)
	assert.Empty(t, modes)

	entry, err := f.queue.GetUserRequest(ctx, "user-a")
	require.NoError(t, err)
	assert.Nil(t, entry)

	stats, err := f.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.MatchesFormed)
	assert.Equal(t, int64(0), stats.ActiveRequests)
	assert.Equal(t, int64(2), stats.TotalRequests)

	f.requests.AssertExpectations(t)
	f.profiles.AssertExpectations(t)
	f.matches.AssertExpectations(t)
}

func TestMatchmakingService_ConflictKeepsRequestsQueued(t *testing.T) {
	f := newMatchmakingFixture(t)
	ctx := context.Background()

	a := newRequest("req-a", "user-a", "eu")
	b := newRequest("req-b", "user-b", "eu")
	f.enqueue(t, a, b)

	f.requests.On("FindSearching", mock.Anything, mock.Anything).Return([]*model.MatchRequest{a, b}, nil)
	f.profiles.On("GetSkillLevels", mock.Anything, mock.Anything, "valorant").Return(map[string]float64{}, nil)
	f.matches.On("CommitMatch", mock.Anything, mock.Anything).Return(mmerrors.MatchConflict(2, 1)).Once()

	result, err := f.service.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)
	assert.Zero(t, result.MatchesFormed)

	requests, err := f.queue.GetQueueRequests(ctx, model.QueueKey{GameID: "valorant", GameMode: "ranked", Region: "eu"})
	require.NoError(t, err)
	assert.Len(t, requests, 2)

	stats, err := f.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.MatchesFormed)
	assert.Equal(t, int64(2), stats.ActiveRequests)
}

func TestMatchmakingService_CommitErrorCountedAsFailure(t *testing.T) {
	f := newMatchmakingFixture(t)

	a := newRequest("req-a", "user-a", "eu")
	b := newRequest("req-b", "user-b", "eu")
	f.enqueue(t, a, b)

	f.requests.On("FindSearching", mock.Anything, mock.Anything).Return([]*model.MatchRequest{a, b}, nil)
	f.profiles.On("GetSkillLevels", mock.Anything, mock.Anything, "valorant").Return(nil, errors.New("profiles down"))
	f.matches.On("CommitMatch", mock.Anything, mock.Anything).
		Return(mmerrors.MatchCommitFailed("insert failed", errors.New("db down"))).Once()

	result, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failures)
	assert.Zero(t, result.Conflicts)
}

func TestMatchmakingService_PartitionReadFailure(t *testing.T) {
	f := newMatchmakingFixture(t)

	f.enqueue(t, newRequest("req-a", "user-a", "eu"), newRequest("req-b", "user-b", "eu"))
	f.requests.On("FindSearching", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	result, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Partitions)
	assert.Equal(t, 1, result.Failures)
	f.matches.AssertNotCalled(t, "CommitMatch", mock.Anything, mock.Anything)
}

func TestMatchmakingService_SingleCandidateSkipsMatching(t *testing.T) {
	f := newMatchmakingFixture(t)

	a := newRequest("req-a", "user-a", "eu")
	f.enqueue(t, a)
	f.requests.On("FindSearching", mock.Anything, []string{"req-a"}).Return([]*model.MatchRequest{a}, nil)

	result, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	assert.Zero(t, result.MatchesFormed)
	f.profiles.AssertNotCalled(t, "GetSkillLevels", mock.Anything, mock.Anything, mock.Anything)
}

func TestMatchmakingService_EmptyQueues(t *testing.T) {
	f := newMatchmakingFixture(t)

	result, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{}, *result)
}

func TestMatchmakingService_StartMatchesOnAdmission(t *testing.T) {
	f := newMatchmakingFixture(t)

	a := newRequest("req-a", "user-a", "eu")
	b := newRequest("req-b", "user-b", "eu")
	f.enqueue(t, a, b)

	f.requests.On("FindSearching", mock.Anything, []string{"req-a", "req-b"}).Return([]*model.MatchRequest{a, b}, nil)
	f.profiles.On("GetSkillLevels", mock.Anything, mock.Anything, "valorant").Return(map[string]float64{}, nil)

	committed := make(chan struct{})
	f.matches.On("CommitMatch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { close(committed) }).
		Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.service.Start(ctx)
	}()

	select {
	case <-committed:
	case <-time.After(2 * time.Second):
		t.Fatal("admission did not trigger a matching pass")
	}

	cancel()
	<-done
}

func TestDrainAdmitted(t *testing.T) {
	ranked := model.QueueKey{GameID: "valorant", GameMode: "ranked", Region: "eu"}
	rankedNA := model.QueueKey{GameID: "valorant", GameMode: "ranked", Region: "na"}
	casual := model.QueueKey{GameID: "valorant", GameMode: "casual", Region: "eu"}

	ch := make(chan model.AdmittedEvent, 4)
	ch <- model.AdmittedEvent{Key: rankedNA}
	ch <- model.AdmittedEvent{Key: casual}
	ch <- model.AdmittedEvent{Key: ranked}

	modes := drainAdmitted(model.AdmittedEvent{Key: ranked}, ch)
	assert.Equal(t, []model.GameMode{
		{GameID: "valorant", GameMode: "ranked"},
		{GameID: "valorant", GameMode: "casual"},
	}, modes)
	assert.Empty(t, ch)

	close(ch)
	assert.Len(t, drainAdmitted(model.AdmittedEvent{Key: casual}, ch), 1)
}
