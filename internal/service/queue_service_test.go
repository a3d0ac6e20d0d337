package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mmerrors "github.com/devrev/matchmaker/internal/errors"
	"github.com/devrev/matchmaker/internal/metrics"
	"github.com/devrev/matchmaker/internal/model"
)

var euRanked = model.QueueKey{GameID: "valorant", GameMode: "ranked", Region: "eu"}

func TestQueueService_AddRequestValidation(t *testing.T) {
	svc, _, mr := newTestQueueService(t, testConfig())
	ctx := context.Background()

	noGame := newRequest("req-2", "user-2", "eu")
	noGame.Criteria.Games = nil
	noMode := newRequest("req-3", "user-3", "eu")
	noMode.Criteria.GameMode = ""
	badRegion := newRequest("req-4", "user-4", "eu:west")

	tests := []struct {
		name string
		req  *model.MatchRequest
		code mmerrors.ErrorCode
	}{
		{"missing user", newRequest("req-1", "", "eu"), mmerrors.ErrCodeMissingUserID},
		{"missing game", noGame, mmerrors.ErrCodeMissingGame},
		{"missing mode", noMode, mmerrors.ErrCodeMissingGameMode},
		{"separator in region", badRegion, mmerrors.ErrCodeInvalidKeyPart},
		{"missing request id", newRequest("", "user-5", "eu"), mmerrors.ErrCodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.AddRequest(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, mmerrors.IsValidation(err))
			assert.Equal(t, tt.code, mmerrors.GetCode(err))
		})
	}

	// nothing but the initialised counters was written
	assert.Equal(t, []string{"mm:stats"}, mr.Keys())
}

func TestQueueService_AddRequestWildcardRegion(t *testing.T) {
	svc, _, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	req := newRequest("req-1", "user-1")
	require.NoError(t, svc.AddRequest(ctx, req))
	assert.Equal(t, model.WildcardRegion, req.QueueRegion)

	entry, err := svc.GetUserRequest(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.WildcardRegion, entry.Region)
}

func TestQueueService_AddRequestDefaultsExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultRequestTTL = time.Minute
	svc, _, _ := newTestQueueService(t, cfg)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	req := newRequest("req-1", "user-1", "eu")
	req.MatchExpireTime = time.Time{}
	require.NoError(t, svc.AddRequest(context.Background(), req))

	entry, err := svc.GetUserRequest(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), entry.ExpiresAt.UnixMilli())
}

func TestQueueService_ConcurrentAddSameUser(t *testing.T) {
	svc, _, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.AddRequest(ctx, newRequest(fmt.Sprintf("req-%d", i), "user-1", "eu"))
		}(i)
	}
	wg.Wait()

	winner := ""
	for i, err := range errs {
		if err == nil {
			require.Empty(t, winner, "two requests admitted for one user")
			winner = fmt.Sprintf("req-%d", i)
		}
	}
	require.NotEmpty(t, winner)

	for _, err := range errs {
		if err != nil {
			assert.True(t, mmerrors.IsConflict(err))
			assert.Equal(t, winner, mmerrors.ExistingRequestID(err))
		}
	}

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.ActiveRequests)
	assert.Equal(t, int64(1), stats.Queues["valorant"]["ranked"]["eu"])
}

func TestQueueService_ReAddSameRequestIsNotCounted(t *testing.T) {
	svc, _, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	req := newRequest("req-1", "user-1", "eu")
	require.NoError(t, svc.AddRequest(ctx, req))
	require.NoError(t, svc.AddRequest(ctx, req))

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.ActiveRequests)
}

func TestQueueService_RemoveRequestIdempotent(t *testing.T) {
	svc, _, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	require.NoError(t, svc.AddRequest(ctx, newRequest("req-1", "user-1", "eu")))

	removed, err := svc.RemoveRequest(ctx, "user-1", "req-1", RemoveOptions{})
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.RemoveRequest(ctx, "user-1", "req-1", RemoveOptions{Silent: true})
	require.NoError(t, err)
	assert.False(t, removed)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ActiveRequests)
	assert.Equal(t, int64(1), stats.TotalRequests)
}

func TestQueueService_RoundTripDeregistersQueue(t *testing.T) {
	svc, _, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	require.NoError(t, svc.AddRequest(ctx, newRequest("req-1", "user-1", "eu")))

	modes, err := svc.ListGameModes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.GameMode{{GameID: "valorant", GameMode: "ranked"}}, modes)

	_, err = svc.RemoveRequest(ctx, "user-1", "req-1", RemoveOptions{})
	require.NoError(t, err)

	modes, err = svc.ListGameModes(ctx)
	require.NoError(t, err)
	assert.Empty(t, modes)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats.Queues)

	entry, err := svc.GetUserRequest(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	// the user can queue again once removed
	require.NoError(t, svc.AddRequest(ctx, newRequest("req-2", "user-1", "eu")))
}

func TestQueueService_GetQueueRequestsOrderAndSelfHeal(t *testing.T) {
	svc, requests, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	r1 := newRequest("req-1", "user-1", "eu")
	r2 := newRequest("req-2", "user-2", "eu")
	r3 := newRequest("req-3", "user-3", "eu")
	for _, r := range []*model.MatchRequest{r1, r2, r3} {
		require.NoError(t, svc.AddRequest(ctx, r))
		time.Sleep(2 * time.Millisecond)
	}

	// req-2 is no longer searching; the store returns out of order
	requests.On("FindSearching", mock.Anything, []string{"req-1", "req-2", "req-3"}).
		Return([]*model.MatchRequest{r3, r1}, nil).Once()

	got, err := svc.GetQueueRequests(ctx, euRanked)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "req-1", got[0].RequestID)
	assert.Equal(t, "req-3", got[1].RequestID)
	assert.Equal(t, "eu", got[0].QueueRegion)

	assert.Eventually(t, func() bool {
		entry, err := svc.GetUserRequest(ctx, "user-2")
		return err == nil && entry == nil
	}, 2*time.Second, 10*time.Millisecond)

	members, err := svc.queue.QueueMembers(ctx, euRanked)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1", "req-3"}, members)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ActiveRequests)
	requests.AssertExpectations(t)
}

func TestQueueService_GetQueueRequestsEmpty(t *testing.T) {
	svc, requests, _ := newTestQueueService(t, testConfig())

	got, err := svc.GetQueueRequests(context.Background(), euRanked)
	require.NoError(t, err)
	assert.Empty(t, got)
	requests.AssertNotCalled(t, "FindSearching", mock.Anything, mock.Anything)
}

func TestQueueService_GetGameModeRequestsFansOut(t *testing.T) {
	svc, requests, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	eu1 := newRequest("req-1", "user-1", "eu")
	na1 := newRequest("req-2", "user-2", "na")
	eu2 := newRequest("req-3", "user-3", "eu")
	other := newRequest("req-4", "user-4", "eu")
	other.Criteria.GameMode = "casual"
	for _, r := range []*model.MatchRequest{eu1, na1, eu2, other} {
		require.NoError(t, svc.AddRequest(ctx, r))
		time.Sleep(2 * time.Millisecond)
	}

	requests.On("FindSearching", mock.Anything, []string{"req-1", "req-3", "req-2"}).
		Return([]*model.MatchRequest{na1, eu2, eu1}, nil).Once()

	got, err := svc.GetGameModeRequests(ctx, "valorant", "ranked")
	require.NoError(t, err)
	require.Len(t, got, 3)

	ids := []string{got[0].RequestID, got[1].RequestID, got[2].RequestID}
	assert.Equal(t, []string{"req-1", "req-3", "req-2"}, ids)
	assert.Equal(t, "eu", got[0].QueueRegion)
	assert.Equal(t, "eu", got[1].QueueRegion)
	assert.Equal(t, "na", got[2].QueueRegion)

	requests.AssertNumberOfCalls(t, "FindSearching", 1)

	none, err := svc.GetGameModeRequests(ctx, "valorant", "deathmatch")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueueService_GetStatsAverageWait(t *testing.T) {
	svc, _, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, stats.AverageWaitTime)

	require.NoError(t, svc.UpdateStats(ctx, true, 30*time.Second))
	require.NoError(t, svc.UpdateStats(ctx, true, 10*time.Second))
	require.NoError(t, svc.UpdateStats(ctx, false, 20*time.Second))

	stats, err = svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.MatchesFormed)
	assert.InDelta(t, 60.0, stats.TotalWaitTime, 1e-9)
	assert.InDelta(t, 30.0, stats.AverageWaitTime, 1e-9)
}

func TestQueueService_UpdateStatsNoOpRejectedWithoutRoundTrip(t *testing.T) {
	svc, _, mr := newTestQueueService(t, testConfig())
	mr.Close()

	err := svc.UpdateStats(context.Background(), false, 0)
	require.Error(t, err)
	assert.Equal(t, mmerrors.ErrCodeInvalidArgument, mmerrors.GetCode(err))

	err = svc.UpdateStats(context.Background(), false, -time.Second)
	assert.Equal(t, mmerrors.ErrCodeInvalidArgument, mmerrors.GetCode(err))
}

func TestQueueService_CleanupExpiredRequests(t *testing.T) {
	svc, requests, mr := newTestQueueService(t, testConfig())
	ctx := context.Background()
	now := time.Now()
	svc.now = func() time.Time { return now }

	expired := newRequest("req-1", "user-1", "eu")
	expired.MatchExpireTime = time.Now().Add(-time.Second)
	live := newRequest("req-2", "user-2", "eu")
	require.NoError(t, svc.AddRequest(ctx, expired))
	require.NoError(t, svc.AddRequest(ctx, live))

	// a member whose hash vanished
	_, err := mr.ZAdd("mm:queue:valorant:ranked:na", 1, "ghost")
	require.NoError(t, err)
	_, err = mr.SetAdd("mm:queues", "valorant:ranked:na")
	require.NoError(t, err)

	requests.On("MarkExpired", mock.Anything, []string{"req-1"}, now).Return(int64(1), nil).Once()

	result, err := svc.CleanupExpiredRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Stale)
	assert.Equal(t, int64(1), result.MarkedExpired)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ActiveRequests)
	assert.Equal(t, map[string]map[string]map[string]int64{
		"valorant": {"ranked": {"eu": 1}},
	}, stats.Queues)

	entry, err := svc.GetUserRequest(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	// a second sweep finds nothing and decrements nothing
	result, err = svc.CleanupExpiredRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Removed())

	stats, err = svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ActiveRequests)
	requests.AssertExpectations(t)
}

func TestQueueService_CleanupContinuesWhenMarkExpiredFails(t *testing.T) {
	svc, requests, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	expired := newRequest("req-1", "user-1", "eu")
	expired.MatchExpireTime = time.Now().Add(-time.Second)
	require.NoError(t, svc.AddRequest(ctx, expired))

	requests.On("MarkExpired", mock.Anything, []string{"req-1"}, mock.Anything).Return(int64(0), fmt.Errorf("db down"))

	result, err := svc.CleanupExpiredRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, int64(0), result.MarkedExpired)
}

func TestQueueService_ClearQueues(t *testing.T) {
	svc, _, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	require.NoError(t, svc.AddRequest(ctx, newRequest("req-1", "user-1", "eu")))
	require.NoError(t, svc.AddRequest(ctx, newRequest("req-2", "user-2", "na")))

	deleted, err := svc.ClearQueues(ctx)
	require.NoError(t, err)
	assert.Greater(t, deleted, int64(0))

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalRequests)
	assert.Empty(t, stats.Queues)
}

func TestQueueService_AdmittedNotifications(t *testing.T) {
	svc, _, _ := newTestQueueService(t, testConfig())
	ctx := context.Background()

	require.NoError(t, svc.AddRequest(ctx, newRequest("req-1", "user-1", "eu")))

	select {
	case ev := <-svc.Admitted():
		assert.Equal(t, "req-1", ev.RequestID)
		assert.Equal(t, "user-1", ev.UserID)
		assert.Equal(t, euRanked, ev.Key)
	case <-time.After(time.Second):
		t.Fatal("no admitted notification")
	}

	// a conflicting add notifies nobody
	err := svc.AddRequest(ctx, newRequest("req-2", "user-1", "eu"))
	require.Error(t, err)
	select {
	case ev := <-svc.Admitted():
		t.Fatalf("unexpected notification %+v", ev)
	default:
	}
}

func TestQueueService_AdmittedDroppedWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.AdmittedBuffer = 1
	qs, _ := newTestQueueStore(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	svc := NewQueueService(qs, new(MockRequestStore), cfg, m, zap.NewNop())
	defer svc.Destroy()

	ctx := context.Background()
	require.NoError(t, svc.AddRequest(ctx, newRequest("req-1", "user-1", "eu")))
	require.NoError(t, svc.AddRequest(ctx, newRequest("req-2", "user-2", "eu")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdmittedDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AdmissionsTotal.WithLabelValues("admitted")))
}

func TestQueueService_DestroyIsIdempotentAndSafe(t *testing.T) {
	svc, _, _ := newTestQueueService(t, testConfig())

	svc.Destroy()
	svc.Destroy()

	_, open := <-svc.Admitted()
	assert.False(t, open)

	// admissions after teardown still work, they just notify nobody
	assert.NotPanics(t, func() {
		_ = svc.AddRequest(context.Background(), newRequest("req-1", "user-1", "eu"))
	})

	// starting after teardown does nothing
	svc.Start(context.Background())
}

func TestQueueService_StartRunsSweeps(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	svc, requests, _ := newTestQueueService(t, cfg)
	ctx := context.Background()

	expired := newRequest("req-1", "user-1", "eu")
	expired.MatchExpireTime = time.Now().Add(-time.Second)
	require.NoError(t, svc.AddRequest(ctx, expired))
	requests.On("MarkExpired", mock.Anything, []string{"req-1"}, mock.Anything).Return(int64(1), nil)

	svc.Start(ctx)

	assert.Eventually(t, func() bool {
		entry, err := svc.GetUserRequest(ctx, "user-1")
		return err == nil && entry == nil
	}, 2*time.Second, 10*time.Millisecond)

	svc.Destroy()
}

func TestDestroyWithoutConnection(t *testing.T) {
	svc := NewQueueService(nil, nil, testConfig(), nil, zap.NewNop())
	assert.NotPanics(t, svc.Destroy)
}
