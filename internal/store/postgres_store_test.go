package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mmerrors "github.com/devrev/matchmaker/internal/errors"
	"github.com/devrev/matchmaker/internal/model"
)

// newTestPool connects to MATCHMAKER_TEST_DATABASE_URL and applies the schema.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Postgres test in short mode")
	}
	url := os.Getenv("MATCHMAKER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MATCHMAKER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_matchmaking.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	return pool
}

func insertRequest(t *testing.T, pool *pgxpool.Pool, status model.RequestStatus) string {
	t.Helper()
	requestID := "req-" + uuid.NewString()
	now := time.Now().UTC()

	_, err := pool.Exec(context.Background(), `
		INSERT INTO match_requests (request_id, user_id, criteria, status, search_start_time, match_expire_time)
		VALUES ($1, $2, '{}'::jsonb, $3, $4, $5)
	`, requestID, "user-"+uuid.NewString(), string(status), now, now.Add(5*time.Minute))
	require.NoError(t, err)

	return requestID
}

func newHistory(requestIDs ...string) *model.MatchHistory {
	participants := make([]model.MatchParticipant, 0, len(requestIDs))
	for _, id := range requestIDs {
		participants = append(participants, model.MatchParticipant{RequestID: id, UserID: "user-" + id})
	}
	return &model.MatchHistory{
		MatchID:      uuid.NewString(),
		LobbyID:      uuid.NewString(),
		Participants: participants,
		GameID:       "valorant",
		GameMode:     "ranked",
		Region:       "eu",
		MatchQuality: model.MatchQuality{OverallScore: 90},
		Status:       model.MatchStatusFormed,
		FormedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

func historyExists(t *testing.T, pool *pgxpool.Pool, matchID string) bool {
	t.Helper()
	var count int
	err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM match_history WHERE match_id = $1`, matchID).Scan(&count)
	require.NoError(t, err)
	return count == 1
}

func TestPostgresMatchStore_CommitMatch(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	requests := NewPostgresRequestStore(pool)
	matches := NewPostgresMatchStore(pool, zap.NewNop())

	r1 := insertRequest(t, pool, model.StatusSearching)
	r2 := insertRequest(t, pool, model.StatusSearching)
	history := newHistory(r1, r2)

	require.NoError(t, matches.CommitMatch(ctx, history))
	assert.True(t, historyExists(t, pool, history.MatchID))

	for _, id := range []string{r1, r2} {
		req, err := requests.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusMatched, req.Status)
		assert.Equal(t, history.LobbyID, req.MatchedLobbyID)
		assert.True(t, history.FormedAt.Equal(req.UpdatedAt))
	}
}

func TestPostgresMatchStore_CommitMatchConflictRollsBack(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	requests := NewPostgresRequestStore(pool)
	matches := NewPostgresMatchStore(pool, zap.NewNop())

	searching := insertRequest(t, pool, model.StatusSearching)
	alreadyMatched := insertRequest(t, pool, model.StatusMatched)
	history := newHistory(searching, alreadyMatched)

	err := matches.CommitMatch(ctx, history)
	require.Error(t, err)
	assert.Equal(t, mmerrors.ErrCodeMatchConflict, mmerrors.GetCode(err))

	assert.False(t, historyExists(t, pool, history.MatchID))

	req, err := requests.FindByID(ctx, searching)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSearching, req.Status)
	assert.Empty(t, req.MatchedLobbyID)

	req, err = requests.FindByID(ctx, alreadyMatched)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMatched, req.Status)
	assert.NotEqual(t, history.LobbyID, req.MatchedLobbyID)
}

func TestPostgresRequestStore_SaveRelaxation(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	requests := NewPostgresRequestStore(pool)

	id := insertRequest(t, pool, model.StatusSearching)
	req, err := requests.FindByID(ctx, id)
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req.RelaxationLevel = 2
	req.RelaxationTimestamp = at
	require.NoError(t, requests.SaveRelaxation(ctx, req))

	saved, err := requests.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.RelaxationLevel)
	assert.True(t, at.Equal(saved.RelaxationTimestamp))
	assert.True(t, at.Equal(saved.UpdatedAt))

	missing := &model.MatchRequest{RequestID: "req-" + uuid.NewString(), RelaxationTimestamp: at}
	assert.ErrorIs(t, requests.SaveRelaxation(ctx, missing), ErrNotFound)
}

func TestPostgresRequestStore_MarkExpired(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	requests := NewPostgresRequestStore(pool)

	searching := insertRequest(t, pool, model.StatusSearching)
	matched := insertRequest(t, pool, model.StatusMatched)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	marked, err := requests.MarkExpired(ctx, []string{searching, matched}, at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	req, err := requests.FindByID(ctx, searching)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, req.Status)
	assert.True(t, at.Equal(req.UpdatedAt))

	req, err = requests.FindByID(ctx, matched)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMatched, req.Status)
	assert.False(t, at.Equal(req.UpdatedAt))

	marked, err = requests.MarkExpired(ctx, nil, at)
	require.NoError(t, err)
	assert.Zero(t, marked)
}
