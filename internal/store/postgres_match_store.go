package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	mmerrors "github.com/devrev/matchmaker/internal/errors"
	"github.com/devrev/matchmaker/internal/model"
)

// PostgresMatchStore implements MatchStore for PostgreSQL
type PostgresMatchStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresMatchStore creates a new PostgreSQL match store
func NewPostgresMatchStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresMatchStore {
	return &PostgresMatchStore{pool: pool, logger: logger}
}

// CommitMatch inserts the history and flips every participant to matched.
// If any participant is no longer searching the transaction is rolled back.
func (s *PostgresMatchStore) CommitMatch(ctx context.Context, history *model.MatchHistory) error {
	participants, err := json.Marshal(history.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	quality, err := json.Marshal(history.MatchQuality)
	if err != nil {
		return fmt.Errorf("failed to marshal match quality: %w", err)
	}
	metrics, err := json.Marshal(history.MatchingMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal matching metrics: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mmerrors.MatchCommitFailed("failed to begin match transaction", err)
	}
	// Rollback after Commit is a no-op
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
		INSERT INTO match_history (
			match_id, lobby_id, game_id, game_mode, region, participants,
			match_quality, matching_metrics, status, formed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = tx.Exec(ctx, insert,
		history.MatchID,
		history.LobbyID,
		history.GameID,
		history.GameMode,
		history.Region,
		participants,
		quality,
		metrics,
		string(history.Status),
		history.FormedAt,
	)
	if err != nil {
		return mmerrors.MatchCommitFailed("failed to insert match history", err)
	}

	requestIDs := history.RequestIDs()
	update := `
		UPDATE match_requests
		SET status = $2, matched_lobby_id = $3, updated_at = $4
		WHERE request_id = ANY($1) AND status = $5
	`
	result, err := tx.Exec(ctx, update,
		requestIDs,
		string(model.StatusMatched),
		history.LobbyID,
		history.FormedAt,
		string(model.StatusSearching),
	)
	if err != nil {
		return mmerrors.MatchCommitFailed("failed to mark requests matched", err)
	}
	if updated := result.RowsAffected(); updated != int64(len(requestIDs)) {
		s.logger.Warn("Match commit conflict, rolling back",
			zap.String("match_id", history.MatchID),
			zap.Int("expected", len(requestIDs)),
			zap.Int64("updated", updated))
		return mmerrors.MatchConflict(int64(len(requestIDs)), updated)
	}

	if err := tx.Commit(ctx); err != nil {
		return mmerrors.MatchCommitFailed("failed to commit match transaction", err)
	}
	return nil
}
