package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresProfileStore implements ProfileStore for PostgreSQL
type PostgresProfileStore struct {
	pool *pgxpool.Pool
}

// NewPostgresProfileStore creates a new PostgreSQL profile store
func NewPostgresProfileStore(pool *pgxpool.Pool) *PostgresProfileStore {
	return &PostgresProfileStore{pool: pool}
}

// GetSkillLevels returns the known skill level per user for a game.
// Users without a profile row or a skill value are omitted.
func (s *PostgresProfileStore) GetSkillLevels(ctx context.Context, userIDs []string, gameID string) (map[string]float64, error) {
	levels := make(map[string]float64, len(userIDs))
	if len(userIDs) == 0 {
		return levels, nil
	}

	query := `
		SELECT user_id, skill_level
		FROM game_profiles
		WHERE user_id = ANY($1) AND game_id = $2 AND skill_level IS NOT NULL
	`

	rows, err := s.pool.Query(ctx, query, userIDs, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to get skill levels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var level float64
		if err := rows.Scan(&userID, &level); err != nil {
			return nil, fmt.Errorf("failed to scan skill level: %w", err)
		}
		levels[userID] = level
	}

	return levels, rows.Err()
}
