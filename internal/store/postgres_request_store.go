package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devrev/matchmaker/internal/model"
)

const requestColumns = `
	request_id, user_id, criteria, status, search_start_time, match_expire_time,
	relaxation_level, relaxation_timestamp, match_attempts, last_processed_at,
	matched_lobby_id, preselected_users, created_at, updated_at`

// PostgresRequestStore implements RequestStore for PostgreSQL
type PostgresRequestStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRequestStore creates a new PostgreSQL request store
func NewPostgresRequestStore(pool *pgxpool.Pool) *PostgresRequestStore {
	return &PostgresRequestStore{pool: pool}
}

// FindSearching returns the searching requests among ids
func (s *PostgresRequestStore) FindSearching(ctx context.Context, ids []string) ([]*model.MatchRequest, error) {
	if len(ids) == 0 {
		return []*model.MatchRequest{}, nil
	}

	query := `SELECT ` + requestColumns + `
		FROM match_requests
		WHERE request_id = ANY($1) AND status = $2`

	rows, err := s.pool.Query(ctx, query, ids, string(model.StatusSearching))
	if err != nil {
		return nil, fmt.Errorf("failed to find requests: %w", err)
	}
	defer rows.Close()

	requests := make([]*model.MatchRequest, 0, len(ids))
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}

	return requests, rows.Err()
}

// FindByID returns a request or ErrNotFound
func (s *PostgresRequestStore) FindByID(ctx context.Context, requestID string) (*model.MatchRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM match_requests WHERE request_id = $1`

	req, err := scanRequest(s.pool.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

// SaveRelaxation persists the relaxation fields of a request. updated_at
// takes the relaxation timestamp.
func (s *PostgresRequestStore) SaveRelaxation(ctx context.Context, req *model.MatchRequest) error {
	query := `
		UPDATE match_requests
		SET relaxation_level = $2, relaxation_timestamp = $3, updated_at = $4
		WHERE request_id = $1
	`

	result, err := s.pool.Exec(ctx, query, req.RequestID, req.RelaxationLevel, req.RelaxationTimestamp, req.RelaxationTimestamp)
	if err != nil {
		return fmt.Errorf("failed to save relaxation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkExpired moves still-searching requests to expired as of at
func (s *PostgresRequestStore) MarkExpired(ctx context.Context, requestIDs []string, at time.Time) (int64, error) {
	if len(requestIDs) == 0 {
		return 0, nil
	}

	query := `
		UPDATE match_requests
		SET status = $2, updated_at = $3
		WHERE request_id = ANY($1) AND status = $4
	`

	result, err := s.pool.Exec(ctx, query, requestIDs, string(model.StatusExpired), at, string(model.StatusSearching))
	if err != nil {
		return 0, fmt.Errorf("failed to mark requests expired: %w", err)
	}
	return result.RowsAffected(), nil
}

// Ping checks the database connection
func (s *PostgresRequestStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanRequest(row pgx.Row) (*model.MatchRequest, error) {
	var (
		req                 model.MatchRequest
		status              string
		criteria            []byte
		relaxationTimestamp *time.Time
		lastProcessedAt     *time.Time
		matchedLobbyID      *string
	)

	err := row.Scan(
		&req.RequestID,
		&req.UserID,
		&criteria,
		&status,
		&req.SearchStartTime,
		&req.MatchExpireTime,
		&req.RelaxationLevel,
		&relaxationTimestamp,
		&req.MatchAttempts,
		&lastProcessedAt,
		&matchedLobbyID,
		&req.PreselectedUsers,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan request: %w", err)
	}

	if err := json.Unmarshal(criteria, &req.Criteria); err != nil {
		return nil, fmt.Errorf("failed to decode criteria for request %s: %w", req.RequestID, err)
	}

	req.Status = model.RequestStatus(status)
	if relaxationTimestamp != nil {
		req.RelaxationTimestamp = *relaxationTimestamp
	}
	if lastProcessedAt != nil {
		req.LastProcessedAt = *lastProcessedAt
	}
	if matchedLobbyID != nil {
		req.MatchedLobbyID = *matchedLobbyID
	}

	return &req, nil
}
