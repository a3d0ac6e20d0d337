package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/matchmaker/internal/model"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("not found")

// RequestStore is the durable store of match requests
type RequestStore interface {
	// FindSearching returns the requests among ids whose status is searching.
	// Order is unspecified and missing ids are omitted.
	FindSearching(ctx context.Context, ids []string) ([]*model.MatchRequest, error)
	FindByID(ctx context.Context, requestID string) (*model.MatchRequest, error)
	// SaveRelaxation persists the relaxation level and timestamp of a request
	SaveRelaxation(ctx context.Context, req *model.MatchRequest) error
	// MarkExpired moves still-searching requests to expired, stamping at
	MarkExpired(ctx context.Context, requestIDs []string, at time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// MatchStore persists formed matches
type MatchStore interface {
	// CommitMatch inserts the history and marks every participant request
	// matched in one transaction. Nothing is written unless every request
	// was still searching.
	CommitMatch(ctx context.Context, history *model.MatchHistory) error
}

// ProfileStore reads per-game user profile data
type ProfileStore interface {
	// GetSkillLevels returns known skill levels keyed by user ID
	GetSkillLevels(ctx context.Context, userIDs []string, gameID string) (map[string]float64, error)
}

// AdmitResult is the outcome of an atomic admission
type AdmitResult struct {
	Admitted bool
	// FirstAdmission is true when the user lock was newly created
	FirstAdmission bool
	// ExistingRequestID is set when another request holds the user lock
	ExistingRequestID string
}

// RemoveResult is the outcome of an atomic removal
type RemoveResult struct {
	// Found is true when a hash entry existed for the request
	Found bool
	// Removed is true when a queue member was deleted
	Removed           bool
	QueueDeregistered bool
}

// QueueStore is the shared queue projection
type QueueStore interface {
	Admit(ctx context.Context, entry *model.QueueEntry, enqueuedAt int64) (*AdmitResult, error)
	Remove(ctx context.Context, userID, requestID string) (*RemoveResult, error)
	// RemoveStale drops a queue member that has no hash entry
	RemoveStale(ctx context.Context, key model.QueueKey, requestID string) (bool, error)

	QueueMembers(ctx context.Context, key model.QueueKey) ([]string, error)
	QueueMembersMany(ctx context.Context, keys []model.QueueKey) (map[model.QueueKey][]string, error)
	QueueKeys(ctx context.Context) ([]model.QueueKey, error)
	QueueSizes(ctx context.Context, keys []model.QueueKey) (map[model.QueueKey]int64, error)

	GetEntry(ctx context.Context, requestID string) (*model.QueueEntry, error)
	GetEntries(ctx context.Context, requestIDs []string) (map[string]*model.QueueEntry, error)
	GetUserLock(ctx context.Context, userID string) (string, error)

	IncrementStats(ctx context.Context, matchesFormed int64, waitSeconds float64) error
	Counters(ctx context.Context) (*model.QueueCounters, error)

	// Clear deletes every key of the projection and resets the counters
	Clear(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
