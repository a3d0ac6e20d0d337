package model

import (
	"fmt"
	"time"
)

// WildcardRegion is used when a request names no region
const WildcardRegion = "any"

// QueueKey identifies a (game, mode, region) queue partition
type QueueKey struct {
	GameID   string
	GameMode string
	Region   string
}

// String renders the key as game:mode:region
func (k QueueKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.GameID, k.GameMode, k.Region)
}

// QueueEntry is the denormalized projection of a queued request
type QueueEntry struct {
	RequestID string
	UserID    string
	GameID    string
	GameMode  string
	Region    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    RequestStatus
}

// Key returns the queue partition of the entry
func (e *QueueEntry) Key() QueueKey {
	return QueueKey{GameID: e.GameID, GameMode: e.GameMode, Region: e.Region}
}

// Expired reports whether the entry's expiry has passed at now
func (e *QueueEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// GameMode identifies a (game, mode) pair spanning all regions
type GameMode struct {
	GameID   string
	GameMode string
}

// QueueCounters holds the monotonic queue counters
type QueueCounters struct {
	TotalRequests  int64
	ActiveRequests int64
	MatchesFormed  int64
	TotalWaitTime  float64 // seconds
}

// QueueStats is the aggregate view returned to operators
type QueueStats struct {
	TotalRequests   int64   `json:"totalRequests"`
	ActiveRequests  int64   `json:"activeRequests"`
	MatchesFormed   int64   `json:"matchesFormed"`
	TotalWaitTime   float64 `json:"totalWaitTime"`
	AverageWaitTime float64 `json:"averageWaitTime"`
	// Queues maps game -> mode -> region -> queue size
	Queues map[string]map[string]map[string]int64 `json:"queues"`
}

// AdmittedEvent notifies the matching cycle that a request entered a queue
type AdmittedEvent struct {
	RequestID  string
	UserID     string
	Key        QueueKey
	AdmittedAt time.Time
}
