package model

import "time"

// MatchStatus represents the lifecycle status of a formed match
type MatchStatus string

const (
	// MatchStatusFormed indicates the match was committed and awaits start
	MatchStatusFormed MatchStatus = "formed"
	// MatchStatusActive indicates the match has started
	MatchStatusActive MatchStatus = "active"
	// MatchStatusCompleted indicates the match finished
	MatchStatusCompleted MatchStatus = "completed"
	// MatchStatusCancelled indicates the match was abandoned
	MatchStatusCancelled MatchStatus = "cancelled"
)

// MatchParticipant records one user's search metrics at match time
type MatchParticipant struct {
	UserID           string        `json:"userId"`
	RequestID        string        `json:"requestId"`
	PreselectedUsers []string      `json:"preselectedUsers,omitempty"`
	SearchDuration   time.Duration `json:"searchDuration"`
	RelaxationLevel  int           `json:"relaxationLevel"`
}

// MatchQuality is a percentage summary of how well a match fits
type MatchQuality struct {
	SkillBalance          int `json:"skillBalance"`
	RegionCompatibility   int `json:"regionCompatibility"`
	LanguageCompatibility int `json:"languageCompatibility"`
	OverallScore          int `json:"overallScore"`
}

// MatchingMetrics summarises how long participants waited
type MatchingMetrics struct {
	TotalSearchTime      time.Duration `json:"totalSearchTime"`
	MaxSearchTime        time.Duration `json:"maxSearchTime"`
	MinSearchTime        time.Duration `json:"minSearchTime"`
	RelaxationLevelsUsed []int         `json:"relaxationLevelsUsed"`
}

// MatchHistory is the immutable record of a formed match
type MatchHistory struct {
	MatchID         string             `json:"matchId"`
	LobbyID         string             `json:"lobbyId"`
	Participants    []MatchParticipant `json:"participants"`
	GameID          string             `json:"gameId"`
	GameMode        string             `json:"gameMode"`
	Region          string             `json:"region"`
	MatchQuality    MatchQuality       `json:"matchQuality"`
	MatchingMetrics MatchingMetrics    `json:"matchingMetrics"`
	Status          MatchStatus        `json:"status"`
	FormedAt        time.Time          `json:"formedAt"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
}

// RequestIDs returns the request IDs of all participants in order
func (h *MatchHistory) RequestIDs() []string {
	ids := make([]string, 0, len(h.Participants))
	for _, p := range h.Participants {
		ids = append(ids, p.RequestID)
	}
	return ids
}

// MatchResult is returned when a match has been committed
type MatchResult struct {
	History      *MatchHistory
	Participants []*MatchRequest
}
