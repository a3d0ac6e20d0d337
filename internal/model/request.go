package model

import (
	"time"
)

// RequestStatus represents the lifecycle status of a match request
type RequestStatus string

const (
	// StatusSearching indicates the request is waiting for a match
	StatusSearching RequestStatus = "searching"
	// StatusMatched indicates the request was placed into a match
	StatusMatched RequestStatus = "matched"
	// StatusExpired indicates the request passed its expiry time unmatched
	StatusExpired RequestStatus = "expired"
	// StatusCancelled indicates the owning user cancelled the search
	StatusCancelled RequestStatus = "cancelled"
)

// Preference controls how strictly a criterion is applied
type Preference string

const (
	// PreferenceStrict rejects candidates without overlap
	PreferenceStrict Preference = "strict"
	// PreferencePreferred gives partial credit when there is no overlap
	PreferencePreferred Preference = "preferred"
	// PreferenceAny accepts any candidate
	PreferenceAny Preference = "any"
)

// GameCriterion is one weighted game a user is willing to play
type GameCriterion struct {
	GameID string  `json:"gameId"`
	Weight float64 `json:"weight"`
}

// GroupSize bounds the number of players in a formed group
type GroupSize struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Criteria represents what a user is searching for
type Criteria struct {
	Games              []GameCriterion `json:"games"`
	GameMode           string          `json:"gameMode"`
	GroupSize          GroupSize       `json:"groupSize"`
	RegionPreference   Preference      `json:"regionPreference"`
	Regions            []string        `json:"regions"`
	LanguagePreference Preference      `json:"languagePreference"`
	Languages          []string        `json:"languages"`
	SkillPreference    string          `json:"skillPreference,omitempty"`
}

// PrimaryGame returns the highest-weight game; the first entry wins ties
func (c Criteria) PrimaryGame() string {
	primary := ""
	best := 0.0
	for _, g := range c.Games {
		if g.GameID == "" {
			continue
		}
		if primary == "" || g.Weight > best {
			primary = g.GameID
			best = g.Weight
		}
	}
	return primary
}

// HasGame reports whether gameID is among the criteria games
func (c Criteria) HasGame(gameID string) bool {
	for _, g := range c.Games {
		if g.GameID == gameID {
			return true
		}
	}
	return false
}

// PrimaryRegion returns the first preferred region or the wildcard
func (c Criteria) PrimaryRegion() string {
	for _, r := range c.Regions {
		if r != "" {
			return r
		}
	}
	return WildcardRegion
}

// GameProfile carries a user's per-game profile data used for scoring
type GameProfile struct {
	GameID     string   `json:"gameId"`
	SkillLevel *float64 `json:"skillLevel,omitempty"`
}

// MatchRequest represents a user's active search for a match
type MatchRequest struct {
	RequestID           string        `json:"requestId"`
	UserID              string        `json:"userId"`
	Criteria            Criteria      `json:"criteria"`
	Status              RequestStatus `json:"status"`
	SearchStartTime     time.Time     `json:"searchStartTime"`
	MatchExpireTime     time.Time     `json:"matchExpireTime"`
	RelaxationLevel     int           `json:"relaxationLevel"`
	RelaxationTimestamp time.Time     `json:"relaxationTimestamp"`
	MatchAttempts       int           `json:"matchAttempts"`
	LastProcessedAt     time.Time     `json:"lastProcessedAt"`
	MatchedLobbyID      string        `json:"matchedLobbyId,omitempty"`
	PreselectedUsers    []string      `json:"preselectedUsers,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`

	// QueueRegion is the region queue the request was read from
	QueueRegion string `json:"queueRegion,omitempty"`
	// GameProfiles is keyed by game ID and filled in by enrichment
	GameProfiles map[string]GameProfile `json:"-"`
}

// SkillFor returns the user's skill level for a game if it is known
func (r *MatchRequest) SkillFor(gameID string) (float64, bool) {
	if r == nil || r.GameProfiles == nil {
		return 0, false
	}
	profile, ok := r.GameProfiles[gameID]
	if !ok || profile.SkillLevel == nil {
		return 0, false
	}
	return *profile.SkillLevel, true
}

// PartySize counts the requesting user plus any pre-grouped participants
func (r *MatchRequest) PartySize() int {
	return 1 + len(r.PreselectedUsers)
}

// SearchDuration returns how long the request has been searching at now
func (r *MatchRequest) SearchDuration(now time.Time) time.Duration {
	if r.SearchStartTime.IsZero() || now.Before(r.SearchStartTime) {
		return 0
	}
	return now.Sub(r.SearchStartTime)
}
