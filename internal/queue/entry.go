package queue

import "time"

type Status string

const (
	StatusSearching Status = "searching"
	StatusMatching  Status = "matching"
	StatusMatched   Status = "matched"
	StatusCancelled Status = "cancelled"
)

// transitions is the full set of legal state changes. matched and cancelled
// are terminal; matching may roll back to searching when a commit aborts.
var transitions = map[Status]map[Status]bool{
	StatusSearching: {StatusMatching: true, StatusCancelled: true},
	StatusMatching:  {StatusMatched: true, StatusSearching: true},
}

// CanTransitionTo reports whether moving from s to next is legal. A same-state
// write is always allowed; it is a field refresh (heartbeat), not a transition.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	return transitions[s][next]
}

func (s Status) Terminal() bool {
	return s == StatusMatched || s == StatusCancelled
}

type Preferences struct {
	Interests []string `json:"interests,omitempty"`
	Language  string   `json:"language,omitempty"`
}

// Entry is the per-user queue record. At most one live entry exists per user;
// re-joining removes the previous entry first.
type Entry struct {
	UserID      int64       `json:"userId"`
	Status      Status      `json:"status"`
	Preferences Preferences `json:"preferences"`
	IP          string      `json:"ip,omitempty"`
	MatchedWith int64       `json:"matchedWith,omitempty"`
	RoomID      string      `json:"roomId,omitempty"`
	// LockedAt is diagnostic only: it marks when a pairing attempt last held
	// this user's lock. Mutual exclusion comes from the LockManager alone.
	LockedAt      *time.Time `json:"lockedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
}

func NewEntry(userID int64, prefs Preferences, ip string, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		UserID:        userID,
		Status:        StatusSearching,
		Preferences:   prefs,
		IP:            ip,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastHeartbeat: now,
	}
}

func (e *Entry) HeartbeatStale(timeout time.Duration) bool {
	return time.Since(e.LastHeartbeat) > timeout
}
