package match

import (
	"time"

	"anonchat-service/internal/queue"
)

type JoinRequest struct {
	UserID    int64
	Interests []string
	Language  string
	IP        string
}

type JoinResult struct {
	Matched   bool   `json:"matched"`
	Searching bool   `json:"searching"`
	RoomID    string `json:"roomId,omitempty"`
	PartnerID int64  `json:"partnerId,omitempty"`
}

type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

type HeartbeatResult struct {
	Found  bool         `json:"found"`
	Status queue.Status `json:"status,omitempty"`
}

type StatusResult struct {
	Status        queue.Status `json:"status"`
	MatchedWith   int64        `json:"matchedWith,omitempty"`
	RoomID        string       `json:"roomId,omitempty"`
	JoinedAt      time.Time    `json:"joinedAt"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
}

type StatsResult struct {
	CountsByStatus map[queue.Status]int64 `json:"countsByStatus"`
	QueueDepth     int64                  `json:"queueDepth"`
	AvgWaitSeconds float64                `json:"avgWaitSeconds"`
}

// MatchNotification is the payload pushed to both sides of a committed pair.
type MatchNotification struct {
	RoomID    string `json:"roomId"`
	PartnerID int64  `json:"partnerId"`
}
