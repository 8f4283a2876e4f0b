package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventMatchFound = "match_found"
	EventRoomClosed = "room_closed"
)

type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher pushes per-user events over Redis pub/sub. Delivery is fire and
// forget: a user with no open notification socket simply misses the event and
// learns the outcome from their next status poll.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func ChannelFor(userID int64) string {
	return fmt.Sprintf("notify:user:%d", userID)
}

func (p *Publisher) Publish(ctx context.Context, userID int64, eventType string, payload interface{}) error {
	data, err := json.Marshal(Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, ChannelFor(userID), data).Err()
}

// Subscribe opens a pub/sub subscription for one user's channel. The caller
// owns the returned subscription and must Close it.
func (p *Publisher) Subscribe(ctx context.Context, userID int64) *redis.PubSub {
	return p.rdb.Subscribe(ctx, ChannelFor(userID))
}
