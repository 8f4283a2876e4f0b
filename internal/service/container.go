package service

import (
	"context"

	"anonchat-service/internal/notify"
	"anonchat-service/internal/service/admin"
	"anonchat-service/internal/service/auth"
	"anonchat-service/internal/service/match"
	"anonchat-service/internal/service/room"
	"anonchat-service/internal/service/user"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	Auth   *auth.Service
	User   *user.Service
	Admin  *admin.Service
	Match  *match.Service
	Room   *room.Service
	Notify *notify.Publisher
}

func NewContainer(db *gorm.DB, rdb *redis.Client) *Container {
	publisher := notify.NewPublisher(rdb)
	roomSvc := room.NewService(db)

	return &Container{
		Auth:   auth.NewService(db),
		User:   user.NewService(db),
		Admin:  admin.NewService(db),
		Room:   roomSvc,
		Notify: publisher,
		Match:  match.NewService(rdb, roomSvc, matchNotifier{publisher}),
	}
}

func (c *Container) Start(ctx context.Context) error {
	if err := c.Admin.EnsureDefaultAdmin(ctx); err != nil {
		return err
	}
	return c.Match.Start(ctx)
}

// matchNotifier bridges the match service onto the pub/sub publisher.
type matchNotifier struct {
	pub *notify.Publisher
}

func (n matchNotifier) MatchFound(ctx context.Context, userID int64, m match.MatchNotification) error {
	return n.pub.Publish(ctx, userID, notify.EventMatchFound, m)
}
