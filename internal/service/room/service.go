package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"anonchat-service/internal/model"
	appErr "anonchat-service/pkg/errors"
	"anonchat-service/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// pairWindow bounds the idempotency lookup: a retried pairing attempt
	// for the same two users reuses the room created within this window.
	pairWindow = 30 * time.Second

	defaultMessagePageSize = 50
	maxMessagePageSize     = 200
)

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func pairKey(userA, userB int64) string {
	lo, hi := userA, userB
	if lo > hi {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("%d:%d", lo, hi)
}

// CreateOrFindRoom returns an open two-person room for the pair, reusing one
// created within the idempotency window so a retried commit does not produce
// duplicate rooms.
func (s *Service) CreateOrFindRoom(ctx context.Context, userA, userB int64) (string, error) {
	key := pairKey(userA, userB)
	var roomID string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Room
		err := tx.Where("pair_key = ? AND status = ? AND created_at > ?",
			key, "open", time.Now().Add(-pairWindow)).
			Order("created_at DESC").
			First(&existing).Error
		if err == nil {
			roomID = existing.ID
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}

		room := model.Room{
			ID:      uuid.NewString(),
			Status:  "open",
			PairKey: key,
		}
		if err := tx.Create(&room).Error; err != nil {
			return err
		}

		now := time.Now()
		members := []model.RoomMember{
			{RoomID: room.ID, UserID: userA, JoinedAt: now},
			{RoomID: room.ID, UserID: userB, JoinedAt: now},
		}
		if err := tx.Create(&members).Error; err != nil {
			return err
		}

		roomID = room.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.Log.Info("room ready",
		zap.String("roomID", roomID),
		zap.Int64("userA", userA),
		zap.Int64("userB", userB),
	)
	return roomID, nil
}

// RemoveMember marks the user as having left. When the last member leaves,
// the room is closed. Leaving never re-enters the matchmaking queue.
func (s *Service) RemoveMember(ctx context.Context, roomID string, userID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room model.Room
		if err := tx.First(&room, "id = ?", roomID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return appErr.ErrRoomNotFound
			}
			return err
		}

		var member model.RoomMember
		err := tx.Where("room_id = ? AND user_id = ? AND left_at IS NULL", roomID, userID).
			First(&member).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return appErr.ErrNotRoomMember
			}
			return err
		}

		now := time.Now()
		if err := tx.Model(&member).Update("left_at", now).Error; err != nil {
			return err
		}

		var remaining int64
		if err := tx.Model(&model.RoomMember{}).
			Where("room_id = ? AND left_at IS NULL", roomID).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			if err := tx.Model(&room).Updates(map[string]interface{}{
				"status":    "closed",
				"closed_at": now,
			}).Error; err != nil {
				return err
			}
		}

		logger.Log.Info("member left room",
			zap.String("roomID", roomID),
			zap.Int64("userID", userID),
			zap.Int64("remaining", remaining),
		)
		return nil
	})
}

// PostMessage appends a chat message. Only an active member of an open room
// may post.
func (s *Service) PostMessage(ctx context.Context, roomID string, userID int64, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty message")
	}

	if err := s.requireActiveMember(ctx, roomID, userID); err != nil {
		return nil, err
	}

	msg := model.Message{
		RoomID:  roomID,
		UserID:  userID,
		Content: content,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns the most recent messages, oldest first. Members who
// already left may still read the history of their room.
func (s *Service) ListMessages(ctx context.Context, roomID string, userID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}

	var member model.RoomMember
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&member).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.ErrNotRoomMember
		}
		return nil, err
	}

	var messages []model.Message
	err = s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Service) requireActiveMember(ctx context.Context, roomID string, userID int64) error {
	var room model.Room
	if err := s.db.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.ErrRoomNotFound
		}
		return err
	}
	if room.Status != "open" {
		return appErr.ErrRoomClosed
	}

	var member model.RoomMember
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND left_at IS NULL", roomID, userID).
		First(&member).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.ErrNotRoomMember
		}
		return err
	}
	return nil
}
