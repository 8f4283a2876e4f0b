package user

import (
	"context"
	"strings"

	"anonchat-service/internal/model"
	appErr "anonchat-service/pkg/errors"

	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

type UpdateProfileRequest struct {
	DisplayName *string
	Language    *string
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) GetProfile(ctx context.Context, userID int64) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Service) UpdateProfile(ctx context.Context, userID int64, req UpdateProfileRequest) (*model.User, error) {
	updates := map[string]interface{}{}
	if req.DisplayName != nil && strings.TrimSpace(*req.DisplayName) != "" {
		updates["display_name"] = strings.TrimSpace(*req.DisplayName)
	}
	if req.Language != nil {
		updates["language"] = strings.ToLower(strings.TrimSpace(*req.Language))
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			return nil, err
		}
	}

	return s.GetProfile(ctx, userID)
}
