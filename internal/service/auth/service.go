package auth

import (
	"context"
	"strings"
	"time"

	"anonchat-service/internal/config"
	"anonchat-service/internal/model"
	pkgAuth "anonchat-service/pkg/auth"
	appErr "anonchat-service/pkg/errors"
	"anonchat-service/pkg/logger"
	"anonchat-service/pkg/utils/random"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

type LoginResult struct {
	Token    string     `json:"token"`
	ExpireAt time.Time  `json:"expireAt"`
	User     model.User `json:"user"`
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// AnonymousLogin mints a fresh anonymous identity. No credentials: each call
// creates a new user row with a generated display name and returns a token
// bound to it.
func (s *Service) AnonymousLogin(ctx context.Context, language string) (*LoginResult, error) {
	user := model.User{
		DisplayName: "Stranger-" + random.Code(6),
		Language:    strings.ToLower(strings.TrimSpace(language)),
		Status:      "normal",
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}

	token, err := pkgAuth.GenerateToken(user.ID)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("anonymous session created",
		zap.Int64("userID", user.ID),
		zap.String("displayName", user.DisplayName),
	)

	expireAt := time.Now().Add(time.Duration(config.GlobalConfig.JWT.Expire) * time.Hour)
	return &LoginResult{
		Token:    token,
		ExpireAt: expireAt,
		User:     user,
	}, nil
}

// ValidateUser confirms the identity behind a token still maps to a usable
// account. Called before queue operations so banned users cannot search.
func (s *Service) ValidateUser(ctx context.Context, userID int64) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.ErrUserNotFound
		}
		return nil, err
	}
	if strings.EqualFold(user.Status, "banned") {
		return nil, appErr.ErrUserBanned
	}

	now := time.Now()
	s.db.WithContext(ctx).Model(&user).Update("last_seen_at", now)
	return &user, nil
}
