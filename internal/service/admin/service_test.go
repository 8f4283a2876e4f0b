package admin

import (
	"context"
	"errors"
	"testing"

	"anonchat-service/internal/config"
	"anonchat-service/internal/model"
	pkgAuth "anonchat-service/pkg/auth"
	appErr "anonchat-service/pkg/errors"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	config.GlobalConfig = &config.Config{
		JWT: config.JWTConfig{Secret: "test-secret", Expire: 24},
		Admin: config.AdminSeedConfig{
			DefaultUsername: "admin",
			DefaultPassword: "ChangeMe@123",
		},
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&model.Admin{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedAdmin(t *testing.T, db *gorm.DB, username, password, status string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	admin := model.Admin{
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  username,
		Status:       status,
	}
	if err := db.Create(&admin).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestAdminLogin(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	svc := NewService(db)
	seedAdmin(t, db, "ops", "secret123", "active")

	result, err := svc.Login(ctx, "ops", "secret123")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if result.Token == "" {
		t.Fatal("expected a token")
	}
	if result.Admin.Username != "ops" {
		t.Fatalf("unexpected admin info: %+v", result.Admin)
	}

	claims, err := pkgAuth.ParseAdminToken(result.Token)
	if err != nil {
		t.Fatalf("admin token does not parse: %v", err)
	}
	if claims.SubjectID != result.Admin.ID {
		t.Fatalf("token bound to %d, admin is %d", claims.SubjectID, result.Admin.ID)
	}

	// Admin tokens must not pass user-scope validation.
	if _, err := pkgAuth.ParseUserToken(result.Token); err == nil {
		t.Fatal("admin token accepted as a user token")
	}

	var fetched model.Admin
	if err := db.Where("username = ?", "ops").First(&fetched).Error; err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if fetched.LastLoginAt == nil {
		t.Fatal("login must stamp last_login_at")
	}
}

func TestAdminLoginFailures(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	svc := NewService(db)
	seedAdmin(t, db, "ops", "secret123", "active")
	seedAdmin(t, db, "retired", "secret123", "disabled")

	if _, err := svc.Login(ctx, "ops", "wrong"); !errors.Is(err, appErr.ErrInvalidAdminPassword) {
		t.Fatalf("expected ErrInvalidAdminPassword, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret123"); !errors.Is(err, appErr.ErrAdminNotFound) {
		t.Fatalf("expected ErrAdminNotFound, got %v", err)
	}
	if _, err := svc.Login(ctx, "retired", "secret123"); !errors.Is(err, appErr.ErrAdminDisabled) {
		t.Fatalf("expected ErrAdminDisabled, got %v", err)
	}
	if _, err := svc.Login(ctx, "", ""); !errors.Is(err, appErr.ErrInvalidAdminPassword) {
		t.Fatalf("expected ErrInvalidAdminPassword for empty credentials, got %v", err)
	}
}

func TestEnsureDefaultAdmin(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	svc := NewService(db)

	if err := svc.EnsureDefaultAdmin(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	// Second run must not duplicate the account.
	if err := svc.EnsureDefaultAdmin(ctx); err != nil {
		t.Fatalf("repeated bootstrap failed: %v", err)
	}

	var count int64
	if err := db.Model(&model.Admin{}).Where("username = ?", "admin").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one seeded admin, got %d", count)
	}

	if _, err := svc.Login(ctx, "admin", "ChangeMe@123"); err != nil {
		t.Fatalf("seeded admin cannot log in: %v", err)
	}
}
