package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gmpsuite/gmpauth"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type userModel struct {
	UserID            string    `gorm:"column:user_id;primaryKey;size:64"`
	Username          string    `gorm:"column:username;size:128;uniqueIndex"`
	DisplayName       string    `gorm:"column:display_name;size:256"`
	Site              string    `gorm:"column:site;size:64;index"`
	PasswordHash      string    `gorm:"column:password_hash"`
	Roles             []string  `gorm:"column:roles;type:text;serializer:json"`
	Status            uint8     `gorm:"column:status"`
	AccountVersion    uint32    `gorm:"column:account_version"`
	PasswordChangedAt time.Time `gorm:"column:password_changed_at"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

func (userModel) TableName() string { return "auth_users" }

// NewUser is the input to Users.Create. PasswordHash must already be an
// argon2id PHC string.
type NewUser struct {
	Username     string
	DisplayName  string
	Site         string
	PasswordHash string
	Roles        []string
}

// UserSummary is the non-sensitive view served to other services.
type UserSummary struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Site        string   `json:"site"`
	Roles       []string `json:"roles"`
	Status      string   `json:"status"`
}

// Users is the user directory. It satisfies gmpauth.UserProvider.
type Users struct {
	db *gorm.DB
}

func NewUsers(db *gorm.DB) *Users {
	return &Users{db: db}
}

var _ gmpauth.UserProvider = (*Users)(nil)

func (r *Users) Create(ctx context.Context, in NewUser) (gmpauth.UserRecord, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return gmpauth.UserRecord{}, errors.New("store: username required")
	}
	now := time.Now().UTC()
	rec := userModel{
		UserID:            uuid.NewString(),
		Username:          username,
		DisplayName:       in.DisplayName,
		Site:              in.Site,
		PasswordHash:      in.PasswordHash,
		Roles:             append([]string(nil), in.Roles...),
		Status:            uint8(gmpauth.AccountActive),
		AccountVersion:    1,
		PasswordChangedAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if rec.DisplayName == "" {
		rec.DisplayName = username
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return gmpauth.UserRecord{}, ErrUserExists
		}
		return gmpauth.UserRecord{}, err
	}
	return toUserRecord(rec), nil
}

// EnsureUser creates the user unless the username already exists. It
// reports whether a row was created.
func (r *Users) EnsureUser(ctx context.Context, in NewUser) (bool, error) {
	_, err := r.GetUserByUsername(ctx, in.Username)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, gmpauth.ErrUserNotFound):
		return false, err
	}
	if _, err := r.Create(ctx, in); err != nil {
		if errors.Is(err, ErrUserExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Users) GetUserByUsername(ctx context.Context, username string) (gmpauth.UserRecord, error) {
	rec, err := r.take(ctx, "username = ?", username)
	if err != nil {
		return gmpauth.UserRecord{}, err
	}
	return toUserRecord(rec), nil
}

func (r *Users) GetUserByID(ctx context.Context, userID string) (gmpauth.UserRecord, error) {
	rec, err := r.take(ctx, "user_id = ?", userID)
	if err != nil {
		return gmpauth.UserRecord{}, err
	}
	return toUserRecord(rec), nil
}

func (r *Users) Summary(ctx context.Context, userID string) (UserSummary, error) {
	rec, err := r.take(ctx, "user_id = ?", userID)
	if err != nil {
		return UserSummary{}, err
	}
	return UserSummary{
		UserID:      rec.UserID,
		Username:    rec.Username,
		DisplayName: rec.DisplayName,
		Site:        rec.Site,
		Roles:       rec.Roles,
		Status:      gmpauth.AccountStatus(rec.Status).String(),
	}, nil
}

func (r *Users) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	return r.update(ctx, userID, map[string]any{
		"password_hash": hash,
		"updated_at":    time.Now().UTC(),
	})
}

func (r *Users) ReplacePassword(ctx context.Context, userID, hash string) error {
	now := time.Now().UTC()
	return r.update(ctx, userID, map[string]any{
		"password_hash":       hash,
		"password_changed_at": now,
		"account_version":     gorm.Expr("account_version + 1"),
		"updated_at":          now,
	})
}

func (r *Users) UpdateAccountStatus(ctx context.Context, userID string, status gmpauth.AccountStatus) error {
	return r.update(ctx, userID, map[string]any{
		"status":          uint8(status),
		"account_version": gorm.Expr("account_version + 1"),
		"updated_at":      time.Now().UTC(),
	})
}

func (r *Users) take(ctx context.Context, query string, arg string) (userModel, error) {
	var rec userModel
	if err := r.db.WithContext(ctx).Where(query, arg).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return userModel{}, gmpauth.ErrUserNotFound
		}
		return userModel{}, fmt.Errorf("store: load user: %w", err)
	}
	return rec, nil
}

func (r *Users) update(ctx context.Context, userID string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&userModel{}).Where("user_id = ?", userID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("store: update user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gmpauth.ErrUserNotFound
	}
	return nil
}

func toUserRecord(rec userModel) gmpauth.UserRecord {
	return gmpauth.UserRecord{
		UserID:            rec.UserID,
		Username:          rec.Username,
		Site:              rec.Site,
		PasswordHash:      rec.PasswordHash,
		Roles:             append([]string(nil), rec.Roles...),
		Status:            gmpauth.AccountStatus(rec.Status),
		AccountVersion:    rec.AccountVersion,
		PasswordChangedAt: rec.PasswordChangedAt,
	}
}
