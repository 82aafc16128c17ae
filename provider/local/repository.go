package local

import (
	"context"
	"errors"
	"fmt"

	"github.com/emileswarts/hmppsauth/identity"
	"gorm.io/gorm"
)

// ErrUserExists is returned by Create when the (username, source) pair is taken.
var ErrUserExists = errors.New("user already exists")

// Repository reads and writes rows of the users table for one source.
//
// FindByUsername returns (nil, nil) when no row matches. Update returns
// identity.ErrUserNotFound when no row was touched. Create fills in the
// generated ID.
type Repository interface {
	FindByUsername(ctx context.Context, source identity.AuthSource, username string) (*User, error)
	FindByEmail(ctx context.Context, source identity.AuthSource, email string) ([]User, error)
	Update(ctx context.Context, source identity.AuthSource, username string, fields map[string]any) error
	Create(ctx context.Context, user *User) error
}

// createColumns is every column Create writes. Listing them stops gorm from
// replacing a false bool with the column default.
var createColumns = []string{
	"Username", "Source", "Master", "PasswordHash", "FirstName", "LastName",
	"Email", "EmailVerified", "SecondaryEmail", "SecondaryEmailVerified",
	"Mobile", "MobileVerified", "MFAPreference", "Locked", "Enabled",
	"CredentialsExpired", "LastLoggedIn", "CreatedAt", "UpdatedAt",
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindByUsername(ctx context.Context, source identity.AuthSource, username string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).
		Preload("Authorities").
		Preload("Groups").
		Where("username = ? AND source = ?", username, source.String()).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
	}
	return &user, nil
}

func (r *repository) FindByEmail(ctx context.Context, source identity.AuthSource, email string) ([]User, error) {
	var users []User
	err := r.db.WithContext(ctx).
		Preload("Authorities").
		Preload("Groups").
		Where("lower(email) = ? AND source = ?", email, source.String()).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
	}
	return users, nil
}

func (r *repository) Update(ctx context.Context, source identity.AuthSource, username string, fields map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&User{}).
		Where("username = ? AND source = ?", username, source.String()).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

func (r *repository) Create(ctx context.Context, user *User) error {
	err := r.db.WithContext(ctx).Select(createColumns).Create(user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrUserExists
		}
		return fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
	}
	return nil
}
