package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists identities using GORM. It is the authoritative
// source of truth the cache layer falls back to.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

type identityRecord struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Nickname    string `gorm:"column:nickname;uniqueIndex;not null"`
	DisplayName string `gorm:"column:display_name;not null;default:''"`
	SecretHash  string `gorm:"column:secret_hash;not null"`
}

func (identityRecord) TableName() string {
	return "identities"
}

func (record identityRecord) toUser() User {
	return User{
		ID:          record.ID,
		Nickname:    record.Nickname,
		DisplayName: record.DisplayName,
		SecretHash:  record.SecretHash,
	}
}

// NewDatabaseUserStore constructs a GORM-backed store for a postgres:// or
// sqlite:// URL and migrates the identities table.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&identityRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// CreateUser inserts a new identity row.
func (store *DatabaseUserStore) CreateUser(ctx context.Context, nickname string, displayName string, secretHash string) (User, error) {
	record := identityRecord{
		Nickname:    nickname,
		DisplayName: displayName,
		SecretHash:  secretHash,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrNicknameTaken)
		}
		return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// UserByID loads an identity by primary key.
func (store *DatabaseUserStore) UserByID(ctx context.Context, id int64) (User, error) {
	var record identityRecord
	err := store.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.by_id.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.by_id.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// UserByNickname loads an identity by its unique nickname.
func (store *DatabaseUserStore) UserByNickname(ctx context.Context, nickname string) (User, error) {
	var record identityRecord
	err := store.db.WithContext(ctx).Where("nickname = ?", nickname).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.by_nickname.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.by_nickname.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// ListUsers returns all identities ordered by id.
func (store *DatabaseUserStore) ListUsers(ctx context.Context) ([]User, error) {
	var records []identityRecord
	if err := store.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("user_store.list.%s: %w", store.driverLabel, err)
	}
	users := make([]User, 0, len(records))
	for _, record := range records {
		users = append(users, record.toUser())
	}
	return users, nil
}

// UpdateDisplayName mutates the display name of an existing identity.
func (store *DatabaseUserStore) UpdateDisplayName(ctx context.Context, id int64, displayName string) (User, error) {
	result := store.db.WithContext(ctx).Model(&identityRecord{}).
		Where("id = ?", id).
		Update("display_name", displayName)
	if result.Error != nil {
		return User{}, fmt.Errorf("user_store.update.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return User{}, fmt.Errorf("user_store.update.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return store.UserByID(ctx, id)
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
