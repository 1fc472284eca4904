// Package store persists conversations and their messages.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
)

// Store is the gorm-backed conversation store
type Store struct {
	db *gorm.DB
}

// Now is the store clock: UTC with millisecond precision, so cursors round-trip exactly
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Open connects to the database and migrates the schema
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, apperrors.New(apperrors.ErrCodeValidation, fmt.Sprintf("unsupported database driver %q", driver), nil)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NowFunc:                Now,
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodePersistenceFailed, "failed to open database", err)
	}

	if driver == "sqlite" {
		// sqlite allows one writer at a time
		sqlDB, err := db.DB()
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodePersistenceFailed, "failed to access database handle", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return New(db)
}

// New wraps an open connection and migrates the schema
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodePersistenceFailed, "failed to migrate schema", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
