////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package store is the client's local materialized view: a per-user SQLite
// database holding the rows the synchronizers have fetched or received over
// the change feed. Every table keys rows by their remote ID through a unique
// index, so applying the same row twice, in any order, converges on a single
// local copy.
package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// databaseSuffix is appended to every local database file name. One
	// database exists per signed-in user.
	databaseSuffix = "_tern"

	// currentVersion is the schema version this build writes and expects.
	currentVersion = 1
)

// Error messages.
const (
	openDbErr       = "failed to open local database %s"
	dbHandleErr     = "failed to get database handle"
	closeDbErr      = "failed to close local database"
	migrateErr      = "failed to migrate local database schema"
	versionReadErr  = "failed to read local schema version"
	versionWriteErr = "failed to write local schema version"
	downgradeErr    = "local database is at schema version %d, newer than " +
		"this build's %d"
	purgeErr = "failed to delete local database %s"
)

// Store is one user's local database.
type Store struct {
	db   *gorm.DB
	path string

	// mux serializes read-modify-write sequences, such as the friendship
	// state-machine check inside an upsert.
	mux sync.Mutex
}

// DatabasePath returns the file a user's local database lives at under dir.
func DatabasePath(dir, userID string) string {
	return filepath.Join(dir, userID+databaseSuffix+".sqlite")
}

// Open opens the local database for the given user, creating and migrating
// it as needed.
func Open(dir, userID string) (*Store, error) {
	path := DatabasePath(dir, userID)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: jwwLogger{}})
	if err != nil {
		return nil, errors.Wrapf(err, openDbErr, path)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, dbHandleErr)
	}
	// SQLite allows a single writer; funnel everything through one
	// connection.
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err = s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database file. The Store must not be used afterwards.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, dbHandleErr)
	}
	return errors.Wrap(sqlDB.Close(), closeDbErr)
}

// Purge closes the database and deletes it from disk. This is the
// sign-out-and-forget path; a later Open starts from an empty view.
func (s *Store) Purge() error {
	if err := s.Close(); err != nil {
		return err
	}

	// The write-ahead log and shared-memory files may or may not exist.
	_ = os.Remove(s.path + "-wal")
	_ = os.Remove(s.path + "-shm")

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, purgeErr, s.path)
	}

	jww.INFO.Printf("[STORE] Purged local database %s", s.path)
	return nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(&Profile{}, &Friendship{}, &Message{},
		&Notification{}, &schemaVersion{})
	if err != nil {
		return errors.Wrap(err, migrateErr)
	}

	var v schemaVersion
	err = s.db.First(&v).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		v = schemaVersion{ID: 1, Version: currentVersion}
		if err = s.db.Create(&v).Error; err != nil {
			return errors.Wrap(err, versionWriteErr)
		}
		jww.INFO.Printf("[STORE] Initialized local database at schema "+
			"version %d: %s", currentVersion, s.path)
		return nil
	case err != nil:
		return errors.Wrap(err, versionReadErr)
	}

	switch {
	case v.Version == currentVersion:
		jww.INFO.Printf("[STORE] Opened local database at schema "+
			"version %d: %s", v.Version, s.path)
	case v.Version > currentVersion:
		return errors.Errorf(downgradeErr, v.Version, currentVersion)
	default:
		// AutoMigrate above already reshaped the tables; record the jump.
		jww.WARN.Printf("[STORE] Upgraded local database schema from "+
			"version %d to %d.", v.Version, currentVersion)
		v.Version = currentVersion
		if err = s.db.Save(&v).Error; err != nil {
			return errors.Wrap(err, versionWriteErr)
		}
	}
	return nil
}

// jwwLogger forwards gorm's logging to the jww log levels the rest of the
// SDK uses.
type jwwLogger struct{}

func (jwwLogger) LogMode(logger.LogLevel) logger.Interface { return jwwLogger{} }

func (jwwLogger) Info(_ context.Context, format string, args ...any) {
	jww.INFO.Printf("[STORE] "+format, args...)
}

func (jwwLogger) Warn(_ context.Context, format string, args ...any) {
	jww.WARN.Printf("[STORE] "+format, args...)
}

func (jwwLogger) Error(_ context.Context, format string, args ...any) {
	jww.ERROR.Printf("[STORE] "+format, args...)
}

func (jwwLogger) Trace(_ context.Context, begin time.Time,
	fc func() (string, int64), err error) {
	sql, rows := fc()
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		jww.WARN.Printf("[STORE] %s [%s, %d rows]: %+v",
			sql, time.Since(begin), rows, err)
		return
	}
	jww.TRACE.Printf("[STORE] %s [%s, %d rows]", sql, time.Since(begin), rows)
}
