// Package migrator applies one-off ledger migrations exactly once per
// database and records each applied migration under its own key.
package migrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/AvaProtocol/safe4337/core/backup"
	"github.com/AvaProtocol/safe4337/pkg/logger"
	"github.com/AvaProtocol/safe4337/storage"
	"github.com/AvaProtocol/safe4337/storage/schema"
)

// MigrationFunc performs one migration and returns the number of records it
// touched.
type MigrationFunc func(db storage.Storage) (int, error)

// Migration names are recorded as is, so prefix them with a YYYYMMDD-HHMMSS
// timestamp to keep the applied list sorted.
type Migration struct {
	Name     string
	Function MigrationFunc
}

type Migrator struct {
	db         storage.Storage
	migrations []Migration
	backup     *backup.Service
	logger     logger.Logger
	mu         sync.Mutex
}

// NewMigrator builds a migrator. When backup is not nil a full backup is taken
// before any pending migration runs.
func NewMigrator(db storage.Storage, backup *backup.Service, migrations []Migration, log logger.Logger) *Migrator {
	return &Migrator{
		db:         db,
		migrations: migrations,
		backup:     backup,
		logger:     logger.EnsureLogger(log),
	}
}

func (m *Migrator) Register(name string, fn MigrationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.migrations = append(m.migrations, Migration{
		Name:     name,
		Function: fn,
	})
}

// Applied reports whether the named migration has been recorded in db.
func Applied(db storage.Storage, name string) (bool, error) {
	return db.Exist(schema.MigrationKey(name))
}

// Run executes, in registration order, every migration not yet applied.
func (m *Migrator) Run() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []Migration
	for _, migration := range m.migrations {
		applied, err := Applied(m.db, migration.Name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", migration.Name, err)
		}
		if applied {
			m.logger.Debug("migration already applied, skipping", "name", migration.Name)
			continue
		}
		pending = append(pending, migration)
	}
	if len(pending) == 0 {
		return nil
	}

	if m.backup != nil {
		backupFile, err := m.backup.PerformBackup()
		if err != nil {
			return fmt.Errorf("failed to create backup before migrations: %w", err)
		}
		m.logger.Info("database backup created before migrations", "file", backupFile)
	}

	for _, migration := range pending {
		m.logger.Info("running migration", "name", migration.Name)
		recordsUpdated, err := migration.Function(m.db)
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
		m.logger.Info("migration completed", "name", migration.Name, "records", recordsUpdated)

		record := fmt.Sprintf("records=%d,ts=%d", recordsUpdated, time.Now().UnixMilli())
		if err := m.db.Set(schema.MigrationKey(migration.Name), []byte(record)); err != nil {
			return fmt.Errorf("failed to mark migration %s as complete: %w", migration.Name, err)
		}
	}

	return nil
}
