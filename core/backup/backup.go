// Package backup writes full badger backups of the relayer ledger into
// timestamped directories, once or on an interval.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AvaProtocol/safe4337/pkg/logger"
	"github.com/AvaProtocol/safe4337/storage"
)

// FileName is the name of the backup file inside each timestamp directory.
const FileName = "badger.backup"

type Service struct {
	logger    logger.Logger
	db        storage.Storage
	backupDir string

	mu       sync.Mutex
	running  bool
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewService(log logger.Logger, db storage.Storage, backupDir string) *Service {
	return &Service{
		logger:    logger.EnsureLogger(log),
		db:        db,
		backupDir: backupDir,
	}
}

func (s *Service) Dir() string {
	return s.backupDir
}

// StartPeriodicBackup backs up the ledger every interval until
// StopPeriodicBackup is called.
func (s *Service) StartPeriodicBackup(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("backup service already running")
	}
	if interval <= 0 {
		return fmt.Errorf("invalid backup interval %v", interval)
	}
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	s.interval = interval
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.backupLoop(s.stop, s.done)

	s.logger.Info("started periodic backup", "interval", interval, "dir", s.backupDir)
	return nil
}

// StopPeriodicBackup waits for an in-flight backup to finish. It is a no-op
// when the service is not running.
func (s *Service) StopPeriodicBackup() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("stopped periodic backup")
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) backupLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.PerformBackup(); err != nil {
				s.logger.Error("periodic backup failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}

// PerformBackup writes a full backup and returns the file it wrote.
func (s *Service) PerformBackup() (string, error) {
	timestamp := time.Now().UTC().Format("06-01-02-15-04-05")
	backupPath := filepath.Join(s.backupDir, timestamp)

	if err := os.MkdirAll(backupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup timestamp directory: %w", err)
	}

	backupFile := filepath.Join(backupPath, FileName)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	s.logger.Info("running backup", "file", backupFile)
	if _, err := s.db.Backup(context.Background(), f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}

	s.logger.Info("backup completed", "file", backupFile)
	return backupFile, nil
}

// Restore loads a backup file written by PerformBackup into db.
func Restore(db storage.Storage, backupFile string) error {
	f, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := db.Load(context.Background(), f); err != nil {
		return fmt.Errorf("restore operation failed: %w", err)
	}
	return nil
}
