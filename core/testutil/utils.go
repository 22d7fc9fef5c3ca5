package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"

	"github.com/AvaProtocol/safe4337/storage"
)

// TestMustDB opens a disk backed store in a fresh temp directory.
func TestMustDB() storage.Storage {
	dir, err := os.MkdirTemp("", "safe4337-db-")
	if err != nil {
		panic(err)
	}

	db, err := storage.NewWithPath(dir)
	if err != nil {
		panic(err)
	}
	return db
}

// TestMustMemoryDB is TestMustDB without touching disk.
func TestMustMemoryDB() storage.Storage {
	db, err := storage.NewInMemory()
	if err != nil {
		panic(err)
	}
	return db
}

// GetLogger is a development zap logger, the same one config builds by default.
func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger(sdklogging.Development)
	if err != nil {
		panic(err)
	}
	return logger
}

// GetDefaultCache is a small bigcache for bundler clients under test.
func GetDefaultCache() *bigcache.BigCache {
	config := bigcache.DefaultConfig(10 * time.Minute)
	config.Shards = 16
	config.CleanWindow = time.Minute
	config.MaxEntriesInWindow = 256
	config.MaxEntrySize = 256
	config.HardMaxCacheSize = 16

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		panic(fmt.Errorf("create test cache: %w", err))
	}
	return cache
}
