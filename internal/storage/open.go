package storage

import (
	"context"
	"errors"
	"strings"

	logx "batchmd/pkg/logx"
)

// Store is the persistence API used by the app layer.
//
// Fingerprints let duplicate detection survive daemon restarts: the app
// records the content hash of every submitted file and consults the store
// before resubmitting.
type Store interface {
	AppendTask(ctx context.Context, r TaskRecord) error
	RecentTasks(ctx context.Context, limit int) ([]TaskRecord, error)

	PutFingerprint(ctx context.Context, fp uint64, path string) error
	HasFingerprint(ctx context.Context, fp uint64) (bool, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
