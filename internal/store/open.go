// ABOUTME: Startup factory that builds the configured Store backend
// ABOUTME: Chooses memory, sqlite or the remote REST store from StorageConfig

package store

import (
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/config"
)

// Open constructs the Store named by cfg.Backend.
func Open(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		logger.Info("using in-memory store")
		return NewMemoryStore(), nil
	case config.BackendSQLite:
		return NewSQLiteStore(cfg.Path, logger)
	case config.BackendREST, config.BackendSupabase:
		s, err := NewRESTStore(RESTOptions{
			BaseURL: cfg.URL,
			Key:     cfg.Key,
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using remote store", "url", cfg.URL)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
