package business

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-gateway/internal/config"
	"github.com/openkcm/auth-gateway/internal/session"
)

var ErrHousekeeperBackend = errors.New("the housekeeper needs a shared session store backend")

// HousekeeperMain starts the house keeping jobs against a shared session
// backend.
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	if cfg.SessionStore.Backend == config.BackendMemory || cfg.SessionStore.Backend == "" {
		return ErrHousekeeperBackend
	}

	comps, closeFn, err := initComponents(ctx, cfg, clockwork.NewRealClock())
	if err != nil {
		return fmt.Errorf("failed to initialise the session store: %w", err)
	}
	defer closeFn()

	return housekeep(ctx, comps.store, cfg.Housekeeper)
}

// housekeep removes idle and unrecoverable sessions and expired login states
// every trigger interval until ctx is done.
func housekeep(ctx context.Context, store *session.Store, cfg config.Housekeeper) error {
	interval := cfg.TriggerInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		slogctx.Debug(ctx, "Triggering session housekeeping")
		if err := store.CleanupSessions(ctx, cfg.IdleSessionTimeout); err != nil {
			slogctx.Error(ctx, "Error during session housekeeping", "error", err)
		}

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}
