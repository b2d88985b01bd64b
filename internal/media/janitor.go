package media

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultCleanupInterval = time.Hour

// StartJanitor periodically removes expired media until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Store) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("cleanup media error")
			} else if n > 0 {
				log.Info().Int("removed", n).Msg("expired media removed")
			}
		}
	}
}

// Sweep removes every expired object and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	recs, err := s.registry.Expired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		if s.remove(ctx, rec.Key) {
			removed++
		}
	}
	return removed, nil
}
