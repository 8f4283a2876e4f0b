package match

import (
	"context"
	"time"

	"anonchat-service/pkg/logger"

	"go.uber.org/zap"
)

// runMatcher periodically retries pairing for everyone still searching, so
// users whose synchronous join attempt found nobody are paired as soon as a
// compatible partner shows up.
func (s *Service) runMatcher(ctx context.Context) {
	logger.Log.Info("matcher started", zap.Duration("interval", s.cfg.MatcherInterval))

	ticker := time.NewTicker(s.cfg.MatcherInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("matcher stopped")
			return
		case <-ticker.C:
			if err := s.matchPass(ctx); err != nil {
				logger.Log.Warn("matcher pass error", zap.Error(err))
			}
		}
	}
}

func (s *Service) matchPass(ctx context.Context) error {
	entries, err := s.store.Searching(ctx, s.cfg.CandidateLimit)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		result, err := s.attemptMatch(ctx, entry.UserID)
		if err != nil {
			// Individual users racing their own cancel/expiry is routine
			// here; only log and keep going.
			logger.Log.Debug("background pairing attempt failed",
				zap.Int64("userID", entry.UserID), zap.Error(err))
			continue
		}
		if result.Matched {
			logger.Log.Info("background match",
				zap.Int64("userID", entry.UserID),
				zap.String("roomID", result.RoomID),
			)
		}
	}
	return nil
}

// runReaper periodically evicts searching entries with stale heartbeats and
// prunes searching-set members whose entry the hard TTL already evicted.
func (s *Service) runReaper(ctx context.Context) {
	logger.Log.Info("reaper started",
		zap.Duration("interval", s.cfg.ReaperInterval),
		zap.Duration("heartbeatTimeout", s.cfg.HeartbeatTimeout),
	)

	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("reaper stopped")
			return
		case <-ticker.C:
			stale, err := s.ReapStaleHeartbeats(ctx)
			if err != nil {
				logger.Log.Warn("heartbeat reaper error", zap.Error(err))
			}
			expired, err := s.store.PruneExpired(ctx)
			if err != nil {
				logger.Log.Warn("expiry pruner error", zap.Error(err))
			}
			if stale > 0 || expired > 0 {
				logger.Log.Info("reaper pass",
					zap.Int("staleRemoved", stale),
					zap.Int("expiredPruned", expired),
				)
			}
		}
	}
}

// ReapStaleHeartbeats removes searching entries whose last heartbeat is older
// than the timeout. Matched and cancelled entries are never touched, and an
// entry that transitions concurrently survives: the delete only lands if the
// entry is unchanged since it was read.
func (s *Service) ReapStaleHeartbeats(ctx context.Context) (int, error) {
	entries, err := s.store.Searching(ctx, 0)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !entry.HeartbeatStale(s.cfg.HeartbeatTimeout) {
			continue
		}
		ok, err := s.store.RemoveIfUnchanged(ctx, entry)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
			logger.Log.Info("reaped stale searcher",
				zap.Int64("userID", entry.UserID),
				zap.Time("lastHeartbeat", entry.LastHeartbeat),
			)
		}
	}
	return removed, nil
}
