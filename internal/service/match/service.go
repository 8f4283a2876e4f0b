package match

import (
	"context"
	"sync"
	"time"

	"anonchat-service/internal/config"
	"anonchat-service/internal/queue"
	appErr "anonchat-service/pkg/errors"
	"anonchat-service/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	LockTTL          time.Duration
	HeartbeatTimeout time.Duration
	EntryTTL         time.Duration
	MatcherInterval  time.Duration
	ReaperInterval   time.Duration
	CandidateLimit   int64
	MaxCommitRetries int
	CheckNetwork     bool
}

func defaultConfig() Config {
	return Config{
		LockTTL:          5 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		EntryTTL:         15 * time.Minute,
		MatcherInterval:  2 * time.Second,
		ReaperInterval:   30 * time.Second,
		CandidateLimit:   50,
		MaxCommitRetries: 3,
		CheckNetwork:     true,
	}
}

func configFromGlobal() Config {
	cfg := defaultConfig()
	gc := config.GlobalConfig
	if gc == nil {
		return cfg
	}
	qc := gc.Queue
	if qc.LockTTL > 0 {
		cfg.LockTTL = qc.LockTTL
	}
	if qc.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = qc.HeartbeatTimeout
	}
	if qc.EntryTTL > 0 {
		cfg.EntryTTL = qc.EntryTTL
	}
	if qc.MatcherInterval > 0 {
		cfg.MatcherInterval = qc.MatcherInterval
	}
	if qc.ReaperInterval > 0 {
		cfg.ReaperInterval = qc.ReaperInterval
	}
	if qc.CandidateLimit > 0 {
		cfg.CandidateLimit = int64(qc.CandidateLimit)
	}
	cfg.CheckNetwork = !gc.Features.SkipNetworkCheck
	return cfg
}

// RoomCreator is the external room collaborator. CreateOrFindRoom must be
// idempotent for the same pair within a short window.
type RoomCreator interface {
	CreateOrFindRoom(ctx context.Context, userA, userB int64) (string, error)
}

// Notifier delivers match events. Best effort: a delivery failure never
// unwinds a committed match.
type Notifier interface {
	MatchFound(ctx context.Context, userID int64, n MatchNotification) error
}

type Service struct {
	store    *queue.Store
	locks    *queue.LockManager
	rooms    RoomCreator
	notifier Notifier
	cfg      Config

	startOnce sync.Once
}

func NewService(rdb *redis.Client, rooms RoomCreator, notifier Notifier) *Service {
	return &Service{
		store:    queue.NewStore(rdb),
		locks:    queue.NewLockManager(rdb),
		rooms:    rooms,
		notifier: notifier,
		cfg:      configFromGlobal(),
	}
}

// NewServiceWithConfig is used by tests to pin the timing knobs.
func NewServiceWithConfig(rdb *redis.Client, rooms RoomCreator, notifier Notifier, cfg Config) *Service {
	return &Service{
		store:    queue.NewStore(rdb),
		locks:    queue.NewLockManager(rdb),
		rooms:    rooms,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Start launches the background matcher and reaper loops.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		go s.runMatcher(ctx)
		go s.runReaper(ctx)
	})
	return nil
}

// Join enters the queue and immediately attempts a synchronous match. Any
// previous entry for the user is removed first, so a double-click on "find
// partner" restarts the search instead of failing. The user's own lock
// brackets the delete-before-insert: while a commit holds this user, the
// rejoin reports "still searching" instead of erasing the in-flight
// transition.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	token, ok, err := s.locks.TryAcquire(ctx, req.UserID, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &JoinResult{Searching: true}, nil
	}
	defer func() {
		if err := s.locks.Release(ctx, req.UserID, token); err != nil && err != queue.ErrLockNotHeld {
			logger.Log.Warn("lock release failed", zap.Int64("userID", req.UserID), zap.Error(err))
		}
	}()

	if err := s.store.Remove(ctx, req.UserID); err != nil {
		return nil, err
	}

	entry := queue.NewEntry(req.UserID, queue.Preferences{
		Interests: req.Interests,
		Language:  req.Language,
	}, req.IP, s.cfg.EntryTTL)

	if err := s.store.Put(ctx, entry); err != nil {
		return nil, err
	}
	s.stampLockedAt(ctx, entry)

	logger.Log.Info("user joined queue",
		zap.Int64("userID", req.UserID),
		zap.Strings("interests", req.Interests),
		zap.String("language", req.Language),
	)

	return s.pairLocked(ctx, req.UserID)
}

// Cancel flips a searching entry to cancelled. The tombstone stays until the
// hard TTL so an immediate status poll still sees it. A concurrently committed
// match wins the race and is never overwritten.
func (s *Service) Cancel(ctx context.Context, userID int64) (*CancelResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		entry, err := s.store.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, appErr.ErrNotInQueue
		}

		switch entry.Status {
		case queue.StatusMatched:
			return nil, appErr.ErrAlreadyMatched
		case queue.StatusCancelled:
			return &CancelResult{Cancelled: true}, nil
		case queue.StatusMatching:
			// A commit is mid-flight; it either lands or rolls back shortly.
			time.Sleep(50 * time.Millisecond)
			continue
		}

		entry.Status = queue.StatusCancelled
		ok, err := s.store.CompareAndSet(ctx, queue.StatusSearching, entry)
		if err != nil {
			return nil, err
		}
		if ok {
			logger.Log.Info("search cancelled", zap.Int64("userID", userID))
			return &CancelResult{Cancelled: true}, nil
		}
		// Lost the race; loop once to report the winning state.
	}
	return nil, appErr.ErrQueueProcessing
}

// Heartbeat refreshes the liveness timestamp. A missing entry is a normal
// signal telling the client to stop polling and re-check status.
func (s *Service) Heartbeat(ctx context.Context, userID int64) (*HeartbeatResult, error) {
	entry, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &HeartbeatResult{Found: false}, nil
	}
	if entry.Status != queue.StatusSearching {
		return &HeartbeatResult{Found: true, Status: entry.Status}, nil
	}

	entry.LastHeartbeat = time.Now()
	ok, err := s.store.CompareAndSet(ctx, queue.StatusSearching, entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Status moved between read and write; report whatever it is now.
		current, err := s.store.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return &HeartbeatResult{Found: false}, nil
		}
		return &HeartbeatResult{Found: true, Status: current.Status}, nil
	}
	return &HeartbeatResult{Found: true, Status: queue.StatusSearching}, nil
}

// Status returns the caller's current entry verbatim.
func (s *Service) Status(ctx context.Context, userID int64) (*StatusResult, error) {
	entry, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, appErr.ErrNotInQueue
	}
	return &StatusResult{
		Status:        entry.Status,
		MatchedWith:   entry.MatchedWith,
		RoomID:        entry.RoomID,
		JoinedAt:      entry.CreatedAt,
		LastHeartbeat: entry.LastHeartbeat,
	}, nil
}

// Stats aggregates queue counts and the average wait of searching users.
func (s *Service) Stats(ctx context.Context) (*StatsResult, error) {
	counts, err := s.store.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	joined, err := s.store.SearchingSince(ctx)
	if err != nil {
		return nil, err
	}

	var avgWait float64
	if len(joined) > 0 {
		var total time.Duration
		now := time.Now()
		for _, t := range joined {
			total += now.Sub(t)
		}
		avgWait = (total / time.Duration(len(joined))).Seconds()
	}

	return &StatsResult{
		CountsByStatus: counts,
		QueueDepth:     depth,
		AvgWaitSeconds: avgWait,
	}, nil
}
