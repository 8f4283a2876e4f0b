package match

import (
	"context"
	"fmt"
	"strings"
	"time"

	"anonchat-service/internal/queue"
	appErr "anonchat-service/pkg/errors"
	"anonchat-service/pkg/logger"
	netutil "anonchat-service/pkg/utils/net"

	"go.uber.org/zap"
)

type commitOutcome int

const (
	commitOK commitOutcome = iota
	commitSelfChanged
	commitCandidateChanged
)

// attemptMatch takes the user's own lock and runs one pairing attempt. A
// contended lock means another attempt or a rejoin is evaluating this user
// right now; that is reported as "still searching", not an error.
func (s *Service) attemptMatch(ctx context.Context, userID int64) (*JoinResult, error) {
	token, ok, err := s.locks.TryAcquire(ctx, userID, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &JoinResult{Searching: true}, nil
	}
	defer func() {
		if err := s.locks.Release(ctx, userID, token); err != nil && err != queue.ErrLockNotHeld {
			logger.Log.Warn("lock release failed", zap.Int64("userID", userID), zap.Error(err))
		}
	}()

	return s.pairLocked(ctx, userID)
}

// pairLocked scans for a compatible partner and commits the pair. The caller
// holds userID's lock, so at most one scan per user is in flight.
func (s *Service) pairLocked(ctx context.Context, userID int64) (*JoinResult, error) {
	self, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if self == nil {
		return nil, appErr.ErrNotInQueue
	}
	switch self.Status {
	case queue.StatusMatched:
		return &JoinResult{Matched: true, RoomID: self.RoomID, PartnerID: self.MatchedWith}, nil
	case queue.StatusCancelled:
		return nil, appErr.ErrAlreadyCancelled
	case queue.StatusMatching:
		return &JoinResult{Searching: true}, nil
	}

	for retry := 0; retry < s.cfg.MaxCommitRetries; retry++ {
		candidates, err := s.store.Searching(ctx, s.cfg.CandidateLimit)
		if err != nil {
			return nil, err
		}

		selfChanged := false
		for _, cand := range candidates {
			if cand.UserID == userID {
				continue
			}
			if !s.compatible(self, cand) {
				continue
			}

			candToken, ok, err := s.locks.TryAcquire(ctx, cand.UserID, s.cfg.LockTTL)
			if err != nil {
				return nil, err
			}
			if !ok {
				// Another attempt is evaluating this candidate; skip.
				continue
			}

			outcome, roomID, err := s.commitPair(ctx, userID, cand.UserID)
			if relErr := s.locks.Release(ctx, cand.UserID, candToken); relErr != nil && relErr != queue.ErrLockNotHeld {
				logger.Log.Warn("candidate lock release failed",
					zap.Int64("userID", cand.UserID), zap.Error(relErr))
			}
			if err != nil {
				return nil, err
			}

			switch outcome {
			case commitOK:
				s.notifyMatched(userID, cand.UserID, roomID)
				return &JoinResult{Matched: true, RoomID: roomID, PartnerID: cand.UserID}, nil
			case commitSelfChanged:
				selfChanged = true
			case commitCandidateChanged:
				continue
			}
			if selfChanged {
				break
			}
		}

		if !selfChanged {
			return &JoinResult{Searching: true}, nil
		}

		// Our own entry moved under us (cancel or expiry race). Re-read and
		// report, retrying only while it is still searching.
		self, err = s.store.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if self == nil {
			return nil, appErr.ErrNotInQueue
		}
		switch self.Status {
		case queue.StatusMatched:
			return &JoinResult{Matched: true, RoomID: self.RoomID, PartnerID: self.MatchedWith}, nil
		case queue.StatusCancelled:
			return nil, appErr.ErrAlreadyCancelled
		}
	}

	return nil, appErr.ErrMatchConflict
}

// commitPair transitions both users searching -> matching -> matched with a
// room created in between. Both locks are held by the caller. Any failure
// before the final flip rolls both entries back to searching.
func (s *Service) commitPair(ctx context.Context, selfID, candID int64) (commitOutcome, string, error) {
	// Fresh reads inside the locks guard against a third attempt having
	// matched either user since the scan.
	self, err := s.store.Get(ctx, selfID)
	if err != nil {
		return 0, "", err
	}
	if self == nil || self.Status != queue.StatusSearching {
		return commitSelfChanged, "", nil
	}
	cand, err := s.store.Get(ctx, candID)
	if err != nil {
		return 0, "", err
	}
	if cand == nil || cand.Status != queue.StatusSearching {
		return commitCandidateChanged, "", nil
	}

	if ok, err := s.reserve(ctx, self); err != nil {
		return 0, "", err
	} else if !ok {
		return commitSelfChanged, "", nil
	}
	if ok, err := s.reserve(ctx, cand); err != nil {
		s.rollback(ctx, self)
		return 0, "", err
	} else if !ok {
		s.rollback(ctx, self)
		return commitCandidateChanged, "", nil
	}

	roomID, err := s.rooms.CreateOrFindRoom(ctx, selfID, candID)
	if err != nil {
		// The match aborts; both entries go back to searching and the
		// candidate stays available for the next scan.
		s.rollback(ctx, self)
		s.rollback(ctx, cand)
		return 0, "", fmt.Errorf("%w: %v", appErr.ErrRoomCreateFailed, err)
	}

	if ok, err := s.finalize(ctx, self, cand.UserID, roomID); err != nil {
		return 0, "", err
	} else if !ok {
		// Self expired between reserve and commit. Free the candidate.
		s.rollback(ctx, cand)
		return commitSelfChanged, "", nil
	}
	if ok, err := s.finalize(ctx, cand, self.UserID, roomID); err != nil {
		return 0, "", err
	} else if !ok {
		// Candidate expired after self already committed. The match stands
		// for self; the partner will have to rejoin.
		logger.Log.Warn("partner entry vanished during commit",
			zap.Int64("userID", cand.UserID),
			zap.String("roomID", roomID),
		)
	}

	logger.Log.Info("match committed",
		zap.Int64("userID", selfID),
		zap.Int64("partnerID", candID),
		zap.String("roomID", roomID),
	)
	return commitOK, roomID, nil
}

func (s *Service) reserve(ctx context.Context, e *queue.Entry) (bool, error) {
	reserved := *e
	reserved.Status = queue.StatusMatching
	return s.store.CompareAndSet(ctx, queue.StatusSearching, &reserved)
}

func (s *Service) rollback(ctx context.Context, e *queue.Entry) {
	restored := *e
	restored.Status = queue.StatusSearching
	if _, err := s.store.CompareAndSet(ctx, queue.StatusMatching, &restored); err != nil {
		logger.Log.Warn("rollback to searching failed",
			zap.Int64("userID", e.UserID), zap.Error(err))
	}
}

func (s *Service) finalize(ctx context.Context, e *queue.Entry, partnerID int64, roomID string) (bool, error) {
	matched := *e
	matched.Status = queue.StatusMatched
	matched.MatchedWith = partnerID
	matched.RoomID = roomID
	return s.store.CompareAndSet(ctx, queue.StatusMatching, &matched)
}

// stampLockedAt records the lock acquisition time on the entry for staleness
// diagnostics. Only the join-time attempt stamps; background passes leave the
// entry bytes untouched so the reaper's snapshot delete still lands. Failures
// are ignored; nothing reads this field for correctness.
func (s *Service) stampLockedAt(ctx context.Context, e *queue.Entry) {
	now := time.Now()
	stamped := *e
	stamped.LockedAt = &now
	if ok, err := s.store.CompareAndSet(ctx, e.Status, &stamped); err == nil && ok {
		e.LockedAt = &now
	}
}

func (s *Service) notifyMatched(userA, userB int64, roomID string) {
	pairs := []struct {
		userID  int64
		partner int64
	}{
		{userA, userB},
		{userB, userA},
	}
	for _, p := range pairs {
		p := p
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := s.notifier.MatchFound(ctx, p.userID, MatchNotification{
				RoomID:    roomID,
				PartnerID: p.partner,
			})
			if err != nil {
				logger.Log.Warn("match notification failed",
					zap.Int64("userID", p.userID),
					zap.String("roomID", roomID),
					zap.Error(err),
				)
			}
		}()
	}
}

// compatible applies the pairing rule: an empty interest set is a wildcard,
// otherwise the sets must intersect; languages must agree when both are set;
// two clients on the same /24 are never paired unless the check is disabled.
func (s *Service) compatible(a, b *queue.Entry) bool {
	if !interestsOverlap(a.Preferences.Interests, b.Preferences.Interests) {
		return false
	}
	if a.Preferences.Language != "" && b.Preferences.Language != "" &&
		!strings.EqualFold(a.Preferences.Language, b.Preferences.Language) {
		return false
	}
	if s.cfg.CheckNetwork && netutil.SameSubnet24(a.IP, b.IP) {
		return false
	}
	return true
}

func interestsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[strings.ToLower(strings.TrimSpace(tag))] = struct{}{}
	}
	for _, tag := range b {
		if _, ok := set[strings.ToLower(strings.TrimSpace(tag))]; ok {
			return true
		}
	}
	return false
}
