package match_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"anonchat-service/internal/queue"
	"anonchat-service/internal/service/match"
	appErr "anonchat-service/pkg/errors"

	"github.com/redis/go-redis/v9"
)

type fakeRooms struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *fakeRooms) CreateOrFindRoom(ctx context.Context, userA, userB int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("room backend down")
	}
	f.calls++
	lo, hi := userA, userB
	if lo > hi {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("room-%d-%d", lo, hi), nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events map[int64]match.MatchNotification
}

func (f *fakeNotifier) MatchFound(ctx context.Context, userID int64, n match.MatchNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[int64]match.MatchNotification)
	}
	f.events[userID] = n
	return nil
}

func testConfig() match.Config {
	return match.Config{
		LockTTL:          5 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		EntryTTL:         15 * time.Minute,
		MatcherInterval:  time.Hour, // background loops not started in tests
		ReaperInterval:   time.Hour,
		CandidateLimit:   50,
		MaxCommitRetries: 3,
		CheckNetwork:     false,
	}
}

// gatedRooms blocks inside CreateOrFindRoom until released, holding a commit
// mid-flight so tests can race other operations against it.
type gatedRooms struct {
	entered chan struct{}
	release chan struct{}
}

func newGatedRooms() *gatedRooms {
	return &gatedRooms{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedRooms) CreateOrFindRoom(ctx context.Context, userA, userB int64) (string, error) {
	g.entered <- struct{}{}
	<-g.release
	lo, hi := userA, userB
	if lo > hi {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("room-%d-%d", lo, hi), nil
}

func setupRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // test database
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available:", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() { client.Close() })
	return client
}

func newMatchService(t *testing.T) (*match.Service, *fakeRooms, *fakeNotifier) {
	t.Helper()
	rooms := &fakeRooms{}
	notifier := &fakeNotifier{}
	return match.NewServiceWithConfig(setupRedisClient(t), rooms, notifier, testConfig()), rooms, notifier
}

func newMatchServiceWithRooms(t *testing.T, rooms match.RoomCreator) *match.Service {
	t.Helper()
	return match.NewServiceWithConfig(setupRedisClient(t), rooms, &fakeNotifier{}, testConfig())
}

func join(t *testing.T, svc *match.Service, userID int64, interests []string, language string) *match.JoinResult {
	t.Helper()
	result, err := svc.Join(context.Background(), match.JoinRequest{
		UserID:    userID,
		Interests: interests,
		Language:  language,
	})
	if err != nil {
		t.Fatalf("join %d failed: %v", userID, err)
	}
	return result
}

func TestJoinNoCandidateKeepsSearching(t *testing.T) {
	svc, _, _ := newMatchService(t)

	result := join(t, svc, 1, []string{"sports"}, "")
	if result.Matched || !result.Searching {
		t.Fatalf("expected searching result, got %+v", result)
	}

	status, err := svc.Status(context.Background(), 1)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != queue.StatusSearching {
		t.Fatalf("expected searching, got %s", status.Status)
	}
}

func TestJoinImmediateMatch(t *testing.T) {
	svc, _, notifier := newMatchService(t)
	ctx := context.Background()

	first := join(t, svc, 1, []string{"music"}, "")
	if first.Matched {
		t.Fatalf("first joiner cannot match alone: %+v", first)
	}

	second := join(t, svc, 2, []string{"music", "travel"}, "")
	if !second.Matched {
		t.Fatalf("expected immediate match, got %+v", second)
	}
	if second.PartnerID != 1 || second.RoomID == "" {
		t.Fatalf("unexpected match result: %+v", second)
	}

	status, err := svc.Status(ctx, 1)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != queue.StatusMatched || status.MatchedWith != 2 {
		t.Fatalf("partner status not matched: %+v", status)
	}
	if status.RoomID != second.RoomID {
		t.Fatalf("room id mismatch: %s vs %s", status.RoomID, second.RoomID)
	}

	// Both sides get notified, each naming the other as partner.
	deadline := time.Now().Add(time.Second)
	for {
		notifier.mu.Lock()
		n1, ok1 := notifier.events[1]
		n2, ok2 := notifier.events[2]
		notifier.mu.Unlock()
		if ok1 && ok2 {
			if n1.PartnerID != 2 || n2.PartnerID != 1 || n1.RoomID != n2.RoomID {
				t.Fatalf("inconsistent notifications: %+v %+v", n1, n2)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notifications not delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisjointInterestsNeverMatch(t *testing.T) {
	svc, _, _ := newMatchService(t)

	join(t, svc, 1, []string{"chess"}, "")
	result := join(t, svc, 2, []string{"football"}, "")
	if result.Matched {
		t.Fatalf("disjoint interests must not match: %+v", result)
	}
}

func TestEmptyInterestsAreWildcard(t *testing.T) {
	svc, _, _ := newMatchService(t)

	join(t, svc, 1, []string{"chess"}, "")
	result := join(t, svc, 2, nil, "")
	if !result.Matched || result.PartnerID != 1 {
		t.Fatalf("wildcard joiner should match anyone: %+v", result)
	}
}

func TestLanguageMismatchBlocksMatch(t *testing.T) {
	svc, _, _ := newMatchService(t)

	join(t, svc, 1, []string{"music"}, "de")
	result := join(t, svc, 2, []string{"music"}, "fr")
	if result.Matched {
		t.Fatalf("language mismatch must not match: %+v", result)
	}

	// Language only binds when both sides set one.
	third := join(t, svc, 3, []string{"music"}, "")
	if !third.Matched {
		t.Fatalf("unset language should be compatible: %+v", third)
	}
}

func TestOldestWaitingFirst(t *testing.T) {
	svc, _, _ := newMatchService(t)

	join(t, svc, 1, nil, "")
	time.Sleep(10 * time.Millisecond)
	join(t, svc, 2, nil, "")

	// User 1 joined before user 2 and must be picked first.
	result := join(t, svc, 3, nil, "")
	if !result.Matched || result.PartnerID != 1 {
		t.Fatalf("expected oldest-waiting partner 1, got %+v", result)
	}
}

func TestIdempotentRejoin(t *testing.T) {
	svc, _, _ := newMatchService(t)
	ctx := context.Background()

	join(t, svc, 1, []string{"music"}, "")
	first, err := svc.Status(ctx, 1)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	result := join(t, svc, 1, []string{"travel"}, "")
	if result.Matched || !result.Searching {
		t.Fatalf("rejoin with no partner must keep searching: %+v", result)
	}

	second, err := svc.Status(ctx, 1)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !second.JoinedAt.After(first.JoinedAt) {
		t.Fatal("rejoin must reset the entry creation time")
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.QueueDepth != 1 {
		t.Fatalf("expected exactly one live entry after rejoin, depth %d", stats.QueueDepth)
	}
}

func TestCancel(t *testing.T) {
	svc, _, _ := newMatchService(t)
	ctx := context.Background()

	join(t, svc, 1, []string{"music"}, "")

	result, err := svc.Cancel(ctx, 1)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !result.Cancelled {
		t.Fatalf("expected cancelled, got %+v", result)
	}

	status, err := svc.Status(ctx, 1)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != queue.StatusCancelled {
		t.Fatalf("expected cancelled tombstone, got %s", status.Status)
	}

	// Repeated cancel is idempotent.
	again, err := svc.Cancel(ctx, 1)
	if err != nil || !again.Cancelled {
		t.Fatalf("repeated cancel should succeed: %+v err=%v", again, err)
	}

	// A cancelled user is no longer a candidate.
	result2 := join(t, svc, 2, []string{"music"}, "")
	if result2.Matched {
		t.Fatalf("cancelled entry must not be matched: %+v", result2)
	}
}

func TestCancelMissingEntry(t *testing.T) {
	svc, _, _ := newMatchService(t)

	_, err := svc.Cancel(context.Background(), 42)
	if !errors.Is(err, appErr.ErrNotInQueue) {
		t.Fatalf("expected ErrNotInQueue, got %v", err)
	}
}

func TestCancelAfterMatchIsRejected(t *testing.T) {
	svc, _, _ := newMatchService(t)
	ctx := context.Background()

	join(t, svc, 1, nil, "")
	result := join(t, svc, 2, nil, "")
	if !result.Matched {
		t.Fatalf("expected match, got %+v", result)
	}

	// The match already committed; cancel must not re-open the search.
	_, err := svc.Cancel(ctx, 1)
	if !errors.Is(err, appErr.ErrAlreadyMatched) {
		t.Fatalf("expected ErrAlreadyMatched, got %v", err)
	}

	status, _ := svc.Status(ctx, 1)
	if status.Status != queue.StatusMatched {
		t.Fatalf("matched entry must stay matched, got %s", status.Status)
	}
}

func TestHeartbeat(t *testing.T) {
	svc, _, _ := newMatchService(t)
	ctx := context.Background()

	// No entry: a routine negative, not an error.
	result, err := svc.Heartbeat(ctx, 1)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if result.Found {
		t.Fatalf("expected not found, got %+v", result)
	}

	join(t, svc, 1, []string{"music"}, "")
	before, _ := svc.Status(ctx, 1)

	time.Sleep(10 * time.Millisecond)
	result, err = svc.Heartbeat(ctx, 1)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if !result.Found || result.Status != queue.StatusSearching {
		t.Fatalf("unexpected heartbeat result: %+v", result)
	}

	after, _ := svc.Status(ctx, 1)
	if !after.LastHeartbeat.After(before.LastHeartbeat) {
		t.Fatal("heartbeat must advance lastHeartbeat")
	}
	if !after.JoinedAt.Equal(before.JoinedAt) {
		t.Fatal("heartbeat must not touch creation time")
	}
}

func TestReapStaleHeartbeats(t *testing.T) {
	svc, _, _ := newMatchService(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	defer client.Close()
	fast := match.NewServiceWithConfig(client, &fakeRooms{}, &fakeNotifier{}, cfg)

	join(t, fast, 1, []string{"sports"}, "")

	// Not stale yet: the reaper must leave it alone.
	removed, err := fast.ReapStaleHeartbeats(ctx)
	if err != nil {
		t.Fatalf("reap failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("fresh entry reaped: %d", removed)
	}

	time.Sleep(100 * time.Millisecond)

	removed, err = fast.ReapStaleHeartbeats(ctx)
	if err != nil {
		t.Fatalf("reap failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 reaped entry, got %d", removed)
	}

	_, err = svc.Status(ctx, 1)
	if !errors.Is(err, appErr.ErrNotInQueue) {
		t.Fatalf("expected ErrNotInQueue after reap, got %v", err)
	}
}

func TestReaperIgnoresMatchedEntries(t *testing.T) {
	svc, _, _ := newMatchService(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.HeartbeatTimeout = time.Nanosecond // everything searching is stale
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	defer client.Close()
	fast := match.NewServiceWithConfig(client, &fakeRooms{}, &fakeNotifier{}, cfg)

	join(t, svc, 1, nil, "")
	result := join(t, svc, 2, nil, "")
	if !result.Matched {
		t.Fatalf("expected match, got %+v", result)
	}

	removed, err := fast.ReapStaleHeartbeats(ctx)
	if err != nil {
		t.Fatalf("reap failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("reaper touched matched entries: %d removed", removed)
	}

	status, err := svc.Status(ctx, 1)
	if err != nil || status.Status != queue.StatusMatched {
		t.Fatalf("matched entry must survive the reaper: %+v err=%v", status, err)
	}
}

func TestRoomFailureAbortsMatch(t *testing.T) {
	svc, rooms, _ := newMatchService(t)
	ctx := context.Background()

	join(t, svc, 1, nil, "")

	rooms.fail = true
	_, err := svc.Join(ctx, match.JoinRequest{UserID: 2})
	if !errors.Is(err, appErr.ErrRoomCreateFailed) {
		t.Fatalf("expected ErrRoomCreateFailed, got %v", err)
	}

	// Both entries must be back in searching, available for the next scan.
	for _, userID := range []int64{1, 2} {
		status, err := svc.Status(ctx, userID)
		if err != nil {
			t.Fatalf("status %d failed: %v", userID, err)
		}
		if status.Status != queue.StatusSearching {
			t.Fatalf("user %d expected searching after aborted match, got %s", userID, status.Status)
		}
	}

	rooms.fail = false
	result, err := svc.Join(ctx, match.JoinRequest{UserID: 2})
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if !result.Matched {
		t.Fatalf("expected match once rooms recovered: %+v", result)
	}
}

func TestConcurrentJoinsAtMostOneMatch(t *testing.T) {
	svc, _, _ := newMatchService(t)
	ctx := context.Background()

	const users = 8
	var wg sync.WaitGroup
	for i := int64(1); i <= users; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := svc.Join(ctx, match.JoinRequest{UserID: userID})
			if err != nil && !errors.Is(err, appErr.ErrMatchConflict) {
				t.Errorf("join %d failed: %v", userID, err)
			}
		}(i)
	}
	wg.Wait()

	// Every matched user must be matched reciprocally and to exactly one
	// partner, and share that partner's room.
	partners := make(map[int64]int64)
	roomIDs := make(map[int64]string)
	for i := int64(1); i <= users; i++ {
		status, err := svc.Status(ctx, i)
		if err != nil {
			if errors.Is(err, appErr.ErrNotInQueue) {
				continue
			}
			t.Fatalf("status %d failed: %v", i, err)
		}
		if status.Status == queue.StatusMatched {
			partners[i] = status.MatchedWith
			roomIDs[i] = status.RoomID
		}
	}

	seen := make(map[int64]int64)
	for user, partner := range partners {
		if other, ok := partners[partner]; ok && other != user {
			t.Fatalf("user %d matched %d, but %d matched %d", user, partner, partner, other)
		}
		if prev, dup := seen[partner]; dup {
			t.Fatalf("users %d and %d both matched to %d", prev, user, partner)
		}
		seen[partner] = user
		if roomIDs[user] != roomIDs[partner] {
			t.Fatalf("pair %d/%d disagree on room", user, partner)
		}
	}
}

func TestStats(t *testing.T) {
	svc, _, _ := newMatchService(t)
	ctx := context.Background()

	join(t, svc, 1, []string{"chess"}, "")
	join(t, svc, 2, []string{"football"}, "")
	if _, err := svc.Cancel(ctx, 2); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.QueueDepth != 1 {
		t.Fatalf("expected depth 1, got %d", stats.QueueDepth)
	}
	if stats.CountsByStatus[queue.StatusSearching] != 1 {
		t.Fatalf("unexpected searching count: %+v", stats.CountsByStatus)
	}
	if stats.CountsByStatus[queue.StatusCancelled] != 1 {
		t.Fatalf("cancelled tombstone missing from counts: %+v", stats.CountsByStatus)
	}
	if stats.AvgWaitSeconds < 0 {
		t.Fatalf("negative wait time: %f", stats.AvgWaitSeconds)
	}
}

func TestRejoinAndCancelDuringCommitKeepMatchIntact(t *testing.T) {
	gate := newGatedRooms()
	svc := newMatchServiceWithRooms(t, gate)
	ctx := context.Background()

	join(t, svc, 1, nil, "")

	done := make(chan *match.JoinResult, 1)
	go func() {
		result, err := svc.Join(ctx, match.JoinRequest{UserID: 2})
		if err != nil {
			t.Errorf("join 2 failed: %v", err)
		}
		done <- result
	}()

	// The commit for 1+2 is now parked inside room creation with both users
	// reserved and both locks held.
	<-gate.entered

	// A rejoin must not erase the reserved entry; it reports searching and
	// leaves the commit alone.
	rejoin, err := svc.Join(ctx, match.JoinRequest{UserID: 1})
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if rejoin.Matched || !rejoin.Searching {
		t.Fatalf("rejoin over a commit must report searching, got %+v", rejoin)
	}

	// Cancel cannot land on the reservation either.
	if _, err := svc.Cancel(ctx, 1); !errors.Is(err, appErr.ErrQueueProcessing) {
		t.Fatalf("expected ErrQueueProcessing during commit, got %v", err)
	}

	// Nor can a third user pick up a reserved partner.
	third := join(t, svc, 3, nil, "")
	if third.Matched {
		t.Fatalf("reserved user handed to a third joiner: %+v", third)
	}

	close(gate.release)
	result := <-done
	if result == nil || !result.Matched || result.PartnerID != 1 {
		t.Fatalf("commit did not survive the races: %+v", result)
	}

	status1, err := svc.Status(ctx, 1)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status1.Status != queue.StatusMatched || status1.MatchedWith != 2 || status1.RoomID != result.RoomID {
		t.Fatalf("user 1 must be matched to 2 only: %+v", status1)
	}

	status3, err := svc.Status(ctx, 3)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status3.Status != queue.StatusSearching {
		t.Fatalf("user 3 must still be searching: %+v", status3)
	}
}
