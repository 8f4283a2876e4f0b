package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidTransition = errors.New("invalid status transition")

const (
	searchingKey   = "queue:searching"
	entryKeyPrefix = "queue:entry:"
	entryScanMatch = entryKeyPrefix + "*"
)

// casScript atomically replaces an entry if its current status matches the
// expected one, keeping the remaining hard TTL and maintaining searching-set
// membership in the same step.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local obj = cjson.decode(cur)
if obj.status ~= ARGV[1] then
  return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
  ttl = tonumber(ARGV[3])
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[2], tonumber(ARGV[5]), ARGV[6])
else
  redis.call('ZREM', KEYS[2], ARGV[6])
end
return 1
`)

// Store keeps queue entries in Redis: one JSON value per user carrying the
// hard TTL natively, plus a sorted set of searching users scored by join time
// so candidate scans come back oldest-first.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func entryKey(userID int64) string {
	return entryKeyPrefix + strconv.FormatInt(userID, 10)
}

func (s *Store) Put(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("entry for user %d already past its expiry", e.UserID)
	}

	member := strconv.FormatInt(e.UserID, 10)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, entryKey(e.UserID), data, ttl)
	if e.Status == StatusSearching {
		pipe.ZAdd(ctx, searchingKey, redis.Z{
			Score:  float64(e.CreatedAt.UnixMilli()),
			Member: member,
		})
	} else {
		pipe.ZRem(ctx, searchingKey, member)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns nil without error when no entry exists; expiry and absence are
// indistinguishable to callers by design.
func (s *Store) Get(ctx context.Context, userID int64) (*Entry, error) {
	data, err := s.rdb.Get(ctx, entryKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) Remove(ctx context.Context, userID int64) error {
	member := strconv.FormatInt(userID, 10)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, entryKey(userID))
	pipe.ZRem(ctx, searchingKey, member)
	_, err := pipe.Exec(ctx)
	return err
}

// CompareAndSet writes e only if the stored entry still has the expected
// status. It returns false when the entry is gone or the status moved on.
// Transitions not in the guard table are rejected outright.
func (s *Store) CompareAndSet(ctx context.Context, expected Status, e *Entry) (bool, error) {
	if !expected.CanTransitionTo(e.Status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, e.Status)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return false, err
	}

	inSearching := "0"
	if e.Status == StatusSearching {
		inSearching = "1"
	}
	fallbackTTL := time.Until(e.ExpiresAt).Milliseconds()
	if fallbackTTL <= 0 {
		return false, nil
	}

	res, err := casScript.Run(ctx, s.rdb,
		[]string{entryKey(e.UserID), searchingKey},
		string(expected),
		string(data),
		fallbackTTL,
		inSearching,
		e.CreatedAt.UnixMilli(),
		strconv.FormatInt(e.UserID, 10),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Searching returns up to limit searching entries ordered oldest-first; a
// non-positive limit returns the whole set. Members whose entry key already
// expired are skipped.
func (s *Store) Searching(ctx context.Context, limit int64) ([]*Entry, error) {
	end := limit - 1
	if limit <= 0 {
		end = -1
	}
	members, err := s.rdb.ZRange(ctx, searchingKey, 0, end).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		userID, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, entryKey(userID))
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			continue
		}
		if e.Status != StatusSearching {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// removeIfUnchangedScript deletes an entry only if it is byte-identical to
// the snapshot the caller read, so a concurrent transition always wins.
var removeIfUnchangedScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// RemoveIfUnchanged deletes the entry if it has not been rewritten since e
// was read. All writers marshal through the same struct, so an unchanged
// entry round-trips to identical bytes.
func (s *Store) RemoveIfUnchanged(ctx context.Context, e *Entry) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	res, err := removeIfUnchangedScript.Run(ctx, s.rdb,
		[]string{entryKey(e.UserID), searchingKey},
		string(data),
		strconv.FormatInt(e.UserID, 10),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// PruneExpired drops searching-set members whose entry key has been evicted
// by the hard TTL. Returns the number of members removed.
func (s *Store) PruneExpired(ctx context.Context) (int, error) {
	members, err := s.rdb.ZRange(ctx, searchingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, m := range members {
		userID, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.rdb.ZRem(ctx, searchingKey, m)
			removed++
			continue
		}
		exists, err := s.rdb.Exists(ctx, entryKey(userID)).Result()
		if err != nil {
			return removed, err
		}
		if exists == 0 {
			if err := s.rdb.ZRem(ctx, searchingKey, m).Err(); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, searchingKey).Result()
}

// SearchingSince returns the join timestamps of everyone currently searching,
// taken from the sorted-set scores. Used for wait-time stats.
func (s *Store) SearchingSince(ctx context.Context) ([]time.Time, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, searchingKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	joined := make([]time.Time, 0, len(zs))
	for _, z := range zs {
		joined = append(joined, time.UnixMilli(int64(z.Score)))
	}
	return joined, nil
}

// CountsByStatus scans all live entries and tallies them per status.
// Administrative use only; this walks the keyspace.
func (s *Store) CountsByStatus(ctx context.Context) (map[Status]int64, error) {
	counts := make(map[Status]int64)
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, entryScanMatch, 100).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			values, err := s.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				str, ok := v.(string)
				if !ok {
					continue
				}
				var e Entry
				if err := json.Unmarshal([]byte(str), &e); err != nil {
					continue
				}
				counts[e.Status]++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return counts, nil
}
