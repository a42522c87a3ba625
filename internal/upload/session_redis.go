package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "reel:"

// registerScript inserts a session hash if absent and fixes total_parts
// when it is still zero. Running it as one script makes the sequence atomic
// on the server. New sessions join the global index and the index of their
// state.
var registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1],
		'upload_id', ARGV[1],
		'target_key', ARGV[2],
		'content_type', ARGV[3],
		'total_parts', ARGV[4],
		'state', ARGV[5],
		'created_at', ARGV[6],
		'updated_at', ARGV[6],
		'expires_at', ARGV[7])
	redis.call('ZADD', KEYS[2], ARGV[8], ARGV[1])
	redis.call('ZADD', KEYS[3], ARGV[8], ARGV[1])
elseif tonumber(redis.call('HGET', KEYS[1], 'total_parts')) == 0 and tonumber(ARGV[4]) > 0 then
	redis.call('HSET', KEYS[1], 'total_parts', ARGV[4])
end
return 1
`)

// transitionScript is the compare-and-set on the state field. A winning
// transition moves the id between state indexes.
var transitionScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'state', ARGV[2], 'updated_at', ARGV[3])
	redis.call('ZREM', KEYS[2], ARGV[5])
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[5])
	return 1
end
return 0
`)

var allStates = []State{StatePending, StateCombining, StateComplete, StateFailed}

// RedisSessionStore keeps each session in a hash. All sessions are indexed
// in a sorted set scored by creation time, and each state has its own
// sorted set scored by the last update so the sweeper only loads candidates.
type RedisSessionStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisSessionStore(rdb *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb, prefix: defaultRedisPrefix}
}

func (st *RedisSessionStore) sessionKey(uploadID string) string {
	return st.prefix + "session:" + uploadID
}

func (st *RedisSessionStore) indexKey() string {
	return st.prefix + "sessions"
}

func (st *RedisSessionStore) stateKey(state State) string {
	return st.prefix + "state:" + string(state)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeSession(fields map[string]string) (Session, error) {
	if len(fields) == 0 {
		return Session{}, ErrSessionNotFound
	}

	totalParts, err := strconv.Atoi(fields["total_parts"])
	if err != nil {
		return Session{}, fmt.Errorf("decode total_parts: %w", err)
	}

	s := Session{
		UploadID:    fields["upload_id"],
		TargetKey:   fields["target_key"],
		ContentType: fields["content_type"],
		TotalParts:  totalParts,
		State:       State(fields["state"]),
	}

	for name, dst := range map[string]*time.Time{
		"created_at": &s.CreatedAt,
		"updated_at": &s.UpdatedAt,
		"expires_at": &s.ExpiresAt,
	} {
		t, err := time.Parse(time.RFC3339Nano, fields[name])
		if err != nil {
			return Session{}, fmt.Errorf("decode %s: %w", name, err)
		}
		*dst = t
	}

	return s, nil
}

func (st *RedisSessionStore) Register(ctx context.Context, s Session) (Session, error) {
	err := registerScript.Run(ctx, st.rdb,
		[]string{st.sessionKey(s.UploadID), st.indexKey(), st.stateKey(s.State)},
		s.UploadID, s.TargetKey, s.ContentType, s.TotalParts, string(s.State),
		formatTime(s.CreatedAt), formatTime(s.ExpiresAt), s.CreatedAt.UnixNano(),
	).Err()
	if err != nil {
		return Session{}, fmt.Errorf("register session %s: %w", s.UploadID, err)
	}

	return st.Get(ctx, s.UploadID)
}

func (st *RedisSessionStore) Get(ctx context.Context, uploadID string) (Session, error) {
	fields, err := st.rdb.HGetAll(ctx, st.sessionKey(uploadID)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", uploadID, err)
	}
	return decodeSession(fields)
}

func (st *RedisSessionStore) Transition(ctx context.Context, uploadID string, from, to State, now time.Time) (bool, error) {
	n, err := transitionScript.Run(ctx, st.rdb,
		[]string{st.sessionKey(uploadID), st.stateKey(from), st.stateKey(to)},
		string(from), string(to), formatTime(now), now.UnixNano(), uploadID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("transition session %s: %w", uploadID, err)
	}
	return n == 1, nil
}

// candidates returns the index to scan for filter and the ids it yields.
// Scores lose sub-microsecond precision, so the bound is inclusive and
// matches does the exact comparison.
func (st *RedisSessionStore) candidates(ctx context.Context, filter SessionFilter) (string, []string, error) {
	if filter.State == "" {
		key := st.indexKey()
		ids, err := st.rdb.ZRange(ctx, key, 0, -1).Result()
		return key, ids, err
	}

	key := st.stateKey(filter.State)
	upper := "+inf"
	if !filter.UpdatedBefore.IsZero() {
		upper = strconv.FormatInt(filter.UpdatedBefore.UnixNano(), 10)
	}

	ids, err := st.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	return key, ids, err
}

func (st *RedisSessionStore) List(ctx context.Context, filter SessionFilter) ([]Session, error) {
	indexKey, ids, err := st.candidates(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = st.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, st.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	var sessions []Session
	for i, cmd := range cmds {
		s, err := decodeSession(cmd.Val())
		if errors.Is(err, ErrSessionNotFound) {
			// Index entry outlived its hash; drop it.
			if err := st.rdb.ZRem(ctx, indexKey, ids[i]).Err(); err != nil {
				slog.Warn("Drop stale session index entry", "index", indexKey, "upload_id", ids[i], "err", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if !filter.matches(s) {
			continue
		}

		sessions = append(sessions, s)
		if filter.Limit > 0 && len(sessions) == filter.Limit {
			break
		}
	}

	return sessions, nil
}

func (st *RedisSessionStore) Delete(ctx context.Context, uploadID string) error {
	_, err := st.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, st.sessionKey(uploadID))
		pipe.ZRem(ctx, st.indexKey(), uploadID)
		for _, state := range allStates {
			pipe.ZRem(ctx, st.stateKey(state), uploadID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", uploadID, err)
	}
	return nil
}
