package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	scriptMissing  int64 = 0
	scriptOK       int64 = 1
	scriptConflict int64 = 2
)

// Sessions are hashes at <prefix>sess:<id>. Index keys map token digests to ids:
// tok: for access tokens, ref: for refresh tokens, prev: for the refresh token
// replaced by the latest rotation. <prefix>user:<userID> is the per-user id set.

const createSessionScript = `
local session_key = KEYS[1]
local token_key = KEYS[2]
local refresh_key = KEYS[3]
local user_key = KEYS[4]
local id = ARGV[1]
local expires_ms = ARGV[2]

if redis.call("EXISTS", token_key) == 1 then
  return 2
end

redis.call("HSET", session_key,
  "user_id", ARGV[3],
  "token_hash", ARGV[4],
  "refresh_hash", ARGV[5],
  "expires_at", expires_ms,
  "ip", ARGV[6],
  "ua", ARGV[7],
  "device", ARGV[8],
  "active", "1",
  "created_at", ARGV[9],
  "updated_at", ARGV[9])
redis.call("PEXPIREAT", session_key, expires_ms)
redis.call("SET", token_key, id)
redis.call("PEXPIREAT", token_key, expires_ms)
if ARGV[5] ~= "" then
  redis.call("SET", refresh_key, id)
  redis.call("PEXPIREAT", refresh_key, expires_ms)
end
redis.call("SADD", user_key, id)
return 1
`

var createSessionLua = redis.NewScript(createSessionScript)

const lookupSessionScript = `
local id = redis.call("GET", KEYS[1])
if not id then
  return {}
end
local session_key = ARGV[1] .. "sess:" .. id
local bound = redis.call("HGET", session_key, ARGV[2])
if not bound or bound ~= ARGV[3] then
  return {}
end
local fields = redis.call("HGETALL", session_key)
table.insert(fields, "id")
table.insert(fields, id)
return fields
`

var lookupSessionLua = redis.NewScript(lookupSessionScript)

const rotateSessionScript = `
local session_key = KEYS[1]
local prefix = ARGV[1]
local id = ARGV[2]
local provided_hash = ARGV[3]
local next_token = ARGV[4]
local next_refresh = ARGV[5]
local expires_ms = ARGV[6]
local now_ms = tonumber(ARGV[7])

local f = redis.call("HMGET", session_key, "token_hash", "refresh_hash", "prev_refresh_hash", "expires_at", "active")
if not f[1] then
  return {0}
end
if f[5] ~= "1" or tonumber(f[4]) <= now_ms then
  return {0}
end
if f[2] ~= provided_hash then
  return {2}
end
if redis.call("EXISTS", prefix .. "tok:" .. next_token) == 1 then
  return {3}
end

redis.call("DEL", prefix .. "tok:" .. f[1], prefix .. "ref:" .. f[2])
if f[3] then
  redis.call("DEL", prefix .. "prev:" .. f[3])
end

redis.call("HSET", session_key,
  "token_hash", next_token,
  "refresh_hash", next_refresh,
  "prev_refresh_hash", provided_hash,
  "expires_at", expires_ms,
  "active", "1",
  "updated_at", ARGV[7])
redis.call("PEXPIREAT", session_key, expires_ms)
for _, k in ipairs({"tok:" .. next_token, "ref:" .. next_refresh, "prev:" .. provided_hash}) do
  redis.call("SET", prefix .. k, id)
  redis.call("PEXPIREAT", prefix .. k, expires_ms)
end

local fields = redis.call("HGETALL", session_key)
table.insert(fields, 1, 1)
return fields
`

var rotateSessionLua = redis.NewScript(rotateSessionScript)

// deleteSessionScript resolves the id from KEYS[1] when ARGV[2] is empty and
// only deletes when field ARGV[3] still equals ARGV[4].
const deleteSessionScript = `
local prefix = ARGV[1]
local id = ARGV[2]
if id == "" then
  id = redis.call("GET", KEYS[1])
  if not id then
    return 0
  end
end
local session_key = prefix .. "sess:" .. id
local f = redis.call("HMGET", session_key, "user_id", "token_hash", "refresh_hash", "prev_refresh_hash", "expires_at", "active")
if not f[1] then
  return 0
end
if ARGV[3] ~= "" then
  local bound = redis.call("HGET", session_key, ARGV[3])
  if bound ~= ARGV[4] then
    return 0
  end
end

redis.call("DEL", session_key, prefix .. "tok:" .. f[2])
if f[3] and f[3] ~= "" then
  redis.call("DEL", prefix .. "ref:" .. f[3])
end
if f[4] then
  redis.call("DEL", prefix .. "prev:" .. f[4])
end
redis.call("SREM", prefix .. "user:" .. f[1], id)

if f[6] == "1" and tonumber(f[5]) > tonumber(ARGV[5]) then
  return 2
end
return 1
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// RedisStore keeps sessions in Redis. All multi-key mutations run as Lua scripts
// so they are atomic with respect to each other.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClock overrides the clock used for liveness checks.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore returns a store using keys under prefix ("cas:" when empty).
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...RedisOption) *RedisStore {
	if prefix == "" {
		prefix = "cas:"
	}
	s := &RedisStore{redis: client, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) sessionKey(id string) string    { return s.prefix + "sess:" + id }
func (s *RedisStore) tokenKey(hash string) string    { return s.prefix + "tok:" + hash }
func (s *RedisStore) refreshKey(hash string) string  { return s.prefix + "ref:" + hash }
func (s *RedisStore) previousKey(hash string) string { return s.prefix + "prev:" + hash }
func (s *RedisStore) userKey(userID string) string   { return s.prefix + "user:" + userID }

// Create stores a new active session.
//
//	Performance: 1 script round trip.
func (s *RedisStore) Create(ctx context.Context, in NewSession) (*Session, error) {
	now := s.now()
	if err := validateNew(in, now); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		TokenHash:  HashToken(in.Token),
		ExpiresAt:  in.ExpiresAt,
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
		DeviceType: ClassifyUserAgent(in.UserAgent),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.RefreshToken != "" {
		sess.RefreshHash = HashToken(in.RefreshToken)
	}

	status, err := createSessionLua.Run(ctx, s.redis,
		[]string{
			s.sessionKey(sess.ID),
			s.tokenKey(sess.TokenHash),
			s.refreshKey(sess.RefreshHash),
			s.userKey(sess.UserID),
		},
		sess.ID,
		sess.ExpiresAt.UnixMilli(),
		sess.UserID,
		sess.TokenHash,
		sess.RefreshHash,
		sess.IPAddress,
		sess.UserAgent,
		string(sess.DeviceType),
		now.UnixMilli(),
	).Int64()
	if err != nil {
		return nil, unavailable(err)
	}
	if status == scriptConflict {
		return nil, ErrDuplicateToken
	}

	return sess, nil
}

// FindByToken returns the live session bound to an access token.
//
//	Performance: 1 script round trip.
func (s *RedisStore) FindByToken(ctx context.Context, token string) (*Session, error) {
	hash := HashToken(token)
	return s.lookup(ctx, s.tokenKey(hash), "token_hash", hash, token)
}

// FindByRefreshToken returns the live session bound to a refresh token.
func (s *RedisStore) FindByRefreshToken(ctx context.Context, refreshToken string) (*Session, error) {
	hash := HashToken(refreshToken)
	return s.lookup(ctx, s.refreshKey(hash), "refresh_hash", hash, refreshToken)
}

func (s *RedisStore) lookup(ctx context.Context, indexKey, field, hash, raw string) (*Session, error) {
	if raw == "" {
		return nil, ErrNotFound
	}
	res, err := lookupSessionLua.Run(ctx, s.redis, []string{indexKey}, s.prefix, field, hash).Slice()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}

	sess, err := decodeHash(res)
	if err != nil {
		return nil, unavailable(err)
	}
	if !sess.Live(s.now()) {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Rotate swaps the token pair when the stored refresh token still matches
// r.PreviousRefreshToken.
//
//	Performance: 1 script round trip.
func (s *RedisStore) Rotate(ctx context.Context, r Rotation) (*Session, error) {
	now := s.now()
	if err := validateRotation(r, now); err != nil {
		return nil, err
	}

	res, err := rotateSessionLua.Run(ctx, s.redis,
		[]string{s.sessionKey(r.SessionID)},
		s.prefix,
		r.SessionID,
		HashToken(r.PreviousRefreshToken),
		HashToken(r.Token),
		HashToken(r.RefreshToken),
		r.ExpiresAt.UnixMilli(),
		now.UnixMilli(),
	).Slice()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(res) == 0 {
		return nil, unavailable(errors.New("empty rotate reply"))
	}

	status, _ := res[0].(int64)
	switch status {
	case scriptMissing:
		return nil, ErrNotFound
	case scriptConflict:
		return nil, ErrRotateConflict
	case 3:
		return nil, ErrDuplicateToken
	}

	fields := append(res[1:], "id", r.SessionID)
	sess, err := decodeHash(fields)
	if err != nil {
		return nil, unavailable(err)
	}
	return sess, nil
}

// Invalidate deletes the session bound to token. Unknown tokens are a no-op.
func (s *RedisStore) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	hash := HashToken(token)
	_, err := s.delete(ctx, s.tokenKey(hash), "", "token_hash", hash)
	return err
}

// InvalidateByID deletes a session by id.
func (s *RedisStore) InvalidateByID(ctx context.Context, sessionID string) error {
	_, err := s.delete(ctx, s.sessionKey(sessionID), sessionID, "", "")
	return err
}

// InvalidateUser deletes every session in the user's id set.
//
// The set is read once. A session created concurrently with this call may
// survive it.
func (s *RedisStore) InvalidateUser(ctx context.Context, userID string) (int, error) {
	userKey := s.userKey(userID)
	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, unavailable(err)
	}

	live := 0
	for _, id := range ids {
		status, err := s.delete(ctx, s.sessionKey(id), id, "", "")
		if err != nil {
			return live, err
		}
		if status == 2 {
			live++
		}
	}
	if err := s.redis.Del(ctx, userKey).Err(); err != nil {
		return live, unavailable(err)
	}
	return live, nil
}

// RevokeStaleRefresh deletes the session whose previous refresh token is refreshToken.
func (s *RedisStore) RevokeStaleRefresh(ctx context.Context, refreshToken string) (bool, error) {
	if refreshToken == "" {
		return false, nil
	}
	hash := HashToken(refreshToken)
	status, err := s.delete(ctx, s.previousKey(hash), "", "prev_refresh_hash", hash)
	if err != nil {
		return false, err
	}
	return status != scriptMissing, nil
}

// Ping checks Redis availability.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) delete(ctx context.Context, key, id, field, value string) (int64, error) {
	status, err := deleteSessionLua.Run(ctx, s.redis, []string{key}, s.prefix, id, field, value, s.now().UnixMilli()).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return status, nil
}

func decodeHash(flat []interface{}) (*Session, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("odd session field count %d", len(flat))
	}
	values := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		values[k] = v
	}

	expiresMS, err := strconv.ParseInt(values["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session expires_at: %w", err)
	}
	createdMS, _ := strconv.ParseInt(values["created_at"], 10, 64)
	updatedMS, _ := strconv.ParseInt(values["updated_at"], 10, 64)

	return &Session{
		ID:          values["id"],
		UserID:      values["user_id"],
		TokenHash:   values["token_hash"],
		RefreshHash: values["refresh_hash"],
		ExpiresAt:   time.UnixMilli(expiresMS),
		IPAddress:   values["ip"],
		UserAgent:   values["ua"],
		DeviceType:  DeviceType(values["device"]),
		IsActive:    values["active"] == "1",
		CreatedAt:   time.UnixMilli(createdMS),
		UpdatedAt:   time.UnixMilli(updatedMS),
	}, nil
}
