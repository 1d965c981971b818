package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRefreshHashMismatch signals that a refresh secret other than the current
// one was presented. The session has been destroyed by the time it is returned.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrRedisUnavailable wraps every Redis transport failure.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrRefreshSessionNotFound is returned when the refresh target session does not exist.
var ErrRefreshSessionNotFound = errors.New("refresh session not found")

// ErrRefreshSessionExpired is returned when the refresh target session is expired.
var ErrRefreshSessionExpired = errors.New("refresh session expired")

const minSlidingTTL = time.Second

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
	rotateStatusCorrupt  int64 = 4
)

const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// KEYS[1] session hash
// ARGV: sid, user index prefix, presented hash, next hash, now (unix),
// next access jti, next access exp (unix)
const rotateRefreshScript = `
local session_key = KEYS[1]
local session_id = ARGV[1]

local raw = redis.call("HGETALL", session_key)
if #raw == 0 then
  return {0}
end

local s = {}
for i = 1, #raw, 2 do
  s[raw[i]] = raw[i + 1]
end

local expires_at = tonumber(s["exp"])
if not s["uid"] or s["uid"] == "" or not s["rh"] or not expires_at then
  return {4}
end

local user_key = ARGV[2] .. s["uid"]

local function destroy()
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
end

if expires_at <= tonumber(ARGV[5]) then
  destroy()
  return {1}
end

if s["rh"] ~= ARGV[3] then
  destroy()
  return {2, raw}
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  destroy()
  return {1}
end

local prev_jti = s["ajti"] or ""
local prev_exp = s["aexp"] or "0"

redis.call("HSET", session_key, "rh", ARGV[4], "ajti", ARGV[6], "aexp", ARGV[7])
redis.call("SADD", user_key, session_id)

return {3, redis.call("HGETALL", session_key), prev_jti, prev_exp}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// KEYS[1] session hash
// ARGV: access jti, access exp (unix)
const trimAccessExpiryScript = `
if redis.call("HGET", KEYS[1], "ajti") ~= ARGV[1] then
  return 0
end
local cur = tonumber(redis.call("HGET", KEYS[1], "aexp") or "0")
if cur ~= nil and cur <= tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "aexp", ARGV[2])
return 1
`

var trimAccessExpiryLua = redis.NewScript(trimAccessExpiryScript)

// Store is a Redis-backed session store that handles persistence, expiration,
// sliding window renewal, and atomic refresh-token rotation.
type Store struct {
	redis         redis.UniversalClient
	prefix        string
	sliding       bool
	jitterEnabled bool
	jitterRange   time.Duration
	now           func() time.Time
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the key namespace; sliding, jitterEnabled and jitterRange
// control expiration on read.
func NewStore(
	redis redis.UniversalClient,
	prefix string,
	sliding bool,
	jitterEnabled bool,
	jitterRange time.Duration,
) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{
		redis:         redis,
		prefix:        prefix,
		sliding:       sliding,
		jitterEnabled: jitterEnabled,
		jitterRange:   jitterRange,
		now:           time.Now,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) userPrefix() string {
	return s.prefix + ":u:"
}

func (s *Store) userKey(userID string) string {
	return s.userPrefix() + userID
}

func (s *Store) replayKey(sessionID string) string {
	return s.prefix + ":rp:" + sessionID
}

// Save writes sess as a hash with the given TTL and indexes it under its user.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	fields, err := encodeFields(sess)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("session ttl must be positive")
	}

	key := s.key(sess.SessionID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads a session. Missing or expired sessions return redis.Nil. When
// sliding expiration is on, the key TTL is renewed but never past the
// absolute lifetime.
func (s *Store) Get(ctx context.Context, sessionID string, absoluteLifetime time.Duration) (*Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	remaining := s.remainingAbsoluteTTL(sess, absoluteLifetime, s.now())
	if remaining <= 0 {
		if err := s.deleteSessionAndIndex(ctx, sess.UserID, sessionID); err != nil {
			return nil, err
		}
		return nil, redis.Nil
	}

	if s.sliding {
		nextTTL, err := s.nextSlidingTTL(remaining)
		if err != nil {
			return nil, err
		}
		if err := s.redis.PExpire(ctx, s.key(sessionID), nextTTL).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return sess, nil
}

// GetReadOnly fetches a session without touching its TTL.
func (s *Store) GetReadOnly(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.now().Unix() >= sess.ExpiresAt {
		return nil, redis.Nil
	}
	return sess, nil
}

func (s *Store) load(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}
	return decodeFields(sessionID, fields)
}

// Delete removes one session and returns what was stored, or nil when the
// session did not exist. Deleting twice is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, ErrSessionCorrupt) {
			if delErr := s.redis.Del(ctx, s.key(sessionID)).Err(); delErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, delErr)
			}
			return nil, nil
		}
		return nil, err
	}

	if err := s.deleteSessionAndIndex(ctx, sess.UserID, sessionID); err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteAllForUser removes every session of userID and returns them so the
// caller can revoke their outstanding access tokens.
//
// The index is read before the delete transaction runs. A session created in
// between survives and is caught by the next call or by its own expiry.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) ([]*Session, error) {
	userKey := s.userKey(userID)

	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.key(id))
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return sessions, nil
}

// ListForUser returns the live sessions of userID and prunes index entries
// whose session hash is gone.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	userKey := s.userKey(userID)
	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	live := make(map[string]struct{}, len(sessions))
	out := sessions[:0]
	nowUnix := s.now().Unix()
	for _, sess := range sessions {
		if nowUnix >= sess.ExpiresAt {
			continue
		}
		live[sess.SessionID] = struct{}{}
		out = append(out, sess)
	}

	var stale []interface{}
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, userKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return out, nil
}

// ActiveSessionCount returns the number of indexed session IDs for a user.
func (s *Store) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	count, err := s.redis.SCard(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

func (s *Store) loadMany(ctx context.Context, ids []string) ([]*Session, error) {
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if len(fields) == 0 {
			continue
		}
		sess, err := decodeFields(ids[i], fields)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

// TrackReplayAnomaly counts refresh-reuse attempts against sessionID and
// returns the running total within ttl.
func (s *Store) TrackReplayAnomaly(ctx context.Context, sessionID string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	key := s.replayKey(sessionID)
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count == 1 {
		if err := s.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return count, nil
}

// Rotate atomically replaces the refresh hash of sessionID and records the
// access token issued alongside the new refresh secret.
//
// On success ReplacedAccessJTI carries the access token the rotation
// superseded. On ErrRefreshHashMismatch the returned session is the state
// that was just destroyed and its AccessJTI is the token the caller must
// revoke.
func (s *Store) Rotate(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	nextHash [32]byte,
	nextAccessJTI string,
	nextAccessExpiresAt time.Time,
) (*Session, error) {
	result, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		s.userPrefix(),
		providedHash[:],
		nextHash[:],
		s.now().Unix(),
		nextAccessJTI,
		strconv.FormatInt(nextAccessExpiresAt.Unix(), 10),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid refresh script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid refresh script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, errors.Join(redis.Nil, ErrRefreshSessionNotFound)
	case rotateStatusExpired:
		return nil, errors.Join(redis.Nil, ErrRefreshSessionExpired)
	case rotateStatusMismatch:
		prev, decErr := s.decodeScriptSession(sessionID, parts)
		if decErr != nil {
			return nil, ErrRefreshHashMismatch
		}
		return prev, ErrRefreshHashMismatch
	case rotateStatusRotated:
		next, decErr := s.decodeScriptSession(sessionID, parts)
		if decErr != nil {
			return nil, decErr
		}
		if len(parts) >= 4 {
			next.ReplacedAccessJTI, _ = parts[2].(string)
			if raw, ok := parts[3].(string); ok {
				next.ReplacedAccessExpiresAt, _ = parseInt(raw)
			}
		}
		return next, nil
	case rotateStatusCorrupt:
		return nil, ErrSessionCorrupt
	default:
		return nil, fmt.Errorf("%w: unknown refresh script status", ErrRedisUnavailable)
	}
}

// TrimAccessExpiry lowers the recorded expiry of the session's current access
// token to expiresAt. It does nothing when accessJTI is no longer current or
// the recorded expiry is already earlier.
func (s *Store) TrimAccessExpiry(ctx context.Context, sessionID, accessJTI string, expiresAt time.Time) error {
	err := trimAccessExpiryLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		accessJTI,
		strconv.FormatInt(expiresAt.Unix(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *Store) decodeScriptSession(sessionID string, parts []interface{}) (*Session, error) {
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: missing session payload", ErrRedisUnavailable)
	}
	fields, ok := pairsToMap(parts[1])
	if !ok {
		return nil, fmt.Errorf("%w: invalid session payload", ErrRedisUnavailable)
	}
	return decodeFields(sessionID, fields)
}

func (s *Store) remainingAbsoluteTTL(sess *Session, absoluteLifetime time.Duration, now time.Time) time.Duration {
	storedExpiry := time.Unix(sess.ExpiresAt, 0)
	if absoluteLifetime <= 0 {
		return storedExpiry.Sub(now)
	}

	configCap := time.Unix(sess.CreatedAt, 0).Add(absoluteLifetime)
	if configCap.Before(storedExpiry) {
		return configCap.Sub(now)
	}
	return storedExpiry.Sub(now)
}

func (s *Store) nextSlidingTTL(remainingAbsolute time.Duration) (time.Duration, error) {
	nextTTL := remainingAbsolute

	if s.jitterEnabled && s.jitterRange > 0 {
		jitter, err := randomJitter(s.jitterRange)
		if err != nil {
			return 0, err
		}
		nextTTL += jitter
	}

	if nextTTL > remainingAbsolute {
		nextTTL = remainingAbsolute
	}

	minTTL := minSlidingTTL
	if remainingAbsolute < minTTL {
		minTTL = remainingAbsolute
	}
	if nextTTL < minTTL {
		nextTTL = minTTL
	}
	return nextTTL, nil
}

func randomJitter(jitterRange time.Duration) (time.Duration, error) {
	if jitterRange <= 0 {
		return 0, nil
	}

	max := jitterRange.Nanoseconds()
	if max > (math.MaxInt64-1)/2 {
		return 0, errors.New("jitter range too large")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max*2+1))
	if err != nil {
		return 0, err
	}
	return time.Duration(n.Int64() - max), nil
}

func (s *Store) deleteSessionAndIndex(ctx context.Context, userID, sessionID string) error {
	_, err := deleteSessionLua.Run(ctx, s.redis, []string{s.key(sessionID), s.userKey(userID)}, sessionID).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
