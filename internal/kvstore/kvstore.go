// Package kvstore implements the guest-visible Scoped KV Facade over a
// Redis-compatible hash-with-field-TTL backend, grounded on the teacher's
// redis.Script Lua pattern.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Potat-Industries/eval-server/internal/domain"
)

const (
	maxFields    = 100
	maxValueSize = 10000
	keyPrefix    = "eval:kv:"
)

var (
	// ErrFieldCapExceeded is returned when a write would push a hash past
	// the 100-field cap.
	ErrFieldCapExceeded = errors.New("hash field cap exceeded")
	// ErrValueTooLarge is returned when a serialised value exceeds 10,000 chars.
	ErrValueTooLarge = errors.New("value exceeds maximum size")
)

// Store is the guest-visible KV facade contract. field is the guest-supplied
// key argument; the hash a field lives in is named by the Scoped Key derived
// from (msg, flags) per DeriveKey.
type Store interface {
	Get(ctx context.Context, msg *domain.Msg, field string, flags domain.ScopeFlags) (string, bool, error)
	Set(ctx context.Context, msg *domain.Msg, field, value string, flags domain.ScopeFlags, exSeconds int) error
	Del(ctx context.Context, msg *domain.Msg, field string, flags domain.ScopeFlags) error
	Len(ctx context.Context, msg *domain.Msg, flags domain.ScopeFlags) (int64, error)
	Ex(ctx context.Context, msg *domain.Msg, field string, seconds int, flags domain.ScopeFlags) error
}

// RedisStore is the production Store backed by a redis.Cmdable (satisfied by
// both *redis.Client and a miniredis-backed client in tests).
type RedisStore struct {
	rdb        redis.Cmdable
	setExNXLua *redis.Script
}

// New builds a RedisStore over the given backend.
func New(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{
		rdb:        rdb,
		setExNXLua: redis.NewScript(setFieldTTLNXScript),
	}
}

// setFieldTTLNXScript emulates HEXPIRE ... NX FIELDS 1 <field> for Redis
// versions that predate native hash-field TTLs, by tracking per-field expiry
// in a sibling hash.
const setFieldTTLNXScript = `
local ttlkey = KEYS[1]
local field = ARGV[1]
local seconds = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local existing = redis.call("HGET", ttlkey, field)
if existing ~= false and existing ~= nil then
  return 0
end

redis.call("HSET", ttlkey, field, now + seconds)
return 1
`

// Encode serialises a value the way the Capability Bridge does before
// calling Set: strings pass through, everything else is JSON-encoded.
func Encode(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode kv value: %w", err)
	}
	return string(b), nil
}

// DeriveKey builds the scoped key string per the §4.5 key derivation rule.
// If flags has no recognised bits set, it falls back to
// user:<user.id>:channel:<channel.id>.
func DeriveKey(msg *domain.Msg, flags domain.ScopeFlags) (string, error) {
	if flags&(domain.ScopeUser|domain.ScopeCommand|domain.ScopeChannel) == 0 {
		var userID, channelID string
		if msg != nil && msg.User != nil {
			userID = msg.User.ID
		}
		if msg != nil && msg.Channel != nil {
			channelID = msg.Channel.ID
		}
		return fmt.Sprintf("user:%s:channel:%s", userID, channelID), nil
	}

	var segments []string
	if flags&domain.ScopeUser != 0 {
		if msg == nil || msg.User == nil || msg.User.ID == "" {
			return "", errors.New("userID is required for user scope")
		}
		segments = append(segments, "user", msg.User.ID)
	}
	if flags&domain.ScopeCommand != 0 {
		if msg == nil || msg.Command == nil || msg.Command.ID == "" {
			return "", errors.New("commandID is required for command scope")
		}
		segments = append(segments, "command", msg.Command.ID)
	}
	if flags&domain.ScopeChannel != 0 {
		if msg == nil || msg.Channel == nil || msg.Channel.ID == "" {
			return "", errors.New("channelID is required for channel scope")
		}
		segments = append(segments, "channel", msg.Channel.ID)
	}
	return strings.Join(segments, ":"), nil
}

func (s *RedisStore) hashKey(scopedKey string) string {
	return keyPrefix + scopedKey
}

func (s *RedisStore) ttlKey(scopedKey string) string {
	return keyPrefix + "ttl:" + scopedKey
}

// Get reads field from the hash named by the Scoped Key derived from (msg, flags).
func (s *RedisStore) Get(ctx context.Context, msg *domain.Msg, field string, flags domain.ScopeFlags) (string, bool, error) {
	scopedKey, err := DeriveKey(msg, flags)
	if err != nil {
		return "", false, err
	}
	return s.GetScoped(ctx, scopedKey, field)
}

// GetScoped reads a field from the hash named by scopedKey directly.
func (s *RedisStore) GetScoped(ctx context.Context, scopedKey, field string) (string, bool, error) {
	if expired, err := s.expireIfDue(ctx, scopedKey, field); err != nil {
		return "", false, err
	} else if expired {
		return "", false, nil
	}
	val, err := s.rdb.HGet(ctx, s.hashKey(scopedKey), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	return val, true, nil
}

// Set writes field on the hash named by the Scoped Key derived from (msg, flags).
func (s *RedisStore) Set(ctx context.Context, msg *domain.Msg, field, value string, flags domain.ScopeFlags, exSeconds int) error {
	scopedKey, err := DeriveKey(msg, flags)
	if err != nil {
		return err
	}
	return s.SetScoped(ctx, scopedKey, field, value, exSeconds)
}

// SetScoped writes a field on the hash named by scopedKey, enforcing the
// field-count and value-size caps, and optionally registering an NX-mode TTL.
func (s *RedisStore) SetScoped(ctx context.Context, scopedKey, field, value string, exSeconds int) error {
	if len(value) > maxValueSize {
		return ErrValueTooLarge
	}
	hkey := s.hashKey(scopedKey)
	exists, err := s.rdb.HExists(ctx, hkey, field).Result()
	if err != nil {
		return fmt.Errorf("kv hexists: %w", err)
	}
	if !exists {
		count, err := s.rdb.HLen(ctx, hkey).Result()
		if err != nil {
			return fmt.Errorf("kv hlen: %w", err)
		}
		if count >= maxFields {
			return ErrFieldCapExceeded
		}
	}
	if err := s.rdb.HSet(ctx, hkey, field, value).Err(); err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	if exSeconds > 0 {
		if err := s.ExScoped(ctx, scopedKey, field, exSeconds); err != nil {
			return err
		}
	}
	return nil
}

// Del removes field from the hash named by the Scoped Key derived from (msg, flags).
func (s *RedisStore) Del(ctx context.Context, msg *domain.Msg, field string, flags domain.ScopeFlags) error {
	scopedKey, err := DeriveKey(msg, flags)
	if err != nil {
		return err
	}
	return s.DelScoped(ctx, scopedKey, field)
}

// DelScoped removes a field from the hash named by scopedKey.
func (s *RedisStore) DelScoped(ctx context.Context, scopedKey, field string) error {
	if err := s.rdb.HDel(ctx, s.hashKey(scopedKey), field).Err(); err != nil {
		return fmt.Errorf("kv del: %w", err)
	}
	if err := s.rdb.HDel(ctx, s.ttlKey(scopedKey), field).Err(); err != nil {
		return fmt.Errorf("kv del ttl: %w", err)
	}
	return nil
}

// Len returns the cardinality of the hash named by the Scoped Key derived
// from (msg, flags).
func (s *RedisStore) Len(ctx context.Context, msg *domain.Msg, flags domain.ScopeFlags) (int64, error) {
	scopedKey, err := DeriveKey(msg, flags)
	if err != nil {
		return 0, err
	}
	n, err := s.rdb.HLen(ctx, s.hashKey(scopedKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv len: %w", err)
	}
	return n, nil
}

// Ex sets an NX-mode TTL (seconds) on field in the hash named by the Scoped
// Key derived from (msg, flags). NX semantics: only takes effect if the
// field has no tracked TTL yet.
func (s *RedisStore) Ex(ctx context.Context, msg *domain.Msg, field string, seconds int, flags domain.ScopeFlags) error {
	scopedKey, err := DeriveKey(msg, flags)
	if err != nil {
		return err
	}
	return s.ExScoped(ctx, scopedKey, field, seconds)
}

// ExScoped sets an NX-mode TTL (seconds) on field within scopedKey's hash.
func (s *RedisStore) ExScoped(ctx context.Context, scopedKey, field string, seconds int) error {
	now, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return fmt.Errorf("kv ex time: %w", err)
	}
	_, err = s.setExNXLua.Run(ctx, s.rdb,
		[]string{s.ttlKey(scopedKey)},
		field, strconv.Itoa(seconds), strconv.FormatInt(now.Unix(), 10),
	).Result()
	if err != nil {
		return fmt.Errorf("kv ex: %w", err)
	}
	return nil
}

// expireIfDue checks the sibling TTL hash and, if the field's deadline has
// passed, deletes the field from both hashes and reports it as expired.
func (s *RedisStore) expireIfDue(ctx context.Context, scopedKey, field string) (bool, error) {
	deadlineStr, err := s.rdb.HGet(ctx, s.ttlKey(scopedKey), field).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv ttl check: %w", err)
	}
	deadline, err := strconv.ParseInt(deadlineStr, 10, 64)
	if err != nil {
		return false, nil
	}
	now, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return false, fmt.Errorf("kv ttl time: %w", err)
	}
	if now.Unix() < deadline {
		return false, nil
	}
	if err := s.DelScoped(ctx, scopedKey, field); err != nil {
		return false, err
	}
	return true, nil
}
