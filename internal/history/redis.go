package history

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/questgate/server/internal/integrity"
)

const defaultKeyPrefix = "questgate"

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps each history in a sorted set scored by timestamp (ms)
// and the verified submission ids in a companion set. Ids trimmed from the
// history by retention are trimmed from the verified set too.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore creates a store. A positive retention trims entries older
// than retention on every append.
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) historyKey(userID string) string {
	return s.prefix + ":history:" + userID
}

func (s *RedisStore) verifiedKey(userID string) string {
	return s.prefix + ":history:" + userID + ":verified"
}

func (s *RedisStore) Load(ctx context.Context, userID string) (integrity.SubmissionHistory, error) {
	members, err := s.client.ZRange(ctx, s.historyKey(userID), 0, -1).Result()
	if err != nil {
		return integrity.SubmissionHistory{}, fmt.Errorf("load history: %w", err)
	}
	subs, err := decodeMembers(members)
	if err != nil {
		return integrity.SubmissionHistory{}, err
	}

	verified := 0
	if len(subs) > 0 {
		ids := make([]interface{}, len(subs))
		for i, sub := range subs {
			ids[i] = sub.ID
		}
		// Only ids still present in the history count toward the rate.
		flags, err := s.client.SMIsMember(ctx, s.verifiedKey(userID), ids...).Result()
		if err != nil {
			return integrity.SubmissionHistory{}, fmt.Errorf("load verified marks: %w", err)
		}
		for _, ok := range flags {
			if ok {
				verified++
			}
		}
	}

	return integrity.SubmissionHistory{
		Submissions:        subs,
		LastSubmissionTime: lastTimestamp(subs),
		VerificationRate:   verificationRate(verified, len(subs)),
	}, nil
}

func (s *RedisStore) Append(ctx context.Context, userID string, sub integrity.Submission) error {
	member, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	key := s.historyKey(userID)
	verifiedKey := s.verifiedKey(userID)

	var expiredIDs []interface{}
	cutoff := ""
	if s.retention > 0 {
		cutoff = "(" + strconv.FormatInt(sub.Timestamp.Add(-s.retention).UnixMilli(), 10)
		expiring, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return fmt.Errorf("load expiring history: %w", err)
		}
		expired, err := decodeMembers(expiring)
		if err != nil {
			return err
		}
		for _, e := range expired {
			expiredIDs = append(expiredIDs, e.ID)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(sub.Timestamp.UnixMilli()), Member: member})
		if s.retention > 0 {
			p.ZRemRangeByScore(ctx, key, "-inf", cutoff)
			if len(expiredIDs) > 0 {
				p.SRem(ctx, verifiedKey, expiredIDs...)
			}
			p.Expire(ctx, key, s.retention)
			p.Expire(ctx, verifiedKey, s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkVerified(ctx context.Context, userID, submissionID string) error {
	if _, err := s.findMember(ctx, userID, submissionID); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.verifiedKey(userID), submissionID).Err(); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, userID, submissionID string) error {
	member, err := s.findMember(ctx, userID, submissionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.historyKey(userID), member)
		p.SRem(ctx, s.verifiedKey(userID), submissionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove history entry: %w", err)
	}
	return nil
}

// findMember returns the raw sorted-set member holding submissionID.
func (s *RedisStore) findMember(ctx context.Context, userID, submissionID string) (string, error) {
	members, err := s.client.ZRange(ctx, s.historyKey(userID), 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	for _, m := range members {
		var sub integrity.Submission
		if err := json.Unmarshal([]byte(m), &sub); err != nil {
			return "", fmt.Errorf("decode history entry: %w", err)
		}
		if sub.ID == submissionID {
			return m, nil
		}
	}
	return "", ErrNotFound
}

func decodeMembers(members []string) ([]integrity.Submission, error) {
	subs := make([]integrity.Submission, 0, len(members))
	for _, m := range members {
		var sub integrity.Submission
		if err := json.Unmarshal([]byte(m), &sub); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// unlockScript deletes the lock only if it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a per-user lock shared by every instance using the same
// Redis. The TTL bounds how long a crashed holder can block a user.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a locker whose keys expire after ttl.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: 25 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, userID string) (func(), error) {
	key := l.prefix + ":lock:" + userID
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrLockTimeout
			}
			return nil, fmt.Errorf("acquire user lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-time.After(l.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context so a cancelled request still frees the key.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = unlockScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
