package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "idempotency:"
	redisTxAttempts    = 3
)

var errReservationRace = errors.New("idempotency: reservation changed concurrently")

// RedisStore keeps records in Redis so every API instance shares one view of a key.
// Expiry is delegated to key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption customises the Redis store.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces keys written by the store.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	store := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// NewRedisStoreFromURL dials the redis:// or rediss:// URL.
func NewRedisStoreFromURL(rawURL string, opts ...RedisOption) (*RedisStore, error) {
	options, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("idempotency: parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(options), opts...)
}

// Ping checks connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(key string) string {
	return s.prefix + compositeKey(key)
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = effectiveTTL(ttl)
	id := s.key(key)

	record := pendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	// A key can vanish between SETNX and GET when its TTL lapses, so one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.client.SetNX(ctx, id, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: redis reserve: %w", err)
		}
		if created {
			return Reservation{State: ReservationStateNew, Record: record}, nil
		}

		existing, found, err := s.load(ctx, s.client, id)
		if err != nil {
			return Reservation{}, err
		}
		if !found {
			continue
		}
		return classify(existing, fingerprint)
	}
	return Reservation{}, errReservationRace
}

func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = effectiveTTL(ttl)
	id := s.key(key)

	return s.watch(ctx, id, func(tx *redis.Tx) error {
		record, found, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if found && record.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		if !found {
			record = Record{Key: key, Fingerprint: fingerprint}
		}
		payload, err := json.Marshal(complete(record, resp, now, ttl))
		if err != nil {
			return fmt.Errorf("idempotency: encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, id, payload, ttl)
			return nil
		})
		return err
	})
}

func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	id := s.key(key)
	return s.watch(ctx, id, func(tx *redis.Tx) error {
		record, found, err := s.load(ctx, tx, id)
		if err != nil || !found || record.Fingerprint != fingerprint {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, id)
			return nil
		})
		return err
	})
}

// CleanupExpired is a no-op; Redis evicts records when their TTL lapses.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) watch(ctx context.Context, id string, fn func(*redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < redisTxAttempts; attempt++ {
		err = s.client.Watch(ctx, fn, id)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err == nil || errors.Is(err, ErrFingerprintMismatch) {
		return err
	}
	return fmt.Errorf("idempotency: redis update: %w", err)
}

func (s *RedisStore) load(ctx context.Context, cmd redis.Cmdable, id string) (Record, bool, error) {
	raw, err := cmd.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}

var _ Store = (*RedisStore)(nil)
