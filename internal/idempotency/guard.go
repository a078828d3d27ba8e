package idempotency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/metrics"
	"github.com/segyhp/settlement-engine/internal/repository"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
)

const (
	MaxKeyLength = 255
	cachePrefix  = "idempotency:"
)

// Guard answers whether an operation key was already executed.
// Postgres holds the records; Redis caches them until they expire.
type Guard struct {
	repo    repository.IdempotencyRepository
	cache   *redis.Client
	ttl     time.Duration
	logger  logrus.FieldLogger
	metrics *metrics.Recorder
	now     func() time.Time
	sf      singleflight.Group
}

// NewGuard creates a guard. cache may be nil, in which case every check goes to the repository.
func NewGuard(repo repository.IdempotencyRepository, cache *redis.Client, ttl time.Duration, logger logrus.FieldLogger, rec *metrics.Recorder) *Guard {
	return &Guard{
		repo:    repo,
		cache:   cache,
		ttl:     ttl,
		logger:  logger,
		metrics: rec,
		now:     time.Now,
	}
}

// Check returns the unexpired record stored under key, if any
func (g *Guard) Check(ctx context.Context, key string) (*domain.IdempotencyRecord, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	now := g.now()

	if rec, ok := g.fromCache(ctx, key, now); ok {
		g.metrics.IdempotencyLookup("redis")
		return rec, true, nil
	}

	rec, err := g.repo.Get(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		g.metrics.IdempotencyLookup("miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, customError.WrapDatabaseError(err)
	}
	if rec.IsExpired(now) {
		g.metrics.IdempotencyLookup("miss")
		return nil, false, nil
	}

	g.metrics.IdempotencyLookup("database")
	g.toCache(ctx, rec, now)
	return rec, true, nil
}

// Store records the result of key's first execution. When an unexpired record
// already holds the key it is kept and returned instead.
func (g *Guard) Store(ctx context.Context, key string, attemptID uuid.UUID, result interface{}) (*domain.IdempotencyRecord, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode idempotent response: %w", err)
	}

	now := g.now()
	rec := &domain.IdempotencyRecord{
		Key:       key,
		AttemptID: attemptID,
		Response:  payload,
		ExpiresAt: now.Add(g.ttl),
		CreatedAt: now,
	}

	written, err := g.repo.Insert(ctx, rec, now)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	if !written {
		existing, err := g.repo.Get(ctx, key)
		if err != nil {
			return nil, customError.WrapDatabaseError(err)
		}
		g.logger.WithFields(logrus.Fields{
			"key":             key,
			"attempt_id":      attemptID,
			"kept_attempt_id": existing.AttemptID,
		}).WithError(customError.WrapIdempotencyConflict(key)).Warn("idempotency key already recorded, keeping first result")
		rec = existing
	}

	g.toCache(ctx, rec, now)
	return rec, nil
}

// PurgeExpired deletes expired records and returns how many were removed
func (g *Guard) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := g.repo.DeleteExpired(ctx, g.now())
	if err != nil {
		return 0, customError.WrapDatabaseError(err)
	}
	if n > 0 {
		g.logger.WithField("purged", n).Info("purged expired idempotency records")
	}
	return n, nil
}

// Collapse runs fn once for concurrent callers sharing key within this process.
func (g *Guard) Collapse(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	return g.sf.Do(key, fn)
}

func (g *Guard) fromCache(ctx context.Context, key string, now time.Time) (*domain.IdempotencyRecord, bool) {
	if g.cache == nil {
		return nil, false
	}

	raw, err := g.cache.Get(ctx, cachePrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.logger.WithError(customError.WrapCacheError(err)).WithField("key", key).Warn("idempotency cache read failed")
		}
		return nil, false
	}

	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.IsExpired(now) {
		return nil, false
	}
	return &rec, true
}

func (g *Guard) toCache(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) {
	if g.cache == nil {
		return
	}

	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, cachePrefix+rec.Key, raw, ttl).Err(); err != nil {
		g.logger.WithError(customError.WrapCacheError(err)).WithField("key", rec.Key).Warn("idempotency cache write failed")
	}
}

// GenerateKey returns prefix-<unix millis>-<random hex>
func GenerateKey(prefix string) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// ValidateKey rejects empty keys and keys longer than MaxKeyLength
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return customError.WrapInvalidKey("idempotency key must not be empty")
	}
	if len(key) > MaxKeyLength {
		return customError.WrapInvalidKey(fmt.Sprintf("idempotency key exceeds %d characters", MaxKeyLength))
	}
	return nil
}
