package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
	"github.com/relaydesk-inc/followup-engine/pkg/repositories"
)

// dedupeCacheTTL keeps redis entries a little past the calendar-day bucket
// they guard, so a stale entry can never outlive its bucket's relevance.
const dedupeCacheTTL = 26 * time.Hour

// DeliveryLedger wraps the delivery repository with dedupe-key derivation
// and the optional Redis pre-check. The database's partial unique index is
// the one and only correctness mechanism; everything else here is a
// cheap-read optimization for the common already-sent case.
type DeliveryLedger interface {
	// DedupeKey derives the deterministic at-most-once key for a logical
	// event: same rule, same contact, same UTC calendar day -> same key.
	DedupeKey(ruleID uuid.UUID, contact string, at time.Time) string

	// IsDuplicate reports whether a sent delivery for the key is already
	// known. False negatives are fine (the unique index catches them);
	// false positives are not possible.
	IsDuplicate(ctx context.Context, dedupeKey string) (bool, error)

	// Record appends a delivery row. apperrors.ErrDuplicateDelivery means a
	// concurrent writer already sent for this key - callers count it as
	// skipped, not failed.
	Record(ctx context.Context, d *models.Delivery) error
}

type deliveryLedger struct {
	repo   repositories.DeliveryRepository
	cache  *redis.Client // nil when Redis is not configured
	logger *zap.Logger
}

// NewDeliveryLedger creates the ledger. cache may be nil.
func NewDeliveryLedger(repo repositories.DeliveryRepository, cache *redis.Client, logger *zap.Logger) DeliveryLedger {
	return &deliveryLedger{
		repo:   repo,
		cache:  cache,
		logger: logger.Named("delivery-ledger"),
	}
}

var _ DeliveryLedger = (*deliveryLedger)(nil)

func (l *deliveryLedger) DedupeKey(ruleID uuid.UUID, contact string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", ruleID, contact, at.UTC().Format("2006-01-02"))
}

func (l *deliveryLedger) IsDuplicate(ctx context.Context, dedupeKey string) (bool, error) {
	if l.cache != nil {
		hit, err := l.cache.Exists(ctx, cacheKey(dedupeKey)).Result()
		if err == nil && hit > 0 {
			return true, nil
		}
		if err != nil {
			// Cache trouble never blocks delivery decisions.
			l.logger.Warn("dedupe cache check failed", zap.Error(err))
		}
	}
	return l.repo.SentExists(ctx, dedupeKey)
}

func (l *deliveryLedger) Record(ctx context.Context, d *models.Delivery) error {
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = uuid.NewString()
	}

	err := l.repo.Create(ctx, d)
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateDelivery) {
			l.cacheSent(ctx, d.DedupeKey)
		}
		return err
	}

	if d.Status == models.DeliveryStatusSent {
		l.cacheSent(ctx, d.DedupeKey)
	}
	return nil
}

func (l *deliveryLedger) cacheSent(ctx context.Context, dedupeKey string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, cacheKey(dedupeKey), "1", dedupeCacheTTL).Err(); err != nil {
		l.logger.Warn("dedupe cache write failed", zap.Error(err))
	}
}

func cacheKey(dedupeKey string) string {
	return "followup:dedupe:" + dedupeKey
}
