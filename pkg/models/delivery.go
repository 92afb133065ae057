package models

import (
	"time"

	"github.com/google/uuid"
)

// Delivery status values. There is no pending state: a delivery row is
// written once, after the dispatch attempt, and never updated.
const (
	DeliveryStatusSent   = "sent"
	DeliveryStatusFailed = "failed"
)

// Delivery is one attempted contact, recorded in the append-only ledger.
// DedupeKey is deterministically derived from (rule, contact, time bucket);
// the storage layer's unique index on it (for sent rows) is the actual
// at-most-once enforcement, not any application-level check.
type Delivery struct {
	ID             uuid.UUID `json:"id"`
	RuleID         uuid.UUID `json:"rule_id"`
	BusinessID     uuid.UUID `json:"business_id"`
	EntityPK       string    `json:"entity_pk"`
	Contact        string    `json:"contact"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
	DedupeKey      string    `json:"dedupe_key"`
	Error          string    `json:"error,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}
