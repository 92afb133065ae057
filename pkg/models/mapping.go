package models

import (
	"time"

	"github.com/google/uuid"
)

// Semantic field roles the engine relies on. The Fields map is free-form
// (conditions may reference any key a tenant defines), but these roles have
// engine-level meaning: pk identifies the row, contact is who gets messaged.
const (
	FieldRoleStatus    = "status"
	FieldRoleDate      = "date"
	FieldRoleContact   = "contact"
	FieldRolePK        = "pk"
	FieldRoleLastTouch = "last_touch"
)

// Mapping binds one external resource (table or collection) to the semantic
// roles the follow-up engine needs, as a role -> column name map.
// A connection may carry multiple mappings; a mapping belongs to exactly one
// connection.
type Mapping struct {
	ID           uuid.UUID         `json:"id"`
	ConnectionID uuid.UUID         `json:"connection_id"`
	BusinessID   uuid.UUID         `json:"business_id"`
	Resource     string            `json:"resource"`
	Fields       map[string]string `json:"fields"`
	ValidatedAt  *time.Time        `json:"validated_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
