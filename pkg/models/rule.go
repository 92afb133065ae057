package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk-inc/followup-engine/pkg/condition"
)

// Delivery channels a rule action may target.
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// RuleAction describes what a matching rule does: which channel to contact
// through and what to say. MessageTemplate is rendered against the matched
// row's fields; Content is the literal fallback when no template is set.
type RuleAction struct {
	Channel         string `json:"channel"`
	Subject         string `json:"subject,omitempty"`
	Content         string `json:"content"`
	MessageTemplate string `json:"message_template,omitempty"`
}

// Rule is the unit of autonomous behavior: when rows in the mapped resource
// satisfy Condition, take Action. An inactive rule is never executed by the
// scheduler; the manual run endpoint rejects it unless forced.
type Rule struct {
	ID           uuid.UUID      `json:"id"`
	MappingID    uuid.UUID      `json:"mapping_id"`
	BusinessID   uuid.UUID      `json:"business_id"`
	Name         string         `json:"name"`
	Active       bool           `json:"active"`
	ScheduleCron string         `json:"schedule_cron,omitempty"`
	Condition    condition.Node `json:"condition"`
	Action       RuleAction     `json:"action"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// RuleBindings is a rule joined with the mapping and connection it executes
// against, as loaded by the engine in one query.
type RuleBindings struct {
	Rule       *Rule
	Mapping    *Mapping
	Connection *Connection
}
