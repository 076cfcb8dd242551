// Package models defines the core data structures for CarePipe.
//
// It includes program templates and instances, schedule items, observations,
// alerts, tasks, analysis results and the messaging events shared across modules.
package models

import (
	"errors"
	"time"
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient       = errors.New("recipient cannot be empty")
	ErrInvalidTemplate      = errors.New("invalid program template")
	ErrInvalidTimezone      = errors.New("invalid timezone")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidActivityType  = errors.New("invalid activity type")
	ErrInvalidSlot          = errors.New("invalid activity slot")
	ErrInvalidActivityTime  = errors.New("activity time must be in HH:MM format")
	ErrInvalidRiskLevel     = errors.New("invalid risk level")
	ErrEmptyMessageFragment = errors.New("message fragment text cannot be empty")
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery event emitted by a messaging transport.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// InboundMessage is a message received from a patient through a messaging transport.
// Delivery is at-least-once; ExternalID is the transport's message identifier
// and is used for deduplication.
type InboundMessage struct {
	From       string `json:"from"`
	Body       string `json:"body,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	ExternalID string `json:"external_id"`
	Time       int64  `json:"time"`
}

// ReceivedAt returns the message timestamp, falling back to now when the transport
// did not provide one.
func (m InboundMessage) ReceivedAt() time.Time {
	if m.Time <= 0 {
		return time.Now()
	}
	return time.Unix(m.Time, 0)
}

// Patient is the minimal patient profile the core needs to address messages.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
