package entity

import (
	"maps"
	"time"
)

// Message priorities. Higher values are delivered first.
const (
	MinPriority     uint8 = 0
	DefaultPriority uint8 = 4
	MaxPriority     uint8 = 9
)

// Message represents a message entity in the domain
type Message struct {
	ID            string
	Destination   string
	Payload       []byte
	Headers       map[string]string
	Priority      uint8
	Timestamp     time.Time
	ExpiresAt     time.Time // zero means the message never expires
	DeliveryCount uint32    // times the message was returned for redelivery
	Sequence      uint64    // per-destination acceptance order

	// ObjectName is set when the payload lives in object storage instead of the journal.
	ObjectName string
}

// Expired reports whether the message's expiry time has passed.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Clone returns a copy that shares the payload but not the headers.
// Payloads are never mutated after publish.
func (m *Message) Clone() *Message {
	c := *m
	if m.Headers != nil {
		c.Headers = maps.Clone(m.Headers)
	}
	return &c
}

// QueueStats is a point-in-time snapshot of a destination.
type QueueStats struct {
	Name            string `json:"name"`
	EnqueueCount    uint64 `json:"enqueue_count"`
	DequeueCount    uint64 `json:"dequeue_count"`
	DispatchCount   uint64 `json:"dispatch_count"`
	RedeliveryCount uint64 `json:"redelivery_count"`
	ExpiredCount    uint64 `json:"expired_count"`
	DeadLetterCount uint64 `json:"dead_letter_count"`
	Depth           int    `json:"depth"`
	InFlight        int    `json:"in_flight"`
	Capacity        int    `json:"capacity"`
	DeadLetter      bool   `json:"dead_letter"`
	Failed          bool   `json:"failed"`
	FailureReason   string `json:"failure_reason,omitempty"`
}
