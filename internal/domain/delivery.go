package domain

import (
	"fmt"
	"time"
)

// DeliveryStatus tracks one dispatch attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Valid reports whether s is one of the declared statuses.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliverySent, DeliveryFailed:
		return true
	}
	return false
}

// CanTransition allows pending->{sent,failed} and the operator retry {failed,pending}->pending.
func (s DeliveryStatus) CanTransition(to DeliveryStatus) bool {
	switch s {
	case DeliveryPending:
		return to == DeliverySent || to == DeliveryFailed || to == DeliveryPending
	case DeliveryFailed:
		return to == DeliveryPending
	case DeliverySent:
		return false
	}
	return false
}

// DeliveryRecord is the unique dispatch of one record to one owner.
type DeliveryRecord struct {
	ID           string
	RecordID     string
	MessageKey   MessageKey
	OwnerID      string
	FilterID     string
	Status       DeliveryStatus
	Error        string
	Attempts     int
	DispatchedAt time.Time
	UpdatedAt    time.Time
}

// DeliveryChange is a conditional status write for a DeliveryRecord. The store applies it
// only when both the persisted status equals From and the persisted attempt counter equals
// Attempts; a change back to pending starts a new attempt.
type DeliveryChange struct {
	From     DeliveryStatus
	To       DeliveryStatus
	Attempts int
	Error    string
	At       time.Time
}

// Validate rejects transitions the lifecycle does not allow.
func (c DeliveryChange) Validate() error {
	if !c.From.Valid() || !c.To.Valid() || !c.From.CanTransition(c.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.From, c.To)
	}
	return nil
}

// Stats summarises store contents per status.
type Stats struct {
	Messages   map[MessageStatus]int  `json:"messages"`
	Deliveries map[DeliveryStatus]int `json:"deliveries"`
}
