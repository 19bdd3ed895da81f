package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageKey is the composite identity of a message observed in a source channel.
type MessageKey struct {
	ChannelID int64 `json:"channel_id"`
	MessageID int64 `json:"message_id"`
}

// String renders the key as "channel:message".
func (k MessageKey) String() string {
	return strconv.FormatInt(k.ChannelID, 10) + ":" + strconv.FormatInt(k.MessageID, 10)
}

// ParseMessageKey is the inverse of MessageKey.String.
func ParseMessageKey(s string) (MessageKey, error) {
	channelPart, messagePart, ok := strings.Cut(s, ":")
	if !ok {
		return MessageKey{}, fmt.Errorf("malformed message key %q", s)
	}
	channel, err := strconv.ParseInt(channelPart, 10, 64)
	if err != nil {
		return MessageKey{}, fmt.Errorf("parse channel id: %w", err)
	}
	message, err := strconv.ParseInt(messagePart, 10, 64)
	if err != nil {
		return MessageKey{}, fmt.Errorf("parse message id: %w", err)
	}
	return MessageKey{ChannelID: channel, MessageID: message}, nil
}

// Counters carries engagement statistics reported by the channel. Informational only.
type Counters struct {
	Views    int `json:"views"`
	Forwards int `json:"forwards"`
	Replies  int `json:"replies"`
}

// MessageStatus drives the RawMessage lifecycle.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// Valid reports whether s is one of the declared statuses.
func (s MessageStatus) Valid() bool {
	switch s {
	case MessagePending, MessageProcessing, MessageCompleted, MessageFailed:
		return true
	}
	return false
}

// Terminal reports whether the worker may no longer touch the message.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageCompleted, MessageFailed:
		return true
	case MessagePending, MessageProcessing:
		return false
	}
	return false
}

// CanTransition is the single source of truth for RawMessage status changes.
// pending->processing is the worker claim; processing->{completed,failed} ends a run;
// {failed,processing}->pending is reserved for the explicit operator retry.
func (s MessageStatus) CanTransition(to MessageStatus) bool {
	switch s {
	case MessagePending:
		return to == MessageProcessing
	case MessageProcessing:
		return to == MessageCompleted || to == MessageFailed || to == MessagePending
	case MessageFailed:
		return to == MessagePending
	case MessageCompleted:
		return false
	}
	return false
}

// RawMessage is one message observed from a source channel.
type RawMessage struct {
	Key              MessageKey
	ChannelTitle     string
	Body             string
	ObservedAt       time.Time
	Counters         Counters
	Status           MessageStatus
	FailureReason    string
	RecordID         string
	Attempts         int
	Dispatched       bool
	DispatchedTo     []string
	// AwaitingDispatch is set on completion of a should-consider record and cleared once every
	// matching owner has a delivery record.
	AwaitingDispatch bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StatusChange describes a conditional RawMessage transition. The store applies it only
// when the persisted status equals From and, if Attempt is set, the persisted attempt count
// equals Attempt.
type StatusChange struct {
	From          MessageStatus
	To            MessageStatus
	Attempt       int
	FailureReason string
	At            time.Time
}

// Validate rejects transitions the lifecycle does not allow.
func (c StatusChange) Validate() error {
	if !c.From.Valid() || !c.To.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.From, c.To)
	}
	if !c.From.CanTransition(c.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.From, c.To)
	}
	return nil
}

// Job is the unit of work carried by the queue: a reference to a pending RawMessage.
type Job struct {
	Key        MessageKey `json:"key"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}
