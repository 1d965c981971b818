package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnroutable is returned when no queue binding matches a notification type.
	ErrUnroutable = errors.New("mcp: notification is unroutable")
	// ErrUnknownQueue is returned when subscribing to a queue the topology does not declare.
	ErrUnknownQueue        = errors.New("mcp: unknown queue")
	ErrInvalidNotification = errors.New("mcp: invalid notification")
)

// Notification is the envelope exchanged between services. Type doubles as
// the routing key, e.g. "qms.deviation.created".
type Notification struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Subject       string          `json:"subject,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewNotification stamps a fresh ID and timestamp and marshals payload.
// A nil payload leaves Payload empty.
func NewNotification(typ, source, subject string, payload any) (Notification, error) {
	n := Notification{
		ID:         uuid.NewString(),
		Type:       typ,
		Source:     source,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: payload: %v", ErrInvalidNotification, err)
		}
		n.Payload = raw
	}
	return n, n.Validate()
}

// Validate checks the fields every consumer relies on.
func (n Notification) Validate() error {
	switch {
	case strings.TrimSpace(n.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidNotification)
	case strings.TrimSpace(n.Type) == "":
		return fmt.Errorf("%w: type is required", ErrInvalidNotification)
	case strings.TrimSpace(n.Source) == "":
		return fmt.Errorf("%w: source is required", ErrInvalidNotification)
	case n.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidNotification)
	}
	return nil
}

// Publisher delivers a notification. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, n Notification) error

func (f PublisherFunc) Publish(ctx context.Context, n Notification) error { return f(ctx, n) }
