package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxRecord is one stored notification plus its delivery state.
type OutboxRecord struct {
	ID             string
	Notification   Notification
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	DeadLetteredAt *time.Time
}

// OutboxRepository persists notifications until the relay delivers them.
// Claims are leased by token so concurrent relays do not double-publish.
type OutboxRepository interface {
	Enqueue(ctx context.Context, n Notification) error
	ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, id, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, id, claimToken, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, id, claimToken, errMsg string, at time.Time) error
}

// OutboxPublisher satisfies Publisher by enqueueing instead of sending.
type OutboxPublisher struct {
	repo OutboxRepository
}

func NewOutboxPublisher(repo OutboxRepository) *OutboxPublisher {
	return &OutboxPublisher{repo: repo}
}

func (p *OutboxPublisher) Publish(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if err := p.repo.Enqueue(ctx, n); err != nil {
		return fmt.Errorf("mcp: enqueue %s: %w", n.Type, err)
	}
	return nil
}

// EncodeNotification and DecodeNotification are the stored payload format
// shared by outbox repositories.
func EncodeNotification(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return n, nil
}
