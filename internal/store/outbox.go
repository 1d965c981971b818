package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gmpsuite/gmpauth/mcp"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type outboxModel struct {
	OutboxID       string     `gorm:"column:outbox_id;primaryKey;size:64"`
	Type           string     `gorm:"column:type;size:128"`
	Subject        string     `gorm:"column:subject;size:128"`
	Payload        string     `gorm:"column:payload"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      string     `gorm:"column:last_error"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;index"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
	ClaimToken     *string    `gorm:"column:claim_token;size:64;index"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
}

func (outboxModel) TableName() string { return "auth_outbox" }

// Outbox stores notifications for the relay. It satisfies
// mcp.OutboxRepository.
type Outbox struct {
	db  *gorm.DB
	now func() time.Time
}

func NewOutbox(db *gorm.DB) *Outbox {
	return &Outbox{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var _ mcp.OutboxRepository = (*Outbox)(nil)

func (r *Outbox) Enqueue(ctx context.Context, n mcp.Notification) error {
	raw, err := mcp.EncodeNotification(n)
	if err != nil {
		return err
	}
	rec := outboxModel{
		OutboxID:  n.ID,
		Type:      n.Type,
		Subject:   n.Subject,
		Payload:   string(raw),
		CreatedAt: n.OccurredAt.UTC(),
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

// ClaimUnpublished leases up to limit pending rows to claimToken. On
// Postgres the candidate rows are locked with SKIP LOCKED so parallel relays
// never claim the same row.
func (r *Outbox) ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]mcp.OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	if claimToken == "" {
		return nil, errors.New("store: claim token is required")
	}

	now := r.now()
	var rows []outboxModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidates := tx.Model(&outboxModel{}).
			Select("outbox_id").
			Where("published_at IS NULL").
			Where("dead_lettered_at IS NULL").
			Where("claim_until IS NULL OR claim_until < ?", now).
			Order("created_at ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			candidates = candidates.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		if err := tx.Model(&outboxModel{}).
			Where("outbox_id IN (?)", candidates).
			Updates(map[string]any{
				"claim_token": claimToken,
				"claim_until": claimUntil.UTC(),
			}).Error; err != nil {
			return err
		}

		return tx.Where("claim_token = ?", claimToken).
			Where("published_at IS NULL").
			Where("dead_lettered_at IS NULL").
			Order("created_at ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store: claim outbox: %w", err)
	}

	out := make([]mcp.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		n, err := mcp.DecodeNotification([]byte(row.Payload))
		if err != nil {
			// Undecodable rows can never be published.
			_ = r.MarkDeadLettered(ctx, row.OutboxID, claimToken, err.Error(), now)
			continue
		}
		out = append(out, mcp.OutboxRecord{
			ID:             row.OutboxID,
			Notification:   n,
			RetryCount:     row.RetryCount,
			LastError:      row.LastError,
			CreatedAt:      row.CreatedAt,
			PublishedAt:    row.PublishedAt,
			DeadLetteredAt: row.DeadLetteredAt,
		})
	}
	return out, nil
}

func (r *Outbox) MarkPublished(ctx context.Context, id, claimToken string, at time.Time) error {
	return r.release(ctx, id, claimToken, map[string]any{
		"published_at": at.UTC(),
	})
}

func (r *Outbox) MarkFailed(ctx context.Context, id, claimToken, errMsg string, at time.Time) error {
	return r.release(ctx, id, claimToken, map[string]any{
		"retry_count":   gorm.Expr("retry_count + 1"),
		"last_error":    errMsg,
		"last_error_at": at.UTC(),
	})
}

func (r *Outbox) MarkDeadLettered(ctx context.Context, id, claimToken, errMsg string, at time.Time) error {
	return r.release(ctx, id, claimToken, map[string]any{
		"retry_count":      gorm.Expr("retry_count + 1"),
		"last_error":       errMsg,
		"last_error_at":    at.UTC(),
		"dead_lettered_at": at.UTC(),
	})
}

// Pending counts rows that are neither published nor dead-lettered.
func (r *Outbox) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&outboxModel{}).
		Where("published_at IS NULL").
		Where("dead_lettered_at IS NULL").
		Count(&n).Error
	return n, err
}

func (r *Outbox) release(ctx context.Context, id, claimToken string, fields map[string]any) error {
	fields["claim_token"] = nil
	fields["claim_until"] = nil
	return r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("outbox_id = ?", id).
		Where("claim_token = ?", claimToken).
		Updates(fields).Error
}
