package mcp

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RelayConfig tunes the outbox relay loop. Zero values take defaults.
type RelayConfig struct {
	Interval   time.Duration
	BatchSize  int
	ClaimTTL   time.Duration
	MaxRetries int
}

// RelayStats summarises one batch.
type RelayStats struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
}

// Relay drains an outbox into a publisher, usually a RedisBus.
type Relay struct {
	logger    *zap.Logger
	outbox    OutboxRepository
	publisher Publisher
	cfg       RelayConfig
	now       func() time.Time
}

func NewRelay(outbox OutboxRepository, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		logger:    logger,
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run processes batches every Interval until ctx is cancelled, then returns
// ctx.Err(). Batch errors are logged and do not stop the loop.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox iteration failed",
				zap.String("module", "mcp.relay"),
				zap.String("operation", "process_once"),
				zap.String("outcome", "failure"),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims one batch and publishes it.
func (r *Relay) ProcessOnce(ctx context.Context) (RelayStats, error) {
	claimToken := uuid.NewString()
	records, err := r.outbox.ClaimUnpublished(ctx, r.cfg.BatchSize, claimToken, r.now().Add(r.cfg.ClaimTTL))
	if err != nil {
		return RelayStats{}, err
	}

	stats := RelayStats{Claimed: len(records)}
	now := r.now()
	for _, rec := range records {
		if rec.RetryCount >= r.cfg.MaxRetries {
			stats.DeadLettered++
			r.mark(ctx, "mark_dead_lettered", rec, r.outbox.MarkDeadLettered(ctx, rec.ID, claimToken, "retry threshold reached before publish", now))
			continue
		}

		if err := r.publisher.Publish(ctx, rec.Notification); err != nil {
			stats.Failed++
			retries := rec.RetryCount + 1
			fields := []zap.Field{
				zap.String("module", "mcp.relay"),
				zap.String("operation", "publish"),
				zap.String("outcome", "failure"),
				zap.String("outbox_id", rec.ID),
				zap.String("type", rec.Notification.Type),
				zap.Int("retry_count", retries),
				zap.Error(err),
			}
			if retries >= r.cfg.MaxRetries {
				stats.DeadLettered++
				r.logger.Error("outbox notification dead-lettered", fields...)
				r.mark(ctx, "mark_dead_lettered", rec, r.outbox.MarkDeadLettered(ctx, rec.ID, claimToken, err.Error(), now))
				continue
			}
			r.logger.Warn("outbox publish failed; retry scheduled", fields...)
			r.mark(ctx, "mark_failed", rec, r.outbox.MarkFailed(ctx, rec.ID, claimToken, err.Error(), now))
			continue
		}
		stats.Published++
		r.mark(ctx, "mark_published", rec, r.outbox.MarkPublished(ctx, rec.ID, claimToken, now))
	}

	if stats.Claimed > 0 {
		r.logger.Info("outbox batch processed",
			zap.String("module", "mcp.relay"),
			zap.String("operation", "process_once"),
			zap.String("outcome", "success"),
			zap.Int("batch_size", stats.Claimed),
			zap.Int("published_count", stats.Published),
			zap.Int("failed_count", stats.Failed),
			zap.Int("dead_lettered_count", stats.DeadLettered),
		)
	}
	return stats, nil
}

func (r *Relay) mark(ctx context.Context, op string, rec OutboxRecord, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("outbox state update failed",
		zap.String("module", "mcp.relay"),
		zap.String("operation", op),
		zap.String("outbox_id", rec.ID),
		zap.Error(err),
	)
}
