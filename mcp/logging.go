package mcp

import (
	"context"

	"go.uber.org/zap"
)

// LoggingPublisher logs notifications and delivers nothing. It stands in for
// the bus in local runs and tests.
type LoggingPublisher struct {
	logger *zap.Logger
}

func NewLoggingPublisher(logger *zap.Logger) *LoggingPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(_ context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	p.logger.Info("notification",
		zap.String("module", "mcp.logging_publisher"),
		zap.String("notification_id", n.ID),
		zap.String("type", n.Type),
		zap.String("source", n.Source),
		zap.String("subject", n.Subject),
		zap.String("correlation_id", n.CorrelationID),
		zap.ByteString("payload", n.Payload),
	)
	return nil
}
