package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus publishes notifications over Redis pub/sub. Each matching queue
// gets its own channel, so a notification bound to three queues is
// delivered three times.
type RedisBus struct {
	rdb      redis.UniversalClient
	topology Topology
	logger   *zap.Logger
}

// NewRedisBus returns a bus over rdb. A nil logger is replaced by zap.NewNop.
func NewRedisBus(rdb redis.UniversalClient, topology Topology, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{rdb: rdb, topology: topology, logger: logger}
}

// Topology returns the routing table the bus was built with.
func (b *RedisBus) Topology() Topology {
	return b.topology
}

// Publish routes n and fans it out. It fails with ErrUnroutable when no
// binding matches and stops at the first channel that cannot be written.
func (b *RedisBus) Publish(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	queues := b.topology.Route(n.Type)
	if len(queues) == 0 {
		return fmt.Errorf("%w: %s", ErrUnroutable, n.Type)
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	for _, q := range queues {
		if err := b.rdb.Publish(ctx, b.topology.Channel(q), data).Err(); err != nil {
			return fmt.Errorf("mcp: publish %s to %s: %w", n.Type, q, err)
		}
	}
	b.logger.Debug("notification published",
		zap.String("module", "mcp.redis_bus"),
		zap.String("operation", "publish"),
		zap.String("notification_id", n.ID),
		zap.String("type", n.Type),
		zap.Strings("queues", queues),
	)
	return nil
}

// Subscribe attaches to queue. The subscription is confirmed before
// Subscribe returns, so notifications published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, queue string) (*Subscription, error) {
	if !b.topology.HasQueue(queue) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	ps := b.rdb.Subscribe(ctx, b.topology.Channel(queue))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("mcp: subscribe %s: %w", queue, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		queue:  queue,
		ps:     ps,
		events: make(chan Notification, 64),
		errs:   make(chan error, 16),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: b.logger,
	}
	go s.run(runCtx)
	return s, nil
}

// Subscription is a live attachment to one queue.
type Subscription struct {
	queue  string
	ps     *redis.PubSub
	events chan Notification
	errs   chan error
	done   chan struct{}
	cancel context.CancelFunc
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Events yields decoded notifications until the subscription is closed.
func (s *Subscription) Events() <-chan Notification { return s.events }

// Errors yields decode failures. Errors are dropped when nobody reads them.
func (s *Subscription) Errors() <-chan error { return s.errs }

// Close detaches from Redis and waits for the reader goroutine to exit.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.ps.Close()
		<-s.done
	})
	return s.closeErr
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.errs)
	defer close(s.events)

	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var n Notification
			err := json.Unmarshal([]byte(msg.Payload), &n)
			if err == nil {
				err = n.Validate()
			}
			if err != nil {
				s.logger.Warn("notification dropped",
					zap.String("module", "mcp.subscription"),
					zap.String("queue", s.queue),
					zap.Error(err),
				)
				select {
				case s.errs <- errors.Join(ErrInvalidNotification, err):
				default:
				}
				continue
			}
			select {
			case s.events <- n:
			case <-ctx.Done():
				return
			}
		}
	}
}
