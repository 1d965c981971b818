package commands

import (
	"context"
	"fmt"

	"github.com/gmpsuite/gmpauth/internal/config"
	"github.com/gmpsuite/gmpauth/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// backends are the connections shared by serve and relay.
type backends struct {
	cfg    config.Config
	log    *zap.Logger
	db     *gorm.DB
	redis  *redis.Client
	users  *store.Users
	outbox *store.Outbox
}

func openBackends(ctx context.Context) (*backends, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Ephemeral {
		log.Warn("using an ephemeral signing key; tokens will not survive a restart",
			zap.String("module", "bootstrap"))
	}

	db, err := store.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns, log)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, db); err != nil {
		closeDB(db)
		return nil, err
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		closeDB(db)
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &backends{
		cfg:    cfg,
		log:    log,
		db:     db,
		redis:  rdb,
		users:  store.NewUsers(db),
		outbox: store.NewOutbox(db),
	}, nil
}

func (b *backends) Close() {
	_ = b.redis.Close()
	closeDB(b.db)
	_ = b.log.Sync()
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
