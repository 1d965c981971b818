package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gmpsuite/gmpauth"
	"github.com/gmpsuite/gmpauth/internal/grpcapi"
	"github.com/gmpsuite/gmpauth/internal/httpapi"
	"github.com/gmpsuite/gmpauth/internal/store"
	"github.com/gmpsuite/gmpauth/mcp"
	"github.com/gmpsuite/gmpauth/metrics/export/prometheus"
	"github.com/gmpsuite/gmpauth/permission"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the gRPC token service and the outbox relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	b, err := openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	log := b.log

	engineCfg, err := b.cfg.EngineConfig()
	if err != nil {
		return err
	}
	engine, err := gmpauth.New().
		WithConfig(engineCfg).
		WithRedis(b.redis).
		WithUserProvider(b.users).
		WithNotifier(mcp.NewOutboxPublisher(b.outbox)).
		WithAuditSink(gmpauth.NewZapAuditSink(log.Named("audit"))).
		WithLogger(log).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	if err := seedAdmin(ctx, engine, b); err != nil {
		return err
	}

	router := httpapi.NewRouter(httpapi.NewHandler(httpapi.Deps{
		Engine:         engine,
		Users:          b.users,
		Metrics:        prometheus.NewExporter(engine).Handler(),
		Logger:         log,
		TrustedProxies: b.cfg.TrustedProxies,
	}))
	httpServer := &http.Server{
		Addr:              b.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, healthSrv := grpcapi.NewGRPCServer(engine, log)
	lis, err := net.Listen("tcp", b.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	relay := mcp.NewRelay(b.outbox, mcp.NewRedisBus(b.redis, mcp.DefaultTopology(), log), relayConfig(b), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server started", zap.String("module", "bootstrap"), zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("grpc server started", zap.String("module", "bootstrap"), zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.String("module", "bootstrap"))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
		defer cancel()
		healthSrv.Shutdown()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	return g.Wait()
}

// seedAdmin creates the configured bootstrap administrator once.
func seedAdmin(ctx context.Context, engine *gmpauth.Engine, b *backends) error {
	if b.cfg.AdminUsername == "" {
		return nil
	}
	hash, err := engine.HashPassword(b.cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	created, err := b.users.EnsureUser(ctx, store.NewUser{
		Username:     b.cfg.AdminUsername,
		DisplayName:  "Administrator",
		Site:         b.cfg.AdminSite,
		PasswordHash: hash,
		Roles:        []string{permission.RoleAdmin},
	})
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if created {
		b.log.Info("bootstrap administrator created",
			zap.String("module", "bootstrap"),
			zap.String("username", b.cfg.AdminUsername))
	}
	return nil
}

func relayConfig(b *backends) mcp.RelayConfig {
	return mcp.RelayConfig{
		Interval:   b.cfg.OutboxPollInterval,
		BatchSize:  b.cfg.OutboxBatchSize,
		ClaimTTL:   b.cfg.OutboxClaimTTL,
		MaxRetries: b.cfg.OutboxMaxRetries,
	}
}
