package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/gmpsuite/gmpauth/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var relayLogOnly bool

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Drain the notification outbox onto the message bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := openBackends(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		var publisher mcp.Publisher = mcp.NewRedisBus(b.redis, mcp.DefaultTopology(), b.log)
		if relayLogOnly {
			publisher = mcp.NewLoggingPublisher(b.log)
		}
		b.log.Info("outbox relay started", zap.String("module", "bootstrap"), zap.Bool("log_only", relayLogOnly))
		err = mcp.NewRelay(b.outbox, publisher, relayConfig(b), b.log).Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	relayCmd.Flags().BoolVar(&relayLogOnly, "log-only", false, "log notifications instead of publishing them")
	rootCmd.AddCommand(relayCmd)
}
