package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/nkkko/notify-relay/internal/config"
	"github.com/nkkko/notify-relay/internal/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var overrides config.Overrides
	var publish bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("publish") {
				overrides.Publish = &publish
			}

			cfg, err := flags.load(overrides)
			if err != nil {
				return err
			}

			e, err := engine.CreateEngine(cfg.ToEngineConfig())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().
				Str("addr", cfg.Server.Addr).
				Str("engine", cfg.Server.Engine).
				Str("bus", cfg.Bus.Type).
				Msg("Starting relay")

			runErr := e.Start(ctx)
			stop()

			if err := e.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("Shutdown incomplete")
			}
			if runErr != nil {
				return fmt.Errorf("relay stopped: %w", runErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&overrides.ServerAddr, "addr", "", "listen address (default :8080)")
	cmd.Flags().StringVar(&overrides.Engine, "engine", "", "HTTP engine: chi or fiber")
	cmd.Flags().StringVar(&overrides.BusType, "bus", "", "notification bus: redis or memory")
	cmd.Flags().StringVar(&overrides.RedisAddr, "redis-addr", "", "Redis address (host:port)")
	cmd.Flags().BoolVar(&publish, "publish", false, "enable POST /notifications")
	return cmd
}
