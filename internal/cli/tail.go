package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/notify-relay/internal/config"
	"github.com/nkkko/notify-relay/pkg/client"
	"github.com/spf13/cobra"
)

func tailCmd(flags *globalFlags) *cobra.Command {
	var (
		url     string
		user    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Join as a user and print events as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := flags.load(config.Overrides{}); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			conn, err := client.Dial(dialCtx, url, client.WithTimeout(timeout))
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.Join(userJSON(user)); err != nil {
				return fmt.Errorf("join: %w", err)
			}

			out := cmd.OutOrStdout()
			for {
				select {
				case ev, ok := <-conn.Events():
					if !ok {
						return errors.New("connection closed by server")
					}
					fmt.Fprintf(out, "%s %s\n", ev.Name, ev.Data)
				case <-ctx.Done():
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "relay WebSocket URL")
	cmd.Flags().StringVar(&user, "user", "", "user id to join as")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connect timeout")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
