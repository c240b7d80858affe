package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nkkko/notify-relay/internal/bus"
	"github.com/nkkko/notify-relay/internal/config"
	"github.com/nkkko/notify-relay/pkg/client"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/spf13/cobra"
)

func publishCmd(flags *globalFlags) *cobra.Command {
	var (
		user      string
		title     string
		message   string
		priority  string
		url       string
		redisAddr string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a notification to a user",
		Long: "Publish builds a notification record and sends it to every relay subscribed to the bus channel. " +
			"With --url the record is posted to a relay's /notifications endpoint instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(config.Overrides{RedisAddr: redisAddr})
			if err != nil {
				return err
			}

			record := proto.NewNotificationRecord(userJSON(user), title, message, priority)
			body, err := record.Marshal()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var receivers int64
			if url != "" {
				result, err := client.New(url, client.WithTimeout(timeout)).Publish(ctx, body)
				if err != nil {
					return fmt.Errorf("publish via %s: %w", url, err)
				}
				receivers = result.Receivers
			} else {
				b := bus.NewRedisBus(cfg.ToBusConfig().Redis)
				defer b.Close()

				receivers, err = b.Publish(ctx, body)
				if err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "id=%s user=%s receivers=%d\n", record.ID, user, receivers)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "recipient user id")
	cmd.Flags().StringVar(&title, "title", "", "notification title")
	cmd.Flags().StringVar(&message, "message", "", "notification message")
	cmd.Flags().StringVar(&priority, "priority", proto.PriorityMedium, "priority: low, medium or high")
	cmd.Flags().StringVar(&url, "url", "", "relay base URL; publish over HTTP instead of Redis")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// userJSON encodes numeric ids as JSON numbers and everything else as strings
func userJSON(user string) json.RawMessage {
	if _, err := strconv.ParseInt(user, 10, 64); err == nil {
		return json.RawMessage(user)
	}
	b, _ := json.Marshal(user)
	return b
}
