package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/cachesync-go/contracts"
	"github.com/glimte/cachesync-go/internal/rabbitmq"
)

func newQueuesCmd(s *settings) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "queues [queue-names...]",
		Short: "Show message and consumer counts of the inbox queues",
		Long:  "Show message and consumer counts. Without arguments all three inbox queues are listed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.load()
			if err != nil {
				return err
			}
			if cfg.RabbitMQURL == "" {
				return errors.New("RABBITMQ_URL is required")
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			names := args
			if len(names) == 0 {
				names = []string{contracts.UserEventsQueue, contracts.ProductEventsQueue, contracts.OrderEventsQueue}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			conn := rabbitmq.NewConnectionManager(cfg.RabbitMQURL, rabbitmq.WithLogger(logger))
			defer conn.Close()

			stats, err := rabbitmq.NewTopologyManager(conn, logger).InspectQueues(ctx, names...)
			printQueues(cmd.OutOrStdout(), stats)
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up after this long")

	return cmd
}

func printQueues(w io.Writer, queues []rabbitmq.QueueStats) {
	if len(queues) == 0 {
		fmt.Fprintln(w, "No queues found")
		return
	}

	fmt.Fprintf(w, "%-30s %-10s %-10s\n", "Name", "Messages", "Consumers")
	fmt.Fprintln(w, strings.Repeat("-", 52))

	for _, q := range queues {
		fmt.Fprintf(w, "%-30s %-10d %-10d\n", q.Name, q.Messages, q.Consumers)
	}
}
