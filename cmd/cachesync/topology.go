package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/cachesync-go/internal/rabbitmq"
	"github.com/glimte/cachesync-go/internal/reliability"
)

func newSetupTopologyCmd(s *settings) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "setup-topology",
		Short: "Declare the exchanges, queues and bindings, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.RabbitMQURL == "" {
				return errors.New("RABBITMQ_URL is required")
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			conn := rabbitmq.NewConnectionManager(cfg.RabbitMQURL, rabbitmq.WithLogger(logger))
			defer conn.Close()

			err = reliability.Retry(ctx, reliability.NewIncrementalBackoff(time.Second, 4), func() error {
				_, err := conn.Connect(ctx)
				return err
			})
			if err != nil {
				return fmt.Errorf("connect to broker: %w", err)
			}

			topology := rabbitmq.DefaultTopology()
			if err := rabbitmq.NewTopologyManager(conn, logger).DeclareTopology(ctx, topology); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "declared %d exchanges, %d queues, %d bindings\n",
				len(topology.Exchanges), len(topology.Queues), len(topology.Bindings))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")

	return cmd
}
