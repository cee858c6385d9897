package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/cachesync-go/contracts"
	"github.com/glimte/cachesync-go/internal/jsoncodec"
	"github.com/glimte/cachesync-go/internal/rabbitmq"
	"github.com/glimte/cachesync-go/internal/reliability"
	"github.com/glimte/cachesync-go/messaging"
)

func newPublishCmd(s *settings) *cobra.Command {
	var (
		file       string
		appID      string
		timeout    time.Duration
		bestEffort bool
	)

	cmd := &cobra.Command{
		Use:   "publish <event> [payload]",
		Short: "Publish a domain event, e.g. to resync the caches after a missed one",
		Example: `  cachesync publish user.updated '{"id":42,"name":"Ada","email":"ada@example.com","role":"admin"}'
  cachesync publish inventory.changed --file stock.json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := contracts.EventType(args[0])
			if !event.Known() {
				return fmt.Errorf("unknown event %q", event)
			}

			raw, err := readPayload(cmd.InOrStdin(), args[1:], file)
			if err != nil {
				return err
			}
			entity, err := decodeEntity(event, raw)
			if err != nil {
				return err
			}

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

			conn := rabbitmq.NewConnectionManager(cfg.RabbitMQURL,
				rabbitmq.WithLogger(logger),
				rabbitmq.WithConfirmMode(cfg.PublishConfirms))
			defer conn.Close()

			err = reliability.Retry(ctx, reliability.NewIncrementalBackoff(time.Second, 2), func() error {
				_, err := conn.Connect(ctx)
				if rabbitmq.IsFatal(err) {
					return reliability.Permanent(err)
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("connect to broker: %w", err)
			}

			publisher := messaging.NewEventPublisher(
				rabbitmq.NewPublisher(conn, rabbitmq.WithPublisherLogger(logger)),
				messaging.WithAppID(appID),
				messaging.WithPublisherLogger(logger),
			)
			return publishEvent(ctx, cmd.OutOrStdout(), publisher, event, entity, bestEffort)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", `read the payload from a file, "-" for stdin`)
	cmd.Flags().StringVar(&appID, "app-id", "cachesync-cli", "AppId stamped on the message")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "give up after this long")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "report a failed publish without failing the command")

	return cmd
}

func readPayload(stdin io.Reader, args []string, file string) ([]byte, error) {
	switch {
	case len(args) > 0 && file != "":
		return nil, errors.New("pass the payload as an argument or with --file, not both")
	case len(args) > 0:
		return []byte(args[0]), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, errors.New("payload required")
}

// decodeEntity reads raw as the payload type of the event's domain.
func decodeEntity(event contracts.EventType, raw []byte) (contracts.Entity, error) {
	var (
		entity contracts.Entity
		err    error
	)
	switch event.Domain() {
	case contracts.DomainUser:
		var u contracts.UserPayload
		err = jsoncodec.Unmarshal(raw, &u)
		entity = u
	case contracts.DomainProduct:
		var p contracts.ProductPayload
		err = jsoncodec.Unmarshal(raw, &p)
		entity = p
	case contracts.DomainOrder:
		var o contracts.OrderPayload
		err = jsoncodec.Unmarshal(raw, &o)
		entity = o
	default:
		return nil, fmt.Errorf("unknown event %q", event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", event.Domain(), err)
	}
	if err := contracts.Validate(entity); err != nil {
		return nil, err
	}
	return entity, nil
}

func publishEvent(ctx context.Context, w io.Writer, p *messaging.EventPublisher, event contracts.EventType, entity contracts.Entity, bestEffort bool) error {
	if bestEffort {
		if !p.PublishBestEffort(ctx, event, entity) {
			fmt.Fprintf(w, "dropped %s for %s %s\n", event, entity.Domain(), entity.EntityID())
			return nil
		}
	} else if err := p.Publish(ctx, event, entity); err != nil {
		return err
	}

	fmt.Fprintf(w, "published %s for %s %s\n", event, entity.Domain(), entity.EntityID())
	return nil
}
