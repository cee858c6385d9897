package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cachesync-go/contracts"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Validate checks the topology before anything is sent to the broker:
// names are set, everything is durable, and bindings only reference declared
// exchanges and queues.
func (t Topology) Validate() error {
	var errs []error

	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		if ex.Name == "" {
			errs = append(errs, errors.New("exchange without a name"))
			continue
		}
		if !ex.Durable {
			errs = append(errs, fmt.Errorf("exchange %s must be durable", ex.Name))
		}
		exchanges[ex.Name] = true
	}

	queues := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			errs = append(errs, errors.New("queue without a name"))
			continue
		}
		if !q.Durable {
			errs = append(errs, fmt.Errorf("queue %s must be durable", q.Name))
		}
		queues[q.Name] = true
	}

	for _, b := range t.Bindings {
		if !exchanges[b.Exchange] {
			errs = append(errs, fmt.Errorf("binding %s -> %s references undeclared exchange", b.Exchange, b.Queue))
		}
		if !queues[b.Queue] {
			errs = append(errs, fmt.Errorf("binding %s -> %s references undeclared queue", b.Exchange, b.Queue))
		}
		if b.RoutingKey == "" {
			errs = append(errs, fmt.Errorf("binding %s -> %s has no routing key", b.Exchange, b.Queue))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTopology, errors.Join(errs...))
	}
	return nil
}

// DefaultTopology returns the exchanges, inbox queues and bindings shared by
// all services. Routing keys are exact event types; nothing is wildcarded.
func DefaultTopology() Topology {
	t := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: contracts.UserEventsExchange, Type: amqp.ExchangeDirect, Durable: true},
			{Name: contracts.ProductEventsExchange, Type: amqp.ExchangeDirect, Durable: true},
			{Name: contracts.OrderEventsExchange, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: contracts.UserEventsQueue, Durable: true},
			{Name: contracts.ProductEventsQueue, Durable: true},
			{Name: contracts.OrderEventsQueue, Durable: true},
		},
	}

	bind := func(queue, exchange string, domain contracts.Domain) {
		for _, event := range contracts.EventsOf(domain) {
			t.Bindings = append(t.Bindings, Binding{
				Queue:      queue,
				Exchange:   exchange,
				RoutingKey: event.String(),
			})
		}
	}

	bind(contracts.UserEventsQueue, contracts.UserEventsExchange, contracts.DomainUser)
	bind(contracts.ProductEventsQueue, contracts.ProductEventsExchange, contracts.DomainProduct)
	bind(contracts.OrderEventsQueue, contracts.UserEventsExchange, contracts.DomainUser)
	bind(contracts.OrderEventsQueue, contracts.ProductEventsExchange, contracts.DomainProduct)
	bind(contracts.OrderEventsQueue, contracts.OrderEventsExchange, contracts.DomainOrder)

	return t
}

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	provider ChannelProvider
	logger   *slog.Logger
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(provider ChannelProvider, logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{
		provider: provider,
		logger:   logger,
	}
}

// SetupQueues declares the default topology. It is safe to call on every
// start; a declaration that conflicts with what the broker already has is
// returned as a *TopologyError and should abort startup.
func (tm *TopologyManager) SetupQueues(ctx context.Context) error {
	return tm.DeclareTopology(ctx, DefaultTopology())
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	if err := topology.Validate(); err != nil {
		return &TopologyError{Component: "topology", Op: "validate", Err: err, Timestamp: time.Now()}
	}

	ch, err := tm.provider.Connect(ctx)
	if err != nil {
		return err
	}

	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		); err != nil {
			return tm.topologyError("exchange", exchange.Name, "declare", err)
		}
	}

	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		); err != nil {
			return tm.topologyError("queue", queue.Name, "declare", err)
		}
	}

	for _, binding := range topology.Bindings {
		if err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		); err != nil {
			name := binding.Exchange + " -> " + binding.Queue + " (" + binding.RoutingKey + ")"
			return tm.topologyError("binding", name, "bind", err)
		}
	}

	tm.logger.Info("RabbitMQ topology declared",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"bindings", len(topology.Bindings))

	return nil
}

// QueueStats is the broker's count of ready messages and consumers on a queue
type QueueStats struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// InspectQueues reads the depth and consumer count of each queue with a
// passive declare. The broker closes the channel when a queue does not
// exist, so the first missing queue ends the inspection.
func (tm *TopologyManager) InspectQueues(ctx context.Context, names ...string) ([]QueueStats, error) {
	ch, err := tm.provider.Connect(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]QueueStats, 0, len(names))
	for _, name := range names {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return stats, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
		}
		stats = append(stats, QueueStats{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers})
	}
	return stats, nil
}

func (tm *TopologyManager) topologyError(component, name, op string, err error) error {
	tm.logger.Error("failed to declare RabbitMQ topology",
		"component", component,
		"name", name,
		"error", err)
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
