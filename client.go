// Copyright 2024 The cachesync-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cachesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/cachesync-go/cache"
	"github.com/glimte/cachesync-go/contracts"
	"github.com/glimte/cachesync-go/health"
	"github.com/glimte/cachesync-go/internal/metrics"
	"github.com/glimte/cachesync-go/internal/rabbitmq"
	"github.com/glimte/cachesync-go/internal/reliability"
	"github.com/glimte/cachesync-go/messaging"
)

// ServiceConfig holds the broker settings of one service process
type ServiceConfig struct {
	Name            string
	BrokerURL       string
	MaxRetries      int
	RetryStep       time.Duration
	PrefetchCount   int
	PublishConfirms bool
}

// DefaultServiceConfig returns the settings used when none are given
func DefaultServiceConfig(name, brokerURL string) ServiceConfig {
	return ServiceConfig{
		Name:            name,
		BrokerURL:       brokerURL,
		MaxRetries:      2,
		RetryStep:       5 * time.Second,
		PrefetchCount:   10,
		PublishConfirms: true,
	}
}

// Service wires the broker connection, topology, publisher, inbox consumer
// and retry policy of one service process
type Service struct {
	name  string
	inbox string

	conn        *rabbitmq.ConnectionManager
	topology    *rabbitmq.TopologyManager
	publisher   *messaging.EventPublisher
	consumer    *messaging.EventConsumer
	retry       *reliability.RetryHandler
	deadLetters reliability.DeadLetterStore
	users       cache.Store[cache.UserRecord]
	products    cache.Store[cache.ProductRecord]
	metrics     *metrics.Collector
	health      *health.Registry
	logger      *slog.Logger

	startupPolicy reliability.RetryPolicy
}

type serviceOptions struct {
	logger           *slog.Logger
	deadLetterLogger *slog.Logger
	dialer           rabbitmq.Dialer
	scheduler        reliability.Scheduler
	users            cache.Store[cache.UserRecord]
	products         cache.Store[cache.ProductRecord]
	deadLetters      reliability.DeadLetterStore
	metrics          *metrics.Collector
	startupPolicy    reliability.RetryPolicy
}

// Option configures a Service
type Option func(*serviceOptions)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithDeadLetterLogger sets the dead-letter sink
func WithDeadLetterLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) {
		o.deadLetterLogger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(o *serviceOptions) {
		o.dialer = dial
	}
}

// WithScheduler replaces the retry timer
func WithScheduler(schedule reliability.Scheduler) Option {
	return func(o *serviceOptions) {
		o.scheduler = schedule
	}
}

// WithUserStore sets the user cache; the default is in memory
func WithUserStore(store cache.Store[cache.UserRecord]) Option {
	return func(o *serviceOptions) {
		o.users = store
	}
}

// WithProductStore sets the product cache; the default is in memory
func WithProductStore(store cache.Store[cache.ProductRecord]) Option {
	return func(o *serviceOptions) {
		o.products = store
	}
}

// WithDeadLetterStore sets where dead letters are kept for inspection
func WithDeadLetterStore(store reliability.DeadLetterStore) Option {
	return func(o *serviceOptions) {
		o.deadLetters = store
	}
}

// WithMetrics records publish, consume, retry and connection metrics
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *serviceOptions) {
		o.metrics = collector
	}
}

// WithStartupRetry sets the policy for the first broker connect
func WithStartupRetry(policy reliability.RetryPolicy) Option {
	return func(o *serviceOptions) {
		o.startupPolicy = policy
	}
}

// NewService wires a service. The inbox queue and the caches it maintains
// follow from cfg.Name: order caches users and products, product caches
// users, user caches nothing.
func NewService(cfg ServiceConfig, options ...Option) (*Service, error) {
	name := strings.ToLower(cfg.Name)
	inbox, ok := contracts.InboxFor(name)
	if !ok {
		return nil, fmt.Errorf("unknown service %q", cfg.Name)
	}

	o := &serviceOptions{
		logger:        slog.Default(),
		dialer:        rabbitmq.DialAMQP,
		scheduler:     reliability.AfterFunc,
		users:         cache.NewMemoryStore[cache.UserRecord](),
		products:      cache.NewMemoryStore[cache.ProductRecord](),
		deadLetters:   reliability.NewInMemoryDeadLetterStore(1000),
		startupPolicy: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2, 5),
	}
	for _, opt := range options {
		opt(o)
	}
	logger := o.logger.With("service", name)
	if o.deadLetterLogger == nil {
		o.deadLetterLogger = logger.With("component", "dead-letter")
	}

	conn := rabbitmq.NewConnectionManager(cfg.BrokerURL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithDialer(o.dialer),
		rabbitmq.WithConfirmMode(cfg.PublishConfirms),
	)
	rawPublisher := rabbitmq.NewPublisher(conn, rabbitmq.WithPublisherLogger(logger))

	retryOpts := []reliability.RetryOption{
		reliability.WithRetryPolicy(reliability.NewIncrementalBackoff(cfg.RetryStep, cfg.MaxRetries)),
		reliability.WithScheduler(o.scheduler),
		reliability.WithRetryLogger(logger),
		reliability.WithDeadLetterLogger(o.deadLetterLogger),
		reliability.WithDeadLetterStore(o.deadLetters),
	}
	publisherOpts := []messaging.EventPublisherOption{
		messaging.WithPublisherLogger(logger),
		messaging.WithAppID(name),
	}
	consumerOpts := []messaging.EventConsumerOption{
		messaging.WithConsumerLogger(logger),
	}
	if o.metrics != nil {
		conn.AddStateListener(o.metrics)
		retryOpts = append(retryOpts, reliability.WithMetricsCollector(o.metrics))
		publisherOpts = append(publisherOpts, messaging.WithPublishMetrics(o.metrics))
		consumerOpts = append(consumerOpts, messaging.WithConsumeMetrics(o.metrics))
	}

	retry := reliability.NewRetryHandler(rabbitmq.NewRepublisher(rawPublisher, logger), retryOpts...)

	dispatcher := messaging.NewDispatcher(messaging.WithDispatcherLogger(logger))
	for _, domain := range cachedDomains(name) {
		var reconciler messaging.Reconciler
		switch domain {
		case contracts.DomainUser:
			reconciler = messaging.NewUserCacheReconciler(o.users, logger)
		case contracts.DomainProduct:
			reconciler = messaging.NewProductCacheReconciler(o.products, logger)
		}
		if err := dispatcher.Register(domain, reconciler); err != nil {
			return nil, err
		}
	}

	subscriber := rabbitmq.NewConsumer(conn,
		rabbitmq.WithPrefetchCount(cfg.PrefetchCount),
		rabbitmq.WithConsumerTagPrefix(name),
		rabbitmq.WithConsumerLogger(logger),
	)

	s := &Service{
		name:          name,
		inbox:         inbox,
		conn:          conn,
		topology:      rabbitmq.NewTopologyManager(conn, logger),
		publisher:     messaging.NewEventPublisher(rawPublisher, publisherOpts...),
		consumer:      messaging.NewEventConsumer(inbox, subscriber, dispatcher, retry, consumerOpts...),
		retry:         retry,
		deadLetters:   o.deadLetters,
		users:         o.users,
		products:      o.products,
		metrics:       o.metrics,
		health:        health.NewRegistry(),
		logger:        logger,
		startupPolicy: o.startupPolicy,
	}
	s.registerHealthChecks()
	return s, nil
}

// cachedDomains lists the foreign entities a service keeps a copy of.
func cachedDomains(service string) []contracts.Domain {
	switch service {
	case "order":
		return []contracts.Domain{contracts.DomainUser, contracts.DomainProduct}
	case "product":
		return []contracts.Domain{contracts.DomainUser}
	}
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Service) registerHealthChecks() {
	s.health.SetMetadata("service", s.name)
	s.health.SetMetadata("inbox", s.inbox)
	s.health.Register(health.NewBrokerChecker(s.conn))
	s.health.Register(health.NewConsumerChecker(s.consumer))

	for _, domain := range cachedDomains(s.name) {
		var store any = s.users
		if domain == contracts.DomainProduct {
			store = s.products
		}
		if p, ok := store.(pinger); ok {
			s.health.Register(health.NewComponentChecker(string(domain)+"-cache", p.Ping))
		}
	}

	s.health.Register(health.NewComponentChecker("dead-letters", func(ctx context.Context) error {
		recent, err := s.deadLetters.List(ctx, reliability.DeadLetterFilter{
			Queue: s.inbox,
			Since: time.Now().Add(-15 * time.Minute),
		})
		if err != nil {
			return err
		}
		if len(recent) > 0 {
			return fmt.Errorf("%d messages dead-lettered in the last 15m", len(recent))
		}
		return nil
	}).Degraded())
}

// Start connects to the broker, retrying per the startup policy, declares
// the topology and starts the inbox consumer. Refused credentials and
// topology errors are fatal.
func (s *Service) Start(ctx context.Context) error {
	err := reliability.Retry(ctx, s.startupPolicy, func() error {
		_, err := s.conn.Connect(ctx)
		if rabbitmq.IsFatal(err) {
			return reliability.Permanent(err)
		}
		if err != nil {
			s.logger.Warn("broker not reachable yet", "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	if err := s.topology.SetupQueues(ctx); err != nil {
		return fmt.Errorf("setup topology: %w", err)
	}

	if err := s.consumer.Start(ctx); err != nil {
		return err
	}

	s.logger.Info("service started", "inbox", s.inbox)
	return nil
}

// Wait blocks until the inbox subscription ends or ctx is done
func (s *Service) Wait(ctx context.Context) error {
	return s.consumer.Wait(ctx)
}

// Name returns the service name
func (s *Service) Name() string {
	return s.name
}

// Inbox returns the queue the service consumes
func (s *Service) Inbox() string {
	return s.inbox
}

// Publisher returns the domain event publisher
func (s *Service) Publisher() *messaging.EventPublisher {
	return s.publisher
}

// Health returns the health registry
func (s *Service) Health() *health.Registry {
	return s.health
}

// DeadLetters returns the dead-letter store
func (s *Service) DeadLetters() reliability.DeadLetterStore {
	return s.deadLetters
}

// Users returns the user cache
func (s *Service) Users() cache.Store[cache.UserRecord] {
	return s.users
}

// Products returns the product cache
func (s *Service) Products() cache.Store[cache.ProductRecord] {
	return s.products
}

// Shutdown cancels pending retries, stops the consumer and closes the
// broker connection. Messages whose retry was pending stay unacked and are
// redelivered by the broker. Call it before stopping the HTTP listener.
func (s *Service) Shutdown(ctx context.Context) error {
	s.retry.Close()

	var errs []error
	stopped := make(chan error, 1)
	go func() { stopped <- s.consumer.Stop() }()
	select {
	case err := <-stopped:
		if err != nil && !errors.Is(err, rabbitmq.ErrNotSubscribed) {
			errs = append(errs, fmt.Errorf("stop consumer: %w", err))
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stop consumer: %w", ctx.Err()))
	}

	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker connection: %w", err))
	}

	s.logger.Info("service stopped")
	return errors.Join(errs...)
}
