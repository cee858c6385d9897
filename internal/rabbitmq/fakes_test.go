package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

type publishedMessage struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type fakeChannel struct {
	mu sync.Mutex

	closed     bool
	closeErr   error
	confirm    bool
	confirmErr error
	qos        int

	exchanges map[string]ExchangeDeclaration
	queues    map[string]QueueDeclaration
	bindings  map[string]bool
	depth     map[string]int

	exchangeErr error
	bindErr     error
	publishErr  error
	consumeErr  error

	published  []publishedMessage
	deliveries chan amqp.Delivery
	cancelled  []string
	notify     []chan *amqp.Error

	acks  []uint64
	nacks []uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges:  make(map[string]ExchangeDeclaration),
		queues:     make(map[string]QueueDeclaration),
		bindings:   make(map[string]bool),
		depth:      make(map[string]int),
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeErr != nil {
		return f.exchangeErr
	}
	decl := ExchangeDeclaration{Name: name, Type: kind, Durable: durable, AutoDelete: autoDelete}
	if existing, ok := f.exchanges[name]; ok && existing.Type != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type'"}
	}
	f.exchanges[name] = decl
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.queues[name]; ok && existing.Durable != durable {
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'durable'"}
	}
	f.queues[name] = QueueDeclaration{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[name]; !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "no queue '" + name + "'"}
	}
	return amqp.Queue{Name: name, Messages: f.depth[name]}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	// the broker keeps one binding per (queue, exchange, key)
	f.bindings[bindingKey(name, exchange, key)] = true
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	return nil
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirm = true
	return nil
}

// Deferred confirmations cannot be built outside amqp091, so the fake always
// behaves like a channel without confirm mode.
func (f *fakeChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, amqp.ErrClosed
	}
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, publishedMessage{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil, nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, c)
	return c
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.shutdown(nil)
	return f.closeErr
}

// shutdown mimics the broker closing the channel.
func (f *fakeChannel) shutdown(reason *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, c := range f.notify {
		if reason != nil {
			c <- reason
		}
		close(c)
	}
	f.notify = nil
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, tag)
	return nil
}

func (f *fakeChannel) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeChannel) publishedMessages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.published...)
}

type fakeConnection struct {
	mu         sync.Mutex
	closed     bool
	closeErr   error
	channel    *fakeChannel
	channelErr error
	notify     []chan *amqp.Error
}

func (f *fakeConnection) Channel() (Channel, error) {
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	return f.channel, nil
}

func (f *fakeConnection) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, c)
	return c
}

func (f *fakeConnection) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConnection) Close() error {
	f.shutdown(nil)
	f.channel.shutdown(nil)
	return f.closeErr
}

func (f *fakeConnection) shutdown(reason *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, c := range f.notify {
		if reason != nil {
			c <- reason
		}
		close(c)
	}
	f.notify = nil
}

// fakeBroker is a Dialer that counts dials and hands out fresh connections.
type fakeBroker struct {
	mu      sync.Mutex
	dials   atomic.Int32
	fail    error
	gate    chan struct{}
	conns   []*fakeConnection
	prepare func(*fakeConnection)
}

func (b *fakeBroker) Dial(url string) (Connection, error) {
	b.dials.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	conn := &fakeConnection{channel: newFakeChannel()}
	if b.prepare != nil {
		b.prepare(conn)
	}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) last() *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

var errBrokerDown = errors.New("dial tcp: connection refused")

// staticProvider returns the same channel for every Connect.
type staticProvider struct {
	ch  Channel
	err error
}

func (p staticProvider) Connect(context.Context) (Channel, error) {
	return p.ch, p.err
}

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func bindingKey(queue, exchange, key string) string {
	return exchange + "|" + key + "|" + queue
}
