package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns the single broker connection and channel of a
// process. Connect is single-flight: concurrent callers share one dial and
// receive the same channel. There is no background reconnect loop; a lost
// connection resets the state and the next Connect dials again.
type ConnectionManager struct {
	url            string
	dial           Dialer
	confirmMode    bool
	connectTimeout time.Duration
	logger         *slog.Logger

	mu         sync.Mutex
	conn       Connection
	ch         Channel
	generation uint64
	attempt    *connectAttempt

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// connectAttempt is the in-flight dial shared by concurrent callers.
// abandoned is set when the dialing caller's own context ended, so the error
// says nothing about the broker.
type connectAttempt struct {
	done      chan struct{}
	ch        Channel
	err       error
	abandoned bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces amqp.Dial, mostly for tests.
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConfirmMode puts the shared channel into publisher confirm mode.
func WithConfirmMode(enabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.confirmMode = enabled
	}
}

// WithConnectTimeout bounds a single dial.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		confirmMode:    true,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect returns the live channel, dialing if there is none. Callers that
// arrive while a dial is in flight wait for it and get its result, unless
// the dialing caller gave up, in which case they dial themselves.
func (cm *ConnectionManager) Connect(ctx context.Context) (Channel, error) {
	for {
		cm.mu.Lock()
		if cm.ch != nil && !cm.ch.IsClosed() {
			ch := cm.ch
			cm.mu.Unlock()
			return ch, nil
		}

		a := cm.attempt
		if a == nil {
			break
		}
		cm.mu.Unlock()

		select {
		case <-a.done:
			if a.abandoned && ctx.Err() == nil {
				continue
			}
			return a.ch, a.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// stale handles whose close notification has not been processed yet
	staleConn := cm.conn
	cm.conn, cm.ch = nil, nil
	cm.generation++

	a := &connectAttempt{done: make(chan struct{})}
	cm.attempt = a
	cm.mu.Unlock()

	if staleConn != nil {
		if !staleConn.IsClosed() {
			_ = staleConn.Close()
		}
		cm.logger.Warn("RabbitMQ channel found closed, reconnecting")
		cm.notifyDisconnected(ErrNotConnected)
	}

	conn, ch, err := cm.open(ctx)

	cm.mu.Lock()
	cm.attempt = nil
	if err == nil {
		cm.generation++
		cm.conn, cm.ch = conn, ch
		cm.watch(cm.generation, conn, ch)
	}
	a.ch, a.err = ch, err
	a.abandoned = err != nil && ctx.Err() != nil
	close(a.done)
	cm.mu.Unlock()

	if err != nil {
		cm.logger.Error("failed to connect to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"error", err)
		return nil, err
	}

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"confirmMode", cm.confirmMode)
	cm.notifyConnected()

	return ch, nil
}

type dialResult struct {
	conn Connection
	err  error
}

// open dials and prepares a channel. On any failure nothing is left open.
func (cm *ConnectionManager) open(ctx context.Context) (Connection, Channel, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		results <- dialResult{conn: conn, err: err}
	}()

	var conn Connection
	select {
	case res := <-results:
		if res.err != nil {
			return nil, nil, cm.connectionError("dial", res.err)
		}
		conn = res.conn

	case <-connCtx.Done():
		// the dial may still succeed after we gave up on it
		go func() {
			if res := <-results; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, nil, cm.connectionError("dial", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, cm.connectionError("open channel", err)
	}

	if cm.confirmMode {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, cm.connectionError("enable confirms", err)
		}
	}

	return conn, ch, nil
}

func (cm *ConnectionManager) connectionError(op string, err error) error {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// watch registers close listeners once per successful connect. Must be called
// with cm.mu held.
func (cm *ConnectionManager) watch(generation uint64, conn Connection, ch Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		var (
			reason *amqp.Error
			source string
		)
		select {
		case reason = <-connClosed:
			source = "connection"
		case reason = <-chClosed:
			source = "channel"
		}
		cm.reset(generation, source, reason)
	}()
}

// reset drops the handles of the given generation after the broker closed
// them. Newer generations are left alone.
func (cm *ConnectionManager) reset(generation uint64, source string, reason *amqp.Error) {
	cm.mu.Lock()
	if cm.generation != generation {
		cm.mu.Unlock()
		return
	}
	conn := cm.conn
	cm.conn, cm.ch = nil, nil
	cm.generation++
	cm.mu.Unlock()

	// a closed channel leaves its connection open
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}

	var err error
	if reason != nil {
		err = reason
		cm.logger.Error("RabbitMQ "+source+" closed",
			"error", reason.Reason,
			"code", reason.Code)
	} else {
		err = ErrNotConnected
		cm.logger.Warn("RabbitMQ " + source + " closed")
	}

	cm.notifyDisconnected(err)
}

// IsConnected reports whether a live channel is held
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.ch != nil && !cm.ch.IsClosed()
}

// Close closes the channel, then the connection. Failures are logged and
// returned joined; the state is reset either way so a later Connect starts
// fresh.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	conn, ch := cm.conn, cm.ch
	cm.conn, cm.ch = nil, nil
	cm.generation++
	cm.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			cm.logger.Error("failed to close RabbitMQ channel", "error", err)
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			cm.logger.Error("failed to close RabbitMQ connection", "error", err)
			errs = append(errs, err)
		}
	}

	if conn != nil || ch != nil {
		cm.logger.Info("RabbitMQ connection closed")
		cm.notifyDisconnected(nil)
	}

	return errors.Join(errs...)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnDisconnected(err)
	}
}
