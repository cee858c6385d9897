package health

import (
	"context"
	"time"
)

// ConnectionState reports whether the broker link is up;
// *rabbitmq.ConnectionManager implements it.
type ConnectionState interface {
	IsConnected() bool
}

// BrokerChecker reports the broker connection
type BrokerChecker struct {
	conn ConnectionState
}

// NewBrokerChecker creates a broker checker
func NewBrokerChecker(conn ConnectionState) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Status: StatusHealthy, Message: "connected"}
	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "no live channel"
	}
	result.Duration = time.Since(start)
	return result
}

// Subscription reports whether an inbox consumer is running;
// *messaging.EventConsumer implements it.
type Subscription interface {
	Queue() string
	Running() bool
}

// ConsumerChecker reports the inbox consumer
type ConsumerChecker struct {
	sub Subscription
}

// NewConsumerChecker creates a consumer checker
func NewConsumerChecker(sub Subscription) *ConsumerChecker {
	return &ConsumerChecker{sub: sub}
}

func (c *ConsumerChecker) Name() string {
	return "consumer"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "consuming",
		Details:   map[string]any{"queue": c.sub.Queue()},
	}
	if !c.sub.Running() {
		result.Status = StatusUnhealthy
		result.Message = "consumer stopped"
	}
	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a probe function. A probe error reports the
// configured failure status, unhealthy unless set otherwise.
type ComponentChecker struct {
	name      string
	probe     func(ctx context.Context) error
	onFailure Status
}

// NewComponentChecker creates a checker running probe
func NewComponentChecker(name string, probe func(ctx context.Context) error) *ComponentChecker {
	return &ComponentChecker{name: name, probe: probe, onFailure: StatusUnhealthy}
}

// Degraded makes a probe failure report degraded instead of unhealthy
func (c *ComponentChecker) Degraded() *ComponentChecker {
	c.onFailure = StatusDegraded
	return c
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Status: StatusHealthy}
	if err := c.probe(ctx); err != nil {
		result.Status = c.onFailure
		result.Message = "probe failed"
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
