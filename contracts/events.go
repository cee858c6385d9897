package contracts

import "strings"

// Domain is the entity family an event describes. It doubles as the JSON key
// that carries the entity inside an envelope.
type Domain string

const (
	DomainUser    Domain = "user"
	DomainProduct Domain = "product"
	DomainOrder   Domain = "order"
)

// Domains lists the markers in the order consumers probe for them.
var Domains = []Domain{DomainUser, DomainProduct, DomainOrder}

// EventType is a dot-namespaced event name. It is also the routing key.
type EventType string

const (
	UserCreated EventType = "user.created"
	UserUpdated EventType = "user.updated"
	UserDeleted EventType = "user.deleted"

	ProductCreated   EventType = "product.created"
	ProductUpdated   EventType = "product.updated"
	ProductDeleted   EventType = "product.deleted"
	InventoryChanged EventType = "inventory.changed"

	OrderCreated       EventType = "order.created"
	OrderStatusChanged EventType = "order.status.changed"
	PaymentProcessed   EventType = "payment.processed"
)

// Exchange names. All are durable direct exchanges.
const (
	UserEventsExchange    = "user-events"
	ProductEventsExchange = "product-events"
	OrderEventsExchange   = "order-events"
)

// Inbox queue names, one per consuming service.
const (
	UserEventsQueue    = "user-events-queue"
	ProductEventsQueue = "product-events-queue"
	OrderEventsQueue   = "order-events-queue"
)

var (
	userEvents    = []EventType{UserCreated, UserUpdated, UserDeleted}
	productEvents = []EventType{ProductCreated, ProductUpdated, ProductDeleted, InventoryChanged}
	orderEvents   = []EventType{OrderCreated, OrderStatusChanged, PaymentProcessed}
)

// EventsOf returns the event types published under a domain.
func EventsOf(d Domain) []EventType {
	switch d {
	case DomainUser:
		return append([]EventType(nil), userEvents...)
	case DomainProduct:
		return append([]EventType(nil), productEvents...)
	case DomainOrder:
		return append([]EventType(nil), orderEvents...)
	}
	return nil
}

// Domain returns the domain an event type belongs to, or "" when unknown.
func (e EventType) Domain() Domain {
	for _, d := range Domains {
		for _, known := range EventsOf(d) {
			if known == e {
				return d
			}
		}
	}
	return ""
}

// Known reports whether e is one of the declared event types.
func (e EventType) Known() bool {
	return e.Domain() != ""
}

// IsDelete reports whether the event removes the entity.
func (e EventType) IsDelete() bool {
	return strings.HasSuffix(string(e), ".deleted")
}

func (e EventType) String() string {
	return string(e)
}

// ExchangeFor returns the exchange an event type is published to.
func ExchangeFor(e EventType) (string, bool) {
	switch e.Domain() {
	case DomainUser:
		return UserEventsExchange, true
	case DomainProduct:
		return ProductEventsExchange, true
	case DomainOrder:
		return OrderEventsExchange, true
	}
	return "", false
}

// InboxFor returns the inbox queue of a service by name.
func InboxFor(service string) (string, bool) {
	switch Domain(strings.ToLower(service)) {
	case DomainUser:
		return UserEventsQueue, true
	case DomainProduct:
		return ProductEventsQueue, true
	case DomainOrder:
		return OrderEventsQueue, true
	}
	return "", false
}
