package contracts

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/glimte/cachesync-go/internal/jsoncodec"
)

// ErrMissingID is returned when an entity payload carries no id.
var ErrMissingID = errors.New("contracts: entity id is required")

// ID is a foreign entity key. Publishers emit it either as a JSON string or a
// JSON number; it is always kept in string form.
type ID string

// UnmarshalJSON accepts a string, a number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := jsoncodec.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("contracts: id must be a string or number, got %s", data)
	}
	*id = ID(data)
	return nil
}

func (id ID) String() string {
	return string(id)
}

// Entity is a payload that can ride inside an envelope.
type Entity interface {
	EntityID() string
	Domain() Domain
}

// UserPayload is the user snapshot published by the user service.
type UserPayload struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Role        string `json:"role,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	IsVerified  bool   `json:"isVerified,omitempty"`
}

func (u UserPayload) EntityID() string { return string(u.ID) }
func (u UserPayload) Domain() Domain   { return DomainUser }

// ProductPayload is the product snapshot published by the product service.
// For inventory.changed only ID, Stock and UpdatedBy are meaningful.
type ProductPayload struct {
	ID        ID     `json:"id"`
	Name      string `json:"name,omitempty"`
	ImageLink string `json:"imagelink,omitempty"`
	Stock     int    `json:"stock"`
	Category  string `json:"category,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

func (p ProductPayload) EntityID() string { return string(p.ID) }
func (p ProductPayload) Domain() Domain   { return DomainProduct }

// OrderItem is a single order line.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
}

// OrderPayload is the order snapshot published by the order service.
type OrderPayload struct {
	ID          ID          `json:"id"`
	UserID      string      `json:"userId,omitempty"`
	TotalAmount float64     `json:"totalAmount,omitempty"`
	Status      string      `json:"status,omitempty"`
	OrderItems  []OrderItem `json:"orderItems,omitempty"`
}

func (o OrderPayload) EntityID() string { return string(o.ID) }
func (o OrderPayload) Domain() Domain   { return DomainOrder }

// Validate checks the fields every consumer relies on.
func Validate(e Entity) error {
	if e.EntityID() == "" {
		return fmt.Errorf("%s payload: %w", e.Domain(), ErrMissingID)
	}
	return nil
}
