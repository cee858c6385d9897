// Package cache holds the local read copies a service keeps of entities
// owned by other services. Records are keyed by the owner's id, never by a
// local one.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by FindByID when the key is absent
var ErrNotFound = errors.New("cache: record not found")

// Store is the primary-store capability the consumers need. Each call
// touches one record.
type Store[T any] interface {
	// Upsert creates or replaces the record under key and returns it.
	Upsert(ctx context.Context, key string, record T) (T, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// FindByID returns ErrNotFound when key is absent.
	FindByID(ctx context.Context, key string) (T, error)
}

// UserRecord is a cached user.
type UserRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Role        string    `json:"role,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// ProductRecord is a cached product.
type ProductRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ImageLink   string    `json:"imagelink,omitempty"`
	Stock       int       `json:"stock"`
	Category    string    `json:"category,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// UserRoleLookup resolves the current role of a user from the local cache.
type UserRoleLookup struct {
	Users Store[UserRecord]
}

// LookupRole reports the cached role of subjectID; found is false when the
// user is not cached.
func (l UserRoleLookup) LookupRole(ctx context.Context, subjectID string) (role string, found bool, err error) {
	user, err := l.Users.FindByID(ctx, subjectID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return user.Role, true, nil
}
