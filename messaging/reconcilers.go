package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/cachesync-go/cache"
	"github.com/glimte/cachesync-go/contracts"
)

// UserCacheReconciler keeps a service's user cache in step with user events
type UserCacheReconciler struct {
	store  cache.Store[cache.UserRecord]
	logger *slog.Logger
	now    func() time.Time
}

// NewUserCacheReconciler creates a reconciler writing to store
func NewUserCacheReconciler(store cache.Store[cache.UserRecord], logger *slog.Logger) *UserCacheReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserCacheReconciler{store: store, logger: logger, now: time.Now}
}

// Reconcile implements Reconciler
func (r *UserCacheReconciler) Reconcile(ctx context.Context, env contracts.Envelope) error {
	user, err := env.User()
	if err != nil {
		return err
	}
	key := user.ID.String()

	switch env.Event {
	case contracts.UserCreated, contracts.UserUpdated:
		record := cache.UserRecord{
			ID:          key,
			Name:        user.Name,
			Email:       user.Email,
			Role:        user.Role,
			LastUpdated: eventTime(env, r.now),
		}
		// an event without a role leaves the cached one in place
		if record.Role == "" {
			existing, err := r.store.FindByID(ctx, key)
			if err != nil && !errors.Is(err, cache.ErrNotFound) {
				return fmt.Errorf("read cached user %s: %w", key, err)
			}
			record.Role = existing.Role
		}
		if _, err := r.store.Upsert(ctx, key, record); err != nil {
			return err
		}
		r.logger.Info("cached user", "userId", key, "event", env.Event)

	case contracts.UserDeleted:
		if err := r.store.Delete(ctx, key); err != nil {
			return err
		}
		r.logger.Info("removed user from cache", "userId", key)

	default:
		return fmt.Errorf("%w: %s", ErrUnhandledEvent, env.Event)
	}

	return nil
}

// ProductCacheReconciler keeps a service's product cache in step with
// product and inventory events
type ProductCacheReconciler struct {
	store  cache.Store[cache.ProductRecord]
	logger *slog.Logger
	now    func() time.Time
}

// NewProductCacheReconciler creates a reconciler writing to store
func NewProductCacheReconciler(store cache.Store[cache.ProductRecord], logger *slog.Logger) *ProductCacheReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProductCacheReconciler{store: store, logger: logger, now: time.Now}
}

// Reconcile implements Reconciler
func (r *ProductCacheReconciler) Reconcile(ctx context.Context, env contracts.Envelope) error {
	product, err := env.Product()
	if err != nil {
		return err
	}
	key := product.ID.String()

	switch env.Event {
	case contracts.ProductCreated, contracts.ProductUpdated:
		existing, err := r.store.FindByID(ctx, key)
		found := err == nil
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return fmt.Errorf("read cached product %s: %w", key, err)
		}

		record := cache.ProductRecord{
			ID:          key,
			Name:        product.Name,
			ImageLink:   product.ImageLink,
			Stock:       product.Stock,
			Category:    product.Category,
			CreatedBy:   product.CreatedBy,
			UpdatedBy:   product.UpdatedBy,
			LastUpdated: eventTime(env, r.now),
		}
		// the creator is fixed at creation time
		if found && existing.CreatedBy != "" {
			record.CreatedBy = existing.CreatedBy
		}
		if _, err := r.store.Upsert(ctx, key, record); err != nil {
			return err
		}
		r.logger.Info("cached product", "productId", key, "event", env.Event)

	case contracts.ProductDeleted:
		if err := r.store.Delete(ctx, key); err != nil {
			return err
		}
		r.logger.Info("removed product from cache", "productId", key)

	case contracts.InventoryChanged:
		existing, err := r.store.FindByID(ctx, key)
		if errors.Is(err, cache.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrProductNotCached, key)
		}
		if err != nil {
			return fmt.Errorf("read cached product %s: %w", key, err)
		}

		existing.Stock = product.Stock
		if product.UpdatedBy != "" {
			existing.UpdatedBy = product.UpdatedBy
		}
		existing.LastUpdated = eventTime(env, r.now)
		if _, err := r.store.Upsert(ctx, key, existing); err != nil {
			return err
		}
		r.logger.Info("updated stock", "productId", key, "stock", existing.Stock)

	default:
		return fmt.Errorf("%w: %s", ErrUnhandledEvent, env.Event)
	}

	return nil
}

// eventTime stamps records with the envelope time, so a redelivered event
// writes the same record again.
func eventTime(env contracts.Envelope, now func() time.Time) time.Time {
	if env.Timestamp.IsZero() {
		return now().UTC()
	}
	return env.Timestamp.UTC()
}
