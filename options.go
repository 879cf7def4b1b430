package pubsub

import (
	"fmt"
	"time"

	"github.com/coregx/gopubsub/retry"
)

// Option is a function that configures a DeliveryWorker.
//
// Example:
//
//	worker, err := pubsub.NewDeliveryWorker(
//	    pubsub.WithRegistry(registry),
//	    pubsub.WithStores(gdStore, memStore),
//	    pubsub.WithAdmin(admin),
//	    pubsub.WithPushGateway(gateway),
//	    pubsub.WithLogger(logger),
//	    pubsub.WithBatchSize(200), // optional
//	)
type Option func(*DeliveryWorker) error

// WithRegistry sets the registry subscriptions and ownership are read from.
//
// This is a required option for NewDeliveryWorker.
func WithRegistry(registry *Registry) Option {
	return func(w *DeliveryWorker) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		w.registry = registry
		return nil
	}
}

// WithStores sets the durable and in-memory message stores.
//
// This is a required option for NewDeliveryWorker.
func WithStores(gd, mem MessageStore) Option {
	return func(w *DeliveryWorker) error {
		if gd == nil {
			return fmt.Errorf("gdStore cannot be nil")
		}
		if mem == nil {
			return fmt.Errorf("memStore cannot be nil")
		}
		w.gdStore = gd
		w.memStore = mem
		return nil
	}
}

// WithAdmin sets the admin service used to announce ownership changes.
//
// This is a required option for NewDeliveryWorker.
func WithAdmin(admin *Admin) Option {
	return func(w *DeliveryWorker) error {
		if admin == nil {
			return fmt.Errorf("admin cannot be nil")
		}
		w.admin = admin
		return nil
	}
}

// WithPushGateway sets the gateway push subscriptions are delivered through.
//
// This is a required option for NewDeliveryWorker.
func WithPushGateway(gateway PushGateway) Option {
	return func(w *DeliveryWorker) error {
		if gateway == nil {
			return fmt.Errorf("gateway cannot be nil")
		}
		w.gateway = gateway
		return nil
	}
}

// WithLogger sets the logger instance for the delivery worker.
//
// This is a required option for NewDeliveryWorker.
func WithLogger(logger Logger) Option {
	return func(w *DeliveryWorker) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		w.logger = logger
		return nil
	}
}

// WithRetryStrategy sets a custom push retry strategy.
// If not provided, retry.DefaultStrategy() is used.
func WithRetryStrategy(strategy retry.Strategy) Option {
	return func(w *DeliveryWorker) error {
		if err := strategy.Validate(); err != nil {
			return fmt.Errorf("invalid retry strategy: %w", err)
		}
		w.retryStrategy = strategy
		return nil
	}
}

// WithBatchSize sets how many messages of one subscription are pushed per batch.
// Must be > 0. Default is 100.
func WithBatchSize(size int) Option {
	return func(w *DeliveryWorker) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be > 0, got %d", size)
		}
		w.batchSize = size
		return nil
	}
}

// WithSweepLimit sets how many rows one expiry sweep may expire per store.
// Must be > 0. Default is 1000.
func WithSweepLimit(limit int) Option {
	return func(w *DeliveryWorker) error {
		if limit <= 0 {
			return fmt.Errorf("sweep limit must be > 0, got %d", limit)
		}
		w.sweepLimit = limit
		return nil
	}
}

// WithHeartbeat sets how often the worker announces this process and how long
// a silent process still counts as live. ttl must exceed interval.
// Defaults are DefaultHeartbeatInterval and DefaultServerTTL.
func WithHeartbeat(interval, ttl time.Duration) Option {
	return func(w *DeliveryWorker) error {
		if interval <= 0 {
			return fmt.Errorf("heartbeat interval must be > 0, got %s", interval)
		}
		if ttl <= interval {
			return fmt.Errorf("server TTL %s must exceed heartbeat interval %s", ttl, interval)
		}
		w.heartbeatInterval = interval
		w.serverTTL = ttl
		return nil
	}
}

// WithNotifications sets an optional notification service for the worker.
// If not provided, NoOpNotificationService is used.
func WithNotifications(service NotificationService) Option {
	return func(w *DeliveryWorker) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		w.notificationService = service
		return nil
	}
}

// WithClock replaces the worker's time source.
func WithClock(now func() time.Time) Option {
	return func(w *DeliveryWorker) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		w.now = now
		return nil
	}
}
