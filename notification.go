package pubsub

import (
	"context"

	"github.com/coregx/gopubsub/model"
)

// NotificationService defines an optional interface for sending notifications
// about delivery events.
//
// Implementations might send emails, Slack messages, or log to monitoring systems.
type NotificationService interface {
	// NotifyDeliveryFailure is called when one push attempt fails and the message
	// will be retried.
	NotifyDeliveryFailure(ctx context.Context, sub model.Subscription, item model.QueueItem, err error) error

	// NotifyDeliveryAbandoned is called when a message exhausted its push attempts
	// and was expired.
	NotifyDeliveryAbandoned(ctx context.Context, sub model.Subscription, item model.QueueItem, err error) error

	// NotifyMessagesExpired is called after an expiry sweep that expired at least one row.
	NotifyMessagesExpired(ctx context.Context, count int) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
type NoOpNotificationService struct{}

// NotifyDeliveryFailure does nothing.
func (n *NoOpNotificationService) NotifyDeliveryFailure(_ context.Context, _ model.Subscription, _ model.QueueItem, _ error) error {
	return nil
}

// NotifyDeliveryAbandoned does nothing.
func (n *NoOpNotificationService) NotifyDeliveryAbandoned(_ context.Context, _ model.Subscription, _ model.QueueItem, _ error) error {
	return nil
}

// NotifyMessagesExpired does nothing.
func (n *NoOpNotificationService) NotifyMessagesExpired(_ context.Context, _ int) error {
	return nil
}

// LoggingNotificationService is a simple implementation that logs notifications.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyDeliveryFailure logs a failed push attempt.
func (n *LoggingNotificationService) NotifyDeliveryFailure(_ context.Context, sub model.Subscription, item model.QueueItem, err error) error {
	n.logger.Warnf("Push failed: sub_key=%s, msg_id=%s, attempt=%d, error=%v",
		sub.SubKey, item.PubMsgID, item.DeliveryCount, err)
	return nil
}

// NotifyDeliveryAbandoned logs a message given up on.
func (n *LoggingNotificationService) NotifyDeliveryAbandoned(_ context.Context, sub model.Subscription, item model.QueueItem, err error) error {
	n.logger.Errorf("Push abandoned, message expired: sub_key=%s, msg_id=%s, attempts=%d, last error=%v",
		sub.SubKey, item.PubMsgID, item.DeliveryCount, err)
	return nil
}

// NotifyMessagesExpired logs the outcome of an expiry sweep.
func (n *LoggingNotificationService) NotifyMessagesExpired(_ context.Context, count int) error {
	n.logger.Infof("Expired %d queued message(s)", count)
	return nil
}
