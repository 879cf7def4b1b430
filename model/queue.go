package model

import "time"

// DeliveryStatus is the lifecycle state of one queue row.
type DeliveryStatus string

const (
	// DeliveryInitialized is the state of every freshly fanned-out row.
	DeliveryInitialized DeliveryStatus = "initialized"

	// DeliveryInFlight means the row was handed to a subscriber and awaits its ack.
	DeliveryInFlight DeliveryStatus = "in_flight"

	// DeliveryDelivered is terminal: the subscriber acknowledged the message.
	DeliveryDelivered DeliveryStatus = "delivered"

	// DeliveryExpired is terminal: the message expired before it was acknowledged.
	DeliveryExpired DeliveryStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryDelivered || s == DeliveryExpired
}

// CanTransitionTo reports whether next is a legal successor of s.
//
//	initialized -> in_flight -> delivered
//	initialized | in_flight -> expired
//	in_flight -> initialized (redelivery after a failed push)
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	switch s {
	case DeliveryInitialized:
		return next == DeliveryInFlight || next == DeliveryExpired
	case DeliveryInFlight:
		return next == DeliveryDelivered || next == DeliveryExpired || next == DeliveryInitialized
	default:
		return false
	}
}

// QueueItem is one message enqueued for one subscription.
type QueueItem struct {
	ID               int64          `json:"id" db:"id"`
	SubKey           string         `json:"sub_key" db:"sub_key"`
	PubMsgID         string         `json:"pub_msg_id" db:"pub_msg_id"`
	TopicID          int64          `json:"topic_id" db:"topic_id"`
	TopicName        string         `json:"topic_name" db:"topic_name"`
	Size             int            `json:"size" db:"size"`
	DeliveryCount    int            `json:"delivery_count" db:"delivery_count"`
	DeliveryStatus   DeliveryStatus `json:"delivery_status" db:"delivery_status"`
	HasGD            bool           `json:"has_gd" db:"has_gd"`
	IsInStaging      bool           `json:"is_in_staging" db:"is_in_staging"`
	CreationTime     time.Time      `json:"creation_time" db:"creation_time"`
	ExpirationTime   time.Time      `json:"expiration_time" db:"expiration_time"`
	LastDeliveryTime time.Time      `json:"last_delivery_time" db:"last_delivery_time"`
	NextAttemptAt    time.Time      `json:"next_attempt_at" db:"next_attempt_at"`
}

// TableName returns the database table name for QueueItem.
func (q QueueItem) TableName() string {
	return tablePrefix + "queue"
}

// NewQueueItem creates an initialized row for subKey, inheriting durability and
// expiration from msg.
func NewQueueItem(subKey string, msg Message) QueueItem {
	return QueueItem{
		SubKey:         subKey,
		PubMsgID:       msg.PubMsgID,
		TopicID:        msg.TopicID,
		TopicName:      msg.TopicName,
		Size:           msg.Size,
		DeliveryCount:  0,
		DeliveryStatus: DeliveryInitialized,
		HasGD:          msg.HasGD,
		IsInStaging:    false,
		CreationTime:   msg.RecvTime,
		ExpirationTime: msg.ExpirationTime,
		NextAttemptAt:  msg.RecvTime,
	}
}

func (q *QueueItem) transition(next DeliveryStatus) error {
	if !q.DeliveryStatus.CanTransitionTo(next) {
		return InvalidTransitionError(q.DeliveryStatus, next)
	}
	q.DeliveryStatus = next
	return nil
}

// MarkInFlight hands the row out.
func (q *QueueItem) MarkInFlight(now time.Time) error {
	if q.IsExpired(now) {
		return ErrQueueItemExpired
	}
	if err := q.transition(DeliveryInFlight); err != nil {
		return err
	}
	q.DeliveryCount++
	q.LastDeliveryTime = now
	return nil
}

// MarkDelivered records the subscriber's acknowledgement.
func (q *QueueItem) MarkDelivered(now time.Time) error {
	if err := q.transition(DeliveryDelivered); err != nil {
		return err
	}
	q.LastDeliveryTime = now
	return nil
}

// MarkExpired ends the row because its message expired.
func (q *QueueItem) MarkExpired() error {
	return q.transition(DeliveryExpired)
}

// Requeue returns an in-flight row to the initialized state, eligible again at nextAttempt.
func (q *QueueItem) Requeue(nextAttempt time.Time) error {
	if err := q.transition(DeliveryInitialized); err != nil {
		return err
	}
	q.NextAttemptAt = nextAttempt
	return nil
}

// IsExpired reports whether the row's message expired at now.
func (q *QueueItem) IsExpired(now time.Time) bool {
	return !q.ExpirationTime.IsZero() && !now.Before(q.ExpirationTime)
}

// IsReady reports whether the row can be handed out at now.
func (q *QueueItem) IsReady(now time.Time) bool {
	return q.DeliveryStatus == DeliveryInitialized && !q.IsInStaging &&
		!q.IsExpired(now) && !now.Before(q.NextAttemptAt)
}

// Domain errors returned by QueueItem transitions.
var (
	// ErrQueueItemExpired indicates the message expired before it could be handed out.
	ErrQueueItemExpired = DomainError{Code: "QUEUE_EXPIRED", Message: "queue item has expired"}
)

// InvalidTransitionError describes an illegal delivery status change.
func InvalidTransitionError(from, to DeliveryStatus) DomainError {
	return DomainError{
		Code:    "INVALID_TRANSITION",
		Message: "cannot move queue item from " + string(from) + " to " + string(to),
	}
}
