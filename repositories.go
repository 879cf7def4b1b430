package pubsub

import (
	"context"
	"time"

	"github.com/coregx/gopubsub/model"
)

// QueuedMessage is a queue row together with the message it refers to.
type QueuedMessage struct {
	Message model.Message
	Item    model.QueueItem
}

// Released counts, per topic name, the guaranteed-delivery messages that became
// fully terminal (every queue row delivered or expired) during one store call.
// Callers use it to lower topic depth.
type Released map[string]int

// Add merges other into r.
func (r Released) Add(other Released) {
	for topic, n := range other {
		r[topic] += n
	}
}

// MessageStore persists published messages and their per-subscription queue rows.
// There is one store per durability class: guaranteed-delivery messages go to a
// durable store, the rest to memory.
//
// Implementations must be safe for concurrent use. Callers serialize work on a
// single sub_key with Registry.LockSubKey.
type MessageStore interface {
	// Publish stores msg and one INITIALIZED queue row per sub_key as a single unit.
	// A msg whose PubMsgID already exists is rejected with an error that matches
	// ErrDuplicateMsgID, and nothing is stored.
	Publish(ctx context.Context, msg model.Message, subKeys []string) error

	// Peek returns up to limit rows of subKey that are ready for delivery at now,
	// oldest first, without changing them.
	Peek(ctx context.Context, subKey string, limit int, now time.Time) ([]QueuedMessage, error)

	// MarkInFlight moves the given INITIALIZED rows of subKey to IN_FLIGHT and
	// returns the rows that were moved.
	MarkInFlight(ctx context.Context, subKey string, msgIDs []string, now time.Time) ([]QueuedMessage, error)

	// Ack moves IN_FLIGHT rows of subKey to DELIVERED. Unknown or already terminal
	// rows are skipped. Returns how many rows were acknowledged.
	Ack(ctx context.Context, subKey string, msgIDs []string, now time.Time) (int, Released, error)

	// Requeue returns IN_FLIGHT rows of subKey to INITIALIZED, next eligible at nextAttempt.
	Requeue(ctx context.Context, subKey string, msgIDs []string, nextAttempt time.Time) error

	// Expire moves the given non-terminal rows of subKey to EXPIRED regardless of
	// their expiration time, as when push delivery gives up on them.
	Expire(ctx context.Context, subKey string, msgIDs []string) (int, Released, error)

	// ExpireDue moves up to limit non-terminal rows whose expiration elapsed to EXPIRED.
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, Released, error)

	// ClearQueue drops every non-terminal row of subKey and returns how many were dropped.
	ClearQueue(ctx context.Context, subKey string) (int, Released, error)

	// DeleteQueues drops every row of the given sub_keys, used when subscriptions go away.
	DeleteQueues(ctx context.Context, subKeys []string) (Released, error)

	// Depth returns the number of non-terminal rows of subKey.
	Depth(ctx context.Context, subKey string) (int, error)

	// ReadySubKeys returns the sub_keys that have rows ready for delivery at now.
	ReadySubKeys(ctx context.Context, now time.Time) ([]string, error)
}

// TopicRepository defines the persistence interface for topics.
type TopicRepository interface {
	// Load retrieves a topic by ID.
	// Returns ErrNoData if not found.
	Load(ctx context.Context, id int64) (model.Topic, error)

	// Save creates a new topic (if ID=0) or updates an existing one.
	// Returns the saved topic with populated ID.
	Save(ctx context.Context, m model.Topic) (model.Topic, error)

	// Delete removes a topic.
	Delete(ctx context.Context, id int64) error

	// GetByName retrieves a topic by its unique name.
	// Returns ErrNoData if not found.
	GetByName(ctx context.Context, name string) (model.Topic, error)

	// List returns all topics.
	List(ctx context.Context) ([]model.Topic, error)

	// SaveMetadata persists depth and last publication time only.
	SaveMetadata(ctx context.Context, id int64, depth int64, lastPubTime time.Time) error
}

// EndpointRepository defines the persistence interface for endpoints.
type EndpointRepository interface {
	Load(ctx context.Context, id int64) (model.Endpoint, error)
	Save(ctx context.Context, m model.Endpoint) (model.Endpoint, error)
	Delete(ctx context.Context, id int64) error

	// GetByName retrieves an endpoint by its unique name.
	// Returns ErrNoData if not found.
	GetByName(ctx context.Context, name string) (model.Endpoint, error)

	List(ctx context.Context) ([]model.Endpoint, error)
}

// SecurityRepository defines the persistence interface for security definitions.
type SecurityRepository interface {
	Load(ctx context.Context, id int64) (model.Security, error)
	Save(ctx context.Context, m model.Security) (model.Security, error)
	Delete(ctx context.Context, id int64) error

	// GetByName retrieves a security definition by its unique name.
	// Returns ErrNoData if not found.
	GetByName(ctx context.Context, name string) (model.Security, error)

	List(ctx context.Context) ([]model.Security, error)
}

// PermissionRepository defines the persistence interface for pattern permissions.
type PermissionRepository interface {
	Save(ctx context.Context, m model.Permission) (model.Permission, error)
	Delete(ctx context.Context, id int64) error

	// FindBySecurityID returns the permissions of one security definition.
	FindBySecurityID(ctx context.Context, securityID int64) ([]model.Permission, error)

	List(ctx context.Context) ([]model.Permission, error)
}

// SubscriptionRepository defines the persistence interface for subscriptions.
type SubscriptionRepository interface {
	Save(ctx context.Context, m model.Subscription) (model.Subscription, error)

	// DeleteBySubKey removes a subscription. Deleting an unknown sub_key is not an error.
	DeleteBySubKey(ctx context.Context, subKey string) error

	// GetBySubKey retrieves a subscription by sub_key.
	// Returns ErrNoData if not found.
	GetBySubKey(ctx context.Context, subKey string) (model.Subscription, error)

	// FindByTopicID returns the subscriptions bound to a topic.
	FindByTopicID(ctx context.Context, topicID int64) ([]model.Subscription, error)

	List(ctx context.Context) ([]model.Subscription, error)
}

// EndpointTopicRepository defines the persistence interface for publish bookkeeping.
type EndpointTopicRepository interface {
	// Upsert inserts the row for (EndpointID, TopicID) or refreshes the existing one.
	Upsert(ctx context.Context, m model.EndpointTopic) (model.EndpointTopic, error)

	// FindByEndpoint returns the bookkeeping rows of one endpoint.
	FindByEndpoint(ctx context.Context, endpointID int64) ([]model.EndpointTopic, error)
}

// MsgIDRepository remembers the msg_id of every publication, whichever store
// ended up keeping the message. It is shared by all processes, so a msg_id is
// accepted once across durability classes and processes.
type MsgIDRepository interface {
	// Claim records msgID. A msgID that was claimed before is rejected with an
	// error that matches ErrDuplicateMsgID.
	Claim(ctx context.Context, msgID string, topicID int64, at time.Time) error

	// Release forgets a claim whose publication could not be stored.
	Release(ctx context.Context, msgID string) error

	// Prune forgets claims made before cutoff and returns how many went.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Repositories groups the configuration repositories.
type Repositories struct {
	Topics         TopicRepository
	Endpoints      EndpointRepository
	Securities     SecurityRepository
	Permissions    PermissionRepository
	Subscriptions  SubscriptionRepository
	EndpointTopics EndpointTopicRepository
	MsgIDs         MsgIDRepository
}

// Validate reports a configuration error if any repository is missing.
func (r *Repositories) Validate() error {
	switch {
	case r == nil:
		return NewError(ErrCodeConfiguration, "repositories are required")
	case r.Topics == nil:
		return NewError(ErrCodeConfiguration, "topic repository is required")
	case r.Endpoints == nil:
		return NewError(ErrCodeConfiguration, "endpoint repository is required")
	case r.Securities == nil:
		return NewError(ErrCodeConfiguration, "security repository is required")
	case r.Permissions == nil:
		return NewError(ErrCodeConfiguration, "permission repository is required")
	case r.Subscriptions == nil:
		return NewError(ErrCodeConfiguration, "subscription repository is required")
	case r.EndpointTopics == nil:
		return NewError(ErrCodeConfiguration, "endpoint-topic repository is required")
	case r.MsgIDs == nil:
		return NewError(ErrCodeConfiguration, "msg_id repository is required")
	}
	return nil
}
