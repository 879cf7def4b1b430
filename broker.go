package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coregx/gopubsub/model"
)

// Command names a control-plane operation. Each maps to one registry operation.
type Command string

// Control-plane commands.
const (
	CmdTopicCreate Command = "topic.create"
	CmdTopicEdit   Command = "topic.edit"
	CmdTopicDelete Command = "topic.delete"

	CmdEndpointCreate Command = "endpoint.create"
	CmdEndpointEdit   Command = "endpoint.edit"
	CmdEndpointDelete Command = "endpoint.delete"

	CmdSecurityCreate Command = "security.create"
	CmdSecurityEdit   Command = "security.edit"
	CmdSecurityDelete Command = "security.delete"

	CmdPermissionCreate Command = "permission.create"
	CmdPermissionEdit   Command = "permission.edit"
	CmdPermissionDelete Command = "permission.delete"

	CmdSubscriptionCreate Command = "subscription.create"
	CmdSubscriptionEdit   Command = "subscription.edit"
	CmdSubscriptionDelete Command = "subscription.delete"

	CmdSubKeyServerSet    Command = "sub-key-server.set"
	CmdSubKeyServerRemove Command = "sub-key-server.remove"

	CmdDeliveryServerChange Command = "delivery-server.change"

	CmdQueueClear Command = "queue.clear"

	CmdServerJoined Command = "server.joined"
	CmdServerLeft   Command = "server.left"
)

// ControlMessage is one broadcast control-plane mutation.
type ControlMessage struct {
	ID        string               `json:"id"`
	Command   Command              `json:"command"`
	Origin    model.ServerIdentity `json:"origin"`
	CreatedAt time.Time            `json:"created_at"`
	Payload   json.RawMessage      `json:"payload"`
}

// NewControlMessage encodes payload into a new message sent by origin.
func NewControlMessage(cmd Command, origin model.ServerIdentity, payload interface{}) (ControlMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ControlMessage{}, NewErrorWithCause(ErrCodeBroker, fmt.Sprintf("failed to encode %s payload", cmd), err)
	}
	return ControlMessage{
		ID:        uuid.NewString(),
		Command:   cmd,
		Origin:    origin,
		CreatedAt: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (m ControlMessage) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return NewErrorWithCause(ErrCodeBroker, fmt.Sprintf("malformed %s payload", m.Command), err)
	}
	return nil
}

// Broker carries control messages to every worker process.
type Broker interface {
	// Publish broadcasts msg to all current subscribers.
	Publish(ctx context.Context, msg ControlMessage) error

	// Subscribe returns a channel of messages published from now on and a function
	// that ends the subscription. The channel is closed when ctx ends or cancel is called.
	Subscribe(ctx context.Context) (<-chan ControlMessage, func())
}

// Payloads of control messages.

// TopicPayload carries a topic create or edit.
type TopicPayload struct {
	Topic   model.Topic `json:"topic"`
	OldName string      `json:"old_name,omitempty"`
}

// ObjectRef identifies an object to delete.
type ObjectRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// SecurityPayload carries a security definition including its password hash,
// which the model never serializes on its own.
type SecurityPayload struct {
	Security     model.Security `json:"security"`
	PasswordHash string         `json:"password_hash"`
}

// SubKeyPayload names one subscription.
type SubKeyPayload struct {
	SubKey string `json:"sub_key"`
}

// SubKeysPayload names several subscriptions.
type SubKeysPayload struct {
	SubKeys []string `json:"sub_keys"`
}

// ServerAnnouncement is the payload of server.joined and server.left. Joined
// announcements are repeated as heartbeats and list the sub_keys the server
// delivers, so processes that missed earlier assignments can learn them.
type ServerAnnouncement struct {
	model.ServerIdentity
	SubKeys []string `json:"sub_keys,omitempty"`
}

// DeliveryServerChange asks the old owner of a sub_key to hand it to a new one,
// or lets the new owner take it when the old one is gone.
type DeliveryServerChange struct {
	SubKey   string               `json:"sub_key"`
	OldOwner model.ServerIdentity `json:"old_owner"`
	NewOwner model.ServerIdentity `json:"new_owner"`
}
