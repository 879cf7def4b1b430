package pubsub

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/coregx/gopubsub/model"
)

type applyFunc func(ctx context.Context, msg ControlMessage) error

// ApplyLoop applies control messages to the local registry. Every handler works
// purely from the message payload and is idempotent: a create of a known object
// replaces it and a delete of a missing object does nothing.
//
// One ApplyLoop runs per process.
type ApplyLoop struct {
	registry *Registry
	broker   Broker
	memStore MessageStore
	gdStore  MessageStore
	local    model.ServerIdentity
	logger   Logger
	handlers map[Command]applyFunc

	applied atomic.Int64
	dropped atomic.Int64
}

// ApplyLoopOption configures an ApplyLoop.
type ApplyLoopOption func(*ApplyLoop) error

// NewApplyLoop creates the control-plane apply loop.
//
// Required options:
//   - WithApplyRegistry
//   - WithApplyBroker
//   - WithApplyMemoryStore: the process-local store of non-GD messages
//   - WithApplyServer: this process's identity
//   - WithApplyLogger
//
// Optional: WithApplyDurableStore, so that queue rows a publisher of this
// process stored just before a delete was applied are dropped as well.
func NewApplyLoop(opts ...ApplyLoopOption) (*ApplyLoop, error) {
	l := &ApplyLoop{}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply apply-loop option", err)
		}
	}

	if l.registry == nil {
		return nil, NewError(ErrCodeConfiguration, "Registry is required (use WithApplyRegistry)")
	}
	if l.broker == nil {
		return nil, NewError(ErrCodeConfiguration, "Broker is required (use WithApplyBroker)")
	}
	if l.memStore == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageStore is required (use WithApplyMemoryStore)")
	}
	if l.local.IsZero() {
		return nil, NewError(ErrCodeConfiguration, "server identity is required (use WithApplyServer)")
	}
	if l.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithApplyLogger)")
	}

	l.handlers = map[Command]applyFunc{
		CmdTopicCreate:          l.onTopicCreate,
		CmdTopicEdit:            l.onTopicEdit,
		CmdTopicDelete:          l.onTopicDelete,
		CmdEndpointCreate:       l.onEndpointUpsert,
		CmdEndpointEdit:         l.onEndpointUpsert,
		CmdEndpointDelete:       l.onEndpointDelete,
		CmdSecurityCreate:       l.onSecurityUpsert,
		CmdSecurityEdit:         l.onSecurityUpsert,
		CmdSecurityDelete:       l.onSecurityDelete,
		CmdPermissionCreate:     l.onPermissionUpsert,
		CmdPermissionEdit:       l.onPermissionUpsert,
		CmdPermissionDelete:     l.onPermissionDelete,
		CmdSubscriptionCreate:   l.onSubscriptionUpsert,
		CmdSubscriptionEdit:     l.onSubscriptionUpsert,
		CmdSubscriptionDelete:   l.onSubscriptionDelete,
		CmdSubKeyServerSet:      l.onSubKeyServerSet,
		CmdSubKeyServerRemove:   l.onSubKeyServerRemove,
		CmdDeliveryServerChange: l.onDeliveryServerChange,
		CmdQueueClear:           l.onQueueClear,
		CmdServerJoined:         l.onServerJoined,
		CmdServerLeft:           l.onServerLeft,
	}
	return l, nil
}

// WithApplyRegistry sets the registry the loop mutates.
func WithApplyRegistry(registry *Registry) ApplyLoopOption {
	return func(l *ApplyLoop) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		l.registry = registry
		return nil
	}
}

// WithApplyBroker sets the broker the loop listens on.
func WithApplyBroker(broker Broker) ApplyLoopOption {
	return func(l *ApplyLoop) error {
		if broker == nil {
			return fmt.Errorf("broker cannot be nil")
		}
		l.broker = broker
		return nil
	}
}

// WithApplyMemoryStore sets the process-local message store.
func WithApplyMemoryStore(store MessageStore) ApplyLoopOption {
	return func(l *ApplyLoop) error {
		if store == nil {
			return fmt.Errorf("memory store cannot be nil")
		}
		l.memStore = store
		return nil
	}
}

// WithApplyDurableStore sets the shared guaranteed-delivery store.
func WithApplyDurableStore(store MessageStore) ApplyLoopOption {
	return func(l *ApplyLoop) error {
		if store == nil {
			return fmt.Errorf("durable store cannot be nil")
		}
		l.gdStore = store
		return nil
	}
}

// WithApplyServer sets this process's identity.
func WithApplyServer(server model.ServerIdentity) ApplyLoopOption {
	return func(l *ApplyLoop) error {
		if server.IsZero() {
			return fmt.Errorf("server identity cannot be empty")
		}
		l.local = server
		return nil
	}
}

// WithApplyLogger sets the logger instance.
func WithApplyLogger(logger Logger) ApplyLoopOption {
	return func(l *ApplyLoop) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		l.logger = logger
		return nil
	}
}

// Server returns this process's identity.
func (l *ApplyLoop) Server() model.ServerIdentity {
	return l.local
}

// Applied returns how many messages were applied successfully.
func (l *ApplyLoop) Applied() int64 { return l.applied.Load() }

// Dropped returns how many messages were logged and dropped.
func (l *ApplyLoop) Dropped() int64 { return l.dropped.Load() }

// Run consumes the broker until ctx ends. Messages this process sent itself are
// skipped because the sender already applied them.
//
// This method blocks and should typically be run in a goroutine.
func (l *ApplyLoop) Run(ctx context.Context) {
	ch, cancel := l.broker.Subscribe(ctx)
	defer cancel()

	l.logger.Infof("Control-plane apply loop started for `%s`", l.local)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Control-plane apply loop stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				l.logger.Info("Control-plane subscription closed")
				return
			}
			if msg.Origin == l.local {
				continue
			}
			_ = l.Apply(ctx, msg)
		}
	}
}

// Apply runs the handler of one message. Failures are logged and counted as
// dropped; the returned error is informational only.
func (l *ApplyLoop) Apply(ctx context.Context, msg ControlMessage) error {
	handler, ok := l.handlers[msg.Command]
	if !ok {
		l.dropped.Add(1)
		l.logger.Warnf("Dropping control message %s with unknown command `%s` from `%s`", msg.ID, msg.Command, msg.Origin)
		return BadRequest("unknown command `%s`", msg.Command)
	}

	if err := handler(ctx, msg); err != nil {
		l.dropped.Add(1)
		l.logger.Errorf("Dropping control message %s (%s) from `%s`: %v", msg.ID, msg.Command, msg.Origin, err)
		return err
	}

	l.applied.Add(1)
	l.logger.Debugf("Applied control message %s (%s) from `%s`", msg.ID, msg.Command, msg.Origin)
	return nil
}

func (l *ApplyLoop) onTopicCreate(_ context.Context, msg ControlMessage) error {
	var p TopicPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	return l.registry.CreateTopic(p.Topic)
}

func (l *ApplyLoop) onTopicEdit(_ context.Context, msg ControlMessage) error {
	var p TopicPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	err := l.registry.EditTopic(p.OldName, p.Topic)
	if IsNotFound(err) {
		return l.registry.CreateTopic(p.Topic)
	}
	return err
}

func (l *ApplyLoop) onTopicDelete(ctx context.Context, msg ControlMessage) error {
	var ref ObjectRef
	if err := msg.Decode(&ref); err != nil {
		return err
	}

	unlock := l.registry.LockTopic(ref.Name)
	defer unlock()

	subKeys, err := l.registry.DeleteTopic(ref.ID, ref.Name)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return l.dropQueues(ctx, subKeys)
}

func (l *ApplyLoop) onEndpointUpsert(_ context.Context, msg ControlMessage) error {
	var ep model.Endpoint
	if err := msg.Decode(&ep); err != nil {
		return err
	}
	return l.registry.CreateEndpoint(ep)
}

func (l *ApplyLoop) onEndpointDelete(ctx context.Context, msg ControlMessage) error {
	var ref ObjectRef
	if err := msg.Decode(&ref); err != nil {
		return err
	}
	subKeys, err := l.registry.DeleteEndpoint(ref.ID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return l.dropQueues(ctx, subKeys)
}

func (l *ApplyLoop) onSecurityUpsert(_ context.Context, msg ControlMessage) error {
	var p SecurityPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	p.Security.PasswordHash = p.PasswordHash
	return l.registry.CreateSecurity(p.Security)
}

func (l *ApplyLoop) onSecurityDelete(_ context.Context, msg ControlMessage) error {
	var ref ObjectRef
	if err := msg.Decode(&ref); err != nil {
		return err
	}
	if err := l.registry.DeleteSecurity(ref.ID); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

func (l *ApplyLoop) onPermissionUpsert(_ context.Context, msg ControlMessage) error {
	var p model.Permission
	if err := msg.Decode(&p); err != nil {
		return err
	}
	return l.registry.SetPermission(p)
}

func (l *ApplyLoop) onPermissionDelete(_ context.Context, msg ControlMessage) error {
	var ref ObjectRef
	if err := msg.Decode(&ref); err != nil {
		return err
	}
	if err := l.registry.DeletePermission(ref.ID); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

func (l *ApplyLoop) onSubscriptionUpsert(_ context.Context, msg ControlMessage) error {
	var s model.Subscription
	if err := msg.Decode(&s); err != nil {
		return err
	}

	unlock := l.registry.LockSubKey(s.SubKey)
	defer unlock()

	if l.registry.HasSubKey(s.SubKey) {
		return l.registry.EditSubscription(s)
	}
	return l.registry.AddSubscription(s)
}

func (l *ApplyLoop) onSubscriptionDelete(ctx context.Context, msg ControlMessage) error {
	var p SubKeyPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	unlock := l.registry.LockSubKey(p.SubKey)
	defer unlock()

	if _, err := l.registry.DeleteSubscription(p.SubKey); err != nil && !IsNotFound(err) {
		return err
	}
	return l.dropQueues(ctx, []string{p.SubKey})
}

func (l *ApplyLoop) onSubKeyServerSet(_ context.Context, msg ControlMessage) error {
	var sks model.SubKeyServer
	if err := msg.Decode(&sks); err != nil {
		return err
	}
	return l.registry.SetSubKeyServer(sks)
}

func (l *ApplyLoop) onSubKeyServerRemove(_ context.Context, msg ControlMessage) error {
	var p SubKeysPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	l.registry.RemoveSubKeyServers(p.SubKeys)
	return nil
}

// onDeliveryServerChange performs the migration on the old owner, or on the
// new owner when it takes over from a server that is gone; the new owner is
// then announced to everybody else.
func (l *ApplyLoop) onDeliveryServerChange(ctx context.Context, msg ControlMessage) error {
	var p DeliveryServerChange
	if err := msg.Decode(&p); err != nil {
		return err
	}

	migrated, err := l.registry.MigrateDeliveryServer(l.local, p.SubKey, p.OldOwner, p.NewOwner)
	if err != nil || !migrated {
		return err
	}

	sks, _ := l.registry.GetSubKeyServer(p.SubKey)
	announce, err := NewControlMessage(CmdSubKeyServerSet, l.local, sks)
	if err != nil {
		return err
	}
	if err := l.broker.Publish(ctx, announce); err != nil {
		return NewErrorWithCause(ErrCodeBroker, "failed to announce new delivery server", err)
	}
	return nil
}

func (l *ApplyLoop) onQueueClear(ctx context.Context, msg ControlMessage) error {
	var p SubKeyPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	unlock := l.registry.LockSubKey(p.SubKey)
	defer unlock()

	n, _, err := l.memStore.ClearQueue(ctx, p.SubKey)
	if err != nil {
		return err
	}
	if n > 0 {
		l.logger.Infof("Cleared %d in-memory message(s) of `%s`", n, p.SubKey)
	}
	return nil
}

// onServerJoined records a join or heartbeat and adopts the sub_keys the
// server says it delivers wherever this process knows no live owner.
func (l *ApplyLoop) onServerJoined(_ context.Context, msg ControlMessage) error {
	var a ServerAnnouncement
	if err := msg.Decode(&a); err != nil {
		return err
	}
	l.registry.ServerJoined(a.ServerIdentity, msg.CreatedAt)
	if a.ServerIdentity == l.local {
		return nil
	}
	if adopted := l.registry.AdoptSubKeys(a.ServerIdentity, a.SubKeys); len(adopted) > 0 {
		l.logger.Infof("Learned delivery server `%s` for sub_keys %v", a.ServerIdentity, adopted)
	}
	return nil
}

func (l *ApplyLoop) onServerLeft(_ context.Context, msg ControlMessage) error {
	var a ServerAnnouncement
	if err := msg.Decode(&a); err != nil {
		return err
	}
	l.registry.ServerLeft(a.ServerIdentity)
	return nil
}

func (l *ApplyLoop) dropQueues(ctx context.Context, subKeys []string) error {
	if len(subKeys) == 0 {
		return nil
	}
	if _, err := l.memStore.DeleteQueues(ctx, subKeys); err != nil {
		return NewErrorWithCause(ErrCodeInternal, "failed to drop in-memory queues", err)
	}
	if l.gdStore != nil {
		if _, err := l.gdStore.DeleteQueues(ctx, subKeys); err != nil {
			return NewErrorWithCause(ErrCodeInternal, "failed to drop guaranteed-delivery queues", err)
		}
	}
	return nil
}
