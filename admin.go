package pubsub

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/frand"

	"github.com/coregx/gopubsub/model"
)

// Admin performs configuration changes. Every change is written to the
// repositories first, then applied to the local registry and broadcast to the
// other processes as a control message.
//
// Thread safety: Safe for concurrent use.
type Admin struct {
	registry *Registry
	repos    *Repositories
	gdStore  MessageStore
	memStore MessageStore
	broker   Broker
	applier  *ApplyLoop
	logger   Logger
}

// AdminOption configures an Admin.
type AdminOption func(*Admin) error

// NewAdmin creates the admin service.
//
// Required options:
//   - WithAdminRegistry
//   - WithAdminRepositories
//   - WithAdminStores
//   - WithAdminControlPlane: the broker and this process's apply loop
//   - WithAdminLogger
func NewAdmin(opts ...AdminOption) (*Admin, error) {
	a := &Admin{}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply admin option", err)
		}
	}

	if a.registry == nil {
		return nil, NewError(ErrCodeConfiguration, "Registry is required (use WithAdminRegistry)")
	}
	if err := a.repos.Validate(); err != nil {
		return nil, err
	}
	if a.gdStore == nil || a.memStore == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageStores are required (use WithAdminStores)")
	}
	if a.broker == nil || a.applier == nil {
		return nil, NewError(ErrCodeConfiguration, "Broker and ApplyLoop are required (use WithAdminControlPlane)")
	}
	if a.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithAdminLogger)")
	}
	return a, nil
}

// WithAdminRegistry sets the registry.
func WithAdminRegistry(registry *Registry) AdminOption {
	return func(a *Admin) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		a.registry = registry
		return nil
	}
}

// WithAdminRepositories sets the configuration repositories.
func WithAdminRepositories(repos *Repositories) AdminOption {
	return func(a *Admin) error {
		if repos == nil {
			return fmt.Errorf("repositories cannot be nil")
		}
		a.repos = repos
		return nil
	}
}

// WithAdminStores sets the durable and in-memory message stores.
func WithAdminStores(gd, mem MessageStore) AdminOption {
	return func(a *Admin) error {
		if gd == nil || mem == nil {
			return fmt.Errorf("message stores cannot be nil")
		}
		a.gdStore = gd
		a.memStore = mem
		return nil
	}
}

// WithAdminControlPlane sets the broker changes are broadcast on and the local
// apply loop they are applied with.
func WithAdminControlPlane(broker Broker, applier *ApplyLoop) AdminOption {
	return func(a *Admin) error {
		if broker == nil {
			return fmt.Errorf("broker cannot be nil")
		}
		if applier == nil {
			return fmt.Errorf("apply loop cannot be nil")
		}
		a.broker = broker
		a.applier = applier
		return nil
	}
}

// WithAdminLogger sets the logger instance.
func WithAdminLogger(logger Logger) AdminOption {
	return func(a *Admin) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		a.logger = logger
		return nil
	}
}

// Server returns this process's identity.
func (a *Admin) Server() model.ServerIdentity {
	return a.applier.Server()
}

// dispatch applies a change locally, then broadcasts it. It must be called
// without holding any registry lock, since handlers take them.
func (a *Admin) dispatch(ctx context.Context, cmd Command, payload interface{}) error {
	msg, err := NewControlMessage(cmd, a.applier.Server(), payload)
	if err != nil {
		return err
	}
	if err := a.applier.Apply(ctx, msg); err != nil {
		return err
	}
	if err := a.broker.Publish(ctx, msg); err != nil {
		return NewErrorWithCause(ErrCodeBroker, fmt.Sprintf("failed to broadcast %s", cmd), err)
	}
	return nil
}

func dbError(action string, err error) error {
	if IsNoData(err) {
		return err
	}
	return NewErrorWithCause(ErrCodeDatabase, "failed to "+action, err)
}

// ################################################################################################
// Topics

// CreateTopic stores and announces a new topic.
func (a *Admin) CreateTopic(ctx context.Context, t model.Topic) (model.Topic, error) {
	if err := t.Validate(); err != nil {
		return t, NewErrorWithCause(ErrCodeBadRequest, "invalid topic", err)
	}
	if a.registry.HasTopicByName(t.Name) {
		return t, BadRequest("Topic `%s` already exists", t.Name)
	}
	if t.MetaStoreFrequency == 0 {
		t.MetaStoreFrequency = model.DefaultMetaStoreFrequency
	}

	saved, err := a.repos.Topics.Save(ctx, t)
	if err != nil {
		return t, dbError("save topic", err)
	}
	if err := a.dispatch(ctx, CmdTopicCreate, TopicPayload{Topic: saved}); err != nil {
		return saved, err
	}

	a.logger.Infof("Topic `%s` created (id:%d)", saved.Name, saved.ID)
	return saved, nil
}

// EditTopic changes an existing topic, which may include renaming it.
func (a *Admin) EditTopic(ctx context.Context, oldName string, t model.Topic) (model.Topic, error) {
	current, err := a.registry.GetTopicByName(oldName)
	if err != nil {
		return t, err
	}
	t.ID = current.ID
	t.CreatedAt = current.CreatedAt
	t.CurrentDepth = current.CurrentDepth
	t.LastPubTime = current.LastPubTime
	if err := t.Validate(); err != nil {
		return t, NewErrorWithCause(ErrCodeBadRequest, "invalid topic", err)
	}
	if t.Name != oldName && a.registry.HasTopicByName(t.Name) {
		return t, BadRequest("Topic `%s` already exists", t.Name)
	}

	saved, err := a.repos.Topics.Save(ctx, t)
	if err != nil {
		return t, dbError("save topic", err)
	}
	if t.Name != oldName {
		for _, sub := range a.registry.SubscriptionsByTopic(oldName) {
			sub.TopicName = t.Name
			if _, err := a.repos.Subscriptions.Save(ctx, sub); err != nil {
				return saved, dbError("save subscription", err)
			}
		}
	}
	if err := a.dispatch(ctx, CmdTopicEdit, TopicPayload{Topic: saved, OldName: oldName}); err != nil {
		return saved, err
	}
	return saved, nil
}

// DeleteTopic removes a topic and every subscription bound to it, returning the
// sub_keys of those subscriptions.
func (a *Admin) DeleteTopic(ctx context.Context, name string) ([]string, error) {
	topic, err := a.registry.GetTopicByName(name)
	if err != nil {
		return nil, err
	}

	subs := a.registry.SubscriptionsByTopic(name)
	for _, sub := range subs {
		if err := a.repos.Subscriptions.DeleteBySubKey(ctx, sub.SubKey); err != nil {
			return nil, dbError("delete subscription", err)
		}
	}
	if err := a.repos.Topics.Delete(ctx, topic.ID); err != nil {
		return nil, dbError("delete topic", err)
	}

	if err := a.dispatch(ctx, CmdTopicDelete, ObjectRef{ID: topic.ID, Name: topic.Name}); err != nil {
		return nil, err
	}

	subKeys := make([]string, 0, len(subs))
	for _, sub := range subs {
		subKeys = append(subKeys, sub.SubKey)
	}

	// The topic is gone from the registry now, so once the lock is held no
	// publisher of this process can add rows for these sub_keys.
	unlock := a.registry.LockTopic(name)
	defer unlock()
	for _, store := range []MessageStore{a.gdStore, a.memStore} {
		if _, err := store.DeleteQueues(ctx, subKeys); err != nil {
			a.logger.Errorf("Could not delete queues of topic `%s`: %v", name, err)
		}
	}

	a.logger.Infof("Topic `%s` deleted, sub_keys:%v", name, subKeys)
	return subKeys, nil
}

// ################################################################################################
// Security definitions and permissions

// CreateSecurity stores and announces a basic-auth security definition.
func (a *Admin) CreateSecurity(ctx context.Context, name, username, password string) (model.Security, error) {
	sec, err := model.NewSecurity(name, username, password)
	if err != nil {
		return sec, NewErrorWithCause(ErrCodeBadRequest, "invalid security definition", err)
	}
	if err := sec.Validate(); err != nil {
		return sec, NewErrorWithCause(ErrCodeBadRequest, "invalid security definition", err)
	}
	if _, err := a.repos.Securities.GetByName(ctx, name); err == nil {
		return sec, BadRequest("Security definition `%s` already exists", name)
	}

	saved, err := a.repos.Securities.Save(ctx, sec)
	if err != nil {
		return sec, dbError("save security definition", err)
	}
	if err := a.dispatch(ctx, CmdSecurityCreate, SecurityPayload{Security: saved, PasswordHash: saved.PasswordHash}); err != nil {
		return saved, err
	}
	return saved, nil
}

// DeleteSecurity removes a security definition and its permissions.
func (a *Admin) DeleteSecurity(ctx context.Context, name string) error {
	sec, err := a.registry.GetSecurityByName(name)
	if err != nil {
		return err
	}

	perms, err := a.repos.Permissions.FindBySecurityID(ctx, sec.ID)
	if err != nil && !IsNoData(err) {
		return dbError("load permissions", err)
	}
	for _, p := range perms {
		if err := a.repos.Permissions.Delete(ctx, p.ID); err != nil {
			return dbError("delete permission", err)
		}
	}
	if err := a.repos.Securities.Delete(ctx, sec.ID); err != nil {
		return dbError("delete security definition", err)
	}
	return a.dispatch(ctx, CmdSecurityDelete, ObjectRef{ID: sec.ID, Name: sec.Name})
}

// SetPermission makes perm the only permission of the named security definition.
func (a *Admin) SetPermission(ctx context.Context, securityName string, perm model.Permission) (model.Permission, error) {
	sec, err := a.registry.GetSecurityByName(securityName)
	if err != nil {
		return perm, err
	}
	perm.SecurityID = sec.ID
	if err := perm.Validate(); err != nil {
		return perm, NewErrorWithCause(ErrCodeBadRequest, "invalid permission", err)
	}

	existing, err := a.repos.Permissions.FindBySecurityID(ctx, sec.ID)
	if err != nil && !IsNoData(err) {
		return perm, dbError("load permissions", err)
	}

	cmd := CmdPermissionCreate
	if len(existing) > 0 {
		perm.ID = existing[0].ID
		cmd = CmdPermissionEdit
	}
	saved, err := a.repos.Permissions.Save(ctx, perm)
	if err != nil {
		return perm, dbError("save permission", err)
	}
	if err := a.dispatch(ctx, cmd, saved); err != nil {
		return saved, err
	}

	for _, old := range existing[min(1, len(existing)):] {
		if err := a.repos.Permissions.Delete(ctx, old.ID); err != nil {
			return saved, dbError("delete permission", err)
		}
		if err := a.dispatch(ctx, CmdPermissionDelete, ObjectRef{ID: old.ID}); err != nil {
			return saved, err
		}
	}
	return saved, nil
}

// ################################################################################################
// Endpoints

// EndpointRequest describes an endpoint to create. Without SecurityName a new
// security definition named after the endpoint is created for it.
type EndpointRequest struct {
	Name          string             `json:"name" yaml:"name"`
	Role          model.EndpointRole `json:"role" yaml:"role"`
	EndpointType  model.EndpointType `json:"endpoint_type,omitempty" yaml:"endpoint_type,omitempty"`
	IsActive      *bool              `json:"is_active,omitempty" yaml:"is_active,omitempty"`
	TopicPatterns string             `json:"topic_patterns,omitempty" yaml:"topic_patterns,omitempty"`
	WSXID         int64              `json:"wsx_id,omitempty" yaml:"wsx_id,omitempty"`
	SecurityName  string             `json:"security_name,omitempty" yaml:"security_name,omitempty"`
	Username      string             `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string             `json:"password,omitempty" yaml:"password,omitempty"`
}

// EndpointResult is what CreateEndpoint returns.
type EndpointResult struct {
	Endpoint   model.Endpoint   `json:"endpoint"`
	Security   model.Security   `json:"security"`
	Permission model.Permission `json:"permission"`

	// Password is set only when one was generated.
	Password string `json:"password,omitempty"`
}

// CreateEndpoint creates an endpoint together with its security definition
// (unless an existing one is named) and its topic permissions.
func (a *Admin) CreateEndpoint(ctx context.Context, req EndpointRequest) (*EndpointResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Role = model.ParseEndpointRole(string(req.Role))
	if req.EndpointType == "" {
		req.EndpointType = model.EndpointTypeREST
	}
	if req.WSXID != 0 {
		req.EndpointType = model.EndpointTypeWebSockets
	}

	ep := model.NewEndpoint(req.Name, req.Role, 0)
	ep.EndpointType = req.EndpointType
	ep.WSChannelID = req.WSXID
	if req.IsActive != nil {
		ep.IsActive = *req.IsActive
	}
	if err := ep.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeBadRequest, "invalid endpoint", err)
	}
	if _, err := a.registry.GetEndpointByName(ep.Name); err == nil {
		return nil, BadRequest("Endpoint `%s` already exists", ep.Name)
	}

	perm := model.NewPermissionFromList(1, req.TopicPatterns)
	if err := perm.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeBadRequest, "invalid topic patterns", err)
	}

	res := &EndpointResult{}
	if req.SecurityName != "" {
		sec, err := a.registry.GetSecurityByName(req.SecurityName)
		if err != nil {
			return nil, err
		}
		res.Security = sec
	} else {
		username, password := req.Username, req.Password
		if username == "" {
			username = req.Name
		}
		if password == "" {
			password = hex.EncodeToString(frand.Bytes(16))
			res.Password = password
		}
		sec, err := a.CreateSecurity(ctx, req.Name, username, password)
		if err != nil {
			return nil, err
		}
		res.Security = sec
	}

	saved, err := a.SetPermission(ctx, res.Security.Name, perm)
	if err != nil {
		return nil, err
	}
	res.Permission = saved

	ep.SecurityID = res.Security.ID
	ep, err = a.repos.Endpoints.Save(ctx, ep)
	if err != nil {
		return nil, dbError("save endpoint", err)
	}
	if err := a.dispatch(ctx, CmdEndpointCreate, ep); err != nil {
		return nil, err
	}
	res.Endpoint = ep

	a.logger.Infof("Endpoint `%s` created (id:%d, role:%s)", ep.Name, ep.ID, ep.Role)
	return res, nil
}

// EditEndpoint stores and announces changes to an existing endpoint.
func (a *Admin) EditEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, error) {
	if _, err := a.registry.GetEndpointByID(ep.ID); err != nil {
		return ep, err
	}
	if err := ep.Validate(); err != nil {
		return ep, NewErrorWithCause(ErrCodeBadRequest, "invalid endpoint", err)
	}
	saved, err := a.repos.Endpoints.Save(ctx, ep)
	if err != nil {
		return ep, dbError("save endpoint", err)
	}
	return saved, a.dispatch(ctx, CmdEndpointEdit, saved)
}

// DeleteEndpoint removes an endpoint and its subscriptions, returning their sub_keys.
func (a *Admin) DeleteEndpoint(ctx context.Context, name string) ([]string, error) {
	ep, err := a.registry.GetEndpointByName(name)
	if err != nil {
		return nil, err
	}

	var subKeys []string
	for _, sub := range a.registry.ListSubscriptions() {
		if sub.EndpointID != ep.ID {
			continue
		}
		if err := a.repos.Subscriptions.DeleteBySubKey(ctx, sub.SubKey); err != nil {
			return nil, dbError("delete subscription", err)
		}
		subKeys = append(subKeys, sub.SubKey)
	}
	if err := a.repos.Endpoints.Delete(ctx, ep.ID); err != nil {
		return nil, dbError("delete endpoint", err)
	}
	if err := a.dispatch(ctx, CmdEndpointDelete, ObjectRef{ID: ep.ID, Name: ep.Name}); err != nil {
		return nil, err
	}
	a.releaseQueues(ctx, subKeys)

	a.logger.Infof("Endpoint `%s` deleted, sub_keys:%v", name, subKeys)
	return subKeys, nil
}

// ################################################################################################
// Subscriptions and delivery

// CreateSubscription stores and announces a subscription.
func (a *Admin) CreateSubscription(ctx context.Context, s model.Subscription) (model.Subscription, error) {
	if err := s.Validate(); err != nil {
		return s, NewErrorWithCause(ErrCodeBadRequest, "invalid subscription", err)
	}
	topic, err := a.registry.GetTopicByName(s.TopicName)
	if err != nil {
		return s, err
	}
	if _, err := a.registry.GetEndpointByID(s.EndpointID); err != nil {
		return s, err
	}
	s.TopicID = topic.ID

	saved, err := a.repos.Subscriptions.Save(ctx, s)
	if err != nil {
		return s, dbError("save subscription", err)
	}
	if err := a.dispatch(ctx, CmdSubscriptionCreate, saved); err != nil {
		return saved, err
	}
	return saved, nil
}

// DeleteSubscription removes a subscription and drops its queued messages.
func (a *Admin) DeleteSubscription(ctx context.Context, subKey string) error {
	if _, err := a.registry.GetSubscription(subKey); err != nil {
		return err
	}
	if err := a.repos.Subscriptions.DeleteBySubKey(ctx, subKey); err != nil {
		return dbError("delete subscription", err)
	}
	if err := a.dispatch(ctx, CmdSubscriptionDelete, SubKeyPayload{SubKey: subKey}); err != nil {
		return err
	}
	a.releaseQueues(ctx, []string{subKey})
	return nil
}

func (a *Admin) releaseQueues(ctx context.Context, subKeys []string) {
	if len(subKeys) == 0 {
		return
	}
	released, err := a.gdStore.DeleteQueues(ctx, subKeys)
	if err != nil {
		a.logger.Errorf("Could not delete queues of %v: %v", subKeys, err)
		return
	}
	for topic, n := range released {
		a.registry.ReleaseDepth(topic, n)
	}
}

// ClearQueue drops every undelivered message of one subscription in all processes.
// It returns how many messages this process dropped.
func (a *Admin) ClearQueue(ctx context.Context, subKey string) (int, error) {
	if _, err := a.registry.GetSubscription(subKey); err != nil {
		return 0, err
	}

	unlock := a.registry.LockSubKey(subKey)
	gdCount, released, err := a.gdStore.ClearQueue(ctx, subKey)
	if err != nil {
		unlock()
		return 0, NewErrorWithCause(ErrCodeInternal, "failed to clear queue", err)
	}
	memCount, _, err := a.memStore.ClearQueue(ctx, subKey)
	unlock()
	if err != nil {
		return gdCount, NewErrorWithCause(ErrCodeInternal, "failed to clear queue", err)
	}
	for topic, n := range released {
		a.registry.ReleaseDepth(topic, n)
	}

	if err := a.dispatch(ctx, CmdQueueClear, SubKeyPayload{SubKey: subKey}); err != nil {
		return gdCount + memCount, err
	}

	a.logger.Infof("Cleared queue of `%s`, %d message(s)", subKey, gdCount+memCount)
	return gdCount + memCount, nil
}

// SetSubKeyServer records server as the delivery server of subKey everywhere.
func (a *Admin) SetSubKeyServer(ctx context.Context, subKey string, server model.ServerIdentity) error {
	return a.dispatch(ctx, CmdSubKeyServerSet, model.SubKeyServer{SubKey: subKey, Server: server})
}

// RemoveSubKeyServers forgets the delivery servers of sub_keys everywhere, as
// when their WebSocket client disconnects.
func (a *Admin) RemoveSubKeyServers(ctx context.Context, subKeys []string) error {
	return a.dispatch(ctx, CmdSubKeyServerRemove, SubKeysPayload{SubKeys: subKeys})
}

// ChangeDeliveryServer asks oldOwner to hand subKey over to newOwner. The
// process that is oldOwner acts on it, or newOwner when oldOwner is unset or
// no longer live.
func (a *Admin) ChangeDeliveryServer(ctx context.Context, subKey string, oldOwner, newOwner model.ServerIdentity) error {
	return a.dispatch(ctx, CmdDeliveryServerChange, DeliveryServerChange{SubKey: subKey, OldOwner: oldOwner, NewOwner: newOwner})
}

// AnnounceServer tells every process this one joined or is leaving. A join
// doubles as the heartbeat and lists the sub_keys this process delivers.
func (a *Admin) AnnounceServer(ctx context.Context, joined bool) error {
	payload := ServerAnnouncement{ServerIdentity: a.Server()}
	cmd := CmdServerLeft
	if joined {
		cmd = CmdServerJoined
		payload.SubKeys = a.registry.SubKeysOwnedBy(a.Server())
	}
	return a.dispatch(ctx, cmd, payload)
}
