package pubsub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coregx/gopubsub/matcher"
	"github.com/coregx/gopubsub/model"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is the in-memory view of pub/sub topology owned by one process:
// topics, endpoints, security definitions, permissions, subscriptions and the
// sub_key to delivery-server affinity table.
//
// A Registry is created once at process startup and shared by reference with
// every component that needs it. Mutations are all-or-nothing: each operation
// validates everything before touching any map.
//
// Thread safety: Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	topics        map[int64]*model.Topic
	topicNameToID map[string]int64
	pubCounters   map[int64]int

	endpoints         map[int64]*model.Endpoint
	endpointNameToID  map[string]int64
	secIDToEndpointID map[int64]int64
	wsxToEndpointID   map[int64]int64

	securities      map[int64]*model.Security
	usernameToSecID map[string]int64
	verified        *xsync.MapOf[int64, [32]byte]

	permissions map[int64]*model.Permission

	subsByTopic map[string][]*model.Subscription
	subsByKey   map[string]*model.Subscription

	subKeyServers *xsync.MapOf[string, model.SubKeyServer]
	servers       map[model.ServerIdentity]time.Time

	matcher *matcher.Matcher
	locks   *KeyedMutex
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger Logger) *Registry {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Registry{
		topics:            make(map[int64]*model.Topic),
		topicNameToID:     make(map[string]int64),
		pubCounters:       make(map[int64]int),
		endpoints:         make(map[int64]*model.Endpoint),
		endpointNameToID:  make(map[string]int64),
		secIDToEndpointID: make(map[int64]int64),
		wsxToEndpointID:   make(map[int64]int64),
		securities:        make(map[int64]*model.Security),
		usernameToSecID:   make(map[string]int64),
		verified:          xsync.NewMapOf[int64, [32]byte](),
		permissions:       make(map[int64]*model.Permission),
		subsByTopic:       make(map[string][]*model.Subscription),
		subsByKey:         make(map[string]*model.Subscription),
		subKeyServers:     xsync.NewMapOf[string, model.SubKeyServer](),
		servers:           make(map[model.ServerIdentity]time.Time),
		matcher:           matcher.New(),
		locks:             NewKeyedMutex(),
		logger:            logger,
	}
}

// LockTopic serializes work on one topic; call the returned function to release.
func (r *Registry) LockTopic(name string) func() {
	return r.locks.Lock("topic:" + name)
}

// LockSubKey serializes work on one subscription.
func (r *Registry) LockSubKey(subKey string) func() {
	return r.locks.Lock("sub:" + subKey)
}

// Matcher exposes the pattern matcher for diagnostics.
func (r *Registry) Matcher() *matcher.Matcher {
	return r.matcher
}

// ################################################################################################
// Topics

// CreateTopic adds a topic. Creating a topic whose ID is already known replaces it,
// which keeps repeated control-plane deliveries harmless.
func (r *Registry) CreateTopic(t model.Topic) error {
	if err := t.Validate(); err != nil {
		return NewErrorWithCause(ErrCodeBadRequest, "invalid topic", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.topicNameToID[t.Name]; ok && id != t.ID {
		return BadRequest("topic `%s` already exists", t.Name)
	}

	if old, ok := r.topics[t.ID]; ok {
		r.renameTopicLocked(t.ID, old.Name, t.Name)
	}

	topic := t
	r.topics[t.ID] = &topic
	r.topicNameToID[t.Name] = t.ID
	r.logger.Infof("Created topic object `%s` (id:%d)", t.Name, t.ID)
	return nil
}

// EditTopic replaces the topic with t.ID, moving its subscriptions from oldName
// to the new name.
func (r *Registry) EditTopic(oldName string, t model.Topic) error {
	if err := t.Validate(); err != nil {
		return NewErrorWithCause(ErrCodeBadRequest, "invalid topic", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.topics[t.ID]
	if !ok {
		return NewErrorWithCause(ErrCodeNotFound, ErrTopicNotFound.Message, fmt.Errorf("id %d", t.ID))
	}
	if oldName == "" {
		oldName = old.Name
	}
	if id, taken := r.topicNameToID[t.Name]; taken && id != t.ID {
		return BadRequest("topic `%s` already exists", t.Name)
	}

	// Runtime counters are not part of an edit.
	t.CurrentDepth = old.CurrentDepth
	if old.LastPubTime.After(t.LastPubTime) {
		t.LastPubTime = old.LastPubTime
	}

	r.renameTopicLocked(t.ID, old.Name, t.Name)
	topic := t
	r.topics[t.ID] = &topic
	r.logger.Infof("Edited topic object `%s` -> `%s` (id:%d)", oldName, t.Name, t.ID)
	return nil
}

func (r *Registry) renameTopicLocked(id int64, oldName, newName string) {
	r.topicNameToID[newName] = id
	if oldName == newName {
		return
	}
	delete(r.topicNameToID, oldName)
	subs := r.subsByTopic[oldName]
	delete(r.subsByTopic, oldName)
	for _, s := range subs {
		s.TopicName = newName
	}
	if len(subs) > 0 {
		r.subsByTopic[newName] = append(r.subsByTopic[newName], subs...)
	}
}

// DeleteTopic removes a topic together with every subscription bound to it and
// returns the affected sub_keys. The topic is found by id, or by name when id is 0.
func (r *Registry) DeleteTopic(id int64, name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	topic, ok := r.topics[id]
	if !ok && name != "" {
		if byName, found := r.topicNameToID[name]; found {
			topic, ok = r.topics[byName], true
		}
	}
	if !ok {
		return nil, NewErrorWithCause(ErrCodeNotFound, ErrTopicNotFound.Message, fmt.Errorf("id %d, name `%s`", id, name))
	}

	subs := r.subsByTopic[topic.Name]
	subKeys := make([]string, 0, len(subs))
	for _, s := range subs {
		subKeys = append(subKeys, s.SubKey)
		delete(r.subsByKey, s.SubKey)
		r.subKeyServers.Delete(s.SubKey)
	}

	delete(r.subsByTopic, topic.Name)
	delete(r.topicNameToID, topic.Name)
	delete(r.topics, topic.ID)
	delete(r.pubCounters, topic.ID)

	r.logger.Infof("Deleted topic object `%s` (%d), subs:%v", topic.Name, topic.ID, subKeys)
	return subKeys, nil
}

// GetTopicByName returns a copy of the named topic.
func (r *Registry) GetTopicByName(name string) (model.Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.topicNameToID[name]
	if !ok {
		return model.Topic{}, NewErrorWithCause(ErrCodeNotFound, ErrTopicNotFound.Message, fmt.Errorf("name `%s`", name))
	}
	return *r.topics[id], nil
}

// GetTopicByID returns a copy of the topic with the given ID.
func (r *Registry) GetTopicByID(id int64) (model.Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.topics[id]
	if !ok {
		return model.Topic{}, NewErrorWithCause(ErrCodeNotFound, ErrTopicNotFound.Message, fmt.Errorf("id %d", id))
	}
	return *t, nil
}

// HasTopicByName reports whether a topic with this name exists.
func (r *Registry) HasTopicByName(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topicNameToID[name]
	return ok
}

// HasTopicByID reports whether a topic with this ID exists.
func (r *Registry) HasTopicByID(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[id]
	return ok
}

// ListTopics returns copies of all topics ordered by name.
func (r *Registry) ListTopics() []model.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListSubTopicsForEndpoint returns the topics the endpoint's permissions allow it
// to subscribe to.
func (r *Registry) ListSubTopicsForEndpoint(endpointID int64) ([]model.Topic, error) {
	r.mu.RLock()
	ep, ok := r.endpoints[endpointID]
	r.mu.RUnlock()
	if !ok {
		return nil, NewErrorWithCause(ErrCodeNotFound, ErrEndpointNotFound.Message, fmt.Errorf("id %d", endpointID))
	}

	var out []model.Topic
	for _, t := range r.ListTopics() {
		if r.matcher.Evaluate(ep.SecurityID, t.Name, matcher.OpSubscribe).IsOK {
			out = append(out, t)
		}
	}
	return out, nil
}

// WaitForTopic blocks until the named topic exists or ctx ends.
func (r *Registry) WaitForTopic(ctx context.Context, name string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if r.HasTopicByName(name) {
			return nil
		}
		select {
		case <-ctx.Done():
			return NewErrorWithCause(ErrCodeNotFound, fmt.Sprintf("no such topic `%s`", name), ctx.Err())
		case <-ticker.C:
		}
	}
}

// RecordPublication bumps the topic's depth and last publication time. It returns
// the updated topic and whether its metadata is due to be persisted, which happens
// every MetaStoreFrequency publications.
func (r *Registry) RecordPublication(name string, gdCount int, pubTime time.Time) (model.Topic, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.topicNameToID[name]
	if !ok {
		return model.Topic{}, false, NewErrorWithCause(ErrCodeNotFound, ErrTopicNotFound.Message, fmt.Errorf("name `%s`", name))
	}
	t := r.topics[id]
	t.RecordPublication(gdCount, pubTime)

	r.pubCounters[id]++
	due := t.MetaStoreFrequency <= 1 || r.pubCounters[id]%t.MetaStoreFrequency == 0
	return *t, due, nil
}

// ReleaseDepth lowers a topic's depth after n of its GD messages reached a terminal state.
func (r *Registry) ReleaseDepth(name string, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.topicNameToID[name]; ok {
		r.topics[id].ReleaseDepth(n)
	}
}

// ################################################################################################
// Endpoints

// CreateEndpoint adds an endpoint, replacing one with the same ID.
func (r *Registry) CreateEndpoint(e model.Endpoint) error {
	if err := e.Validate(); err != nil {
		return NewErrorWithCause(ErrCodeBadRequest, "invalid endpoint", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.endpointNameToID[e.Name]; ok && id != e.ID {
		return BadRequest("endpoint `%s` already exists", e.Name)
	}

	r.removeEndpointMappingsLocked(e.ID)
	r.putEndpointLocked(e)
	return nil
}

// EditEndpoint replaces an existing endpoint.
func (r *Registry) EditEndpoint(e model.Endpoint) error {
	if err := e.Validate(); err != nil {
		return NewErrorWithCause(ErrCodeBadRequest, "invalid endpoint", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[e.ID]; !ok {
		return NewErrorWithCause(ErrCodeNotFound, ErrEndpointNotFound.Message, fmt.Errorf("id %d", e.ID))
	}
	if id, ok := r.endpointNameToID[e.Name]; ok && id != e.ID {
		return BadRequest("endpoint `%s` already exists", e.Name)
	}

	r.removeEndpointMappingsLocked(e.ID)
	r.putEndpointLocked(e)
	return nil
}

func (r *Registry) putEndpointLocked(e model.Endpoint) {
	ep := e
	r.endpoints[e.ID] = &ep
	r.endpointNameToID[e.Name] = e.ID
	if e.SecurityID != 0 {
		r.secIDToEndpointID[e.SecurityID] = e.ID
	}
	if e.WSChannelID != 0 {
		r.wsxToEndpointID[e.WSChannelID] = e.ID
	}
}

func (r *Registry) removeEndpointMappingsLocked(id int64) {
	old, ok := r.endpoints[id]
	if !ok {
		return
	}
	delete(r.endpointNameToID, old.Name)
	if r.secIDToEndpointID[old.SecurityID] == id {
		delete(r.secIDToEndpointID, old.SecurityID)
	}
	if r.wsxToEndpointID[old.WSChannelID] == id {
		delete(r.wsxToEndpointID, old.WSChannelID)
	}
	delete(r.endpoints, id)
}

// DeleteEndpoint removes an endpoint and its subscriptions, returning their sub_keys.
func (r *Registry) DeleteEndpoint(id int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[id]; !ok {
		return nil, NewErrorWithCause(ErrCodeNotFound, ErrEndpointNotFound.Message, fmt.Errorf("id %d", id))
	}

	var subKeys []string
	for key, s := range r.subsByKey {
		if s.EndpointID == id {
			subKeys = append(subKeys, key)
		}
	}
	sort.Strings(subKeys)
	for _, key := range subKeys {
		r.deleteSubscriptionLocked(key)
	}

	r.removeEndpointMappingsLocked(id)
	return subKeys, nil
}

// GetEndpointByID returns a copy of the endpoint.
func (r *Registry) GetEndpointByID(id int64) (model.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.endpoints[id]
	if !ok {
		return model.Endpoint{}, NewErrorWithCause(ErrCodeNotFound, ErrEndpointNotFound.Message, fmt.Errorf("id %d", id))
	}
	return *e, nil
}

// GetEndpointByName returns a copy of the named endpoint.
func (r *Registry) GetEndpointByName(name string) (model.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.endpointNameToID[name]
	if !ok {
		return model.Endpoint{}, NewErrorWithCause(ErrCodeNotFound, ErrEndpointNotFound.Message, fmt.Errorf("name `%s`", name))
	}
	return *r.endpoints[id], nil
}

// GetEndpointBySecID returns the endpoint bound to a security definition.
func (r *Registry) GetEndpointBySecID(secID int64) (model.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.secIDToEndpointID[secID]
	if !ok {
		return model.Endpoint{}, NewErrorWithCause(ErrCodeNotFound, ErrEndpointNotFound.Message, fmt.Errorf("sec_id %d", secID))
	}
	return *r.endpoints[id], nil
}

// GetEndpointByWSXChannel returns the endpoint bound to a WebSocket channel.
func (r *Registry) GetEndpointByWSXChannel(channelID int64) (model.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.wsxToEndpointID[channelID]
	if !ok {
		return model.Endpoint{}, NewErrorWithCause(ErrCodeNotFound, ErrEndpointNotFound.Message, fmt.Errorf("ws_channel_id %d", channelID))
	}
	return *r.endpoints[id], nil
}

// TouchEndpoint refreshes the endpoint's last_seen and, for publishers, last_pub_time.
func (r *Registry) TouchEndpoint(id int64, now time.Time, published bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[id]; ok {
		e.Touch(now, published)
	}
}

// ListEndpoints returns copies of all endpoints ordered by name.
func (r *Registry) ListEndpoints() []model.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ################################################################################################
// Security definitions and permissions

// CreateSecurity adds a security definition, replacing one with the same ID.
func (r *Registry) CreateSecurity(s model.Security) error {
	if err := s.Validate(); err != nil {
		return NewErrorWithCause(ErrCodeBadRequest, "invalid security definition", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.usernameToSecID[s.Username]; ok && id != s.ID {
		return BadRequest("username `%s` already exists", s.Username)
	}
	if old, ok := r.securities[s.ID]; ok {
		delete(r.usernameToSecID, old.Username)
		if old.PasswordHash != s.PasswordHash {
			r.verified.Delete(s.ID)
		}
	}
	sec := s
	r.securities[s.ID] = &sec
	r.usernameToSecID[s.Username] = s.ID
	return nil
}

// DeleteSecurity removes a security definition and its permissions.
func (r *Registry) DeleteSecurity(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.securities[id]
	if !ok {
		return NewErrorWithCause(ErrCodeNotFound, ErrSecurityNotFound.Message, fmt.Errorf("id %d", id))
	}
	delete(r.usernameToSecID, s.Username)
	delete(r.securities, id)
	r.verified.Delete(id)
	for pid, p := range r.permissions {
		if p.SecurityID == id {
			delete(r.permissions, pid)
		}
	}
	r.matcher.RemoveClient(id)
	return nil
}

// GetSecurityByID returns a copy of the security definition.
func (r *Registry) GetSecurityByID(id int64) (model.Security, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.securities[id]
	if !ok {
		return model.Security{}, NewErrorWithCause(ErrCodeNotFound, ErrSecurityNotFound.Message, fmt.Errorf("id %d", id))
	}
	return *s, nil
}

// GetSecurityByName returns the security definition with the given name.
func (r *Registry) GetSecurityByName(name string) (model.Security, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.securities {
		if s.Name == name {
			return *s, nil
		}
	}
	return model.Security{}, NewErrorWithCause(ErrCodeNotFound, ErrSecurityNotFound.Message, fmt.Errorf("name `%s`", name))
}

// ListSecurities returns copies of all security definitions ordered by name.
func (r *Registry) ListSecurities() []model.Security {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Security, 0, len(r.securities))
	for _, s := range r.securities {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetPermission adds or replaces a permission and recompiles the patterns of its
// security definition.
func (r *Registry) SetPermission(p model.Permission) error {
	if err := p.Validate(); err != nil {
		return NewErrorWithCause(ErrCodeBadRequest, "invalid permission", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var previous *model.Permission
	if old, ok := r.permissions[p.ID]; ok {
		previous = old
	}
	perm := p
	r.permissions[p.ID] = &perm

	if err := r.rebuildClientLocked(p.SecurityID); err != nil {
		if previous != nil {
			r.permissions[p.ID] = previous
		} else {
			delete(r.permissions, p.ID)
		}
		return NewErrorWithCause(ErrCodeBadRequest, "invalid permission pattern", err)
	}
	if previous != nil && previous.SecurityID != p.SecurityID {
		_ = r.rebuildClientLocked(previous.SecurityID)
	}
	return nil
}

// DeletePermission removes a permission.
func (r *Registry) DeletePermission(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.permissions[id]
	if !ok {
		return NotFound("permission %d not found", id)
	}
	delete(r.permissions, id)
	return r.rebuildClientLocked(p.SecurityID)
}

// ListPermissions returns copies of all permissions ordered by ID.
func (r *Registry) ListPermissions() []model.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Permission, 0, len(r.permissions))
	for _, p := range r.permissions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) rebuildClientLocked(secID int64) error {
	var pub, sub []string
	ids := make([]int64, 0)
	for id, p := range r.permissions {
		if p.SecurityID == secID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		r.matcher.RemoveClient(secID)
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p := r.permissions[id]
		if p.AccessType.AllowsPublish() {
			pub = append(pub, p.PubPatterns()...)
		}
		if p.AccessType.AllowsSubscribe() {
			sub = append(sub, p.SubPatterns()...)
		}
	}
	return r.matcher.SetClient(secID, pub, sub)
}

// ################################################################################################
// Subscriptions

// AddSubscription binds a subscription to its topic. Adding a sub_key that is
// already known replaces the old binding.
func (r *Registry) AddSubscription(s model.Subscription) error {
	if err := s.Validate(); err != nil {
		return NewErrorWithCause(ErrCodeBadRequest, "invalid subscription", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	topicID, ok := r.topicNameToID[s.TopicName]
	if !ok {
		return NewErrorWithCause(ErrCodeNotFound, ErrTopicNotFound.Message, fmt.Errorf("name `%s`", s.TopicName))
	}
	if _, ok := r.endpoints[s.EndpointID]; !ok {
		return NewErrorWithCause(ErrCodeNotFound, ErrEndpointNotFound.Message, fmt.Errorf("id %d", s.EndpointID))
	}
	s.TopicID = topicID

	if _, exists := r.subsByKey[s.SubKey]; exists {
		r.unbindLocked(s.SubKey)
	}
	r.bindLocked(s)
	return nil
}

// EditSubscription updates a subscription, rebinding it if its topic changed.
func (r *Registry) EditSubscription(s model.Subscription) error {
	if err := s.Validate(); err != nil {
		return NewErrorWithCause(ErrCodeBadRequest, "invalid subscription", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.subsByKey[s.SubKey]
	if !ok {
		return NewErrorWithCause(ErrCodeNotFound, ErrSubscriptionNotFound.Message, fmt.Errorf("sub_key `%s`", s.SubKey))
	}
	topicID, ok := r.topicNameToID[s.TopicName]
	if !ok {
		return NewErrorWithCause(ErrCodeNotFound, ErrTopicNotFound.Message, fmt.Errorf("name `%s`", s.TopicName))
	}
	s.TopicID = topicID
	if s.DeliveryCount < old.DeliveryCount {
		s.DeliveryCount = old.DeliveryCount
	}

	r.unbindLocked(s.SubKey)
	r.bindLocked(s)
	return nil
}

func (r *Registry) bindLocked(s model.Subscription) {
	sub := s
	r.subsByKey[s.SubKey] = &sub
	r.subsByTopic[s.TopicName] = append(r.subsByTopic[s.TopicName], &sub)
}

func (r *Registry) unbindLocked(subKey string) *model.Subscription {
	sub, ok := r.subsByKey[subKey]
	if !ok {
		return nil
	}
	list := r.subsByTopic[sub.TopicName]
	for i, s := range list {
		if s.SubKey == subKey {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subsByTopic, sub.TopicName)
	} else {
		r.subsByTopic[sub.TopicName] = list
	}
	delete(r.subsByKey, subKey)
	return sub
}

func (r *Registry) deleteSubscriptionLocked(subKey string) *model.Subscription {
	sub := r.unbindLocked(subKey)
	if sub != nil {
		r.subKeyServers.Delete(subKey)
		r.logger.Infof("Deleted subscription object `%s` (%s)", sub.SubKey, sub.TopicName)
	}
	return sub
}

// DeleteSubscription removes a subscription and its delivery-server entry.
func (r *Registry) DeleteSubscription(subKey string) (model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := r.deleteSubscriptionLocked(subKey)
	if sub == nil {
		return model.Subscription{}, NewErrorWithCause(ErrCodeNotFound, ErrSubscriptionNotFound.Message, fmt.Errorf("sub_key `%s`", subKey))
	}
	return *sub, nil
}

// Unsubscribe removes subscriptions given as topic name -> sub_keys and returns
// the ones that existed. Unknown keys are ignored.
func (r *Registry) Unsubscribe(topicSubKeys map[string][]string) []model.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Subscription
	for _, keys := range topicSubKeys {
		for _, key := range keys {
			if sub := r.deleteSubscriptionLocked(key); sub != nil {
				out = append(out, *sub)
			}
		}
	}
	return out
}

// GetSubscription returns a copy of the subscription with this sub_key.
func (r *Registry) GetSubscription(subKey string) (model.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subsByKey[subKey]
	if !ok {
		return model.Subscription{}, NewErrorWithCause(ErrCodeNotFound, ErrSubscriptionNotFound.Message, fmt.Errorf("sub_key `%s`", subKey))
	}
	return *s, nil
}

// HasSubKey reports whether a subscription with this sub_key exists.
func (r *Registry) HasSubKey(subKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subsByKey[subKey]
	return ok
}

// SubscriptionsByTopic returns copies of the topic's subscriptions in binding order.
func (r *Registry) SubscriptionsByTopic(topicName string) []model.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.subsByTopic[topicName]
	out := make([]model.Subscription, 0, len(list))
	for _, s := range list {
		out = append(out, *s)
	}
	return out
}

// ListSubscriptions returns copies of all subscriptions ordered by sub_key.
func (r *Registry) ListSubscriptions() []model.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Subscription, 0, len(r.subsByKey))
	for _, s := range r.subsByKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubKey < out[j].SubKey })
	return out
}

// GetSubscriptionByEndpointTopic finds the endpoint's subscription to a topic.
func (r *Registry) GetSubscriptionByEndpointTopic(endpointID int64, topicName string) (model.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.subsByTopic[topicName] {
		if s.EndpointID == endpointID {
			return *s, nil
		}
	}
	return model.Subscription{}, NewErrorWithCause(ErrCodeNotFound, ErrSubscriptionNotFound.Message,
		fmt.Errorf("endpoint %d, topic `%s`", endpointID, topicName))
}

// IsSubscribedTo reports whether the endpoint has a subscription to the topic.
func (r *Registry) IsSubscribedTo(endpointID int64, topicName string) bool {
	_, err := r.GetSubscriptionByEndpointTopic(endpointID, topicName)
	return err == nil
}

// SubscriberCount returns the number of subscriptions bound to the topic.
func (r *Registry) SubscriberCount(topicName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subsByTopic[topicName])
}

// HasSubscribers reports whether any subscription is bound to the topic.
func (r *Registry) HasSubscribers(topicName string) bool {
	return r.SubscriberCount(topicName) > 0
}

// AddDeliveryCount adds n to the subscription's delivery counter.
func (r *Registry) AddDeliveryCount(subKey string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subsByKey[subKey]; ok {
		s.DeliveryCount += int64(n)
	}
}

// ################################################################################################
// Delivery-server affinity

// SetSubKeyServer records which server owns delivery for a sub_key.
func (r *Registry) SetSubKeyServer(sks model.SubKeyServer) error {
	r.mu.RLock()
	sub, ok := r.subsByKey[sks.SubKey]
	var endpointType model.EndpointType
	if ok {
		if ep, found := r.endpoints[sub.EndpointID]; found {
			endpointType = ep.EndpointType
		}
	}
	r.mu.RUnlock()

	if !ok {
		return NewErrorWithCause(ErrCodeNotFound, ErrSubscriptionNotFound.Message, fmt.Errorf("sub_key `%s`", sks.SubKey))
	}

	sks.EndpointID = sub.EndpointID
	if sks.EndpointType == "" {
		sks.EndpointType = endpointType
	}
	if sks.SetAt.IsZero() {
		sks.SetAt = time.Now().UTC()
	}
	r.subKeyServers.Store(sks.SubKey, sks)

	r.logger.Infof("Set sk_server for sub_key `%s` (%s) - `%s`", sks.SubKey, sks.EndpointType, sks.Server)
	return nil
}

// GetSubKeyServer returns the delivery server of a sub_key.
func (r *Registry) GetSubKeyServer(subKey string) (model.SubKeyServer, bool) {
	return r.subKeyServers.Load(subKey)
}

// DeleteSubKeyServer forgets the delivery server of a sub_key.
func (r *Registry) DeleteSubKeyServer(subKey string) {
	if sks, ok := r.subKeyServers.LoadAndDelete(subKey); ok {
		r.logger.Infof("Deleting info about delivery server for sub_key `%s`, was `%s`", subKey, sks.Server)
	}
}

// RemoveSubKeyServers drops the delivery servers of sub_keys whose client went
// away, such as a disconnected WebSocket.
func (r *Registry) RemoveSubKeyServers(subKeys []string) {
	for _, key := range subKeys {
		r.subKeyServers.Delete(key)
	}
}

// SubKeysOwnedBy returns the sub_keys whose delivery server is server, sorted.
func (r *Registry) SubKeysOwnedBy(server model.ServerIdentity) []string {
	var out []string
	r.subKeyServers.Range(func(key string, sks model.SubKeyServer) bool {
		if sks.IsOwnedBy(server) {
			out = append(out, key)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// ListSubKeyServers returns all affinity entries ordered by sub_key.
func (r *Registry) ListSubKeyServers() []model.SubKeyServer {
	var out []model.SubKeyServer
	r.subKeyServers.Range(func(_ string, sks model.SubKeyServer) bool {
		out = append(out, sks)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SubKey < out[j].SubKey })
	return out
}

// OwnsSubKey reports whether server is the recorded delivery server of subKey.
func (r *Registry) OwnsSubKey(subKey string, server model.ServerIdentity) bool {
	sks, ok := r.subKeyServers.Load(subKey)
	return ok && sks.IsOwnedBy(server)
}

// MigrateDeliveryServer moves ownership of subKey from oldOwner to newOwner,
// and only while the recorded owner is still oldOwner. A missing entry counts
// as owned by nobody. The change is carried out by the old owner, or by the new
// owner when the old one is unset or no longer live, as after a crash. Every
// other caller gets false and no change.
// There is no distributed lock behind this: at most one active owner is an
// eventually consistent property.
func (r *Registry) MigrateDeliveryServer(local model.ServerIdentity, subKey string, oldOwner, newOwner model.ServerIdentity) (bool, error) {
	takeover := local == newOwner && (oldOwner.IsZero() || !r.IsLive(oldOwner))
	if local != oldOwner && !takeover {
		return false, nil
	}

	unlock := r.LockSubKey(subKey)
	defer unlock()

	current, ok := r.subKeyServers.Load(subKey)
	switch {
	case !ok && oldOwner.IsZero():
		if err := r.SetSubKeyServer(model.SubKeyServer{SubKey: subKey, Server: newOwner}); err != nil {
			return false, err
		}
		r.logger.Infof("Took over unowned sub_key `%s` as `%s`", subKey, newOwner)
		return true, nil
	case !ok:
		if takeover {
			return false, nil
		}
		return false, NewErrorWithCause(ErrCodeNotFound, "no delivery server for sub_key", fmt.Errorf("sub_key `%s`", subKey))
	case !current.IsOwnedBy(oldOwner):
		r.logger.Infof("Skipping migration of `%s`, owner is `%s` not `%s`", subKey, current.Server, oldOwner)
		return false, nil
	}

	current.Server = newOwner
	current.SetAt = time.Now().UTC()
	r.subKeyServers.Store(subKey, current)

	r.logger.Infof("Migrated delivery server for sub_key `%s` from `%s` to `%s`", subKey, oldOwner, newOwner)
	return true, nil
}

// AdoptSubKeys records server as the delivery server of those subKeys that
// have no owner here or whose owner is no longer live. Entries naming a live
// server are left alone. Returns the sub_keys that were adopted.
func (r *Registry) AdoptSubKeys(server model.ServerIdentity, subKeys []string) []string {
	var adopted []string
	for _, key := range subKeys {
		if !r.HasSubKey(key) {
			continue
		}
		if current, ok := r.subKeyServers.Load(key); ok && (current.IsOwnedBy(server) || r.IsLive(current.Server)) {
			continue
		}
		if err := r.SetSubKeyServer(model.SubKeyServer{SubKey: key, Server: server}); err == nil {
			adopted = append(adopted, key)
		}
	}
	return adopted
}

// OrphanedSubKeys returns, sorted, the sub_keys of active push subscriptions
// whose delivery server is unset or no longer live, each with its last owner.
func (r *Registry) OrphanedSubKeys() []model.SubKeyServer {
	r.mu.RLock()
	var keys []string
	for key, sub := range r.subsByKey {
		if sub.IsActive && sub.IsPush() {
			keys = append(keys, key)
		}
	}
	r.mu.RUnlock()

	var out []model.SubKeyServer
	for _, key := range keys {
		sks, ok := r.subKeyServers.Load(key)
		if ok && r.IsLive(sks.Server) {
			continue
		}
		if !ok {
			sks = model.SubKeyServer{SubKey: key}
		}
		out = append(out, sks)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubKey < out[j].SubKey })
	return out
}

// ################################################################################################
// Server membership

// ServerJoined marks a server as live, last heard of at the given time.
func (r *Registry) ServerJoined(server model.ServerIdentity, at time.Time) {
	r.mu.Lock()
	if seen, ok := r.servers[server]; !ok || at.After(seen) {
		r.servers[server] = at
	}
	r.mu.Unlock()
}

// ServerLeft marks a server as gone.
func (r *Registry) ServerLeft(server model.ServerIdentity) {
	r.mu.Lock()
	delete(r.servers, server)
	r.mu.Unlock()
}

// IsLive reports whether server announced itself and has not left or aged out.
func (r *Registry) IsLive(server model.ServerIdentity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[server]
	return ok
}

// ExpireServers forgets every server last heard of before cutoff, except keep,
// and returns them ordered by name and PID.
func (r *Registry) ExpireServers(cutoff time.Time, keep model.ServerIdentity) []model.ServerIdentity {
	r.mu.Lock()
	var gone []model.ServerIdentity
	for server, seen := range r.servers {
		if server != keep && seen.Before(cutoff) {
			gone = append(gone, server)
			delete(r.servers, server)
		}
	}
	r.mu.Unlock()

	sortServers(gone)
	for _, server := range gone {
		r.logger.Warnf("Server `%s` went silent, last heard of before %s", server, cutoff.Format(time.RFC3339))
	}
	return gone
}

// LiveServers returns the known live servers ordered by name and PID.
func (r *Registry) LiveServers() []model.ServerIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveServersLocked()
}

func (r *Registry) liveServersLocked() []model.ServerIdentity {
	out := make([]model.ServerIdentity, 0, len(r.servers))
	for s := range r.servers {
		out = append(out, s)
	}
	sortServers(out)
	return out
}

func sortServers(servers []model.ServerIdentity) {
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].Name != servers[j].Name {
			return servers[i].Name < servers[j].Name
		}
		return servers[i].PID < servers[j].PID
	})
}
