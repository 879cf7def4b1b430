package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
)

// table is an ID-keyed row set with auto-increment IDs.
type table[T any] struct {
	mu     sync.RWMutex
	rows   map[int64]T
	nextID int64
	id     func(*T) *int64
}

func newTable[T any](id func(*T) *int64) *table[T] {
	return &table[T]{rows: make(map[int64]T), id: id}
}

func (t *table[T]) save(m T) T {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.id(&m)
	if *id == 0 {
		t.nextID++
		*id = t.nextID
	} else if *id > t.nextID {
		t.nextID = *id
	}
	t.rows[*id] = m
	return m
}

func (t *table[T]) load(id int64) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.rows[id]
	if !ok {
		return m, pubsub.ErrNoData
	}
	return m, nil
}

func (t *table[T]) delete(id int64) {
	t.mu.Lock()
	delete(t.rows, id)
	t.mu.Unlock()
}

// find returns matching rows ordered by ID, or ErrNoData.
func (t *table[T]) find(match func(T) bool) ([]T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]int64, 0, len(t.rows))
	for id, m := range t.rows {
		if match == nil || match(m) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, pubsub.ErrNoData
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.rows[id])
	}
	return out, nil
}

func (t *table[T]) first(match func(T) bool) (T, error) {
	rows, err := t.find(match)
	if err != nil {
		var zero T
		return zero, err
	}
	return rows[0], nil
}

// TopicRepository implements pubsub.TopicRepository in memory.
type TopicRepository struct {
	t *table[model.Topic]
}

// NewTopicRepository creates an empty repository.
func NewTopicRepository() *TopicRepository {
	return &TopicRepository{t: newTable(func(m *model.Topic) *int64 { return &m.ID })}
}

// Load retrieves a topic by ID.
func (r *TopicRepository) Load(_ context.Context, id int64) (model.Topic, error) {
	return r.t.load(id)
}

// Save creates or updates a topic.
func (r *TopicRepository) Save(_ context.Context, m model.Topic) (model.Topic, error) {
	return r.t.save(m), nil
}

// Delete removes a topic.
func (r *TopicRepository) Delete(_ context.Context, id int64) error {
	r.t.delete(id)
	return nil
}

// GetByName retrieves a topic by name.
func (r *TopicRepository) GetByName(_ context.Context, name string) (model.Topic, error) {
	return r.t.first(func(m model.Topic) bool { return m.Name == name })
}

// List returns all topics.
func (r *TopicRepository) List(_ context.Context) ([]model.Topic, error) {
	return r.t.find(nil)
}

// SaveMetadata persists depth and last publication time.
func (r *TopicRepository) SaveMetadata(_ context.Context, id int64, depth int64, lastPubTime time.Time) error {
	m, err := r.t.load(id)
	if err != nil {
		return err
	}
	m.CurrentDepth = depth
	m.LastPubTime = lastPubTime
	r.t.save(m)
	return nil
}

// EndpointRepository implements pubsub.EndpointRepository in memory.
type EndpointRepository struct {
	t *table[model.Endpoint]
}

// NewEndpointRepository creates an empty repository.
func NewEndpointRepository() *EndpointRepository {
	return &EndpointRepository{t: newTable(func(m *model.Endpoint) *int64 { return &m.ID })}
}

// Load retrieves an endpoint by ID.
func (r *EndpointRepository) Load(_ context.Context, id int64) (model.Endpoint, error) {
	return r.t.load(id)
}

// Save creates or updates an endpoint.
func (r *EndpointRepository) Save(_ context.Context, m model.Endpoint) (model.Endpoint, error) {
	return r.t.save(m), nil
}

// Delete removes an endpoint.
func (r *EndpointRepository) Delete(_ context.Context, id int64) error {
	r.t.delete(id)
	return nil
}

// GetByName retrieves an endpoint by name.
func (r *EndpointRepository) GetByName(_ context.Context, name string) (model.Endpoint, error) {
	return r.t.first(func(m model.Endpoint) bool { return m.Name == name })
}

// List returns all endpoints.
func (r *EndpointRepository) List(_ context.Context) ([]model.Endpoint, error) {
	return r.t.find(nil)
}

// SecurityRepository implements pubsub.SecurityRepository in memory.
type SecurityRepository struct {
	t *table[model.Security]
}

// NewSecurityRepository creates an empty repository.
func NewSecurityRepository() *SecurityRepository {
	return &SecurityRepository{t: newTable(func(m *model.Security) *int64 { return &m.ID })}
}

// Load retrieves a security definition by ID.
func (r *SecurityRepository) Load(_ context.Context, id int64) (model.Security, error) {
	return r.t.load(id)
}

// Save creates or updates a security definition.
func (r *SecurityRepository) Save(_ context.Context, m model.Security) (model.Security, error) {
	return r.t.save(m), nil
}

// Delete removes a security definition.
func (r *SecurityRepository) Delete(_ context.Context, id int64) error {
	r.t.delete(id)
	return nil
}

// GetByName retrieves a security definition by name.
func (r *SecurityRepository) GetByName(_ context.Context, name string) (model.Security, error) {
	return r.t.first(func(m model.Security) bool { return m.Name == name })
}

// List returns all security definitions.
func (r *SecurityRepository) List(_ context.Context) ([]model.Security, error) {
	return r.t.find(nil)
}

// PermissionRepository implements pubsub.PermissionRepository in memory.
type PermissionRepository struct {
	t *table[model.Permission]
}

// NewPermissionRepository creates an empty repository.
func NewPermissionRepository() *PermissionRepository {
	return &PermissionRepository{t: newTable(func(m *model.Permission) *int64 { return &m.ID })}
}

// Save creates or updates a permission.
func (r *PermissionRepository) Save(_ context.Context, m model.Permission) (model.Permission, error) {
	return r.t.save(m), nil
}

// Delete removes a permission.
func (r *PermissionRepository) Delete(_ context.Context, id int64) error {
	r.t.delete(id)
	return nil
}

// FindBySecurityID returns the permissions of one security definition.
func (r *PermissionRepository) FindBySecurityID(_ context.Context, securityID int64) ([]model.Permission, error) {
	return r.t.find(func(m model.Permission) bool { return m.SecurityID == securityID })
}

// List returns all permissions.
func (r *PermissionRepository) List(_ context.Context) ([]model.Permission, error) {
	return r.t.find(nil)
}

// SubscriptionRepository implements pubsub.SubscriptionRepository in memory.
type SubscriptionRepository struct {
	t *table[model.Subscription]
}

// NewSubscriptionRepository creates an empty repository.
func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{t: newTable(func(m *model.Subscription) *int64 { return &m.ID })}
}

// Save creates or updates a subscription.
func (r *SubscriptionRepository) Save(_ context.Context, m model.Subscription) (model.Subscription, error) {
	return r.t.save(m), nil
}

// DeleteBySubKey removes a subscription.
func (r *SubscriptionRepository) DeleteBySubKey(_ context.Context, subKey string) error {
	m, err := r.t.first(func(m model.Subscription) bool { return m.SubKey == subKey })
	if err != nil {
		return nil
	}
	r.t.delete(m.ID)
	return nil
}

// GetBySubKey retrieves a subscription by sub_key.
func (r *SubscriptionRepository) GetBySubKey(_ context.Context, subKey string) (model.Subscription, error) {
	return r.t.first(func(m model.Subscription) bool { return m.SubKey == subKey })
}

// FindByTopicID returns the subscriptions bound to a topic.
func (r *SubscriptionRepository) FindByTopicID(_ context.Context, topicID int64) ([]model.Subscription, error) {
	return r.t.find(func(m model.Subscription) bool { return m.TopicID == topicID })
}

// List returns all subscriptions.
func (r *SubscriptionRepository) List(_ context.Context) ([]model.Subscription, error) {
	return r.t.find(nil)
}

// EndpointTopicRepository implements pubsub.EndpointTopicRepository in memory.
type EndpointTopicRepository struct {
	mu sync.Mutex
	t  *table[model.EndpointTopic]
}

// NewEndpointTopicRepository creates an empty repository.
func NewEndpointTopicRepository() *EndpointTopicRepository {
	return &EndpointTopicRepository{t: newTable(func(m *model.EndpointTopic) *int64 { return &m.ID })}
}

// Upsert inserts or refreshes the row for (EndpointID, TopicID).
func (r *EndpointTopicRepository) Upsert(_ context.Context, m model.EndpointTopic) (model.EndpointTopic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.t.first(func(e model.EndpointTopic) bool {
		return e.EndpointID == m.EndpointID && e.TopicID == m.TopicID
	})
	if err == nil {
		existing.Refresh(m)
		return r.t.save(existing), nil
	}
	return r.t.save(m), nil
}

// FindByEndpoint returns the rows of one endpoint.
func (r *EndpointTopicRepository) FindByEndpoint(_ context.Context, endpointID int64) ([]model.EndpointTopic, error) {
	return r.t.find(func(m model.EndpointTopic) bool { return m.EndpointID == endpointID })
}

// MsgIDRepository implements pubsub.MsgIDRepository in memory. Processes that
// share one instance share the duplicate check.
type MsgIDRepository struct {
	mu     sync.Mutex
	claims map[string]time.Time
}

// NewMsgIDRepository creates an empty repository.
func NewMsgIDRepository() *MsgIDRepository {
	return &MsgIDRepository{claims: make(map[string]time.Time)}
}

// Claim records msgID unless it was claimed before.
func (r *MsgIDRepository) Claim(_ context.Context, msgID string, _ int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claims[msgID]; ok {
		return pubsub.ErrDuplicateMsgID
	}
	r.claims[msgID] = at
	return nil
}

// Release forgets msgID.
func (r *MsgIDRepository) Release(_ context.Context, msgID string) error {
	r.mu.Lock()
	delete(r.claims, msgID)
	r.mu.Unlock()
	return nil
}

// Prune forgets claims made before cutoff.
func (r *MsgIDRepository) Prune(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, at := range r.claims {
		if at.Before(cutoff) {
			delete(r.claims, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of remembered msg_ids.
func (r *MsgIDRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims)
}

// NewRepositories creates a full set of in-memory repositories.
func NewRepositories() *pubsub.Repositories {
	return &pubsub.Repositories{
		Topics:         NewTopicRepository(),
		Endpoints:      NewEndpointRepository(),
		Securities:     NewSecurityRepository(),
		Permissions:    NewPermissionRepository(),
		Subscriptions:  NewSubscriptionRepository(),
		EndpointTopics: NewEndpointTopicRepository(),
		MsgIDs:         NewMsgIDRepository(),
	}
}
