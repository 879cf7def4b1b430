// Package memory provides in-process implementations of the pubsub storage and
// control-plane interfaces.
//
// MessageStore holds non-guaranteed-delivery messages, which never outlive the
// process. The repositories and Broker serve tests and single-process setups
// that run without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
)

type storedMessage struct {
	msg model.Message

	// pending counts the message's non-terminal queue rows.
	pending int
}

// MessageStore implements pubsub.MessageStore in memory. Rows are dropped as
// soon as they become terminal, and a message is dropped with its last row.
type MessageStore struct {
	mu       sync.Mutex
	messages map[string]*storedMessage
	queues   map[string]map[string]*model.QueueItem
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: make(map[string]*storedMessage),
		queues:   make(map[string]map[string]*model.QueueItem),
	}
}

// Publish stores msg with one row per sub_key. A message without subscribers is
// not kept.
func (s *MessageStore) Publish(_ context.Context, msg model.Message, subKeys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.PubMsgID]; ok {
		return pubsub.ErrDuplicateMsgID
	}
	if len(subKeys) == 0 {
		return nil
	}

	stored := &storedMessage{msg: msg}
	for _, key := range subKeys {
		q, ok := s.queues[key]
		if !ok {
			q = make(map[string]*model.QueueItem)
			s.queues[key] = q
		}
		item := model.NewQueueItem(key, msg)
		q[msg.PubMsgID] = &item
		stored.pending++
	}
	s.messages[msg.PubMsgID] = stored
	return nil
}

func (s *MessageStore) queued(item *model.QueueItem) pubsub.QueuedMessage {
	return pubsub.QueuedMessage{Message: s.messages[item.PubMsgID].msg, Item: *item}
}

func sortItems(items []*model.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreationTime.Equal(items[j].CreationTime) {
			return items[i].CreationTime.Before(items[j].CreationTime)
		}
		return items[i].PubMsgID < items[j].PubMsgID
	})
}

// Peek returns ready rows of subKey, oldest first.
func (s *MessageStore) Peek(_ context.Context, subKey string, limit int, now time.Time) ([]pubsub.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*model.QueueItem
	for _, item := range s.queues[subKey] {
		if item.IsReady(now) {
			ready = append(ready, item)
		}
	}
	sortItems(ready)
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]pubsub.QueuedMessage, 0, len(ready))
	for _, item := range ready {
		out = append(out, s.queued(item))
	}
	return out, nil
}

// MarkInFlight hands the given rows out.
func (s *MessageStore) MarkInFlight(_ context.Context, subKey string, msgIDs []string, now time.Time) ([]pubsub.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved []*model.QueueItem
	for _, id := range msgIDs {
		item, ok := s.queues[subKey][id]
		if !ok {
			continue
		}
		if err := item.MarkInFlight(now); err != nil {
			continue
		}
		moved = append(moved, item)
	}
	sortItems(moved)

	out := make([]pubsub.QueuedMessage, 0, len(moved))
	for _, item := range moved {
		out = append(out, s.queued(item))
	}
	return out, nil
}

// finishLocked removes a row that became terminal or was dropped, releasing
// its message once no rows are left.
func (s *MessageStore) finishLocked(subKey, msgID string, released pubsub.Released) {
	q := s.queues[subKey]
	delete(q, msgID)
	if len(q) == 0 {
		delete(s.queues, subKey)
	}

	stored, ok := s.messages[msgID]
	if !ok {
		return
	}
	stored.pending--
	if stored.pending > 0 {
		return
	}
	delete(s.messages, msgID)
	if stored.msg.HasGD {
		released[stored.msg.TopicName]++
	}
}

// Ack marks in-flight rows delivered.
func (s *MessageStore) Ack(_ context.Context, subKey string, msgIDs []string, now time.Time) (int, pubsub.Released, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := pubsub.Released{}
	n := 0
	for _, id := range msgIDs {
		item, ok := s.queues[subKey][id]
		if !ok || item.MarkDelivered(now) != nil {
			continue
		}
		s.finishLocked(subKey, id, released)
		n++
	}
	return n, released, nil
}

// Requeue returns in-flight rows to the queue.
func (s *MessageStore) Requeue(_ context.Context, subKey string, msgIDs []string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range msgIDs {
		if item, ok := s.queues[subKey][id]; ok {
			_ = item.Requeue(nextAttempt)
		}
	}
	return nil
}

// Expire ends the given rows.
func (s *MessageStore) Expire(_ context.Context, subKey string, msgIDs []string) (int, pubsub.Released, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := pubsub.Released{}
	n := 0
	for _, id := range msgIDs {
		item, ok := s.queues[subKey][id]
		if !ok || item.MarkExpired() != nil {
			continue
		}
		s.finishLocked(subKey, id, released)
		n++
	}
	return n, released, nil
}

// ExpireDue ends up to limit rows whose expiration elapsed.
func (s *MessageStore) ExpireDue(_ context.Context, now time.Time, limit int) (int, pubsub.Released, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.QueueItem
	for _, q := range s.queues {
		for _, item := range q {
			if item.IsExpired(now) {
				due = append(due, item)
			}
		}
	}
	sortItems(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	released := pubsub.Released{}
	for _, item := range due {
		_ = item.MarkExpired()
		s.finishLocked(item.SubKey, item.PubMsgID, released)
	}
	return len(due), released, nil
}

// ClearQueue drops every row of subKey.
func (s *MessageStore) ClearQueue(_ context.Context, subKey string) (int, pubsub.Released, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := pubsub.Released{}
	n := s.dropLocked(subKey, released)
	return n, released, nil
}

// DeleteQueues drops every row of the given sub_keys.
func (s *MessageStore) DeleteQueues(_ context.Context, subKeys []string) (pubsub.Released, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := pubsub.Released{}
	for _, key := range subKeys {
		s.dropLocked(key, released)
	}
	return released, nil
}

func (s *MessageStore) dropLocked(subKey string, released pubsub.Released) int {
	ids := make([]string, 0, len(s.queues[subKey]))
	for id := range s.queues[subKey] {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.finishLocked(subKey, id, released)
	}
	return len(ids)
}

// Depth returns the number of rows of subKey.
func (s *MessageStore) Depth(_ context.Context, subKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[subKey]), nil
}

// ReadySubKeys returns the sub_keys with rows ready at now, sorted.
func (s *MessageStore) ReadySubKeys(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for key, q := range s.queues {
		for _, item := range q {
			if item.IsReady(now) {
				out = append(out, key)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Messages returns how many messages are held.
func (s *MessageStore) Messages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
