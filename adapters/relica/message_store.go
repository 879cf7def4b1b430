package relica

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
)

// readyScanLimit bounds the rows ReadySubKeys looks at in one call.
const readyScanLimit = 10000

// MessageStore implements pubsub.MessageStore for guaranteed-delivery messages
// on top of the message and queue tables. Terminal rows are kept; a message's
// depth is released when its last non-terminal row goes away.
type MessageStore struct {
	messages *MessageRepository
	queue    *QueueRepository
	logger   pubsub.Logger
}

// NewMessageStore creates a store with the default table prefix.
func NewMessageStore(sqlDB *sql.DB, driverName string, logger pubsub.Logger) *MessageStore {
	return NewMessageStoreWithPrefix(sqlDB, driverName, model.DefaultTablePrefix, logger)
}

// NewMessageStoreWithPrefix creates a store with a custom table prefix.
func NewMessageStoreWithPrefix(sqlDB *sql.DB, driverName, prefix string, logger pubsub.Logger) *MessageStore {
	if logger == nil {
		logger = &pubsub.NoopLogger{}
	}
	return &MessageStore{
		messages: NewMessageRepositoryWithPrefix(sqlDB, driverName, prefix),
		queue:    NewQueueRepositoryWithPrefix(sqlDB, driverName, prefix),
		logger:   logger,
	}
}

// Publish stores msg and its queue rows. If a row cannot be stored, the rows
// already written and the message are removed again. A msg_id stored by a
// concurrent publisher between the check and the insert is reported as
// ErrDuplicateMsgID too.
func (s *MessageStore) Publish(ctx context.Context, msg model.Message, subKeys []string) error {
	exists, err := s.messages.Exists(ctx, msg.PubMsgID)
	if err != nil {
		return err
	}
	if exists {
		return pubsub.ErrDuplicateMsgID
	}

	msg, err = s.messages.Insert(ctx, msg)
	if isUniqueViolation(err) {
		return pubsub.ErrDuplicateMsgID
	}
	if err != nil {
		return err
	}

	written := make([]*model.QueueItem, 0, len(subKeys))
	for _, key := range subKeys {
		item := model.NewQueueItem(key, msg)
		if err := s.queue.Insert(ctx, &item); err != nil {
			s.compensate(ctx, msg, written)
			return err
		}
		written = append(written, &item)
	}
	return nil
}

func (s *MessageStore) compensate(ctx context.Context, msg model.Message, written []*model.QueueItem) {
	for _, item := range written {
		if err := s.queue.Delete(ctx, item); err != nil {
			s.logger.Errorf("Could not remove queue row of %s for `%s`: %v", msg.PubMsgID, item.SubKey, err)
		}
	}
	if err := s.messages.Delete(ctx, msg); err != nil {
		s.logger.Errorf("Could not remove message %s: %v", msg.PubMsgID, err)
	}
}

func (s *MessageStore) withMessages(ctx context.Context, items []model.QueueItem) ([]pubsub.QueuedMessage, error) {
	cache := make(map[string]model.Message)
	out := make([]pubsub.QueuedMessage, 0, len(items))
	for _, item := range items {
		msg, ok := cache[item.PubMsgID]
		if !ok {
			loaded, err := s.messages.GetByPubMsgID(ctx, item.PubMsgID)
			if pubsub.IsNoData(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			msg = loaded
			cache[item.PubMsgID] = msg
		}
		out = append(out, pubsub.QueuedMessage{Message: msg, Item: item})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Item, out[j].Item
		if !a.CreationTime.Equal(b.CreationTime) {
			return a.CreationTime.Before(b.CreationTime)
		}
		return a.PubMsgID < b.PubMsgID
	})
	return out, nil
}

// Peek returns ready rows of subKey, oldest first.
func (s *MessageStore) Peek(ctx context.Context, subKey string, limit int, now time.Time) ([]pubsub.QueuedMessage, error) {
	items, err := s.queue.FindReady(ctx, subKey, now, limit)
	if err != nil {
		return nil, err
	}
	return s.withMessages(ctx, items)
}

// MarkInFlight hands the given rows out.
func (s *MessageStore) MarkInFlight(ctx context.Context, subKey string, msgIDs []string, now time.Time) ([]pubsub.QueuedMessage, error) {
	var moved []model.QueueItem
	for _, id := range msgIDs {
		item, err := s.queue.Find(ctx, subKey, id)
		if pubsub.IsNoData(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if item.MarkInFlight(now) != nil {
			continue
		}
		if err := s.queue.Update(ctx, &item); err != nil {
			return nil, err
		}
		moved = append(moved, item)
	}
	return s.withMessages(ctx, moved)
}

// finish saves a row that just became terminal and releases its message's
// depth if no other row is pending.
func (s *MessageStore) finish(ctx context.Context, item *model.QueueItem, released pubsub.Released) error {
	if err := s.queue.Update(ctx, item); err != nil {
		return err
	}
	return s.releaseIfDone(ctx, item, released)
}

func (s *MessageStore) releaseIfDone(ctx context.Context, item *model.QueueItem, released pubsub.Released) error {
	pending, err := s.queue.CountPendingForMessage(ctx, item.PubMsgID)
	if err != nil {
		return err
	}
	if pending == 0 && item.HasGD {
		released[item.TopicName]++
	}
	return nil
}

// transition applies change to each named row of subKey and finishes the rows
// it succeeded on.
func (s *MessageStore) transition(ctx context.Context, subKey string, msgIDs []string, change func(*model.QueueItem) error) (int, pubsub.Released, error) {
	released := pubsub.Released{}
	n := 0
	for _, id := range msgIDs {
		item, err := s.queue.Find(ctx, subKey, id)
		if pubsub.IsNoData(err) {
			continue
		}
		if err != nil {
			return n, released, err
		}
		if change(&item) != nil {
			continue
		}
		if err := s.finish(ctx, &item, released); err != nil {
			return n, released, err
		}
		n++
	}
	return n, released, nil
}

// Ack marks in-flight rows delivered.
func (s *MessageStore) Ack(ctx context.Context, subKey string, msgIDs []string, now time.Time) (int, pubsub.Released, error) {
	return s.transition(ctx, subKey, msgIDs, func(item *model.QueueItem) error {
		return item.MarkDelivered(now)
	})
}

// Expire ends the given rows.
func (s *MessageStore) Expire(ctx context.Context, subKey string, msgIDs []string) (int, pubsub.Released, error) {
	return s.transition(ctx, subKey, msgIDs, func(item *model.QueueItem) error {
		return item.MarkExpired()
	})
}

// Requeue returns in-flight rows to the queue.
func (s *MessageStore) Requeue(ctx context.Context, subKey string, msgIDs []string, nextAttempt time.Time) error {
	for _, id := range msgIDs {
		item, err := s.queue.Find(ctx, subKey, id)
		if pubsub.IsNoData(err) {
			continue
		}
		if err != nil {
			return err
		}
		if item.Requeue(nextAttempt) != nil {
			continue
		}
		if err := s.queue.Update(ctx, &item); err != nil {
			return err
		}
	}
	return nil
}

// ExpireDue ends up to limit rows whose expiration elapsed.
func (s *MessageStore) ExpireDue(ctx context.Context, now time.Time, limit int) (int, pubsub.Released, error) {
	items, err := s.queue.FindExpired(ctx, now, limit)
	if err != nil {
		return 0, nil, err
	}

	released := pubsub.Released{}
	n := 0
	for i := range items {
		if items[i].MarkExpired() != nil {
			continue
		}
		if err := s.finish(ctx, &items[i], released); err != nil {
			return n, released, err
		}
		n++
	}
	return n, released, nil
}

// ClearQueue deletes every non-terminal row of subKey.
func (s *MessageStore) ClearQueue(ctx context.Context, subKey string) (int, pubsub.Released, error) {
	released := pubsub.Released{}
	n, err := s.deleteRows(ctx, subKey, true, released)
	return n, released, err
}

// DeleteQueues deletes every row of the given sub_keys.
func (s *MessageStore) DeleteQueues(ctx context.Context, subKeys []string) (pubsub.Released, error) {
	released := pubsub.Released{}
	for _, key := range subKeys {
		if _, err := s.deleteRows(ctx, key, false, released); err != nil {
			return released, err
		}
	}
	return released, nil
}

func (s *MessageStore) deleteRows(ctx context.Context, subKey string, pendingOnly bool, released pubsub.Released) (int, error) {
	items, err := s.queue.FindBySubKey(ctx, subKey, pendingOnly)
	if err != nil {
		return 0, err
	}
	for i := range items {
		item := &items[i]
		if err := s.queue.Delete(ctx, item); err != nil {
			return i, err
		}
		if item.DeliveryStatus.IsTerminal() {
			continue
		}
		if err := s.releaseIfDone(ctx, item, released); err != nil {
			return i + 1, err
		}
	}
	return len(items), nil
}

// Depth returns the number of non-terminal rows of subKey.
func (s *MessageStore) Depth(ctx context.Context, subKey string) (int, error) {
	return s.queue.CountPending(ctx, subKey)
}

// ReadySubKeys returns the sub_keys with rows ready at now, sorted.
func (s *MessageStore) ReadySubKeys(ctx context.Context, now time.Time) ([]string, error) {
	items, err := s.queue.FindAllReady(ctx, now, readyScanLimit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, item := range items {
		if _, ok := seen[item.SubKey]; ok {
			continue
		}
		seen[item.SubKey] = struct{}{}
		out = append(out, item.SubKey)
	}
	sort.Strings(out)
	return out, nil
}
