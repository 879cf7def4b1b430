package relica

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
	"github.com/coregx/relica"
)

// QueueRepository stores per-subscription queue rows of guaranteed-delivery messages.
type QueueRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewQueueRepository creates a new QueueRepository with default table prefix.
func NewQueueRepository(sqlDB *sql.DB, driverName string) *QueueRepository {
	return &QueueRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: model.DefaultTablePrefix,
	}
}

// NewQueueRepositoryWithPrefix creates a new QueueRepository with custom table prefix.
func NewQueueRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *QueueRepository {
	return &QueueRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
	}
}

func (r *QueueRepository) tableName() string {
	return r.tablePrefix + "queue"
}

// Insert stores a new queue row and populates its ID.
func (r *QueueRepository) Insert(ctx context.Context, m *model.QueueItem) error {
	err := r.db.WithContext(ctx).Model(m).Table(r.tableName()).Insert()
	if err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to insert queue item", err)
	}
	return nil
}

// Update saves a queue row.
func (r *QueueRepository) Update(ctx context.Context, m *model.QueueItem) error {
	err := r.db.WithContext(ctx).Model(m).Table(r.tableName()).Update()
	if err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to update queue item", err)
	}
	return nil
}

// Delete removes a queue row.
func (r *QueueRepository) Delete(ctx context.Context, m *model.QueueItem) error {
	err := r.db.WithContext(ctx).Model(m).Table(r.tableName()).Delete()
	if err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to delete queue item", err)
	}
	return nil
}

// Find retrieves the row of one message for one sub_key.
func (r *QueueRepository) Find(ctx context.Context, subKey, pubMsgID string) (model.QueueItem, error) {
	var item model.QueueItem

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("sub_key = ? AND pub_msg_id = ?", subKey, pubMsgID).
		One(&item)

	if errors.Is(err, sql.ErrNoRows) {
		return item, pubsub.ErrNoData
	}
	if err != nil {
		return item, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find queue item", err)
	}

	return item, nil
}

// FindReady retrieves up to limit rows of subKey that can be handed out at now,
// oldest first.
func (r *QueueRepository) FindReady(ctx context.Context, subKey string, now time.Time, limit int) ([]model.QueueItem, error) {
	var items []model.QueueItem

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("sub_key = ? AND delivery_status = ? AND is_in_staging = ? AND next_attempt_at <= ? AND expiration_time > ?",
			subKey, model.DeliveryInitialized, false, now, now).
		OrderBy("creation_time ASC").
		Limit(int64(limit)).
		All(&items)

	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find ready queue items", err)
	}
	return items, nil
}

// FindAllReady retrieves up to limit rows of any sub_key that can be handed out at now.
func (r *QueueRepository) FindAllReady(ctx context.Context, now time.Time, limit int) ([]model.QueueItem, error) {
	var items []model.QueueItem

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("delivery_status = ? AND is_in_staging = ? AND next_attempt_at <= ? AND expiration_time > ?",
			model.DeliveryInitialized, false, now, now).
		OrderBy("creation_time ASC").
		Limit(int64(limit)).
		All(&items)

	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find ready queue items", err)
	}
	return items, nil
}

// FindBySubKey retrieves every row of subKey. With pendingOnly, terminal rows
// are left out.
func (r *QueueRepository) FindBySubKey(ctx context.Context, subKey string, pendingOnly bool) ([]model.QueueItem, error) {
	var items []model.QueueItem

	q := r.db.WithContext(ctx).Select("*").From(r.tableName())
	if pendingOnly {
		q = q.Where("sub_key = ? AND (delivery_status = ? OR delivery_status = ?)",
			subKey, model.DeliveryInitialized, model.DeliveryInFlight)
	} else {
		q = q.Where("sub_key = ?", subKey)
	}

	if err := q.OrderBy("creation_time ASC").All(&items); err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find queue items", err)
	}
	return items, nil
}

// FindExpired retrieves up to limit non-terminal rows whose expiration elapsed at now.
func (r *QueueRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]model.QueueItem, error) {
	var items []model.QueueItem

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("(delivery_status = ? OR delivery_status = ?) AND expiration_time <= ?",
			model.DeliveryInitialized, model.DeliveryInFlight, now).
		OrderBy("expiration_time ASC").
		Limit(int64(limit)).
		All(&items)

	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find expired queue items", err)
	}
	return items, nil
}

// CountPending returns the number of non-terminal rows of subKey.
func (r *QueueRepository) CountPending(ctx context.Context, subKey string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Select("COUNT(*)").
		From(r.tableName()).
		Where("sub_key = ? AND (delivery_status = ? OR delivery_status = ?)",
			subKey, model.DeliveryInitialized, model.DeliveryInFlight).
		One(&count)
	if err != nil {
		return 0, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to count queue items", err)
	}
	return int(count), nil
}

// CountPendingForMessage returns the number of non-terminal rows of one message
// across all sub_keys.
func (r *QueueRepository) CountPendingForMessage(ctx context.Context, pubMsgID string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Select("COUNT(*)").
		From(r.tableName()).
		Where("pub_msg_id = ? AND (delivery_status = ? OR delivery_status = ?)",
			pubMsgID, model.DeliveryInitialized, model.DeliveryInFlight).
		One(&count)
	if err != nil {
		return 0, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to count queue items", err)
	}
	return int(count), nil
}
