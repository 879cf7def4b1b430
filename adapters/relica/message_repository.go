package relica

import (
	"context"
	"database/sql"
	"errors"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
	"github.com/coregx/relica"
)

// MessageRepository stores published guaranteed-delivery messages.
type MessageRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewMessageRepository creates a new MessageRepository with default table prefix.
func NewMessageRepository(sqlDB *sql.DB, driverName string) *MessageRepository {
	return &MessageRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: model.DefaultTablePrefix}
}

// NewMessageRepositoryWithPrefix creates a new MessageRepository with custom table prefix.
func NewMessageRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *MessageRepository {
	return &MessageRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *MessageRepository) tableName() string {
	return r.tablePrefix + "message"
}

// Insert stores a new message and populates its ID.
func (r *MessageRepository) Insert(ctx context.Context, m model.Message) (model.Message, error) {
	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert()
	if err != nil {
		return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to insert message", err)
	}
	return m, nil
}

// GetByPubMsgID retrieves a message by its public msg_id.
func (r *MessageRepository) GetByPubMsgID(ctx context.Context, pubMsgID string) (model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("pub_msg_id = ?", pubMsgID).One(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return msg, pubsub.ErrNoData
	}
	if err != nil {
		return msg, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to load message", err)
	}
	return msg, nil
}

// Exists reports whether a message with this msg_id was stored.
func (r *MessageRepository) Exists(ctx context.Context, pubMsgID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Select("COUNT(*)").From(r.tableName()).Where("pub_msg_id = ?", pubMsgID).One(&count)
	if err != nil {
		return false, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to count messages", err)
	}
	return count > 0, nil
}

// Delete removes a message.
func (r *MessageRepository) Delete(ctx context.Context, m model.Message) error {
	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Delete()
	if err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to delete message", err)
	}
	return nil
}
