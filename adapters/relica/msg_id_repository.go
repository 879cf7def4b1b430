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

// msgIDPruneBatch bounds the rows one Prune call removes.
const msgIDPruneBatch = 1000

// msgIDClaim is one row of the msg_id table.
type msgIDClaim struct {
	ID        int64     `db:"id"`
	PubMsgID  string    `db:"pub_msg_id"`
	TopicID   int64     `db:"topic_id"`
	CreatedAt time.Time `db:"created_at"`
}

// MsgIDRepository records every msg_id ever accepted, whichever store kept
// the message, so all processes sharing the database reject the same duplicates.
type MsgIDRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewMsgIDRepository creates a new MsgIDRepository with default table prefix.
func NewMsgIDRepository(sqlDB *sql.DB, driverName string) *MsgIDRepository {
	return &MsgIDRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: model.DefaultTablePrefix}
}

// NewMsgIDRepositoryWithPrefix creates a new MsgIDRepository with custom table prefix.
func NewMsgIDRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *MsgIDRepository {
	return &MsgIDRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *MsgIDRepository) tableName() string {
	return r.tablePrefix + "msg_id"
}

// Claim records msgID. The unique index decides races between processes.
func (r *MsgIDRepository) Claim(ctx context.Context, msgID string, topicID int64, at time.Time) error {
	row := msgIDClaim{PubMsgID: msgID, TopicID: topicID, CreatedAt: at}
	err := r.db.WithContext(ctx).Model(&row).Table(r.tableName()).Insert()
	if isUniqueViolation(err) {
		return pubsub.ErrDuplicateMsgID
	}
	if err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to claim msg_id", err)
	}
	return nil
}

// Release forgets msgID after its publication failed.
func (r *MsgIDRepository) Release(ctx context.Context, msgID string) error {
	var row msgIDClaim
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("pub_msg_id = ?", msgID).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find msg_id", err)
	}
	if err := r.db.WithContext(ctx).Model(&row).Table(r.tableName()).Delete(); err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to release msg_id", err)
	}
	return nil
}

// Prune forgets msg_ids claimed before cutoff and returns how many went.
func (r *MsgIDRepository) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	var rows []msgIDClaim
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).
		Where("created_at < ?", cutoff).
		OrderBy("id ASC").
		Limit(msgIDPruneBatch).
		All(&rows)
	if err != nil {
		return 0, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find old msg_ids", err)
	}

	for i := range rows {
		if err := r.db.WithContext(ctx).Model(&rows[i]).Table(r.tableName()).Delete(); err != nil {
			return i, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to prune msg_ids", err)
		}
	}
	return len(rows), nil
}
