// Package relica provides Relica ORM implementations for PubSub repositories.
//
//nolint:dupl // Repository pattern requires similar implementations for different types
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

// TopicRepository implements pubsub.TopicRepository using Relica ORM.
type TopicRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewTopicRepository creates a new TopicRepository with default table prefix.
func NewTopicRepository(sqlDB *sql.DB, driverName string) *TopicRepository {
	return &TopicRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: model.DefaultTablePrefix}
}

// NewTopicRepositoryWithPrefix creates a new TopicRepository with custom table prefix.
func NewTopicRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *TopicRepository {
	return &TopicRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *TopicRepository) tableName() string {
	return r.tablePrefix + "topic"
}

// Load retrieves a topic by ID.
func (r *TopicRepository) Load(ctx context.Context, id int64) (model.Topic, error) {
	var topic model.Topic
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("id = ?", id).One(&topic)
	if errors.Is(err, sql.ErrNoRows) {
		return topic, pubsub.ErrNoData
	}
	if err != nil {
		return topic, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to load topic", err)
	}
	return topic, nil
}

// Save creates or updates a topic.
func (r *TopicRepository) Save(ctx context.Context, m model.Topic) (model.Topic, error) {
	if m.ID == 0 {
		err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert()
		if err != nil {
			return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to insert topic", err)
		}
		return m, nil
	}

	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update()
	if err != nil {
		return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to update topic", err)
	}
	return m, nil
}

// Delete removes a topic.
func (r *TopicRepository) Delete(ctx context.Context, id int64) error {
	m := model.Topic{ID: id}
	if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Delete(); err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to delete topic", err)
	}
	return nil
}

// GetByName retrieves a topic by its unique name.
func (r *TopicRepository) GetByName(ctx context.Context, name string) (model.Topic, error) {
	var topic model.Topic
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("name = ?", name).One(&topic)
	if errors.Is(err, sql.ErrNoRows) {
		return topic, pubsub.ErrNoData
	}
	if err != nil {
		return topic, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find topic by name", err)
	}
	return topic, nil
}

// List returns all topics ordered by ID.
func (r *TopicRepository) List(ctx context.Context) ([]model.Topic, error) {
	var topics []model.Topic
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).OrderBy("id ASC").All(&topics)
	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to list topics", err)
	}
	if len(topics) == 0 {
		return nil, pubsub.ErrNoData
	}
	return topics, nil
}

// SaveMetadata persists depth and last publication time without touching the
// rest of the row.
func (r *TopicRepository) SaveMetadata(ctx context.Context, id int64, depth int64, lastPubTime time.Time) error {
	_, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"current_depth": depth,
			"last_pub_time": lastPubTime,
		}).
		Where("id = ?", id).
		Execute()
	if err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to save topic metadata", err)
	}
	return nil
}
