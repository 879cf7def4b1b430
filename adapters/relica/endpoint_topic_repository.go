package relica

import (
	"context"
	"database/sql"
	"errors"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
	"github.com/coregx/relica"
)

// EndpointTopicRepository implements pubsub.EndpointTopicRepository using Relica ORM.
type EndpointTopicRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewEndpointTopicRepository creates a new EndpointTopicRepository with default table prefix.
func NewEndpointTopicRepository(sqlDB *sql.DB, driverName string) *EndpointTopicRepository {
	return &EndpointTopicRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: model.DefaultTablePrefix}
}

// NewEndpointTopicRepositoryWithPrefix creates a new EndpointTopicRepository with custom table prefix.
func NewEndpointTopicRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *EndpointTopicRepository {
	return &EndpointTopicRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *EndpointTopicRepository) tableName() string {
	return r.tablePrefix + "endpoint_topic"
}

// Upsert inserts the row for (EndpointID, TopicID) or refreshes the existing one.
func (r *EndpointTopicRepository) Upsert(ctx context.Context, m model.EndpointTopic) (model.EndpointTopic, error) {
	var existing model.EndpointTopic
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).
		Where("endpoint_id = ? AND topic_id = ?", m.EndpointID, m.TopicID).
		One(&existing)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert(); err != nil {
			return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to insert endpoint topic", err)
		}
		return m, nil
	case err != nil:
		return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find endpoint topic", err)
	}

	existing.Refresh(m)
	if err := r.db.WithContext(ctx).Model(&existing).Table(r.tableName()).Update(); err != nil {
		return existing, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to update endpoint topic", err)
	}
	return existing, nil
}

// FindByEndpoint returns the bookkeeping rows of one endpoint.
func (r *EndpointTopicRepository) FindByEndpoint(ctx context.Context, endpointID int64) ([]model.EndpointTopic, error) {
	var rows []model.EndpointTopic
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).
		Where("endpoint_id = ?", endpointID).
		OrderBy("topic_id ASC").
		All(&rows)
	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find endpoint topics", err)
	}
	if len(rows) == 0 {
		return nil, pubsub.ErrNoData
	}
	return rows, nil
}
