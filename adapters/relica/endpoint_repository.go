package relica

import (
	"context"
	"database/sql"
	"errors"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
	"github.com/coregx/relica"
)

// EndpointRepository implements pubsub.EndpointRepository using Relica ORM.
type EndpointRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewEndpointRepository creates a new EndpointRepository with default table prefix.
func NewEndpointRepository(sqlDB *sql.DB, driverName string) *EndpointRepository {
	return &EndpointRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: model.DefaultTablePrefix}
}

// NewEndpointRepositoryWithPrefix creates a new EndpointRepository with custom table prefix.
func NewEndpointRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *EndpointRepository {
	return &EndpointRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *EndpointRepository) tableName() string {
	return r.tablePrefix + "endpoint"
}

// Load retrieves an endpoint by ID.
func (r *EndpointRepository) Load(ctx context.Context, id int64) (model.Endpoint, error) {
	var ep model.Endpoint
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("id = ?", id).One(&ep)
	if errors.Is(err, sql.ErrNoRows) {
		return ep, pubsub.ErrNoData
	}
	if err != nil {
		return ep, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to load endpoint", err)
	}
	return ep, nil
}

// Save creates or updates an endpoint.
func (r *EndpointRepository) Save(ctx context.Context, m model.Endpoint) (model.Endpoint, error) {
	if m.ID == 0 {
		err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert()
		if err != nil {
			return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to insert endpoint", err)
		}
		return m, nil
	}

	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update()
	if err != nil {
		return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to update endpoint", err)
	}
	return m, nil
}

// Delete removes an endpoint.
func (r *EndpointRepository) Delete(ctx context.Context, id int64) error {
	m := model.Endpoint{ID: id}
	if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Delete(); err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to delete endpoint", err)
	}
	return nil
}

// GetByName retrieves an endpoint by its unique name.
func (r *EndpointRepository) GetByName(ctx context.Context, name string) (model.Endpoint, error) {
	var ep model.Endpoint
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("name = ?", name).One(&ep)
	if errors.Is(err, sql.ErrNoRows) {
		return ep, pubsub.ErrNoData
	}
	if err != nil {
		return ep, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find endpoint by name", err)
	}
	return ep, nil
}

// List returns all endpoints.
func (r *EndpointRepository) List(ctx context.Context) ([]model.Endpoint, error) {
	var eps []model.Endpoint
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).OrderBy("id ASC").All(&eps)
	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to list endpoints", err)
	}
	if len(eps) == 0 {
		return nil, pubsub.ErrNoData
	}
	return eps, nil
}
