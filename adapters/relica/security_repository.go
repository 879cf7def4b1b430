package relica

import (
	"context"
	"database/sql"
	"errors"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
	"github.com/coregx/relica"
)

// SecurityRepository implements pubsub.SecurityRepository using Relica ORM.
type SecurityRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewSecurityRepository creates a new SecurityRepository with default table prefix.
func NewSecurityRepository(sqlDB *sql.DB, driverName string) *SecurityRepository {
	return &SecurityRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: model.DefaultTablePrefix}
}

// NewSecurityRepositoryWithPrefix creates a new SecurityRepository with custom table prefix.
func NewSecurityRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *SecurityRepository {
	return &SecurityRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *SecurityRepository) tableName() string {
	return r.tablePrefix + "security"
}

// Load retrieves a security definition by ID.
func (r *SecurityRepository) Load(ctx context.Context, id int64) (model.Security, error) {
	var sec model.Security
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("id = ?", id).One(&sec)
	if errors.Is(err, sql.ErrNoRows) {
		return sec, pubsub.ErrNoData
	}
	if err != nil {
		return sec, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to load security definition", err)
	}
	return sec, nil
}

// Save creates or updates a security definition.
func (r *SecurityRepository) Save(ctx context.Context, m model.Security) (model.Security, error) {
	if m.ID == 0 {
		err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert()
		if err != nil {
			return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to insert security definition", err)
		}
		return m, nil
	}

	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update()
	if err != nil {
		return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to update security definition", err)
	}
	return m, nil
}

// Delete removes a security definition.
func (r *SecurityRepository) Delete(ctx context.Context, id int64) error {
	m := model.Security{ID: id}
	if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Delete(); err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to delete security definition", err)
	}
	return nil
}

// GetByName retrieves a security definition by its unique name.
func (r *SecurityRepository) GetByName(ctx context.Context, name string) (model.Security, error) {
	var sec model.Security
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("name = ?", name).One(&sec)
	if errors.Is(err, sql.ErrNoRows) {
		return sec, pubsub.ErrNoData
	}
	if err != nil {
		return sec, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find security definition by name", err)
	}
	return sec, nil
}

// List returns all security definitions.
func (r *SecurityRepository) List(ctx context.Context) ([]model.Security, error) {
	var secs []model.Security
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).OrderBy("id ASC").All(&secs)
	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to list security definitions", err)
	}
	if len(secs) == 0 {
		return nil, pubsub.ErrNoData
	}
	return secs, nil
}
