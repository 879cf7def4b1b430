package relica

import (
	"context"
	"database/sql"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
	"github.com/coregx/relica"
)

// PermissionRepository implements pubsub.PermissionRepository using Relica ORM.
type PermissionRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewPermissionRepository creates a new PermissionRepository with default table prefix.
func NewPermissionRepository(sqlDB *sql.DB, driverName string) *PermissionRepository {
	return &PermissionRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: model.DefaultTablePrefix}
}

// NewPermissionRepositoryWithPrefix creates a new PermissionRepository with custom table prefix.
func NewPermissionRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *PermissionRepository {
	return &PermissionRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *PermissionRepository) tableName() string {
	return r.tablePrefix + "permission"
}

// Save creates or updates a permission.
func (r *PermissionRepository) Save(ctx context.Context, m model.Permission) (model.Permission, error) {
	if m.ID == 0 {
		err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert()
		if err != nil {
			return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to insert permission", err)
		}
		return m, nil
	}

	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update()
	if err != nil {
		return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to update permission", err)
	}
	return m, nil
}

// Delete removes a permission.
func (r *PermissionRepository) Delete(ctx context.Context, id int64) error {
	m := model.Permission{ID: id}
	if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Delete(); err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to delete permission", err)
	}
	return nil
}

// FindBySecurityID returns the permissions of one security definition.
func (r *PermissionRepository) FindBySecurityID(ctx context.Context, securityID int64) ([]model.Permission, error) {
	var perms []model.Permission
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).
		Where("sec_base_id = ?", securityID).
		OrderBy("id ASC").
		All(&perms)
	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find permissions", err)
	}
	if len(perms) == 0 {
		return nil, pubsub.ErrNoData
	}
	return perms, nil
}

// List returns all permissions.
func (r *PermissionRepository) List(ctx context.Context) ([]model.Permission, error) {
	var perms []model.Permission
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).OrderBy("id ASC").All(&perms)
	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to list permissions", err)
	}
	if len(perms) == 0 {
		return nil, pubsub.ErrNoData
	}
	return perms, nil
}
