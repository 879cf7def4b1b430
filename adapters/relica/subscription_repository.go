package relica

import (
	"context"
	"database/sql"
	"errors"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
	"github.com/coregx/relica"
)

// SubscriptionRepository implements pubsub.SubscriptionRepository using Relica ORM.
type SubscriptionRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewSubscriptionRepository creates a new SubscriptionRepository with default table prefix.
func NewSubscriptionRepository(sqlDB *sql.DB, driverName string) *SubscriptionRepository {
	return &SubscriptionRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: model.DefaultTablePrefix}
}

// NewSubscriptionRepositoryWithPrefix creates a new SubscriptionRepository with custom table prefix.
func NewSubscriptionRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *SubscriptionRepository {
	return &SubscriptionRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *SubscriptionRepository) tableName() string {
	return r.tablePrefix + "subscription"
}

// Save creates or updates a subscription.
func (r *SubscriptionRepository) Save(ctx context.Context, m model.Subscription) (model.Subscription, error) {
	if m.ID == 0 {
		err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert()
		if err != nil {
			return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to insert subscription", err)
		}
		return m, nil
	}
	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update()
	if err != nil {
		return m, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to update subscription", err)
	}
	return m, nil
}

// DeleteBySubKey removes a subscription. Unknown sub_keys are ignored.
func (r *SubscriptionRepository) DeleteBySubKey(ctx context.Context, subKey string) error {
	sub, err := r.GetBySubKey(ctx, subKey)
	if pubsub.IsNoData(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Model(&sub).Table(r.tableName()).Delete(); err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to delete subscription", err)
	}
	return nil
}

// GetBySubKey retrieves a subscription by sub_key.
func (r *SubscriptionRepository) GetBySubKey(ctx context.Context, subKey string) (model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("sub_key = ?", subKey).One(&sub)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, pubsub.ErrNoData
	}
	if err != nil {
		return sub, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to load subscription", err)
	}
	return sub, nil
}

// FindByTopicID returns the subscriptions bound to a topic.
func (r *SubscriptionRepository) FindByTopicID(ctx context.Context, topicID int64) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).
		Where("topic_id = ?", topicID).
		OrderBy("id ASC").
		All(&subs)
	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to find subscriptions", err)
	}
	if len(subs) == 0 {
		return nil, pubsub.ErrNoData
	}
	return subs, nil
}

// List returns all subscriptions.
func (r *SubscriptionRepository) List(ctx context.Context) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).OrderBy("id ASC").All(&subs)
	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "failed to list subscriptions", err)
	}
	if len(subs) == 0 {
		return nil, pubsub.ErrNoData
	}
	return subs, nil
}
