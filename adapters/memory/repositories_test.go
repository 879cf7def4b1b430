package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
)

func TestTopicRepository(t *testing.T) {
	ctx := context.Background()
	r := NewTopicRepository()

	_, err := r.List(ctx)
	assert.ErrorIs(t, err, pubsub.ErrNoData)

	orders, err := r.Save(ctx, model.NewTopic("/demo/orders", ""))
	require.NoError(t, err)
	assert.Equal(t, int64(1), orders.ID)

	imported := model.NewTopic("/demo/imported", "")
	imported.ID = 10
	_, err = r.Save(ctx, imported)
	require.NoError(t, err)

	next, err := r.Save(ctx, model.NewTopic("/demo/next", ""))
	require.NoError(t, err)
	assert.Equal(t, int64(11), next.ID)

	got, err := r.GetByName(ctx, "/demo/orders")
	require.NoError(t, err)
	assert.Equal(t, orders.ID, got.ID)

	pubTime := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.SaveMetadata(ctx, orders.ID, 7, pubTime))
	got, err = r.Load(ctx, orders.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.CurrentDepth)
	assert.Equal(t, pubTime, got.LastPubTime)

	assert.ErrorIs(t, r.SaveMetadata(ctx, 404, 1, pubTime), pubsub.ErrNoData)

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 10, 11}, []int64{all[0].ID, all[1].ID, all[2].ID})

	require.NoError(t, r.Delete(ctx, orders.ID))
	_, err = r.GetByName(ctx, "/demo/orders")
	assert.True(t, pubsub.IsNoData(err))
}

func TestSubscriptionRepository(t *testing.T) {
	ctx := context.Background()
	r := NewSubscriptionRepository()

	for _, s := range []model.Subscription{
		{SubKey: "sk-1", TopicID: 1, EndpointID: 3},
		{SubKey: "sk-2", TopicID: 1, EndpointID: 4},
		{SubKey: "sk-3", TopicID: 2, EndpointID: 3},
	} {
		_, err := r.Save(ctx, s)
		require.NoError(t, err)
	}

	got, err := r.FindByTopicID(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = r.FindByTopicID(ctx, 9)
	assert.ErrorIs(t, err, pubsub.ErrNoData)

	require.NoError(t, r.DeleteBySubKey(ctx, "sk-1"))
	require.NoError(t, r.DeleteBySubKey(ctx, "sk-1"))

	_, err = r.GetBySubKey(ctx, "sk-1")
	assert.ErrorIs(t, err, pubsub.ErrNoData)

	sub, err := r.GetBySubKey(ctx, "sk-3")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sub.ID)
}

func TestPermissionRepository_FindBySecurityID(t *testing.T) {
	ctx := context.Background()
	r := NewPermissionRepository()

	for _, p := range []model.Permission{
		{SecurityID: 7, Pattern: "pub=/a/*"},
		{SecurityID: 8, Pattern: "sub=/b/*"},
	} {
		_, err := r.Save(ctx, p)
		require.NoError(t, err)
	}

	got, err := r.FindBySecurityID(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pub=/a/*", got[0].Pattern)

	_, err = r.FindBySecurityID(ctx, 9)
	assert.True(t, pubsub.IsNoData(err))
}

func TestEndpointTopicRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	r := NewEndpointTopicRepository()

	first, err := r.Upsert(ctx, model.EndpointTopic{EndpointID: 3, TopicID: 1, PubMsgID: "m1", PatternMatched: "/demo/*"})
	require.NoError(t, err)

	second, err := r.Upsert(ctx, model.EndpointTopic{EndpointID: 3, TopicID: 1, PubMsgID: "m2", PatternMatched: "/demo/orders"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = r.Upsert(ctx, model.EndpointTopic{EndpointID: 3, TopicID: 2, PubMsgID: "m3"})
	require.NoError(t, err)

	rows, err := r.FindByEndpoint(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m2", rows[0].PubMsgID)
	assert.Equal(t, "/demo/orders", rows[0].PatternMatched)
	assert.Equal(t, "m3", rows[1].PubMsgID)
}

func TestMsgIDRepository(t *testing.T) {
	ctx := context.Background()
	r := NewMsgIDRepository()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, r.Claim(ctx, "m1", 1, at))
	assert.ErrorIs(t, r.Claim(ctx, "m1", 2, at), pubsub.ErrDuplicateMsgID)

	require.NoError(t, r.Release(ctx, "m1"))
	require.NoError(t, r.Claim(ctx, "m1", 1, at))
	require.NoError(t, r.Claim(ctx, "m2", 1, at.Add(time.Hour)))

	n, err := r.Prune(ctx, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Len())
	assert.NoError(t, r.Claim(ctx, "m1", 1, at))
}

func TestNewRepositories(t *testing.T) {
	repos := NewRepositories()
	assert.NoError(t, repos.Validate())
}
