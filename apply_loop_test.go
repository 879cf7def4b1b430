package pubsub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
)

const (
	eventuallyWait = 2 * time.Second
	eventuallyTick = 5 * time.Millisecond
)

// newCluster creates two processes sharing a broker, repositories and the
// durable store.
func newCluster(t *testing.T) (*testEnv, *testEnv) {
	t.Helper()
	a := newTestEnv(t)
	b := newProcess(t, model.ServerIdentity{Name: "test-server-b", PID: 2}, a.broker, a.repos, a.gdStore)
	return a, b
}

// runLoops starts the apply loops of envs and returns a function that stops
// them and waits for them to exit.
func runLoops(t *testing.T, envs ...*testEnv) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for _, env := range envs {
		wg.Add(1)
		go func(l *pubsub.ApplyLoop) {
			defer wg.Done()
			l.Run(ctx)
		}(env.applier)
	}

	broker := envs[0].broker
	require.Eventually(t, func() bool { return broker.SubscriberCount() == len(envs) }, eventuallyWait, eventuallyTick)

	return func() {
		cancel()
		wg.Wait()
	}
}

func TestApplyLoop_ReplicatesConfiguration(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := newCluster(t)
	stop := runLoops(t, a, b)
	defer stop()

	a.createTopic(t, "/demo/orders", true)
	sub := a.createEndpoint(t, "sub", model.RoleSubscriber, "sub=/demo/*")
	subKey := a.subscribe(t, sub, "/demo/orders")

	require.Eventually(t, func() bool { return b.registry.HasSubKey(subKey) }, eventuallyWait, eventuallyTick)

	assert.True(t, b.registry.HasTopicByName("/demo/orders"))
	ep, err := b.registry.Authenticate("sub", "sub-secret")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, ep.ID)
	_, subPatterns := b.registry.Matcher().Patterns(sub.SecurityID)
	assert.Equal(t, []string{"/demo/*"}, subPatterns)

	assert.Positive(t, b.applier.Applied())
	assert.Zero(t, b.applier.Dropped())
	assert.Zero(t, a.applier.Dropped())
}

func TestApplyLoop_ReplicatesDeletes(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	a, b := newCluster(t)
	stop := runLoops(t, a, b)
	defer stop()

	a.createTopic(t, "/demo/orders", false)
	sub := a.createEndpoint(t, "sub", model.RoleSubscriber, "sub=/demo/*")
	subKey := a.subscribe(t, sub, "/demo/orders")
	require.Eventually(t, func() bool { return b.registry.HasSubKey(subKey) }, eventuallyWait, eventuallyTick)

	// An in-memory message published on b lives only in b's store.
	pub := a.createEndpoint(t, "pub", model.RolePublisher, "pub=/demo/*")
	require.Eventually(t, func() bool {
		_, err := b.registry.GetEndpointByName("pub")
		return err == nil
	}, eventuallyWait, eventuallyTick)
	b.publish(t, pub, "/demo/orders", "msg-1", "x")
	depth, err := b.memStore.Depth(ctx, subKey)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	_, err = a.admin.DeleteTopic(ctx, "/demo/orders")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !b.registry.HasTopicByName("/demo/orders") }, eventuallyWait, eventuallyTick)
	assert.False(t, b.registry.HasSubKey(subKey))
	depth, err = b.memStore.Depth(ctx, subKey)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestApplyLoop_QueueClearReachesPeers(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	a, b := newCluster(t)
	stop := runLoops(t, a, b)
	defer stop()

	a.createTopic(t, "/demo/orders", false)
	pub := a.createEndpoint(t, "pub", model.RolePublisher, "pub=/demo/*")
	sub := a.createEndpoint(t, "sub", model.RoleSubscriber, "sub=/demo/*")
	subKey := a.subscribe(t, sub, "/demo/orders")
	require.Eventually(t, func() bool { return b.registry.HasSubKey(subKey) }, eventuallyWait, eventuallyTick)

	b.publish(t, pub, "/demo/orders", "msg-1", "x")
	b.publish(t, pub, "/demo/orders", "msg-2", "x")

	n, err := a.admin.ClearQueue(ctx, subKey)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.Eventually(t, func() bool {
		depth, _ := b.memStore.Depth(ctx, subKey)
		return depth == 0
	}, eventuallyWait, eventuallyTick)
}

func TestApplyLoop_DeliveryServerChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	a, b := newCluster(t)
	stop := runLoops(t, a, b)
	defer stop()

	require.NoError(t, a.admin.AnnounceServer(ctx, true))
	require.NoError(t, b.admin.AnnounceServer(ctx, true))
	require.Eventually(t, func() bool {
		return len(a.registry.LiveServers()) == 2 && len(b.registry.LiveServers()) == 2
	}, eventuallyWait, eventuallyTick)

	a.createTopic(t, "/demo/orders", true)
	hook := a.createEndpoint(t, "hook", model.RoleSubscriber, "sub=/demo/*")
	subKey, err := a.subs.Subscribe(ctx, "cid", hook, "/demo/orders", pubsub.SubscribeRequest{
		DeliveryType: model.DeliveryPush,
		PushURL:      "https://example.com/hook",
	})
	require.NoError(t, err)

	ownedBy := func(env *testEnv, owner model.ServerIdentity) func() bool {
		return func() bool {
			sks, ok := env.registry.GetSubKeyServer(subKey)
			return ok && sks.IsOwnedBy(owner)
		}
	}
	require.Eventually(t, ownedBy(b, a.server), eventuallyWait, eventuallyTick)

	// Asked from b, the change is carried out by a, the current owner.
	require.NoError(t, b.admin.ChangeDeliveryServer(ctx, subKey, a.server, b.server))

	require.Eventually(t, ownedBy(a, b.server), eventuallyWait, eventuallyTick)
	require.Eventually(t, ownedBy(b, b.server), eventuallyWait, eventuallyTick)

	// A stale request naming a as owner changes nothing.
	require.NoError(t, b.admin.ChangeDeliveryServer(ctx, subKey, a.server, a.server))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, ownedBy(a, b.server)())

	require.NoError(t, b.admin.AnnounceServer(ctx, false))
	require.Eventually(t, func() bool { return len(a.registry.LiveServers()) == 1 }, eventuallyWait, eventuallyTick)
}

func TestApplyLoop_ServerJoinedAdoptsSubKeys(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createTopic(t, "/demo/orders", false)
	hook := env.createEndpoint(t, "hook", model.RoleSubscriber, "sub=/demo/*")
	subKey := subscribePush(t, env, hook, "/demo/orders")
	require.NoError(t, env.admin.AnnounceServer(ctx, true))

	peer := model.ServerIdentity{Name: "peer", PID: 9}
	announce := func(t *testing.T) {
		t.Helper()
		msg, err := pubsub.NewControlMessage(pubsub.CmdServerJoined, peer, pubsub.ServerAnnouncement{
			ServerIdentity: peer,
			SubKeys:        []string{subKey, "zpsk.rest.unknown"},
		})
		require.NoError(t, err)
		require.NoError(t, env.applier.Apply(ctx, msg))
	}

	t.Run("live owner is kept", func(t *testing.T) {
		announce(t)
		assert.True(t, env.registry.IsLive(peer))
		assert.True(t, env.registry.OwnsSubKey(subKey, env.server))
	})

	t.Run("owner that left is replaced", func(t *testing.T) {
		env.registry.ServerLeft(env.server)
		announce(t)
		assert.True(t, env.registry.OwnsSubKey(subKey, peer))
		_, ok := env.registry.GetSubKeyServer("zpsk.rest.unknown")
		assert.False(t, ok)
	})
}

func TestApplyLoop_Apply(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	t.Run("unknown command is dropped", func(t *testing.T) {
		msg, err := pubsub.NewControlMessage("topic.explode", env.server, struct{}{})
		require.NoError(t, err)

		err = env.applier.Apply(ctx, msg)
		assert.True(t, pubsub.IsBadRequest(err))
		assert.Equal(t, int64(1), env.applier.Dropped())
	})

	t.Run("repeated create is idempotent", func(t *testing.T) {
		topic := model.NewTopic("/demo/orders", "")
		topic.ID = 41
		msg, err := pubsub.NewControlMessage(pubsub.CmdTopicCreate, model.ServerIdentity{Name: "peer", PID: 9}, pubsub.TopicPayload{Topic: topic})
		require.NoError(t, err)

		require.NoError(t, env.applier.Apply(ctx, msg))
		require.NoError(t, env.applier.Apply(ctx, msg))
		assert.Len(t, env.registry.ListTopics(), 1)
	})

	t.Run("delete of a missing object is a no-op", func(t *testing.T) {
		msg, err := pubsub.NewControlMessage(pubsub.CmdEndpointDelete, env.server, pubsub.ObjectRef{ID: 999, Name: "ghost"})
		require.NoError(t, err)
		assert.NoError(t, env.applier.Apply(ctx, msg))
	})

	t.Run("edit of an unknown topic creates it", func(t *testing.T) {
		topic := model.NewTopic("/demo/late", "")
		topic.ID = 42
		msg, err := pubsub.NewControlMessage(pubsub.CmdTopicEdit, env.server, pubsub.TopicPayload{Topic: topic, OldName: "/demo/early"})
		require.NoError(t, err)

		require.NoError(t, env.applier.Apply(ctx, msg))
		assert.True(t, env.registry.HasTopicByName("/demo/late"))
	})

	t.Run("invalid payload is dropped", func(t *testing.T) {
		msg, err := pubsub.NewControlMessage(pubsub.CmdTopicCreate, env.server, pubsub.TopicPayload{Topic: model.NewTopic("bad", "")})
		require.NoError(t, err)

		before := env.applier.Dropped()
		assert.Error(t, env.applier.Apply(ctx, msg))
		assert.Equal(t, before+1, env.applier.Dropped())
	})
}

func TestApplyLoop_StopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.applier.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return env.broker.SubscriberCount() == 1 }, eventuallyWait, eventuallyTick)
	cancel()

	select {
	case <-done:
	case <-time.After(eventuallyWait):
		t.Fatal("apply loop did not stop")
	}
	assert.Equal(t, 0, env.broker.SubscriberCount())
}
