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

var (
	gdTopic  = model.Topic{ID: 1, Name: "/demo/orders", HasGD: true}
	memTopic = model.Topic{ID: 2, Name: "/demo/ticks"}
	baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
)

func newMessage(id string, topic model.Topic, recv time.Time, expiration int64) model.Message {
	return model.NewMessage(id, topic, `"x"`, 5, expiration, time.Time{}, recv)
}

func publishAll(t *testing.T, s *MessageStore, msgs ...model.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, s.Publish(context.Background(), m, []string{"sk-a", "sk-b"}))
	}
}

func ids(qms []pubsub.QueuedMessage) []string {
	out := make([]string, 0, len(qms))
	for _, qm := range qms {
		out = append(out, qm.Item.PubMsgID)
	}
	return out
}

func TestMessageStore_Publish(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()

	require.NoError(t, s.Publish(ctx, newMessage("m1", gdTopic, baseTime, 60), []string{"sk-a", "sk-b"}))
	assert.Equal(t, 1, s.Messages())

	err := s.Publish(ctx, newMessage("m1", gdTopic, baseTime, 60), []string{"sk-c"})
	assert.ErrorIs(t, err, pubsub.ErrDuplicateMsgID)

	require.NoError(t, s.Publish(ctx, newMessage("lonely", gdTopic, baseTime, 60), nil))
	assert.Equal(t, 1, s.Messages())

	for _, key := range []string{"sk-a", "sk-b"} {
		n, err := s.Depth(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
}

func TestMessageStore_PeekOrdersByCreationTime(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	publishAll(t, s,
		newMessage("m3", gdTopic, baseTime.Add(2*time.Second), 60),
		newMessage("m2", gdTopic, baseTime, 60),
		newMessage("m1", gdTopic, baseTime, 60),
	)

	now := baseTime.Add(3 * time.Second)
	got, err := s.Peek(ctx, "sk-a", 0, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(got))

	got, err = s.Peek(ctx, "sk-a", 2, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(got))

	got, err = s.Peek(ctx, "sk-unknown", 10, now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMessageStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	now := baseTime.Add(time.Second)

	tests := []struct {
		name         string
		finish       func(s *MessageStore) (int, pubsub.Released, error)
		wantFinished int
	}{
		{
			name: "ack",
			finish: func(s *MessageStore) (int, pubsub.Released, error) {
				return s.Ack(ctx, "sk-a", []string{"m1", "m2"}, now)
			},
			wantFinished: 2,
		},
		{
			name: "expire",
			finish: func(s *MessageStore) (int, pubsub.Released, error) {
				return s.Expire(ctx, "sk-a", []string{"m1", "m2", "missing"})
			},
			wantFinished: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMessageStore()
			publishAll(t, s, newMessage("m1", gdTopic, baseTime, 60), newMessage("m2", memTopic, baseTime, 60))

			moved, err := s.MarkInFlight(ctx, "sk-a", []string{"m1", "m2"}, now)
			require.NoError(t, err)
			require.Len(t, moved, 2)
			for _, qm := range moved {
				assert.Equal(t, model.DeliveryInFlight, qm.Item.DeliveryStatus)
				assert.Equal(t, 1, qm.Item.DeliveryCount)
			}

			n, released, err := tt.finish(s)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFinished, n)
			// sk-b still holds both messages.
			assert.Empty(t, released)

			depth, err := s.Depth(ctx, "sk-a")
			require.NoError(t, err)
			assert.Zero(t, depth)
			assert.Equal(t, 2, s.Messages())

			_, err = s.MarkInFlight(ctx, "sk-b", []string{"m1", "m2"}, now)
			require.NoError(t, err)
			n, released, err = s.Ack(ctx, "sk-b", []string{"m1", "m2"}, now)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			// Only guaranteed-delivery messages count toward topic depth.
			assert.Equal(t, pubsub.Released{"/demo/orders": 1}, released)
			assert.Zero(t, s.Messages())
		})
	}
}

func TestMessageStore_AckRequiresInFlight(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	publishAll(t, s, newMessage("m1", gdTopic, baseTime, 60))

	n, _, err := s.Ack(ctx, "sk-a", []string{"m1"}, baseTime)
	require.NoError(t, err)
	assert.Zero(t, n)

	depth, err := s.Depth(ctx, "sk-a")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestMessageStore_Requeue(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	publishAll(t, s, newMessage("m1", gdTopic, baseTime, 600))

	now := baseTime.Add(time.Second)
	_, err := s.MarkInFlight(ctx, "sk-a", []string{"m1"}, now)
	require.NoError(t, err)

	ready, err := s.ReadySubKeys(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-b"}, ready)

	next := now.Add(time.Minute)
	require.NoError(t, s.Requeue(ctx, "sk-a", []string{"m1"}, next))

	ready, err = s.ReadySubKeys(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-b"}, ready)

	ready, err = s.ReadySubKeys(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-a", "sk-b"}, ready)

	got, err := s.Peek(ctx, "sk-a", 10, next)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.DeliveryInitialized, got[0].Item.DeliveryStatus)
	assert.Equal(t, 1, got[0].Item.DeliveryCount)
}

func TestMessageStore_ExpireDue(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	publishAll(t, s,
		newMessage("short-1", gdTopic, baseTime, 1),
		newMessage("short-2", gdTopic, baseTime, 1),
		newMessage("long", gdTopic, baseTime, 600),
	)

	later := baseTime.Add(2 * time.Second)

	// Expired rows can no longer be handed out.
	moved, err := s.MarkInFlight(ctx, "sk-a", []string{"short-1"}, later)
	require.NoError(t, err)
	assert.Empty(t, moved)

	n, released, err := s.ExpireDue(ctx, later, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, pubsub.Released{"/demo/orders": 1}, released)

	n, released, err = s.ExpireDue(ctx, later, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, pubsub.Released{"/demo/orders": 1}, released)
	assert.Equal(t, 1, s.Messages())

	n, _, err = s.ExpireDue(ctx, later, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMessageStore_ClearAndDeleteQueues(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	publishAll(t, s, newMessage("m1", gdTopic, baseTime, 60), newMessage("m2", gdTopic, baseTime, 60))

	n, released, err := s.ClearQueue(ctx, "sk-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, released)

	released, err = s.DeleteQueues(ctx, []string{"sk-b", "sk-unknown"})
	require.NoError(t, err)
	assert.Equal(t, pubsub.Released{"/demo/orders": 2}, released)
	assert.Zero(t, s.Messages())

	ready, err := s.ReadySubKeys(ctx, baseTime)
	require.NoError(t, err)
	assert.Empty(t, ready)
}
