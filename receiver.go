package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/coregx/gopubsub/matcher"
	"github.com/coregx/gopubsub/model"
)

// Receiver serves pull delivery: it hands queued messages to subscribers and
// records their acknowledgements.
//
// Thread safety: Safe for concurrent use. Receives and acks on one sub_key are
// serialized with the registry's sub_key lock.
type Receiver struct {
	registry *Registry
	gdStore  MessageStore
	memStore MessageStore
	config   Config
	logger   Logger
	now      func() time.Time
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver) error

// NewReceiver creates a new Receiver with the provided options.
//
// Required options:
//   - WithReceiverRegistry
//   - WithReceiverStores
//   - WithReceiverLogger
//
// Optional: WithReceiverConfig (defaults to DefaultConfig()).
func NewReceiver(opts ...ReceiverOption) (*Receiver, error) {
	r := &Receiver{config: DefaultConfig(), now: func() time.Time { return time.Now().UTC() }}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply receiver option", err)
		}
	}

	if r.registry == nil {
		return nil, NewError(ErrCodeConfiguration, "Registry is required (use WithReceiverRegistry)")
	}
	if r.gdStore == nil || r.memStore == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageStores are required (use WithReceiverStores)")
	}
	if r.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithReceiverLogger)")
	}
	return r, nil
}

// WithReceiverRegistry sets the registry.
func WithReceiverRegistry(registry *Registry) ReceiverOption {
	return func(r *Receiver) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		r.registry = registry
		return nil
	}
}

// WithReceiverStores sets the durable and in-memory message stores.
func WithReceiverStores(gd, mem MessageStore) ReceiverOption {
	return func(r *Receiver) error {
		if gd == nil || mem == nil {
			return fmt.Errorf("message stores cannot be nil")
		}
		r.gdStore = gd
		r.memStore = mem
		return nil
	}
}

// WithReceiverConfig sets the pull caps.
func WithReceiverConfig(cfg Config) ReceiverOption {
	return func(r *Receiver) error {
		r.config = cfg.withDefaults()
		return nil
	}
}

// WithReceiverLogger sets the logger instance.
func WithReceiverLogger(logger Logger) ReceiverOption {
	return func(r *Receiver) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		r.logger = logger
		return nil
	}
}

// ReceiveRequest carries the optional caps of one pull.
type ReceiveRequest struct {
	MaxLen      *int  `json:"max_len,omitempty"`
	MaxMessages *int  `json:"max_messages,omitempty"`
	WrapInList  *bool `json:"wrap_in_list,omitempty"`
}

// ReceiveResult is the outcome of one pull.
type ReceiveResult struct {
	SubKey      string
	MaxLen      int
	MaxMessages int
	Messages    []QueuedMessage

	// Single is set when the caller asked for one unwrapped message and got exactly one.
	Single bool
}

// Receive returns queued messages of ep's subscription to topicName, oldest
// first, bounded by the clamped caps. Returned rows are moved to IN_FLIGHT.
func (r *Receiver) Receive(ctx context.Context, cid string, ep model.Endpoint, topicName string, req ReceiveRequest) (*ReceiveResult, error) {
	sub, err := r.subscriptionFor(cid, ep, topicName)
	if err != nil {
		return nil, err
	}

	maxLen, maxMessages := r.config.ClampPull(req.MaxLen, req.MaxMessages)
	res := &ReceiveResult{SubKey: sub.SubKey, MaxLen: maxLen, MaxMessages: maxMessages}
	if maxLen <= 0 || maxMessages <= 0 {
		return res, nil
	}

	unlock := r.registry.LockSubKey(sub.SubKey)
	defer unlock()

	now := r.now()
	gd, err := r.gdStore.Peek(ctx, sub.SubKey, maxMessages, now)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeInternal, "failed to read queue", err)
	}
	mem, err := r.memStore.Peek(ctx, sub.SubKey, maxMessages, now)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeInternal, "failed to read queue", err)
	}

	gd = r.dropOversized(ctx, cid, r.gdStore, sub.SubKey, gd)
	mem = r.dropOversized(ctx, cid, r.memStore, sub.SubKey, mem)

	fromGD := make(map[string]bool, len(gd))
	for _, qm := range gd {
		fromGD[qm.Item.PubMsgID] = true
	}

	selected := selectForPull(append(gd, mem...), maxMessages, maxLen)

	var gdIDs, memIDs []string
	for _, qm := range selected {
		if fromGD[qm.Item.PubMsgID] {
			gdIDs = append(gdIDs, qm.Item.PubMsgID)
		} else {
			memIDs = append(memIDs, qm.Item.PubMsgID)
		}
	}

	var out []QueuedMessage
	if len(gdIDs) > 0 {
		moved, err := r.gdStore.MarkInFlight(ctx, sub.SubKey, gdIDs, now)
		if err != nil {
			return nil, NewErrorWithCause(ErrCodeInternal, "failed to update queue", err)
		}
		out = append(out, moved...)
	}
	if len(memIDs) > 0 {
		moved, err := r.memStore.MarkInFlight(ctx, sub.SubKey, memIDs, now)
		if err != nil {
			return nil, NewErrorWithCause(ErrCodeInternal, "failed to update queue", err)
		}
		out = append(out, moved...)
	}
	sortQueued(out)

	r.registry.AddDeliveryCount(sub.SubKey, len(out))
	r.registry.TouchEndpoint(ep.ID, now, false)

	res.Messages = out
	res.Single = req.WrapInList != nil && !*req.WrapInList && maxMessages == 1 && len(out) == 1

	r.logger.Debugf("[%s] Returning %d message(s) to `%s` from `%s`", cid, len(out), sub.SubKey, topicName)
	return res, nil
}

// Ack acknowledges in-flight messages of ep's subscription to topicName and
// returns how many were acknowledged.
func (r *Receiver) Ack(ctx context.Context, cid string, ep model.Endpoint, topicName string, msgIDs []string) (int, error) {
	if len(msgIDs) == 0 {
		return 0, BadRequest("msg_id_list is required")
	}
	sub, err := r.subscriptionFor(cid, ep, topicName)
	if err != nil {
		return 0, err
	}

	unlock := r.registry.LockSubKey(sub.SubKey)
	defer unlock()

	now := r.now()
	total := 0
	released := Released{}
	for _, store := range []MessageStore{r.gdStore, r.memStore} {
		n, rel, err := store.Ack(ctx, sub.SubKey, msgIDs, now)
		if err != nil {
			return total, NewErrorWithCause(ErrCodeInternal, "failed to acknowledge messages", err)
		}
		total += n
		released.Add(rel)
	}
	for topic, n := range released {
		r.registry.ReleaseDepth(topic, n)
	}

	r.logger.Debugf("[%s] Acknowledged %d message(s) for `%s`", cid, total, sub.SubKey)
	return total, nil
}

func (r *Receiver) subscriptionFor(cid string, ep model.Endpoint, topicName string) (model.Subscription, error) {
	if err := model.ValidateTopicName(topicName); err != nil {
		return model.Subscription{}, NewErrorWithCause(ErrCodeBadRequest, "invalid topic name", err)
	}
	if _, err := r.registry.authorize(cid, ep, topicName, matcher.OpSubscribe); err != nil {
		return model.Subscription{}, err
	}
	if !r.registry.HasTopicByName(topicName) {
		return model.Subscription{}, NotFound("No such topic `%s`", topicName)
	}
	sub, err := r.registry.GetSubscriptionByEndpointTopic(ep.ID, topicName)
	if err != nil {
		return model.Subscription{}, NewErrorWithCause(ErrCodeNotFound, fmt.Sprintf("You are not subscribed to topic `%s`", topicName), err)
	}
	if !sub.IsActive {
		return model.Subscription{}, ErrDeliveryDisabled
	}
	return sub, nil
}

// dropOversized expires rows larger than the MaxLen ceiling, which no pull
// could ever return, and returns the rest.
func (r *Receiver) dropOversized(ctx context.Context, cid string, store MessageStore, subKey string, rows []QueuedMessage) []QueuedMessage {
	kept := rows[:0]
	var oversized []string
	for _, qm := range rows {
		if qm.Message.Size > r.config.MaxLen {
			oversized = append(oversized, qm.Item.PubMsgID)
			continue
		}
		kept = append(kept, qm)
	}
	if len(oversized) == 0 {
		return kept
	}

	_, released, err := store.Expire(ctx, subKey, oversized)
	if err != nil {
		r.logger.Errorf("[%s] Could not expire oversized message(s) %v of `%s`: %v", cid, oversized, subKey, err)
		return kept
	}
	for topic, n := range released {
		r.registry.ReleaseDepth(topic, n)
	}
	r.logger.Warnf("[%s] Expired message(s) %v of `%s` larger than the pull limit of %d bytes", cid, oversized, subKey, r.config.MaxLen)
	return kept
}

// selectForPull takes rows oldest first until either cap would be exceeded.
func selectForPull(rows []QueuedMessage, maxMessages, maxLen int) []QueuedMessage {
	sortQueued(rows)

	var (
		out  []QueuedMessage
		size int
	)
	for _, qm := range rows {
		if len(out) >= maxMessages || size+qm.Message.Size > maxLen {
			break
		}
		size += qm.Message.Size
		out = append(out, qm)
	}
	return out
}

func sortQueued(rows []QueuedMessage) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Item, rows[j].Item
		if !a.CreationTime.Equal(b.CreationTime) {
			return a.CreationTime.Before(b.CreationTime)
		}
		return a.PubMsgID < b.PubMsgID
	})
}

// MessageMeta is the metadata block of a delivered message.
type MessageMeta struct {
	TopicName         string `json:"topic_name" yaml:"topic_name"`
	Size              int    `json:"size" yaml:"size"`
	Priority          int    `json:"priority" yaml:"priority"`
	Expiration        int64  `json:"expiration" yaml:"expiration"`
	MsgID             string `json:"msg_id" yaml:"msg_id"`
	CorrelID          string `json:"correl_id" yaml:"correl_id"`
	PubTimeISO        string `json:"pub_time_iso" yaml:"pub_time_iso"`
	RecvTimeISO       string `json:"recv_time_iso" yaml:"recv_time_iso"`
	ExpirationTimeISO string `json:"expiration_time_iso" yaml:"expiration_time_iso"`
	DeliveryCount     int    `json:"delivery_count" yaml:"delivery_count"`
	SubKey            string `json:"sub_key" yaml:"sub_key"`
	ExtClientID       string `json:"ext_client_id,omitempty" yaml:"ext_client_id,omitempty"`
	InReplyTo         string `json:"in_reply_to,omitempty" yaml:"in_reply_to,omitempty"`
}

// MessageView is the wire form of a delivered message.
type MessageView struct {
	Data json.RawMessage `json:"data"`
	Meta MessageMeta     `json:"meta"`
}

// NewMessageView builds the wire form of a queued message.
func NewMessageView(qm QueuedMessage) MessageView {
	m := qm.Message
	data := json.RawMessage(m.Data)
	if !json.Valid(data) {
		data, _ = json.Marshal(m.Data)
	}
	return MessageView{
		Data: data,
		Meta: MessageMeta{
			TopicName:         m.TopicName,
			Size:              m.Size,
			Priority:          m.Priority,
			Expiration:        m.Expiration,
			MsgID:             m.PubMsgID,
			CorrelID:          m.CorrelID,
			PubTimeISO:        model.FormatISO(m.PubTime),
			RecvTimeISO:       model.FormatISO(m.RecvTime),
			ExpirationTimeISO: model.FormatISO(m.ExpirationTime),
			DeliveryCount:     qm.Item.DeliveryCount,
			SubKey:            qm.Item.SubKey,
			ExtClientID:       m.ExtClientID,
			InReplyTo:         m.InReplyTo,
		},
	}
}
