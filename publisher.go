package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/gopubsub/matcher"
	"github.com/coregx/gopubsub/model"
)

// Publisher is the publish pipeline: it validates and authorizes a publication,
// stores the message with one queue row per subscription and keeps topic and
// endpoint bookkeeping current.
//
// Thread safety: Safe for concurrent use. Publications to one topic are
// serialized with the registry's topic lock.
type Publisher struct {
	registry       *Registry
	gdStore        MessageStore
	memStore       MessageStore
	topicRepo      TopicRepository
	endpointTopics EndpointTopicRepository
	msgIDs         MsgIDRepository
	server         model.ServerIdentity
	config         Config
	logger         Logger
	now            func() time.Time
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher) error

// NewPublisher creates a new Publisher with the provided options.
//
// Required options:
//   - WithPublisherRegistry: the process registry
//   - WithPublisherStores: durable and in-memory message stores
//   - WithPublisherRepositories: topic, endpoint-topic and msg_id repositories
//   - WithPublisherServer: identity of this process
//   - WithPublisherLogger: logger instance
//
// Optional options:
//   - WithPublisherConfig: size ceiling and publication defaults
//
// Example:
//
//	publisher, err := pubsub.NewPublisher(
//	    pubsub.WithPublisherRegistry(registry),
//	    pubsub.WithPublisherStores(sqlStore, memStore),
//	    pubsub.WithPublisherRepositories(repos),
//	    pubsub.WithPublisherServer(server),
//	    pubsub.WithPublisherLogger(logger),
//	)
func NewPublisher(opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		config: DefaultConfig(),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply publisher option", err)
		}
	}

	if p.registry == nil {
		return nil, NewError(ErrCodeConfiguration, "Registry is required (use WithPublisherRegistry)")
	}
	if p.gdStore == nil || p.memStore == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageStores are required (use WithPublisherStores)")
	}
	if p.topicRepo == nil || p.endpointTopics == nil || p.msgIDs == nil {
		return nil, NewError(ErrCodeConfiguration, "Repositories are required (use WithPublisherRepositories)")
	}
	if p.server.IsZero() {
		return nil, NewError(ErrCodeConfiguration, "Server identity is required (use WithPublisherServer)")
	}
	if p.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithPublisherLogger)")
	}

	return p, nil
}

// WithPublisherRegistry sets the registry used for topics, subscriptions and authorization.
func WithPublisherRegistry(registry *Registry) PublisherOption {
	return func(p *Publisher) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		p.registry = registry
		return nil
	}
}

// WithPublisherStores sets the store for guaranteed-delivery messages and the
// store for everything else.
func WithPublisherStores(gd, mem MessageStore) PublisherOption {
	return func(p *Publisher) error {
		if gd == nil {
			return fmt.Errorf("gd store cannot be nil")
		}
		if mem == nil {
			return fmt.Errorf("memory store cannot be nil")
		}
		p.gdStore = gd
		p.memStore = mem
		return nil
	}
}

// WithPublisherRepositories sets the repositories for topic metadata, publish
// bookkeeping and msg_id uniqueness.
func WithPublisherRepositories(repos *Repositories) PublisherOption {
	return func(p *Publisher) error {
		if repos == nil {
			return fmt.Errorf("repositories cannot be nil")
		}
		if repos.Topics == nil || repos.EndpointTopics == nil || repos.MsgIDs == nil {
			return fmt.Errorf("topic, endpoint-topic and msg_id repositories are required")
		}
		p.topicRepo = repos.Topics
		p.endpointTopics = repos.EndpointTopics
		p.msgIDs = repos.MsgIDs
		return nil
	}
}

// WithPublisherServer sets the identity of this process. Non-GD messages for
// push subscriptions delivered by another process are handed over through the
// guaranteed-delivery store.
func WithPublisherServer(server model.ServerIdentity) PublisherOption {
	return func(p *Publisher) error {
		if server.IsZero() {
			return fmt.Errorf("server identity cannot be empty")
		}
		p.server = server
		return nil
	}
}

// WithPublisherConfig sets the size ceiling and the publication defaults.
func WithPublisherConfig(cfg Config) PublisherOption {
	return func(p *Publisher) error {
		p.config = cfg.withDefaults()
		return nil
	}
}

// WithPublisherLogger sets the logger instance.
func WithPublisherLogger(logger Logger) PublisherOption {
	return func(p *Publisher) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		p.logger = logger
		return nil
	}
}

// PublishRequest is the body of a publication. Only Data is required; every
// other field has a documented default.
type PublishRequest struct {
	// Data is the payload, kept as the raw JSON value the client sent.
	Data json.RawMessage `json:"data"`

	// MsgID is an optional client-chosen message ID. A new one is generated if empty.
	MsgID string `json:"msg_id,omitempty"`

	// Priority defaults to 5; values outside [1, 9] are reset to 5.
	Priority *int `json:"priority,omitempty"`

	// Expiration in seconds, rounded to an integer; values below 1 become 1.
	Expiration *float64 `json:"expiration,omitempty"`

	// CorrelID defaults to the request's correlation ID.
	CorrelID string `json:"correl_id,omitempty"`

	ExtClientID string `json:"ext_client_id,omitempty"`

	// PubTime is an optional ISO-8601 publication time; it defaults to the receive time.
	PubTime string `json:"pub_time,omitempty"`

	InReplyTo string `json:"in_reply_to,omitempty"`

	// HasGD overrides the topic's guaranteed-delivery flag for this message.
	HasGD *bool `json:"has_gd,omitempty"`
}

// Validate checks the structural requirements of a publication.
func (r PublishRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Data, validation.By(requirePresent)),
		validation.Field(&r.PubTime, validation.By(checkISOTime)),
		validation.Field(&r.MsgID, validation.Length(0, 200)),
	)
}

func requirePresent(value interface{}) error {
	if raw, _ := value.(json.RawMessage); len(raw) == 0 {
		return errors.New("is required")
	}
	return nil
}

func checkISOTime(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := ParseISOTime(s); err != nil {
		return errors.New("must be an ISO-8601 date-time")
	}
	return nil
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseISOTime parses the ISO-8601 forms clients send. Times without a zone are UTC.
func ParseISOTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// PublishResult is what a publication returns to the client. Store failures are
// reported here with IsOK false rather than as an error.
type PublishResult struct {
	IsOK    bool   `json:"is_ok"`
	CID     string `json:"cid"`
	MsgID   string `json:"msg_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Details string `json:"details,omitempty"`

	// Err classifies a failed publication for the transport layer.
	Err error `json:"-"`
}

// Publish runs the publish pipeline for an authenticated endpoint.
//
// The returned error is reserved for structural failures: an invalid topic name
// or request body (BadRequest) and a denied authorization (Unauthorized). Any
// failure past those checks is returned as a PublishResult with IsOK false.
func (p *Publisher) Publish(ctx context.Context, cid string, ep model.Endpoint, topicName string, req PublishRequest) (*PublishResult, error) {
	if err := model.ValidateTopicName(topicName); err != nil {
		return nil, NewErrorWithCause(ErrCodeBadRequest, "invalid topic name", err)
	}

	auth, err := p.registry.authorize(cid, ep, topicName, matcher.OpPublish)
	if err != nil {
		return nil, err
	}

	if err := req.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeBadRequest, "invalid publish request", err)
	}

	return p.publishImpl(ctx, cid, ep, topicName, req, auth.Pattern), nil
}

func (p *Publisher) publishImpl(ctx context.Context, cid string, ep model.Endpoint, topicName string, req PublishRequest, pattern string) *PublishResult {
	fail := func(err error) *PublishResult {
		res := &PublishResult{IsOK: false, CID: cid, Err: err, Details: err.Error()}
		if Kind(err) == ErrCodeInternal {
			p.logger.Errorf("[%s] Publication to `%s` failed: %v", cid, topicName, err)
			res.Details = "Internal server error"
		}
		return res
	}

	unlock := p.registry.LockTopic(topicName)
	defer unlock()

	topic, err := p.registry.GetTopicByName(topicName)
	if err != nil {
		return fail(NewErrorWithCause(ErrCodeNotFound, fmt.Sprintf("No such topic `%s`", topicName), err))
	}
	if !topic.IsActive {
		return fail(BadRequest("Topic `%s` is not active", topicName))
	}

	msg := p.buildMessage(cid, ep, topic, req)
	if msg.Size > p.config.MaxLen {
		return fail(BadRequest("Message of %d bytes exceeds the limit of %d bytes", msg.Size, p.config.MaxLen))
	}

	subs := p.registry.SubscriptionsByTopic(topicName)
	subKeys := make([]string, 0, len(subs))
	for _, s := range subs {
		subKeys = append(subKeys, s.SubKey)
	}

	if err := p.msgIDs.Claim(ctx, msg.PubMsgID, topic.ID, msg.RecvTime); err != nil {
		if errors.Is(err, ErrDuplicateMsgID) {
			return fail(NewErrorWithCause(ErrCodeBadRequest, fmt.Sprintf("Duplicate msg_id `%s`", msg.PubMsgID), err))
		}
		return fail(NewErrorWithCause(ErrCodeInternal, "failed to claim msg_id", err))
	}

	if err := p.store(ctx, msg, subs); err != nil {
		if relErr := p.msgIDs.Release(ctx, msg.PubMsgID); relErr != nil {
			p.logger.Warnf("[%s] Could not release msg_id `%s`: %v", cid, msg.PubMsgID, relErr)
		}
		if errors.Is(err, ErrDuplicateMsgID) {
			return fail(NewErrorWithCause(ErrCodeBadRequest, fmt.Sprintf("Duplicate msg_id `%s`", msg.PubMsgID), err))
		}
		return fail(NewErrorWithCause(ErrCodeInternal, "failed to store message", err))
	}

	gdCount := 0
	if msg.HasGD && len(subKeys) > 0 {
		gdCount = 1
	}
	updated, due, err := p.registry.RecordPublication(topicName, gdCount, msg.PubTime)
	if err == nil && due {
		if err := p.topicRepo.SaveMetadata(ctx, updated.ID, updated.CurrentDepth, updated.LastPubTime); err != nil {
			p.logger.Warnf("[%s] Could not store metadata of topic `%s`: %v", cid, topicName, err)
		}
	}

	if _, err := p.endpointTopics.Upsert(ctx, model.NewEndpointTopic(ep.ID, msg, pattern)); err != nil {
		p.logger.Warnf("[%s] Could not store endpoint-topic bookkeeping for `%s`: %v", cid, ep.Name, err)
	}
	p.registry.TouchEndpoint(ep.ID, msg.RecvTime, true)

	p.logger.Infof("[%s] Published `%s` to `%s` (%d subscriber(s), gd:%t)", cid, msg.PubMsgID, topicName, len(subKeys), msg.HasGD)

	return &PublishResult{IsOK: true, CID: cid, MsgID: msg.PubMsgID, Status: "ok"}
}

// store hands msg to the message stores. Guaranteed-delivery messages go to
// the durable store. Other messages stay in process memory unless they are
// queued for a push subscription this process does not deliver, in which case
// the shared store carries them to the owner.
func (p *Publisher) store(ctx context.Context, msg model.Message, subs []model.Subscription) error {
	if msg.HasGD {
		keys := make([]string, 0, len(subs))
		for _, s := range subs {
			keys = append(keys, s.SubKey)
		}
		return p.gdStore.Publish(ctx, msg, keys)
	}

	var local, shared []string
	for _, s := range subs {
		if s.IsPush() && !p.registry.OwnsSubKey(s.SubKey, p.server) {
			shared = append(shared, s.SubKey)
			continue
		}
		local = append(local, s.SubKey)
	}

	if len(shared) > 0 {
		if err := p.gdStore.Publish(ctx, msg, shared); err != nil {
			return err
		}
	}
	if len(local) > 0 || len(shared) == 0 {
		if err := p.memStore.Publish(ctx, msg, local); err != nil {
			for _, key := range shared {
				if _, _, expErr := p.gdStore.Expire(ctx, key, []string{msg.PubMsgID}); expErr != nil {
					p.logger.Warnf("Could not withdraw %s handed over for `%s`: %v", msg.PubMsgID, key, expErr)
				}
			}
			return err
		}
	}
	return nil
}

func (p *Publisher) buildMessage(cid string, ep model.Endpoint, topic model.Topic, req PublishRequest) model.Message {
	recvTime := p.now()

	msgID := req.MsgID
	if msgID == "" {
		msgID = NewMsgID()
	}

	priority := p.config.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	expiration := p.config.ExpirationSeconds()
	if req.Expiration != nil {
		expiration = model.ClampExpiration(*req.Expiration)
	}

	var pubTime time.Time
	if req.PubTime != "" {
		pubTime, _ = ParseISOTime(req.PubTime)
	}

	msg := model.NewMessage(msgID, topic, string(req.Data), priority, expiration, pubTime, recvTime)
	msg.PublisherID = ep.ID
	msg.CorrelID = req.CorrelID
	if msg.CorrelID == "" {
		msg.CorrelID = cid
	}
	msg.ExtClientID = req.ExtClientID
	msg.InReplyTo = req.InReplyTo
	if req.HasGD != nil {
		msg.HasGD = *req.HasGD
	}
	return msg
}
