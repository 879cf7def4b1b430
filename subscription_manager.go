package pubsub

import (
	"context"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/gopubsub/matcher"
	"github.com/coregx/gopubsub/model"
)

// SubscriptionManager handles the subscribe and unsubscribe calls of endpoints.
// Changes go through Admin so that every process learns about them.
//
// Thread safety: Safe for concurrent use.
type SubscriptionManager struct {
	registry *Registry
	admin    *Admin
	logger   Logger
}

// SubscriptionManagerOption is a function that configures a SubscriptionManager.
type SubscriptionManagerOption func(*SubscriptionManager) error

// NewSubscriptionManager creates a new SubscriptionManager with the provided options.
//
// Required options:
//   - WithSubscriptionManagerRegistry
//   - WithSubscriptionManagerAdmin
//   - WithSubscriptionManagerLogger
//
// Example:
//
//	manager, err := pubsub.NewSubscriptionManager(
//	    pubsub.WithSubscriptionManagerRegistry(registry),
//	    pubsub.WithSubscriptionManagerAdmin(admin),
//	    pubsub.WithSubscriptionManagerLogger(logger),
//	)
func NewSubscriptionManager(opts ...SubscriptionManagerOption) (*SubscriptionManager, error) {
	sm := &SubscriptionManager{}

	for _, opt := range opts {
		if err := opt(sm); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply subscription manager option", err)
		}
	}

	if sm.registry == nil {
		return nil, NewError(ErrCodeConfiguration, "Registry is required")
	}
	if sm.admin == nil {
		return nil, NewError(ErrCodeConfiguration, "Admin is required")
	}
	if sm.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required")
	}

	return sm, nil
}

// WithSubscriptionManagerRegistry sets the registry subscriptions are looked up in.
func WithSubscriptionManagerRegistry(registry *Registry) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		sm.registry = registry
		return nil
	}
}

// WithSubscriptionManagerAdmin sets the admin service subscriptions are created
// and deleted through.
func WithSubscriptionManagerAdmin(admin *Admin) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if admin == nil {
			return fmt.Errorf("admin cannot be nil")
		}
		sm.admin = admin
		return nil
	}
}

// WithSubscriptionManagerLogger sets the logger instance for the subscription manager.
func WithSubscriptionManagerLogger(logger Logger) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		sm.logger = logger
		return nil
	}
}

var pushURLRegexp = regexp.MustCompile(`^https?://[^\s/]+`)

// SubscribeRequest carries the optional settings of a new subscription.
type SubscribeRequest struct {
	DeliveryType model.DeliveryType `json:"delivery_type,omitempty"`
	PushURL      string             `json:"push_url,omitempty"`
	ExtClientID  string             `json:"ext_client_id,omitempty"`
}

// Validate checks the delivery settings.
func (r SubscribeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DeliveryType, validation.In(model.DeliveryPull, model.DeliveryPush)),
		validation.Field(&r.PushURL,
			validation.When(r.DeliveryType == model.DeliveryPush, validation.Required),
			validation.Match(pushURLRegexp).Error("must be an http or https URL")),
		validation.Field(&r.ExtClientID, validation.Length(0, 200)),
	)
}

// Subscribe subscribes ep to topicName and returns the subscription's sub_key.
// If ep is already subscribed, the existing sub_key is returned.
func (sm *SubscriptionManager) Subscribe(ctx context.Context, cid string, ep model.Endpoint, topicName string, req SubscribeRequest) (string, error) {
	if err := model.ValidateTopicName(topicName); err != nil {
		return "", NewErrorWithCause(ErrCodeBadRequest, "invalid topic name", err)
	}
	if _, err := sm.registry.authorize(cid, ep, topicName, matcher.OpSubscribe); err != nil {
		return "", err
	}
	if err := req.Validate(); err != nil {
		return "", NewErrorWithCause(ErrCodeBadRequest, "invalid subscription request", err)
	}

	topic, err := sm.registry.GetTopicByName(topicName)
	if err != nil {
		return "", err
	}

	if existing, err := sm.registry.GetSubscriptionByEndpointTopic(ep.ID, topicName); err == nil {
		sm.logger.Warnf("[%s] Endpoint `%s` is already subscribed to `%s` (sub_key:%s)", cid, ep.Name, topicName, existing.SubKey)
		if existing.IsPush() {
			if err := sm.claimDelivery(ctx, cid, existing.SubKey); err != nil {
				return existing.SubKey, err
			}
		}
		return existing.SubKey, nil
	}

	sub := model.NewSubscription(NewSubKey(ep.EndpointType, req.ExtClientID), ep.ID, topic)
	sub.ExtClientID = req.ExtClientID
	if req.DeliveryType != "" {
		sub.DeliveryType = req.DeliveryType
	}
	sub.PushURL = req.PushURL

	sub, err = sm.admin.CreateSubscription(ctx, sub)
	if err != nil {
		return "", err
	}

	// Push subscriptions are delivered by the process that created them.
	if sub.IsPush() {
		if err := sm.admin.SetSubKeyServer(ctx, sub.SubKey, sm.admin.Server()); err != nil {
			return sub.SubKey, err
		}
	}

	sm.logger.Infof("[%s] Subscription created: sub_key=%s, endpoint=%s, topic=%s, delivery=%s",
		cid, sub.SubKey, ep.Name, topicName, sub.DeliveryType)

	return sub.SubKey, nil
}

// claimDelivery makes this process the delivery server of a push sub_key that
// has none, or whose owner is gone, as after a restart.
func (sm *SubscriptionManager) claimDelivery(ctx context.Context, cid, subKey string) error {
	local := sm.admin.Server()
	sks, ok := sm.registry.GetSubKeyServer(subKey)
	switch {
	case !ok:
		sm.logger.Infof("[%s] Sub_key `%s` has no delivery server, taking it", cid, subKey)
		return sm.admin.SetSubKeyServer(ctx, subKey, local)
	case sks.IsOwnedBy(local) || sm.registry.IsLive(sks.Server):
		return nil
	default:
		return sm.admin.ChangeDeliveryServer(ctx, subKey, sks.Server, local)
	}
}

// Unsubscribe removes ep's subscription to topicName together with its queue.
func (sm *SubscriptionManager) Unsubscribe(ctx context.Context, cid string, ep model.Endpoint, topicName string) error {
	if err := model.ValidateTopicName(topicName); err != nil {
		return NewErrorWithCause(ErrCodeBadRequest, "invalid topic name", err)
	}
	if _, err := sm.registry.authorize(cid, ep, topicName, matcher.OpSubscribe); err != nil {
		return err
	}

	sub, err := sm.registry.GetSubscriptionByEndpointTopic(ep.ID, topicName)
	if err != nil {
		return NewErrorWithCause(ErrCodeNotFound, fmt.Sprintf("You are not subscribed to topic `%s`", topicName), err)
	}
	if err := sm.admin.DeleteSubscription(ctx, sub.SubKey); err != nil {
		return err
	}

	sm.logger.Infof("[%s] Subscription deleted: sub_key=%s, endpoint=%s, topic=%s", cid, sub.SubKey, ep.Name, topicName)
	return nil
}

// ListSubscriptions returns the subscriptions of one endpoint.
// Returns an empty slice if there are none.
func (sm *SubscriptionManager) ListSubscriptions(endpointID int64) []model.Subscription {
	out := []model.Subscription{}
	for _, sub := range sm.registry.ListSubscriptions() {
		if sub.EndpointID == endpointID {
			out = append(out, sub)
		}
	}
	return out
}
