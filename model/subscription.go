package model

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DeliveryType selects how a subscription receives messages.
type DeliveryType string

const (
	// DeliveryPull means the subscriber calls receive.
	DeliveryPull DeliveryType = "pull"

	// DeliveryPush means the owning delivery server pushes messages out.
	DeliveryPush DeliveryType = "push"
)

// Sub key prefixes by origin.
const (
	SubKeyPrefix        = "zpsk"
	SubKeyPrefixREST    = "zpsk.rest"
	SubKeyPrefixService = "zpsk.srv"
	SubKeyPrefixWSX     = "zpsk.wsx"
)

// Subscription binds one endpoint to one topic. It is the unit of fan-out and of
// delivery-server affinity.
type Subscription struct {
	ID           int64        `json:"id" db:"id" yaml:"id"`
	SubKey       string       `json:"sub_key" db:"sub_key" yaml:"sub_key"`
	EndpointID   int64        `json:"endpoint_id" db:"endpoint_id" yaml:"endpoint_id"`
	TopicID      int64        `json:"topic_id" db:"topic_id" yaml:"topic_id"`
	TopicName    string       `json:"topic_name" db:"topic_name" yaml:"topic_name"`
	DeliveryType DeliveryType `json:"delivery_type" db:"delivery_type" yaml:"delivery_type"`
	PushURL      string       `json:"push_url,omitempty" db:"push_url" yaml:"push_url,omitempty"`
	ExtClientID  string       `json:"ext_client_id,omitempty" db:"ext_client_id" yaml:"ext_client_id,omitempty"`
	IsActive     bool         `json:"is_active" db:"is_active" yaml:"is_active"`
	HasGD        bool         `json:"has_gd" db:"has_gd" yaml:"has_gd"`
	IsInStaging  bool         `json:"is_in_staging" db:"is_in_staging" yaml:"is_in_staging"`
	// DeliveryCount is the number of messages handed out for this subscription.
	DeliveryCount int64     `json:"delivery_count" db:"delivery_count" yaml:"delivery_count"`
	CreationTime  time.Time `json:"creation_time" db:"creation_time" yaml:"creation_time"`
}

// TableName returns the database table name for Subscription.
func (s Subscription) TableName() string {
	return tablePrefix + "subscription"
}

// NewSubscription creates an active pull subscription for an endpoint.
func NewSubscription(subKey string, endpointID int64, topic Topic) Subscription {
	return Subscription{
		SubKey:       subKey,
		EndpointID:   endpointID,
		TopicID:      topic.ID,
		TopicName:    topic.Name,
		DeliveryType: DeliveryPull,
		IsActive:     true,
		HasGD:        topic.HasGD,
		CreationTime: time.Now().UTC(),
	}
}

// Validate checks the sub_key prefix, bindings and delivery settings.
func (s Subscription) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.SubKey, validation.Required, validation.By(checkSubKeyPrefix)),
		validation.Field(&s.EndpointID, validation.Required),
		validation.Field(&s.TopicName, TopicNameRules()...),
		validation.Field(&s.DeliveryType, validation.Required, validation.In(DeliveryPull, DeliveryPush)),
		validation.Field(&s.PushURL, validation.When(s.DeliveryType == DeliveryPush, validation.Required)),
	)
}

func checkSubKeyPrefix(value interface{}) error {
	key, _ := value.(string)
	if !strings.HasPrefix(key, SubKeyPrefix+".") {
		return DomainError{Code: "INVALID_SUB_KEY", Message: "sub_key must start with " + SubKeyPrefix + "."}
	}
	return nil
}

// IsPush reports whether the subscription uses server-side delivery.
func (s Subscription) IsPush() bool {
	return s.DeliveryType == DeliveryPush
}
