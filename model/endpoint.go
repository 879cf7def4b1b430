package model

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// EndpointRole says what an endpoint may do with topics.
type EndpointRole string

const (
	// RolePublisher may only publish.
	RolePublisher EndpointRole = "publisher"

	// RoleSubscriber may only subscribe and receive.
	RoleSubscriber EndpointRole = "subscriber"

	// RolePublisherSubscriber may do both.
	RolePublisherSubscriber EndpointRole = "publisher_subscriber"
)

// ParseEndpointRole accepts both the underscore and the dashed spelling.
func ParseEndpointRole(s string) EndpointRole {
	return EndpointRole(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
}

// CanPublish reports whether the role allows publishing.
func (r EndpointRole) CanPublish() bool {
	return r == RolePublisher || r == RolePublisherSubscriber
}

// CanSubscribe reports whether the role allows subscribing.
func (r EndpointRole) CanSubscribe() bool {
	return r == RoleSubscriber || r == RolePublisherSubscriber
}

// EndpointType says how an endpoint connects.
type EndpointType string

const (
	EndpointTypeREST       EndpointType = "rest"
	EndpointTypeService    EndpointType = "srv"
	EndpointTypeWebSockets EndpointType = "wsx"
)

// Endpoint is a publisher and/or subscriber identity. It is bound to a security
// definition through SecurityID, or to a WebSocket channel through WSChannelID.
type Endpoint struct {
	ID           int64        `json:"id" db:"id" yaml:"id"`
	Name         string       `json:"name" db:"name" yaml:"name"`
	Role         EndpointRole `json:"role" db:"role" yaml:"role"`
	EndpointType EndpointType `json:"endpoint_type" db:"endpoint_type" yaml:"endpoint_type"`
	IsActive     bool         `json:"is_active" db:"is_active" yaml:"is_active"`
	SecurityID   int64        `json:"security_id" db:"security_id" yaml:"security_id,omitempty"`
	WSChannelID  int64        `json:"ws_channel_id" db:"ws_channel_id" yaml:"ws_channel_id,omitempty"`
	LastSeen     time.Time    `json:"last_seen" db:"last_seen" yaml:"last_seen,omitempty"`
	LastPubTime  time.Time    `json:"last_pub_time" db:"last_pub_time" yaml:"last_pub_time,omitempty"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at" yaml:"created_at"`
}

// TableName returns the database table name for Endpoint.
func (e Endpoint) TableName() string {
	return tablePrefix + "endpoint"
}

// NewEndpoint creates a new active REST endpoint.
func NewEndpoint(name string, role EndpointRole, securityID int64) Endpoint {
	return Endpoint{
		Name:         name,
		Role:         role,
		EndpointType: EndpointTypeREST,
		IsActive:     true,
		SecurityID:   securityID,
		CreatedAt:    time.Now().UTC(),
	}
}

// Validate checks the endpoint's name, role and type.
func (e Endpoint) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Role, validation.Required,
			validation.In(RolePublisher, RoleSubscriber, RolePublisherSubscriber)),
		validation.Field(&e.EndpointType, validation.Required,
			validation.In(EndpointTypeREST, EndpointTypeService, EndpointTypeWebSockets)),
	)
}

// Touch records that the endpoint was seen, optionally as a publisher.
func (e *Endpoint) Touch(now time.Time, published bool) {
	e.LastSeen = now
	if published {
		e.LastPubTime = now
	}
}
