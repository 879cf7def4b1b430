// Package enmasse reads, validates and writes the YAML bulk-configuration
// document and applies it through pubsub.Admin.
//
// A document looks like this:
//
//	security:
//	  - name: orders.sec
//	    username: orders
//	    password: secret
//	pubsub_topic:
//	  - name: /demo/orders
//	    description: Order events
//	pubsub_permission:
//	  - security: orders.sec
//	    pub: [/demo/*]
//	    sub: [/demo/*]
//	pubsub_subscription:
//	  - security: orders.sec
//	    delivery_type: pull
//	    topic_list: [/demo/orders]
package enmasse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/coregx/gopubsub/model"
)

// SecurityTypeBasicAuth is the only supported security type.
const SecurityTypeBasicAuth = "basic_auth"

// patternRegexp accepts a topic glob such as /demo/* without its pub=/sub= prefix.
var patternRegexp = regexp.MustCompile(`^/\S*$`)

// Document is the bulk-configuration schema.
type Document struct {
	Security      []SecurityDef     `yaml:"security,omitempty"`
	Topics        []TopicDef        `yaml:"pubsub_topic,omitempty"`
	Permissions   []PermissionDef   `yaml:"pubsub_permission,omitempty"`
	Subscriptions []SubscriptionDef `yaml:"pubsub_subscription,omitempty"`
}

// SecurityDef is a basic-auth credential. Password is never exported.
type SecurityDef struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type,omitempty"`
	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`
}

// TopicDef is one topic. HasGD defaults to false when omitted.
type TopicDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	HasGD       *bool  `yaml:"has_gd,omitempty"`
}

// PermissionDef grants one security definition its publish and subscribe patterns.
type PermissionDef struct {
	Security string   `yaml:"security"`
	Pub      []string `yaml:"pub,omitempty"`
	Sub      []string `yaml:"sub,omitempty"`
}

// SubscriptionDef subscribes the endpoint of a security definition to topics.
type SubscriptionDef struct {
	Security     string             `yaml:"security"`
	DeliveryType model.DeliveryType `yaml:"delivery_type,omitempty"`
	PushURL      string             `yaml:"push_url,omitempty"`
	TopicList    []string           `yaml:"topic_list"`
}

// Validate checks one credential.
func (d SecurityDef) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&d.Type, validation.In(SecurityTypeBasicAuth)),
		validation.Field(&d.Username, validation.Required, validation.Length(1, 200)),
	)
}

// Validate checks one topic.
func (d TopicDef) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Name, model.TopicNameRules()...),
		validation.Field(&d.Description, validation.Length(0, 1000)),
	)
}

// Validate checks one permission.
func (d PermissionDef) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Security, validation.Required),
		validation.Field(&d.Pub, validation.Required.When(len(d.Sub) == 0).Error("pub or sub is required"),
			validation.Each(validation.Required, validation.Match(patternRegexp))),
		validation.Field(&d.Sub, validation.Each(validation.Required, validation.Match(patternRegexp))),
	)
}

// Validate checks one subscription.
func (d SubscriptionDef) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Security, validation.Required),
		validation.Field(&d.DeliveryType, validation.In(model.DeliveryPull, model.DeliveryPush)),
		validation.Field(&d.PushURL, validation.When(d.DeliveryType == model.DeliveryPush, validation.Required)),
		validation.Field(&d.TopicList, validation.Required, validation.Each(model.TopicNameRules()...)),
	)
}

// Validate checks every definition and the references between them. Security
// names that are not defined in the document are resolved at import time.
func (d Document) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Security, validation.By(unique(func(i int) string { return d.Security[i].Name }, len(d.Security)))),
		validation.Field(&d.Topics, validation.By(unique(func(i int) string { return d.Topics[i].Name }, len(d.Topics)))),
		validation.Field(&d.Permissions, validation.By(unique(func(i int) string { return d.Permissions[i].Security }, len(d.Permissions)))),
		validation.Field(&d.Subscriptions),
	)
}

// IsEmpty reports whether the document defines nothing.
func (d Document) IsEmpty() bool {
	return len(d.Security)+len(d.Topics)+len(d.Permissions)+len(d.Subscriptions) == 0
}

func unique(key func(int) string, n int) validation.RuleFunc {
	return func(_ interface{}) error {
		seen := make(map[string]struct{}, n)
		for i := 0; i < n; i++ {
			k := key(i)
			if _, ok := seen[k]; ok {
				return fmt.Errorf("`%s` is defined more than once", k)
			}
			seen[k] = struct{}{}
		}
		return nil
	}
}

// Parse decodes and validates a document. Unknown keys are rejected.
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, fmt.Errorf("failed to decode enmasse document: %w", err)
	}
	doc.normalize()
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid enmasse document: %w", err)
	}
	return &doc, nil
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(data []byte) (*Document, error) {
	return Parse(bytes.NewReader(data))
}

// Marshal encodes doc as YAML.
func Marshal(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode enmasse document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Document) normalize() {
	for i := range d.Security {
		d.Security[i].Name = strings.TrimSpace(d.Security[i].Name)
		if d.Security[i].Type == "" {
			d.Security[i].Type = SecurityTypeBasicAuth
		}
	}
	for i := range d.Topics {
		d.Topics[i].Name = strings.TrimSpace(d.Topics[i].Name)
	}
	for i := range d.Subscriptions {
		if d.Subscriptions[i].DeliveryType == "" {
			d.Subscriptions[i].DeliveryType = model.DeliveryPull
		}
	}
}
