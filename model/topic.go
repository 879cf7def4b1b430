package model

import (
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DefaultMetaStoreFrequency is how many publications to a topic may happen
// between two writes of its usage metadata.
const DefaultMetaStoreFrequency = 10

// MaxTopicNameLength bounds topic names.
const MaxTopicNameLength = 200

// topicNameRegexp accepts slash-delimited hierarchical paths such as /demo/orders.
var topicNameRegexp = regexp.MustCompile(`^(/[A-Za-z0-9_.\-]+)+$`)

// Topic is a named destination messages are published to.
//
// Depth and last publication time are mutated by publications; everything else
// changes only through admin edits.
type Topic struct {
	ID                 int64     `json:"id" db:"id" yaml:"id"`
	Name               string    `json:"name" db:"name" yaml:"name"`
	Description        string    `json:"description" db:"description" yaml:"description,omitempty"`
	IsActive           bool      `json:"is_active" db:"is_active" yaml:"is_active"`
	HasGD              bool      `json:"has_gd" db:"has_gd" yaml:"has_gd"`
	CurrentDepth       int64     `json:"current_depth" db:"current_depth" yaml:"current_depth"`
	LastPubTime        time.Time `json:"last_pub_time" db:"last_pub_time" yaml:"last_pub_time,omitempty"`
	MetaStoreFrequency int       `json:"meta_store_frequency" db:"meta_store_frequency" yaml:"meta_store_frequency"`
	CreatedAt          time.Time `json:"created_at" db:"created_at" yaml:"created_at"`
}

// TableName returns the database table name for Topic.
func (t Topic) TableName() string {
	return tablePrefix + "topic"
}

// NewTopic creates a new active topic with default metadata frequency.
func NewTopic(name, description string) Topic {
	return Topic{
		Name:               name,
		Description:        description,
		IsActive:           true,
		MetaStoreFrequency: DefaultMetaStoreFrequency,
		CreatedAt:          time.Now().UTC(),
	}
}

// Validate checks the topic name syntax and metadata settings.
func (t Topic) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Name, TopicNameRules()...),
		validation.Field(&t.MetaStoreFrequency, validation.Min(0)),
		validation.Field(&t.CurrentDepth, validation.Min(int64(0))),
	)
}

// TopicNameRules returns the validation rules every topic name must satisfy.
func TopicNameRules() []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.Length(2, MaxTopicNameLength),
		validation.Match(topicNameRegexp).Error("must be a hierarchical path such as /demo/orders"),
	}
}

// ValidateTopicName checks name against the hierarchical topic path syntax.
func ValidateTopicName(name string) error {
	return validation.Validate(name, TopicNameRules()...)
}

// RecordPublication adds gdCount guaranteed-delivery messages to the topic depth
// and moves the last publication time forward.
func (t *Topic) RecordPublication(gdCount int, pubTime time.Time) {
	t.CurrentDepth += int64(gdCount)
	if pubTime.After(t.LastPubTime) {
		t.LastPubTime = pubTime
	}
}

// ReleaseDepth subtracts n fully delivered or expired messages from the depth.
// Depth never goes below zero.
func (t *Topic) ReleaseDepth(n int) {
	t.CurrentDepth -= int64(n)
	if t.CurrentDepth < 0 {
		t.CurrentDepth = 0
	}
}
