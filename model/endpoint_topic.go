package model

import "time"

// EndpointTopic is publish bookkeeping: one row per (endpoint, topic) pair,
// upserted on every publication.
type EndpointTopic struct {
	ID             int64     `json:"id" db:"id"`
	EndpointID     int64     `json:"endpoint_id" db:"endpoint_id"`
	TopicID        int64     `json:"topic_id" db:"topic_id"`
	LastPubTime    time.Time `json:"last_pub_time" db:"last_pub_time"`
	PubMsgID       string    `json:"pub_msg_id" db:"pub_msg_id"`
	CorrelID       string    `json:"correl_id" db:"correl_id"`
	InReplyTo      string    `json:"in_reply_to" db:"in_reply_to"`
	PatternMatched string    `json:"pattern_matched" db:"pattern_matched"`
}

// TableName returns the database table name for EndpointTopic.
func (e EndpointTopic) TableName() string {
	return tablePrefix + "endpoint_topic"
}

// NewEndpointTopic builds the bookkeeping row for msg published by endpointID
// under the authorizing pattern.
func NewEndpointTopic(endpointID int64, msg Message, patternMatched string) EndpointTopic {
	return EndpointTopic{
		EndpointID:     endpointID,
		TopicID:        msg.TopicID,
		LastPubTime:    msg.PubTime,
		PubMsgID:       msg.PubMsgID,
		CorrelID:       msg.CorrelID,
		InReplyTo:      msg.InReplyTo,
		PatternMatched: patternMatched,
	}
}

// Refresh copies the latest publication into an existing row, keeping its identity.
func (e *EndpointTopic) Refresh(latest EndpointTopic) {
	e.LastPubTime = latest.LastPubTime
	e.PubMsgID = latest.PubMsgID
	e.CorrelID = latest.CorrelID
	e.InReplyTo = latest.InReplyTo
	e.PatternMatched = latest.PatternMatched
}
