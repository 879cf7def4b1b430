package model

import (
	"math"
	"time"
)

// Message defaults and bounds.
const (
	MsgIDPrefix       = "zpsm"
	DefaultPriority   = 5
	MinPriority       = 1
	MaxPriority       = 9
	DefaultExpiration = 86400 * 365 // one year, in seconds
	MinExpiration     = 1
)

// Message is a published message. It is created once by the publish pipeline and
// never modified afterwards; its queue rows carry all delivery state.
type Message struct {
	ID             int64     `json:"-" db:"id"`
	PubMsgID       string    `json:"msg_id" db:"pub_msg_id"`
	TopicID        int64     `json:"topic_id" db:"topic_id"`
	TopicName      string    `json:"topic_name" db:"topic_name"`
	PublisherID    int64     `json:"published_by_id" db:"published_by_id"`
	Data           string    `json:"data" db:"data"`
	Size           int       `json:"size" db:"size"`
	Priority       int       `json:"priority" db:"priority"`
	Expiration     int64     `json:"expiration" db:"expiration"`
	ExpirationTime time.Time `json:"expiration_time" db:"expiration_time"`
	CorrelID       string    `json:"correl_id" db:"correl_id"`
	ExtClientID    string    `json:"ext_client_id,omitempty" db:"ext_client_id"`
	InReplyTo      string    `json:"in_reply_to,omitempty" db:"in_reply_to"`
	PubTime        time.Time `json:"pub_time" db:"pub_time"`
	RecvTime       time.Time `json:"recv_time" db:"recv_time"`
	HasGD          bool      `json:"has_gd" db:"has_gd"`
}

// TableName returns the database table name for Message.
func (m Message) TableName() string {
	return tablePrefix + "message"
}

// NewMessage creates a message for the given topic, applying priority and
// expiration defaults. recvTime is when the server accepted the message; pubTime
// is the publisher's claimed time and falls back to recvTime.
func NewMessage(msgID string, topic Topic, data string, priority int, expiration int64, pubTime, recvTime time.Time) Message {
	if pubTime.IsZero() {
		pubTime = recvTime
	}
	expiration = ClampExpiration(float64(expiration))

	return Message{
		PubMsgID:       msgID,
		TopicID:        topic.ID,
		TopicName:      topic.Name,
		Data:           data,
		Size:           len(data),
		Priority:       NormalizePriority(priority),
		Expiration:     expiration,
		ExpirationTime: recvTime.Add(time.Duration(expiration) * time.Second),
		PubTime:        pubTime,
		RecvTime:       recvTime,
		HasGD:          topic.HasGD,
	}
}

// NormalizePriority resets priorities outside [MinPriority, MaxPriority] to the default.
func NormalizePriority(priority int) int {
	if priority < MinPriority || priority > MaxPriority {
		return DefaultPriority
	}
	return priority
}

// ClampExpiration rounds the expiration to the nearest second and raises anything
// below MinExpiration to it.
func ClampExpiration(expiration float64) int64 {
	rounded := int64(math.Round(expiration))
	if rounded < MinExpiration {
		return MinExpiration
	}
	return rounded
}

// IsExpired reports whether the message outlived its expiration at now.
func (m Message) IsExpired(now time.Time) bool {
	return !m.ExpirationTime.IsZero() && !now.Before(m.ExpirationTime)
}
