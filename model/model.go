// Package model contains the domain models of the pub/sub core: topics, endpoints,
// security definitions, permissions, subscriptions, messages and their per-subscription
// queue rows.
//
// Models carry their own business rules (validation, delivery state transitions,
// defaulting) so that stores and services stay thin.
package model

import "time"

// tablePrefix is the default prefix of every table name.
const tablePrefix = "pubsub_"

// DefaultTablePrefix is exported for adapters that build table names themselves.
const DefaultTablePrefix = tablePrefix

// ISO8601 is the layout used for all *_iso fields exposed to clients.
const ISO8601 = "2006-01-02T15:04:05.000000"

// FormatISO returns t in UTC using ISO8601, or an empty string for the zero time.
func FormatISO(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(ISO8601)
}

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}
