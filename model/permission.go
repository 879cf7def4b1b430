package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// AccessType says which pattern kinds a permission may carry.
type AccessType string

const (
	AccessPublisher           AccessType = "publisher"
	AccessSubscriber          AccessType = "subscriber"
	AccessPublisherSubscriber AccessType = "publisher_subscriber"
)

// Pattern line prefixes.
const (
	PubPrefix = "pub="
	SubPrefix = "sub="
)

// AllowsPublish reports whether pub= lines are permitted.
func (a AccessType) AllowsPublish() bool {
	return a == AccessPublisher || a == AccessPublisherSubscriber
}

// AllowsSubscribe reports whether sub= lines are permitted.
func (a AccessType) AllowsSubscribe() bool {
	return a == AccessSubscriber || a == AccessPublisherSubscriber
}

// Permission binds a security definition to a newline-separated list of
// pub=/sub= glob patterns.
type Permission struct {
	ID         int64      `json:"id" db:"id" yaml:"id"`
	SecurityID int64      `json:"sec_base_id" db:"sec_base_id" yaml:"sec_base_id"`
	Pattern    string     `json:"pattern" db:"pattern" yaml:"pattern"`
	AccessType AccessType `json:"access_type" db:"access_type" yaml:"access_type"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at" yaml:"created_at"`
}

// TableName returns the database table name for Permission.
func (p Permission) TableName() string {
	return tablePrefix + "permission"
}

// NewPermission creates a permission from pub and sub pattern lists. The access
// type is derived from which lists are non-empty.
func NewPermission(securityID int64, pub, sub []string) Permission {
	lines := make([]string, 0, len(pub)+len(sub))
	for _, p := range pub {
		lines = append(lines, PubPrefix+strings.TrimSpace(p))
	}
	for _, s := range sub {
		lines = append(lines, SubPrefix+strings.TrimSpace(s))
	}

	access := AccessPublisherSubscriber
	switch {
	case len(pub) > 0 && len(sub) == 0:
		access = AccessPublisher
	case len(sub) > 0 && len(pub) == 0:
		access = AccessSubscriber
	}

	return Permission{
		SecurityID: securityID,
		Pattern:    strings.Join(lines, "\n"),
		AccessType: access,
		CreatedAt:  time.Now().UTC(),
	}
}

// Lines returns the non-blank pattern lines, trimmed.
func (p Permission) Lines() []string {
	var out []string
	for _, line := range strings.Split(p.Pattern, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// PubPatterns returns the publish patterns without their prefix.
func (p Permission) PubPatterns() []string {
	return p.patterns(PubPrefix)
}

// SubPatterns returns the subscribe patterns without their prefix.
func (p Permission) SubPatterns() []string {
	return p.patterns(SubPrefix)
}

func (p Permission) patterns(prefix string) []string {
	var out []string
	for _, line := range p.Lines() {
		if strings.HasPrefix(line, prefix) {
			out = append(out, strings.TrimPrefix(line, prefix))
		}
	}
	return out
}

// Validate requires at least one non-blank pattern line, every line to carry a
// known prefix and a non-empty pattern, and the prefix to agree with AccessType.
func (p Permission) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.SecurityID, validation.Required),
		validation.Field(&p.AccessType, validation.Required,
			validation.In(AccessPublisher, AccessSubscriber, AccessPublisherSubscriber)),
		validation.Field(&p.Pattern, validation.By(p.checkLines)),
	)
}

func (p Permission) checkLines(_ interface{}) error {
	lines := p.Lines()
	if len(lines) == 0 {
		return errors.New("at least one pattern is required")
	}
	for _, line := range lines {
		var allowed bool
		var rest string
		switch {
		case strings.HasPrefix(line, PubPrefix):
			allowed, rest = p.AccessType.AllowsPublish(), strings.TrimPrefix(line, PubPrefix)
		case strings.HasPrefix(line, SubPrefix):
			allowed, rest = p.AccessType.AllowsSubscribe(), strings.TrimPrefix(line, SubPrefix)
		default:
			return fmt.Errorf("pattern `%s` must start with %s or %s", line, PubPrefix, SubPrefix)
		}
		if strings.TrimSpace(rest) == "" {
			return fmt.Errorf("pattern `%s` is empty", line)
		}
		if !allowed {
			return fmt.Errorf("pattern `%s` is not allowed for access type %s", line, p.AccessType)
		}
	}
	return nil
}

// ParsePatternList turns the CLI form "pub=/a/*,sub=/b/*" into newline-separated
// pattern lines. An empty input yields the all-topics default.
func ParsePatternList(list string) string {
	if strings.TrimSpace(list) == "" {
		list = DefaultTopicPatterns
	}
	var lines []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			lines = append(lines, item)
		}
	}
	return strings.Join(lines, "\n")
}

// DefaultTopicPatterns grants publish and subscribe on every topic.
const DefaultTopicPatterns = "pub=/*,sub=/*"

// NewPermissionFromList builds a permission from the CLI form "pub=/a/*,sub=/b/*".
// The access type follows from which prefixes are present.
func NewPermissionFromList(securityID int64, list string) Permission {
	p := Permission{
		SecurityID: securityID,
		Pattern:    ParsePatternList(list),
		CreatedAt:  time.Now().UTC(),
	}
	hasPub, hasSub := len(p.PubPatterns()) > 0, len(p.SubPatterns()) > 0
	switch {
	case hasPub && !hasSub:
		p.AccessType = AccessPublisher
	case hasSub && !hasPub:
		p.AccessType = AccessSubscriber
	default:
		p.AccessType = AccessPublisherSubscriber
	}
	return p
}
