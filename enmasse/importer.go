package enmasse

import (
	"context"
	"fmt"
	"strings"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
)

// Result counts what one import changed.
type Result struct {
	SecurityCreated      int `json:"security_created" yaml:"security_created"`
	TopicsCreated        int `json:"topics_created" yaml:"topics_created"`
	TopicsUpdated        int `json:"topics_updated" yaml:"topics_updated"`
	PermissionsSet       int `json:"permissions_set" yaml:"permissions_set"`
	EndpointsCreated     int `json:"endpoints_created" yaml:"endpoints_created"`
	SubscriptionsCreated int `json:"subscriptions_created" yaml:"subscriptions_created"`
	Skipped              int `json:"skipped" yaml:"skipped"`
}

// Importer applies documents as a sequence of Admin operations, so every change
// is persisted and broadcast like a single CRUD call would be.
type Importer struct {
	registry *pubsub.Registry
	admin    *pubsub.Admin
	subs     *pubsub.SubscriptionManager
	logger   pubsub.Logger
}

// NewImporter creates an importer.
func NewImporter(registry *pubsub.Registry, admin *pubsub.Admin, subs *pubsub.SubscriptionManager, logger pubsub.Logger) *Importer {
	if logger == nil {
		logger = &pubsub.NoopLogger{}
	}
	return &Importer{registry: registry, admin: admin, subs: subs, logger: logger}
}

// Import applies doc in dependency order: security definitions, topics,
// permissions, then subscriptions. Existing security definitions are left
// alone; existing topics are updated in place. Import stops at the first
// failure and returns what was done until then.
func (im *Importer) Import(ctx context.Context, doc *Document) (*Result, error) {
	res := &Result{}
	if err := doc.Validate(); err != nil {
		return res, pubsub.NewErrorWithCause(pubsub.ErrCodeValidation, "invalid enmasse document", err)
	}

	for _, def := range doc.Security {
		if err := im.importSecurity(ctx, def, res); err != nil {
			return res, fmt.Errorf("security `%s`: %w", def.Name, err)
		}
	}
	for _, def := range doc.Topics {
		if err := im.importTopic(ctx, def, res); err != nil {
			return res, fmt.Errorf("topic `%s`: %w", def.Name, err)
		}
	}
	for _, def := range doc.Permissions {
		if err := im.importPermission(ctx, def, res); err != nil {
			return res, fmt.Errorf("permission of `%s`: %w", def.Security, err)
		}
	}
	for _, def := range doc.Subscriptions {
		if err := im.importSubscription(ctx, def, res); err != nil {
			return res, fmt.Errorf("subscription of `%s`: %w", def.Security, err)
		}
	}

	im.logger.Infof("Enmasse import done: %+v", *res)
	return res, nil
}

func (im *Importer) importSecurity(ctx context.Context, def SecurityDef, res *Result) error {
	if _, err := im.registry.GetSecurityByName(def.Name); err == nil {
		im.logger.Debugf("Security definition `%s` already exists, skipping", def.Name)
		res.Skipped++
		return nil
	}
	if def.Password == "" {
		return pubsub.BadRequest("password is required for a new security definition")
	}
	if _, err := im.admin.CreateSecurity(ctx, def.Name, def.Username, def.Password); err != nil {
		return err
	}
	res.SecurityCreated++
	return nil
}

func (im *Importer) importTopic(ctx context.Context, def TopicDef, res *Result) error {
	existing, err := im.registry.GetTopicByName(def.Name)
	if err != nil {
		if !pubsub.IsNotFound(err) {
			return err
		}
		topic := model.NewTopic(def.Name, def.Description)
		if def.HasGD != nil {
			topic.HasGD = *def.HasGD
		}
		if _, err := im.admin.CreateTopic(ctx, topic); err != nil {
			return err
		}
		res.TopicsCreated++
		return nil
	}

	changed := existing.Description != def.Description
	existing.Description = def.Description
	if def.HasGD != nil && existing.HasGD != *def.HasGD {
		existing.HasGD = *def.HasGD
		changed = true
	}
	if !changed {
		res.Skipped++
		return nil
	}
	if _, err := im.admin.EditTopic(ctx, existing.Name, existing); err != nil {
		return err
	}
	res.TopicsUpdated++
	return nil
}

// importPermission sets the patterns of a security definition and makes sure it
// has an endpoint, whose role follows from which pattern lists are present.
func (im *Importer) importPermission(ctx context.Context, def PermissionDef, res *Result) error {
	sec, err := im.registry.GetSecurityByName(def.Security)
	if err != nil {
		return err
	}

	ep, err := im.registry.GetEndpointBySecID(sec.ID)
	if err != nil && !pubsub.IsNotFound(err) {
		return err
	}
	if err != nil {
		_, err := im.admin.CreateEndpoint(ctx, pubsub.EndpointRequest{
			Name:          sec.Name,
			Role:          roleFor(def),
			SecurityName:  sec.Name,
			TopicPatterns: patternList(def),
		})
		if err != nil {
			return err
		}
		res.EndpointsCreated++
		res.PermissionsSet++
		return nil
	}

	if _, err := im.admin.SetPermission(ctx, sec.Name, model.NewPermission(sec.ID, def.Pub, def.Sub)); err != nil {
		return err
	}
	res.PermissionsSet++

	if role := roleFor(def); ep.Role != role {
		ep.Role = role
		if _, err := im.admin.EditEndpoint(ctx, ep); err != nil {
			return err
		}
	}
	return nil
}

func (im *Importer) importSubscription(ctx context.Context, def SubscriptionDef, res *Result) error {
	sec, err := im.registry.GetSecurityByName(def.Security)
	if err != nil {
		return err
	}
	ep, err := im.registry.GetEndpointBySecID(sec.ID)
	if err != nil {
		return fmt.Errorf("no endpoint uses this security definition, define its permission first: %w", err)
	}

	req := pubsub.SubscribeRequest{DeliveryType: def.DeliveryType, PushURL: def.PushURL}
	for _, topic := range def.TopicList {
		if im.registry.IsSubscribedTo(ep.ID, topic) {
			res.Skipped++
			continue
		}
		if _, err := im.subs.Subscribe(ctx, pubsub.NewCID(), ep, topic, req); err != nil {
			return fmt.Errorf("topic `%s`: %w", topic, err)
		}
		res.SubscriptionsCreated++
	}
	return nil
}

func roleFor(def PermissionDef) model.EndpointRole {
	switch {
	case len(def.Pub) > 0 && len(def.Sub) > 0:
		return model.RolePublisherSubscriber
	case len(def.Pub) > 0:
		return model.RolePublisher
	default:
		return model.RoleSubscriber
	}
}

// patternList renders def in the comma-separated form endpoint creation takes.
func patternList(def PermissionDef) string {
	items := make([]string, 0, len(def.Pub)+len(def.Sub))
	for _, p := range def.Pub {
		items = append(items, model.PubPrefix+p)
	}
	for _, s := range def.Sub {
		items = append(items, model.SubPrefix+s)
	}
	return strings.Join(items, ",")
}
