package enmasse

import (
	"sort"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
)

// Export builds a document from the registry. Passwords are not exported, so
// importing the result elsewhere needs them filled in for new credentials.
func Export(registry *pubsub.Registry) *Document {
	doc := &Document{}

	secNames := map[int64]string{}
	for _, sec := range registry.ListSecurities() {
		secNames[sec.ID] = sec.Name
		doc.Security = append(doc.Security, SecurityDef{
			Name:     sec.Name,
			Type:     SecurityTypeBasicAuth,
			Username: sec.Username,
		})
	}
	sort.Slice(doc.Security, func(i, j int) bool { return doc.Security[i].Name < doc.Security[j].Name })

	for _, t := range registry.ListTopics() {
		hasGD := t.HasGD
		doc.Topics = append(doc.Topics, TopicDef{Name: t.Name, Description: t.Description, HasGD: &hasGD})
	}
	sort.Slice(doc.Topics, func(i, j int) bool { return doc.Topics[i].Name < doc.Topics[j].Name })

	for _, p := range registry.ListPermissions() {
		name, ok := secNames[p.SecurityID]
		if !ok {
			continue
		}
		doc.Permissions = append(doc.Permissions, PermissionDef{
			Security: name,
			Pub:      p.PubPatterns(),
			Sub:      p.SubPatterns(),
		})
	}
	sort.Slice(doc.Permissions, func(i, j int) bool { return doc.Permissions[i].Security < doc.Permissions[j].Security })

	doc.Subscriptions = exportSubscriptions(registry, secNames)
	return doc
}

// exportSubscriptions groups subscriptions by security definition and delivery
// settings into topic lists.
func exportSubscriptions(registry *pubsub.Registry, secNames map[int64]string) []SubscriptionDef {
	type groupKey struct {
		security     string
		deliveryType model.DeliveryType
		pushURL      string
	}

	groups := map[groupKey][]string{}
	for _, sub := range registry.ListSubscriptions() {
		ep, err := registry.GetEndpointByID(sub.EndpointID)
		if err != nil {
			continue
		}
		name, ok := secNames[ep.SecurityID]
		if !ok {
			continue
		}
		key := groupKey{security: name, deliveryType: sub.DeliveryType, pushURL: sub.PushURL}
		groups[key] = append(groups[key], sub.TopicName)
	}

	out := make([]SubscriptionDef, 0, len(groups))
	for key, topics := range groups {
		sort.Strings(topics)
		out = append(out, SubscriptionDef{
			Security:     key.security,
			DeliveryType: key.deliveryType,
			PushURL:      key.pushURL,
			TopicList:    topics,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Security != out[j].Security {
			return out[i].Security < out[j].Security
		}
		if out[i].DeliveryType != out[j].DeliveryType {
			return out[i].DeliveryType < out[j].DeliveryType
		}
		return out[i].PushURL < out[j].PushURL
	})
	return out
}
