package pubsub

import (
	"context"
)

// LoadRegistry fills registry from the configuration repositories. It is called
// once at process startup, before the control-plane apply loop starts.
func LoadRegistry(ctx context.Context, registry *Registry, repos *Repositories) error {
	if err := repos.Validate(); err != nil {
		return err
	}

	topics, err := repos.Topics.List(ctx)
	if err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeDatabase, "failed to load topics", err)
	}
	for _, t := range topics {
		if err := registry.CreateTopic(t); err != nil {
			return err
		}
	}

	securities, err := repos.Securities.List(ctx)
	if err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeDatabase, "failed to load security definitions", err)
	}
	for _, s := range securities {
		if err := registry.CreateSecurity(s); err != nil {
			return err
		}
	}

	endpoints, err := repos.Endpoints.List(ctx)
	if err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeDatabase, "failed to load endpoints", err)
	}
	for _, e := range endpoints {
		if err := registry.CreateEndpoint(e); err != nil {
			return err
		}
	}

	perms, err := repos.Permissions.List(ctx)
	if err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeDatabase, "failed to load permissions", err)
	}
	for _, p := range perms {
		if err := registry.SetPermission(p); err != nil {
			return err
		}
	}

	subs, err := repos.Subscriptions.List(ctx)
	if err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeDatabase, "failed to load subscriptions", err)
	}
	skipped := 0
	for _, s := range subs {
		if err := registry.AddSubscription(s); err != nil {
			// A subscription whose topic or endpoint is gone is left out.
			registry.logger.Warnf("Skipping subscription `%s`: %v", s.SubKey, err)
			skipped++
		}
	}

	registry.logger.Infof("Registry loaded: %d topic(s), %d endpoint(s), %d security definition(s), %d permission(s), %d subscription(s)",
		len(topics), len(endpoints), len(securities), len(perms), len(subs)-skipped)
	return nil
}
