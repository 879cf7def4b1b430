package pubsub

import (
	"time"

	"github.com/coregx/gopubsub/model"
)

// ServerEntry is one live server as seen by this process.
type ServerEntry struct {
	Server   model.ServerIdentity `json:"server" yaml:"server"`
	JoinedAt time.Time            `json:"joined_at" yaml:"joined_at"`
}

// Snapshot is a point-in-time copy of the registry, served by the diagnostics endpoint.
type Snapshot struct {
	Server         model.ServerIdentity `json:"server" yaml:"server"`
	TakenAt        time.Time            `json:"taken_at" yaml:"taken_at"`
	Topics         []model.Topic        `json:"topics" yaml:"topics"`
	Endpoints      []model.Endpoint     `json:"endpoints" yaml:"endpoints"`
	Securities     []model.Security     `json:"securities" yaml:"securities"`
	Permissions    []model.Permission   `json:"permissions" yaml:"permissions"`
	Subscriptions  []model.Subscription `json:"subscriptions" yaml:"subscriptions"`
	SubKeyServers  []model.SubKeyServer `json:"sub_key_servers" yaml:"sub_key_servers"`
	LiveServers    []ServerEntry        `json:"live_servers" yaml:"live_servers"`
	MatcherClients int                  `json:"matcher_clients" yaml:"matcher_clients"`
}

// Snapshot copies the registry's current contents. local names the process
// taking it.
func (r *Registry) Snapshot(local model.ServerIdentity) Snapshot {
	s := Snapshot{
		Server:         local,
		TakenAt:        time.Now().UTC(),
		Topics:         r.ListTopics(),
		Endpoints:      r.ListEndpoints(),
		Securities:     r.ListSecurities(),
		Permissions:    r.ListPermissions(),
		Subscriptions:  r.ListSubscriptions(),
		SubKeyServers:  r.ListSubKeyServers(),
		MatcherClients: r.matcher.ClientCount(),
	}

	r.mu.RLock()
	for _, server := range r.liveServersLocked() {
		s.LiveServers = append(s.LiveServers, ServerEntry{Server: server, JoinedAt: r.servers[server]})
	}
	r.mu.RUnlock()

	return s
}
