package relica

import (
	"database/sql"

	"github.com/coregx/gopubsub"
)

// NewRepositories creates all configuration repositories using Relica.
//
// The db parameter should be an *sql.DB connected to MySQL, PostgreSQL, or SQLite.
// The driverName should be "mysql", "postgres", or "sqlite3".
// The table prefix defaults to "pubsub_" but can be customized.
func NewRepositories(db *sql.DB, driverName string) *pubsub.Repositories {
	return &pubsub.Repositories{
		Topics:         NewTopicRepository(db, driverName),
		Endpoints:      NewEndpointRepository(db, driverName),
		Securities:     NewSecurityRepository(db, driverName),
		Permissions:    NewPermissionRepository(db, driverName),
		Subscriptions:  NewSubscriptionRepository(db, driverName),
		EndpointTopics: NewEndpointTopicRepository(db, driverName),
		MsgIDs:         NewMsgIDRepository(db, driverName),
	}
}

// NewRepositoriesWithPrefix creates all configuration repositories with a custom table prefix.
func NewRepositoriesWithPrefix(db *sql.DB, driverName, prefix string) *pubsub.Repositories {
	return &pubsub.Repositories{
		Topics:         NewTopicRepositoryWithPrefix(db, driverName, prefix),
		Endpoints:      NewEndpointRepositoryWithPrefix(db, driverName, prefix),
		Securities:     NewSecurityRepositoryWithPrefix(db, driverName, prefix),
		Permissions:    NewPermissionRepositoryWithPrefix(db, driverName, prefix),
		Subscriptions:  NewSubscriptionRepositoryWithPrefix(db, driverName, prefix),
		EndpointTopics: NewEndpointTopicRepositoryWithPrefix(db, driverName, prefix),
		MsgIDs:         NewMsgIDRepositoryWithPrefix(db, driverName, prefix),
	}
}
