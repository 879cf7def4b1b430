// Package relica provides repository implementations using Relica query builder.
//
// Relica (github.com/coregx/relica) is a lightweight, type-safe database query builder
// for Go with zero production dependencies.
//
// The package provides:
//   - configuration repositories (topics, endpoints, security definitions,
//     permissions, subscriptions, per-endpoint publish bookkeeping)
//   - MessageStore, the durable store for guaranteed-delivery messages
//   - Broker, a control-plane broker backed by a shared journal table
//
// Example usage:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/gopubsub"
//	    "github.com/coregx/gopubsub/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/pubsub_db?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := pubsub.Migrate(ctx, db, "mysql"); err != nil {
//	    log.Fatal(err)
//	}
//
//	repos := relica.NewRepositories(db, "mysql")
//	gdStore := relica.NewMessageStore(db, "mysql", logger)
//	broker := relica.NewBroker(db, "mysql", 0, logger)
package relica
