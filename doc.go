// Package pubsub is the core of a publish/subscribe message broker: topics,
// endpoints and subscriptions, pattern-based authorization, guaranteed-delivery
// fan-out into per-subscription queues, pull and push delivery, and a
// control plane that keeps every server process's in-memory registry in step.
//
// It is used embedded, as shown in examples/basic, or through the standalone
// REST server in cmd/pubsub-server, which is managed with cmd/pubsubctl.
//
// # Components
//
//   - Registry holds topics, endpoints, credentials, permissions and
//     subscriptions in memory, plus the sub_key to delivery server table.
//   - Publisher authorizes a publication, applies defaults and clamps
//     (priority 1 to 9, expiration of at least one second) and hands the
//     message to a MessageStore, which inserts it and its queue rows as one unit.
//   - Receiver serves pull subscriptions. Its caps are ceilings: values above
//     Config.MaxLen or Config.MaxMessages are lowered, anything else passes.
//   - DeliveryWorker pushes queued messages of push subscriptions owned by
//     this process and expires what was never delivered in time.
//   - Admin persists every topology change through Repositories and then
//     broadcasts it as a Command on a Broker. Each process runs an ApplyLoop
//     that applies commands to its own Registry from the payload alone.
//   - SubscriptionManager subscribes and unsubscribes endpoints.
//
// # Message flow
//
//  1. PUBLISH
//     Publisher → authorize (pub= patterns) → MessageStore.Publish
//     → one QueueItem per subscription, status INITIALIZED
//
//  2. RECEIVE (pull)
//     Receiver → oldest queue rows within the caps → IN_FLIGHT
//     → Ack → DELIVERED
//
//  3. PUSH
//     DeliveryWorker → owned sub_keys → PushGateway
//     → on success DELIVERED, on failure retry with backoff
//     → EXPIRED after the expiration elapses or the attempts run out
//
// Messages published with has_gd are kept by the guaranteed-delivery store
// (adapters/relica); the others stay in process memory (adapters/memory),
// except rows for push subscriptions another process delivers, which travel
// through the guaranteed-delivery store to reach it. A msg_id is accepted once
// across both stores and all processes.
//
// # Quick start
//
//	db, _ := sql.Open("sqlite3", "pubsub.db")
//	_ = pubsub.Migrate(ctx, db, "sqlite3")
//
//	repos := relica.NewRepositories(db, "sqlite3")
//	server := model.ServerIdentity{Name: "node-1", PID: os.Getpid()}
//	registry := pubsub.NewRegistry(logger)
//	_ = pubsub.LoadRegistry(ctx, registry, repos)
//
//	publisher, _ := pubsub.NewPublisher(
//	    pubsub.WithPublisherRegistry(registry),
//	    pubsub.WithPublisherStores(relica.NewMessageStore(db, "sqlite3", logger), memory.NewMessageStore()),
//	    pubsub.WithPublisherRepositories(repos),
//	    pubsub.WithPublisherServer(server),
//	    pubsub.WithPublisherLogger(logger),
//	)
//
//	res, _ := publisher.Publish(ctx, pubsub.NewCID(), endpoint, "/demo/orders",
//	    pubsub.PublishRequest{Data: json.RawMessage(`{"x":1}`)})
//
// # Identifiers
//
// Message IDs start with "zpsm" and sub_keys with "zpsk.<endpoint type>".
// Correlation IDs are 24 hex characters.
//
// # Database schema
//
// Migrate creates the tables for MySQL, PostgreSQL or SQLite:
//
//	pubsub_topic            - topics and their depth
//	pubsub_security         - basic auth credentials
//	pubsub_endpoint         - publishers and subscribers
//	pubsub_permission       - pub= and sub= patterns per credential
//	pubsub_subscription     - subscriptions and delivery server affinity
//	pubsub_endpoint_topic   - last publication per endpoint and topic
//	pubsub_message          - guaranteed-delivery messages
//	pubsub_queue            - per-subscription delivery state
//	pubsub_control_journal  - control-plane commands for peer processes
//	pubsub_msg_id           - every accepted msg_id, to reject duplicates
package pubsub
