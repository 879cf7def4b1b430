package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/adapters/memory"
	"github.com/coregx/gopubsub/adapters/relica"
	"github.com/coregx/gopubsub/cmd/pubsub-server/internal/api"
	"github.com/coregx/gopubsub/cmd/pubsub-server/internal/config"
	"github.com/coregx/gopubsub/cmd/pubsub-server/internal/push"
	"github.com/coregx/gopubsub/model"
)

// pruneInterval is how often old journal rows and msg_ids are deleted.
const pruneInterval = 10 * time.Minute

// app is one wired server process.
type app struct {
	cfg      *config.Config
	server   model.ServerIdentity
	logger   pubsub.Logger
	registry *pubsub.Registry
	repos    *pubsub.Repositories
	broker   *relica.Broker
	applier  *pubsub.ApplyLoop
	admin    *pubsub.Admin
	worker   *pubsub.DeliveryWorker
	handler  http.Handler

	wg sync.WaitGroup
}

// serverIdentity names this process: SERVER_NAME or the hostname, plus the pid.
func serverIdentity(cfg *config.Config) model.ServerIdentity {
	name := cfg.Server.Name
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "pubsub-server"
		}
	}
	return model.ServerIdentity{Name: name, PID: os.Getpid()}
}

// newApp builds every service over db and loads the registry from it.
func newApp(ctx context.Context, cfg *config.Config, db *sql.DB, server model.ServerIdentity, logger pubsub.Logger) (*app, error) {
	driver, prefix := cfg.Database.Driver, cfg.Database.Prefix

	repos := relica.NewRepositoriesWithPrefix(db, driver, prefix)
	gdStore := relica.NewMessageStoreWithPrefix(db, driver, prefix, logger)
	memStore := memory.NewMessageStore()
	broker := relica.NewBrokerWithPrefix(db, driver, prefix, cfg.PubSub.JournalPoll, logger)

	// Changes committed while the registry loads arrive through the journal.
	if err := broker.Pin(ctx); err != nil {
		return nil, fmt.Errorf("failed to read journal position: %w", err)
	}

	registry := pubsub.NewRegistry(logger)
	if err := pubsub.LoadRegistry(ctx, registry, repos); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	applier, err := pubsub.NewApplyLoop(
		pubsub.WithApplyRegistry(registry),
		pubsub.WithApplyBroker(broker),
		pubsub.WithApplyMemoryStore(memStore),
		pubsub.WithApplyDurableStore(gdStore),
		pubsub.WithApplyServer(server),
		pubsub.WithApplyLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create apply loop: %w", err)
	}

	admin, err := pubsub.NewAdmin(
		pubsub.WithAdminRegistry(registry),
		pubsub.WithAdminRepositories(repos),
		pubsub.WithAdminStores(gdStore, memStore),
		pubsub.WithAdminControlPlane(broker, applier),
		pubsub.WithAdminLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin: %w", err)
	}

	publisher, err := pubsub.NewPublisher(
		pubsub.WithPublisherRegistry(registry),
		pubsub.WithPublisherStores(gdStore, memStore),
		pubsub.WithPublisherRepositories(repos),
		pubsub.WithPublisherServer(server),
		pubsub.WithPublisherConfig(cfg.PubSub.Library()),
		pubsub.WithPublisherLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	receiver, err := pubsub.NewReceiver(
		pubsub.WithReceiverRegistry(registry),
		pubsub.WithReceiverStores(gdStore, memStore),
		pubsub.WithReceiverConfig(cfg.PubSub.Library()),
		pubsub.WithReceiverLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver: %w", err)
	}

	subs, err := pubsub.NewSubscriptionManager(
		pubsub.WithSubscriptionManagerRegistry(registry),
		pubsub.WithSubscriptionManagerAdmin(admin),
		pubsub.WithSubscriptionManagerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription manager: %w", err)
	}

	var notifications pubsub.NotificationService = &pubsub.NoOpNotificationService{}
	if cfg.PubSub.EnableNotifications {
		notifications = pubsub.NewLoggingNotificationService(logger)
	}

	worker, err := pubsub.NewDeliveryWorker(
		pubsub.WithRegistry(registry),
		pubsub.WithStores(gdStore, memStore),
		pubsub.WithAdmin(admin),
		pubsub.WithPushGateway(push.NewGateway(cfg.PubSub.PushTimeout, logger)),
		pubsub.WithLogger(logger),
		pubsub.WithBatchSize(cfg.PubSub.BatchSize),
		pubsub.WithSweepLimit(cfg.PubSub.SweepLimit),
		pubsub.WithHeartbeat(cfg.PubSub.HeartbeatInterval, cfg.PubSub.ServerTTL),
		pubsub.WithNotifications(notifications),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery worker: %w", err)
	}

	handler := api.NewHandler(
		api.Services{
			Registry:      registry,
			Publisher:     publisher,
			Receiver:      receiver,
			Subscriptions: subs,
			Admin:         admin,
		},
		api.Paths{
			Publish:     cfg.Server.PathPublish,
			Receive:     cfg.Server.PathReceive,
			Subscribe:   cfg.Server.PathSubscribe,
			Unsubscribe: cfg.Server.PathUnsubscribe,
			Ack:         cfg.Server.PathAck,
		},
		api.AdminCredentials{Username: cfg.Admin.Username, Password: cfg.Admin.Password},
		logger,
	)

	return &app{
		cfg:      cfg,
		server:   server,
		logger:   logger,
		registry: registry,
		repos:    repos,
		broker:   broker,
		applier:  applier,
		admin:    admin,
		worker:   worker,
		handler:  handler.Routes(),
	}, nil
}

// start runs the background loops until ctx ends and announces this process
// to its peers.
func (a *app) start(ctx context.Context) error {
	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.applier.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.worker.Run(ctx, a.cfg.PubSub.WorkerInterval)
	}()
	go func() {
		defer a.wg.Done()
		a.prune(ctx)
	}()

	if err := a.admin.AnnounceServer(ctx, true); err != nil {
		return fmt.Errorf("failed to announce server: %w", err)
	}
	a.logger.Infof("Server `%s` joined (%s)", a.server, a.worker.GetRetrySchedule())
	return nil
}

func (a *app) prune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pruneOnce(ctx, time.Now().UTC())
		}
	}
}

func (a *app) pruneOnce(ctx context.Context, now time.Time) {
	n, err := a.broker.Prune(ctx, now.Add(-a.cfg.PubSub.JournalRetention))
	if err != nil {
		a.logger.Warnf("Journal prune failed: %v", err)
	} else if n > 0 {
		a.logger.Debugf("Pruned %d journal row(s)", n)
	}

	n, err = a.repos.MsgIDs.Prune(ctx, now.Add(-a.cfg.PubSub.MsgIDRetention))
	if err != nil {
		a.logger.Warnf("msg_id prune failed: %v", err)
	} else if n > 0 {
		a.logger.Debugf("Forgot %d msg_id(s)", n)
	}
}

// handOver passes owned sub_keys to a peer and announces the departure. It must
// run before the loops stop so the messages still reach the journal.
func (a *app) handOver(ctx context.Context) {
	if err := a.worker.Shutdown(ctx); err != nil {
		a.logger.Errorf("Delivery handover failed: %v", err)
	}
}

// wait blocks until the background loops have returned.
func (a *app) wait() {
	a.wg.Wait()
}
