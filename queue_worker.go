package pubsub

import (
	"context"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/coregx/gopubsub/model"
	"github.com/coregx/gopubsub/retry"
)

// PushGateway delivers one message to a push subscription's endpoint.
//
// Implementations should handle transport details and return an error for
// failed deliveries (network error, non-2xx response, timeout) to trigger the
// retry mechanism.
type PushGateway interface {
	Push(ctx context.Context, sub model.Subscription, msg MessageView) error
}

// DeliveryWorker runs the background side of delivery in one process:
//   - pushes queued messages of push subscriptions this process owns
//   - retries failed pushes with exponential backoff, expiring exhausted ones
//   - expires rows whose messages outlived their expiration
//   - announces this process periodically and takes over sub_keys of
//     processes that went silent
//   - on shutdown, hands owned sub_keys over to another live process
//
// Thread safety: Safe for concurrent use. Each batch is processed sequentially.
type DeliveryWorker struct {
	registry            *Registry
	gdStore             MessageStore
	memStore            MessageStore
	admin               *Admin
	gateway             PushGateway
	retryStrategy       retry.Strategy
	logger              Logger
	notificationService NotificationService
	batchSize           int
	sweepLimit          int
	heartbeatInterval   time.Duration
	serverTTL           time.Duration
	started             time.Time
	lastHeartbeat       time.Time
	now                 func() time.Time
}

// pushItem is a handed-out queue row together with the store it came from.
type pushItem struct {
	QueuedMessage
	store MessageStore
}

// NewDeliveryWorker creates a new delivery worker with the provided options.
//
// Required options:
//   - WithRegistry
//   - WithStores
//   - WithAdmin: used to announce ownership changes
//   - WithPushGateway
//   - WithLogger
//
// Optional options:
//   - WithRetryStrategy (default: retry.DefaultStrategy())
//   - WithBatchSize (default: 100)
//   - WithSweepLimit (default: 1000)
//   - WithHeartbeat (default: 10s interval, 30s server TTL)
//   - WithNotifications
//
// Example:
//
//	worker, err := pubsub.NewDeliveryWorker(
//	    pubsub.WithRegistry(registry),
//	    pubsub.WithStores(gdStore, memStore),
//	    pubsub.WithAdmin(admin),
//	    pubsub.WithPushGateway(gateway),
//	    pubsub.WithLogger(logger),
//	)
func NewDeliveryWorker(opts ...Option) (*DeliveryWorker, error) {
	w := &DeliveryWorker{
		retryStrategy:       retry.DefaultStrategy(),
		batchSize:           DefaultBatchSize,
		sweepLimit:          DefaultSweepLimit,
		heartbeatInterval:   DefaultHeartbeatInterval,
		serverTTL:           DefaultServerTTL,
		notificationService: &NoOpNotificationService{},
		now:                 func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	if w.registry == nil {
		return nil, NewError(ErrCodeConfiguration, "Registry is required (use WithRegistry)")
	}
	if w.gdStore == nil || w.memStore == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageStores are required (use WithStores)")
	}
	if w.admin == nil {
		return nil, NewError(ErrCodeConfiguration, "Admin is required (use WithAdmin)")
	}
	if w.gateway == nil {
		return nil, NewError(ErrCodeConfiguration, "PushGateway is required (use WithPushGateway)")
	}
	if w.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithLogger)")
	}

	w.started = w.now()
	return w, nil
}

// ProcessPushQueues pushes ready messages of every push subscription owned by
// this process. Returns the number of messages delivered.
func (w *DeliveryWorker) ProcessPushQueues(ctx context.Context) (int, error) {
	now := w.now()
	subKeys, err := w.readySubKeys(ctx, now)
	if err != nil {
		return 0, NewErrorWithCause(ErrCodeInternal, "failed to find ready queues", err)
	}

	local := w.admin.Server()
	delivered := 0
	for _, subKey := range subKeys {
		sks, ok := w.registry.GetSubKeyServer(subKey)
		if !ok || !sks.IsOwnedBy(local) {
			continue
		}
		sub, err := w.registry.GetSubscription(subKey)
		if err != nil || !sub.IsPush() || !sub.IsActive {
			continue
		}

		n, err := w.pushQueue(ctx, sub)
		if err != nil {
			w.logger.Errorf("Failed to push queue of `%s`: %v", subKey, err)
			continue
		}
		delivered += n
	}
	return delivered, nil
}

func (w *DeliveryWorker) readySubKeys(ctx context.Context, now time.Time) ([]string, error) {
	seen := map[string]struct{}{}
	for _, store := range []MessageStore{w.gdStore, w.memStore} {
		keys, err := store.ReadySubKeys(ctx, now)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// pushQueue hands out one batch of sub's queue and pushes it message by message.
func (w *DeliveryWorker) pushQueue(ctx context.Context, sub model.Subscription) (int, error) {
	batch, err := w.takeBatch(ctx, sub.SubKey)
	if err != nil || len(batch) == 0 {
		return 0, err
	}
	w.registry.AddDeliveryCount(sub.SubKey, len(batch))

	delivered := 0
	for _, qm := range batch {
		if err := w.gateway.Push(ctx, sub, NewMessageView(qm.QueuedMessage)); err != nil {
			w.handleDeliveryFailure(ctx, sub, qm, err)
			continue
		}
		w.handleDeliverySuccess(ctx, sub, qm)
		delivered++
	}
	return delivered, nil
}

func (w *DeliveryWorker) takeBatch(ctx context.Context, subKey string) ([]pushItem, error) {
	unlock := w.registry.LockSubKey(subKey)
	defer unlock()

	now := w.now()
	var batch []pushItem
	for _, store := range []MessageStore{w.gdStore, w.memStore} {
		rows, err := store.Peek(ctx, subKey, w.batchSize, now)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		ids := make([]string, len(rows))
		for i, qm := range rows {
			ids[i] = qm.Item.PubMsgID
		}
		moved, err := store.MarkInFlight(ctx, subKey, ids, now)
		if err != nil {
			return nil, err
		}
		for _, qm := range moved {
			batch = append(batch, pushItem{QueuedMessage: qm, store: store})
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i].Item, batch[j].Item
		if !a.CreationTime.Equal(b.CreationTime) {
			return a.CreationTime.Before(b.CreationTime)
		}
		return a.PubMsgID < b.PubMsgID
	})
	return batch, nil
}

// handleDeliverySuccess acknowledges a pushed message.
func (w *DeliveryWorker) handleDeliverySuccess(ctx context.Context, sub model.Subscription, qm pushItem) {
	unlock := w.registry.LockSubKey(sub.SubKey)
	_, released, err := qm.store.Ack(ctx, sub.SubKey, []string{qm.Item.PubMsgID}, w.now())
	unlock()
	if err != nil {
		w.logger.Errorf("Failed to mark %s delivered to `%s`: %v", qm.Item.PubMsgID, sub.SubKey, err)
		return
	}
	w.release(released)

	w.logger.Debugf("Pushed %s to `%s` (attempts=%d)", qm.Item.PubMsgID, sub.SubKey, qm.Item.DeliveryCount)
}

// handleDeliveryFailure schedules a retry, or expires the message once its
// attempts are exhausted.
func (w *DeliveryWorker) handleDeliveryFailure(ctx context.Context, sub model.Subscription, qm pushItem, deliveryErr error) {
	attempts := qm.Item.DeliveryCount
	store := qm.store
	ids := []string{qm.Item.PubMsgID}

	if !w.retryStrategy.IsRetryable(attempts) {
		unlock := w.registry.LockSubKey(sub.SubKey)
		_, released, err := store.Expire(ctx, sub.SubKey, ids)
		unlock()
		if err != nil {
			w.logger.Errorf("Failed to expire %s of `%s`: %v", qm.Item.PubMsgID, sub.SubKey, err)
			return
		}
		w.release(released)
		if err := w.notificationService.NotifyDeliveryAbandoned(ctx, sub, qm.Item, deliveryErr); err != nil {
			w.logger.Warnf("Failed to send delivery abandoned notification: %v", err)
		}
		return
	}

	next := w.retryStrategy.NextAttempt(w.now(), attempts)
	unlock := w.registry.LockSubKey(sub.SubKey)
	err := store.Requeue(ctx, sub.SubKey, ids, next)
	unlock()
	if err != nil {
		w.logger.Errorf("Failed to requeue %s of `%s`: %v", qm.Item.PubMsgID, sub.SubKey, err)
		return
	}

	if err := w.notificationService.NotifyDeliveryFailure(ctx, sub, qm.Item, deliveryErr); err != nil {
		w.logger.Warnf("Failed to send delivery failure notification: %v", err)
	}

	if w.retryStrategy.ShouldWarn(attempts) {
		w.logger.Warnf("Push of %s to `%s` failed (attempts=%d, next=%s): %v",
			qm.Item.PubMsgID, sub.SubKey, attempts, model.FormatISO(next), deliveryErr)
	} else {
		w.logger.Debugf("Push of %s to `%s` failed (attempts=%d): %v",
			qm.Item.PubMsgID, sub.SubKey, attempts, deliveryErr)
	}
}

// CleanupExpiredItems expires rows whose messages outlived their expiration.
// Returns the number of rows expired.
func (w *DeliveryWorker) CleanupExpiredItems(ctx context.Context) (int, error) {
	now := w.now()
	total := 0
	for _, store := range []MessageStore{w.gdStore, w.memStore} {
		n, released, err := store.ExpireDue(ctx, now, w.sweepLimit)
		if err != nil {
			return total, NewErrorWithCause(ErrCodeInternal, "failed to expire messages", err)
		}
		w.release(released)
		total += n
	}

	if total > 0 {
		if err := w.notificationService.NotifyMessagesExpired(ctx, total); err != nil {
			w.logger.Warnf("Failed to send expiry notification: %v", err)
		}
	}
	return total, nil
}

func (w *DeliveryWorker) release(released Released) {
	for topic, n := range released {
		w.registry.ReleaseDepth(topic, n)
	}
}

// Run starts the worker loop. It runs until the context is canceled,
// processing one batch per interval.
//
// This method blocks and should typically be run in a goroutine.
//
// Example:
//
//	go worker.Run(ctx, time.Second)
func (w *DeliveryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("Delivery worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Delivery worker stopped")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// processBatch sends a heartbeat when one is due, claims orphaned sub_keys,
// then runs one push pass and one expiry sweep.
func (w *DeliveryWorker) processBatch(ctx context.Context) {
	if now := w.now(); now.Sub(w.lastHeartbeat) >= w.heartbeatInterval {
		if err := w.admin.AnnounceServer(ctx, true); err != nil {
			w.logger.Warnf("Heartbeat failed: %v", err)
		} else {
			w.lastHeartbeat = now
		}
	}

	if _, err := w.ClaimOrphans(ctx); err != nil {
		w.logger.Errorf("Error claiming orphaned sub_keys: %v", err)
	}

	pushed, err := w.ProcessPushQueues(ctx)
	if err != nil {
		w.logger.Errorf("Error processing push queues: %v", err)
	}

	expired, err := w.CleanupExpiredItems(ctx)
	if err != nil {
		w.logger.Errorf("Error expiring messages: %v", err)
	}

	if pushed > 0 || expired > 0 {
		w.logger.Infof("Batch processed: pushed=%d, expired=%d", pushed, expired)
	}
}

// ClaimOrphans forgets servers not heard of within the server TTL and takes
// over the push sub_keys left without a live delivery server. Every process
// picks the same owner for a sub_key from the sorted live servers, so only one
// of them claims it. Nothing is claimed until this process has been running for
// one TTL, which gives live peers time to announce what they own.
// Returns the number of sub_keys taken over.
func (w *DeliveryWorker) ClaimOrphans(ctx context.Context) (int, error) {
	now := w.now()
	local := w.admin.Server()

	w.registry.ExpireServers(now.Add(-w.serverTTL), local)
	if now.Sub(w.started) < w.serverTTL {
		return 0, nil
	}

	orphans := w.registry.OrphanedSubKeys()
	if len(orphans) == 0 {
		return 0, nil
	}

	live := w.registry.LiveServers()
	if !w.registry.IsLive(local) {
		live = append(live, local)
		sortServers(live)
	}

	claimed := 0
	for _, sks := range orphans {
		if pickServer(live, sks.SubKey) != local {
			continue
		}
		if err := w.admin.ChangeDeliveryServer(ctx, sks.SubKey, sks.Server, local); err != nil {
			return claimed, err
		}
		if w.registry.OwnsSubKey(sks.SubKey, local) {
			claimed++
			w.logger.Infof("Took over sub_key `%s` from `%s`", sks.SubKey, sks.Server)
		}
	}
	return claimed, nil
}

// pickServer maps subKey onto one of servers.
func pickServer(servers []model.ServerIdentity, subKey string) model.ServerIdentity {
	return servers[xxhash.Sum64String(subKey)%uint64(len(servers))]
}

// Shutdown hands every sub_key this process delivers for to another live
// process and announces that this process is leaving. Sub_keys are released
// without a new owner when no other process is alive.
func (w *DeliveryWorker) Shutdown(ctx context.Context) error {
	local := w.admin.Server()
	owned := w.registry.SubKeysOwnedBy(local)

	var successor model.ServerIdentity
	for _, s := range w.registry.LiveServers() {
		if s != local {
			successor = s
			break
		}
	}

	if len(owned) > 0 {
		if successor.IsZero() {
			if err := w.admin.RemoveSubKeyServers(ctx, owned); err != nil {
				return err
			}
		} else {
			for _, subKey := range owned {
				if err := w.admin.ChangeDeliveryServer(ctx, subKey, local, successor); err != nil {
					return err
				}
			}
		}
		w.logger.Infof("Handed over %d sub_key(s) to `%s`", len(owned), successor)
	}

	return w.admin.AnnounceServer(ctx, false)
}

// GetRetrySchedule returns a human-readable description of the retry schedule.
func (w *DeliveryWorker) GetRetrySchedule() string {
	return w.retryStrategy.GetRetrySchedule()
}
