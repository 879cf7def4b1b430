package relica

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
	"github.com/coregx/relica"
)

const (
	// DefaultPollInterval is how often subscribers look for new journal rows.
	DefaultPollInterval = 250 * time.Millisecond

	journalBatch = 100

	// journalGapWindow is how many ids below the newest row seen are scanned
	// again on every poll. Auto-increment ids are handed out before commit, so
	// a row can become visible after rows with higher ids.
	journalGapWindow = 256
)

// journalEntry is one row of the control-plane journal.
type journalEntry struct {
	ID         int64     `db:"id"`
	MsgID      string    `db:"msg_id"`
	Command    string    `db:"command"`
	OriginName string    `db:"origin_name"`
	OriginPID  int       `db:"origin_pid"`
	Payload    string    `db:"payload"`
	CreatedAt  time.Time `db:"created_at"`
}

func (e journalEntry) message() pubsub.ControlMessage {
	return pubsub.ControlMessage{
		ID:        e.MsgID,
		Command:   pubsub.Command(e.Command),
		Origin:    model.ServerIdentity{Name: e.OriginName, PID: e.OriginPID},
		CreatedAt: e.CreatedAt,
		Payload:   json.RawMessage(e.Payload),
	}
}

// Broker implements pubsub.Broker on a shared journal table. Publish appends
// a row; every subscriber polls for rows it has not delivered yet, looking a
// fixed number of ids back so rows that commit out of id order still arrive.
type Broker struct {
	db           *relica.DB
	tablePrefix  string
	pollInterval time.Duration
	logger       pubsub.Logger

	mu     sync.Mutex
	pinned *journalPosition
}

// journalPosition is how far a subscriber has read: the highest id delivered
// and every id delivered within the gap window below it.
type journalPosition struct {
	high int64
	seen map[int64]struct{}
}

func (p *journalPosition) floor() int64 {
	return max(p.high-journalGapWindow, 0)
}

func (p *journalPosition) mark(id int64) {
	p.seen[id] = struct{}{}
	if id > p.high {
		p.high = id
	}
}

func (p *journalPosition) forgetBelowWindow() {
	floor := p.floor()
	for id := range p.seen {
		if id <= floor {
			delete(p.seen, id)
		}
	}
}

// NewBroker creates a journal broker with the default table prefix.
func NewBroker(sqlDB *sql.DB, driverName string, pollInterval time.Duration, logger pubsub.Logger) *Broker {
	return NewBrokerWithPrefix(sqlDB, driverName, model.DefaultTablePrefix, pollInterval, logger)
}

// NewBrokerWithPrefix creates a journal broker with a custom table prefix.
func NewBrokerWithPrefix(sqlDB *sql.DB, driverName, prefix string, pollInterval time.Duration, logger pubsub.Logger) *Broker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = &pubsub.NoopLogger{}
	}
	return &Broker{
		db:           relica.WrapDB(sqlDB, driverName),
		tablePrefix:  prefix,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (b *Broker) tableName() string {
	return b.tablePrefix + "control_journal"
}

// Publish appends msg to the journal.
func (b *Broker) Publish(ctx context.Context, msg pubsub.ControlMessage) error {
	entry := journalEntry{
		MsgID:      msg.ID,
		Command:    string(msg.Command),
		OriginName: msg.Origin.Name,
		OriginPID:  msg.Origin.PID,
		Payload:    string(msg.Payload),
		CreatedAt:  msg.CreatedAt,
	}
	if err := b.db.WithContext(ctx).Model(&entry).Table(b.tableName()).Insert(); err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeBroker, "failed to append control message", err)
	}
	return nil
}

func (b *Broker) lastID(ctx context.Context) (int64, error) {
	var id int64
	err := b.db.WithContext(ctx).Select("COALESCE(MAX(id), 0)").From(b.tableName()).One(&id)
	if err != nil {
		return 0, pubsub.NewErrorWithCause(pubsub.ErrCodeBroker, "failed to read journal position", err)
	}
	return id, nil
}

func (b *Broker) readAfter(ctx context.Context, cursor int64) ([]journalEntry, error) {
	var rows []journalEntry
	err := b.db.WithContext(ctx).Select("*").From(b.tableName()).
		Where("id > ?", cursor).
		OrderBy("id ASC").
		Limit(journalBatch).
		All(&rows)
	if err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeBroker, "failed to read journal", err)
	}
	return rows, nil
}

// position captures the current end of the journal. Rows already visible in
// the gap window count as seen, so only rows committed afterwards are delivered.
func (b *Broker) position(ctx context.Context) (*journalPosition, error) {
	high, err := b.lastID(ctx)
	if err != nil {
		return nil, err
	}
	pos := &journalPosition{high: high, seen: map[int64]struct{}{}}
	cursor := pos.floor()
	for {
		rows, err := b.readAfter(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			cursor = row.ID
			if row.ID <= high {
				pos.seen[row.ID] = struct{}{}
			}
		}
		if len(rows) < journalBatch || cursor >= high {
			return pos, nil
		}
	}
}

// Pin fixes the position the next Subscribe starts from. Call it before
// loading state from the database so that changes committed while loading
// are delivered rather than lost.
func (b *Broker) Pin(ctx context.Context) error {
	pos, err := b.position(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.pinned = pos
	b.mu.Unlock()
	return nil
}

func (b *Broker) startPosition(ctx context.Context) *journalPosition {
	b.mu.Lock()
	pos := b.pinned
	b.pinned = nil
	b.mu.Unlock()
	if pos != nil {
		return pos
	}

	pos, err := b.position(ctx)
	if err != nil {
		b.logger.Errorf("Journal subscriber starts from the beginning: %v", err)
		return &journalPosition{seen: map[int64]struct{}{}}
	}
	return pos
}

// Subscribe starts polling from the pinned position, or from the current end
// of the journal when nothing was pinned.
func (b *Broker) Subscribe(ctx context.Context) (<-chan pubsub.ControlMessage, func()) {
	ch := make(chan pubsub.ControlMessage, journalBatch)
	ctx, cancel := context.WithCancel(ctx)

	pos := b.startPosition(ctx)

	var once sync.Once
	stop := func() { once.Do(cancel) }

	go func() {
		defer close(ch)

		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if !b.poll(ctx, pos, ch) {
				return
			}
		}
	}()

	return ch, stop
}

// poll delivers every unseen row above the gap window floor. It returns false
// once ctx is done.
func (b *Broker) poll(ctx context.Context, pos *journalPosition, ch chan<- pubsub.ControlMessage) bool {
	cursor := pos.floor()
	for {
		rows, err := b.readAfter(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			b.logger.Warnf("Journal poll failed: %v", err)
			return true
		}
		for _, row := range rows {
			cursor = row.ID
			if _, ok := pos.seen[row.ID]; ok {
				continue
			}
			if row.ID <= pos.floor() {
				b.logger.Warnf("Journal row %d (%s) became visible too late and is skipped", row.ID, row.Command)
				continue
			}
			select {
			case ch <- row.message():
				pos.mark(row.ID)
			case <-ctx.Done():
				return false
			}
		}
		if len(rows) < journalBatch {
			break
		}
	}
	pos.forgetBelowWindow()
	return true
}

// Prune deletes journal rows created before cutoff and returns how many went.
func (b *Broker) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	var rows []journalEntry
	err := b.db.WithContext(ctx).Select("*").From(b.tableName()).
		Where("created_at < ?", cutoff).
		OrderBy("id ASC").
		Limit(1000).
		All(&rows)
	if err != nil {
		return 0, pubsub.NewErrorWithCause(pubsub.ErrCodeBroker, "failed to find old journal rows", err)
	}

	for i := range rows {
		if err := b.db.WithContext(ctx).Model(&rows[i]).Table(b.tableName()).Delete(); err != nil {
			return i, pubsub.NewErrorWithCause(pubsub.ErrCodeBroker, "failed to prune journal", err)
		}
	}
	return len(rows), nil
}
