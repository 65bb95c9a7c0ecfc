package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/escrow/codec"
	"dieforward.gg/internal/ledger/keys"
	"dieforward.gg/internal/persistence/indexdb"
	plog "dieforward.gg/internal/persistence/log"
)

const (
	KindDeath   = "death"
	KindVictory = "victory"

	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusFailed  = "failed"
)

var ErrNotRetryable = errors.New("settlement is not retryable")

// Store is the durable half of the queue.
type Store interface {
	GetSettlement(ctx context.Context, id int64) (indexdb.SettlementRow, error)
	UpdateSettlement(ctx context.Context, r indexdb.SettlementRow) error
	ListSettlements(ctx context.Context, f indexdb.SettlementFilter) ([]indexdb.SettlementRow, error)
}

// EventSink receives every settlement transition.
type EventSink interface {
	WriteSettlement(plog.SettlementEvent) error
}

type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Sweep re-reads the store for pending rows that missed the channel.
	Sweep time.Duration
	Clock func() time.Time
	Log   slog.Logger
	Sinks []EventSink
}

type Stats struct {
	Paid       uint64 `json:"paid"`
	Failed     uint64 `json:"failed"`
	Reconcile  uint64 `json:"reconcile"`
	Retries    uint64 `json:"retries"`
	QueueDepth int    `json:"queue_depth"`
}

// Dispatcher settles queued sessions with a fixed pool of workers. Each
// settlement runs to paid, failed, or pending-with-reconciliation; nothing is
// retried without bound.
type Dispatcher struct {
	cfg    Config
	store  Store
	client *Client
	queue  chan int64

	mu sync.Mutex
	// inflight holds queued or running ids; true requests another pass.
	inflight map[int64]bool

	paid, failed, reconcile, retries atomic.Uint64
}

func NewDispatcher(cfg Config, store Store, client *Client) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		client:   client,
		queue:    make(chan int64, cfg.QueueSize),
		inflight: map[int64]bool{},
	}
}

// Enqueue schedules settlement id. A full queue is not an error: the row is
// already durable and the next sweep picks it up. Enqueueing an id that is
// already queued or running schedules one more pass after the current one.
func (d *Dispatcher) Enqueue(id int64) {
	d.mu.Lock()
	if _, busy := d.inflight[id]; busy {
		d.inflight[id] = true
		d.mu.Unlock()
		return
	}
	d.inflight[id] = false
	d.mu.Unlock()
	d.push(id)
}

func (d *Dispatcher) push(id int64) {
	select {
	case d.queue <- id:
	default:
		d.mu.Lock()
		delete(d.inflight, id)
		d.mu.Unlock()
		d.cfg.Log.Warnf("settlement queue full; %d deferred to sweep", id)
	}
}

func (d *Dispatcher) release(id int64) {
	d.mu.Lock()
	again := d.inflight[id]
	if again {
		d.inflight[id] = false
	} else {
		delete(d.inflight, id)
	}
	d.mu.Unlock()
	if again {
		d.push(id)
	}
}

// Run reloads pending work and processes the queue until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.sweep(ctx); err != nil {
		return fmt.Errorf("reload settlements: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-d.queue:
					d.process(gctx, id)
					d.release(id)
				}
			}
		})
	}
	g.Go(func() error {
		t := time.NewTicker(d.cfg.Sweep)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if err := d.sweep(gctx); err != nil && gctx.Err() == nil {
					d.cfg.Log.Warnf("settlement sweep: %v", err)
				}
			}
		}
	})
	return g.Wait()
}

func (d *Dispatcher) sweep(ctx context.Context) error {
	no := false
	rows, err := d.store.ListSettlements(ctx, indexdb.SettlementFilter{Status: StatusPending, Reconcile: &no})
	if err != nil {
		return err
	}
	for _, r := range rows {
		d.Enqueue(r.ID)
	}
	if len(rows) > 0 {
		d.cfg.Log.Debugf("sweep queued %d pending settlements", len(rows))
	}
	return nil
}

// Retry is the operator path: it clears the reconciliation flag on a pending
// or failed settlement and queues it with a fresh attempt budget.
func (d *Dispatcher) Retry(ctx context.Context, id int64) (indexdb.SettlementRow, error) {
	row, err := d.store.GetSettlement(ctx, id)
	if err != nil {
		return row, err
	}
	if row.Status == StatusPaid {
		return row, fmt.Errorf("%w: %d is already paid", ErrNotRetryable, id)
	}
	row.Status = StatusPending
	row.NeedsReconciliation = false
	row.Attempts = 0
	row.UpdatedAt = d.cfg.Clock().UnixMilli()
	if err := d.store.UpdateSettlement(ctx, row); err != nil {
		return row, err
	}
	d.emit(row)
	d.Enqueue(id)
	return row, nil
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Paid:       d.paid.Load(),
		Failed:     d.failed.Load(),
		Reconcile:  d.reconcile.Load(),
		Retries:    d.retries.Load(),
		QueueDepth: len(d.queue),
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.BackoffBase
	for i := 1; i < attempt && b < d.cfg.BackoffMax; i++ {
		b *= 2
	}
	return min(b, d.cfg.BackoffMax)
}

func (d *Dispatcher) process(ctx context.Context, id int64) {
	row, err := d.store.GetSettlement(ctx, id)
	if err != nil {
		d.cfg.Log.Errorf("settlement %d: load: %v", id, err)
		return
	}
	for row.Status == StatusPending && !row.NeedsReconciliation {
		row.Attempts++
		txID, err := d.attempt(ctx, row)
		if ctx.Err() != nil {
			// Shutdown mid-attempt: leave the row for the next start.
			return
		}
		row.UpdatedAt = d.cfg.Clock().UnixMilli()
		switch {
		case err == nil:
			row.Status = StatusPaid
			row.TxID = txID
			row.LastError = ""
			d.paid.Add(1)
			d.cfg.Log.Infof("settlement %d (%s) paid in tx %s", row.ID, row.Kind, txID)
		case errors.Is(err, ErrLedgerTransport):
			row.LastError = err.Error()
			if row.Attempts >= d.cfg.MaxAttempts {
				row.Status = StatusFailed
				d.failed.Add(1)
				d.cfg.Log.Warnf("settlement %d failed after %d attempts: %v", row.ID, row.Attempts, err)
			} else {
				d.retries.Add(1)
			}
		case errors.Is(err, escrow.ErrInvalidSessionState):
			d.reconcileState(&row, err)
		default:
			row.LastError = err.Error()
			row.NeedsReconciliation = true
			d.reconcile.Add(1)
			d.cfg.Log.Warnf("settlement %d needs reconciliation: %v", row.ID, err)
		}
		if err := d.store.UpdateSettlement(ctx, row); err != nil {
			d.cfg.Log.Errorf("settlement %d: save: %v", row.ID, err)
			return
		}
		d.emit(row)

		if row.Status == StatusPending && !row.NeedsReconciliation {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.backoff(row.Attempts)):
			}
		}
	}
}

// reconcileState handles a rejected settle: if the session already holds the
// outcome we were writing, an earlier attempt landed and its reply was lost.
func (d *Dispatcher) reconcileState(row *indexdb.SettlementRow, cause error) {
	t, err := decodeTarget(*row)
	if err == nil {
		var sess *escrow.Session
		var ok bool
		sess, ok, err = d.client.Session(t.player, t.id)
		if err == nil && ok && settledAs(sess, row.Kind, t.hash) {
			row.Status = StatusPaid
			row.LastError = ""
			d.paid.Add(1)
			d.cfg.Log.Infof("settlement %d already applied on ledger (%s)", row.ID, sess.Status())
			return
		}
	}
	row.LastError = cause.Error()
	row.NeedsReconciliation = true
	d.reconcile.Add(1)
	d.cfg.Log.Warnf("settlement %d needs reconciliation: %v", row.ID, cause)
}

func settledAs(s *escrow.Session, kind string, hash [codec.HashSize]byte) bool {
	switch kind {
	case KindDeath:
		h, ok := s.DeathHash()
		return s.Status() == escrow.StatusDead && ok && h == hash
	case KindVictory:
		return s.Status() == escrow.StatusWon
	}
	return false
}

type target struct {
	player keys.Address
	id     codec.SessionID
	hash   [codec.HashSize]byte
}

func decodeTarget(r indexdb.SettlementRow) (target, error) {
	var t target
	player, err := keys.ParseAddress(r.Wallet)
	if err != nil {
		return t, err
	}
	t.player = player
	raw, err := hex.DecodeString(r.SessionID)
	if err != nil || len(raw) != codec.SessionIDSize {
		return t, fmt.Errorf("bad session id %q", r.SessionID)
	}
	copy(t.id[:], raw)
	if r.Kind == KindDeath {
		h, err := hex.DecodeString(r.DeathHash)
		if err != nil || len(h) != codec.HashSize {
			return t, fmt.Errorf("bad death hash %q", r.DeathHash)
		}
		copy(t.hash[:], h)
	}
	return t, nil
}

func (d *Dispatcher) attempt(ctx context.Context, r indexdb.SettlementRow) (string, error) {
	t, err := decodeTarget(r)
	if err != nil {
		return "", err
	}
	switch r.Kind {
	case KindDeath:
		rc, err := d.client.RecordDeath(ctx, t.player, t.id, t.hash)
		return rc.TxID, err
	case KindVictory:
		rc, err := d.client.ClaimVictory(ctx, t.player, t.id)
		return rc.TxID, err
	}
	return "", fmt.Errorf("unknown settlement kind %q", r.Kind)
}

func (d *Dispatcher) emit(r indexdb.SettlementRow) {
	ev := plog.SettlementEvent{
		UnixMS:    r.UpdatedAt,
		ID:        r.ID,
		SessionID: r.SessionID,
		Kind:      r.Kind,
		Attempt:   r.Attempts,
		Status:    r.Status,
		Reconcile: r.NeedsReconciliation,
		TxID:      r.TxID,
		Error:     r.LastError,
	}
	for _, s := range d.cfg.Sinks {
		if err := s.WriteSettlement(ev); err != nil {
			d.cfg.Log.Warnf("settlement log write: %v", err)
		}
	}
}
