package settlement

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dieforward.gg/internal/deathhash"
	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/escrow/codec"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	"dieforward.gg/internal/persistence/indexdb"
	plog "dieforward.gg/internal/persistence/log"
)

// flaky wraps a ledger and fails the first n submits. When land is set the
// failing submits still reach the ledger; only the reply is lost.
type flaky struct {
	*ledger.Ledger
	fail  atomic.Int32
	land  bool
	calls atomic.Int32
}

func (f *flaky) Submit(ctx context.Context, tx *ledger.Transaction) (ledger.Receipt, error) {
	f.calls.Add(1)
	if f.fail.Add(-1) >= 0 {
		if f.land {
			_, _ = f.Ledger.Submit(ctx, tx)
		}
		return ledger.Receipt{}, context.DeadlineExceeded
	}
	return f.Ledger.Submit(ctx, tx)
}

type recordSink struct {
	mu     sync.Mutex
	events []plog.SettlementEvent
}

func (r *recordSink) WriteSettlement(e plog.SettlementEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type fixture struct {
	t        *testing.T
	l        *flaky
	program  keys.Address
	auth     *keys.PrivateKey
	treasury keys.Address
	client   *Client
	store    *indexdb.Store
	sink     *recordSink
}

func newFixture(t *testing.T, topUp uint64) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		l:        &flaky{Ledger: ledger.New(ledger.Config{})},
		program:  keys.FromSeed([]byte("settle-program")).Address(),
		auth:     keys.FromSeed([]byte("settle-authority")),
		treasury: keys.FromSeed([]byte("settle-treasury")).Address(),
		sink:     &recordSink{},
	}
	f.l.Register(f.program, escrow.NewProgram(escrow.Policy{MinStake: 1, MaxStake: math.MaxUint64}, nil))
	require.NoError(t, f.l.Airdrop(f.auth.Address(), 100*escrow.LamportsPerSOL))
	f.client = NewClient(f.l, f.program, f.auth, time.Second)

	ctx := context.Background()
	_, err := f.client.Initialize(ctx, f.treasury, 500, 5000)
	require.NoError(t, err)
	if topUp > 0 {
		_, err = f.client.TopUp(ctx, topUp)
		require.NoError(t, err)
	}

	f.store, err = indexdb.OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func (f *fixture) dispatcher(maxAttempts int) *Dispatcher {
	return NewDispatcher(Config{
		Workers:     2,
		MaxAttempts: maxAttempts,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		Sinks:       []EventSink{f.sink},
	}, f.store, f.client)
}

func run(t *testing.T, d *Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

// stake puts amount into a fresh on-chain session and records a matching
// settlement row.
func (f *fixture) stake(seed string, amount uint64, kind string, hash [32]byte) (int64, keys.Address, codec.SessionID) {
	f.t.Helper()
	player := keys.FromSeed([]byte(seed))
	require.NoError(f.t, f.l.Airdrop(player.Address(), 10*escrow.LamportsPerSOL))
	var sid codec.SessionID
	copy(sid[:], seed)

	tx := ledger.NewTransaction(escrow.BuildStake(f.program, player.Address(), f.treasury, amount, sid))
	require.NoError(f.t, tx.Sign(player))
	_, err := f.l.Ledger.Submit(context.Background(), tx)
	require.NoError(f.t, err)

	ctx := context.Background()
	row := indexdb.SessionRow{
		Token:         seed,
		SessionID:     hex.EncodeToString(sid[:]),
		Wallet:        player.Address().String(),
		StakeLamports: amount,
		Escrowed:      true,
		Phase:         "explore",
		Zone:          "THE GATE",
		Room:          1,
		Run:           json.RawMessage(`{}`),
	}
	require.NoError(f.t, f.store.InsertSession(ctx, row))
	st := &indexdb.SettlementRow{
		SessionID: row.SessionID,
		Kind:      kind,
		Status:    StatusPending,
		Wallet:    row.Wallet,
		StakeOwed: amount,
	}
	if kind == KindDeath {
		st.DeathHash = hex.EncodeToString(hash[:])
		row.Phase = "dead"
	} else {
		st.BonusOwed = amount / 2
		row.Phase = "won"
	}
	id, err := f.store.CommitEnding(ctx, row, nil, st)
	require.NoError(f.t, err)
	return id, player.Address(), sid
}

func (f *fixture) waitStatus(id int64, pred func(indexdb.SettlementRow) bool) indexdb.SettlementRow {
	f.t.Helper()
	var last indexdb.SettlementRow
	require.Eventually(f.t, func() bool {
		r, err := f.store.GetSettlement(context.Background(), id)
		if err != nil {
			return false
		}
		last = r
		return pred(r)
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func paid(r indexdb.SettlementRow) bool { return r.Status == StatusPaid }

func TestDispatcher_VictoryPaysStakeAndBonus(t *testing.T) {
	f := newFixture(t, escrow.LamportsPerSOL)
	id, player, sid := f.stake("victor", 100_000_000, KindVictory, [32]byte{})
	before, _ := f.l.Account(player)

	d := f.dispatcher(3)
	run(t, d)
	d.Enqueue(id)

	row := f.waitStatus(id, paid)
	require.NotEmpty(t, row.TxID)
	require.Equal(t, 1, row.Attempts)

	after, _ := f.l.Account(player)
	require.Equal(t, before.Lamports+150_000_000, after.Lamports)
	s, ok, err := f.client.Session(player, sid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, escrow.StatusWon, s.Status())
}

func TestDispatcher_DeathRecordsHash(t *testing.T) {
	f := newFixture(t, escrow.LamportsPerSOL)
	hash := deathhash.Hash(deathhash.Tuple{Wallet: "w", Zone: "THE GATE", Room: 3, FinalMessage: "bye", StakeAmount: 5, TimestampMillis: 1})
	id, player, sid := f.stake("fallen", 50_000_000, KindDeath, hash)

	d := f.dispatcher(3)
	run(t, d)
	d.Enqueue(id)
	f.waitStatus(id, paid)

	s, ok, err := f.client.Session(player, sid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, escrow.StatusDead, s.Status())
	got, has := s.DeathHash()
	require.True(t, has)
	require.Equal(t, hash, got)
}

func TestDispatcher_RetriesTransportFailures(t *testing.T) {
	f := newFixture(t, escrow.LamportsPerSOL)
	id, _, _ := f.stake("retry", 10_000_000, KindVictory, [32]byte{})
	f.l.fail.Store(2)

	d := f.dispatcher(5)
	run(t, d)
	d.Enqueue(id)

	row := f.waitStatus(id, paid)
	require.Equal(t, 3, row.Attempts)
	require.Empty(t, row.LastError)
	require.Equal(t, uint64(2), d.Stats().Retries)
}

func TestDispatcher_CapsAttemptsThenOperatorRetry(t *testing.T) {
	f := newFixture(t, escrow.LamportsPerSOL)
	id, _, _ := f.stake("capped", 10_000_000, KindVictory, [32]byte{})
	f.l.fail.Store(1000)
	f.l.calls.Store(0)

	d := f.dispatcher(3)
	run(t, d)
	d.Enqueue(id)

	row := f.waitStatus(id, func(r indexdb.SettlementRow) bool { return r.Status == StatusFailed })
	require.Equal(t, 3, row.Attempts)
	require.Contains(t, row.LastError, ErrLedgerTransport.Error())
	require.Equal(t, int32(3), f.l.calls.Load())

	f.l.fail.Store(0)
	_, err := d.Retry(context.Background(), id)
	require.NoError(t, err)
	row = f.waitStatus(id, paid)
	require.Equal(t, 1, row.Attempts)

	_, err = d.Retry(context.Background(), id)
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestDispatcher_LostReplyIsReconciled(t *testing.T) {
	f := newFixture(t, escrow.LamportsPerSOL)
	hash := [32]byte{7}
	id, _, _ := f.stake("lost-reply", 10_000_000, KindDeath, hash)
	f.l.land = true
	f.l.fail.Store(1)

	d := f.dispatcher(5)
	run(t, d)
	d.Enqueue(id)

	row := f.waitStatus(id, paid)
	require.Equal(t, 2, row.Attempts)
	require.False(t, row.NeedsReconciliation)
}

func TestDispatcher_PoolShortfallNeedsReconciliation(t *testing.T) {
	// Enough to cover the stake fee and nothing more.
	f := newFixture(t, 5_000_000)
	id, player, sid := f.stake("short", 100_000_000, KindVictory, [32]byte{})

	d := f.dispatcher(5)
	run(t, d)
	d.Enqueue(id)

	row := f.waitStatus(id, func(r indexdb.SettlementRow) bool { return r.NeedsReconciliation })
	require.Equal(t, StatusPending, row.Status)
	require.Equal(t, 1, row.Attempts)
	require.Contains(t, row.LastError, "InsufficientPoolFunds")

	s, ok, err := f.client.Session(player, sid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, escrow.StatusActive, s.Status())

	// Operator tops up the pool and retries.
	_, err = f.client.TopUp(context.Background(), escrow.LamportsPerSOL)
	require.NoError(t, err)
	_, err = d.Retry(context.Background(), id)
	require.NoError(t, err)
	f.waitStatus(id, paid)
}

func TestDispatcher_ConflictingOutcomeNeedsReconciliation(t *testing.T) {
	f := newFixture(t, escrow.LamportsPerSOL)
	id, player, sid := f.stake("conflict", 10_000_000, KindVictory, [32]byte{})
	_, err := f.client.RecordDeath(context.Background(), player, sid, [32]byte{1})
	require.NoError(t, err)

	d := f.dispatcher(5)
	run(t, d)
	d.Enqueue(id)

	row := f.waitStatus(id, func(r indexdb.SettlementRow) bool { return r.NeedsReconciliation })
	require.Equal(t, StatusPending, row.Status)
	require.Contains(t, row.LastError, "InvalidSessionState")
}

func TestDispatcher_ReloadsPendingOnStart(t *testing.T) {
	f := newFixture(t, escrow.LamportsPerSOL)
	id, _, _ := f.stake("reload", 10_000_000, KindVictory, [32]byte{})

	run(t, f.dispatcher(3))
	f.waitStatus(id, paid)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.NotEmpty(t, f.sink.events)
	last := f.sink.events[len(f.sink.events)-1]
	require.Equal(t, id, last.ID)
	require.Equal(t, StatusPaid, last.Status)
}

type stallLedger struct{ *ledger.Ledger }

func (stallLedger) Submit(ctx context.Context, _ *ledger.Transaction) (ledger.Receipt, error) {
	<-ctx.Done()
	return ledger.Receipt{}, ctx.Err()
}

func TestClient_TimeoutIsTransportFailure(t *testing.T) {
	l := stallLedger{ledger.New(ledger.Config{})}
	c := NewClient(l, keys.FromSeed([]byte("p")).Address(), keys.FromSeed([]byte("a")), 10*time.Millisecond)
	start := time.Now()
	_, err := c.ClaimVictory(context.Background(), keys.FromSeed([]byte("x")).Address(), codec.SessionID{})
	require.ErrorIs(t, err, ErrLedgerTransport)
	require.Less(t, time.Since(start), time.Second)
}

func TestClient_PoolView(t *testing.T) {
	f := newFixture(t, 2*escrow.LamportsPerSOL)
	v, err := f.client.Pool()
	require.NoError(t, err)
	require.Equal(t, uint64(2*escrow.LamportsPerSOL), v.Settleable)
	require.Equal(t, uint16(5000), v.Pool.BonusBps)
	require.Equal(t, f.auth.Address(), v.Pool.Authority)
}
