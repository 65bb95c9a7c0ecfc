package indexdb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dieforward.gg/internal/ledger"
	plog "dieforward.gg/internal/persistence/log"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSession(token string) SessionRow {
	return SessionRow{
		Token:         token,
		SessionID:     "sid-" + token,
		Wallet:        "wallet",
		PlayerName:    "ash",
		StakeLamports: 10_000_000,
		Escrowed:      true,
		Seed:          42,
		Phase:         "explore",
		Zone:          "THE GATE",
		Room:          1,
		Run:           json.RawMessage(`{"room":1}`),
		CreatedAt:     1000,
		UpdatedAt:     1000,
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	row := testSession("t1")
	if err := s.InsertSession(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}
	row.Room = 4
	row.Phase = "combat"
	row.StakeConfirmed = true
	row.Run = json.RawMessage(`{"room":4}`)
	row.UpdatedAt = 2000
	if err := s.UpdateSession(ctx, row); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetSession(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Room != 4 || got.Phase != "combat" || !got.StakeConfirmed || !got.Escrowed {
		t.Fatalf("unexpected row: %+v", got)
	}
	if string(got.Run) != `{"room":4}` {
		t.Fatalf("run json: %s", got.Run)
	}
	byID, err := s.GetSessionByID(ctx, "sid-t1")
	if err != nil || byID.Token != "t1" {
		t.Fatalf("by id: %+v %v", byID, err)
	}

	if err := s.UpdateSession(ctx, testSession("ghost")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
}

func TestStore_CommitEndingIsOncePerSession(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	row := testSession("t2")
	if err := s.InsertSession(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}

	row.Phase = "dead"
	row.DeathHash = "ab"
	row.FinalMessage = "bye"
	corpse := &CorpseRow{ID: "c1", SessionID: row.SessionID, Zone: row.Zone, Room: 3, PlayerName: "ash", Wallet: "wallet", FinalMessage: "bye", DeathHash: "ab", CreatedAt: 5}
	st := &SettlementRow{SessionID: row.SessionID, Kind: "death", Status: "pending", Wallet: "wallet", StakeOwed: 0, DeathHash: "ab", CreatedAt: 5, UpdatedAt: 5}
	id, err := s.CommitEnding(ctx, row, corpse, st)
	if err != nil || id == 0 {
		t.Fatalf("commit: id=%d err=%v", id, err)
	}

	row.FinalMessage = "again"
	if _, err := s.CommitEnding(ctx, row, nil, st); !errors.Is(err, ErrDuplicateSettlement) {
		t.Fatalf("expected duplicate settlement, got %v", err)
	}
	got, _ := s.GetSession(ctx, "t2")
	if got.FinalMessage != "bye" {
		t.Fatalf("failed commit leaked session update: %q", got.FinalMessage)
	}

	corpses, err := s.Corpses(ctx, "THE GATE", 3, 10)
	if err != nil || len(corpses) != 1 || corpses[0].FinalMessage != "bye" {
		t.Fatalf("corpses: %+v %v", corpses, err)
	}
	if other, _ := s.Corpses(ctx, "THE GATE", 4, 10); len(other) != 0 {
		t.Fatalf("expected no corpses in room 4: %+v", other)
	}
	if all, _ := s.Corpses(ctx, "THE GATE", 0, 10); len(all) != 1 {
		t.Fatalf("zone listing: %+v", all)
	}
}

func TestStore_SettlementUpdatesAndFilters(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for _, tok := range []string{"a", "b"} {
		row := testSession(tok)
		if err := s.InsertSession(ctx, row); err != nil {
			t.Fatalf("insert: %v", err)
		}
		row.Phase = "won"
		if _, err := s.CommitEnding(ctx, row, nil, &SettlementRow{SessionID: row.SessionID, Kind: "victory", Status: "pending", Wallet: "w", StakeOwed: 100, BonusOwed: 50}); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	a, err := s.SettlementForSession(ctx, "sid-a")
	if err != nil {
		t.Fatalf("by session: %v", err)
	}
	if a.StakeOwed != 100 || a.BonusOwed != 50 {
		t.Fatalf("amounts: %+v", a)
	}
	a.Status = "pending"
	a.NeedsReconciliation = true
	a.Attempts = 1
	a.LastError = "InsufficientPoolFunds"
	if err := s.UpdateSettlement(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}

	yes, no := true, false
	recon, _ := s.ListSettlements(ctx, SettlementFilter{Status: "pending", Reconcile: &yes})
	if len(recon) != 1 || recon[0].ID != a.ID {
		t.Fatalf("reconcile filter: %+v", recon)
	}
	queued, _ := s.ListSettlements(ctx, SettlementFilter{Status: "pending", Reconcile: &no})
	if len(queued) != 1 || queued[0].SessionID != "sid-b" {
		t.Fatalf("queue filter: %+v", queued)
	}
	if _, err := s.GetSettlement(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_IndexesLedgerTxs(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		_ = s.WriteTx(ledger.TxLogEntry{Kind: ledger.EntryTx, Slot: i, TxID: "tx", Digest: "d", UnixMS: int64(i)})
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	rows, err := s.RecentTxs(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 3 || rows[0].Slot != 5 || rows[2].Slot != 3 {
		t.Fatalf("recent rows: %+v", rows)
	}
}

func TestStore_QueueDropStats(t *testing.T) {
	s := &Store{ch: make(chan req, 1)}
	s.ch <- req{entry: ledger.TxLogEntry{Slot: 1}}

	_ = s.WriteTx(ledger.TxLogEntry{Slot: 2})
	_ = s.WriteTx(ledger.TxLogEntry{Slot: 3})

	st := s.Stats()
	if st.DropTxTotal != 2 {
		t.Fatalf("DropTxTotal=%d want=2", st.DropTxTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestD1Index_RetainsBatchOnFlushFailure(t *testing.T) {
	var mu sync.Mutex
	reqCount := 0
	kinds := map[string]int{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqCount++
		thisReq := reqCount
		mu.Unlock()

		if thisReq <= 3 {
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		if r.Header.Get("x-df-index-token") != "secret" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}

		var body struct {
			Events []d1Event `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		for _, ev := range body.Events {
			kinds[ev.Kind]++
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	idx, err := OpenD1(D1Config{
		Endpoint:      srv.URL,
		Token:         "secret",
		Deployment:    "dev",
		BatchSize:     1,
		FlushInterval: 20 * time.Millisecond,
		HTTPTimeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("OpenD1: %v", err)
	}
	defer func() { _ = idx.Close() }()

	_ = idx.WriteTx(ledger.TxLogEntry{Kind: ledger.EntryTx, Slot: 9, Digest: "abc"})
	_ = idx.WriteSettlement(plog.SettlementEvent{ID: 1, Kind: "death", Status: "paid"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := kinds["tx"] >= 1 && kinds["settlement"] >= 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if kinds["tx"] < 1 || kinds["settlement"] < 1 {
		t.Fatalf("expected retained batch to be delivered; kinds=%v reqCount=%d", kinds, reqCount)
	}
	st := idx.Stats()
	if st.FlushFailTotal == 0 {
		t.Fatalf("expected flush failures to be recorded")
	}
	if st.QueueDroppedTotal != 0 {
		t.Fatalf("unexpected queue drops: %d", st.QueueDroppedTotal)
	}
}

func TestOpenD1_RequiresEndpoint(t *testing.T) {
	if _, err := OpenD1(D1Config{Deployment: "dev"}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	if _, err := OpenD1(D1Config{Endpoint: "http://x"}); err == nil {
		t.Fatalf("expected error for empty deployment")
	}
}
