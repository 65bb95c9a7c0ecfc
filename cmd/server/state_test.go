package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/slog"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	plog "dieforward.gg/internal/persistence/log"
	"dieforward.gg/internal/settlement"
	"dieforward.gg/internal/tuning"
)

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate go.mod from %s", dir)
		}
		dir = parent
	}
}

func newLedger() *ledger.Ledger {
	l := ledger.New(ledger.Config{})
	l.Register(escrow.DefaultProgramID, escrow.NewProgram(escrow.DefaultPolicy(), nil))
	return l
}

func TestRestoreReplaysPastSnapshot(t *testing.T) {
	dataDir := t.TempDir()
	txLog := plog.NewTxLogger(dataDir)

	l := newLedger()
	l.SetSink(txLog)
	a := keys.FromSeed([]byte("restore-a")).Address()
	b := keys.FromSeed([]byte("restore-b")).Address()
	for _, amt := range []uint64{100, 200, 300} {
		if err := l.Airdrop(a, amt); err != nil {
			t.Fatalf("airdrop: %v", err)
		}
	}
	snaps := &snapshotter{ledger: l, programID: escrow.DefaultProgramID, dataDir: dataDir, log: slog.Disabled}
	h, err := snaps.Take(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if h.Slot != 3 {
		t.Fatalf("snapshot slot: %d", h.Slot)
	}
	if err := l.Airdrop(b, 7); err != nil {
		t.Fatal(err)
	}
	if err := l.Airdrop(a, 1); err != nil {
		t.Fatal(err)
	}
	if err := txLog.Close(); err != nil {
		t.Fatalf("close tx log: %v", err)
	}

	restored := newLedger()
	info, err := restoreLedger(restored, dataDir, "", true, escrow.DefaultProgramID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if info.Snapshot == "" || info.Replayed != 2 {
		t.Fatalf("restore info: %+v", info)
	}
	if restored.Slot() != l.Slot() || restored.Digest() != l.Digest() {
		t.Fatalf("restored slot %d digest %s, want %d %s", restored.Slot(), restored.Digest(), l.Slot(), l.Digest())
	}

	// Without the snapshot the whole log replays from genesis.
	fromLog := newLedger()
	info, err = restoreLedger(fromLog, dataDir, "", false, escrow.DefaultProgramID)
	if err != nil {
		t.Fatalf("restore from log: %v", err)
	}
	if info.Replayed != 5 || fromLog.Digest() != l.Digest() {
		t.Fatalf("log-only restore: %+v", info)
	}

	other := keys.FromSeed([]byte("other-program")).Address()
	if _, err := restoreLedger(newLedger(), dataDir, "", true, other); err == nil {
		t.Fatalf("snapshot of another program accepted")
	}
}

func TestEnsurePoolSeedsDevPool(t *testing.T) {
	l := newLedger()
	tune := tuning.Defaults()
	client := settlement.NewClient(l, escrow.DefaultProgramID, keys.FromSeed([]byte("pool-authority")), time.Second)
	treasury := keys.FromSeed([]byte("pool-treasury")).Address()

	if err := ensurePool(context.Background(), l, client, treasury, tune, true); err != nil {
		t.Fatalf("ensurePool: %v", err)
	}
	v, err := client.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if v.Settleable != tune.Escrow.PoolSeedLamports {
		t.Fatalf("settleable %d, want %d", v.Settleable, tune.Escrow.PoolSeedLamports)
	}
	if v.Pool.FeeBps != tune.Escrow.FeeBps || v.Pool.Treasury != treasury {
		t.Fatalf("pool config: %+v", v.Pool)
	}

	slot := l.Slot()
	if err := ensurePool(context.Background(), l, client, treasury, tune, true); err != nil {
		t.Fatalf("second ensurePool: %v", err)
	}
	if l.Slot() != slot {
		t.Fatalf("existing pool touched: slot %d -> %d", slot, l.Slot())
	}
}

func TestLoadIdentity(t *testing.T) {
	t.Setenv("DF_AUTHORITY_KEY", "")
	t.Setenv("DF_TREASURY", "")
	t.Setenv("DF_PROGRAM_ID", "")

	id, err := loadIdentity(true)
	if err != nil {
		t.Fatalf("dev identity: %v", err)
	}
	if id.program != escrow.DefaultProgramID || id.authority == nil {
		t.Fatalf("dev identity: %+v", id)
	}
	if _, err := loadIdentity(false); err == nil {
		t.Fatalf("production identity without keys accepted")
	}

	t.Setenv("DF_TREASURY", "not-an-address")
	if _, err := loadIdentity(true); err == nil {
		t.Fatalf("bad treasury accepted")
	}
}

func TestRepoTuningLoads(t *testing.T) {
	tune, err := tuning.Load(filepath.Join(findRepoRoot(t), "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	if tune.Escrow.FeeBps == 0 || len(tune.Escrow.ValidStakes) == 0 {
		t.Fatalf("tuning: %+v", tune.Escrow)
	}
}
