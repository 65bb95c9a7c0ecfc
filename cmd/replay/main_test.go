package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	plog "dieforward.gg/internal/persistence/log"
	"dieforward.gg/internal/persistence/snapshot"
	"dieforward.gg/internal/settlement"
)

type recorder struct{ entries []ledger.TxLogEntry }

func (r *recorder) WriteTx(e ledger.TxLogEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

// history runs a small deployment and returns its ledger and the data dir
// holding its tx log.
func history(t *testing.T) (*ledger.Ledger, string, *recorder) {
	t.Helper()
	dir := t.TempDir()
	txLog := plog.NewTxLogger(dir)
	rec := &recorder{}

	l := ledger.New(ledger.Config{})
	l.Register(escrow.DefaultProgramID, escrow.NewProgram(escrow.DefaultPolicy(), nil))
	l.SetSink(tee{txLog, rec})

	authority := keys.FromSeed([]byte("replay-authority"))
	treasury := keys.FromSeed([]byte("replay-treasury")).Address()
	if err := l.Airdrop(authority.Address(), 3*escrow.LamportsPerSOL); err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	client := settlement.NewClient(l, escrow.DefaultProgramID, authority, time.Second)
	ctx := context.Background()
	if _, err := client.Initialize(ctx, treasury, 500, 5000); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := client.TopUp(ctx, escrow.LamportsPerSOL); err != nil {
		t.Fatalf("top up: %v", err)
	}
	if err := txLog.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return l, dir, rec
}

type tee []ledger.TxSink

func (t tee) WriteTx(e ledger.TxLogEntry) error {
	for _, s := range t {
		if err := s.WriteTx(e); err != nil {
			return err
		}
	}
	return nil
}

func TestReplayFromGenesis(t *testing.T) {
	l, dir, _ := history(t)
	r, err := replay(options{txDir: filepath.Join(dir, "txlog"), tuningPath: filepath.Join(dir, "missing.yaml")})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if r.Slot != l.Slot() || r.Digest != l.Digest().String() {
		t.Fatalf("replayed to %d %s, want %d %s", r.Slot, r.Digest, l.Slot(), l.Digest())
	}
	if r.Txs != 2 || r.Airdrops != 1 {
		t.Fatalf("counts: txs=%d airdrops=%d", r.Txs, r.Airdrops)
	}
	if r.Pool == nil || r.Pool.Settleable != escrow.LamportsPerSOL {
		t.Fatalf("pool: %+v", r.Pool)
	}

	partial, err := replay(options{txDir: filepath.Join(dir, "txlog"), toSlot: 1})
	if err != nil {
		t.Fatalf("partial replay: %v", err)
	}
	if partial.Slot != 1 || partial.Pool != nil {
		t.Fatalf("partial: %+v", partial)
	}
}

func TestReplayFromSnapshot(t *testing.T) {
	l, dir, _ := history(t)
	snap := snapshot.Capture(l, escrow.DefaultProgramID, 0)
	path := snapshot.Path(filepath.Join(dir, "snapshots"), snap.Header.Slot)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	r, err := replay(options{snapPath: path, txDir: filepath.Join(dir, "txlog")})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if r.FromSlot != l.Slot() || r.Txs != 0 || r.Digest != l.Digest().String() {
		t.Fatalf("report: %+v", r)
	}
}

func TestReplayDetectsTamperedLog(t *testing.T) {
	_, _, rec := history(t)
	dir := t.TempDir()
	w := plog.NewJSONLZstdWriter(dir, "tx")
	for i, e := range rec.entries {
		if i == 1 {
			flip := byte('0')
			if e.Digest[0] == '0' {
				flip = '1'
			}
			e.Digest = string(flip) + e.Digest[1:]
		}
		if err := w.Write(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := replay(options{txDir: dir})
	if !errors.Is(err, ledger.ErrDigestMismatch) {
		t.Fatalf("want digest mismatch, got %v", err)
	}
}
