// Command replay rebuilds the ledger from a snapshot and the tx log and checks
// the state digest recorded with every entry.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	plog "dieforward.gg/internal/persistence/log"
	"dieforward.gg/internal/persistence/snapshot"
	"dieforward.gg/internal/settlement"
	"dieforward.gg/internal/tuning"
)

type options struct {
	snapPath   string
	txDir      string
	tuningPath string
	program    string
	toSlot     uint64
}

type report struct {
	FromSlot  uint64
	Slot      uint64
	Digest    string
	Txs       int
	Airdrops  int
	Pool      *settlement.PoolView
	ProgramID keys.Address
}

func main() {
	var o options
	flag.StringVar(&o.snapPath, "snapshot", "", "ledger snapshot to start from (default: genesis)")
	flag.StringVar(&o.txDir, "txlog", "./data/txlog", "directory containing tx-*.jsonl.zst")
	flag.StringVar(&o.tuningPath, "tuning", "./configs/tuning.yaml", "tuning.yaml the server ran with")
	flag.StringVar(&o.program, "program", "", "escrow program id (default: from snapshot, else the built-in id)")
	flag.Uint64Var(&o.toSlot, "to_slot", 0, "stop after this slot (inclusive, optional)")
	flag.Parse()

	r, err := replay(o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: slots %d..%d txs=%d airdrops=%d digest=%s\n", r.FromSlot, r.Slot, r.Txs, r.Airdrops, r.Digest)
	if r.Pool != nil && r.Pool.Pool != nil {
		p := r.Pool.Pool
		fmt.Printf("pool %s: lamports=%d settleable=%d staked=%d paid_out=%d fees=%d deaths=%d victories=%d\n",
			r.Pool.Address, r.Pool.Lamports, r.Pool.Settleable, p.TotalStaked, p.TotalPaidOut, p.TotalFees, p.TotalDeaths, p.TotalVictories)
	}
}

func replay(o options) (report, error) {
	var r report
	tune, err := tuning.Load(o.tuningPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return r, err
		}
		tune = tuning.Defaults()
	}

	l := ledger.New(ledger.Config{})
	r.ProgramID = escrow.DefaultProgramID
	var snap *snapshot.SnapshotV1
	if p := strings.TrimSpace(o.snapPath); p != "" {
		s, err := snapshot.ReadSnapshot(p)
		if err != nil {
			return r, fmt.Errorf("read snapshot: %w", err)
		}
		snap = &s
		r.ProgramID = s.ProgramID
	}
	if p := strings.TrimSpace(o.program); p != "" {
		a, err := keys.ParseAddress(p)
		if err != nil {
			return r, fmt.Errorf("-program: %w", err)
		}
		r.ProgramID = a
	}
	l.Register(r.ProgramID, escrow.NewProgram(escrow.Policy{
		MinStake: tune.Escrow.MinStakeLamports,
		MaxStake: tune.Escrow.MaxStakeLamports,
	}, nil))
	if snap != nil {
		l.Import(snap.Ledger)
		if snap.Header.Digest != "" && l.Digest().String() != snap.Header.Digest {
			return r, fmt.Errorf("%w: snapshot at slot %d", ledger.ErrDigestMismatch, snap.Header.Slot)
		}
	}
	r.FromSlot = l.Slot()

	entries, err := plog.ReadTxLog(o.txDir)
	if err != nil {
		return r, fmt.Errorf("read tx log: %w", err)
	}
	for _, e := range entries {
		if e.Slot <= l.Slot() {
			continue
		}
		if o.toSlot != 0 && e.Slot > o.toSlot {
			break
		}
		if err := l.Replay(e); err != nil {
			return r, err
		}
		switch e.Kind {
		case ledger.EntryTx:
			r.Txs++
		case ledger.EntryAirdrop:
			r.Airdrops++
		}
	}
	r.Slot = l.Slot()
	r.Digest = l.Digest().String()

	client := settlement.NewClient(l, r.ProgramID, nil, 0)
	if v, err := client.Pool(); err == nil {
		r.Pool = &v
	}
	return r, nil
}
