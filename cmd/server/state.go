package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	plog "dieforward.gg/internal/persistence/log"
	"dieforward.gg/internal/persistence/offsite"
	"dieforward.gg/internal/persistence/snapshot"
	"dieforward.gg/internal/settlement"
	"dieforward.gg/internal/tuning"
)

type identity struct {
	program   keys.Address
	authority *keys.PrivateKey
	treasury  keys.Address
}

// loadIdentity reads DF_AUTHORITY_KEY, DF_TREASURY and DF_PROGRAM_ID. Dev
// deployments fall back to fixed seeds so a fresh checkout runs as is.
func loadIdentity(dev bool) (identity, error) {
	var id identity
	if s := strings.TrimSpace(os.Getenv("DF_AUTHORITY_KEY")); s != "" {
		k, err := keys.ParsePrivateKey(s)
		if err != nil {
			return id, fmt.Errorf("DF_AUTHORITY_KEY: %w", err)
		}
		id.authority = k
	} else if dev {
		id.authority = keys.FromSeed([]byte("dieforward/dev/authority"))
	} else {
		return id, errors.New("DF_AUTHORITY_KEY is required outside dev")
	}

	if s := strings.TrimSpace(os.Getenv("DF_TREASURY")); s != "" {
		a, err := keys.ParseAddress(s)
		if err != nil {
			return id, fmt.Errorf("DF_TREASURY: %w", err)
		}
		id.treasury = a
	} else if dev {
		id.treasury = keys.FromSeed([]byte("dieforward/dev/treasury")).Address()
	} else {
		return id, errors.New("DF_TREASURY is required outside dev")
	}

	id.program = escrow.DefaultProgramID
	if s := strings.TrimSpace(os.Getenv("DF_PROGRAM_ID")); s != "" {
		a, err := keys.ParseAddress(s)
		if err != nil {
			return id, fmt.Errorf("DF_PROGRAM_ID: %w", err)
		}
		id.program = a
	}
	return id, nil
}

func isDev() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

type restoreInfo struct {
	Snapshot string
	Replayed int
}

// restoreLedger loads a snapshot (explicit or latest) and replays the tx log
// past it. Entries at or below the snapshot slot are already in the snapshot.
func restoreLedger(l *ledger.Ledger, dataDir, snapPath string, loadLatest bool, programID keys.Address) (restoreInfo, error) {
	var info restoreInfo
	path := strings.TrimSpace(snapPath)
	if path == "" && loadLatest {
		p, err := snapshot.Latest(snapshotDir(dataDir))
		if err != nil {
			return info, err
		}
		path = p
	}
	if path != "" {
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			return info, err
		}
		if snap.ProgramID != programID {
			return info, fmt.Errorf("snapshot %s belongs to program %s", filepath.Base(path), snap.ProgramID)
		}
		l.Import(snap.Ledger)
		if got := l.Digest().String(); snap.Header.Digest != "" && got != snap.Header.Digest {
			return info, fmt.Errorf("%w: snapshot %s", ledger.ErrDigestMismatch, filepath.Base(path))
		}
		info.Snapshot = path
	}

	entries, err := plog.ReadTxLog(filepath.Join(dataDir, "txlog"))
	if err != nil {
		return info, err
	}
	for _, e := range entries {
		if e.Slot <= l.Slot() {
			continue
		}
		if err := l.Replay(e); err != nil {
			return info, err
		}
		info.Replayed++
	}
	return info, nil
}

// ensurePool initializes the pool on an empty ledger. Dev deployments also
// fund the authority and seed the pool so the first stakes can settle.
func ensurePool(ctx context.Context, l *ledger.Ledger, client *settlement.Client, treasury keys.Address, tune tuning.Tuning, dev bool) error {
	if _, err := client.Pool(); err == nil {
		return nil
	}
	seed := tune.Escrow.PoolSeedLamports
	if dev {
		rent := l.Rent().MinimumBalance(escrow.PoolLedgerSize)
		if err := l.Airdrop(client.Authority(), rent+seed+escrow.LamportsPerSOL/100); err != nil {
			return err
		}
	}
	if _, err := client.Initialize(ctx, treasury, tune.Escrow.FeeBps, tune.Escrow.VictoryBonusBps); err != nil {
		return err
	}
	if dev && seed > 0 {
		if _, err := client.TopUp(ctx, seed); err != nil {
			return err
		}
	}
	return nil
}

func snapshotDir(dataDir string) string { return filepath.Join(dataDir, "snapshots") }

// snapshotter writes ledger snapshots and hands finished files to the
// off-site mirror.
type snapshotter struct {
	ledger    *ledger.Ledger
	programID keys.Address
	dataDir   string
	mirror    *offsite.Mirror
	log       slog.Logger

	mu sync.Mutex
}

func (s *snapshotter) Take(ctx context.Context) (snapshot.Header, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Header{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot.Capture(s.ledger, s.programID, time.Now().UnixMilli())
	path := snapshot.Path(snapshotDir(s.dataDir), snap.Header.Slot)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return snapshot.Header{}, err
	}
	s.log.Infof("snapshot slot=%d digest=%s", snap.Header.Slot, snap.Header.Digest)
	if s.mirror != nil {
		s.mirror.Enqueue(path)
		for _, pattern := range []string{
			filepath.Join(s.dataDir, "txlog", "tx-*.jsonl.zst"),
			filepath.Join(s.dataDir, "settlements", "settle-*.jsonl.zst"),
		} {
			if err := s.mirror.Sweep(pattern); err != nil {
				s.log.Warnf("offsite sweep %s: %v", pattern, err)
			}
		}
	}
	return snap.Header, nil
}

func (s *snapshotter) Loop(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.Take(ctx); err != nil && ctx.Err() == nil {
				s.log.Errorf("snapshot: %v", err)
			}
		}
	}
}
