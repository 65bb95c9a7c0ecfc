// Package ledger is an in-process account ledger: programs own accounts,
// transactions are verified against their signers and applied atomically.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"dieforward.gg/internal/ledger/keys"
)

type Config struct {
	Rent      Rent
	ReplayTTL time.Duration
	Clock     func() time.Time
	Sink      TxSink
	Log       slog.Logger
}

// TxSink receives every committed state change in slot order.
type TxSink interface {
	WriteTx(TxLogEntry) error
}

type Receipt struct {
	TxID string    `json:"tx_id"`
	Slot uint64    `json:"slot"`
	Time time.Time `json:"time"`
}

type Ledger struct {
	mu       sync.Mutex
	accounts map[keys.Address]*Account
	programs map[keys.Address]Program
	slot     uint64

	rent  Rent
	clock func() time.Time
	guard *replayGuard
	sink  TxSink
	log   slog.Logger
}

func New(cfg Config) *Ledger {
	if cfg.Rent == (Rent{}) {
		cfg.Rent = DefaultRent()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	l := &Ledger{
		accounts: map[keys.Address]*Account{},
		programs: map[keys.Address]Program{},
		rent:     cfg.Rent,
		clock:    cfg.Clock,
		guard:    newReplayGuard(cfg.ReplayTTL),
		sink:     cfg.Sink,
		log:      cfg.Log,
	}
	l.programs[SystemProgramID] = systemProgram{}
	return l
}

func (l *Ledger) Register(id keys.Address, p Program) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.programs[id] = p
}

func (l *Ledger) SetSink(s TxSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

func (l *Ledger) Rent() Rent { return l.rent }

func (l *Ledger) Slot() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slot
}

// Account returns a copy of the account at a.
func (l *Ledger) Account(a keys.Address) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.accounts[a]
	if !ok {
		return Account{}, false
	}
	return v.Clone(), true
}

// Submit verifies and applies tx. Either every instruction takes effect or
// none does.
func (l *Ledger) Submit(ctx context.Context, tx *Transaction) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if tx == nil || len(tx.Instructions) == 0 {
		return Receipt{}, ErrEmptyTransaction
	}
	if err := tx.verifySignatures(); err != nil {
		return Receipt{}, err
	}
	id := tx.ID().String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	now := l.clock()
	if l.guard.seenRecently(id, now) {
		return Receipt{TxID: id}, fmt.Errorf("%w: %s", ErrAlreadyProcessed, id)
	}
	if err := l.executeLocked(tx, now); err != nil {
		l.log.Debugf("tx %s rejected: %v", id, err)
		return Receipt{TxID: id}, err
	}
	l.guard.remember(id, now)
	l.slot++
	l.emitLocked(TxLogEntry{Kind: EntryTx, Slot: l.slot, UnixMS: now.UnixMilli(), TxID: id, Tx: tx})
	l.log.Debugf("tx %s committed at slot %d", id, l.slot)
	return Receipt{TxID: id, Slot: l.slot, Time: now}, nil
}

func (l *Ledger) executeLocked(tx *Transaction, now time.Time) error {
	ov := newOverlay(l.accounts)
	for i, ix := range tx.Instructions {
		p, ok := l.programs[ix.ProgramID]
		if !ok {
			return &InstructionError{Index: i, Err: fmt.Errorf("%w: %s", ErrUnknownProgram, ix.ProgramID)}
		}
		ic := &InvokeContext{
			program: ix.ProgramID,
			metas:   ix.Accounts,
			ov:      ov,
			now:     now,
			slot:    l.slot + 1,
			rent:    l.rent,
		}
		if err := p.Execute(ic, ix.Data); err != nil {
			return &InstructionError{Index: i, Err: err}
		}
	}
	if !ov.balanced() {
		return errors.New("transaction does not conserve lamports")
	}
	ov.commit()
	return nil
}

// Airdrop credits a wallet from nothing. Only dev deployments expose it.
func (l *Ledger) Airdrop(a keys.Address, lamports uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.airdropLocked(a, lamports); err != nil {
		return err
	}
	l.slot++
	l.emitLocked(TxLogEntry{
		Kind:    EntryAirdrop,
		Slot:    l.slot,
		UnixMS:  l.clock().UnixMilli(),
		Airdrop: &AirdropEntry{Address: a, Lamports: lamports},
	})
	return nil
}

func (l *Ledger) airdropLocked(a keys.Address, lamports uint64) error {
	acct, ok := l.accounts[a]
	if !ok {
		acct = &Account{Owner: SystemProgramID}
	}
	if acct.Owner != SystemProgramID {
		return fmt.Errorf("%w: airdrop to %s", ErrIllegalOwner, a)
	}
	sum, err := addLamports(acct.Lamports, lamports)
	if err != nil {
		return err
	}
	acct.Lamports = sum
	l.accounts[a] = acct
	return nil
}

func (l *Ledger) emitLocked(e TxLogEntry) {
	if l.sink == nil {
		return
	}
	e.Digest = l.digestLocked().String()
	if err := l.sink.WriteTx(e); err != nil {
		l.log.Warnf("tx log write failed at slot %d: %v", e.Slot, err)
	}
}
