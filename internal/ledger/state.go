package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"

	"dieforward.gg/internal/ledger/keys"
)

const (
	EntryTx      = "tx"
	EntryAirdrop = "airdrop"
)

var ErrDigestMismatch = errors.New("state digest mismatch")

type AirdropEntry struct {
	Address  keys.Address `json:"address"`
	Lamports uint64       `json:"lamports"`
}

// TxLogEntry is one committed state change, as written to the tx log.
type TxLogEntry struct {
	Kind    string        `json:"kind"`
	Slot    uint64        `json:"slot"`
	UnixMS  int64         `json:"unix_ms"`
	TxID    string        `json:"tx_id,omitempty"`
	Tx      *Transaction  `json:"tx,omitempty"`
	Airdrop *AirdropEntry `json:"airdrop,omitempty"`
	Digest  string        `json:"digest"`
}

type AccountRecord struct {
	Address keys.Address
	Account Account
}

// State is a full copy of the ledger at Slot.
type State struct {
	Slot     uint64
	Rent     Rent
	Accounts []AccountRecord
}

func (l *Ledger) sortedLocked() []keys.Address {
	addrs := make([]keys.Address, 0, len(l.accounts))
	for a := range l.accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		for k := range addrs[i] {
			if addrs[i][k] != addrs[j][k] {
				return addrs[i][k] < addrs[j][k]
			}
		}
		return false
	})
	return addrs
}

func (l *Ledger) digestLocked() chainhash.Hash {
	var buf []byte
	for _, a := range l.sortedLocked() {
		acct := l.accounts[a]
		buf = append(buf, a[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, acct.Lamports)
		buf = append(buf, acct.Owner[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(acct.Data)))
		buf = append(buf, acct.Data...)
	}
	return chainhash.HashH(buf)
}

// Digest commits to every account. Two ledgers with the same digest hold
// the same state.
func (l *Ledger) Digest() chainhash.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.digestLocked()
}

func (l *Ledger) Export() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := State{Slot: l.slot, Rent: l.rent}
	for _, a := range l.sortedLocked() {
		st.Accounts = append(st.Accounts, AccountRecord{Address: a, Account: l.accounts[a].Clone()})
	}
	return st
}

// Import replaces the ledger's accounts with st. Registered programs stay.
func (l *Ledger) Import(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[keys.Address]*Account, len(st.Accounts))
	for _, r := range st.Accounts {
		acct := r.Account.Clone()
		l.accounts[r.Address] = &acct
	}
	l.slot = st.Slot
	if st.Rent != (Rent{}) {
		l.rent = st.Rent
	}
}

// Replay applies a logged entry at its recorded slot and time and checks the
// resulting digest.
func (l *Ledger) Replay(e TxLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Slot != l.slot+1 {
		return fmt.Errorf("replay slot %d: ledger is at %d", e.Slot, l.slot)
	}
	switch e.Kind {
	case EntryAirdrop:
		if e.Airdrop == nil {
			return errors.New("airdrop entry without payload")
		}
		if err := l.airdropLocked(e.Airdrop.Address, e.Airdrop.Lamports); err != nil {
			return err
		}
	case EntryTx:
		if e.Tx == nil {
			return errors.New("tx entry without payload")
		}
		if err := e.Tx.verifySignatures(); err != nil {
			return err
		}
		if err := l.executeLocked(e.Tx, time.UnixMilli(e.UnixMS)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	l.slot = e.Slot
	if e.Digest != "" {
		if got := l.digestLocked().String(); got != e.Digest {
			return fmt.Errorf("%w at slot %d: got %s want %s", ErrDigestMismatch, e.Slot, got, e.Digest)
		}
	}
	return nil
}
