package main

import (
	"github.com/decred/slog"

	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/persistence/indexdb"
)

// txTee fans committed ledger entries out to the tx log and the indexes.
// The tx log is the source of truth; index failures are only logged.
type txTee struct {
	log     slog.Logger
	primary ledger.TxSink
	extra   []ledger.TxSink
}

func newTxTee(log slog.Logger, primary ledger.TxSink, store *indexdb.Store, d1 *indexdb.D1Index) *txTee {
	t := &txTee{log: log, primary: primary}
	if store != nil {
		t.extra = append(t.extra, store)
	}
	if d1 != nil {
		t.extra = append(t.extra, d1)
	}
	return t
}

func (t *txTee) WriteTx(e ledger.TxLogEntry) error {
	err := t.primary.WriteTx(e)
	for _, s := range t.extra {
		if xerr := s.WriteTx(e); xerr != nil {
			t.log.Warnf("index write slot=%d: %v", e.Slot, xerr)
		}
	}
	return err
}
