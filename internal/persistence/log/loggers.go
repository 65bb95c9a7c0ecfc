package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"dieforward.gg/internal/ledger"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Every line is a committed ledger change; push it through to the file.
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// TxLogger writes one JSONL entry per committed ledger change (compressed).
// It is the ledger's TxSink.
type TxLogger struct{ w *JSONLZstdWriter }

func NewTxLogger(dataDir string) *TxLogger {
	return &TxLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "txlog"), "tx")}
}

func (l *TxLogger) WriteTx(v ledger.TxLogEntry) error { return l.w.Write(v) }
func (l *TxLogger) Close() error                      { return l.w.Close() }

// SettlementEvent records one attempt to settle a finished session.
type SettlementEvent struct {
	UnixMS    int64  `json:"unix_ms"`
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Attempt   int    `json:"attempt"`
	Status    string `json:"status"`
	Reconcile bool   `json:"needs_reconciliation,omitempty"`
	TxID      string `json:"tx_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SettlementLogger writes settlement attempts as JSONL (compressed).
type SettlementLogger struct{ w *JSONLZstdWriter }

func NewSettlementLogger(dataDir string) *SettlementLogger {
	return &SettlementLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "settlements"), "settle")}
}

func (l *SettlementLogger) WriteSettlement(v SettlementEvent) error { return l.w.Write(v) }
func (l *SettlementLogger) Close() error                           { return l.w.Close() }

// ReadTxLog decodes every entry in the tx log files under dir, ordered by
// file name and then by line.
func ReadTxLog(dir string) ([]ledger.TxLogEntry, error) {
	files, err := filepath.Glob(filepath.Join(dir, "tx-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var out []ledger.TxLogEntry
	for _, path := range files {
		if err := readJSONL(path, func(line []byte) error {
			var e ledger.TxLogEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return out, nil
}

func readJSONL(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}
