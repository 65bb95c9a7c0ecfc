package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"

	"dieforward.gg/internal/ledger"
	plog "dieforward.gg/internal/persistence/log"
)

// D1Config points the mirror at a remote ingest endpoint (a Cloudflare D1
// worker in production).
type D1Config struct {
	Endpoint      string
	Token         string
	Deployment    string
	BatchSize     int
	MaxPending    int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Log           slog.Logger
}

// D1Index mirrors ledger entries and settlement events to a remote index.
// Batches that fail to send are kept and retried on the next flush.
type D1Index struct {
	cfg        D1Config
	httpClient *http.Client

	ch   chan d1Event
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	sent    atomic.Uint64
	failed  atomic.Uint64
}

type d1Event struct {
	Kind       string `json:"kind"`
	Deployment string `json:"deployment"`
	Payload    any    `json:"payload"`
}

type d1TxPayload struct {
	Slot   uint64 `json:"slot"`
	Kind   string `json:"kind"`
	TxID   string `json:"tx_id,omitempty"`
	Digest string `json:"digest"`
	UnixMS int64  `json:"unix_ms"`
}

type D1Stats struct {
	SentTotal         uint64 `json:"sent_total"`
	FlushFailTotal    uint64 `json:"flush_fail_total"`
	QueueDroppedTotal uint64 `json:"queue_dropped_total"`
}

func OpenD1(cfg D1Config) (*D1Index, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Deployment = strings.TrimSpace(cfg.Deployment)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty d1 ingest endpoint")
	}
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("empty deployment name")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 8 * cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}

	d := &D1Index{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan d1Event, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *D1Index) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *D1Index) WriteTx(e ledger.TxLogEntry) error {
	d.enqueue(d1Event{Kind: "tx", Payload: d1TxPayload{
		Slot:   e.Slot,
		Kind:   e.Kind,
		TxID:   e.TxID,
		Digest: e.Digest,
		UnixMS: e.UnixMS,
	}})
	return nil
}

func (d *D1Index) WriteSettlement(e plog.SettlementEvent) error {
	d.enqueue(d1Event{Kind: "settlement", Payload: e})
	return nil
}

func (d *D1Index) Stats() D1Stats {
	return D1Stats{
		SentTotal:         d.sent.Load(),
		FlushFailTotal:    d.failed.Load(),
		QueueDroppedTotal: d.dropped.Load(),
	}
}

func (d *D1Index) enqueue(ev d1Event) {
	if d == nil || d.closed.Load() {
		return
	}
	ev.Deployment = d.cfg.Deployment
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		d.cfg.Log.Warnf("d1 index queue full; drop kind=%s", ev.Kind)
	}
}

func (d *D1Index) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]d1Event, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.failed.Add(1)
			d.cfg.Log.Warnf("d1 index flush failed batch=%d err=%v", len(batch), err)
			if over := len(batch) - d.cfg.MaxPending; over > 0 {
				d.dropped.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		d.sent.Add(uint64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *D1Index) sendBatch(events []d1Event) error {
	body := struct {
		Events []d1Event `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-df-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}
