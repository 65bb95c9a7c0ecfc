package offsite

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
)

type Uploader interface {
	Upload(ctx context.Context, key, localPath string) error
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Enqueued      uint64
	Skipped       uint64
	Dropped       uint64
	Uploaded      uint64
	Failed        uint64
	LastSuccessMS int64
	LastErrorMS   int64
}

type MirrorConfig struct {
	// DataDir is the root every mirrored path must live under; object keys
	// are the path relative to it.
	DataDir string
	Prefix  string
	Workers int
	Queue   int
	// Attempts per file before it is counted as failed.
	Attempts int
	Backoff  time.Duration
	Log      slog.Logger
}

// Mirror uploads files in the background. A file is uploaded again only when
// its size or mtime changed since the last successful upload.
type Mirror struct {
	up  Uploader
	cfg MirrorConfig
	log slog.Logger

	jobs   chan string
	wg     sync.WaitGroup
	closed atomic.Bool

	mu      sync.Mutex
	pending map[string]bool
	done    map[string]fileMark

	enqueued atomic.Uint64
	skipped  atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
	lastOK   atomic.Int64
	lastErr  atomic.Int64
}

type fileMark struct {
	size  int64
	mtime int64
}

func NewMirror(up Uploader, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	logger := cfg.Log
	if logger == nil {
		logger = slog.Disabled
	}
	m := &Mirror{
		up:      up,
		cfg:     cfg,
		log:     logger,
		jobs:    make(chan string, cfg.Queue),
		pending: map[string]bool{},
		done:    map[string]fileMark{},
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.uploadOne(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It never blocks; a full queue drops
// the file and the next Sweep picks it up again.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.closed.Load() {
		return
	}
	mark, err := markOf(localPath)
	if err != nil {
		m.log.Warnf("offsite: skip %s: %v", localPath, err)
		return
	}
	m.mu.Lock()
	if m.pending[localPath] || m.done[localPath] == mark {
		m.mu.Unlock()
		m.skipped.Add(1)
		return
	}
	m.pending[localPath] = true
	m.mu.Unlock()

	select {
	case m.jobs <- localPath:
		m.enqueued.Add(1)
	default:
		m.mu.Lock()
		delete(m.pending, localPath)
		m.mu.Unlock()
		m.dropped.Add(1)
		m.log.Warnf("offsite: queue full, dropped %s", localPath)
	}
}

// Sweep enqueues every file matching pattern except the lexically newest,
// which for hourly tx log segments is the one still being written.
func (m *Mirror) Sweep(pattern string) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	sort.Strings(files)
	if len(files) > 0 {
		files = files[:len(files)-1]
	}
	for _, f := range files {
		m.Enqueue(f)
	}
	return nil
}

// Close stops accepting work and waits for queued uploads.
func (m *Mirror) Close() {
	if m == nil || !m.closed.CompareAndSwap(false, true) {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(m.jobs),
		QueueCapacity: cap(m.jobs),
		Enqueued:      m.enqueued.Load(),
		Skipped:       m.skipped.Load(),
		Dropped:       m.dropped.Load(),
		Uploaded:      m.uploaded.Load(),
		Failed:        m.failed.Load(),
		LastSuccessMS: m.lastOK.Load(),
		LastErrorMS:   m.lastErr.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	defer func() {
		m.mu.Lock()
		delete(m.pending, localPath)
		m.mu.Unlock()
	}()

	key, err := m.objectKey(localPath)
	if err != nil {
		m.log.Warnf("offsite: skip %s: %v", localPath, err)
		return
	}
	mark, err := markOf(localPath)
	if err != nil {
		m.log.Warnf("offsite: skip %s: %v", localPath, err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		lastErr = m.up.Upload(ctx, key, localPath)
		cancel()
		if lastErr == nil {
			break
		}
		if attempt < m.cfg.Attempts {
			time.Sleep(time.Duration(attempt*attempt) * m.cfg.Backoff)
		}
	}
	now := time.Now().UnixMilli()
	if lastErr != nil {
		m.failed.Add(1)
		m.lastErr.Store(now)
		m.log.Errorf("offsite: upload %s failed after %d attempts: %v", key, m.cfg.Attempts, lastErr)
		return
	}
	m.mu.Lock()
	m.done[localPath] = mark
	m.mu.Unlock()
	m.uploaded.Add(1)
	m.lastOK.Store(now)
	m.log.Debugf("offsite: uploaded %s", key)
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	base, err := filepath.Abs(m.cfg.DataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if m.cfg.Prefix != "" {
		rel = path.Join(m.cfg.Prefix, rel)
	}
	return rel, nil
}

func markOf(p string) (fileMark, error) {
	st, err := os.Stat(p)
	if err != nil {
		return fileMark{}, err
	}
	if st.IsDir() {
		return fileMark{}, fmt.Errorf("is a directory")
	}
	return fileMark{size: st.Size(), mtime: st.ModTime().UnixNano()}, nil
}
