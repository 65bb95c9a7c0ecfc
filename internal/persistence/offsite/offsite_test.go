package offsite

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestUploadSignsAndSendsBody(t *testing.T) {
	var (
		gotPath string
		gotBody string
		gotAuth string
		gotHash string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotPath, gotBody = r.URL.Path, string(b)
		gotAuth, gotHash = r.Header.Get("Authorization"), r.Header.Get("x-amz-content-sha256")
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{Endpoint: srv.URL, Bucket: "backups", AccessKeyID: "AKID", SecretAccessKey: "secret"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	p := filepath.Join(t.TempDir(), "ledger-000000000042.snap.zst")
	if err := os.WriteFile(p, []byte("snapshot bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Upload(context.Background(), "prod/snapshots/ledger 42.snap.zst", p); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if gotPath != "/backups/prod/snapshots/ledger 42.snap.zst" {
		t.Fatalf("path: %q", gotPath)
	}
	if gotBody != "snapshot bytes" {
		t.Fatalf("body: %q", gotBody)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKID/20260301/auto/s3/aws4_request") {
		t.Fatalf("authorization: %q", gotAuth)
	}
	// sha256("snapshot bytes")
	if len(gotHash) != 64 {
		t.Fatalf("payload hash: %q", gotHash)
	}
}

func TestUploadReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()
	c, err := NewClient(Config{Endpoint: srv.URL, Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "f")
	_ = os.WriteFile(p, []byte("x"), 0o644)
	err = c.Upload(context.Background(), "f", p)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("want 403 error, got %v", err)
	}
	if err := c.Upload(context.Background(), "../", p); err == nil {
		t.Fatalf("escaping key accepted")
	}
}

func TestConfigFromEnv(t *testing.T) {
	for _, k := range []string{"DF_OFFSITE_ENDPOINT", "DF_OFFSITE_BUCKET", "DF_OFFSITE_ACCESS_KEY_ID", "DF_OFFSITE_SECRET_ACCESS_KEY"} {
		t.Setenv(k, "")
	}
	if _, ok, err := ConfigFromEnv(); ok || err != nil {
		t.Fatalf("unset: ok=%v err=%v", ok, err)
	}
	t.Setenv("DF_OFFSITE_BUCKET", "b")
	if _, _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("partial config accepted")
	}
}

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) Upload(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return io.ErrUnexpectedEOF
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeUploader) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func TestMirrorSweepSkipsOpenSegmentAndDuplicates(t *testing.T) {
	dir := t.TempDir()
	txDir := filepath.Join(dir, "txlog")
	if err := os.MkdirAll(txDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, h := range []string{"2026-03-01-10", "2026-03-01-11", "2026-03-01-12"} {
		if err := os.WriteFile(filepath.Join(txDir, "tx-"+h+".jsonl.zst"), []byte(h), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	up := &fakeUploader{fails: 1}
	m := NewMirror(up, MirrorConfig{DataDir: dir, Prefix: "/prod/", Backoff: time.Millisecond})
	if err := m.Sweep(filepath.Join(txDir, "tx-*.jsonl.zst")); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	waitFor(t, func() bool { return len(up.uploaded()) == 2 })

	// A second sweep over unchanged files uploads nothing new.
	if err := m.Sweep(filepath.Join(txDir, "tx-*.jsonl.zst")); err != nil {
		t.Fatal(err)
	}
	m.Close()

	got := up.uploaded()
	if len(got) != 2 || got[0] == got[1] {
		t.Fatalf("uploaded: %v", got)
	}
	for _, k := range got {
		if !strings.HasPrefix(k, "prod/txlog/tx-2026-03-01-1") || strings.Contains(k, "-12.") {
			t.Fatalf("unexpected key %q", k)
		}
	}
	st := m.Stats()
	if st.Uploaded != 2 || st.Failed != 0 || st.Skipped != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestMirrorRejectsPathsOutsideDataDir(t *testing.T) {
	up := &fakeUploader{}
	m := NewMirror(up, MirrorConfig{DataDir: t.TempDir()})
	outside := filepath.Join(t.TempDir(), "elsewhere")
	_ = os.WriteFile(outside, []byte("x"), 0o644)
	m.Enqueue(outside)
	m.Close()
	if len(up.uploaded()) != 0 {
		t.Fatalf("uploaded outside file")
	}
	// Enqueue after Close is a no-op.
	m.Enqueue(outside)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
