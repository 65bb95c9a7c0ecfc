package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	"dieforward.gg/internal/orchestrator"
	"dieforward.gg/internal/persistence/indexdb"
	"dieforward.gg/internal/protocol"
	"dieforward.gg/internal/settlement"
	"dieforward.gg/internal/tuning"
)

type nopQueue struct{}

func (nopQueue) Enqueue(int64) {}

func newSessions(t *testing.T) *orchestrator.Service {
	t.Helper()
	cfg := tuning.Defaults()
	l := ledger.New(ledger.Config{})
	program := keys.FromSeed([]byte("ws-program")).Address()
	l.Register(program, escrow.NewProgram(escrow.Policy{MinStake: 1, MaxStake: escrow.LamportsPerSOL}, nil))
	client := settlement.NewClient(l, program, keys.FromSeed([]byte("ws-authority")), time.Second)
	store, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return orchestrator.New(orchestrator.Config{Tuning: cfg, ProgramID: program}, store, client, nopQueue{})
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg any) map[string]json.RawMessage {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out map[string]json.RawMessage
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func msgType(t *testing.T, m map[string]json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(m["type"], &s); err != nil {
		t.Fatalf("type: %v", err)
	}
	return s
}

func TestHelloThenAct(t *testing.T) {
	sessions := newSessions(t)
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	srv := httptest.NewServer(NewServer(sessions, v, nil))
	defer srv.Close()

	start, err := sessions.Start(context.Background(), orchestrator.StartParams{Wallet: keys.FromSeed([]byte("ws-player")).Address().String()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	conn := dial(t, srv)
	hello := roundTrip(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Token: start.Token})
	if msgType(t, hello) != protocol.TypeState {
		t.Fatalf("hello reply: %v", hello)
	}

	stale := roundTrip(t, conn, protocol.ActMsg{Type: protocol.TypeAct, Room: 3, Action: "forward"})
	if msgType(t, stale) != protocol.TypeError {
		t.Fatalf("stale reply: %v", stale)
	}
	var e protocol.ErrorResponse
	if err := json.Unmarshal(stale["error"], &e); err != nil || e.Code != protocol.ErrStale {
		t.Fatalf("stale error: %s %v", stale["error"], err)
	}

	moved := roundTrip(t, conn, protocol.ActMsg{Type: protocol.TypeAct, Room: 1, Action: "forward"})
	if msgType(t, moved) != protocol.TypeState {
		t.Fatalf("act reply: %v", moved)
	}
	var st protocol.SessionState
	if err := json.Unmarshal(moved["state"], &st); err != nil || st.Room != 2 {
		t.Fatalf("state: %s %v", moved["state"], err)
	}

	bad := roundTrip(t, conn, protocol.ActMsg{Type: protocol.TypeAct, Room: 2, Action: "teleport"})
	if msgType(t, bad) != protocol.TypeError {
		t.Fatalf("schema reply: %v", bad)
	}
}

func TestHelloUnknownToken(t *testing.T) {
	srv := httptest.NewServer(NewServer(newSessions(t), nil, nil))
	defer srv.Close()

	conn := dial(t, srv)
	reply := roundTrip(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Token: "missing"})
	if msgType(t, reply) != protocol.TypeError {
		t.Fatalf("reply: %v", reply)
	}
	var e protocol.ErrorResponse
	if err := json.Unmarshal(reply["error"], &e); err != nil || e.Code != protocol.ErrNotFound {
		t.Fatalf("error: %s %v", reply["error"], err)
	}
}

func TestCrossOriginNeedsOptIn(t *testing.T) {
	srv := httptest.NewServer(NewServer(newSessions(t), nil, nil))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	foreign := http.Header{"Origin": []string{"https://elsewhere.example"}}

	conn, resp, err := websocket.DefaultDialer.Dial(url, foreign)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("cross-origin upgrade accepted by default")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403, got %v", resp)
	}

	same := http.Header{"Origin": []string{srv.URL}}
	conn, _, err = websocket.DefaultDialer.Dial(url, same)
	if err != nil {
		t.Fatalf("same-origin dial: %v", err)
	}
	_ = conn.Close()

	open := NewServer(newSessions(t), nil, nil)
	open.AllowAnyOrigin()
	dev := httptest.NewServer(open)
	defer dev.Close()
	conn, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(dev.URL, "http"), foreign)
	if err != nil {
		t.Fatalf("dial after opt-in: %v", err)
	}
	_ = conn.Close()
}
