package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	"dieforward.gg/internal/orchestrator"
	"dieforward.gg/internal/persistence/indexdb"
	"dieforward.gg/internal/protocol"
	"dieforward.gg/internal/settlement"
	"dieforward.gg/internal/tuning"
)

var adminSecret = []byte("test-admin-secret")

type env struct {
	t   *testing.T
	l   *ledger.Ledger
	srv *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := tuning.Defaults()
	l := ledger.New(ledger.Config{})
	program := keys.FromSeed([]byte("http-program")).Address()
	auth := keys.FromSeed([]byte("http-authority"))
	treasury := keys.FromSeed([]byte("http-treasury")).Address()
	l.Register(program, escrow.NewProgram(escrow.Policy{
		MinStake: cfg.Escrow.MinStakeLamports,
		MaxStake: cfg.Escrow.MaxStakeLamports,
	}, nil))
	if err := l.Airdrop(auth.Address(), 100*escrow.LamportsPerSOL); err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	client := settlement.NewClient(l, program, auth, time.Second)
	ctx := context.Background()
	if _, err := client.Initialize(ctx, treasury, cfg.Escrow.FeeBps, cfg.Escrow.VictoryBonusBps); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := client.TopUp(ctx, escrow.LamportsPerSOL); err != nil {
		t.Fatalf("top up: %v", err)
	}

	store, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	disp := settlement.NewDispatcher(settlement.Config{}, store, client)
	svc := orchestrator.New(orchestrator.Config{Tuning: cfg, ProgramID: program, Treasury: treasury}, store, client, disp)
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	s := New(Config{AdminSecret: adminSecret, Airdrop: true, MaxAirdrop: 10 * escrow.LamportsPerSOL}, Deps{
		Sessions:   svc,
		Ledger:     l,
		Chain:      client,
		Index:      store,
		Dispatcher: disp,
		Validator:  v,
	})
	e := &env{t: t, l: l, srv: httptest.NewServer(s.Handler())}
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(method, path string, body any, header map[string]string) (int, []byte) {
	e.t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		e.t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestStakedSessionOverHTTP(t *testing.T) {
	e := newEnv(t)
	player := keys.FromSeed([]byte("http-player"))

	code, body := e.do("POST", "/v1/ledger/airdrop", protocol.AirdropRequest{Address: player.Address().String(), Lamports: escrow.LamportsPerSOL}, nil)
	if code != 200 {
		t.Fatalf("airdrop: %d %s", code, body)
	}

	code, body = e.do("POST", "/v1/session/start", protocol.StartRequest{Wallet: player.Address().String(), StakeLamports: 10_000_000}, nil)
	if code != 200 {
		t.Fatalf("start: %d %s", code, body)
	}
	start := decodeInto[protocol.StartResponse](t, body)
	if start.StakeInstruction == nil || start.EscrowSession == "" {
		t.Fatalf("staked start without instruction: %s", body)
	}

	// Acting before the stake lands is refused.
	code, body = e.do("POST", "/v1/session/action", protocol.ActionRequest{Token: start.Token, Room: 1, Action: "forward"}, nil)
	if code != http.StatusConflict || decodeInto[protocol.ErrorResponse](t, body).Code != protocol.ErrStakeUnconfirmed {
		t.Fatalf("unstaked action: %d %s", code, body)
	}

	ix, err := InstructionFrom(*start.StakeInstruction)
	if err != nil {
		t.Fatalf("instruction: %v", err)
	}
	tx := ledger.NewTransaction(ix)
	if err := tx.Sign(player); err != nil {
		t.Fatalf("sign: %v", err)
	}
	code, body = e.do("POST", "/v1/ledger/submit", tx, nil)
	if code != 200 {
		t.Fatalf("submit: %d %s", code, body)
	}
	if decodeInto[protocol.SubmitTxResponse](t, body).TxID != tx.ID().String() {
		t.Fatalf("tx id mismatch: %s", body)
	}

	code, body = e.do("POST", "/v1/session/action", protocol.ActionRequest{Token: start.Token, Room: 4, Action: "forward"}, nil)
	stale := decodeInto[protocol.ErrorResponse](t, body)
	if code != http.StatusConflict || stale.Code != protocol.ErrStale || stale.Expected == nil || *stale.Expected != 1 {
		t.Fatalf("stale room: %d %s", code, body)
	}

	code, body = e.do("POST", "/v1/session/action", protocol.ActionRequest{Token: start.Token, Room: 1, Action: "forward"}, nil)
	if code != 200 {
		t.Fatalf("action: %d %s", code, body)
	}
	act := decodeInto[protocol.ActionResponse](t, body)
	if act.State.Room != 2 || !act.State.StakeConfirmed || act.Result == nil {
		t.Fatalf("unexpected state: %s", body)
	}

	code, body = e.do("POST", "/v1/session/victory", protocol.VictoryRequest{Token: start.Token}, nil)
	nc := decodeInto[protocol.ErrorResponse](t, body)
	if code != http.StatusConflict || nc.Code != protocol.ErrNotCompleted || nc.Current == nil || *nc.Current != 2 {
		t.Fatalf("early victory: %d %s", code, body)
	}

	code, body = e.do("GET", "/v1/session/state?token="+start.Token, nil, nil)
	if code != 200 || decodeInto[protocol.SessionState](t, body).Room != 2 {
		t.Fatalf("state: %d %s", code, body)
	}

	code, body = e.do("GET", "/v1/ledger/account/"+start.EscrowSession, nil, nil)
	if code != 200 || decodeInto[protocol.AccountResponse](t, body).Lamports < 10_000_000 {
		t.Fatalf("escrow account: %d %s", code, body)
	}

	code, body = e.do("GET", "/v1/ledger/pool", nil, nil)
	if code != 200 || decodeInto[protocol.PoolResponse](t, body).TotalStaked != 10_000_000 {
		t.Fatalf("pool: %d %s", code, body)
	}
}

func TestRequestsAreSchemaChecked(t *testing.T) {
	e := newEnv(t)
	cases := []struct{ path, body string }{
		{"/v1/session/start", `{"wallet":"short","stake_lamports":0}`},
		{"/v1/session/action", `{"token":"t","room":1,"action":"teleport"}`},
		{"/v1/session/death", `not json`},
		{"/v1/ledger/submit", `{"nonce":1,"instructions":[]}`},
	}
	for _, c := range cases {
		code, body := e.do("POST", c.path, c.body, nil)
		if code != http.StatusBadRequest || decodeInto[protocol.ErrorResponse](t, body).Code != protocol.ErrProtoBadRequest {
			t.Fatalf("%s: %d %s", c.path, code, body)
		}
	}

	code, body := e.do("GET", "/v1/session/state?token=nope", nil, nil)
	if code != http.StatusNotFound || decodeInto[protocol.ErrorResponse](t, body).Code != protocol.ErrNotFound {
		t.Fatalf("missing session: %d %s", code, body)
	}
}

func TestForgedSignatureIsRefused(t *testing.T) {
	e := newEnv(t)
	from := keys.FromSeed([]byte("unsigned-from"))
	if err := e.l.Airdrop(from.Address(), escrow.LamportsPerSOL); err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	tx := ledger.NewTransaction(ledger.Transfer(from.Address(), keys.FromSeed([]byte("to")).Address(), 1))
	if err := tx.Sign(from); err != nil {
		t.Fatalf("sign: %v", err)
	}
	tx.Signatures[0].Sig[0] ^= 0xff
	code, body := e.do("POST", "/v1/ledger/submit", tx, nil)
	if code != http.StatusForbidden || decodeInto[protocol.ErrorResponse](t, body).Code != protocol.ErrNoPermission {
		t.Fatalf("forged: %d %s", code, body)
	}
}

func TestAdminRequiresBearerToken(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do("GET", "/admin/v1/settlements", nil, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	wrong, err := AdminToken([]byte("other-secret"), "ops", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	code, _ = e.do("GET", "/admin/v1/settlements", nil, map[string]string{"Authorization": "Bearer " + wrong})
	if code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: %d", code)
	}

	tok, err := AdminToken(adminSecret, "ops", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + tok}
	code, body := e.do("GET", "/admin/v1/settlements?status=pending", nil, auth)
	if code != 200 {
		t.Fatalf("list: %d %s", code, body)
	}
	if got := decodeInto[protocol.SettlementsResponse](t, body); len(got.Settlements) != 0 {
		t.Fatalf("expected no settlements: %s", body)
	}
	code, body = e.do("POST", "/admin/v1/settlements/retry?id=42", nil, auth)
	if code != http.StatusNotFound {
		t.Fatalf("retry unknown: %d %s", code, body)
	}
	code, body = e.do("POST", "/admin/v1/snapshot", nil, auth)
	if code != http.StatusInternalServerError {
		t.Fatalf("snapshot without backend: %d %s", code, body)
	}
	code, body = e.do("GET", "/admin/v1/ledger/txs?limit=5", nil, auth)
	if code != 200 {
		t.Fatalf("txs: %d %s", code, body)
	}
}

func TestMetricsExposition(t *testing.T) {
	e := newEnv(t)
	code, body := e.do("GET", "/metrics", nil, nil)
	if code != 200 {
		t.Fatalf("metrics: %d", code)
	}
	for _, want := range []string{
		"dieforward_ledger_slot ",
		`dieforward_pool_lamports{kind="settleable"}`,
		`dieforward_settlements_total{status="paid"} 0`,
		"dieforward_index_queue_capacity ",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestErrorBodyCarriesProgramCode(t *testing.T) {
	err := &ledger.InstructionError{Index: 1, Err: fmt.Errorf("settle: %w", escrow.ErrInsufficientPoolFunds)}
	status, body := ErrorBody(err)
	if status != http.StatusConflict || body.Code != protocol.ErrPoolFunds {
		t.Fatalf("got %d %+v", status, body)
	}
	if body.Program == nil || *body.Program != 6004 || body.Index == nil || *body.Index != 1 {
		t.Fatalf("missing details: %+v", body)
	}

	status, body = ErrorBody(fmt.Errorf("%w: deadline", settlement.ErrLedgerTransport))
	if status != http.StatusServiceUnavailable || body.Code != protocol.ErrLedgerUnavailable {
		t.Fatalf("transport: %d %+v", status, body)
	}

	status, body = ErrorBody(errors.New("boom"))
	if status != http.StatusInternalServerError || body.Code != protocol.ErrInternal || body.Message != "internal error" {
		t.Fatalf("internal: %d %+v", status, body)
	}
	if !protocol.IsKnownCode(body.Code) {
		t.Fatalf("unknown code %q", body.Code)
	}
}
