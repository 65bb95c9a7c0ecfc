package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/slog"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	"dieforward.gg/internal/orchestrator"
	"dieforward.gg/internal/persistence/indexdb"
	"dieforward.gg/internal/protocol"
	"dieforward.gg/internal/settlement"
	"dieforward.gg/internal/transport/httpapi"
	"dieforward.gg/internal/transport/ws"
	"dieforward.gg/internal/tuning"
)

func newServer(t *testing.T) (*httptest.Server, *indexdb.Store) {
	t.Helper()
	cfg := tuning.Defaults()
	l := ledger.New(ledger.Config{})
	auth := keys.FromSeed([]byte("bot-authority"))
	treasury := keys.FromSeed([]byte("bot-treasury")).Address()
	l.Register(escrow.DefaultProgramID, escrow.NewProgram(escrow.Policy{
		MinStake: cfg.Escrow.MinStakeLamports,
		MaxStake: cfg.Escrow.MaxStakeLamports,
	}, nil))
	if err := l.Airdrop(auth.Address(), 10*escrow.LamportsPerSOL); err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	client := settlement.NewClient(l, escrow.DefaultProgramID, auth, time.Second)
	ctx := context.Background()
	if _, err := client.Initialize(ctx, treasury, cfg.Escrow.FeeBps, cfg.Escrow.VictoryBonusBps); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := client.TopUp(ctx, 5*escrow.LamportsPerSOL); err != nil {
		t.Fatalf("top up: %v", err)
	}
	store, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	disp := settlement.NewDispatcher(settlement.Config{}, store, client)
	svc := orchestrator.New(orchestrator.Config{Tuning: cfg, ProgramID: escrow.DefaultProgramID, Treasury: treasury}, store, client, disp)
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	api := httpapi.New(httpapi.Config{Airdrop: true}, httpapi.Deps{
		Sessions:  svc,
		Ledger:    l,
		Chain:     client,
		Index:     store,
		Validator: v,
		WS:        ws.NewServer(svc, v, nil),
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func newBot(srv *httptest.Server, seed string, useWS bool) *bot {
	return &bot{
		c:        &client{base: srv.URL, http: &http.Client{Timeout: 5 * time.Second}},
		key:      keys.FromSeed([]byte(seed)),
		log:      slog.Disabled,
		useWS:    useWS,
		epitaph:  "Tell them I went forward.",
		maxTurns: 200,
	}
}

func TestBotPlaysStakedRunToAnEnding(t *testing.T) {
	srv, store := newServer(t)
	for i, useWS := range []bool{true, false} {
		b := newBot(srv, "bot-wallet-"+string(rune('a'+i)), useWS)
		if err := b.play("bot", 10_000_000, 100_000_000); err != nil {
			t.Fatalf("play (ws=%v): %v", useWS, err)
		}
	}
	rows, err := store.ListSettlements(context.Background(), indexdb.SettlementFilter{})
	if err != nil {
		t.Fatalf("settlements: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("want a settlement per staked run, got %d", len(rows))
	}
}

func TestBotPlaysFree(t *testing.T) {
	srv, _ := newServer(t)
	if err := newBot(srv, "free-wallet", false).play("free", 0, 0); err != nil {
		t.Fatalf("play: %v", err)
	}
}

func TestChoose(t *testing.T) {
	combat := protocol.SessionState{
		Phase:     "combat",
		Health:    100,
		MaxHealth: 100,
		Stamina:   2,
		Options:   []string{"strike", "dodge", "brace", "herbs", "flee"},
		Enemy:     &protocol.EnemyView{Name: "The Drowned", Health: 50},
	}
	if got := choose(combat); got != "strike" {
		t.Fatalf("healthy: %s", got)
	}
	combat.Enemy.Charging = true
	if got := choose(combat); got != "dodge" {
		t.Fatalf("charging: %s", got)
	}
	combat.Stamina = 0
	if got := choose(combat); got != "brace" {
		t.Fatalf("charging, exhausted: %s", got)
	}
	combat.Health = 20
	if got := choose(combat); got != "herbs" {
		t.Fatalf("low health: %s", got)
	}

	explore := protocol.SessionState{Phase: "explore", Options: []string{"take", "forward"}}
	if got := choose(explore); got != "take" {
		t.Fatalf("cache: %s", got)
	}
	explore.Options = []string{"forward"}
	if got := choose(explore); got != "forward" {
		t.Fatalf("corridor: %s", got)
	}
}
