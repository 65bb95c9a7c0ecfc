// Command bot plays one run against a server: it funds a wallet, stakes,
// walks the dungeon and settles, which exercises the whole stake flow.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	"dieforward.gg/internal/logging"
	"dieforward.gg/internal/protocol"
	"dieforward.gg/internal/transport/httpapi"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8080", "server base url")
		name    = flag.String("name", "bot", "player name")
		keyHex  = flag.String("key", "", "wallet private key hex (default: fresh key)")
		stake   = flag.Uint64("stake", 10_000_000, "stake in lamports (0 plays free)")
		airdrop = flag.Uint64("airdrop", 100_000_000, "lamports to request before staking (dev servers; 0 skips)")
		useWS   = flag.Bool("ws", true, "send actions over the websocket")
		epitaph = flag.String("epitaph", "The bot went forward.", "final message if the run ends in death")
		maxTurn = flag.Int("max_turns", 200, "give up after this many actions")
	)
	flag.Parse()

	backend, err := logging.New("", "info")
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	log := backend.Logger("BOT")

	key, err := walletKey(*keyHex)
	if err != nil {
		log.Errorf("wallet: %v", err)
		os.Exit(1)
	}
	c := &client{base: strings.TrimRight(*baseURL, "/"), http: &http.Client{Timeout: 10 * time.Second}}
	b := &bot{c: c, key: key, log: log, useWS: *useWS, epitaph: *epitaph, maxTurns: *maxTurn}
	if err := b.play(*name, *stake, *airdrop); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func walletKey(hexKey string) (*keys.PrivateKey, error) {
	if strings.TrimSpace(hexKey) != "" {
		return keys.ParsePrivateKey(strings.TrimSpace(hexKey))
	}
	return keys.Generate()
}

type bot struct {
	c        *client
	key      *keys.PrivateKey
	log      slog.Logger
	useWS    bool
	epitaph  string
	maxTurns int
}

func (b *bot) play(name string, stake, airdrop uint64) error {
	wallet := b.key.Address().String()
	if stake > 0 && airdrop > 0 {
		var acct protocol.AccountResponse
		if err := b.c.post("/v1/ledger/airdrop", protocol.AirdropRequest{Address: wallet, Lamports: airdrop}, &acct); err != nil {
			return fmt.Errorf("airdrop: %w", err)
		}
		b.log.Infof("wallet %s funded: %d lamports", wallet, acct.Lamports)
	}

	var start protocol.StartResponse
	if err := b.c.post("/v1/session/start", protocol.StartRequest{Wallet: wallet, PlayerName: name, StakeLamports: stake}, &start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	b.log.Infof("session %s in %s, %d rooms", start.SessionID, start.State.Zone, start.State.TotalRooms)

	if start.StakeInstruction != nil {
		ix, err := httpapi.InstructionFrom(*start.StakeInstruction)
		if err != nil {
			return fmt.Errorf("stake instruction: %w", err)
		}
		tx := ledger.NewTransaction(ix)
		if err := tx.Sign(b.key); err != nil {
			return fmt.Errorf("sign stake: %w", err)
		}
		var rc protocol.SubmitTxResponse
		if err := b.c.post("/v1/ledger/submit", tx, &rc); err != nil {
			return fmt.Errorf("submit stake: %w", err)
		}
		b.log.Infof("staked %d lamports in tx %s (slot %d)", stake, rc.TxID, rc.Slot)
	}

	act := b.c.httpAct(start.Token)
	if b.useWS {
		ws, err := b.c.dialWS(start.Token)
		if err != nil {
			return fmt.Errorf("ws: %w", err)
		}
		defer ws.Close()
		act = ws.act
	}

	st := start.State
	for turn := 0; st.Phase == "explore" || st.Phase == "combat"; turn++ {
		if turn >= b.maxTurns {
			return fmt.Errorf("no ending after %d actions", turn)
		}
		a := choose(st)
		next, res, err := act(st.Room, a)
		if err != nil {
			return fmt.Errorf("room %d %s: %w", st.Room, a, err)
		}
		if res != nil {
			b.log.Debugf("room %d %s -> %s dealt=%d taken=%d", st.Room, a, res.Kind, res.DamageDealt, res.DamageTaken)
		}
		st = next
	}

	switch st.Phase {
	case "dead":
		var out protocol.DeathResponse
		if err := b.c.post("/v1/session/death", protocol.DeathRequest{Token: start.Token, FinalMessage: b.epitaph}, &out); err != nil {
			return fmt.Errorf("death: %w", err)
		}
		b.log.Infof("died in room %d; corpse %s, hash %s, payout %s", st.Room, out.CorpseID, out.DeathHash, out.PayoutStatus)
	case "won":
		var out protocol.VictoryResponse
		if err := b.c.post("/v1/session/victory", protocol.VictoryRequest{Token: start.Token}, &out); err != nil {
			return fmt.Errorf("victory: %w", err)
		}
		b.log.Infof("escaped; payout %s stake=%d bonus=%d", out.PayoutStatus, out.StakeOwed, out.BonusOwed)
	}
	return nil
}

// choose is a cautious policy: heal when low, dodge a charge, loot what is
// there, otherwise keep moving.
func choose(st protocol.SessionState) string {
	has := func(a string) bool {
		for _, o := range st.Options {
			if o == a {
				return true
			}
		}
		return false
	}
	if st.Phase == "combat" {
		switch {
		case has("herbs") && st.Health*100 < st.MaxHealth*35:
			return "herbs"
		case st.Enemy != nil && st.Enemy.Charging && st.Stamina > 0:
			return "dodge"
		case st.Enemy != nil && st.Enemy.Charging:
			return "brace"
		}
		return "strike"
	}
	for _, a := range []string{"take", "search"} {
		if has(a) {
			return a
		}
	}
	return "forward"
}

type actFunc func(room int, action string) (protocol.SessionState, *protocol.Result, error)

type client struct {
	base string
	http *http.Client
}

type apiError struct {
	status int
	body   protocol.ErrorResponse
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.status, e.body.Code, e.body.Message)
}

func (c *client) post(path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		e := &apiError{status: resp.StatusCode}
		_ = json.Unmarshal(raw, &e.body)
		return e
	}
	return json.Unmarshal(raw, out)
}

func (c *client) httpAct(token string) actFunc {
	return func(room int, action string) (protocol.SessionState, *protocol.Result, error) {
		var out protocol.ActionResponse
		err := c.post("/v1/session/action", protocol.ActionRequest{Token: token, Room: room, Action: action}, &out)
		return out.State, out.Result, err
	}
}

type wsConn struct{ conn *websocket.Conn }

func (c *client) dialWS(token string) (*wsConn, error) {
	u := "ws" + strings.TrimPrefix(c.base, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return nil, err
	}
	w := &wsConn{conn: conn}
	if _, _, err := w.roundTrip(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Token: token}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return w, nil
}

func (w *wsConn) act(room int, action string) (protocol.SessionState, *protocol.Result, error) {
	return w.roundTrip(protocol.ActMsg{Type: protocol.TypeAct, Room: room, Action: action})
}

func (w *wsConn) roundTrip(msg any) (protocol.SessionState, *protocol.Result, error) {
	if err := w.conn.WriteJSON(msg); err != nil {
		return protocol.SessionState{}, nil, err
	}
	_ = w.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := w.conn.ReadMessage()
	if err != nil {
		return protocol.SessionState{}, nil, err
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return protocol.SessionState{}, nil, err
	}
	if base.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		if err := json.Unmarshal(raw, &e); err != nil {
			return protocol.SessionState{}, nil, err
		}
		return protocol.SessionState{}, nil, &apiError{body: e.Error}
	}
	var st protocol.StateMsg
	if err := json.Unmarshal(raw, &st); err != nil {
		return protocol.SessionState{}, nil, err
	}
	return st.State, st.Result, nil
}

func (w *wsConn) Close() error { return w.conn.Close() }
