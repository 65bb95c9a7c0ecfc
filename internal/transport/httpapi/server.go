// Package httpapi serves the JSON session API, the ledger relay that wallets
// submit signed transactions through, and the operator endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/decred/slog"

	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	"dieforward.gg/internal/orchestrator"
	"dieforward.gg/internal/persistence/indexdb"
	"dieforward.gg/internal/persistence/offsite"
	"dieforward.gg/internal/persistence/snapshot"
	"dieforward.gg/internal/protocol"
	"dieforward.gg/internal/settlement"
)

const maxBody = 64 << 10

// Ledger is the host ledger as the relay sees it.
type Ledger interface {
	Submit(ctx context.Context, tx *ledger.Transaction) (ledger.Receipt, error)
	Account(a keys.Address) (ledger.Account, bool)
	Airdrop(a keys.Address, lamports uint64) error
	Slot() uint64
}

type Config struct {
	Log slog.Logger
	// AdminSecret signs admin bearer tokens. Empty disables /admin.
	AdminSecret []byte
	// Airdrop exposes POST /v1/ledger/airdrop. Dev deployments only.
	Airdrop    bool
	MaxAirdrop uint64
}

type Deps struct {
	Sessions   *orchestrator.Service
	Ledger     Ledger
	Chain      *settlement.Client
	Index      *indexdb.Store
	Dispatcher *settlement.Dispatcher
	D1         *indexdb.D1Index
	Offsite    *offsite.Mirror
	Validator  *protocol.Validator
	// Snapshot writes a ledger snapshot on demand.
	Snapshot func(ctx context.Context) (snapshot.Header, error)
	// WS serves /v1/ws when set.
	WS http.Handler
}

type Server struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	return &Server{cfg: cfg, deps: deps}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /metrics", s.metrics)

	mux.HandleFunc("POST /v1/session/start", s.start)
	mux.HandleFunc("POST /v1/session/action", s.action)
	mux.HandleFunc("GET /v1/session/state", s.state)
	mux.HandleFunc("POST /v1/session/death", s.death)
	mux.HandleFunc("POST /v1/session/victory", s.victory)
	mux.HandleFunc("GET /v1/corpses", s.corpses)

	mux.HandleFunc("POST /v1/ledger/submit", s.submitTx)
	mux.HandleFunc("GET /v1/ledger/account/{address}", s.account)
	mux.HandleFunc("GET /v1/ledger/pool", s.pool)
	if s.cfg.Airdrop {
		mux.HandleFunc("POST /v1/ledger/airdrop", s.airdrop)
	}

	if len(s.cfg.AdminSecret) > 0 {
		mux.Handle("GET /admin/v1/settlements", s.admin(s.listSettlements))
		mux.Handle("POST /admin/v1/settlements/retry", s.admin(s.retrySettlement))
		mux.Handle("POST /admin/v1/snapshot", s.admin(s.takeSnapshot))
		mux.Handle("GET /admin/v1/ledger/txs", s.admin(s.recentTxs))
	} else {
		s.cfg.Log.Infof("admin endpoints disabled (no admin secret)")
	}
	if s.deps.WS != nil {
		mux.Handle("GET /v1/ws", s.deps.WS)
	}
	return mux
}

// handle runs fn and writes its result or error.
func (s *Server) handle(rw http.ResponseWriter, r *http.Request, fn func() (any, error)) {
	start := time.Now()
	v, err := fn()
	if err != nil {
		status, body := ErrorBody(err)
		if status >= 500 {
			s.cfg.Log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		} else {
			s.cfg.Log.Debugf("%s %s: %s %v", r.Method, r.URL.Path, body.Code, err)
		}
		writeJSON(rw, status, body)
		return
	}
	s.cfg.Log.Tracef("%s %s ok in %s", r.Method, r.URL.Path, time.Since(start))
	writeJSON(rw, http.StatusOK, v)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// decode validates the body against schema before unmarshalling it.
func (s *Server) decode(r *http.Request, schema string, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return protoError("read body: " + err.Error())
	}
	if len(raw) > maxBody {
		return protoError("body too large")
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.Validate(schema, raw); err != nil {
			return protoError(err.Error())
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return protoError(err.Error())
	}
	return nil
}

func (s *Server) start(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		var req protocol.StartRequest
		if err := s.decode(r, protocol.SchemaStart, &req); err != nil {
			return nil, err
		}
		res, err := s.deps.Sessions.Start(r.Context(), orchestrator.StartParams{
			Wallet:        req.Wallet,
			PlayerName:    req.PlayerName,
			StakeLamports: req.StakeLamports,
		})
		if err != nil {
			return nil, err
		}
		out := protocol.StartResponse{
			Token:     res.Token,
			SessionID: fmt.Sprintf("%x", res.SessionID[:]),
			State:     res.State,
		}
		if res.StakeInstruction != nil {
			out.EscrowSession = res.EscrowSession.String()
			ix := InstructionView(*res.StakeInstruction)
			out.StakeInstruction = &ix
		}
		return out, nil
	})
}

func (s *Server) action(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		var req protocol.ActionRequest
		if err := s.decode(r, protocol.SchemaAction, &req); err != nil {
			return nil, err
		}
		res, err := s.deps.Sessions.Act(r.Context(), req.Token, req.Room, req.Action)
		if err != nil {
			return nil, err
		}
		return protocol.ActionResponse{State: res.State, Result: orchestrator.ResultOf(res.Outcome)}, nil
	})
}

func (s *Server) state(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		token := r.URL.Query().Get("token")
		if token == "" {
			return nil, badRequest("token is required")
		}
		return s.deps.Sessions.State(r.Context(), token)
	})
}

func (s *Server) death(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		var req protocol.DeathRequest
		if err := s.decode(r, protocol.SchemaDeath, &req); err != nil {
			return nil, err
		}
		res, err := s.deps.Sessions.SubmitDeath(r.Context(), req.Token, req.FinalMessage)
		if err != nil {
			return nil, err
		}
		return protocol.DeathResponse{
			DeathHash:    fmt.Sprintf("%x", res.DeathHash[:]),
			CorpseID:     res.CorpseID,
			PayoutStatus: res.PayoutStatus,
			State:        res.State,
		}, nil
	})
}

func (s *Server) victory(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		var req protocol.VictoryRequest
		if err := s.decode(r, protocol.SchemaVictory, &req); err != nil {
			return nil, err
		}
		res, err := s.deps.Sessions.ClaimVictory(r.Context(), req.Token)
		if err != nil {
			return nil, err
		}
		return protocol.VictoryResponse{
			PayoutStatus: res.PayoutStatus,
			StakeOwed:    res.StakeOwed,
			BonusOwed:    res.BonusOwed,
			State:        res.State,
		}, nil
	})
}

func (s *Server) corpses(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		q := r.URL.Query()
		room := 0
		if v := q.Get("room"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, badRequest("room must be a non-negative integer")
			}
			room = n
		}
		list, err := s.deps.Sessions.Corpses(r.Context(), q.Get("zone"), room)
		if err != nil {
			return nil, err
		}
		return protocol.CorpsesResponse{Corpses: list}, nil
	})
}

func (s *Server) submitTx(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		var tx ledger.Transaction
		if err := s.decode(r, protocol.SchemaSubmitTx, &tx); err != nil {
			return nil, err
		}
		rc, err := s.deps.Ledger.Submit(r.Context(), &tx)
		if err != nil {
			return nil, err
		}
		return protocol.SubmitTxResponse{TxID: rc.TxID, Slot: rc.Slot}, nil
	})
}

func (s *Server) account(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		addr, err := keys.ParseAddress(r.PathValue("address"))
		if err != nil {
			return nil, badRequest(err.Error())
		}
		acct, ok := s.deps.Ledger.Account(addr)
		if !ok {
			return nil, fmt.Errorf("account %s: %w", addr, indexdb.ErrNotFound)
		}
		return protocol.AccountResponse{
			Address:  addr.String(),
			Lamports: acct.Lamports,
			Owner:    acct.Owner.String(),
			Data:     acct.Data,
		}, nil
	})
}

func (s *Server) pool(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		v, err := s.deps.Chain.Pool()
		if err != nil {
			return nil, err
		}
		return protocol.PoolResponse{
			Address:        v.Address.String(),
			ProgramID:      s.deps.Chain.ProgramID().String(),
			Authority:      v.Pool.Authority.String(),
			Treasury:       v.Pool.Treasury.String(),
			FeeBps:         v.Pool.FeeBps,
			BonusBps:       v.Pool.BonusBps,
			Lamports:       v.Lamports,
			Settleable:     v.Settleable,
			TotalStaked:    v.Pool.TotalStaked,
			TotalPaidOut:   v.Pool.TotalPaidOut,
			TotalFees:      v.Pool.TotalFees,
			TotalDeaths:    v.Pool.TotalDeaths,
			TotalVictories: v.Pool.TotalVictories,
		}, nil
	})
}

func (s *Server) airdrop(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		var req protocol.AirdropRequest
		if err := s.decode(r, protocol.SchemaAirdrop, &req); err != nil {
			return nil, err
		}
		addr, err := keys.ParseAddress(req.Address)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		if s.cfg.MaxAirdrop > 0 && req.Lamports > s.cfg.MaxAirdrop {
			return nil, badRequest(fmt.Sprintf("airdrop capped at %d lamports", s.cfg.MaxAirdrop))
		}
		if err := s.deps.Ledger.Airdrop(addr, req.Lamports); err != nil {
			return nil, err
		}
		acct, _ := s.deps.Ledger.Account(addr)
		return protocol.AccountResponse{Address: addr.String(), Lamports: acct.Lamports, Owner: acct.Owner.String()}, nil
	})
}

// InstructionView converts an instruction to its wire form.
func InstructionView(ix ledger.Instruction) protocol.Instruction {
	out := protocol.Instruction{ProgramID: ix.ProgramID.String(), Data: ix.Data}
	for _, m := range ix.Accounts {
		out.Accounts = append(out.Accounts, protocol.AccountMeta{Address: m.Address.String(), Signer: m.Signer, Writable: m.Writable})
	}
	return out
}

// InstructionFrom parses a wire instruction.
func InstructionFrom(p protocol.Instruction) (ledger.Instruction, error) {
	pid, err := keys.ParseAddress(p.ProgramID)
	if err != nil {
		return ledger.Instruction{}, fmt.Errorf("program_id: %w", err)
	}
	ix := ledger.Instruction{ProgramID: pid, Data: p.Data}
	for i, m := range p.Accounts {
		a, err := keys.ParseAddress(m.Address)
		if err != nil {
			return ledger.Instruction{}, fmt.Errorf("account %d: %w", i, err)
		}
		ix.Accounts = append(ix.Accounts, ledger.AccountMeta{Address: a, Signer: m.Signer, Writable: m.Writable})
	}
	return ix, nil
}

var errNoSnapshot = errors.New("snapshots are not configured")
