package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/form3tech-oss/jwt-go"

	"dieforward.gg/internal/orchestrator"
	"dieforward.gg/internal/persistence/indexdb"
	"dieforward.gg/internal/protocol"
)

const adminAudience = "dieforward-admin"

// AdminToken issues a bearer token for the admin API.
func AdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("admin secret is empty")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"aud": adminAudience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Server) verifyAdmin(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(h, "Bearer ")
	if h == "" || raw == h {
		return "", fmt.Errorf("missing bearer token")
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.cfg.AdminSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if !claims.VerifyAudience(adminAudience, true) {
		return "", fmt.Errorf("wrong audience")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

func (s *Server) admin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		sub, err := s.verifyAdmin(r)
		if err != nil {
			writeJSON(rw, http.StatusUnauthorized, protocol.ErrorResponse{Code: protocol.ErrNoPermission, Message: err.Error()})
			return
		}
		s.cfg.Log.Debugf("admin %s %s by %s", r.Method, r.URL.Path, sub)
		next(rw, r)
	})
}

func (s *Server) listSettlements(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		q := r.URL.Query()
		f := indexdb.SettlementFilter{Status: q.Get("status")}
		if v := q.Get("reconcile"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, badRequest("reconcile must be a boolean")
			}
			f.Reconcile = &b
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, badRequest("limit must be a non-negative integer")
			}
			f.Limit = n
		}
		rows, err := s.deps.Index.ListSettlements(r.Context(), f)
		if err != nil {
			return nil, err
		}
		out := protocol.SettlementsResponse{Settlements: []protocol.SettlementView{}}
		for _, row := range rows {
			out.Settlements = append(out.Settlements, orchestrator.SettlementView(row))
		}
		return out, nil
	})
}

func (s *Server) retrySettlement(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil || id <= 0 {
			return nil, badRequest("id must be a positive integer")
		}
		row, err := s.deps.Dispatcher.Retry(r.Context(), id)
		if err != nil {
			return nil, err
		}
		s.cfg.Log.Infof("operator retry of settlement %d (%s)", id, row.SessionID)
		return orchestrator.SettlementView(row), nil
	})
}

func (s *Server) takeSnapshot(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		if s.deps.Snapshot == nil {
			return nil, errNoSnapshot
		}
		return s.deps.Snapshot(r.Context())
	})
}

func (s *Server) recentTxs(rw http.ResponseWriter, r *http.Request) {
	s.handle(rw, r, func() (any, error) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, badRequest("limit must be a positive integer")
			}
			limit = n
		}
		rows, err := s.deps.Index.RecentTxs(r.Context(), limit)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []indexdb.TxRow{}
		}
		return map[string]any{"txs": rows, "slot": s.deps.Ledger.Slot()}, nil
	})
}
