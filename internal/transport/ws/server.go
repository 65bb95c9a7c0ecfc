// Package ws is the live session channel: one connection per session token,
// HELLO to attach, ACT to move, and a STATE or ERROR reply to each.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"dieforward.gg/internal/orchestrator"
	"dieforward.gg/internal/protocol"
	"dieforward.gg/internal/transport/httpapi"
)

type Server struct {
	sessions  *orchestrator.Service
	validator *protocol.Validator
	log       slog.Logger

	upgrader websocket.Upgrader
}

func NewServer(sessions *orchestrator.Service, v *protocol.Validator, logger slog.Logger) *Server {
	if logger == nil {
		logger = slog.Disabled
	}
	return &Server{
		sessions:  sessions,
		validator: v,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// AllowAnyOrigin accepts browser connections from any page. Without it only
// same-origin upgrades (or clients that send no Origin) are accepted.
func (s *Server) AllowAnyOrigin() {
	s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	token := s.handshake(conn)
	if token == "" {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	out := make(chan any, 8)

	// Writer goroutine.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-out:
				if err := writeJSON(conn, m); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Reader loop.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply := s.handle(ctx, token, msg)
		select {
		case out <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, token string, msg []byte) any {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeAct {
		return errorMsg(protocol.ErrorResponse{Code: protocol.ErrProtoBadRequest, Message: "expected ACT"})
	}
	if s.validator != nil {
		if err := s.validator.Validate(protocol.SchemaAct, msg); err != nil {
			return errorMsg(protocol.ErrorResponse{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		}
	}
	var act protocol.ActMsg
	if err := json.Unmarshal(msg, &act); err != nil {
		return errorMsg(protocol.ErrorResponse{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
	}
	res, err := s.sessions.Act(ctx, token, act.Room, act.Action)
	if err != nil {
		_, body := httpapi.ErrorBody(err)
		return errorMsg(body)
	}
	return protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		State:           res.State,
		Result:          orchestrator.ResultOf(res.Outcome),
	}
}

func (s *Server) handshake(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return ""
	}
	if s.validator != nil {
		if err := s.validator.Validate(protocol.SchemaHello, msg); err != nil {
			_ = writeJSON(conn, errorMsg(protocol.ErrorResponse{Code: protocol.ErrProtoBadRequest, Message: err.Error()}))
			return ""
		}
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return ""
	}

	st, err := s.sessions.State(context.Background(), hello.Token)
	if err != nil {
		_, body := httpapi.ErrorBody(err)
		_ = writeJSON(conn, errorMsg(body))
		return ""
	}
	if err := writeJSON(conn, protocol.StateMsg{Type: protocol.TypeState, ProtocolVersion: protocol.Version, State: st}); err != nil {
		return ""
	}
	s.log.Debugf("ws attached to session %s", st.SessionID)
	return hello.Token
}

func errorMsg(e protocol.ErrorResponse) protocol.ErrorMsg {
	return protocol.ErrorMsg{Type: protocol.TypeError, Error: e}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
