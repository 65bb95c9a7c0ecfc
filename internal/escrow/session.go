package escrow

import (
	"dieforward.gg/internal/escrow/codec"
	"dieforward.gg/internal/ledger/keys"
)

type Status uint8

const (
	StatusActive Status = iota
	StatusDead
	StatusWon
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDead:
		return "dead"
	case StatusWon:
		return "won"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

func (s Status) Terminal() bool { return s == StatusDead || s == StatusWon }

// Session is one player's stake for one run. Status and stake are private so
// every change goes through the transition methods below.
type Session struct {
	Player    keys.Address
	SessionID codec.SessionID
	CreatedAt int64
	SettledAt int64
	Bump      uint8

	stake     uint64
	status    Status
	deathHash [codec.HashSize]byte
	hasHash   bool
}

func newSession(player keys.Address, id codec.SessionID, stake uint64, bump uint8, now int64) *Session {
	return &Session{
		Player:    player,
		SessionID: id,
		CreatedAt: now,
		Bump:      bump,
		stake:     stake,
		status:    StatusActive,
	}
}

func (s *Session) Stake() uint64 { return s.stake }
func (s *Session) Status() Status { return s.status }

func (s *Session) DeathHash() ([codec.HashSize]byte, bool) { return s.deathHash, s.hasHash }

func (s *Session) markDead(hash [codec.HashSize]byte, now int64) error {
	if s.status != StatusActive {
		return wrap(ErrInvalidSessionState, "record_death on %s session", s.status)
	}
	s.status = StatusDead
	s.deathHash = hash
	s.hasHash = true
	s.SettledAt = now
	return nil
}

func (s *Session) markWon(now int64) error {
	if s.status != StatusActive {
		return wrap(ErrInvalidSessionState, "claim_victory on %s session", s.status)
	}
	s.status = StatusWon
	s.SettledAt = now
	return nil
}

func (s *Session) markClosed() error {
	if !s.status.Terminal() {
		return wrap(ErrInvalidSessionState, "close_session on %s session", s.status)
	}
	s.status = StatusClosed
	return nil
}
