// Package orchestrator runs dungeon sessions on the server: it owns the
// authoritative room, health and combat state, checks every submitted action
// against it, and hands finished sessions to settlement.
package orchestrator

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/slog"
	"github.com/google/uuid"

	"dieforward.gg/internal/deathhash"
	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/escrow/codec"
	"dieforward.gg/internal/game"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	"dieforward.gg/internal/persistence/indexdb"
	"dieforward.gg/internal/protocol"
	"dieforward.gg/internal/settlement"
	"dieforward.gg/internal/tuning"
)

const (
	maxNameLen  = 24
	defaultName = "Wanderer"
	sessionTag  = "dieforward/session/v1"
)

type Store interface {
	InsertSession(ctx context.Context, r indexdb.SessionRow) error
	UpdateSession(ctx context.Context, r indexdb.SessionRow) error
	GetSession(ctx context.Context, token string) (indexdb.SessionRow, error)
	DeadWithoutWords(ctx context.Context, phase string, cutoff int64) ([]indexdb.SessionRow, error)
	CommitEnding(ctx context.Context, sess indexdb.SessionRow, corpse *indexdb.CorpseRow, st *indexdb.SettlementRow) (int64, error)
	Corpses(ctx context.Context, zone string, room int, limit int) ([]indexdb.CorpseRow, error)
	SettlementForSession(ctx context.Context, sessionID string) (indexdb.SettlementRow, error)
}

// Chain is the read side of the escrow program.
type Chain interface {
	Session(player keys.Address, id codec.SessionID) (*escrow.Session, bool, error)
	Pool() (settlement.PoolView, error)
}

type Queue interface {
	Enqueue(id int64)
}

type Config struct {
	Tuning    tuning.Tuning
	ProgramID keys.Address
	Treasury  keys.Address
	Clock     func() time.Time
	Log       slog.Logger
}

type Service struct {
	cfg   Config
	store Store
	chain Chain
	queue Queue

	locks sync.Map // token -> *sync.Mutex

	ratesMu sync.Mutex
	rates   *escrow.PoolLedger
}

func New(cfg Config, store Store, chain Chain, queue Queue) *Service {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	return &Service{cfg: cfg, store: store, chain: chain, queue: queue}
}

func (s *Service) lock(token string) func() {
	m, _ := s.locks.LoadOrStore(token, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// SessionIDFor derives the on-chain session id from a session token.
func SessionIDFor(token string) codec.SessionID {
	return codec.SessionID(blake256.Sum256([]byte(sessionTag + token)))
}

// rngFor returns the generator for one turn of a session. The same seed and
// turn always give the same rolls.
func rngFor(seed int64, turn int) *rand.Rand {
	x := uint64(seed) + uint64(turn)*0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	return rand.New(rand.NewSource(int64(x)))
}

func newSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// session is a loaded row with its decoded run.
type session struct {
	row indexdb.SessionRow
	run *game.Run
}

func (s *Service) load(ctx context.Context, token string) (*session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	row, err := s.store.GetSession(ctx, token)
	if errors.Is(err, indexdb.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var run game.Run
	if err := json.Unmarshal(row.Run, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", token, err)
	}
	return &session{row: row, run: &run}, nil
}

func (s *Service) encode(sess *session) error {
	raw, err := json.Marshal(sess.run)
	if err != nil {
		return err
	}
	sess.row.Run = raw
	sess.row.Phase = string(sess.run.Phase)
	sess.row.Room = sess.run.Room
	sess.row.UpdatedAt = s.cfg.Clock().UnixMilli()
	return nil
}

func (s *Service) save(ctx context.Context, sess *session) error {
	if err := s.encode(sess); err != nil {
		return err
	}
	return s.store.UpdateSession(ctx, sess.row)
}

type StartParams struct {
	Wallet        string
	PlayerName    string
	StakeLamports uint64
}

type StartResult struct {
	Token     string
	SessionID codec.SessionID
	// Set when the session is staked.
	EscrowSession    keys.Address
	StakeInstruction *ledger.Instruction
	State            protocol.SessionState
}

func (s *Service) validStake(lamports uint64) bool {
	if lamports == 0 {
		return true
	}
	for _, v := range s.cfg.Tuning.Escrow.ValidStakes {
		if v == lamports {
			return true
		}
	}
	return false
}

// Start opens a new session. Staked sessions come back with the stake
// instruction the player must sign and submit before their first action.
func (s *Service) Start(ctx context.Context, p StartParams) (StartResult, error) {
	wallet, err := keys.ParseAddress(strings.TrimSpace(p.Wallet))
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrBadWallet, err)
	}
	if !s.validStake(p.StakeLamports) {
		return StartResult{}, fmt.Errorf("%w: %d lamports", ErrBadStake, p.StakeLamports)
	}
	name := strings.TrimSpace(p.PlayerName)
	if name == "" {
		name = defaultName
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return StartResult{}, fmt.Errorf("%w: longer than %d characters", ErrBadName, maxNameLen)
	}

	token := uuid.NewString()
	sid := SessionIDFor(token)
	seed := newSeed()
	run := game.NewRun(s.cfg.Tuning, rngFor(seed, 0))
	now := s.cfg.Clock().UnixMilli()

	sess := &session{
		row: indexdb.SessionRow{
			Token:         token,
			SessionID:     hex.EncodeToString(sid[:]),
			Wallet:        wallet.String(),
			PlayerName:    name,
			StakeLamports: p.StakeLamports,
			Escrowed:      p.StakeLamports > 0,
			Seed:          seed,
			Zone:          run.Zone,
			CreatedAt:     now,
		},
		run: run,
	}
	if err := s.encode(sess); err != nil {
		return StartResult{}, err
	}
	if err := s.store.InsertSession(ctx, sess.row); err != nil {
		return StartResult{}, err
	}

	res := StartResult{Token: token, SessionID: sid, State: s.view(ctx, sess)}
	if sess.row.Escrowed {
		res.EscrowSession = escrow.SessionAddress(s.cfg.ProgramID, wallet, sid)
		ix := escrow.BuildStake(s.cfg.ProgramID, wallet, s.cfg.Treasury, p.StakeLamports, sid)
		res.StakeInstruction = &ix
	}
	s.cfg.Log.Infof("session %s started wallet=%s stake=%d rooms=%d", sess.row.SessionID[:12], wallet, p.StakeLamports, run.TotalRooms)
	return res, nil
}

// confirmStake checks that the player's stake landed in the escrow session
// and matches what they started with.
func (s *Service) confirmStake(sess *session) error {
	wallet, err := keys.ParseAddress(sess.row.Wallet)
	if err != nil {
		return err
	}
	sid := SessionIDFor(sess.row.Token)
	onChain, ok, err := s.chain.Session(wallet, sid)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStakeNotConfirmed, err)
	}
	if !ok {
		return fmt.Errorf("%w: no escrow session", ErrStakeNotConfirmed)
	}
	if onChain.Status() != escrow.StatusActive || onChain.Stake() != sess.row.StakeLamports || onChain.Player != wallet {
		return fmt.Errorf("%w: escrow session %s holds %d", ErrStakeNotConfirmed, onChain.Status(), onChain.Stake())
	}
	sess.row.StakeConfirmed = true
	return nil
}

type ActResult struct {
	State   protocol.SessionState
	Outcome game.Outcome
}

// Act applies one action. room must be the room the server has the player in.
func (s *Service) Act(ctx context.Context, token string, room int, action string) (ActResult, error) {
	defer s.lock(token)()
	sess, err := s.load(ctx, token)
	if err != nil {
		return ActResult{}, err
	}
	if sess.run.Phase != game.PhaseExplore && sess.run.Phase != game.PhaseCombat {
		return ActResult{}, fmt.Errorf("%w: %s", ErrInvalidPhase, sess.run.Phase)
	}
	if room != sess.run.Room {
		return ActResult{}, &RoomMismatchError{Expected: sess.run.Room, Received: room}
	}
	if sess.row.Escrowed && !sess.row.StakeConfirmed {
		if err := s.confirmStake(sess); err != nil {
			return ActResult{}, err
		}
	}

	out, err := sess.run.Act(game.Action(action), s.cfg.Tuning, rngFor(sess.row.Seed, sess.run.Turn+1))
	if err != nil {
		return ActResult{}, err
	}
	switch sess.run.Phase {
	case game.PhaseDead:
		sess.row.EndedAt = s.cfg.Clock().UnixMilli()
		s.cfg.Log.Infof("session %s died in room %d", sess.row.SessionID[:12], sess.run.Room)
	case game.PhaseWon:
		if _, err := s.finishVictory(ctx, sess); err != nil {
			return ActResult{}, err
		}
		return ActResult{State: s.view(ctx, sess), Outcome: out}, nil
	}
	if err := s.save(ctx, sess); err != nil {
		return ActResult{}, err
	}
	return ActResult{State: s.view(ctx, sess), Outcome: out}, nil
}

func (s *Service) State(ctx context.Context, token string) (protocol.SessionState, error) {
	sess, err := s.load(ctx, token)
	if err != nil {
		return protocol.SessionState{}, err
	}
	return s.view(ctx, sess), nil
}

type DeathResult struct {
	DeathHash    [32]byte
	CorpseID     string
	PayoutStatus string
	State        protocol.SessionState
}

// SubmitDeath records the player's last words. The death and corpse are
// stored before this returns; the ledger write happens in the background.
func (s *Service) SubmitDeath(ctx context.Context, token, finalMessage string) (DeathResult, error) {
	defer s.lock(token)()
	sess, err := s.load(ctx, token)
	if err != nil {
		return DeathResult{}, err
	}
	if sess.run.Phase != game.PhaseDead {
		return DeathResult{}, fmt.Errorf("%w: %s", ErrInvalidPhase, sess.run.Phase)
	}
	if sess.row.DeathHash != "" {
		return DeathResult{}, ErrDeathRecorded
	}
	msg := strings.TrimSpace(finalMessage)
	if n := utf8.RuneCountInString(msg); n == 0 || n > s.cfg.Tuning.Dungeon.FinalMessageMax {
		return DeathResult{}, fmt.Errorf("%w: must be 1-%d characters", ErrBadMessage, s.cfg.Tuning.Dungeon.FinalMessageMax)
	}
	// A lone surrogate in the request decodes to U+FFFD, which would hash
	// differently from the text the player sent.
	if !utf8.ValidString(msg) || strings.ContainsRune(msg, utf8.RuneError) {
		return DeathResult{}, fmt.Errorf("%w: not valid unicode text", ErrBadMessage)
	}
	return s.recordDeath(ctx, sess, msg)
}

func (s *Service) recordDeath(ctx context.Context, sess *session, msg string) (DeathResult, error) {
	now := s.cfg.Clock()
	hash := deathhash.Hash(deathhash.Tuple{
		Wallet:          sess.row.Wallet,
		Zone:            sess.run.Zone,
		Room:            sess.run.Room,
		FinalMessage:    msg,
		StakeAmount:     sess.row.StakeLamports,
		TimestampMillis: now.UnixMilli(),
	})
	hashHex := hex.EncodeToString(hash[:])
	sess.row.FinalMessage = msg
	sess.row.DeathHash = hashHex
	if sess.row.EndedAt == 0 {
		sess.row.EndedAt = now.UnixMilli()
	}
	if err := s.encode(sess); err != nil {
		return DeathResult{}, err
	}

	corpse := &indexdb.CorpseRow{
		ID:           uuid.NewString(),
		SessionID:    sess.row.SessionID,
		Zone:         sess.run.Zone,
		Room:         sess.run.Room,
		PlayerName:   sess.row.PlayerName,
		Wallet:       sess.row.Wallet,
		FinalMessage: msg,
		DeathHash:    hashHex,
		CreatedAt:    now.UnixMilli(),
	}
	var st *indexdb.SettlementRow
	status := settlement.StatusPaid
	if sess.row.Escrowed {
		status = settlement.StatusPending
		st = &indexdb.SettlementRow{
			SessionID: sess.row.SessionID,
			Kind:      settlement.KindDeath,
			Status:    status,
			Wallet:    sess.row.Wallet,
			DeathHash: hashHex,
			CreatedAt: now.UnixMilli(),
			UpdatedAt: now.UnixMilli(),
		}
	}
	id, err := s.store.CommitEnding(ctx, sess.row, corpse, st)
	if err != nil {
		return DeathResult{}, err
	}
	if st != nil {
		s.queue.Enqueue(id)
	}
	s.cfg.Log.Infof("session %s death recorded hash=%s", sess.row.SessionID[:12], hashHex[:16])
	return DeathResult{DeathHash: hash, CorpseID: corpse.ID, PayoutStatus: status, State: s.view(ctx, sess)}, nil
}

type VictoryResult struct {
	PayoutStatus string
	StakeOwed    uint64
	BonusOwed    uint64
	State        protocol.SessionState
}

// ClaimVictory ends a run at the exit. Claiming an already won session
// returns its existing settlement.
func (s *Service) ClaimVictory(ctx context.Context, token string) (VictoryResult, error) {
	defer s.lock(token)()
	sess, err := s.load(ctx, token)
	if err != nil {
		return VictoryResult{}, err
	}
	switch sess.run.Phase {
	case game.PhaseWon:
		return s.victoryResult(ctx, sess), nil
	case game.PhaseExplore, game.PhaseCombat:
		if !sess.run.AtExit() {
			return VictoryResult{}, &NotCompletedError{Current: sess.run.Room, Required: sess.run.TotalRooms}
		}
		if sess.run.Phase == game.PhaseCombat {
			return VictoryResult{}, fmt.Errorf("%w: %s", ErrInvalidPhase, sess.run.Phase)
		}
	default:
		return VictoryResult{}, fmt.Errorf("%w: %s", ErrInvalidPhase, sess.run.Phase)
	}
	if err := sess.run.Escape(); err != nil {
		return VictoryResult{}, err
	}
	return s.finishVictory(ctx, sess)
}

func (s *Service) finishVictory(ctx context.Context, sess *session) (VictoryResult, error) {
	now := s.cfg.Clock().UnixMilli()
	sess.row.EndedAt = now
	if err := s.encode(sess); err != nil {
		return VictoryResult{}, err
	}
	var st *indexdb.SettlementRow
	if sess.row.Escrowed {
		bonus, err := s.bonusFor(sess.row.StakeLamports)
		if err != nil {
			return VictoryResult{}, err
		}
		st = &indexdb.SettlementRow{
			SessionID: sess.row.SessionID,
			Kind:      settlement.KindVictory,
			Status:    settlement.StatusPending,
			Wallet:    sess.row.Wallet,
			StakeOwed: sess.row.StakeLamports,
			BonusOwed: bonus,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	id, err := s.store.CommitEnding(ctx, sess.row, nil, st)
	if err != nil {
		return VictoryResult{}, err
	}
	if st != nil {
		s.queue.Enqueue(id)
	}
	s.cfg.Log.Infof("session %s escaped after %d rooms", sess.row.SessionID[:12], sess.run.TotalRooms)
	return s.victoryResult(ctx, sess), nil
}

func (s *Service) victoryResult(ctx context.Context, sess *session) VictoryResult {
	v := s.view(ctx, sess)
	if v.Settlement == nil {
		return VictoryResult{PayoutStatus: settlement.StatusPaid, State: v}
	}
	return VictoryResult{
		PayoutStatus: v.Settlement.Status,
		StakeOwed:    v.Settlement.StakeOwed,
		BonusOwed:    v.Settlement.BonusOwed,
		State:        v,
	}
}

// bonusFor applies the pool's bonus rate. The rates are read once and kept,
// since the program never changes them after initialize.
func (s *Service) bonusFor(stake uint64) (uint64, error) {
	s.ratesMu.Lock()
	defer s.ratesMu.Unlock()
	if s.rates == nil {
		v, err := s.chain.Pool()
		if err != nil {
			s.cfg.Log.Warnf("pool rates unavailable, using configured bonus: %v", err)
			p := &escrow.PoolLedger{FeeBps: s.cfg.Tuning.Escrow.FeeBps, BonusBps: s.cfg.Tuning.Escrow.VictoryBonusBps}
			return p.Bonus(stake)
		}
		s.rates = v.Pool
	}
	return s.rates.Bonus(stake)
}

// ReapAbandoned records a default epitaph for players who died and never
// came back to write their own, so their stake still settles.
func (s *Service) ReapAbandoned(ctx context.Context) (int, error) {
	grace := s.cfg.Tuning.Dungeon.DeathGrace()
	cutoff := s.cfg.Clock().Add(-grace).UnixMilli()
	rows, err := s.store.DeadWithoutWords(ctx, string(game.PhaseDead), cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := s.reapOne(ctx, r.Token)
		if err != nil {
			s.cfg.Log.Warnf("reap %s: %v", r.SessionID, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Service) reapOne(ctx context.Context, token string) (bool, error) {
	defer s.lock(token)()
	sess, err := s.load(ctx, token)
	if err != nil {
		return false, err
	}
	if sess.run.Phase != game.PhaseDead || sess.row.DeathHash != "" {
		return false, nil
	}
	_, err = s.recordDeath(ctx, sess, s.cfg.Tuning.Dungeon.DefaultEpitaph)
	return err == nil, err
}

// RunReaper calls ReapAbandoned every interval until ctx ends.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := s.ReapAbandoned(ctx)
			if err != nil && ctx.Err() == nil {
				s.cfg.Log.Warnf("reaper: %v", err)
			}
			if n > 0 {
				s.cfg.Log.Infof("reaper settled %d abandoned deaths", n)
			}
		}
	}
}

func (s *Service) Corpses(ctx context.Context, zone string, room int) ([]protocol.Corpse, error) {
	if zone == "" {
		zone = s.cfg.Tuning.Dungeon.Zone
	}
	rows, err := s.store.Corpses(ctx, zone, room, 20)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Corpse, 0, len(rows))
	for _, r := range rows {
		out = append(out, protocol.Corpse{
			ID:           r.ID,
			Zone:         r.Zone,
			Room:         r.Room,
			PlayerName:   r.PlayerName,
			Wallet:       r.Wallet,
			FinalMessage: r.FinalMessage,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}
