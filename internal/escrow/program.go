// Package escrow implements the on-ledger program that holds stakes and
// settles each session as either a death (stake to the pool) or a victory
// (stake plus bonus to the player).
package escrow

import (
	"errors"
	"fmt"

	"github.com/decred/slog"

	"dieforward.gg/internal/escrow/codec"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
)

const (
	LamportsPerSOL = 1_000_000_000

	DefaultMinStake = LamportsPerSOL / 100
	DefaultMaxStake = LamportsPerSOL
)

// DefaultProgramID is the program address used when a deployment does not
// configure one.
var DefaultProgramID = keys.FromSeed([]byte("dieforward/escrow/v1")).Address()

// Policy bounds what the program accepts regardless of pool configuration.
type Policy struct {
	MinStake uint64
	MaxStake uint64
}

func DefaultPolicy() Policy {
	return Policy{MinStake: DefaultMinStake, MaxStake: DefaultMaxStake}
}

type Program struct {
	policy Policy
	log    slog.Logger
}

func NewProgram(policy Policy, log slog.Logger) *Program {
	if log == nil {
		log = slog.Disabled
	}
	return &Program{policy: policy, log: log}
}

func (p *Program) Execute(ic *ledger.InvokeContext, data []byte) error {
	ix, err := codec.Decode(data)
	if err != nil {
		return err
	}
	switch v := ix.(type) {
	case codec.Initialize:
		return p.initialize(ic, v)
	case codec.Stake:
		return p.stake(ic, v)
	case codec.RecordDeath:
		return p.recordDeath(ic, v)
	case codec.ClaimVictory:
		return p.claimVictory(ic)
	case codec.CloseSession:
		return p.closeSession(ic)
	}
	return codec.ErrUnknownOperation
}

func metas(ic *ledger.InvokeContext, n int) ([]ledger.AccountMeta, error) {
	if ic.NumAccounts() < n {
		return nil, wrap(ErrInvalidAccount, "want %d accounts, got %d", n, ic.NumAccounts())
	}
	out := make([]ledger.AccountMeta, n)
	for i := range out {
		out[i], _ = ic.Meta(i)
	}
	return out, nil
}

func (p *Program) loadPool(ic *ledger.InvokeContext, m ledger.AccountMeta) (*PoolLedger, ledger.Account, error) {
	want, _, err := codec.PoolAddress(ic.ProgramID())
	if err != nil {
		return nil, ledger.Account{}, err
	}
	if m.Address != want {
		return nil, ledger.Account{}, wrap(ErrInvalidAccount, "pool address %s", m.Address)
	}
	acct := ic.Account(m.Address)
	if acct.Owner != ic.ProgramID() || len(acct.Data) == 0 {
		return nil, ledger.Account{}, wrap(ErrInvalidAccount, "pool not initialized")
	}
	pool, err := UnmarshalPool(acct.Data)
	if err != nil {
		return nil, ledger.Account{}, wrap(ErrInvalidAccount, "%v", err)
	}
	return pool, acct, nil
}

func (p *Program) loadSession(ic *ledger.InvokeContext, m ledger.AccountMeta) (*Session, ledger.Account, error) {
	acct := ic.Account(m.Address)
	if acct.Owner != ic.ProgramID() || len(acct.Data) == 0 {
		return nil, ledger.Account{}, wrap(ErrInvalidAccount, "no session at %s", m.Address)
	}
	s, err := UnmarshalSession(acct.Data)
	if err != nil {
		return nil, ledger.Account{}, wrap(ErrInvalidAccount, "%v", err)
	}
	if !codec.VerifyAddress(ic.ProgramID(), m.Address, s.Bump, []byte(codec.SessionSeed), s.Player[:], s.SessionID[:]) {
		return nil, ledger.Account{}, wrap(ErrInvalidAccount, "session address %s does not match its seeds", m.Address)
	}
	return s, acct, nil
}

func requireAuthority(pool *PoolLedger, m ledger.AccountMeta) error {
	if !m.Signer || m.Address != pool.Authority {
		return wrap(ErrUnauthorized, "%s is not the pool authority", m.Address)
	}
	return nil
}

func (p *Program) initialize(ic *ledger.InvokeContext, ix codec.Initialize) error {
	ms, err := metas(ic, 3)
	if err != nil {
		return err
	}
	poolM, treasuryM, authM := ms[0], ms[1], ms[2]
	want, bump, err := codec.PoolAddress(ic.ProgramID())
	if err != nil {
		return err
	}
	if poolM.Address != want {
		return wrap(ErrInvalidAccount, "pool address %s, want %s", poolM.Address, want)
	}
	if !authM.Signer {
		return wrap(ErrUnauthorized, "authority must sign initialize")
	}
	if len(ic.Account(poolM.Address).Data) > 0 {
		return ErrAlreadyInitialized
	}
	if ix.FeeBps > MaxBasisPoints || ix.BonusBps > MaxBasisPoints {
		return wrap(ErrInvalidBasisPoints, "fee=%d bonus=%d", ix.FeeBps, ix.BonusBps)
	}
	if err := ic.Create(authM.Address, poolM.Address, PoolLedgerSize); err != nil {
		return err
	}
	pool := &PoolLedger{
		Authority: authM.Address,
		Treasury:  treasuryM.Address,
		FeeBps:    ix.FeeBps,
		BonusBps:  ix.BonusBps,
		Bump:      bump,
	}
	p.log.Infof("pool initialized: authority=%s treasury=%s fee=%dbps bonus=%dbps",
		pool.Authority, pool.Treasury, pool.FeeBps, pool.BonusBps)
	return ic.SetData(poolM.Address, MarshalPool(pool))
}

func (p *Program) stake(ic *ledger.InvokeContext, ix codec.Stake) error {
	ms, err := metas(ic, 4)
	if err != nil {
		return err
	}
	poolM, sessM, treasuryM, playerM := ms[0], ms[1], ms[2], ms[3]
	if ix.Amount < p.policy.MinStake || ix.Amount > p.policy.MaxStake {
		return wrap(ErrStakeOutOfRange, "%d not in [%d, %d]", ix.Amount, p.policy.MinStake, p.policy.MaxStake)
	}
	if !playerM.Signer {
		return wrap(ErrUnauthorized, "player must sign stake")
	}
	pool, poolAcct, err := p.loadPool(ic, poolM)
	if err != nil {
		return err
	}
	if treasuryM.Address != pool.Treasury {
		return wrap(ErrInvalidAccount, "treasury %s, want %s", treasuryM.Address, pool.Treasury)
	}
	want, bump, err := codec.SessionAddress(ic.ProgramID(), playerM.Address, ix.SessionID)
	if err != nil {
		return err
	}
	if sessM.Address != want {
		return wrap(ErrInvalidAccount, "session address %s, want %s", sessM.Address, want)
	}
	if len(ic.Account(sessM.Address).Data) > 0 {
		return ErrSessionAlreadyExists
	}

	fee, err := pool.Fee(ix.Amount)
	if err != nil {
		return err
	}
	if Settleable(poolAcct.Lamports, ic.Rent().MinimumBalance(PoolLedgerSize)) < fee {
		return wrap(ErrInsufficientPoolFunds, "fee %d exceeds settleable balance", fee)
	}
	if pool.TotalStaked, err = checkedAdd(pool.TotalStaked, ix.Amount); err != nil {
		return err
	}
	if pool.TotalFees, err = checkedAdd(pool.TotalFees, fee); err != nil {
		return err
	}

	if err := ic.Create(playerM.Address, sessM.Address, SessionSize); err != nil {
		return err
	}
	if err := ic.Transfer(playerM.Address, sessM.Address, ix.Amount); err != nil {
		return err
	}
	if err := ic.Transfer(poolM.Address, treasuryM.Address, fee); err != nil {
		return err
	}
	s := newSession(playerM.Address, ix.SessionID, ix.Amount, bump, ic.Now().Unix())
	if err := ic.SetData(sessM.Address, MarshalSession(s)); err != nil {
		return err
	}
	p.log.Debugf("stake: player=%s session=%s amount=%d fee=%d", playerM.Address, sessM.Address, ix.Amount, fee)
	return ic.SetData(poolM.Address, MarshalPool(pool))
}

func (p *Program) recordDeath(ic *ledger.InvokeContext, ix codec.RecordDeath) error {
	ms, err := metas(ic, 3)
	if err != nil {
		return err
	}
	poolM, sessM, authM := ms[0], ms[1], ms[2]
	pool, _, err := p.loadPool(ic, poolM)
	if err != nil {
		return err
	}
	if err := requireAuthority(pool, authM); err != nil {
		return err
	}
	s, _, err := p.loadSession(ic, sessM)
	if err != nil {
		return err
	}
	if err := s.markDead(ix.DeathHash, ic.Now().Unix()); err != nil {
		return err
	}
	if pool.TotalDeaths, err = checkedAdd(pool.TotalDeaths, 1); err != nil {
		return err
	}
	if err := ic.Transfer(sessM.Address, poolM.Address, s.stake); err != nil {
		return err
	}
	if err := ic.SetData(sessM.Address, MarshalSession(s)); err != nil {
		return err
	}
	p.log.Debugf("record_death: session=%s forfeited=%d", sessM.Address, s.stake)
	return ic.SetData(poolM.Address, MarshalPool(pool))
}

func (p *Program) claimVictory(ic *ledger.InvokeContext) error {
	ms, err := metas(ic, 4)
	if err != nil {
		return err
	}
	poolM, sessM, playerM, authM := ms[0], ms[1], ms[2], ms[3]
	pool, poolAcct, err := p.loadPool(ic, poolM)
	if err != nil {
		return err
	}
	if err := requireAuthority(pool, authM); err != nil {
		return err
	}
	s, _, err := p.loadSession(ic, sessM)
	if err != nil {
		return err
	}
	if playerM.Address != s.Player {
		return wrap(ErrInvalidAccount, "player %s does not own session", playerM.Address)
	}
	if err := s.markWon(ic.Now().Unix()); err != nil {
		return err
	}
	bonus, err := pool.Bonus(s.stake)
	if err != nil {
		return err
	}
	if Settleable(poolAcct.Lamports, ic.Rent().MinimumBalance(PoolLedgerSize)) < bonus {
		return wrap(ErrInsufficientPoolFunds, "bonus %d exceeds settleable balance", bonus)
	}
	paid, err := checkedAdd(s.stake, bonus)
	if err != nil {
		return err
	}
	if pool.TotalPaidOut, err = checkedAdd(pool.TotalPaidOut, paid); err != nil {
		return err
	}
	if pool.TotalVictories, err = checkedAdd(pool.TotalVictories, 1); err != nil {
		return err
	}
	if err := ic.Transfer(sessM.Address, playerM.Address, s.stake); err != nil {
		return err
	}
	if err := ic.Transfer(poolM.Address, playerM.Address, bonus); err != nil {
		return err
	}
	if err := ic.SetData(sessM.Address, MarshalSession(s)); err != nil {
		return err
	}
	p.log.Debugf("claim_victory: session=%s stake=%d bonus=%d", sessM.Address, s.stake, bonus)
	return ic.SetData(poolM.Address, MarshalPool(pool))
}

func (p *Program) closeSession(ic *ledger.InvokeContext) error {
	ms, err := metas(ic, 2)
	if err != nil {
		return err
	}
	sessM, playerM := ms[0], ms[1]
	if !playerM.Signer {
		return wrap(ErrUnauthorized, "player must sign close_session")
	}
	s, _, err := p.loadSession(ic, sessM)
	if err != nil {
		return err
	}
	if s.Player != playerM.Address {
		return wrap(ErrUnauthorized, "%s does not own session", playerM.Address)
	}
	if err := s.markClosed(); err != nil {
		return err
	}
	return ic.Close(sessM.Address, playerM.Address)
}

// ReadPool decodes a pool ledger account fetched from the ledger.
func ReadPool(acct ledger.Account) (*PoolLedger, error) {
	if len(acct.Data) == 0 {
		return nil, errors.New("pool not initialized")
	}
	return UnmarshalPool(acct.Data)
}

// ReadSession decodes a session account fetched from the ledger.
func ReadSession(acct ledger.Account) (*Session, error) {
	if len(acct.Data) == 0 {
		return nil, fmt.Errorf("%w: empty session account", ErrAccountData)
	}
	return UnmarshalSession(acct.Data)
}

var _ ledger.Program = (*Program)(nil)

// PoolAddress and SessionAddress are re-exported so callers only need this
// package to address the program's accounts.
func PoolAddress(programID keys.Address) keys.Address {
	a, _, _ := codec.PoolAddress(programID)
	return a
}

func SessionAddress(programID, player keys.Address, id codec.SessionID) keys.Address {
	a, _, _ := codec.SessionAddress(programID, player, id)
	return a
}
