// Package settlement moves finished sessions onto the ledger: it signs the
// authority's record_death and claim_victory calls and drives them through a
// durable retry queue.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/escrow/codec"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
)

// ErrLedgerTransport marks a ledger call that timed out or never got an
// answer. The write may or may not have landed.
var ErrLedgerTransport = errors.New("ledger transport failure")

// Ledger is what the client needs from the host ledger.
type Ledger interface {
	Submit(ctx context.Context, tx *ledger.Transaction) (ledger.Receipt, error)
	Account(a keys.Address) (ledger.Account, bool)
	Rent() ledger.Rent
}

type Client struct {
	ledger    Ledger
	programID keys.Address
	authority *keys.PrivateKey
	timeout   time.Duration
}

func NewClient(l Ledger, programID keys.Address, authority *keys.PrivateKey, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{ledger: l, programID: programID, authority: authority, timeout: timeout}
}

func (c *Client) ProgramID() keys.Address { return c.programID }
func (c *Client) Authority() keys.Address { return c.authority.Address() }

// Initialize creates the pool with the given rates, funded by the authority.
func (c *Client) Initialize(ctx context.Context, treasury keys.Address, feeBps, bonusBps uint16) (ledger.Receipt, error) {
	return c.submit(ctx, escrow.BuildInitialize(c.programID, c.Authority(), treasury, feeBps, bonusBps))
}

func (c *Client) RecordDeath(ctx context.Context, player keys.Address, id codec.SessionID, hash [codec.HashSize]byte) (ledger.Receipt, error) {
	return c.submit(ctx, escrow.BuildRecordDeath(c.programID, c.Authority(), player, id, hash))
}

func (c *Client) ClaimVictory(ctx context.Context, player keys.Address, id codec.SessionID) (ledger.Receipt, error) {
	return c.submit(ctx, escrow.BuildClaimVictory(c.programID, c.Authority(), player, id))
}

// TopUp moves lamports from the authority wallet into the pool.
func (c *Client) TopUp(ctx context.Context, lamports uint64) (ledger.Receipt, error) {
	return c.submit(ctx, ledger.Transfer(c.Authority(), escrow.PoolAddress(c.programID), lamports))
}

type submitResult struct {
	r   ledger.Receipt
	err error
}

func (c *Client) submit(ctx context.Context, ix ledger.Instruction) (ledger.Receipt, error) {
	tx := ledger.NewTransaction(ix)
	if err := tx.Sign(c.authority); err != nil {
		return ledger.Receipt{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ch := make(chan submitResult, 1)
	go func() {
		r, err := c.ledger.Submit(ctx, tx)
		ch <- submitResult{r: r, err: err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return res.r, classify(res.err)
		}
		return res.r, nil
	case <-ctx.Done():
		return ledger.Receipt{}, fmt.Errorf("%w: %v", ErrLedgerTransport, ctx.Err())
	}
}

// classify maps a ledger error onto the escrow taxonomy when it carries a
// program code, and onto ErrLedgerTransport when no answer was received.
func classify(err error) error {
	var coded ledger.Coded
	if errors.As(err, &coded) {
		if e, ok := escrow.ErrorFromCode(coded.ErrorCode()); ok {
			if errors.Is(err, e) {
				return err
			}
			return fmt.Errorf("%w: %v", e, err)
		}
	}
	var netErr net.Error
	switch {
	case errors.Is(err, ErrLedgerTransport):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", ErrLedgerTransport, err)
	}
	return err
}

// Session reads the on-chain session for player and id. ok is false when no
// such account exists.
func (c *Client) Session(player keys.Address, id codec.SessionID) (*escrow.Session, bool, error) {
	acct, found := c.ledger.Account(escrow.SessionAddress(c.programID, player, id))
	if !found || len(acct.Data) == 0 {
		return nil, false, nil
	}
	s, err := escrow.ReadSession(acct)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// PoolView is the pool ledger plus its balances.
type PoolView struct {
	Address    keys.Address
	Pool       *escrow.PoolLedger
	Lamports   uint64
	Settleable uint64
}

func (c *Client) Pool() (PoolView, error) {
	addr := escrow.PoolAddress(c.programID)
	acct, found := c.ledger.Account(addr)
	if !found || len(acct.Data) == 0 {
		return PoolView{Address: addr}, fmt.Errorf("pool %s: not initialized", addr)
	}
	p, err := escrow.ReadPool(acct)
	if err != nil {
		return PoolView{Address: addr}, err
	}
	reserve := c.ledger.Rent().MinimumBalance(len(acct.Data))
	return PoolView{
		Address:    addr,
		Pool:       p,
		Lamports:   acct.Lamports,
		Settleable: escrow.Settleable(acct.Lamports, reserve),
	}, nil
}
