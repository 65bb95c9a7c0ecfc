package ledger

import (
	"bytes"
	"fmt"
	"time"

	"dieforward.gg/internal/ledger/keys"
)

// Program executes instructions addressed to its id.
type Program interface {
	Execute(ic *InvokeContext, data []byte) error
}

// overlay buffers writes for one transaction. Nothing reaches the base map
// until commit.
type overlay struct {
	base  map[keys.Address]*Account
	dirty map[keys.Address]*Account
}

func newOverlay(base map[keys.Address]*Account) *overlay {
	return &overlay{base: base, dirty: map[keys.Address]*Account{}}
}

func (o *overlay) get(a keys.Address) (Account, bool) {
	if v, ok := o.dirty[a]; ok {
		if v == nil {
			return Account{}, false
		}
		return v.Clone(), true
	}
	if v, ok := o.base[a]; ok {
		return v.Clone(), true
	}
	return Account{}, false
}

func (o *overlay) put(a keys.Address, acct Account) {
	c := acct.Clone()
	o.dirty[a] = &c
}

func (o *overlay) del(a keys.Address) { o.dirty[a] = nil }

// balanced reports whether the transaction neither created nor destroyed
// lamports.
func (o *overlay) balanced() bool {
	var before, after uint64
	for a, v := range o.dirty {
		if b, ok := o.base[a]; ok {
			before += b.Lamports
		}
		if v != nil {
			after += v.Lamports
		}
	}
	return before == after
}

func (o *overlay) commit() {
	for a, v := range o.dirty {
		if v == nil || v.empty() {
			delete(o.base, a)
			continue
		}
		o.base[a] = v
	}
}

// InvokeContext is what a program sees while executing one instruction.
type InvokeContext struct {
	program keys.Address
	metas   []AccountMeta
	ov      *overlay
	now     time.Time
	slot    uint64
	rent    Rent
}

func (ic *InvokeContext) ProgramID() keys.Address { return ic.program }
func (ic *InvokeContext) Now() time.Time          { return ic.now }
func (ic *InvokeContext) Slot() uint64            { return ic.slot }
func (ic *InvokeContext) Rent() Rent              { return ic.rent }

func (ic *InvokeContext) NumAccounts() int { return len(ic.metas) }

// Meta returns the i-th account passed to the instruction.
func (ic *InvokeContext) Meta(i int) (AccountMeta, error) {
	if i < 0 || i >= len(ic.metas) {
		return AccountMeta{}, fmt.Errorf("%w: index %d of %d", ErrMissingAccount, i, len(ic.metas))
	}
	return ic.metas[i], nil
}

func (ic *InvokeContext) lookup(a keys.Address) (AccountMeta, bool) {
	for _, m := range ic.metas {
		if m.Address == a {
			return m, true
		}
	}
	return AccountMeta{}, false
}

func (ic *InvokeContext) writable(a keys.Address) error {
	m, ok := ic.lookup(a)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingAccount, a)
	}
	if !m.Writable {
		return fmt.Errorf("%w: %s", ErrReadonlyAccount, a)
	}
	return nil
}

// Account returns a copy of the account state; absent accounts read as zero.
func (ic *InvokeContext) Account(a keys.Address) Account {
	acct, _ := ic.ov.get(a)
	return acct
}

// SetData replaces the data of an account owned by the running program. The
// length must not change.
func (ic *InvokeContext) SetData(a keys.Address, data []byte) error {
	if err := ic.writable(a); err != nil {
		return err
	}
	acct, ok := ic.ov.get(a)
	if !ok || acct.Owner != ic.program {
		return fmt.Errorf("%w: %s", ErrIllegalOwner, a)
	}
	if len(data) != len(acct.Data) {
		return fmt.Errorf("account %s: data length %d, want %d", a, len(data), len(acct.Data))
	}
	acct.Data = bytes.Clone(data)
	ic.ov.put(a, acct)
	return nil
}

// Create allocates space bytes at a for the running program, funding the
// rent-exempt minimum from payer. Addresses that are on the curve must sign.
func (ic *InvokeContext) Create(payer, a keys.Address, space int) error {
	pm, ok := ic.lookup(payer)
	if !ok || !pm.Signer {
		return fmt.Errorf("%w: payer %s", ErrMissingSigner, payer)
	}
	if err := ic.writable(a); err != nil {
		return err
	}
	if keys.IsOnCurve(a) {
		if m, _ := ic.lookup(a); !m.Signer {
			return fmt.Errorf("%w: %s", ErrMissingSigner, a)
		}
	}
	acct, _ := ic.ov.get(a)
	if len(acct.Data) > 0 || acct.Owner != SystemProgramID {
		return fmt.Errorf("%w: %s", ErrAccountInUse, a)
	}
	need := ic.rent.MinimumBalance(space)
	if acct.Lamports < need {
		if err := ic.Transfer(payer, a, need-acct.Lamports); err != nil {
			return err
		}
		acct, _ = ic.ov.get(a)
	}
	acct.Owner = ic.program
	acct.Data = make([]byte, space)
	ic.ov.put(a, acct)
	return nil
}

// Transfer moves lamports. The source must be owned by the running program,
// or be a wallet that signed the transaction.
func (ic *InvokeContext) Transfer(from, to keys.Address, lamports uint64) error {
	if err := ic.writable(from); err != nil {
		return err
	}
	if err := ic.writable(to); err != nil {
		return err
	}
	if lamports == 0 {
		return nil
	}
	src, _ := ic.ov.get(from)
	switch {
	case src.Owner == ic.program:
	case src.Owner == SystemProgramID:
		if m, _ := ic.lookup(from); !m.Signer {
			return fmt.Errorf("%w: %s", ErrMissingSigner, from)
		}
	default:
		return fmt.Errorf("%w: debit from %s", ErrIllegalOwner, from)
	}
	if src.Lamports < lamports {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientLamports, from, src.Lamports, lamports)
	}
	if from == to {
		return nil
	}
	dst, _ := ic.ov.get(to)
	sum, err := addLamports(dst.Lamports, lamports)
	if err != nil {
		return err
	}
	src.Lamports -= lamports
	dst.Lamports = sum
	ic.ov.put(from, src)
	ic.ov.put(to, dst)
	return nil
}

// Close drains a program-owned account into dest and deallocates it.
func (ic *InvokeContext) Close(a, dest keys.Address) error {
	if err := ic.writable(a); err != nil {
		return err
	}
	if err := ic.writable(dest); err != nil {
		return err
	}
	acct, ok := ic.ov.get(a)
	if !ok || acct.Owner != ic.program {
		return fmt.Errorf("%w: %s", ErrIllegalOwner, a)
	}
	dst, _ := ic.ov.get(dest)
	sum, err := addLamports(dst.Lamports, acct.Lamports)
	if err != nil {
		return err
	}
	dst.Lamports = sum
	ic.ov.put(dest, dst)
	ic.ov.del(a)
	return nil
}
