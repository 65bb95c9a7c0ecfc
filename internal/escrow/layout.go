package escrow

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"dieforward.gg/internal/escrow/codec"
	"dieforward.gg/internal/ledger/keys"
)

const (
	// 8 discriminator + 2*32 keys + 2*2 bps + 5*8 counters + bump.
	PoolLedgerSize = 8 + 32 + 32 + 2 + 2 + 8*5 + 1
	// 8 discriminator + player + id + stake + status + hash flag + hash + 2*8 times + bump.
	SessionSize = 8 + 32 + codec.SessionIDSize + 8 + 1 + 1 + codec.HashSize + 8 + 8 + 1
)

var ErrAccountData = errors.New("unexpected account data")

var (
	poolAccountTag    = accountDiscriminator("PoolLedger")
	sessionAccountTag = accountDiscriminator("Session")
)

func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

func MarshalPool(p *PoolLedger) []byte {
	b := make([]byte, 0, PoolLedgerSize)
	b = append(b, poolAccountTag[:]...)
	b = append(b, p.Authority[:]...)
	b = append(b, p.Treasury[:]...)
	b = binary.LittleEndian.AppendUint16(b, p.FeeBps)
	b = binary.LittleEndian.AppendUint16(b, p.BonusBps)
	b = binary.LittleEndian.AppendUint64(b, p.TotalStaked)
	b = binary.LittleEndian.AppendUint64(b, p.TotalPaidOut)
	b = binary.LittleEndian.AppendUint64(b, p.TotalFees)
	b = binary.LittleEndian.AppendUint64(b, p.TotalDeaths)
	b = binary.LittleEndian.AppendUint64(b, p.TotalVictories)
	b = append(b, p.Bump)
	return b
}

func UnmarshalPool(b []byte) (*PoolLedger, error) {
	if len(b) != PoolLedgerSize {
		return nil, fmt.Errorf("%w: pool ledger is %d bytes, want %d", ErrAccountData, len(b), PoolLedgerSize)
	}
	if [8]byte(b[:8]) != poolAccountTag {
		return nil, fmt.Errorf("%w: not a pool ledger", ErrAccountData)
	}
	r := reader{b: b[8:]}
	p := &PoolLedger{}
	p.Authority = r.address()
	p.Treasury = r.address()
	p.FeeBps = r.u16()
	p.BonusBps = r.u16()
	p.TotalStaked = r.u64()
	p.TotalPaidOut = r.u64()
	p.TotalFees = r.u64()
	p.TotalDeaths = r.u64()
	p.TotalVictories = r.u64()
	p.Bump = r.u8()
	return p, nil
}

func MarshalSession(s *Session) []byte {
	b := make([]byte, 0, SessionSize)
	b = append(b, sessionAccountTag[:]...)
	b = append(b, s.Player[:]...)
	b = append(b, s.SessionID[:]...)
	b = binary.LittleEndian.AppendUint64(b, s.stake)
	b = append(b, byte(s.status))
	if s.hasHash {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = append(b, s.deathHash[:]...)
	b = binary.LittleEndian.AppendUint64(b, uint64(s.CreatedAt))
	b = binary.LittleEndian.AppendUint64(b, uint64(s.SettledAt))
	b = append(b, s.Bump)
	return b
}

func UnmarshalSession(b []byte) (*Session, error) {
	if len(b) != SessionSize {
		return nil, fmt.Errorf("%w: session is %d bytes, want %d", ErrAccountData, len(b), SessionSize)
	}
	if [8]byte(b[:8]) != sessionAccountTag {
		return nil, fmt.Errorf("%w: not a session", ErrAccountData)
	}
	r := reader{b: b[8:]}
	s := &Session{}
	s.Player = r.address()
	copy(s.SessionID[:], r.take(codec.SessionIDSize))
	s.stake = r.u64()
	s.status = Status(r.u8())
	if s.status > StatusClosed {
		return nil, fmt.Errorf("%w: status %d", ErrAccountData, s.status)
	}
	s.hasHash = r.u8() == 1
	copy(s.deathHash[:], r.take(codec.HashSize))
	s.CreatedAt = int64(r.u64())
	s.SettledAt = int64(r.u64())
	s.Bump = r.u8()
	return s, nil
}

// reader walks a buffer whose length has already been checked.
type reader struct{ b []byte }

func (r *reader) take(n int) []byte {
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) address() keys.Address {
	var a keys.Address
	copy(a[:], r.take(32))
	return a
}

func (r *reader) u8() uint8   { return r.take(1)[0] }
func (r *reader) u16() uint16 { return binary.LittleEndian.Uint16(r.take(2)) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }
