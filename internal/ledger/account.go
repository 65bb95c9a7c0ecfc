package ledger

import (
	"bytes"
	"math/bits"

	"dieforward.gg/internal/ledger/keys"
)

// SystemProgramID owns plain wallet accounts.
var SystemProgramID = keys.Address{}

type Account struct {
	Lamports uint64       `json:"lamports"`
	Owner    keys.Address `json:"owner"`
	Data     []byte       `json:"data,omitempty"`
}

func (a Account) Clone() Account {
	if a.Data != nil {
		a.Data = bytes.Clone(a.Data)
	}
	return a
}

func (a Account) empty() bool { return a.Lamports == 0 && len(a.Data) == 0 }

const AccountStorageOverhead = 128

// Rent decides the minimum balance that keeps an account alive.
type Rent struct {
	LamportsPerByteYear uint64 `json:"lamports_per_byte_year"`
	ExemptionYears      uint64 `json:"exemption_years"`
}

func DefaultRent() Rent { return Rent{LamportsPerByteYear: 3480, ExemptionYears: 2} }

func (r Rent) MinimumBalance(dataLen int) uint64 {
	return (AccountStorageOverhead + uint64(dataLen)) * r.LamportsPerByteYear * r.ExemptionYears
}

func addLamports(a, b uint64) (uint64, error) {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrLamportOverflow
	}
	return s, nil
}
