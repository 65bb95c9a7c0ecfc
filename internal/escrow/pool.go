package escrow

import (
	"math/bits"

	"dieforward.gg/internal/ledger/keys"
)

const MaxBasisPoints = 10000

// PoolLedger is the singleton account holding house funds and the fee and
// bonus rates that apply to every session.
type PoolLedger struct {
	Authority      keys.Address
	Treasury       keys.Address
	FeeBps         uint16
	BonusBps       uint16
	TotalStaked    uint64
	TotalPaidOut   uint64
	TotalFees      uint64
	TotalDeaths    uint64
	TotalVictories uint64
	Bump           uint8
}

// Fee is floor(amount * feeBps / 10000).
func (p *PoolLedger) Fee(amount uint64) (uint64, error) { return applyBps(amount, p.FeeBps) }

// Bonus is floor(stake * bonusBps / 10000).
func (p *PoolLedger) Bonus(stake uint64) (uint64, error) { return applyBps(stake, p.BonusBps) }

func applyBps(amount uint64, bps uint16) (uint64, error) {
	hi, lo := bits.Mul64(amount, uint64(bps))
	if hi != 0 {
		return 0, ErrArithmeticOverflow
	}
	return lo / MaxBasisPoints, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return s, nil
}

// Settleable is the part of a pool balance that may be paid out; the rent
// reserve is never touched.
func Settleable(poolLamports, rentReserve uint64) uint64 {
	if poolLamports < rentReserve {
		return 0
	}
	return poolLamports - rentReserve
}
