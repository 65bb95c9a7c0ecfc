package codec

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"dieforward.gg/internal/ledger/keys"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32

	PoolSeed    = "game_pool"
	SessionSeed = "session"

	derivedMarker = "ProgramDerivedAddress"
)

var (
	ErrSeedTooLong  = errors.New("seed too long")
	ErrNoViableBump = errors.New("no viable bump seed")
)

// CreateAddress hashes seeds, the program id and the marker. The result is
// only usable as a derived address when it is off-curve.
func CreateAddress(programID keys.Address, seeds ...[]byte) (keys.Address, error) {
	if len(seeds) > MaxSeeds {
		return keys.Address{}, fmt.Errorf("%w: %d seeds", ErrSeedTooLong, len(seeds))
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLength {
			return keys.Address{}, fmt.Errorf("%w: %d bytes", ErrSeedTooLong, len(s))
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(derivedMarker))
	var a keys.Address
	copy(a[:], h.Sum(nil))
	return a, nil
}

// DeriveAddress searches bumps from 255 downward and returns the first
// off-curve address together with its bump.
func DeriveAddress(programID keys.Address, seeds ...[]byte) (keys.Address, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		a, err := CreateAddress(programID, withBump...)
		if err != nil {
			return keys.Address{}, 0, err
		}
		if !keys.IsOnCurve(a) {
			return a, uint8(bump), nil
		}
	}
	return keys.Address{}, 0, ErrNoViableBump
}

func PoolAddress(programID keys.Address) (keys.Address, uint8, error) {
	return DeriveAddress(programID, []byte(PoolSeed))
}

func SessionAddress(programID, player keys.Address, id SessionID) (keys.Address, uint8, error) {
	return DeriveAddress(programID, []byte(SessionSeed), player[:], id[:])
}

// VerifyAddress re-derives an address from seeds and a recorded bump.
func VerifyAddress(programID, want keys.Address, bump uint8, seeds ...[]byte) bool {
	a, err := CreateAddress(programID, append(seeds, []byte{bump})...)
	return err == nil && a == want && !keys.IsOnCurve(a)
}
