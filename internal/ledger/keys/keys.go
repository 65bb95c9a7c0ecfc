package keys

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/base58"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

const AddressSize = 32

var (
	ErrBadAddress    = errors.New("bad address")
	ErrBadPrivateKey = errors.New("bad private key")
)

// Address identifies an account on the ledger. For wallets it is the x-only
// (even-Y) secp256k1 public key; for derived addresses it is a hash that is
// guaranteed not to be a curve point.
type Address [AddressSize]byte

func (a Address) String() string { return base58.Encode(a[:]) }

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func ParseAddress(s string) (Address, error) {
	var a Address
	if s == "" {
		return a, fmt.Errorf("%w: empty", ErrBadAddress)
	}
	raw := base58.Decode(s)
	if len(raw) != AddressSize {
		return a, fmt.Errorf("%w: %q decodes to %d bytes", ErrBadAddress, s, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// IsOnCurve reports whether a is the X coordinate of a secp256k1 point.
func IsOnCurve(a Address) bool {
	var comp [33]byte
	comp[0] = secp256k1.PubKeyFormatCompressedEven
	copy(comp[1:], a[:])
	_, err := secp256k1.ParsePubKey(comp[:])
	return err == nil
}

// PrivateKey is a signing identity whose public key always has even Y, so the
// 32-byte address alone is enough to recover it for verification.
type PrivateKey struct {
	key  *secp256k1.PrivateKey
	addr Address
}

func Generate() (*PrivateKey, error) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return normalize(&k.Key)
}

// FromSeed derives a key deterministically. Used for dev authorities and tests.
func FromSeed(seed []byte) *PrivateKey {
	h := blake256.New()
	h.Write([]byte("dieforward/keys/v1"))
	h.Write(seed)
	var sc secp256k1.ModNScalar
	sc.SetByteSlice(h.Sum(nil))
	if sc.IsZero() {
		sc.SetInt(1)
	}
	k, _ := normalize(&sc)
	return k
}

func ParsePrivateKey(s string) (*PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return nil, ErrBadPrivateKey
	}
	var sc secp256k1.ModNScalar
	if overflow := sc.SetByteSlice(raw); overflow || sc.IsZero() {
		return nil, ErrBadPrivateKey
	}
	return normalize(&sc)
}

func normalize(sc *secp256k1.ModNScalar) (*PrivateKey, error) {
	if sc.IsZero() {
		return nil, ErrBadPrivateKey
	}
	priv := secp256k1.NewPrivateKey(sc)
	comp := priv.PubKey().SerializeCompressed()
	if comp[0] == secp256k1.PubKeyFormatCompressedOdd {
		var neg secp256k1.ModNScalar
		neg.NegateVal(sc)
		priv = secp256k1.NewPrivateKey(&neg)
		comp = priv.PubKey().SerializeCompressed()
	}
	k := &PrivateKey{key: priv}
	copy(k.addr[:], comp[1:])
	return k, nil
}

func (k *PrivateKey) Address() Address { return k.addr }

func (k *PrivateKey) Hex() string {
	b := k.key.Serialize()
	return hex.EncodeToString(b)
}

// Sign produces a 64-byte Schnorr signature over hash.
func (k *PrivateKey) Sign(hash [32]byte) ([]byte, error) {
	sig, err := schnorr.Sign(k.key, hash[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// Verify checks sig against the even-Y public key named by addr.
func Verify(addr Address, hash [32]byte, sig []byte) bool {
	var comp [33]byte
	comp[0] = secp256k1.PubKeyFormatCompressedEven
	copy(comp[1:], addr[:])
	pub, err := secp256k1.ParsePubKey(comp[:])
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(hash[:], pub)
}
