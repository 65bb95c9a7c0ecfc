// Package codec is the single source of truth for the escrow program's wire
// format: operation discriminators, instruction payload layout and the
// derivation of program-owned addresses.
package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Namespace         = "global"
	DiscriminatorSize = 8
	SessionIDSize     = 32
	HashSize          = 32

	MinSessionNonce = 16
)

var (
	ErrMalformedInstruction = errors.New("malformed instruction")
	ErrUnknownOperation     = errors.New("unknown operation")
)

type Operation string

const (
	OpInitialize   Operation = "initialize"
	OpStake        Operation = "stake"
	OpRecordDeath  Operation = "record_death"
	OpClaimVictory Operation = "claim_victory"
	OpCloseSession Operation = "close_session"
)

var Operations = []Operation{OpInitialize, OpStake, OpRecordDeath, OpClaimVictory, OpCloseSession}

// payloadSize is the exact number of bytes following the discriminator.
var payloadSize = map[Operation]int{
	OpInitialize:   2 + 2,
	OpStake:        8 + SessionIDSize,
	OpRecordDeath:  HashSize,
	OpClaimVictory: 0,
	OpCloseSession: 0,
}

// Discriminator returns sha256("global:" + op)[:8].
func Discriminator(op Operation) [DiscriminatorSize]byte {
	sum := sha256.Sum256([]byte(Namespace + ":" + string(op)))
	var d [DiscriminatorSize]byte
	copy(d[:], sum[:DiscriminatorSize])
	return d
}

var byDiscriminator = func() map[[DiscriminatorSize]byte]Operation {
	m := make(map[[DiscriminatorSize]byte]Operation, len(Operations))
	for _, op := range Operations {
		m[Discriminator(op)] = op
	}
	return m
}()

type SessionID [SessionIDSize]byte

// ParseSessionID accepts a caller-chosen nonce of 16 to 32 bytes. Shorter
// nonces are zero-padded on the right to the fixed wire width.
func ParseSessionID(nonce []byte) (SessionID, error) {
	var id SessionID
	if len(nonce) < MinSessionNonce || len(nonce) > SessionIDSize {
		return id, fmt.Errorf("%w: session id must be %d..%d bytes, got %d", ErrMalformedInstruction, MinSessionNonce, SessionIDSize, len(nonce))
	}
	copy(id[:], nonce)
	return id, nil
}

type Instruction interface {
	Op() Operation
}

type Initialize struct {
	FeeBps   uint16
	BonusBps uint16
}

type Stake struct {
	Amount    uint64
	SessionID SessionID
}

type RecordDeath struct {
	DeathHash [HashSize]byte
}

type ClaimVictory struct{}

type CloseSession struct{}

func (Initialize) Op() Operation   { return OpInitialize }
func (Stake) Op() Operation        { return OpStake }
func (RecordDeath) Op() Operation  { return OpRecordDeath }
func (ClaimVictory) Op() Operation { return OpClaimVictory }
func (CloseSession) Op() Operation { return OpCloseSession }

// Encode serializes ix as discriminator followed by its fields, little-endian,
// in declared order.
func Encode(ix Instruction) []byte {
	op := ix.Op()
	d := Discriminator(op)
	out := make([]byte, DiscriminatorSize, DiscriminatorSize+payloadSize[op])
	copy(out, d[:])
	switch v := ix.(type) {
	case Initialize:
		out = binary.LittleEndian.AppendUint16(out, v.FeeBps)
		out = binary.LittleEndian.AppendUint16(out, v.BonusBps)
	case *Initialize:
		return Encode(*v)
	case Stake:
		out = binary.LittleEndian.AppendUint64(out, v.Amount)
		out = append(out, v.SessionID[:]...)
	case *Stake:
		return Encode(*v)
	case RecordDeath:
		out = append(out, v.DeathHash[:]...)
	case *RecordDeath:
		return Encode(*v)
	}
	return out
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (Instruction, error) {
	if len(b) < DiscriminatorSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a discriminator", ErrMalformedInstruction, len(b))
	}
	var d [DiscriminatorSize]byte
	copy(d[:], b)
	op, ok := byDiscriminator[d]
	if !ok {
		return nil, fmt.Errorf("%w: discriminator %x", ErrUnknownOperation, d)
	}
	p := b[DiscriminatorSize:]
	if len(p) != payloadSize[op] {
		return nil, fmt.Errorf("%w: %s wants %d payload bytes, got %d", ErrMalformedInstruction, op, payloadSize[op], len(p))
	}
	switch op {
	case OpInitialize:
		return Initialize{
			FeeBps:   binary.LittleEndian.Uint16(p[0:2]),
			BonusBps: binary.LittleEndian.Uint16(p[2:4]),
		}, nil
	case OpStake:
		s := Stake{Amount: binary.LittleEndian.Uint64(p[0:8])}
		copy(s.SessionID[:], p[8:])
		return s, nil
	case OpRecordDeath:
		var r RecordDeath
		copy(r.DeathHash[:], p)
		return r, nil
	case OpClaimVictory:
		return ClaimVictory{}, nil
	default:
		return CloseSession{}, nil
	}
}
