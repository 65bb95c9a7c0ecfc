package ledger

import (
	"errors"
	"fmt"

	"dieforward.gg/internal/ledger/keys"
)

var (
	ErrSignatureInvalid     = errors.New("signature verification failed")
	ErrAlreadyProcessed     = errors.New("transaction already processed")
	ErrUnknownProgram       = errors.New("unknown program")
	ErrMissingAccount       = errors.New("missing account")
	ErrReadonlyAccount      = errors.New("account not writable")
	ErrIllegalOwner         = errors.New("program does not own account")
	ErrInsufficientLamports = errors.New("insufficient lamports")
	ErrAccountInUse         = errors.New("account already in use")
	ErrMissingSigner        = errors.New("missing required signature")
	ErrEmptyTransaction     = errors.New("transaction has no instructions")
	ErrLamportOverflow      = errors.New("lamport overflow")
)

type SignatureError struct {
	Signer  keys.Address
	Missing bool
}

func (e *SignatureError) Error() string {
	if e.Missing {
		return fmt.Sprintf("missing signature for %s", e.Signer)
	}
	return fmt.Sprintf("bad signature for %s", e.Signer)
}

func (e *SignatureError) Unwrap() error { return ErrSignatureInvalid }

// InstructionError reports which instruction aborted a transaction.
type InstructionError struct {
	Index int
	Err   error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("instruction %d: %v", e.Index, e.Err)
}

func (e *InstructionError) Unwrap() error { return e.Err }

// Coded is implemented by program errors that carry a stable numeric code.
type Coded interface {
	error
	ErrorCode() uint32
}
