package escrow

import "fmt"

// Error is a program failure with a stable numeric code, so it can cross a
// transport boundary and still match with errors.Is.
type Error struct {
	Code uint32
	Name string
	Msg  string
}

func (e *Error) Error() string { return e.Name + ": " + e.Msg }

func (e *Error) ErrorCode() uint32 { return e.Code }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrAlreadyInitialized    = &Error{6000, "AlreadyInitialized", "pool ledger already exists"}
	ErrSessionAlreadyExists  = &Error{6001, "SessionAlreadyExists", "session already exists for player and session id"}
	ErrUnauthorized          = &Error{6002, "Unauthorized", "caller is not allowed to perform this operation"}
	ErrInvalidSessionState   = &Error{6003, "InvalidSessionState", "session is not in a state that allows this operation"}
	ErrInsufficientPoolFunds = &Error{6004, "InsufficientPoolFunds", "pool cannot cover the payout"}
	ErrArithmeticOverflow    = &Error{6005, "ArithmeticOverflow", "arithmetic overflow"}
	ErrStakeOutOfRange       = &Error{6006, "StakeOutOfRange", "stake outside policy bounds"}
	ErrInvalidBasisPoints    = &Error{6007, "InvalidBasisPoints", "basis points must be within 0..10000"}
	ErrInvalidAccount        = &Error{6008, "InvalidAccount", "account does not match the expected address or owner"}
)

var byCode = func() map[uint32]*Error {
	m := map[uint32]*Error{}
	for _, e := range []*Error{
		ErrAlreadyInitialized, ErrSessionAlreadyExists, ErrUnauthorized,
		ErrInvalidSessionState, ErrInsufficientPoolFunds, ErrArithmeticOverflow,
		ErrStakeOutOfRange, ErrInvalidBasisPoints, ErrInvalidAccount,
	} {
		m[e.Code] = e
	}
	return m
}()

// ErrorFromCode maps a code reported by a remote ledger back to its error.
func ErrorFromCode(code uint32) (*Error, bool) {
	e, ok := byCode[code]
	return e, ok
}

func wrap(e *Error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{e}, args...)...)
}
