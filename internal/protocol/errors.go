package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Session routing/state.
	ErrBadRequest       = "E_BAD_REQUEST"
	ErrNotFound         = "E_NOT_FOUND"
	ErrNoPermission     = "E_NO_PERMISSION"
	ErrConflict         = "E_CONFLICT"
	ErrInvalidState     = "E_INVALID_STATE"
	ErrStale            = "E_STALE"
	ErrNotCompleted     = "E_NOT_COMPLETED"
	ErrStakeUnconfirmed = "E_STAKE_UNCONFIRMED"
	ErrNoStamina        = "E_NO_STAMINA"

	// Escrow/ledger layer.
	ErrBadInstruction    = "E_BAD_INSTRUCTION"
	ErrPoolFunds         = "E_POOL_FUNDS"
	ErrOverflow          = "E_OVERFLOW"
	ErrLedgerRejected    = "E_LEDGER_REJECTED"
	ErrLedgerUnavailable = "E_LEDGER_UNAVAILABLE"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrBadRequest:        {},
	ErrNotFound:          {},
	ErrNoPermission:      {},
	ErrConflict:          {},
	ErrInvalidState:      {},
	ErrStale:             {},
	ErrNotCompleted:      {},
	ErrStakeUnconfirmed:  {},
	ErrNoStamina:         {},
	ErrBadInstruction:    {},
	ErrPoolFunds:         {},
	ErrOverflow:          {},
	ErrLedgerRejected:    {},
	ErrLedgerUnavailable: {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
