package httpapi

import (
	"errors"
	"net/http"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/escrow/codec"
	"dieforward.gg/internal/game"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/orchestrator"
	"dieforward.gg/internal/persistence/indexdb"
	"dieforward.gg/internal/protocol"
	"dieforward.gg/internal/settlement"
)

// apiError is a request failure we already know how to report.
type apiError struct {
	status int
	code   string
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &apiError{status: http.StatusBadRequest, code: protocol.ErrBadRequest, msg: msg}
}

func protoError(msg string) error {
	return &apiError{status: http.StatusBadRequest, code: protocol.ErrProtoBadRequest, msg: msg}
}

type rule struct {
	target error
	status int
	code   string
}

// Order matters: the first matching rule wins.
var rules = []rule{
	{orchestrator.ErrSessionNotFound, http.StatusNotFound, protocol.ErrNotFound},
	{indexdb.ErrNotFound, http.StatusNotFound, protocol.ErrNotFound},
	{orchestrator.ErrRoomMismatch, http.StatusConflict, protocol.ErrStale},
	{orchestrator.ErrDungeonNotCompleted, http.StatusConflict, protocol.ErrNotCompleted},
	{orchestrator.ErrStakeNotConfirmed, http.StatusConflict, protocol.ErrStakeUnconfirmed},
	{orchestrator.ErrInvalidPhase, http.StatusConflict, protocol.ErrInvalidState},
	{orchestrator.ErrDeathRecorded, http.StatusConflict, protocol.ErrConflict},
	{game.ErrRunOver, http.StatusConflict, protocol.ErrInvalidState},
	{game.ErrExhausted, http.StatusUnprocessableEntity, protocol.ErrNoStamina},
	{game.ErrInvalidAction, http.StatusBadRequest, protocol.ErrBadRequest},
	{orchestrator.ErrBadWallet, http.StatusBadRequest, protocol.ErrBadRequest},
	{orchestrator.ErrBadStake, http.StatusBadRequest, protocol.ErrBadRequest},
	{orchestrator.ErrBadName, http.StatusBadRequest, protocol.ErrBadRequest},
	{orchestrator.ErrBadMessage, http.StatusBadRequest, protocol.ErrBadRequest},
	{settlement.ErrNotRetryable, http.StatusConflict, protocol.ErrConflict},
	{settlement.ErrLedgerTransport, http.StatusServiceUnavailable, protocol.ErrLedgerUnavailable},

	{codec.ErrMalformedInstruction, http.StatusBadRequest, protocol.ErrBadInstruction},
	{codec.ErrUnknownOperation, http.StatusBadRequest, protocol.ErrBadInstruction},
	{escrow.ErrAlreadyInitialized, http.StatusConflict, protocol.ErrConflict},
	{escrow.ErrSessionAlreadyExists, http.StatusConflict, protocol.ErrConflict},
	{escrow.ErrUnauthorized, http.StatusForbidden, protocol.ErrNoPermission},
	{escrow.ErrInvalidSessionState, http.StatusConflict, protocol.ErrInvalidState},
	{escrow.ErrInsufficientPoolFunds, http.StatusConflict, protocol.ErrPoolFunds},
	{escrow.ErrArithmeticOverflow, http.StatusUnprocessableEntity, protocol.ErrOverflow},
	{escrow.ErrStakeOutOfRange, http.StatusBadRequest, protocol.ErrBadInstruction},
	{escrow.ErrInvalidBasisPoints, http.StatusBadRequest, protocol.ErrBadInstruction},
	{escrow.ErrInvalidAccount, http.StatusBadRequest, protocol.ErrBadInstruction},

	{ledger.ErrAlreadyProcessed, http.StatusConflict, protocol.ErrConflict},
	{ledger.ErrSignatureInvalid, http.StatusForbidden, protocol.ErrNoPermission},
	{ledger.ErrMissingSigner, http.StatusForbidden, protocol.ErrNoPermission},
	{ledger.ErrUnknownProgram, http.StatusBadRequest, protocol.ErrBadInstruction},
	{ledger.ErrEmptyTransaction, http.StatusBadRequest, protocol.ErrBadInstruction},
	{ledger.ErrBadSystemInstruction, http.StatusBadRequest, protocol.ErrBadInstruction},
	{ledger.ErrMissingAccount, http.StatusUnprocessableEntity, protocol.ErrLedgerRejected},
	{ledger.ErrReadonlyAccount, http.StatusUnprocessableEntity, protocol.ErrLedgerRejected},
	{ledger.ErrIllegalOwner, http.StatusUnprocessableEntity, protocol.ErrLedgerRejected},
	{ledger.ErrInsufficientLamports, http.StatusUnprocessableEntity, protocol.ErrLedgerRejected},
	{ledger.ErrAccountInUse, http.StatusUnprocessableEntity, protocol.ErrLedgerRejected},
	{ledger.ErrLamportOverflow, http.StatusUnprocessableEntity, protocol.ErrOverflow},
}

// ErrorBody maps err onto a status and wire error.
func ErrorBody(err error) (int, protocol.ErrorResponse) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status, protocol.ErrorResponse{Code: ae.code, Message: ae.msg}
	}

	status, body := http.StatusInternalServerError, protocol.ErrorResponse{Code: protocol.ErrInternal, Message: "internal error"}
	for _, r := range rules {
		if errors.Is(err, r.target) {
			status, body = r.status, protocol.ErrorResponse{Code: r.code, Message: err.Error()}
			break
		}
	}

	var rm *orchestrator.RoomMismatchError
	if errors.As(err, &rm) {
		body.Expected, body.Received = &rm.Expected, &rm.Received
	}
	var nc *orchestrator.NotCompletedError
	if errors.As(err, &nc) {
		body.Current, body.Required = &nc.Current, &nc.Required
	}
	var ie *ledger.InstructionError
	if errors.As(err, &ie) {
		body.Index = &ie.Index
	}
	var coded ledger.Coded
	if errors.As(err, &coded) {
		c := coded.ErrorCode()
		body.Program = &c
		if status == http.StatusInternalServerError {
			status, body.Code, body.Message = http.StatusUnprocessableEntity, protocol.ErrLedgerRejected, err.Error()
		}
	}
	return status, body
}
