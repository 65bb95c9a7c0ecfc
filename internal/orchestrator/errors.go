package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidPhase        = errors.New("action not allowed in this phase")
	ErrRoomMismatch        = errors.New("room does not match server state")
	ErrDungeonNotCompleted = errors.New("dungeon not completed")
	ErrStakeNotConfirmed   = errors.New("stake not confirmed on ledger")
	ErrDeathRecorded       = errors.New("death already recorded")
	ErrBadWallet           = errors.New("invalid wallet address")
	ErrBadStake            = errors.New("stake is not an offered amount")
	ErrBadName             = errors.New("invalid player name")
	ErrBadMessage          = errors.New("invalid final message")
)

// RoomMismatchError carries the room the server expected. It matches
// ErrRoomMismatch.
type RoomMismatchError struct {
	Expected int
	Received int
}

func (e *RoomMismatchError) Error() string {
	return fmt.Sprintf("%v: expected room %d, received %d", ErrRoomMismatch, e.Expected, e.Received)
}

func (e *RoomMismatchError) Is(target error) bool { return target == ErrRoomMismatch }

// NotCompletedError reports how far the player got. It matches
// ErrDungeonNotCompleted.
type NotCompletedError struct {
	Current  int
	Required int
}

func (e *NotCompletedError) Error() string {
	return fmt.Sprintf("%v: at room %d of %d", ErrDungeonNotCompleted, e.Current, e.Required)
}

func (e *NotCompletedError) Is(target error) bool { return target == ErrDungeonNotCompleted }
