package errors

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUserNotFound = errors.New("user not found")
	ErrUserBanned   = errors.New("user is banned")

	ErrNotInQueue       = errors.New("not in queue")
	ErrAlreadyMatched   = errors.New("already matched")
	ErrAlreadyCancelled = errors.New("search already cancelled")
	ErrQueueProcessing  = errors.New("a pairing attempt is already in progress")
	ErrMatchConflict    = errors.New("queue state changed concurrently, try again")

	ErrRoomNotFound     = errors.New("room not found")
	ErrNotRoomMember    = errors.New("not a member of this room")
	ErrRoomClosed       = errors.New("room is closed")
	ErrRoomCreateFailed = errors.New("room creation failed")

	ErrAdminNotFound        = errors.New("admin not found")
	ErrAdminDisabled        = errors.New("admin account disabled")
	ErrInvalidAdminPassword = errors.New("invalid admin credentials")
)
