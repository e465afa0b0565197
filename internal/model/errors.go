package model

import (
	"errors"
)

var (
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrNotFound          = errors.New("not found")
	ErrInProgress        = errors.New("still in progress")
	ErrAlreadyFinished   = errors.New("already finished")
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrInvalidConfig     = errors.New("invalid scan config")
	ErrObserverGone      = errors.New("observer gone")
	ErrInvalidTransition = errors.New("invalid status transition")
)
