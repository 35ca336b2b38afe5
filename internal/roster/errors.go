package roster

import "errors"

var ErrNotFound = errors.New("not found")
var ErrForbidden = errors.New("forbidden")
var ErrCapacityExceeded = errors.New("team is full")
var ErrSlotAlreadyFilled = errors.New("opponent slot already filled")
var ErrAlreadyPending = errors.New("another join request is still pending")
var ErrExpired = errors.New("already expired")
var ErrConflict = errors.New("conflicting state")
