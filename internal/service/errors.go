package service

import "errors"

// Command errors. They are returned synchronously and leave engine state
// untouched.
var (
	ErrDuplicateName   = errors.New("duplicate service name")
	ErrNotFound        = errors.New("service not found")
	ErrInvalidState    = errors.New("invalid service state")
	ErrInvalidCommand  = errors.New("invalid command")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// ErrInvalidTransition is returned by Registry.Apply for an edge missing
// from the transition table.
var ErrInvalidTransition = errors.New("invalid state transition")
