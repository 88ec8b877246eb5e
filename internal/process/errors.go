package process

import (
	"errors"
	"fmt"
)

// ErrProcessDone is returned when signalling a child that was already reaped.
var ErrProcessDone = errors.New("process already finished")

// ErrClosed is returned by Spawn after Close.
var ErrClosed = errors.New("launcher closed")

// SpawnError reports a child that could not be started: a missing
// executable, a permission problem or a missing working directory.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Path, e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }
