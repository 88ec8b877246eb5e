package process

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Exit is how a child terminated: a code, or the signal that killed it.
type Exit struct {
	Code   int
	Signal syscall.Signal
}

// Signaled reports whether the child died from a signal.
func (e Exit) Signaled() bool { return e.Signal != 0 }

// Success reports a zero exit code.
func (e Exit) Success() bool { return e.Signal == 0 && e.Code == 0 }

func (e Exit) String() string {
	if e.Signaled() {
		return "signal " + SignalName(e.Signal)
	}
	return fmt.Sprintf("exit %d", e.Code)
}

func exitFromStatus(ws unix.WaitStatus) Exit {
	if ws.Signaled() {
		return Exit{Signal: ws.Signal()}
	}
	return Exit{Code: ws.ExitStatus()}
}

// EventKind classifies notifications about a child.
type EventKind int

const (
	// Exited is delivered exactly once per handle.
	Exited EventKind = iota
	// Suspended means the child was stopped by a signal and is still alive.
	Suspended
	// Continued means a suspended child resumed.
	Continued
)

func (k EventKind) String() string {
	switch k {
	case Exited:
		return "exited"
	case Suspended:
		return "suspended"
	case Continued:
		return "continued"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a notification about a child produced by the launcher's reaper.
type Event struct {
	Handle *Handle
	Kind   EventKind
	// Exit is set for Exited.
	Exit Exit
	// StopSignal is set for Suspended.
	StopSignal syscall.Signal
}
