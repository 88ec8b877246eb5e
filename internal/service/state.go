package service

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a service. Every state except Running is
// a resting state.
type State int

const (
	Created State = iota
	Running
	Finished
	Stopped
	Crashed
)

var stateNames = [...]string{
	Created:  "created",
	Running:  "running",
	Finished: "finished",
	Stopped:  "stopped",
	Crashed:  "crashed",
}

// States lists every state in declaration order.
func States() []State { return []State{Created, Running, Finished, Stopped, Crashed} }

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseState(v string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, v) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", v)
}

// edges is the complete transition table. Nothing ever returns to Created.
//
//	Created  -> Running   spawned on registration, start or first cron fire
//	Created  -> Crashed   spawn failure
//	Running  -> Finished  exit 0, or death by SIGTERM / engine kill
//	Running  -> Crashed   non-zero exit or death by another signal
//	Running  -> Stopped   suspended by a stop signal
//	Crashed  -> Running   backoff elapsed, start command
//	Crashed  -> Crashed   spawn failure on retry
//	Crashed  -> Stopped   stop command while waiting for backoff
//	Finished -> Running   start command or cron fire
//	Finished -> Crashed   spawn failure
//	Stopped  -> Running   continued, start command or cron fire
var edges = map[State][]State{
	Created:  {Running, Crashed},
	Running:  {Finished, Crashed, Stopped},
	Crashed:  {Running, Crashed, Stopped},
	Finished: {Running, Crashed},
	Stopped:  {Running},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}
