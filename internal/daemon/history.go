package daemon

import (
	"context"

	"github.com/loykin/supervisr/internal/history"
	"github.com/loykin/supervisr/internal/manager"
)

var historyTypes = map[manager.EventKind]history.EventType{
	manager.EventStarted:     history.EventStart,
	manager.EventExited:      history.EventExit,
	manager.EventTransition:  history.EventTransition,
	manager.EventSpawnFailed: history.EventSpawnFailed,
	manager.EventRemoved:     history.EventRemoved,
}

// historyEvent converts an engine event into a history row. Added events
// carry no lifecycle change and are not recorded.
func historyEvent(ev manager.Event) (history.Event, bool) {
	typ, ok := historyTypes[ev.Kind]
	if !ok {
		return history.Event{}, false
	}
	return history.Event{
		Type:       typ,
		OccurredAt: ev.Time,
		Record: history.Record{
			ServiceID: uint64(ev.ID),
			Name:      ev.Name,
			PID:       ev.PID,
			RunID:     ev.RunID,
			From:      ev.From,
			To:        ev.To,
			ExitCode:  ev.ExitCode,
			Signal:    ev.Signal,
			Crashes:   ev.Crashes,
			Error:     ev.Error,
		},
	}, true
}

// forwardHistory publishes engine events to d until ctx is done or the
// event stream ends.
func forwardHistory(ctx context.Context, events <-chan manager.Event, d *history.Dispatcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if he, ok := historyEvent(ev); ok {
				d.Publish(he)
			}
		}
	}
}
