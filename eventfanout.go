package devcollab

import (
	"pkt.systems/devcollab/coordinator"
	"pkt.systems/pslog"
)

type eventFanout struct {
	sinks []coordinator.EventSink
}

func (f eventFanout) OnJoin(event coordinator.RoomEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnJoin(event)
	}
}

func (f eventFanout) OnLeave(event coordinator.RoomEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnLeave(event)
	}
}

func (f eventFanout) OnExecute(event coordinator.ExecEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnExecute(event)
	}
}

// activityLog is the built-in sink that records room lifecycle activity.
type activityLog struct {
	log pslog.Logger
}

func (a activityLog) OnJoin(event coordinator.RoomEvent) {
	a.log.Info("room join",
		"room", event.Room, "conn", event.Conn, "name", event.Name,
		"participants", event.Participants)
}

func (a activityLog) OnLeave(event coordinator.RoomEvent) {
	a.log.Info("room leave",
		"room", event.Room, "conn", event.Conn, "name", event.Name,
		"participants", event.Participants)
}

func (a activityLog) OnExecute(event coordinator.ExecEvent) {
	a.log.Info("room execute",
		"room", event.Room, "origin", event.Origin,
		"request", event.Request, "language", event.Language)
}
