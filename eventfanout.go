package gantry

import (
	"pkt.systems/gantry/core"
	"pkt.systems/gantry/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnTabEvent(event schema.TabEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnTabEvent(event)
	}
}

func (f eventFanout) OnOutput(event schema.OutputEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnOutput(event)
	}
}

func (f eventFanout) OnFrame(event schema.FrameEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnFrame(event)
	}
}
