package core

import "pkt.systems/gantry/schema"

// EventSink receives tab, output, and frame events from the coordinator.
type EventSink interface {
	OnTabEvent(event schema.TabEvent)
	OnOutput(event schema.OutputEvent)
	OnFrame(event schema.FrameEvent)
}
