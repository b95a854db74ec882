package core

import (
	"pkt.systems/gantry/internal/clock"
	"pkt.systems/pslog"
)

// ServiceDeps captures the collaborators of the coordinator. Engines
// may be nil; operations needing a missing engine fail with
// ErrEngineUnavailable.
type ServiceDeps struct {
	ShellEngine   ShellEngine
	DisplayEngine DisplayEngine
	HostKeys      HostKeyStore
	EventSink     EventSink
	Clock         clock.Clock
	Logger        pslog.Logger
}
