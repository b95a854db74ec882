package core

import (
	"pkt.systems/gantry/schema"
)

// tab tracks the state of a single session tab. Exactly one of shell
// and display is set, matching Proto.
type tab struct {
	Key        schema.TabKey
	BaseTitle  schema.TabName
	Title      schema.TabName
	Proto      schema.Protocol
	Connection schema.Connection
	// SessionID stays empty while connecting, and permanently for a
	// session that never became connected.
	SessionID schema.SessionID
	Phase     schema.TabPhase
	Detail    string
	ExitCode  *int
	Visible   bool
	// Modal names a UI surface dependent on this tab; the closer
	// dismisses it before teardown.
	Modal string

	shell   *shellTab
	display *displayTab

	cleanup []func()
}

type shellTab struct {
	conn     ShellConn
	sink     *shellSink
	geometry schema.Geometry
	buffer   *buffer
}

type displayTab struct {
	conn     DisplayConn
	sink     *displaySink
	viewport schema.Viewport
}

// transition applies a phase change. Terminal phases never change, so
// handlers racing an exit signal cannot downgrade it.
func (t *tab) transition(to schema.TabPhase, detail string) bool {
	if t.Phase == to || t.Phase.Terminal() {
		return false
	}
	switch t.Phase {
	case schema.TabPhaseConnecting:
	case schema.TabPhaseConnected:
		if to == schema.TabPhaseConnecting {
			return false
		}
	default:
		return false
	}
	t.Phase = to
	t.Detail = detail
	return true
}

// takeCleanup empties the cleanup list. Whichever teardown path drains
// it first wins; entries run at most once.
func (t *tab) takeCleanup() []func() {
	fns := t.cleanup
	t.cleanup = nil
	return fns
}

// Snapshot returns a transport-friendly view of the tab.
func (t *tab) Snapshot(active bool) schema.TabSnapshot {
	snap := schema.TabSnapshot{
		Key:          t.Key,
		Name:         t.Title,
		Protocol:     t.Proto,
		ConnectionID: t.Connection.ID,
		SessionID:    t.SessionID,
		Phase:        t.Phase,
		Detail:       t.Detail,
		Active:       active,
		Visible:      t.Visible,
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		snap.ExitCode = &code
	}
	if t.shell != nil {
		snap.Geometry = t.shell.geometry
	}
	if t.display != nil {
		snap.Viewport = t.display.viewport
	}
	return snap
}
