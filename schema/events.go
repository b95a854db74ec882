package schema

// TabEventType is the kind of a workspace lifecycle event.
type TabEventType string

const (
	// TabEventOpened indicates a tab was inserted into the registry.
	TabEventOpened TabEventType = "tab.opened"
	// TabEventPhase indicates a tab changed lifecycle phase.
	TabEventPhase TabEventType = "tab.phase"
	// TabEventRekeyed indicates a tab moved to its permanent key.
	TabEventRekeyed TabEventType = "tab.rekeyed"
	// TabEventActivated indicates the active tab changed.
	TabEventActivated TabEventType = "tab.activated"
	// TabEventClosed indicates a tab was removed from the registry.
	TabEventClosed TabEventType = "tab.closed"
	// TabEventHostKey indicates an open paused on a host key decision.
	TabEventHostKey TabEventType = "tab.hostkey"
	// TabEventGeometry indicates a geometry push to the engine.
	TabEventGeometry TabEventType = "tab.geometry"
	// TabEventModalClosed indicates a dependent modal was dismissed
	// ahead of tab teardown.
	TabEventModalClosed TabEventType = "tab.modal_closed"
)

// TabEvent is the fanout payload for workspace changes. OldKey is set
// only for rekey events; Prompt only for host key events.
type TabEvent struct {
	UserID UserID
	Type   TabEventType
	Tab    TabSnapshot
	OldKey TabKey
	Prompt *HostKeyPrompt
}

// OutputEvent carries a chunk of terminal output for a shell tab.
type OutputEvent struct {
	UserID UserID
	Key    TabKey
	Data   []byte
}

// FrameEvent carries an encoded display frame for a display tab.
type FrameEvent struct {
	UserID UserID
	Key    TabKey
	Data   []byte
}
