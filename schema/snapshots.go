package schema

// TabPhase describes where a tab is in its session lifecycle.
type TabPhase string

const (
	// TabPhaseConnecting indicates the open sequence is in flight.
	TabPhaseConnecting TabPhase = "connecting"
	// TabPhaseConnected indicates a live session.
	TabPhaseConnected TabPhase = "connected"
	// TabPhaseExited indicates the session ended; terminal, never overwritten.
	TabPhaseExited TabPhase = "exited"
	// TabPhaseError indicates the session failed; terminal.
	TabPhaseError TabPhase = "error"
)

// Terminal reports whether the phase admits no further transitions.
func (p TabPhase) Terminal() bool {
	return p == TabPhaseExited || p == TabPhaseError
}

// TabSnapshot is a read-only view of tab state for transports.
type TabSnapshot struct {
	Key          TabKey
	Name         TabName
	Protocol     Protocol
	ConnectionID ConnectionID
	SessionID    SessionID
	Phase        TabPhase
	// Detail holds the error message or exit description for terminal
	// phases, empty otherwise.
	Detail   string
	ExitCode *int
	Active   bool
	Geometry Geometry
	Viewport Viewport
	Visible  bool
}

// BufferSnapshot represents the current scrollback view of a tab.
type BufferSnapshot struct {
	Key          TabKey
	Lines        []string
	TotalLines   int
	ScrollOffset int
	AtBottom     bool
}
