package schema

// UserID identifies a user in the system.
type UserID string

// TabKey identifies a session tab in a workspace. For shell tabs it is
// the engine session id chosen up front; for display tabs it starts as
// a placeholder and is rekeyed to the engine-assigned session id.
type TabKey string

// TabName is the user-facing name of a tab.
type TabName string

// SessionID identifies a live engine session.
type SessionID string

// ConnectionID references an externally owned connection record.
type ConnectionID string

// Protocol selects the session family for a connection.
type Protocol string

const (
	// ProtocolShell is a stream-oriented terminal session.
	ProtocolShell Protocol = "shell"
	// ProtocolDisplay is a surface-oriented remote-desktop session.
	ProtocolDisplay Protocol = "display"
)

// Geometry is the terminal grid size of a shell session.
type Geometry struct {
	Cols int
	Rows int
}

// Viewport is the drawing rectangle of a display session.
type Viewport struct {
	X      int
	Y      int
	Width  int
	Height int
}

// HasVisibleArea reports whether the viewport covers any pixels.
func (v Viewport) HasVisibleArea() bool {
	return v.Width > 0 && v.Height > 0
}

// Connection describes the remote endpoint for one open request. The
// record itself is owned by the caller; gantry never stores it.
type Connection struct {
	ID       ConnectionID
	Name     string
	Protocol Protocol
	Host     string
	Port     int
	Username string

	// Password is passed through to the engine opaquely.
	Password string
	// IdentityRef names a stored SSH identity for key auth.
	IdentityRef string
	// AgentSocket, when set, authenticates via the given agent socket.
	AgentSocket string
	// StrictHostKey enables host key pinning and mismatch prompts.
	StrictHostKey bool

	// Domain qualifies the username for display sessions.
	Domain string
}
