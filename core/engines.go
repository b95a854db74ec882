package core

import (
	"context"

	"pkt.systems/gantry/schema"
)

// ShellEngine opens stream-oriented sessions. The caller chooses the
// session identity up front and supplies the sink; the engine may
// deliver sink callbacks from the moment Open is issued, including
// synchronously inside the call.
type ShellEngine interface {
	Open(ctx context.Context, spec OpenShellSpec, sink ShellSink) (ShellConn, error)
}

// OpenShellSpec describes a stream session to open.
type OpenShellSpec struct {
	UserID     schema.UserID
	SessionID  schema.SessionID
	Connection schema.Connection
	Geometry   schema.Geometry
}

// ShellSink receives output and the exit notification for one stream
// session.
type ShellSink interface {
	Output(data []byte)
	Exit(code int)
}

// ShellConn is an established stream session.
type ShellConn interface {
	Write(data []byte) error
	Resize(geometry schema.Geometry) error
	Close() error
}

// DisplayEngine opens surface-oriented sessions. The backend assigns
// the session identity; sink dispatch begins only when Start is called
// on the returned conn, so the caller can register the identity first.
type DisplayEngine interface {
	Open(ctx context.Context, spec OpenDisplaySpec, sink DisplaySink) (DisplayConn, error)
}

// OpenDisplaySpec describes a surface session to open.
type OpenDisplaySpec struct {
	UserID     schema.UserID
	Connection schema.Connection
	Viewport   schema.Viewport
}

// DisplayStateKind is a lifecycle signal reported by the display
// backend.
type DisplayStateKind string

const (
	DisplayStateConnecting    DisplayStateKind = "connecting"
	DisplayStateConnected     DisplayStateKind = "connected"
	DisplayStateLoginComplete DisplayStateKind = "login_complete"
	DisplayStateDisconnected  DisplayStateKind = "disconnected"
	DisplayStateFatalError    DisplayStateKind = "fatal_error"
	DisplayStateLogonError    DisplayStateKind = "logon_error"
)

// DisplayStateEvent carries a lifecycle signal with its machine-readable
// code and reason, when the backend provides them.
type DisplayStateEvent struct {
	Kind   DisplayStateKind
	Code   int
	Reason string
}

// DisplaySink receives lifecycle, frame, and exit notifications for one
// surface session.
type DisplaySink interface {
	State(event DisplayStateEvent)
	Frame(data []byte)
	Exit(reason string)
}

// DisplayConn is an established surface session.
type DisplayConn interface {
	SessionID() schema.SessionID
	// Start begins sink dispatch. Events received before Start are
	// buffered by the engine.
	Start()
	SetViewport(ctx context.Context, viewport schema.Viewport) error
	Show(ctx context.Context) error
	Hide(ctx context.Context) error
	SendKey(ctx context.Context, key DisplayKey) error
	SendPointer(ctx context.Context, pointer DisplayPointer) error
	Close() error
}

// DisplayKey is a keyboard event forwarded to a surface session.
type DisplayKey struct {
	Scancode int
	Extended bool
	Release  bool
}

// DisplayPointer is a pointer event forwarded to a surface session.
type DisplayPointer struct {
	X, Y    int
	Buttons int
	Wheel   int
}

// HostKeyStore resolves pending host key prompts. The shell engine pins
// and verifies keys; the coordinator only settles user decisions.
type HostKeyStore interface {
	Trust(userID schema.UserID, token string) error
	Discard(userID schema.UserID, token string)
}
