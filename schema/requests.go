package schema

// Tab lifecycle.

// OpenTabRequest asks the coordinator to open a session for a
// connection. Geometry applies to shell connections, Viewport to
// display connections; zero values take service defaults.
type OpenTabRequest struct {
	UserID     UserID
	Connection Connection
	TabName    TabName
	Geometry   Geometry
	Viewport   Viewport
}

// OpenTabResponse reports the opened tab, or the host key prompt that
// paused the open. Exactly one of Tab/HostKey is meaningful: when
// HostKey is set no session was opened.
type OpenTabResponse struct {
	Tab     TabSnapshot
	HostKey *HostKeyPrompt
}

// CloseTabRequest describes a request to close a tab.
type CloseTabRequest struct {
	UserID UserID
	Key    TabKey
}

// CloseTabResponse reports the snapshot of the closed tab.
type CloseTabResponse struct {
	Tab TabSnapshot
}

// CloseAllRequest closes every tab of a user, newest first.
type CloseAllRequest struct {
	UserID UserID
}

// CloseAllResponse reports how many tabs were closed.
type CloseAllResponse struct {
	Closed int
}

// ActivateTabRequest describes a request to activate a tab.
type ActivateTabRequest struct {
	UserID UserID
	Key    TabKey
}

// ActivateTabResponse reports the activated tab snapshot.
type ActivateTabResponse struct {
	Tab TabSnapshot
}

// ListTabsRequest describes a request to list tabs.
type ListTabsRequest struct {
	UserID UserID
}

// ListTabsResponse reports tabs in registry order plus the active key.
type ListTabsResponse struct {
	Tabs      []TabSnapshot
	ActiveKey TabKey
}

// Session IO.

// WriteInputRequest forwards keystrokes to a shell tab. Input on a tab
// that is not connected is dropped silently.
type WriteInputRequest struct {
	UserID UserID
	Key    TabKey
	Data   []byte
}

// WriteInputResponse reports whether the bytes were forwarded.
type WriteInputResponse struct {
	Forwarded bool
}

// ResizeTabRequest reports new terminal geometry for a shell tab. The
// push to the engine is coalesced by the layout scheduler.
type ResizeTabRequest struct {
	UserID   UserID
	Key      TabKey
	Geometry Geometry
}

// ResizeTabResponse reports the recorded geometry.
type ResizeTabResponse struct {
	Tab TabSnapshot
}

// SetViewportRequest reports the drawing rectangle and visibility of a
// display tab as laid out by the UI.
type SetViewportRequest struct {
	UserID   UserID
	Key      TabKey
	Viewport Viewport
	Visible  bool
}

// SetViewportResponse reports the updated tab snapshot.
type SetViewportResponse struct {
	Tab TabSnapshot
}

// DisplayPointerRequest forwards a pointer event to a display tab.
type DisplayPointerRequest struct {
	UserID  UserID
	Key     TabKey
	X, Y    int
	Buttons int
	Wheel   int
}

// DisplayPointerResponse reports whether the event was forwarded.
type DisplayPointerResponse struct {
	Forwarded bool
}

// DisplayKeyRequest forwards a key event to a display tab.
type DisplayKeyRequest struct {
	UserID   UserID
	Key      TabKey
	Scancode int
	Extended bool
	Release  bool
}

// DisplayKeyResponse reports whether the event was forwarded.
type DisplayKeyResponse struct {
	Forwarded bool
}

// Layout.

// ScheduleResizeRequest records a layout-affecting signal. Signals are
// coalesced; at most one geometry push per frame reaches the engine.
type ScheduleResizeRequest struct {
	UserID UserID
}

// ScheduleResizeResponse reports whether a flush was already pending.
type ScheduleResizeResponse struct {
	Coalesced bool
}

// SyncVisibilityRequest asks for a full show/hide pass over display
// tabs. The active visible tab is shown, every other display tab is
// hidden.
type SyncVisibilityRequest struct {
	UserID UserID
}

// SyncVisibilityResponse reports the tabs the sync touched.
type SyncVisibilityResponse struct {
	Shown  []TabKey
	Hidden []TabKey
}

// Host keys.

// HostKeyDecisionRequest resolves a pending host key prompt. Trust
// updates the pinned key and re-attempts the open on a fresh tab;
// otherwise the prompt is discarded.
type HostKeyDecisionRequest struct {
	UserID  UserID
	Token   string
	Trust   bool
	TabName TabName
}

// HostKeyDecisionResponse reports the re-opened tab when trusted.
// HostKey is set when the re-attempt paused on a fresh mismatch.
type HostKeyDecisionResponse struct {
	Tab       TabSnapshot
	Reopened  bool
	Discarded bool
	HostKey   *HostKeyPrompt
}

// Buffer view.

// GetBufferRequest describes a request to fetch scrollback lines.
type GetBufferRequest struct {
	UserID UserID
	Key    TabKey
	Limit  int
}

// GetBufferResponse reports the buffer snapshot.
type GetBufferResponse struct {
	Buffer BufferSnapshot
}

// ScrollBufferRequest adjusts the scrollback view of a tab.
type ScrollBufferRequest struct {
	UserID UserID
	Key    TabKey
	Delta  int
	Limit  int
}

// ScrollBufferResponse reports the buffer snapshot after scrolling.
type ScrollBufferResponse struct {
	Buffer BufferSnapshot
}
