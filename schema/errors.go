package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUser indicates an invalid user identifier.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidConnection indicates an unusable connection descriptor.
	ErrInvalidConnection = errors.New("invalid connection")
	// ErrTabNotFound indicates a requested tab could not be found.
	ErrTabNotFound = errors.New("tab not found")
	// ErrNoTabs indicates no tabs exist for the user.
	ErrNoTabs = errors.New("no tabs")
	// ErrTabKeyConflict indicates a registry key is already occupied.
	ErrTabKeyConflict = errors.New("tab key conflict")
	// ErrTabClosing indicates the tab is already being torn down.
	ErrTabClosing = errors.New("tab is closing")
	// ErrNotShellTab indicates the operation requires a shell tab.
	ErrNotShellTab = errors.New("not a shell tab")
	// ErrNotDisplayTab indicates the operation requires a display tab.
	ErrNotDisplayTab = errors.New("not a display tab")
	// ErrNoVisibleArea indicates a display open with a zero-area viewport.
	ErrNoVisibleArea = errors.New("viewport has no visible area")
	// ErrOpenTimeout indicates the open watchdog fired before the engine
	// settled.
	ErrOpenTimeout = errors.New("open timed out")
	// ErrEngineUnavailable indicates no engine is configured for the
	// requested protocol.
	ErrEngineUnavailable = errors.New("engine not configured")
	// ErrHostKeyPromptNotFound indicates an unknown or spent mismatch token.
	ErrHostKeyPromptNotFound = errors.New("host key prompt not found")
)
