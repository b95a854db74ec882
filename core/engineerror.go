package core

import "strings"

// EngineErrorKind classifies engine failures for callers that branch on
// cause rather than message.
type EngineErrorKind string

const (
	EngineKindUnavailable EngineErrorKind = "unavailable"
	EngineKindAuth        EngineErrorKind = "auth"
	EngineKindConnect     EngineErrorKind = "connect"
	EngineKindProtocol    EngineErrorKind = "protocol"
)

// EngineError reports a classified engine failure. The message becomes
// the tab detail when an open fails, so it is written for users.
type EngineError struct {
	Kind    EngineErrorKind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return "engine error"
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying cause.
func (e *EngineError) Unwrap() error { return e.Err }
