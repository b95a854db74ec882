package schema

import "fmt"

// HostKeyPrompt carries the details a user needs to decide a host key
// mismatch. Token is one-shot and consumed by the decision call.
type HostKeyPrompt struct {
	Token                string
	Host                 string
	Port                 int
	StoredKeyType        string
	StoredFingerprint    string
	PresentedKeyType     string
	PresentedFingerprint string
	Warning              string
}

// HostKeyMismatchError is returned by a shell open whose host presented
// a key different from the pinned one. It is a user decision, not a
// failure: no session was opened and the prompt must be routed to the
// caller.
type HostKeyMismatchError struct {
	Prompt HostKeyPrompt
}

// Error implements the error interface.
func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s:%d (pinned %s, presented %s)",
		e.Prompt.Host, e.Prompt.Port, e.Prompt.StoredFingerprint, e.Prompt.PresentedFingerprint)
}
