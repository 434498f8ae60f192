// Package session defines the session-provider contract the sharing
// engine consumes, and a local pty-backed implementation of it.
package session

// Status of a managed session process.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// Info describes one session.
type Info struct {
	ID               string
	Name             string
	WorkingDirectory string
	CurrentModel     string
	ProviderID       string
	Status           Status
}

// Provider is the engine's sole source of truth for session existence
// and liveness, and its sole sink for forwarded input.
type Provider interface {
	// GetSession reports the session, or false if it does not exist.
	GetSession(id string) (Info, bool)

	// SubscribeToOutput registers fn for every output chunk the
	// session produces. The returned function cancels the
	// subscription and is safe to call more than once.
	SubscribeToOutput(id string, fn func(chunk []byte)) (func(), error)

	// SendInput delivers input bytes to the session's process.
	SendInput(id string, data []byte) error

	// OnSessionEnd registers fn to run whenever any session ends.
	OnSessionEnd(fn func(id string))
}
