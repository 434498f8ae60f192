package sharing

import "time"

// Status of a host-side share.
type Status string

const (
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Role of an observer within a share. At most one observer holds
// RoleHasControl at any time.
type Role string

const (
	RoleReadOnly   Role = "read-only"
	RoleRequesting Role = "requesting"
	RoleHasControl Role = "has-control"
)

// ObserverInfo is the host's record of one connected observer.
type ObserverInfo struct {
	ObserverID  string
	DisplayName string
	Role        Role
	JoinedAt    time.Time
}

// ShareInfo is the host-side public record of a share.
type ShareInfo struct {
	ShareID     string
	ShareCode   string
	ShareURL    string
	SessionID   string
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	HasPassword bool
	Observers   []ObserverInfo
}

// StartOptions configure a new host share.
type StartOptions struct {
	Password  string
	ExpiresIn time.Duration
}

// JoinOptions configure an observer join.
type JoinOptions struct {
	Password    string
	DisplayName string
}

// ObserverShareState is the observer-side public record of a joined
// share.
type ObserverShareState struct {
	ShareCode    string
	ShareID      string
	SessionName  string
	Role         Role
	DisplayName  string
	Reconnecting bool
}
