package session

import "time"

type Status int

const (
	StatusInitializing Status = iota
	StatusUnauthenticated
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Reason records why the session last became unauthenticated, so the login
// screen can tell a revoked session apart from a fresh visit.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonUserLogout
	ReasonSessionExpired
)

func (r Reason) String() string {
	switch r {
	case ReasonUserLogout:
		return "user_logout"
	case ReasonSessionExpired:
		return "session_expired"
	default:
		return "none"
	}
}

const ExpiredNotice = "Your session has expired. Please sign in again."

type User struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	// ID is the user_id claim of the access credential, when known.
	ID string `json:"id,omitempty"`
}

// State is a snapshot of the session. User is non-nil exactly when Status is
// StatusAuthenticated.
type State struct {
	Status Status
	User   *User
	Reason Reason
	// Epoch counts transitions into StatusAuthenticated. A new epoch means a
	// fresh sign-in that has not been checked yet.
	Epoch     uint64
	ChangedAt time.Time
}

func (s State) IsAuthenticated() bool {
	return s.Status == StatusAuthenticated
}
