package session

// Status is the lifecycle position of a browser session.
type Status string

// Session lifecycle states.
const (
	StatusUninitialized Status = "UNINITIALIZED"
	StatusActive        Status = "ACTIVE"
	StatusRedirected    Status = "REDIRECTED"
	StatusWallBlocked   Status = "WALL_BLOCKED"
	StatusTerminated    Status = "TERMINATED"
)

// State is a snapshot of the session as seen by the controller.
type State struct {
	Status          Status  `json:"status"`
	LoggedIn        bool    `json:"logged_in"`
	CookieCount     int     `json:"cookie_count"`
	CurrentURL      string  `json:"current_url,omitempty"`
	RedirectRetries int     `json:"redirect_retries"`
	LastVerdict     Verdict `json:"last_verdict"`
}

// Usable reports whether the session can still navigate.
func (s State) Usable() bool {
	return s.Status != StatusUninitialized && s.Status != StatusTerminated
}

func statusFor(v Verdict) Status {
	switch {
	case !v.Blocked:
		return StatusActive
	case v.Reason == ReasonRedirected:
		return StatusRedirected
	default:
		return StatusWallBlocked
	}
}
