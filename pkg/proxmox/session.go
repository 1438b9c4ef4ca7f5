package proxmox

import "time"

// TicketLifetime is how long Proxmox VE honours a ticket after issue.
// Sessions are never refreshed; callers authenticate again when needed.
const TicketLifetime = 2 * time.Hour

// Session is the result of a successful login. It is a value owned by the
// caller that created it and is never modified by the client.
type Session struct {
	Ticket    string    `json:"-"`
	CSRFToken string    `json:"-"`
	Username  string    `json:"username"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Valid reports whether the session carries both credentials.
func (s *Session) Valid() bool {
	return s != nil && s.Ticket != "" && s.CSRFToken != ""
}

// Expired reports whether the server-side ticket lifetime has elapsed.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return now.Sub(s.IssuedAt) >= TicketLifetime
}
