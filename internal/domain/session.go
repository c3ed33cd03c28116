package domain

import "time"

// Session is an authenticated presence for a user. LastSeenAt only moves
// forward; a session is valid iff now < LastSeenAt+idleTimeout and
// now < ExpiresAt.
type Session struct {
	Token      string
	UserID     int64
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
}

// ValidAt reports whether the session is still usable at the given instant.
func (s Session) ValidAt(now time.Time, idleTimeout time.Duration) bool {
	if !now.Before(s.ExpiresAt) {
		return false
	}
	return now.Before(s.LastSeenAt.Add(idleTimeout))
}
