package session

import "time"

// Session is the stored record for one login on one device.
// TokenHash and RefreshHash are HashToken digests, never raw tokens.
type Session struct {
	ID          string
	UserID      string
	TokenHash   string
	RefreshHash string
	ExpiresAt   time.Time
	IPAddress   string
	UserAgent   string
	DeviceType  DeviceType
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Live reports whether the session may still authenticate requests at now.
func (s *Session) Live(now time.Time) bool {
	return s != nil && s.IsActive && s.ExpiresAt.After(now)
}

// NewSession is the input to Store.Create.
type NewSession struct {
	UserID       string
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
	IPAddress    string
	UserAgent    string
}

// Rotation replaces a session's token pair. The swap only happens while the
// stored refresh token still matches PreviousRefreshToken.
type Rotation struct {
	SessionID            string
	PreviousRefreshToken string
	Token                string
	RefreshToken         string
	ExpiresAt            time.Time
}
