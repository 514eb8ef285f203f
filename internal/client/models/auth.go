package models

import "time"

// Roles.
const (
	RoleRoot = "root"
	RoleUser = "user"
)

// Credential is one row of the local credential table.
type Credential struct {
	ID               string `json:"id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	Role             string `json:"role"`
	PasswordVerifier string `json:"passwordVerifier"`
	CreatedAt        int64  `json:"createdAt"`
}

// Session is the persisted login. Times are unix milliseconds.
type Session struct {
	PrincipalID     string `json:"principalId"`
	Username        string `json:"username"`
	SessionID       string `json:"sessionId"`
	CreatedAt       int64  `json:"createdAt"`
	ExpiresAt       int64  `json:"expiresAt"`
	FingerprintHash string `json:"fingerprintHash"`
	Role            string `json:"role"`
	Token           string `json:"token,omitempty"`
}

// Complete reports whether every required field is present.
func (s Session) Complete() bool {
	return s.PrincipalID != "" && s.Username != "" && s.SessionID != "" &&
		s.CreatedAt > 0 && s.ExpiresAt > 0 && s.Role != ""
}

// Expired reports whether the session is past its absolute expiry.
func (s Session) Expired(now time.Time) bool {
	return now.UnixMilli() >= s.ExpiresAt
}

// Principal is the redacted "current principal" record; it never carries
// secret material.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
}

// AuthContext identifies on whose behalf the process is acting. The zero
// value is the anonymous context.
type AuthContext struct {
	PrincipalID string
	Username    string
	Role        string
	SessionID   string
}

func (a AuthContext) Authenticated() bool {
	return a.PrincipalID != ""
}

func (a AuthContext) IsRoot() bool {
	return a.Role == RoleRoot
}
