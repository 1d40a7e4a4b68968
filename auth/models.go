package auth

import "time"

// Operator is a person allowed to drive the demo and trigger chain
// submissions by hand. Operators come from configuration, not from a table.
type Operator struct {
	Name         string
	PasswordHash string
}

// LoginRequest contains operator login credentials.
type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// LoginResult bundles the token returned after a successful login.
type LoginResult struct {
	Token     string    `json:"token"`
	Operator  string    `json:"operator"`
	ExpiresAt time.Time `json:"expiresAt"`
}
