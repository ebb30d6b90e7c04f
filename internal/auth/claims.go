package auth

import "time"

// IdentityClaims is the verified identity carried by a federated ID token.
type IdentityClaims struct {
	Provider string
	Subject  string
	Email    string
	Name     string
	Picture  string
	Audience string
	Issuer   string
	Expiry   time.Time
	IssuedAt time.Time
}
