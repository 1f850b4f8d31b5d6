package models

// Identity is the authenticated submitter of a video.
type Identity struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// IdentityClaims is the bearer token payload accepted by the gateway.
type IdentityClaims struct {
	Issuer    string   `json:"iss,omitempty"` // optional
	User      Identity `json:"user"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	Admin     bool     `json:"authz"`
}
