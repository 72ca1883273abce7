package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the JWT claims structure for admin sessions. It embeds
// jwt.RegisteredClaims for standard fields (exp, iat, etc.) and adds the
// fields admin endpoints need for identity and role checks. This system's
// admin surface is username/password plus JWT cookies only, so the
// multi-provider identity fields (handle, email, avatar, OAuth provider) the
// teacher's OAuth login carried do not apply here.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}
