// Package authtest builds access tokens for tests.
package authtest

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signingKey = "authtest-signing-key"

// Token signs a token carrying the given subject, email, roles claim and expiry.
// roles may be a string or a []string to exercise both claim shapes.
func Token(sub, email string, roles any, exp time.Time) string {
	claims := jwt.MapClaims{
		"sub":   sub,
		"email": email,
	}
	if roles != nil {
		claims["roles"] = roles
	}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		panic(err)
	}
	return signed
}
