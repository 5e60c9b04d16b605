package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrDecode is returned when an access token's payload can't be read.
var ErrDecode = errors.New("token payload could not be decoded")

// Claims is the subset of access token claims the console cares about.
type Claims struct {
	Subject   string
	Email     string
	Roles     []string
	ExpiresAt time.Time
}

// DecodeClaims reads the payload of a signed access token.
//
// The signature is NOT verified. The decoded claims only drive what the console
// shows and when it renews; every backend service still authorizes requests on
// its own.
func DecodeClaims(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrDecode)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrDecode)
	}

	claims := &Claims{
		Subject: stringClaim(mc["sub"]),
		Email:   stringClaim(mc["email"]),
		Roles:   NormalizeRoles(mc["roles"]),
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: bad exp claim: %v", ErrDecode, err)
	}
	if exp != nil {
		claims.ExpiresAt = exp.Time
	}

	return claims, nil
}

// NormalizeRoles accepts a roles claim either as a list or as a single
// comma-separated string and returns trimmed, non-empty, de-duplicated roles.
func NormalizeRoles(raw any) []string {
	var parts []string
	switch v := raw.(type) {
	case nil:
		return []string{}
	case string:
		parts = strings.Split(v, ",")
	case []string:
		parts = v
	case []any:
		for _, item := range v {
			parts = append(parts, stringClaim(item))
		}
	default:
		parts = []string{stringClaim(v)}
	}

	roles := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		r := strings.TrimSpace(p)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}
	return roles
}

func stringClaim(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		// JSON numbers; subject ids are often numeric
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}
