// Package identity derives the caller's identity from the access token.
//
// The gateway decodes the token payload without verifying its signature: the
// authorization upstream is the issuer and the only party that rejects tokens
// it did not mint. Identity here is advisory — it populates the X-User-Id
// header for the next hop and selects the membership entry during project
// role resolution. Decode failures degrade to "no identity", never an error.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the caller identity decoded from the access token.
type Identity struct {
	UserID string
}

var errNoSubject = errors.New("token has no subject claim")

// parser decodes without signature verification; claim validation is done
// explicitly by the callers that need it.
var parser = jwt.NewParser(jwt.WithoutClaimsValidation())

// Decode extracts the subject claim from a JWT access token without
// verifying the signature beyond structural shape.
func Decode(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return Identity{}, err
	}
	if sub == "" {
		return Identity{}, errNoSubject
	}
	return Identity{UserID: sub}, nil
}

// Usable reports whether the token is structurally well-formed and not
// expired. The skew shrinks the token's remaining lifetime so a token about
// to expire is refreshed before the upstream would reject it.
func Usable(token string, skew time.Duration) bool {
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		// No expiry claim: treat as usable and let the upstream decide.
		return err == nil
	}
	return time.Now().Add(skew).Before(exp.Time)
}
