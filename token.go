package chloris

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiryTolerance is how long before a token's expiration instant it
// is already treated as expired, pre-empting races where a token expires
// while a request carrying it is in flight.
const DefaultExpiryTolerance = 10 * time.Minute

// claimParser reads tokens without verifying their signatures. The remote
// service is the authority on token validity; local decoding only inspects
// the self-declared claims. Padding is tolerated because some issuers emit
// padded base64url segments.
var claimParser = jwt.NewParser(jwt.WithPaddingAllowed())

// DecodeTokenClaims decodes the payload segment of a compact JWT and returns
// the claim mapping. The signature is not checked. A malformed token (wrong
// segment count, invalid base64, non-JSON payload) returns a *TokenDecodeError.
func DecodeTokenClaims(token string) (map[string]any, error) {
	parsed, _, err := claimParser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, &TokenDecodeError{Err: err}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &TokenDecodeError{Err: jwt.ErrTokenMalformed}
	}
	return map[string]any(claims), nil
}

// IsTokenExpired reports whether the token's "exp" claim falls within
// tolerance of the current time. A token with no readable expiration claim
// is treated as not expired: expiry checking here is a courtesy
// optimization, the server still enforces the real window. A token that
// cannot be decoded at all is treated as expired so that the refresh path,
// which can recover, is taken.
func IsTokenExpired(token string, tolerance time.Duration) bool {
	claims, err := DecodeTokenClaims(token)
	if err != nil {
		return true
	}
	exp, err := jwt.MapClaims(claims).GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !time.Now().Add(tolerance).Before(exp.Time)
}
