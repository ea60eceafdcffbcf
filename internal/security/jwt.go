package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrInvalidSubject  = errors.New("invalid subject")
)

// Verifier checks RS256 access tokens issued by the identity service.
// Only the public key lives here; signing is not this service's business.
type Verifier struct {
	public    *rsa.PublicKey
	issuer    string
	audience  string
	clockSkew time.Duration
}

func NewVerifier(public *rsa.PublicKey, issuer, audience string, clockSkew time.Duration) *Verifier {
	return &Verifier{
		public:    public,
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
	}
}

type AccessClaims struct {
	jwt.StandardClaims
}

func (v *Verifier) ParseAndValidate(tokenStr string) (*AccessClaims, error) {
	if tokenStr == "" {
		return nil, ErrInvalidToken
	}

	claims := &AccessClaims{}
	// time claims are checked below with clockSkew slack, so the parser's
	// own zero-slack validation is skipped
	parser := jwt.Parser{SkipClaimsValidation: true}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok || t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, ErrInvalidToken
		}
		return v.public, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	now := time.Now()

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, ErrInvalidIssuer
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, ErrInvalidAudience
	}

	// time claims with clockSkew slack
	nbf := time.Unix(claims.NotBefore, 0).Add(-v.clockSkew)
	exp := time.Unix(claims.ExpiresAt, 0).Add(v.clockSkew)
	if now.Before(nbf) || now.After(exp) {
		return nil, ErrTokenExpired
	}

	return claims, nil
}

// Authenticate is the one-call form used at the connection boundary:
// token in, platform user id out.
func (v *Verifier) Authenticate(token string) (int64, error) {
	claims, err := v.ParseAndValidate(token)
	if err != nil {
		return 0, err
	}
	return v.UserID(claims)
}

// UserID parses the sub claim into the platform user id.
func (v *Verifier) UserID(claims *AccessClaims) (int64, error) {
	if claims == nil || claims.Subject == "" {
		return 0, ErrInvalidSubject
	}
	var id int64
	if _, err := fmt.Sscan(claims.Subject, &id); err != nil || id <= 0 {
		return 0, ErrInvalidSubject
	}

	return id, nil
}

func LoadRSAPublicKeyFromPEM(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, err
	}

	return pub, nil
}
