package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access token payload.
type Claims struct {
	SubjectID   string   `json:"id"`
	Email       string   `json:"email"`
	Role        Role     `json:"role"`
	RoleLevel   int      `json:"roleLevel,omitempty"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Issuer signs access tokens with HS256.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	policy *Policy
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer whose tokens expire after ttl. Permissions and
// role level are taken from policy.
func NewIssuer(secret []byte, ttl time.Duration, policy *Policy) *Issuer {
	return &Issuer{
		secret: secret,
		ttl:    ttl,
		policy: policy,
		issuer: "cachesync",
		now:    time.Now,
	}
}

// Issue returns a signed token for the subject.
func (i *Issuer) Issue(subjectID, email string, role Role) (string, error) {
	c, err := i.policy.ContextFor(subjectID, email, role)
	if err != nil {
		return "", err
	}
	return i.sign(c, i.ttl)
}

func (i *Issuer) sign(c Context, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		SubjectID:   c.SubjectID,
		Email:       c.Email,
		Role:        c.Role,
		RoleLevel:   c.RoleLevel,
		Permissions: c.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   c.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if claims.Permissions == nil {
		claims.Permissions = []string{}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks HS256 tokens and extracts the authorization context.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret, now: time.Now}
}

// Verify checks signature and expiry, then the claims every service relies
// on. A zero RoleLevel in the result means the claim was absent.
func (v *Verifier) Verify(token string) (Context, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	// access tokens from other issuers are accepted; assertions are not
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parser := jwt.NewParser(opts...)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Context{}, fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case err != nil:
		return Context{}, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	return contextFromClaims(claims)
}

func contextFromClaims(claims jwt.MapClaims) (Context, error) {
	var c Context

	switch id := claims["id"].(type) {
	case string:
		c.SubjectID = id
	case float64:
		c.SubjectID = strconv.FormatFloat(id, 'f', -1, 64)
	}
	c.Email, _ = claims["email"].(string)
	role, _ := claims["role"].(string)
	c.Role = Role(role)

	if c.SubjectID == "" || c.Email == "" || c.Role == "" {
		return Context{}, ErrIncompleteClaims
	}

	raw, ok := claims["permissions"].([]any)
	if !ok {
		return Context{}, ErrIncompleteClaims
	}
	c.Permissions = make([]string, 0, len(raw))
	for _, p := range raw {
		s, ok := p.(string)
		if !ok {
			return Context{}, ErrIncompleteClaims
		}
		c.Permissions = append(c.Permissions, s)
	}

	if level, ok := claims["roleLevel"].(float64); ok {
		c.RoleLevel = int(level)
	}
	return c, nil
}
