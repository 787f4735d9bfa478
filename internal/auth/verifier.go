package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures the session machine and admission controller branch
// on. ErrExpired is kept distinct because expiry is a routine client-driven
// event and gets its own, more lenient admission budget.
var (
	ErrMalformed     = errors.New("auth: malformed token")
	ErrExpired       = errors.New("auth: token expired")
	ErrNotYetValid   = errors.New("auth: token not yet valid")
	ErrMissingClaims = errors.New("auth: required claims missing")
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Privileged reports whether the role skips broadcast narrowing.
func (r Role) Privileged() bool {
	return r == RoleAdmin
}

// Identity is the verified, decoded token payload describing who a
// connection belongs to. Immutable once produced.
type Identity struct {
	SubjectID string
	Email     string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TTL returns the remaining lifetime of the credential at time now.
func (id Identity) TTL(now time.Time) time.Duration {
	return id.ExpiresAt.Sub(now)
}

type appClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed bearer tokens against a single shared secret.
type Verifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

func NewVerifier(secret string, leeway time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		leeway: leeway,
		now:    time.Now,
	}
}

// Verify parses and validates a bearer credential, stripping a "Bearer "
// prefix if present, and returns the identity claim on success.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return Identity{}, ErrMalformed
	}

	claims := &appClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !token.Valid {
		return Identity{}, ErrMalformed
	}

	if claims.Subject == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return Identity{}, ErrMissingClaims
	}
	role := Role(claims.Role)
	if role != RoleMember && role != RoleAdmin {
		return Identity{}, ErrMissingClaims
	}

	now := v.now()
	if now.After(claims.ExpiresAt.Time) {
		return Identity{}, ErrExpired
	}
	if claims.IssuedAt.Time.After(now.Add(v.leeway)) {
		return Identity{}, ErrNotYetValid
	}

	return Identity{
		SubjectID: claims.Subject,
		Email:     claims.Email,
		Role:      role,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
