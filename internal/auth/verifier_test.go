package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haroon-sajid/teamapp-gateway/internal/auth"
)

const testSecret = "test-secret"

func mintToken(t *testing.T, mutate func(claims jwt.MapClaims)) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   "user-1",
		"email": "user1@example.com",
		"role":  "member",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newVerifier() *auth.Verifier {
	return auth.NewVerifier(testSecret, 30*time.Second)
}

func TestVerify_Valid(t *testing.T) {
	v := newVerifier()

	identity, err := v.Verify(mintToken(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.SubjectID)
	assert.Equal(t, "user1@example.com", identity.Email)
	assert.Equal(t, auth.RoleMember, identity.Role)
	assert.Greater(t, identity.TTL(time.Now()), 55*time.Minute)
}

func TestVerify_StripsBearerPrefix(t *testing.T) {
	v := newVerifier()

	identity, err := v.Verify("Bearer " + mintToken(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.SubjectID)
}

func TestVerify_Expired(t *testing.T) {
	v := newVerifier()
	token := mintToken(t, func(claims jwt.MapClaims) {
		claims["iat"] = time.Now().Add(-2 * time.Hour).Unix()
		claims["exp"] = time.Now().Add(-time.Hour).Unix()
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, auth.ErrExpired)
}

func TestVerify_NotYetValid(t *testing.T) {
	v := newVerifier()
	token := mintToken(t, func(claims jwt.MapClaims) {
		claims["iat"] = time.Now().Add(time.Hour).Unix()
		claims["exp"] = time.Now().Add(2 * time.Hour).Unix()
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, auth.ErrNotYetValid)
}

func TestVerify_IssuedAtWithinLeeway(t *testing.T) {
	v := newVerifier()
	// Small clock skew must be tolerated.
	token := mintToken(t, func(claims jwt.MapClaims) {
		claims["iat"] = time.Now().Add(10 * time.Second).Unix()
	})

	_, err := v.Verify(token)
	assert.NoError(t, err)
}

func TestVerify_Malformed(t *testing.T) {
	v := newVerifier()

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, auth.ErrMalformed, "token %q", token)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	other := auth.NewVerifier("different-secret", 0)

	_, err := other.Verify(mintToken(t, nil))
	assert.ErrorIs(t, err, auth.ErrMalformed)
}

func TestVerify_MissingClaims(t *testing.T) {
	v := newVerifier()

	tests := map[string]func(claims jwt.MapClaims){
		"no subject": func(c jwt.MapClaims) { delete(c, "sub") },
		"no iat":     func(c jwt.MapClaims) { delete(c, "iat") },
		"no exp":     func(c jwt.MapClaims) { delete(c, "exp") },
		"no role":    func(c jwt.MapClaims) { delete(c, "role") },
		"bad role":   func(c jwt.MapClaims) { c["role"] = "superuser" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(mintToken(t, mutate))
			assert.ErrorIs(t, err, auth.ErrMissingClaims)
		})
	}
}

func TestRolePrivileged(t *testing.T) {
	assert.True(t, auth.RoleAdmin.Privileged())
	assert.False(t, auth.RoleMember.Privileged())
}
