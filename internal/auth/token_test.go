package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify(t *testing.T) {
	v, err := NewVerifier("s3cret", "roomcast")
	require.NoError(t, err)

	tok, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)
	user, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestVerifyRejects(t *testing.T) {
	v, err := NewVerifier("s3cret", "roomcast")
	require.NoError(t, err)
	other, err := NewVerifier("other", "roomcast")
	require.NoError(t, err)
	foreign, err := NewVerifier("s3cret", "elsewhere")
	require.NoError(t, err)

	forged, err := other.Issue("alice", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := foreign.Issue("alice", time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "roomcast",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": forged,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	v, err := NewVerifier("s3cret", "")
	require.NoError(t, err)
	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)

	v.now = time.Now
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestNewVerifierNeedsSecret(t *testing.T) {
	_, err := NewVerifier("  ", "")
	assert.ErrorIs(t, err, ErrNoSecret)
}
