package token

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHMAC(t *testing.T) *Service {
	t.Helper()
	s, err := NewHMAC("licensing", []byte("test-secret-0123456789"))
	require.NoError(t, err)
	return s
}

func TestIssueAndVerify(t *testing.T) {
	s := newHMAC(t)

	iss, err := s.Issue(map[string]any{"rid": "r-1", "email": "alice@example.com"}, "magic-link", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, iss.ID)

	c, err := s.Verify(iss.Token, "magic-link")
	require.NoError(t, err)
	assert.Equal(t, iss.ID, c.ID)
	assert.Equal(t, "r-1", c.String("rid"))
	assert.Equal(t, "alice@example.com", c.String("email"))
	assert.Equal(t, iss.ExpiresAt.Unix(), c.ExpiresAt.Unix())
}

func TestPayloadCannotOverrideRegisteredClaims(t *testing.T) {
	s := newHMAC(t)

	iss, err := s.IssueWithID("jti-1", map[string]any{"jti": "other", "aud": "device", "exp": 1}, "magic-link", time.Minute)
	require.NoError(t, err)

	c, err := s.Verify(iss.Token, "magic-link")
	require.NoError(t, err)
	assert.Equal(t, "jti-1", c.ID)
	assert.NotContains(t, c.Payload, "aud")
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	s := newHMAC(t)
	iss, err := s.Issue(nil, "magic-link", time.Minute)
	require.NoError(t, err)

	_, err = s.Verify(iss.Token, "device")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := newHMAC(t)
	iss, err := s.Issue(map[string]any{"email": "a@example.com"}, "magic-link", time.Minute)
	require.NoError(t, err)

	tampered := iss.Token + "A"
	_, err = s.Verify(tampered, "magic-link")
	require.ErrorIs(t, err, ErrInvalid)

	other, err := NewHMAC("licensing", []byte("another-secret-987654"))
	require.NoError(t, err)
	_, err = other.Verify(iss.Token, "magic-link")
	require.ErrorIs(t, err, ErrInvalid)

	_, err = s.Verify("not-a-token", "magic-link")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	s := newHMAC(t)
	tk := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"iss": "licensing", "aud": "magic-link", "jti": "x",
		"iat": time.Now().Unix(), "exp": time.Now().Add(time.Minute).Unix(),
	})
	raw, err := tk.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = s.Verify(raw, "magic-link")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyExpired(t *testing.T) {
	now := time.Now()
	s := newHMAC(t).WithClock(func() time.Time { return now })

	iss, err := s.Issue(nil, "magic-link", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	c, err := s.Verify(iss.Token, "magic-link")
	require.ErrorIs(t, err, ErrExpired)
	assert.Nil(t, c)
}

func TestIssueRequiresAudienceAndTTL(t *testing.T) {
	s := newHMAC(t)
	_, err := s.Issue(nil, "", time.Minute)
	require.Error(t, err)
	_, err = s.Issue(nil, "device", 0)
	require.Error(t, err)
}

func TestRSAServicePublishesJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s, err := NewRSA("licensing", key)
	require.NoError(t, err)
	assert.Equal(t, "RS256", s.Algorithm())

	iss, err := s.Issue(map[string]any{"device_id": "D1"}, "device", time.Hour)
	require.NoError(t, err)

	set := s.JWKS()
	require.Len(t, set.Keys, 1)
	assert.Equal(t, s.KeyID(), set.Keys[0].Kid)

	// An offline client verifies with nothing but the published key.
	pub, err := ParseJWK(set.Keys[0])
	require.NoError(t, err)
	parsed, err := jwt.Parse(iss.Token, func(tk *jwt.Token) (any, error) {
		assert.Equal(t, set.Keys[0].Kid, tk.Header["kid"])
		return pub, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience("device"))
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	c, err := s.Verify(iss.Token, "device")
	require.NoError(t, err)
	assert.Equal(t, "D1", c.String("device_id"))
}

func TestHMACServicePublishesNoKeys(t *testing.T) {
	assert.Empty(t, newHMAC(t).JWKS().Keys)
}

func TestThumbprintIsStable(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk := PublicJWK(&key.PublicKey)
	pub, err := ParseJWK(jwk)
	require.NoError(t, err)
	assert.Equal(t, Thumbprint(&key.PublicKey), Thumbprint(pub))
	assert.Equal(t, "AQAB", jwk.E)
}

func TestGenerateAndLoadKeys(t *testing.T) {
	key, privPEM, pubPEM, err := GenerateRSAKey(2048)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/private.pem", privPEM, 0o600))
	require.NoError(t, os.WriteFile(dir+"/public.pem", pubPEM, 0o644))

	loaded, err := LoadRSAPrivateKey(dir + "/private.pem")
	require.NoError(t, err)
	assert.True(t, key.Equal(loaded))

	pub, err := LoadRSAPublicKey(dir + "/public.pem")
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}
