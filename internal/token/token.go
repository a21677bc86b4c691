// Package token issues and verifies signed, time-bounded JWTs.
//
// A Service is stateless: it never stores tokens and does not detect replays.
// Callers that need single use persist the jti themselves.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalid covers bad signatures, wrong issuer or audience, unexpected
	// algorithms and malformed tokens.
	ErrInvalid = errors.New("token invalid")
	// ErrExpired is returned for an authentic token past its exp claim.
	ErrExpired = errors.New("token expired")
)

var registered = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
}

// Claims is the verified content of a token.
type Claims struct {
	ID        string
	Issuer    string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Payload   map[string]any
}

// String returns a payload value as a string, or "" when absent or not a string.
func (c *Claims) String(key string) string {
	s, _ := c.Payload[key].(string)
	return s
}

// Issued is a freshly signed token.
type Issued struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

type Service struct {
	issuer    string
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	kid       string
	public    *rsa.PublicKey
	now       func() time.Time
}

// NewHMAC returns an HS256 service for tokens only this server verifies.
func NewHMAC(issuer string, secret []byte) (*Service, error) {
	if issuer == "" {
		return nil, errors.New("token: issuer is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	return &Service{
		issuer:    issuer,
		method:    jwt.SigningMethodHS256,
		signKey:   secret,
		verifyKey: secret,
		now:       time.Now,
	}, nil
}

// NewRSA returns an RS256 service. Tokens carry a kid header equal to the
// RFC 7638 thumbprint of the public key so clients can verify them offline
// against the published JWKS.
func NewRSA(issuer string, key *rsa.PrivateKey) (*Service, error) {
	if issuer == "" {
		return nil, errors.New("token: issuer is required")
	}
	if key == nil {
		return nil, errors.New("token: rsa key is required")
	}
	return &Service{
		issuer:    issuer,
		method:    jwt.SigningMethodRS256,
		signKey:   key,
		verifyKey: &key.PublicKey,
		kid:       Thumbprint(&key.PublicKey),
		public:    &key.PublicKey,
		now:       time.Now,
	}, nil
}

// WithClock replaces the time source used for iat/exp and validation.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Algorithm is the JWS alg this service signs with.
func (s *Service) Algorithm() string { return s.method.Alg() }

// KeyID is the kid header value, empty for HMAC services.
func (s *Service) KeyID() string { return s.kid }

// JWKS returns the public key set. HMAC services publish nothing.
func (s *Service) JWKS() JWKS {
	if s.public == nil {
		return JWKS{Keys: []JWK{}}
	}
	return JWKS{Keys: []JWK{PublicJWK(s.public)}}
}

// Issue signs payload for audience with a fresh random jti.
func (s *Service) Issue(payload map[string]any, audience string, ttl time.Duration) (Issued, error) {
	return s.IssueWithID(uuid.NewString(), payload, audience, ttl)
}

// IssueWithID signs payload using the caller's jti.
func (s *Service) IssueWithID(jti string, payload map[string]any, audience string, ttl time.Duration) (Issued, error) {
	if jti == "" || audience == "" || ttl <= 0 {
		return Issued{}, errors.New("token: jti, audience and positive ttl are required")
	}
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)

	claims := jwt.MapClaims{}
	for k, v := range payload {
		if _, reserved := registered[k]; reserved {
			continue
		}
		claims[k] = v
	}
	claims["iss"] = s.issuer
	claims["aud"] = audience
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = exp.Unix()
	claims["jti"] = jti

	tk := jwt.NewWithClaims(s.method, claims)
	tk.Header["typ"] = "JWT"
	if s.kid != "" {
		tk.Header["kid"] = s.kid
	}
	signed, err := tk.SignedString(s.signKey)
	if err != nil {
		return Issued{}, fmt.Errorf("token: sign: %w", err)
	}
	return Issued{Token: signed, ID: jti, ExpiresAt: exp}, nil
}

// Verify checks signature, algorithm, issuer, audience and time claims.
func (s *Service) Verify(raw, audience string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)

	mc := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, mc, s.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) &&
			!errors.Is(err, jwt.ErrTokenInvalidAudience) &&
			!errors.Is(err, jwt.ErrTokenInvalidIssuer) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	jti, _ := mc["jti"].(string)
	if jti == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalid)
	}
	out := &Claims{
		ID:       jti,
		Issuer:   s.issuer,
		Audience: audience,
		Payload:  make(map[string]any, len(mc)),
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	for k, v := range mc {
		if _, reserved := registered[k]; !reserved {
			out.Payload[k] = v
		}
	}
	return out, nil
}

func (s *Service) keyfunc(t *jwt.Token) (any, error) {
	if s.kid != "" {
		if kid, _ := t.Header["kid"].(string); kid != s.kid {
			return nil, errors.New("unknown kid")
		}
	}
	return s.verifyKey, nil
}
