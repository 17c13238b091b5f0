// Package edgeauth implements the serving-edge gating of spec.md §4.L:
// JWT verification against a TTL-cached JWKS, a JTI replay guard for
// WebSocket upgrades, and request-body hash binding for mutating JSON
// requests.
//
// Grounded on LerianStudio-midaz/common/net/http/withJWT.go's
// JWKProvider (a sync.Once-guarded, patrickmn/go-cache TTL cache in
// front of lestrrat-go/jwx/jwk.Fetch) -- adapted from Casdoor-specific
// claim extraction (ScopeSet, Casdoor groups) to the generic iss/aud/
// skew checks spec.md §4.L asks for, and from fiber.Handler to plain
// net/http to match this core's http stack (the teacher's own
// handler.go is net/http, not fiber).
package edgeauth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/jwk"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Code is a stable auth error code, spec.md §6.
type Code string

const (
	CodeAuthRequired Code = "AUTH_REQUIRED"
	CodeAuthInvalid  Code = "AUTH_INVALID"
)

// ErrAuth carries a stable Code alongside a sanitized message -- spec.md
// §7: "user-visible messages never leak provider error bodies."
type ErrAuth struct {
	Code Code
	Msg  string
}

func (e *ErrAuth) Error() string { return fmt.Sprintf("edgeauth: %s: %s", e.Code, e.Msg) }

func authRequired(msg string) *ErrAuth { return &ErrAuth{Code: CodeAuthRequired, Msg: msg} }
func authInvalid(msg string) *ErrAuth  { return &ErrAuth{Code: CodeAuthInvalid, Msg: msg} }

// Claims is the verified, extracted subset of a token's claims this
// core cares about.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Raw       jwt.MapClaims
}

// JWKProvider fetches and TTL-caches a JWKS, mirroring the teacher's
// sync.Once + patrickmn/go-cache idiom exactly.
type JWKProvider struct {
	URI           string
	CacheDuration time.Duration

	once  sync.Once
	cache *gocache.Cache
}

// Fetch returns the cached key set, refetching once CacheDuration has
// elapsed.
func (p *JWKProvider) Fetch(ctx context.Context) (jwk.Set, error) {
	p.once.Do(func() {
		p.cache = gocache.New(p.CacheDuration, p.CacheDuration)
	})

	if set, found := p.cache.Get(p.URI); found {
		return set.(jwk.Set), nil
	}

	set, err := jwk.FetchContext(ctx, p.URI)
	if err != nil {
		return nil, fmt.Errorf("edgeauth: fetch jwks: %w", err)
	}
	p.cache.Set(p.URI, set, p.CacheDuration)
	return set, nil
}

// VerifierConfig tunes Verifier's iss/aud/skew checks, spec.md §4.L.
type VerifierConfig struct {
	Issuer           string
	Audience         string
	ClockSkew        time.Duration
	MaxTokenLifetime time.Duration
}

// Verifier validates a bearer token's signature and claims.
type Verifier struct {
	cfg VerifierConfig
	jwk *JWKProvider
	log zerolog.Logger
}

// NewVerifier constructs a Verifier. jwksURI is fetched lazily through
// a JWKProvider with a 1h cache duration, matching the teacher's
// jwkDefaultDuration literal.
func NewVerifier(jwksURI string, cfg VerifierConfig, log zerolog.Logger) *Verifier {
	return &Verifier{
		cfg: cfg,
		jwk: &JWKProvider{URI: jwksURI, CacheDuration: time.Hour},
		log: log.With().Str("component", "edgeauth").Logger(),
	}
}

// Verify validates tokenString's signature (RS256 against the JWKS),
// then iss/aud/iat/exp within the configured skew and a maximum token
// lifetime. Any check failure returns *ErrAuth with CodeAuthInvalid.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, authRequired("missing bearer token")
	}

	keySet, err := v.jwk.Fetch(ctx)
	if err != nil {
		v.log.Error().Err(err).Msg("edgeauth: jwks fetch failed")
		return Claims{}, authInvalid("unable to load signing keys")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		key, ok := keySet.LookupKeyID(kid)
		if !ok {
			return nil, errors.New("untrusted signing key")
		}
		var raw rsa.PublicKey
		if err := key.Raw(&raw); err != nil {
			return nil, err
		}
		return &raw, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, authInvalid("token signature invalid")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, authInvalid("malformed claims")
	}

	claims, err := v.extract(mapClaims)
	if err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func (v *Verifier) extract(mc jwt.MapClaims) (Claims, error) {
	now := time.Now()

	iss, _ := mc["iss"].(string)
	if v.cfg.Issuer != "" && iss != v.cfg.Issuer {
		return Claims{}, authInvalid("issuer mismatch")
	}

	aud, _ := mc["aud"].(string)
	if v.cfg.Audience != "" && aud != v.cfg.Audience {
		return Claims{}, authInvalid("audience mismatch")
	}

	var iat, exp time.Time
	if v, ok := mc["iat"].(float64); ok {
		iat = time.Unix(int64(v), 0)
	}
	if v, ok := mc["exp"].(float64); ok {
		exp = time.Unix(int64(v), 0)
	}

	skew := v.cfg.ClockSkew
	if exp.IsZero() || now.After(exp.Add(skew)) {
		return Claims{}, authInvalid("token expired")
	}
	if !iat.IsZero() && now.Before(iat.Add(-skew)) {
		return Claims{}, authInvalid("token not yet valid")
	}
	if v.cfg.MaxTokenLifetime > 0 && !iat.IsZero() && !exp.IsZero() && exp.Sub(iat) > v.cfg.MaxTokenLifetime {
		return Claims{}, authInvalid("token lifetime exceeds maximum")
	}

	sub, _ := mc["sub"].(string)
	jti, _ := mc["jti"].(string)

	return Claims{
		Subject:   sub,
		Issuer:    iss,
		Audience:  aud,
		JTI:       jti,
		IssuedAt:  iat,
		ExpiresAt: exp,
		Raw:       mc,
	}, nil
}
