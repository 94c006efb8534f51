package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/avaigw/internal/config"
	"github.com/vyrodovalexey/avaigw/internal/observability"
	"github.com/vyrodovalexey/avaigw/internal/util"
)

// Principal identifies an authenticated caller and its rate-limit tier.
type Principal struct {
	Name string
	Tier string
}

// Authenticator resolves credentials to principals. Two credential
// forms are accepted: pre-issued API keys declared in configuration,
// and JWT bearer tokens validated against a shared secret or a JWKS
// endpoint.
type Authenticator struct {
	keys        map[string]Principal
	jwtCfg      config.JWTConfig
	secret      []byte
	jwksCache   *jwk.Cache
	defaultTier string
	logger      observability.Logger
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithAuthLogger sets the logger.
func WithAuthLogger(logger observability.Logger) AuthOption {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// NewAuthenticator builds an Authenticator from configuration. The
// context bounds the lifetime of the background JWKS refresher when a
// JWKS URL is configured.
func NewAuthenticator(ctx context.Context, cfg config.AuthConfig, opts ...AuthOption) (*Authenticator, error) {
	a := &Authenticator{
		keys:        make(map[string]Principal, len(cfg.APIKeys)),
		jwtCfg:      cfg.JWT,
		defaultTier: cfg.DefaultTier,
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, k := range cfg.APIKeys {
		tier := k.Tier
		if tier == "" {
			tier = cfg.DefaultTier
		}
		a.keys[k.Key] = Principal{Name: k.Principal, Tier: tier}
	}

	if cfg.JWT.Enabled {
		switch {
		case cfg.JWT.Secret != "":
			a.secret = []byte(cfg.JWT.Secret)
		case cfg.JWT.JWKSURL != "":
			c := jwk.NewCache(ctx)
			if err := c.Register(cfg.JWT.JWKSURL); err != nil {
				return nil, fmt.Errorf("registering jwks url: %w", err)
			}
			a.jwksCache = c
		default:
			return nil, fmt.Errorf("jwt auth enabled without secret or jwks url: %w", util.ErrConfigInvalid)
		}
	}

	return a, nil
}

// Authenticate resolves the credential carried by the request. The
// X-API-Key header and "Authorization: Bearer <key>" both match the
// API-key table; a bearer token that is not a known key is validated as
// a JWT when JWT auth is enabled. A missing or invalid credential
// returns util.ErrUnauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if p, ok := a.keys[key]; ok {
			return p, nil
		}
		return Principal{}, fmt.Errorf("unknown api key: %w", util.ErrUnauthorized)
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return Principal{}, fmt.Errorf("missing credential: %w", util.ErrUnauthorized)
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return Principal{}, fmt.Errorf("unsupported authorization scheme: %w", util.ErrUnauthorized)
	}

	if p, ok := a.keys[token]; ok {
		return p, nil
	}
	if a.jwtCfg.Enabled {
		return a.validateJWT(r.Context(), token)
	}
	return Principal{}, fmt.Errorf("unknown credential: %w", util.ErrUnauthorized)
}

func (a *Authenticator) validateJWT(ctx context.Context, token string) (Principal, error) {
	parseOpts := []jwt.ParseOption{jwt.WithValidate(true)}
	if a.jwtCfg.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(a.jwtCfg.Issuer))
	}
	switch {
	case a.secret != nil:
		parseOpts = append(parseOpts, jwt.WithKey(jwa.HS256, a.secret))
	case a.jwksCache != nil:
		set, err := a.jwksCache.Get(ctx, a.jwtCfg.JWKSURL)
		if err != nil {
			a.logger.Warn("jwks fetch failed", observability.Error(err))
			return Principal{}, fmt.Errorf("jwks unavailable: %w", util.ErrUnauthorized)
		}
		parseOpts = append(parseOpts, jwt.WithKeySet(set))
	}

	tok, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", util.ErrUnauthorized)
	}

	sub := tok.Subject()
	if sub == "" {
		return Principal{}, fmt.Errorf("token has no subject: %w", util.ErrUnauthorized)
	}

	tier := a.defaultTier
	if a.jwtCfg.TierClaim != "" {
		if v, ok := tok.Get(a.jwtCfg.TierClaim); ok {
			if s, ok := v.(string); ok && s != "" {
				tier = s
			}
		}
	}
	return Principal{Name: sub, Tier: tier}, nil
}
