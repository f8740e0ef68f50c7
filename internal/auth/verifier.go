package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/apexgate/apexgate/config"
	"github.com/apexgate/apexgate/internal/errors"
)

// Verifier resolves request credentials to a Principal.
//
// Method order is API key header, then bearer token, then basic. The
// first method whose credential is present is authoritative: if it
// fails, the others are not tried.
type Verifier struct {
	cfg       config.AuthConfig
	store     *Store
	blacklist *Blacklist
	secret    []byte
	keyFunc   jwt.Keyfunc
}

// NewVerifier creates a verifier over the credential store.
func NewVerifier(cfg config.AuthConfig, store *Store, blacklist *Blacklist) *Verifier {
	v := &Verifier{
		cfg:       cfg,
		store:     store,
		blacklist: blacklist,
		secret:    []byte(cfg.JWT.Secret),
	}
	v.keyFunc = func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}
	return v
}

func (v *Verifier) apiKeyHeader() string {
	if v.cfg.APIKey.Header != "" {
		return v.cfg.APIKey.Header
	}
	return "X-API-Key"
}

// Verify authenticates the request.
func (v *Verifier) Verify(r *http.Request) (*Principal, *errors.GatewayError) {
	if v.cfg.APIKey.Enabled {
		if key := r.Header.Get(v.apiKeyHeader()); key != "" {
			return v.verifyAPIKey(key)
		}
	}

	authz := r.Header.Get("Authorization")
	if v.cfg.JWT.Enabled {
		if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
			return v.VerifyToken(token)
		}
	}
	if v.cfg.Basic.Enabled {
		if cred, ok := strings.CutPrefix(authz, "Basic "); ok {
			return v.verifyBasic(cred)
		}
	}

	return nil, errors.ErrUnauthorized.WithDetails("no credentials provided")
}

func (v *Verifier) verifyAPIKey(key string) (*Principal, *errors.GatewayError) {
	rec, ok := v.store.LookupKey(key)
	if !ok {
		return nil, errors.ErrUnauthorized.WithDetails("unknown API key")
	}
	return &Principal{
		ID:          rec.Name,
		Method:      MethodAPIKey,
		Permissions: rec.Permissions,
		APIKey:      rec,
	}, nil
}

// VerifyToken validates a bearer token and builds its principal.
func (v *Verifier) VerifyToken(tokenString string) (*Principal, *errors.GatewayError) {
	if v.blacklist.Contains(tokenString) {
		return nil, errors.ErrUnauthorized.WithMessage("Token has been revoked")
	}

	claims, gerr := v.parseClaims(tokenString)
	if gerr != nil {
		return nil, gerr
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, errors.ErrUnauthorized.WithDetails("token has no subject")
	}

	return &Principal{
		ID:          sub,
		Method:      MethodJWT,
		Permissions: claimPermissions(claims),
	}, nil
}

func (v *Verifier) parseClaims(tokenString string) (jwt.MapClaims, *errors.GatewayError) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.cfg.JWT.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.JWT.Issuer))
	}
	for _, aud := range v.cfg.JWT.Audience {
		opts = append(opts, jwt.WithAudience(aud))
	}

	token, err := jwt.Parse(tokenString, v.keyFunc, opts...)
	if err != nil {
		return nil, errors.ErrUnauthorized.WithDetails(fmt.Sprintf("invalid token: %v", err))
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrUnauthorized.WithDetails("unexpected claims type")
	}
	return claims, nil
}

func claimPermissions(claims jwt.MapClaims) []string {
	raw, ok := claims["permissions"].([]any)
	if !ok {
		return nil
	}
	perms := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			perms = append(perms, s)
		}
	}
	return perms
}

func (v *Verifier) verifyBasic(encoded string) (*Principal, *errors.GatewayError) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.ErrUnauthorized.WithDetails("malformed basic credentials")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, errors.ErrUnauthorized.WithDetails("malformed basic credentials")
	}

	user, ok := v.store.Authenticate(username, password)
	if !ok {
		return nil, errors.ErrUnauthorized.WithDetails("invalid username or password")
	}
	return &Principal{
		ID:          user.Username,
		Method:      MethodBasic,
		Permissions: user.Permissions,
	}, nil
}

// MintToken issues a signed JWT for a user.
func (v *Verifier) MintToken(user *User) (string, error) {
	ttl := v.cfg.JWT.TTL.Std()
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":         user.Username,
		"permissions": user.Permissions,
		"iat":         now.Unix(),
		"exp":         now.Add(ttl).Unix(),
		"jti":         uuid.NewString(),
	}
	if v.cfg.JWT.Issuer != "" {
		claims["iss"] = v.cfg.JWT.Issuer
	}
	if len(v.cfg.JWT.Audience) > 0 {
		claims["aud"] = v.cfg.JWT.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Revoke blacklists a token until its expiry claim, or for the
// configured TTL when the claim is unreadable.
func (v *Verifier) Revoke(tokenString string) {
	expiry := time.Now().Add(v.cfg.JWT.TTL.Std())
	if claims, gerr := v.parseClaims(tokenString); gerr == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			expiry = exp.Time
		}
	}
	v.blacklist.Add(tokenString, expiry)
}

// QuotaKey derives the rate-limit identity from the raw credential
// without verifying it; verification happens later in the pipeline.
// Returns the bucket key plus any API-key quota overrides. An empty
// key means no identity is present.
func (v *Verifier) QuotaKey(r *http.Request) (key string, limitOverride int, windowOverride time.Duration) {
	if v.cfg.APIKey.Enabled {
		if apiKey := r.Header.Get(v.apiKeyHeader()); apiKey != "" {
			if rec, ok := v.store.PeekKey(apiKey); ok {
				return "apikey:" + apiKey, rec.QuotaLimit, rec.QuotaWindow
			}
			return "apikey:" + apiKey, 0, 0
		}
	}

	authz := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		// Unverified parse; a bad signature still consumes this quota
		// bucket but fails auth right after.
		if claims := unverifiedClaims(token); claims != nil {
			if sub, _ := claims.GetSubject(); sub != "" {
				return "user:" + sub, 0, 0
			}
		}
		return "", 0, 0
	}
	if cred, ok := strings.CutPrefix(authz, "Basic "); ok {
		if decoded, err := base64.StdEncoding.DecodeString(cred); err == nil {
			if username, _, ok := strings.Cut(string(decoded), ":"); ok && username != "" {
				return "user:" + username, 0, 0
			}
		}
	}
	return "", 0, 0
}

func unverifiedClaims(tokenString string) jwt.MapClaims {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	return claims
}
