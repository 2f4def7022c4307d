// Package oauth2 validates bearer tokens presented over SASL XOAUTH2 and
// OAUTHBEARER, detecting the issuing provider (Google, Microsoft, or an
// internal HMAC-signed JWT) and normalizing the result into an
// TokenInfo the auth package can compare against a directory lookup.
package oauth2

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Errors returned by ValidateToken. auth wraps these behind its own
// taxonomy rather than leaking provider detail to SMTP clients.
var (
	ErrInvalidToken        = errors.New("invalid OAuth2 token")
	ErrTokenExpired        = errors.New("OAuth2 token expired")
	ErrProviderError       = errors.New("OAuth2 provider error")
	ErrUnsupportedProvider = errors.New("unsupported OAuth2 provider")
)

// Provider identifies the issuer of a validated token.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderInternal  Provider = "internal"
)

// TokenInfo is the normalized result of validating a bearer token.
type TokenInfo struct {
	Email          string    `json:"email"`
	Subject        string    `json:"subject"`
	Issuer         string    `json:"issuer"`
	Audience       string    `json:"audience"`
	ExpiresAt      time.Time `json:"expires_at"`
	Provider       Provider  `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
}

// Config holds OAuth2 bearer-token validation settings.
type Config struct {
	// Enabled determines whether XOAUTH2/OAUTHBEARER are offered at all.
	Enabled bool
	// AllowedProviders restricts which detected providers are accepted.
	AllowedProviders []Provider
	// GoogleClientIDs allowlists Google OAuth2 client IDs (aud/azp). Empty
	// means any client ID is accepted.
	GoogleClientIDs []string
	// InternalJWTSecret is the HMAC key used to verify internally issued
	// tokens. Required for ProviderInternal to be usable.
	InternalJWTSecret string
	// InternalRealmTag is matched as a substring of the "iss" claim to
	// recognize internally minted tokens that do not carry a recognizable
	// external issuer.
	InternalRealmTag string
	// MicrosoftAssumedTokenTTL is the lifetime assumed for a Microsoft
	// Graph-validated token, since /me does not return an expiry.
	MicrosoftAssumedTokenTTL time.Duration
	// CacheTokenValidation enables Redis-backed caching of validation
	// results, keyed by a hash of the token.
	CacheTokenValidation bool
	// TokenCacheTTL bounds how long a cached validation result is reused,
	// further bounded by the token's own expiry.
	TokenCacheTTL time.Duration
	// HTTPTimeout bounds calls to the Google/Microsoft validation
	// endpoints.
	HTTPTimeout time.Duration
}

// DefaultConfig returns the default OAuth2 validator configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:                  true,
		AllowedProviders:         []Provider{ProviderGoogle, ProviderMicrosoft, ProviderInternal},
		InternalRealmTag:         "internal",
		MicrosoftAssumedTokenTTL: 5 * time.Minute,
		CacheTokenValidation:     true,
		TokenCacheTTL:            5 * time.Minute,
		HTTPTimeout:              10 * time.Second,
	}
}

func (c *Config) providerAllowed(p Provider) bool {
	if len(c.AllowedProviders) == 0 {
		return true
	}
	for _, allowed := range c.AllowedProviders {
		if allowed == p {
			return true
		}
	}
	return false
}

// RedisClient is the subset of *redis.Client the validator needs, so tests
// can substitute a miniredis-backed client or testutil.MockRedisClient.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Validator validates bearer tokens from Google, Microsoft, and internally
// minted JWTs.
type Validator struct {
	config     *Config
	redis      RedisClient
	httpClient *http.Client
	logger     *zap.Logger

	group singleflight.Group
}

// NewValidator creates a new OAuth2 token validator.
func NewValidator(config *Config, redisClient RedisClient, logger *zap.Logger) *Validator {
	if config == nil {
		config = DefaultConfig()
	}

	return &Validator{
		config: config,
		redis:  redisClient,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		logger: logger,
	}
}

// ValidateToken validates a bearer token, returning the normalized token
// identity on success. Concurrent validations of the same raw token are
// coalesced via singleflight so a burst of retries from one client (or one
// token reused across connections) does not multiply provider calls.
func (v *Validator) ValidateToken(ctx context.Context, token string) (*TokenInfo, error) {
	if v.config.CacheTokenValidation && v.redis != nil {
		if info, err := v.getCachedTokenInfo(ctx, token); err == nil && info != nil {
			return info, nil
		}
	}

	result, err, _ := v.group.Do(hashToken(token), func() (interface{}, error) {
		return v.validateUncached(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	return result.(*TokenInfo), nil
}

func (v *Validator) validateUncached(ctx context.Context, token string) (*TokenInfo, error) {
	provider, err := v.detectProvider(token)
	if err != nil {
		return nil, err
	}

	if !v.config.providerAllowed(provider) {
		return nil, ErrUnsupportedProvider
	}

	var info *TokenInfo

	switch provider {
	case ProviderGoogle:
		info, err = v.validateGoogleToken(ctx, token)
	case ProviderMicrosoft:
		info, err = v.validateMicrosoftToken(ctx, token)
	case ProviderInternal:
		info, err = v.validateInternalToken(token)
	default:
		return nil, ErrUnsupportedProvider
	}
	if err != nil {
		return nil, err
	}

	if v.config.CacheTokenValidation && v.redis != nil {
		v.cacheTokenInfo(ctx, token, info)
	}

	return info, nil
}

// detectProvider inspects the token's shape to decide which provider
// validated it. A non-JWT string is assumed to be a Google opaque access
// token, since Google's tokeninfo endpoint accepts those directly.
func (v *Validator) detectProvider(token string) (Provider, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ProviderGoogle, nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidToken
	}

	var claims struct {
		Iss string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ErrInvalidToken
	}

	switch {
	case strings.Contains(claims.Iss, "accounts.google.com") || strings.Contains(claims.Iss, "googleapis.com"):
		return ProviderGoogle, nil
	case strings.Contains(claims.Iss, "login.microsoftonline.com") || strings.Contains(claims.Iss, "sts.windows.net"):
		return ProviderMicrosoft, nil
	case v.config.InternalRealmTag != "" && strings.Contains(claims.Iss, v.config.InternalRealmTag):
		return ProviderInternal, nil
	case v.config.InternalJWTSecret != "":
		return ProviderInternal, nil
	default:
		return "", ErrUnsupportedProvider
	}
}

// bearerClient returns an *http.Client that attaches "Authorization: Bearer
// <token>" to every outgoing request via golang.org/x/oauth2's transport,
// round-tripping through v.httpClient so the configured HTTPTimeout still
// applies.
func (v *Validator) bearerClient(ctx context.Context, token string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return oauth2.NewClient(ctx, ts)
}

// validateGoogleToken validates a Google OAuth2 access token against the
// tokeninfo endpoint.
func (v *Validator) validateGoogleToken(ctx context.Context, token string) (*TokenInfo, error) {
	url := fmt.Sprintf("https://oauth2.googleapis.com/tokeninfo?access_token=%s", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := v.bearerClient(ctx, token).Do(req)
	if err != nil {
		v.logger.Error("failed to validate Google token", zap.Error(err))
		return nil, ErrProviderError
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrInvalidToken
	}

	var body struct {
		Azp       string `json:"azp"`
		Aud       string `json:"aud"`
		Sub       string `json:"sub"`
		Email     string `json:"email"`
		ExpiresIn string `json:"expires_in"`
		Scope     string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(v.config.GoogleClientIDs) > 0 {
		valid := false
		for _, clientID := range v.config.GoogleClientIDs {
			if body.Aud == clientID || body.Azp == clientID {
				valid = true
				break
			}
		}
		if !valid {
			v.logger.Warn("Google token has unrecognized client ID",
				zap.String("aud", body.Aud), zap.String("azp", body.Azp))
			return nil, ErrInvalidToken
		}
	}

	if !strings.Contains(body.Scope, "email") {
		return nil, errors.New("token missing email scope")
	}

	expiresAt := time.Time{}
	if secs, err := strconv.Atoi(body.ExpiresIn); err == nil {
		expiresAt = time.Now().Add(time.Duration(secs) * time.Second)
	}
	if expiresAt.IsZero() {
		return nil, ErrInvalidToken
	}
	if time.Now().After(expiresAt) {
		return nil, ErrTokenExpired
	}

	return &TokenInfo{
		Email:          body.Email,
		Subject:        body.Sub,
		Issuer:         "https://accounts.google.com",
		Audience:       body.Aud,
		ExpiresAt:      expiresAt,
		Provider:       ProviderGoogle,
		ProviderUserID: body.Sub,
	}, nil
}

// validateMicrosoftToken validates a Microsoft access token against the
// Graph /me endpoint. Graph doesn't return the token's own expiry, so the
// configured MicrosoftAssumedTokenTTL bounds how long this validation (and
// any cached result derived from it) is trusted.
func (v *Validator) validateMicrosoftToken(ctx context.Context, token string) (*TokenInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := v.bearerClient(ctx, token).Do(req)
	if err != nil {
		v.logger.Error("failed to validate Microsoft token", zap.Error(err))
		return nil, ErrProviderError
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrProviderError
	}

	var body struct {
		ID                string `json:"id"`
		UserPrincipalName string `json:"userPrincipalName"`
		Mail              string `json:"mail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	email := body.Mail
	if email == "" {
		email = body.UserPrincipalName
	}

	ttl := v.config.MicrosoftAssumedTokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &TokenInfo{
		Email:          email,
		Subject:        body.ID,
		Issuer:         "https://login.microsoftonline.com",
		ExpiresAt:      time.Now().Add(ttl),
		Provider:       ProviderMicrosoft,
		ProviderUserID: body.ID,
	}, nil
}

// internalClaims is the claim set minted by the organization's own token
// issuer for service-to-service and trusted-client SMTP submission.
type internalClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// validateInternalToken verifies an internally issued JWT's HMAC signature
// and expiry. Unlike the reference this replaces, this never accepts a
// token on claim shape alone: a token with a non-HMAC algorithm or a bad
// signature is rejected outright.
func (v *Validator) validateInternalToken(token string) (*TokenInfo, error) {
	if v.config.InternalJWTSecret == "" {
		return nil, errors.New("internal OAuth2 provider not configured")
	}

	claims := &internalClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.config.InternalJWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	aud := ""
	if len(claims.Audience) > 0 {
		aud = claims.Audience[0]
	}

	return &TokenInfo{
		Email:          claims.Email,
		Subject:        claims.Subject,
		Issuer:         claims.Issuer,
		Audience:       aud,
		ExpiresAt:      expiresAt,
		Provider:       ProviderInternal,
		ProviderUserID: claims.Subject,
	}, nil
}

func (v *Validator) getCachedTokenInfo(ctx context.Context, token string) (*TokenInfo, error) {
	key := cacheKey(token)
	data, err := v.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var info TokenInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if !info.ExpiresAt.IsZero() && time.Now().After(info.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	return &info, nil
}

func (v *Validator) cacheTokenInfo(ctx context.Context, token string, info *TokenInfo) {
	key := cacheKey(token)
	data, err := json.Marshal(info)
	if err != nil {
		return
	}

	ttl := v.config.TokenCacheTTL
	if !info.ExpiresAt.IsZero() {
		if remaining := time.Until(info.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}

	if err := v.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		v.logger.Error("failed to cache OAuth2 token validation", zap.Error(err))
	}
}

func cacheKey(token string) string {
	return "oauth2:token:" + hashToken(token)
}

// hashToken derives a cache key from a token without ever storing the raw
// bearer credential in Redis.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)[:32]
}

// ParseXOAuth2 parses the XOAUTH2 SASL response:
// "user=<email>\x01auth=Bearer <token>\x01\x01"
func ParseXOAuth2(s string) (email, token string, err error) {
	parts := strings.Split(s, "\x01")
	if len(parts) < 2 {
		return "", "", errors.New("invalid XOAUTH2 format")
	}

	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "user="):
			email = strings.TrimPrefix(part, "user=")
		case strings.HasPrefix(part, "auth=Bearer "):
			token = strings.TrimPrefix(part, "auth=Bearer ")
		}
	}

	if email == "" || token == "" {
		return "", "", errors.New("missing email or token in XOAUTH2")
	}

	return email, token, nil
}

// ParseOAuthBearer parses the OAUTHBEARER SASL response (RFC 7628):
// "n,a=<authzid>,\x01host=<host>\x01port=<port>\x01auth=Bearer <token>\x01\x01"
func ParseOAuthBearer(s string) (email, token string, err error) {
	lines := strings.SplitN(s, "\x01", 2)
	if len(lines) < 2 {
		return "", "", errors.New("invalid OAUTHBEARER format")
	}

	for _, part := range strings.Split(lines[0], ",") {
		if strings.HasPrefix(part, "a=") {
			email = strings.TrimPrefix(part, "a=")
		}
	}

	for _, part := range strings.Split(lines[1], "\x01") {
		if strings.HasPrefix(part, "auth=Bearer ") {
			token = strings.TrimPrefix(part, "auth=Bearer ")
		}
	}

	if email == "" || token == "" {
		return "", "", errors.New("missing email or token in OAUTHBEARER")
	}

	return email, token, nil
}

// GenerateXOAuth2String builds a base64-encoded XOAUTH2 SASL response, used
// by tests and by any client library sharing this module.
func GenerateXOAuth2String(email, token string) string {
	s := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", email, token)
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// GenerateOAuthBearerString builds a base64-encoded OAUTHBEARER SASL
// response.
func GenerateOAuthBearerString(email, token, host string, port int) string {
	s := fmt.Sprintf("n,a=%s,\x01host=%s\x01port=%d\x01auth=Bearer %s\x01\x01", email, host, port, token)
	return base64.StdEncoding.EncodeToString([]byte(s))
}
