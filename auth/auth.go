// Package auth provides SMTP authentication services: PLAIN, LOGIN,
// XOAUTH2, and OAUTHBEARER, all funneled through one rate-limited,
// audited authentication core.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/edgetrust/smtp-edge/oauth2"
)

// Common errors. External-facing SMTP responses collapse all of these to
// a small set of reply codes; the audit log keeps the precise reason.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("too many failed attempts")
	ErrTLSRequired        = errors.New("TLS connection required for authentication")
	ErrAccountLocked      = errors.New("account is locked")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrNoPassword         = errors.New("no password set for account")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailMismatch      = errors.New("token identity does not match authentication identity")
)

// AuthResult contains the result of a successful authentication.
type AuthResult struct {
	UserID         string
	OrganizationID string
	Email          string
	DisplayName    string
	DomainID       string
}

// User represents a user for authentication.
type User struct {
	ID             string
	OrganizationID string
	Email          string
	DisplayName    string
	PasswordHash   string
	Status         string
	DomainID       string
	LockedUntil    *time.Time
}

// Repository is the persistence surface needed to authenticate users.
// GetUserByEmail returns ErrUserNotFound (not a nil, nil pair) when no
// account matches, so callers can't mistake "not found" for "found but
// zero-valued".
type Repository interface {
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateLoginFailure(ctx context.Context, userID string, maxFailedAttempts int, lockoutDuration time.Duration) error
	UpdateLoginSuccess(ctx context.Context, userID string, ipAddress string) error
	RecordLoginAttempt(ctx context.Context, params LoginAttemptParams) error
}

// LoginAttemptParams holds parameters for recording a login attempt.
type LoginAttemptParams struct {
	UserID     *string
	Email      string
	IPAddress  string
	Success    bool
	FailReason string
	Method     string
}

// Config holds authentication configuration. MaxFailedAttempts is the
// single source of truth for the lockout threshold: it drives both the
// Redis rate limiter and the value passed to Repository.UpdateLoginFailure,
// so the two can never disagree about when an account locks.
type Config struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	RateLimitWindow   time.Duration
}

// DefaultConfig returns the default auth configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,
		RateLimitWindow:   15 * time.Minute,
	}
}

// TokenValidator validates OAuth2 bearer tokens. Satisfied by
// *oauth2.Validator; defined here as an interface so auth never depends on
// oauth2's HTTP/Redis wiring in tests.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*oauth2.TokenInfo, error)
}

// Authenticator handles SMTP authentication for all four SASL mechanisms.
type Authenticator struct {
	repo    Repository
	redis   *redis.Client
	config  *Config
	logger  *zap.Logger
	oauth2  TokenValidator
}

// NewAuthenticator creates a new SMTP authenticator. oauth2Validator may be
// nil, in which case XOAUTH2/OAUTHBEARER authentication is refused.
func NewAuthenticator(repo Repository, redisClient *redis.Client, logger *zap.Logger, config *Config, oauth2Validator TokenValidator) *Authenticator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Authenticator{
		repo:   repo,
		redis:  redisClient,
		config: config,
		logger: logger,
		oauth2: oauth2Validator,
	}
}

// SupportsOAuth2 reports whether XOAUTH2/OAUTHBEARER can be offered.
func (a *Authenticator) SupportsOAuth2() bool {
	return a.oauth2 != nil
}

// SupportedMechanisms returns the SASL mechanism names this authenticator
// can service, for advertisement in the EHLO response.
func (a *Authenticator) SupportedMechanisms() []string {
	mechanisms := []string{"PLAIN", "LOGIN"}
	if a.SupportsOAuth2() {
		mechanisms = append(mechanisms, "XOAUTH2", "OAUTHBEARER")
	}
	return mechanisms
}

// AuthenticatePlain handles the PLAIN authentication mechanism (RFC 4616).
// Format: authorization-id NUL authentication-id NUL password.
func (a *Authenticator) AuthenticatePlain(ctx context.Context, response []byte, clientIP net.IP, isTLS bool) (*AuthResult, error) {
	if !isTLS {
		a.logger.Warn("authentication attempted without TLS",
			zap.String("client_ip", clientIP.String()))
		return nil, ErrTLSRequired
	}

	parts := strings.Split(string(response), "\x00")
	if len(parts) != 3 {
		return nil, ErrInvalidCredentials
	}

	authzid := parts[0]
	email := parts[1]
	password := parts[2]

	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	// authzid, when present, must name the same identity being
	// authenticated; SMTP has no notion of acting on behalf of another
	// principal.
	if authzid != "" && !strings.EqualFold(authzid, email) {
		a.logger.Warn("PLAIN authzid does not match authcid",
			zap.String("client_ip", clientIP.String()))
		return nil, ErrInvalidCredentials
	}

	return a.authenticate(ctx, email, password, clientIP)
}

// LoginAuthState tracks progress through the multi-step LOGIN mechanism.
type LoginAuthState struct {
	Step     int // 0 = waiting for username, 1 = waiting for password
	Username string
	ClientIP net.IP
	IsTLS    bool
}

// AuthenticateLoginStep processes one step of the LOGIN authentication
// mechanism.
func (a *Authenticator) AuthenticateLoginStep(ctx context.Context, state *LoginAuthState, response []byte) (*AuthResult, []byte, error) {
	if !state.IsTLS {
		a.logger.Warn("LOGIN authentication attempted without TLS",
			zap.String("client_ip", state.ClientIP.String()))
		return nil, nil, ErrTLSRequired
	}

	switch state.Step {
	case 0:
		state.Username = string(response)
		if state.Username == "" {
			return nil, nil, ErrInvalidCredentials
		}
		state.Step = 1
		return nil, []byte("UGFzc3dvcmQ6"), nil // "Password:" in base64

	case 1:
		password := string(response)
		if password == "" {
			return nil, nil, ErrInvalidCredentials
		}
		result, err := a.authenticate(ctx, state.Username, password, state.ClientIP)
		if err != nil {
			return nil, nil, err
		}
		return result, nil, nil

	default:
		return nil, nil, ErrInvalidCredentials
	}
}

// AuthenticateXOAuth2 handles the XOAUTH2 authentication mechanism.
// Format: base64("user=" + user + "\x01auth=Bearer " + token + "\x01\x01").
func (a *Authenticator) AuthenticateXOAuth2(ctx context.Context, response []byte, clientIP net.IP, isTLS bool) (*AuthResult, error) {
	if !a.SupportsOAuth2() {
		return nil, errors.New("OAuth2 authentication not configured")
	}
	if !isTLS {
		a.logger.Warn("XOAUTH2 authentication attempted without TLS",
			zap.String("client_ip", clientIP.String()))
		return nil, ErrTLSRequired
	}

	decoded, err := base64.StdEncoding.DecodeString(string(response))
	if err != nil {
		a.logger.Debug("failed to decode XOAUTH2 response", zap.Error(err))
		return nil, ErrInvalidCredentials
	}

	email, token, err := oauth2.ParseXOAuth2(string(decoded))
	if err != nil {
		a.logger.Debug("failed to parse XOAUTH2 response", zap.Error(err))
		return nil, ErrInvalidCredentials
	}

	return a.authenticateOAuth2(ctx, email, token, clientIP)
}

// AuthenticateOAuthBearer handles the OAUTHBEARER authentication mechanism
// (RFC 7628).
func (a *Authenticator) AuthenticateOAuthBearer(ctx context.Context, response []byte, clientIP net.IP, isTLS bool) (*AuthResult, error) {
	if !a.SupportsOAuth2() {
		return nil, errors.New("OAuth2 authentication not configured")
	}
	if !isTLS {
		a.logger.Warn("OAUTHBEARER authentication attempted without TLS",
			zap.String("client_ip", clientIP.String()))
		return nil, ErrTLSRequired
	}

	decoded, err := base64.StdEncoding.DecodeString(string(response))
	if err != nil {
		a.logger.Debug("failed to decode OAUTHBEARER response", zap.Error(err))
		return nil, ErrInvalidCredentials
	}

	email, token, err := oauth2.ParseOAuthBearer(string(decoded))
	if err != nil {
		a.logger.Debug("failed to parse OAUTHBEARER response", zap.Error(err))
		return nil, ErrInvalidCredentials
	}

	return a.authenticateOAuth2(ctx, email, token, clientIP)
}

// authenticateOAuth2 runs the same checks as the password path, in the
// order rate limit -> bearer-token validation and identity match ->
// directory lookup -> account state -> lockout. Unlike the password path,
// the credential (token) is checked before the directory lookup and the
// lockout check, not after them.
func (a *Authenticator) authenticateOAuth2(ctx context.Context, email, token string, clientIP net.IP) (*AuthResult, error) {
	ipStr := clientIP.String()

	if err := a.checkRateLimit(ctx, email, ipStr); err != nil {
		a.logger.Warn("OAuth2 authentication rate limited",
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr))
		a.recordAttempt(ctx, nil, email, ipStr, false, "rate_limited", "oauth2")
		return nil, err
	}

	email = strings.ToLower(strings.TrimSpace(email))

	tokenInfo, err := a.oauth2.ValidateToken(ctx, token)
	if err != nil {
		a.logger.Debug("OAuth2 token validation failed",
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr),
			zap.Error(err))
		a.incrementFailureCount(ctx, email, ipStr)
		a.recordAttempt(ctx, nil, email, ipStr, false, "invalid_token", "oauth2")
		return nil, ErrInvalidCredentials
	}

	if !strings.EqualFold(tokenInfo.Email, email) {
		a.logger.Warn("OAuth2 token identity mismatch",
			zap.String("auth_email", maskEmail(email)),
			zap.String("token_email", maskEmail(tokenInfo.Email)),
			zap.String("client_ip", ipStr))
		a.incrementFailureCount(ctx, email, ipStr)
		a.recordAttempt(ctx, nil, email, ipStr, false, "email_mismatch", "oauth2")
		return nil, ErrEmailMismatch
	}

	user, err := a.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			a.logger.Debug("user not found for OAuth2 authentication",
				zap.String("email", maskEmail(email)),
				zap.String("client_ip", ipStr))
			a.incrementFailureCount(ctx, email, ipStr)
			a.recordAttempt(ctx, nil, email, ipStr, false, "user_not_found", "oauth2")
			return nil, ErrInvalidCredentials
		}
		a.logger.Error("directory lookup failed", zap.Error(err))
		return nil, fmt.Errorf("directory lookup: %w", err)
	}

	if user.Status == "suspended" || user.Status == "deleted" {
		a.logger.Warn("OAuth2 attempt on disabled account",
			zap.String("user_id", user.ID),
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr))
		a.recordAttempt(ctx, &user.ID, email, ipStr, false, "account_disabled", "oauth2")
		return nil, ErrAccountDisabled
	}

	if user.Status == "pending" {
		a.logger.Warn("OAuth2 attempt on pending account",
			zap.String("user_id", user.ID),
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr))
		a.recordAttempt(ctx, &user.ID, email, ipStr, false, "account_pending", "oauth2")
		return nil, ErrAccountDisabled
	}

	if user.LockedUntil != nil && user.LockedUntil.After(time.Now()) {
		a.logger.Warn("OAuth2 attempt on locked account",
			zap.String("user_id", user.ID),
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr))
		a.recordAttempt(ctx, &user.ID, email, ipStr, false, "account_locked", "oauth2")
		return nil, ErrAccountLocked
	}

	a.clearRateLimitCounters(ctx, email, ipStr)

	if err := a.repo.UpdateLoginSuccess(ctx, user.ID, ipStr); err != nil {
		a.logger.Error("failed to update login success", zap.Error(err))
	}

	a.recordAttempt(ctx, &user.ID, email, ipStr, true, "", "oauth2")

	a.logger.Info("OAuth2 authentication successful",
		zap.String("user_id", user.ID),
		zap.String("email", maskEmail(email)),
		zap.String("provider", string(tokenInfo.Provider)),
		zap.String("client_ip", ipStr))

	return &AuthResult{
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Email:          user.Email,
		DisplayName:    user.DisplayName,
		DomainID:       user.DomainID,
	}, nil
}

// authenticate performs password-based authentication shared by PLAIN and
// LOGIN.
func (a *Authenticator) authenticate(ctx context.Context, email, password string, clientIP net.IP) (*AuthResult, error) {
	ipStr := clientIP.String()

	if err := a.checkRateLimit(ctx, email, ipStr); err != nil {
		a.logger.Warn("authentication rate limited",
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr))
		a.recordAttempt(ctx, nil, email, ipStr, false, "rate_limited", "smtp")
		return nil, err
	}

	email = strings.ToLower(strings.TrimSpace(email))

	user, err := a.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			a.logger.Debug("user not found for authentication",
				zap.String("email", maskEmail(email)),
				zap.String("client_ip", ipStr))
			a.incrementFailureCount(ctx, email, ipStr)
			a.recordAttempt(ctx, nil, email, ipStr, false, "user_not_found", "smtp")
			return nil, ErrInvalidCredentials
		}
		a.logger.Error("directory lookup failed", zap.Error(err))
		return nil, fmt.Errorf("directory lookup: %w", err)
	}

	if user.Status == "suspended" || user.Status == "deleted" {
		a.logger.Warn("authentication attempt on disabled account",
			zap.String("user_id", user.ID),
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr))
		a.recordAttempt(ctx, &user.ID, email, ipStr, false, "account_disabled", "smtp")
		return nil, ErrAccountDisabled
	}

	if user.Status == "pending" {
		a.logger.Warn("authentication attempt on pending account",
			zap.String("user_id", user.ID),
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr))
		a.recordAttempt(ctx, &user.ID, email, ipStr, false, "account_pending", "smtp")
		return nil, ErrAccountDisabled
	}

	if user.LockedUntil != nil && user.LockedUntil.After(time.Now()) {
		a.logger.Warn("authentication attempt on locked account",
			zap.String("user_id", user.ID),
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr),
			zap.Time("locked_until", *user.LockedUntil))
		a.recordAttempt(ctx, &user.ID, email, ipStr, false, "account_locked", "smtp")
		return nil, ErrAccountLocked
	}

	if user.PasswordHash == "" {
		a.logger.Warn("authentication attempt on account without password",
			zap.String("user_id", user.ID),
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr))
		a.recordAttempt(ctx, &user.ID, email, ipStr, false, "no_password", "smtp")
		return nil, ErrNoPassword
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		a.logger.Debug("invalid password",
			zap.String("user_id", user.ID),
			zap.String("email", maskEmail(email)),
			zap.String("client_ip", ipStr))
		a.incrementFailureCount(ctx, email, ipStr)
		if err := a.repo.UpdateLoginFailure(ctx, user.ID, a.config.MaxFailedAttempts, a.config.LockoutDuration); err != nil {
			a.logger.Error("failed to update login failure", zap.Error(err))
		}
		a.recordAttempt(ctx, &user.ID, email, ipStr, false, "invalid_password", "smtp")
		return nil, ErrInvalidCredentials
	}

	a.clearRateLimitCounters(ctx, email, ipStr)

	if err := a.repo.UpdateLoginSuccess(ctx, user.ID, ipStr); err != nil {
		a.logger.Error("failed to update login success", zap.Error(err))
	}

	a.recordAttempt(ctx, &user.ID, email, ipStr, true, "", "smtp")

	a.logger.Info("SMTP authentication successful",
		zap.String("user_id", user.ID),
		zap.String("email", maskEmail(email)),
		zap.String("client_ip", ipStr))

	return &AuthResult{
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Email:          user.Email,
		DisplayName:    user.DisplayName,
		DomainID:       user.DomainID,
	}, nil
}

// checkRateLimit checks whether the email or IP has exceeded the failed
// attempt threshold.
func (a *Authenticator) checkRateLimit(ctx context.Context, email, ipStr string) error {
	if a.redis == nil {
		return nil
	}

	emailKey := fmt.Sprintf("smtp:auth:fail:email:%s", email)
	emailCount, err := a.redis.Get(ctx, emailKey).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		a.logger.Error("failed to check email rate limit", zap.Error(err))
	}
	if emailCount >= a.config.MaxFailedAttempts {
		return ErrRateLimited
	}

	ipKey := fmt.Sprintf("smtp:auth:fail:ip:%s", ipStr)
	ipCount, err := a.redis.Get(ctx, ipKey).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		a.logger.Error("failed to check IP rate limit", zap.Error(err))
	}
	if ipCount >= a.config.MaxFailedAttempts*3 { // more lenient for IPs (NAT)
		return ErrRateLimited
	}

	return nil
}

// incrementFailureCount increments the failure counters.
func (a *Authenticator) incrementFailureCount(ctx context.Context, email, ipStr string) {
	if a.redis == nil {
		return
	}

	emailKey := fmt.Sprintf("smtp:auth:fail:email:%s", email)
	ipKey := fmt.Sprintf("smtp:auth:fail:ip:%s", ipStr)

	pipe := a.redis.Pipeline()
	pipe.Incr(ctx, emailKey)
	pipe.Expire(ctx, emailKey, a.config.LockoutDuration)
	pipe.Incr(ctx, ipKey)
	pipe.Expire(ctx, ipKey, a.config.LockoutDuration)

	if _, err := pipe.Exec(ctx); err != nil {
		a.logger.Error("failed to increment failure counters", zap.Error(err))
	}
}

// clearRateLimitCounters clears rate limit counters on successful auth.
func (a *Authenticator) clearRateLimitCounters(ctx context.Context, email, ipStr string) {
	if a.redis == nil {
		return
	}

	emailKey := fmt.Sprintf("smtp:auth:fail:email:%s", email)
	ipKey := fmt.Sprintf("smtp:auth:fail:ip:%s", ipStr)

	if err := a.redis.Del(ctx, emailKey, ipKey).Err(); err != nil {
		a.logger.Error("failed to clear rate limit counters", zap.Error(err))
	}
}

// recordAttempt records a login attempt for audit purposes.
func (a *Authenticator) recordAttempt(ctx context.Context, userID *string, email, ipStr string, success bool, failReason, method string) {
	if err := a.repo.RecordLoginAttempt(ctx, LoginAttemptParams{
		UserID:     userID,
		Email:      email,
		IPAddress:  ipStr,
		Success:    success,
		FailReason: failReason,
		Method:     method,
	}); err != nil {
		a.logger.Error("failed to record login attempt", zap.Error(err))
	}
}

// maskEmail masks an email address for logging.
func maskEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***"
	}
	local := parts[0]
	domain := parts[1]
	if len(local) <= 2 {
		return "**@" + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + "@" + domain
}

// DecodeBase64 decodes a base64 string (for auth responses).
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// EncodeBase64 encodes bytes to base64 (for auth challenges).
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// ConstantTimeCompare performs constant-time string comparison.
func ConstantTimeCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
