package auth

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/edgetrust/smtp-edge/oauth2"
)

// MockRepository implements Repository for testing.
type MockRepository struct {
	users          map[string]*User
	loginAttempts  []LoginAttemptParams
	failureCounts  map[string]int
	successUpdates []string
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		users:          make(map[string]*User),
		loginAttempts:  make([]LoginAttemptParams, 0),
		failureCounts:  make(map[string]int),
		successUpdates: make([]string, 0),
	}
}

func (m *MockRepository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	user, ok := m.users[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (m *MockRepository) UpdateLoginFailure(ctx context.Context, userID string, maxFailedAttempts int, lockoutDuration time.Duration) error {
	m.failureCounts[userID]++
	return nil
}

func (m *MockRepository) UpdateLoginSuccess(ctx context.Context, userID string, ipAddress string) error {
	m.successUpdates = append(m.successUpdates, userID)
	return nil
}

func (m *MockRepository) RecordLoginAttempt(ctx context.Context, params LoginAttemptParams) error {
	m.loginAttempts = append(m.loginAttempts, params)
	return nil
}

func (m *MockRepository) AddUser(email string, user *User) {
	m.users[email] = user
}

// MockTokenValidator implements TokenValidator for testing the OAuth2 SASL
// mechanisms without hitting Google/Microsoft/the internal JWT secret.
type MockTokenValidator struct {
	tokens map[string]*oauth2.TokenInfo
}

func NewMockTokenValidator() *MockTokenValidator {
	return &MockTokenValidator{tokens: make(map[string]*oauth2.TokenInfo)}
}

func (m *MockTokenValidator) AddToken(token string, info *oauth2.TokenInfo) {
	m.tokens[token] = info
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*oauth2.TokenInfo, error) {
	info, ok := m.tokens[token]
	if !ok {
		return nil, oauth2.ErrInvalidToken
	}
	return info, nil
}

func hashPassword(password string) string {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(hash)
}

func TestAuthenticatePlain_Success(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	repo.AddUser("test@example.com", &User{
		ID:             "user-123",
		OrganizationID: "org-456",
		Email:          "test@example.com",
		DisplayName:    "Test User",
		PasswordHash:   hashPassword("correct-password"),
		Status:         "active",
		DomainID:       "domain-789",
	})

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)

	response := []byte("\x00test@example.com\x00correct-password")
	clientIP := net.ParseIP("192.168.1.1")

	result, err := auth.AuthenticatePlain(context.Background(), response, clientIP, true)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.UserID != "user-123" {
		t.Errorf("expected UserID 'user-123', got '%s'", result.UserID)
	}
	if result.OrganizationID != "org-456" {
		t.Errorf("expected OrganizationID 'org-456', got '%s'", result.OrganizationID)
	}

	if len(repo.loginAttempts) != 1 {
		t.Fatalf("expected 1 login attempt, got %d", len(repo.loginAttempts))
	}
	if !repo.loginAttempts[0].Success {
		t.Error("expected successful login attempt")
	}
}

func TestAuthenticatePlain_AuthzidMismatch(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	repo.AddUser("test@example.com", &User{
		ID:           "user-123",
		Email:        "test@example.com",
		PasswordHash: hashPassword("correct-password"),
		Status:       "active",
	})

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)

	response := []byte("other@example.com\x00test@example.com\x00correct-password")
	clientIP := net.ParseIP("192.168.1.1")

	_, err := auth.AuthenticatePlain(context.Background(), response, clientIP, true)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got: %v", err)
	}
}

func TestAuthenticatePlain_InvalidPassword(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	repo.AddUser("test@example.com", &User{
		ID:           "user-123",
		Email:        "test@example.com",
		PasswordHash: hashPassword("correct-password"),
		Status:       "active",
	})

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)

	response := []byte("\x00test@example.com\x00wrong-password")
	clientIP := net.ParseIP("192.168.1.1")

	_, err := auth.AuthenticatePlain(context.Background(), response, clientIP, true)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got: %v", err)
	}

	if len(repo.loginAttempts) != 1 {
		t.Fatalf("expected 1 login attempt, got %d", len(repo.loginAttempts))
	}
	if repo.loginAttempts[0].Success {
		t.Error("expected failed login attempt")
	}
	if repo.loginAttempts[0].FailReason != "invalid_password" {
		t.Errorf("expected fail reason 'invalid_password', got '%s'", repo.loginAttempts[0].FailReason)
	}
}

func TestAuthenticatePlain_UserNotFound(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)

	response := []byte("\x00nonexistent@example.com\x00password")
	clientIP := net.ParseIP("192.168.1.1")

	_, err := auth.AuthenticatePlain(context.Background(), response, clientIP, true)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got: %v", err)
	}
}

func TestAuthenticatePlain_TLSRequired(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)

	response := []byte("\x00test@example.com\x00password")
	clientIP := net.ParseIP("192.168.1.1")

	_, err := auth.AuthenticatePlain(context.Background(), response, clientIP, false)
	if !errors.Is(err, ErrTLSRequired) {
		t.Errorf("expected ErrTLSRequired, got: %v", err)
	}
}

func TestAuthenticatePlain_AccountLocked(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	lockedUntil := time.Now().Add(15 * time.Minute)
	repo.AddUser("locked@example.com", &User{
		ID:           "user-123",
		Email:        "locked@example.com",
		PasswordHash: hashPassword("password"),
		Status:       "active",
		LockedUntil:  &lockedUntil,
	})

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)

	response := []byte("\x00locked@example.com\x00password")
	clientIP := net.ParseIP("192.168.1.1")

	_, err := auth.AuthenticatePlain(context.Background(), response, clientIP, true)
	if !errors.Is(err, ErrAccountLocked) {
		t.Errorf("expected ErrAccountLocked, got: %v", err)
	}
}

func TestAuthenticatePlain_AccountDisabled(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	repo.AddUser("disabled@example.com", &User{
		ID:           "user-123",
		Email:        "disabled@example.com",
		PasswordHash: hashPassword("password"),
		Status:       "suspended",
	})

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)

	response := []byte("\x00disabled@example.com\x00password")
	clientIP := net.ParseIP("192.168.1.1")

	_, err := auth.AuthenticatePlain(context.Background(), response, clientIP, true)
	if !errors.Is(err, ErrAccountDisabled) {
		t.Errorf("expected ErrAccountDisabled, got: %v", err)
	}
}

func TestAuthenticatePlain_RateLimited(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	config := &Config{
		MaxFailedAttempts: 3,
		LockoutDuration:   15 * time.Minute,
		RateLimitWindow:   15 * time.Minute,
	}

	repo.AddUser("test@example.com", &User{
		ID:           "user-123",
		Email:        "test@example.com",
		PasswordHash: hashPassword("correct-password"),
		Status:       "active",
	})

	auth := NewAuthenticator(repo, redisClient, logger, config, nil)
	clientIP := net.ParseIP("192.168.1.1")

	for i := 0; i < 3; i++ {
		response := []byte("\x00test@example.com\x00wrong-password")
		auth.AuthenticatePlain(context.Background(), response, clientIP, true)
	}

	response := []byte("\x00test@example.com\x00correct-password")
	_, err := auth.AuthenticatePlain(context.Background(), response, clientIP, true)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got: %v", err)
	}
}

func TestAuthenticateLoginStep_Success(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	repo.AddUser("test@example.com", &User{
		ID:             "user-123",
		OrganizationID: "org-456",
		Email:          "test@example.com",
		DisplayName:    "Test User",
		PasswordHash:   hashPassword("password123"),
		Status:         "active",
	})

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)
	clientIP := net.ParseIP("192.168.1.1")

	state := &LoginAuthState{Step: 0, ClientIP: clientIP, IsTLS: true}

	result, challenge, err := auth.AuthenticateLoginStep(context.Background(), state, []byte("test@example.com"))
	if err != nil {
		t.Fatalf("step 1 failed: %v", err)
	}
	if result != nil {
		t.Error("expected no result after step 1")
	}
	if challenge == nil {
		t.Error("expected password challenge after step 1")
	}

	result, challenge, err = auth.AuthenticateLoginStep(context.Background(), state, []byte("password123"))
	if err != nil {
		t.Fatalf("step 2 failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected result after step 2")
	}
	if result.UserID != "user-123" {
		t.Errorf("expected UserID 'user-123', got '%s'", result.UserID)
	}
	if challenge != nil {
		t.Error("expected no challenge after step 2")
	}
}

func TestAuthenticateLoginStep_TLSRequired(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)
	clientIP := net.ParseIP("192.168.1.1")

	state := &LoginAuthState{Step: 0, ClientIP: clientIP, IsTLS: false}

	_, _, err := auth.AuthenticateLoginStep(context.Background(), state, []byte("test@example.com"))
	if !errors.Is(err, ErrTLSRequired) {
		t.Errorf("expected ErrTLSRequired, got: %v", err)
	}
}

func TestAuthenticateXOAuth2_Success(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()
	validator := NewMockTokenValidator()

	repo.AddUser("test@example.com", &User{
		ID:             "user-123",
		OrganizationID: "org-456",
		Email:          "test@example.com",
		Status:         "active",
	})
	validator.AddToken("ya29.good-token", &oauth2.TokenInfo{
		Email:    "test@example.com",
		Provider: oauth2.ProviderGoogle,
	})

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), validator)
	clientIP := net.ParseIP("192.168.1.1")

	response := []byte(oauth2.GenerateXOAuth2String("test@example.com", "ya29.good-token"))

	result, err := auth.AuthenticateXOAuth2(context.Background(), response, clientIP, true)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.UserID != "user-123" {
		t.Errorf("expected UserID 'user-123', got '%s'", result.UserID)
	}
}

func TestAuthenticateXOAuth2_EmailMismatch(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()
	validator := NewMockTokenValidator()

	repo.AddUser("test@example.com", &User{ID: "user-123", Status: "active"})
	validator.AddToken("ya29.good-token", &oauth2.TokenInfo{
		Email:    "someone-else@example.com",
		Provider: oauth2.ProviderGoogle,
	})

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), validator)
	clientIP := net.ParseIP("192.168.1.1")

	response := []byte(oauth2.GenerateXOAuth2String("test@example.com", "ya29.good-token"))

	_, err := auth.AuthenticateXOAuth2(context.Background(), response, clientIP, true)
	if !errors.Is(err, ErrEmailMismatch) {
		t.Errorf("expected ErrEmailMismatch, got: %v", err)
	}
}

func TestAuthenticateXOAuth2_NotConfigured(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)
	clientIP := net.ParseIP("192.168.1.1")

	response := []byte(oauth2.GenerateXOAuth2String("test@example.com", "token"))

	_, err := auth.AuthenticateXOAuth2(context.Background(), response, clientIP, true)
	if err == nil {
		t.Error("expected an error when OAuth2 is not configured")
	}
}

func TestAuthenticateOAuthBearer_Success(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()
	validator := NewMockTokenValidator()

	repo.AddUser("test@example.com", &User{ID: "user-123", Status: "active"})
	validator.AddToken("eyJ.good-token", &oauth2.TokenInfo{
		Email:    "test@example.com",
		Provider: oauth2.ProviderMicrosoft,
	})

	auth := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), validator)
	clientIP := net.ParseIP("192.168.1.1")

	response := []byte(oauth2.GenerateOAuthBearerString("test@example.com", "eyJ.good-token", "mail.example.com", 587))

	result, err := auth.AuthenticateOAuthBearer(context.Background(), response, clientIP, true)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.UserID != "user-123" {
		t.Errorf("expected UserID 'user-123', got '%s'", result.UserID)
	}
}

func TestSupportedMechanisms(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()
	repo := NewMockRepository()

	without := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), nil)
	mechs := without.SupportedMechanisms()
	if contains(mechs, "XOAUTH2") || contains(mechs, "OAUTHBEARER") {
		t.Error("expected no OAuth2 mechanisms without a validator")
	}

	with := NewAuthenticator(repo, redisClient, logger, DefaultConfig(), NewMockTokenValidator())
	mechs = with.SupportedMechanisms()
	if !contains(mechs, "XOAUTH2") || !contains(mechs, "OAUTHBEARER") {
		t.Error("expected OAuth2 mechanisms with a validator configured")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"john.doe@example.com", "j***e@example.com"},
		{"ab@example.com", "**@example.com"},
		{"a@example.com", "**@example.com"},
		{"invalid", "***"},
		{"", "***"},
	}

	for _, tt := range tests {
		result := maskEmail(tt.input)
		if result != tt.expected {
			t.Errorf("maskEmail(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
