package smtp

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgetrust/smtp-edge/auth"
	"github.com/edgetrust/smtp-edge/testutil"
)

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected string
	}{
		{
			name:     "valid email",
			email:    "user@example.com",
			expected: "example.com",
		},
		{
			name:     "valid email with subdomain",
			email:    "user@mail.example.com",
			expected: "mail.example.com",
		},
		{
			name:     "uppercase domain",
			email:    "user@EXAMPLE.COM",
			expected: "example.com",
		},
		{
			name:     "mixed case domain",
			email:    "user@ExAmPlE.CoM",
			expected: "example.com",
		},
		{
			name:     "invalid email - no at symbol",
			email:    "userexample.com",
			expected: "",
		},
		{
			name:     "invalid email - multiple at symbols",
			email:    "user@domain@example.com",
			expected: "",
		},
		{
			name:     "invalid email - empty string",
			email:    "",
			expected: "",
		},
		{
			name:     "invalid email - only at symbol",
			email:    "@",
			expected: "",
		},
		{
			name:     "email with plus addressing",
			email:    "user+tag@example.com",
			expected: "example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractDomain(tt.email)
			if result != tt.expected {
				t.Errorf("extractDomain(%q) = %q, want %q", tt.email, result, tt.expected)
			}
		})
	}
}

func TestMaskEmailForLog(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected string
	}{
		{name: "typical address", email: "jsmith@example.com", expected: "j***@example.com"},
		{name: "two character local part", email: "ab@example.com", expected: "**@example.com"},
		{name: "single character local part", email: "a@example.com", expected: "**@example.com"},
		{name: "no at symbol", email: "notanemail", expected: "***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := maskEmailForLog(tt.email)
			if result != tt.expected {
				t.Errorf("maskEmailForLog(%q) = %q, want %q", tt.email, result, tt.expected)
			}
		})
	}
}

func TestSession_Reset(t *testing.T) {
	session := &Session{
		from:             "sender@example.com",
		fromDomain:       "example.com",
		recipients:       []string{"rcpt1@example.com", "rcpt2@example.com"},
		recipientDomains: map[string]bool{"example.com": true},
	}

	session.Reset()

	if session.from != "" {
		t.Errorf("Reset() did not clear from, got %q", session.from)
	}
	if session.fromDomain != "" {
		t.Errorf("Reset() did not clear fromDomain, got %q", session.fromDomain)
	}
	if session.recipients != nil {
		t.Errorf("Reset() did not clear recipients, got %v", session.recipients)
	}
	if session.recipientDomains == nil {
		t.Error("Reset() should initialize recipientDomains to empty map, not nil")
	}
	if len(session.recipientDomains) != 0 {
		t.Errorf("Reset() did not clear recipientDomains, got %v", session.recipientDomains)
	}
}

func newTestSession(t *testing.T, isTLS bool, oauth2Validator auth.TokenValidator) *Session {
	t.Helper()

	logger := testutil.TestLogger()
	redisClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	authenticator := auth.NewAuthenticator(&stubAuthRepo{}, redisClient, logger, auth.DefaultConfig(), oauth2Validator)

	srv := &Server{authenticator: authenticator, logger: logger, metrics: NewMetrics()}
	backend := &Backend{server: srv}

	return &Session{backend: backend, isTLS: isTLS, logger: logger, recipientDomains: make(map[string]bool)}
}

// stubAuthRepo satisfies auth.Repository without touching a database; these
// tests only exercise mechanism negotiation, never user lookup.
type stubAuthRepo struct{}

func (stubAuthRepo) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return nil, auth.ErrUserNotFound
}

func (stubAuthRepo) UpdateLoginFailure(ctx context.Context, userID string, maxFailedAttempts int, lockoutDuration time.Duration) error {
	return nil
}

func (stubAuthRepo) UpdateLoginSuccess(ctx context.Context, userID string, ipAddress string) error {
	return nil
}

func (stubAuthRepo) RecordLoginAttempt(ctx context.Context, params auth.LoginAttemptParams) error {
	return nil
}

func TestSession_AuthMechanisms_RequiresTLS(t *testing.T) {
	session := newTestSession(t, false, nil)

	if mechs := session.AuthMechanisms(); mechs != nil {
		t.Errorf("AuthMechanisms() over plaintext = %v, want nil", mechs)
	}
}

func TestSession_AuthMechanisms_PlainAndLogin(t *testing.T) {
	session := newTestSession(t, true, nil)

	expected := []string{"PLAIN", "LOGIN"}
	mechs := session.AuthMechanisms()
	if len(mechs) != len(expected) {
		t.Fatalf("AuthMechanisms() = %v, want %v", mechs, expected)
	}
	for i, mech := range mechs {
		if mech != expected[i] {
			t.Errorf("AuthMechanisms()[%d] = %q, want %q", i, mech, expected[i])
		}
	}
}

func TestMetrics_NewMetrics(t *testing.T) {
	metrics := NewMetrics()

	if metrics == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if metrics.ConnectionsTotal == nil {
		t.Error("ConnectionsTotal metric not initialized")
	}
	if metrics.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric not initialized")
	}
	if metrics.SessionDuration == nil {
		t.Error("SessionDuration metric not initialized")
	}
	if metrics.MessagesReceived == nil {
		t.Error("MessagesReceived metric not initialized")
	}
	if metrics.MessagesAccepted == nil {
		t.Error("MessagesAccepted metric not initialized")
	}
	if metrics.MessageSize == nil {
		t.Error("MessageSize metric not initialized")
	}
	if metrics.DeliveryDuration == nil {
		t.Error("DeliveryDuration metric not initialized")
	}
	if metrics.ARCResults == nil {
		t.Error("ARCResults metric not initialized")
	}
}

func TestMetrics_Increment(t *testing.T) {
	metrics := NewMetrics()

	t.Run("ConnectionsTotal", func(t *testing.T) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("ConnectionsTotal.Inc() panicked: %v", r)
			}
		}()
		metrics.ConnectionsTotal.Inc()
	})

	t.Run("ConnectionsActive", func(t *testing.T) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("ConnectionsActive operations panicked: %v", r)
			}
		}()
		metrics.ConnectionsActive.Inc()
		metrics.ConnectionsActive.Dec()
	})

	t.Run("MessagesReceived", func(t *testing.T) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("MessagesReceived.Inc() panicked: %v", r)
			}
		}()
		metrics.MessagesReceived.WithLabelValues("example.com").Inc()
	})

	t.Run("ARCResults", func(t *testing.T) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("ARCResults.Inc() panicked: %v", r)
			}
		}()
		metrics.ARCResults.WithLabelValues("pass").Inc()
	})
}
