// Package smtp wires SASL authentication, STARTTLS gating, and ARC
// chain handling into an emersion/go-smtp backend. Message routing,
// mailbox lookup, and delivery queueing live upstream of this edge
// layer and are not implemented here.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgetrust/smtp-edge/arc"
	"github.com/edgetrust/smtp-edge/auth"
	"github.com/edgetrust/smtp-edge/config"
	"github.com/edgetrust/smtp-edge/domain"
)

// Server is the SMTP-edge trust boundary: SASL authentication, STARTTLS
// enforcement, and ARC signing/verification for mail passing through it.
type Server struct {
	config        *config.Config
	domainCache   *domain.KeyCache
	arcSigner     *arc.Signer
	arcVerifier   *arc.Verifier
	authenticator *auth.Authenticator
	logger        *zap.Logger
	metrics       *Metrics

	smtpServer       *smtp.Server
	submissionServer *smtp.Server
	tlsConfig        *tls.Config

	mu      sync.RWMutex
	running bool
}

// NewServer creates a new SMTP edge server.
func NewServer(
	cfg *config.Config,
	domainCache *domain.KeyCache,
	redisClient *redis.Client,
	authenticator *auth.Authenticator,
	logger *zap.Logger,
) *Server {
	arcSigner := arc.NewSigner(domainCache, cfg.Server.Hostname, logger.Named("arc"))
	arcVerifier := arc.NewVerifier(logger.Named("arc"))
	arcVerifier.SetDNSTimeout(cfg.ARC.DNSTimeout)
	arcVerifier.SetKeyCacheTTL(cfg.ARC.KeyCacheTTL)

	return &Server{
		config:        cfg,
		domainCache:   domainCache,
		arcSigner:     arcSigner,
		arcVerifier:   arcVerifier,
		authenticator: authenticator,
		logger:        logger,
		metrics:       NewMetrics(),
	}
}

// Start starts the SMTP and submission listeners.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.config.TLS.Enabled {
		tlsConfig, err := s.loadTLSConfig()
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		s.tlsConfig = tlsConfig
	}

	backend := NewBackend(s)

	if err := s.startSMTPServer(backend); err != nil {
		return fmt.Errorf("start SMTP server: %w", err)
	}

	if err := s.startSubmissionServer(backend); err != nil {
		return fmt.Errorf("start submission server: %w", err)
	}

	s.logger.Info("SMTP edge server started",
		zap.String("smtp_addr", s.smtpAddr()),
		zap.String("submission_addr", s.submissionAddr()))

	return nil
}

// Stop closes both listeners.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var errs []error

	if s.smtpServer != nil {
		if err := s.smtpServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close SMTP server: %w", err))
		}
	}

	if s.submissionServer != nil {
		if err := s.submissionServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close submission server: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}

	s.logger.Info("SMTP edge server stopped")
	return nil
}

// Metrics returns the server's Prometheus metrics for registration by the
// caller's metrics endpoint.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) smtpAddr() string {
	return fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
}

func (s *Server) submissionAddr() string {
	return fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.SubmissionPort)
}

func (s *Server) startSMTPServer(backend smtp.Backend) error {
	s.smtpServer = smtp.NewServer(backend)
	s.smtpServer.Addr = s.smtpAddr()
	s.smtpServer.Domain = s.config.Server.Hostname
	s.smtpServer.ReadTimeout = s.config.Server.ReadTimeout
	s.smtpServer.WriteTimeout = s.config.Server.WriteTimeout
	s.smtpServer.MaxMessageBytes = int(s.config.Server.MaxMessageSize)
	s.smtpServer.MaxRecipients = s.config.Server.MaxRecipients
	s.smtpServer.AllowInsecureAuth = s.config.Server.AllowInsecureAuth
	s.smtpServer.AuthDisabled = true // no auth on the inbound MX port

	if s.tlsConfig != nil {
		s.smtpServer.TLSConfig = s.tlsConfig
		s.smtpServer.EnableSMTPUTF8 = true
	}

	go func() {
		s.logger.Info("listening for inbound mail", zap.String("addr", s.smtpAddr()))
		if err := s.smtpServer.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			s.logger.Error("SMTP server error", zap.Error(err))
		}
	}()

	return nil
}

func (s *Server) startSubmissionServer(backend smtp.Backend) error {
	s.submissionServer = smtp.NewServer(backend)
	s.submissionServer.Addr = s.submissionAddr()
	s.submissionServer.Domain = s.config.Server.Hostname
	s.submissionServer.ReadTimeout = s.config.Server.ReadTimeout
	s.submissionServer.WriteTimeout = s.config.Server.WriteTimeout
	s.submissionServer.MaxMessageBytes = int(s.config.Server.MaxMessageSize)
	s.submissionServer.MaxRecipients = s.config.Server.MaxRecipients
	s.submissionServer.AllowInsecureAuth = s.config.Server.AllowInsecureAuth
	s.submissionServer.AuthDisabled = false

	if s.tlsConfig != nil {
		s.submissionServer.TLSConfig = s.tlsConfig
		s.submissionServer.EnableSMTPUTF8 = true
	}

	go func() {
		s.logger.Info("listening for submission", zap.String("addr", s.submissionAddr()))
		if err := s.submissionServer.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			s.logger.Error("submission server error", zap.Error(err))
		}
	}()

	return nil
}

func (s *Server) loadTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.TLS.CertFile, s.config.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP384,
			tls.CurveP256,
		},
	}, nil
}

// Backend implements smtp.Backend.
type Backend struct {
	server *Server
}

// NewBackend creates a new SMTP backend.
func NewBackend(server *Server) *Backend {
	return &Backend{server: server}
}

// NewSession creates a new session for an incoming connection.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := c.Conn().RemoteAddr()
	var clientIP net.IP

	if tcpAddr, ok := remoteAddr.(*net.TCPAddr); ok {
		clientIP = tcpAddr.IP
	}

	session := &Session{
		backend:   b,
		conn:      c,
		clientIP:  clientIP,
		logger:    b.server.logger.With(zap.String("client_ip", clientIP.String())),
		startTime: time.Now(),
		isTLS:     c.TLSConnectionState() != nil,
	}

	b.server.metrics.ConnectionsTotal.Inc()
	b.server.metrics.ConnectionsActive.Inc()

	b.server.logger.Debug("new SMTP session",
		zap.String("client_ip", clientIP.String()),
		zap.String("remote_addr", remoteAddr.String()),
		zap.Bool("tls", session.isTLS))

	return session, nil
}

// Session handles a single SMTP session.
type Session struct {
	backend   *Backend
	conn      *smtp.Conn
	clientIP  net.IP
	logger    *zap.Logger
	startTime time.Time
	isTLS     bool

	authenticated bool
	userID        string
	orgID         string
	userEmail     string

	from             string
	fromDomain       string
	recipients       []string
	recipientDomains map[string]bool
}

// Reset resets per-message session state.
func (s *Session) Reset() {
	s.from = ""
	s.fromDomain = ""
	s.recipients = nil
	s.recipientDomains = make(map[string]bool)
}

// Logout is called when the client disconnects.
func (s *Session) Logout() error {
	duration := time.Since(s.startTime)
	s.backend.server.metrics.ConnectionsActive.Dec()
	s.backend.server.metrics.SessionDuration.Observe(duration.Seconds())

	s.logger.Debug("SMTP session ended",
		zap.Duration("duration", duration),
		zap.Bool("authenticated", s.authenticated))

	return nil
}

// AuthMechanisms returns the mechanisms advertised once TLS is established.
func (s *Session) AuthMechanisms() []string {
	if !s.isTLS {
		return nil
	}
	return s.backend.server.authenticator.SupportedMechanisms()
}

// Auth starts a SASL authentication exchange.
func (s *Session) Auth(mech string) (smtp.AuthSession, error) {
	if !s.isTLS {
		s.logger.Warn("authentication rejected: TLS not established",
			zap.String("client_ip", s.clientIP.String()),
			zap.String("mechanism", mech))
		return nil, &smtp.SMTPError{
			Code:         538,
			EnhancedCode: smtp.EnhancedCode{5, 7, 11},
			Message:      "TLS required for authentication",
		}
	}

	return &AuthSession{
		session:   s,
		mechanism: mech,
		loginState: &auth.LoginAuthState{
			Step:     0,
			ClientIP: s.clientIP,
			IsTLS:    s.isTLS,
		},
	}, nil
}

// AuthSession drives a single SASL mechanism's step machine.
type AuthSession struct {
	session    *Session
	mechanism  string
	loginState *auth.LoginAuthState
}

// Next processes one step of the SASL exchange.
func (a *AuthSession) Next(response []byte, more bool) ([]byte, error) {
	ctx := context.Background()
	authenticator := a.session.backend.server.authenticator

	switch a.mechanism {
	case "PLAIN":
		if more {
			return nil, nil
		}

		result, err := authenticator.AuthenticatePlain(ctx, response, a.session.clientIP, a.session.isTLS)
		if err != nil {
			a.session.logger.Warn("PLAIN authentication failed",
				zap.String("client_ip", a.session.clientIP.String()),
				zap.Error(err))
			return nil, authErrorToSMTP(err)
		}

		a.session.setAuthenticated(result)
		return nil, nil

	case "LOGIN":
		if a.loginState.Step == 0 && len(response) == 0 {
			return []byte("VXNlcm5hbWU6"), nil // "Username:"
		}

		result, challenge, err := authenticator.AuthenticateLoginStep(ctx, a.loginState, response)
		if err != nil {
			a.session.logger.Warn("LOGIN authentication failed",
				zap.String("client_ip", a.session.clientIP.String()),
				zap.Int("step", a.loginState.Step),
				zap.Error(err))
			return nil, authErrorToSMTP(err)
		}

		if challenge != nil {
			return challenge, nil
		}

		a.session.setAuthenticated(result)
		return nil, nil

	case "XOAUTH2":
		result, err := authenticator.AuthenticateXOAuth2(ctx, response, a.session.clientIP, a.session.isTLS)
		if err != nil {
			a.session.logger.Warn("XOAUTH2 authentication failed",
				zap.String("client_ip", a.session.clientIP.String()),
				zap.Error(err))
			return nil, authErrorToSMTP(err)
		}

		a.session.setAuthenticated(result)
		return nil, nil

	case "OAUTHBEARER":
		result, err := authenticator.AuthenticateOAuthBearer(ctx, response, a.session.clientIP, a.session.isTLS)
		if err != nil {
			a.session.logger.Warn("OAUTHBEARER authentication failed",
				zap.String("client_ip", a.session.clientIP.String()),
				zap.Error(err))
			return nil, authErrorToSMTP(err)
		}

		a.session.setAuthenticated(result)
		return nil, nil

	default:
		return nil, &smtp.SMTPError{
			Code:         504,
			EnhancedCode: smtp.EnhancedCode{5, 5, 4},
			Message:      "Unrecognized authentication mechanism",
		}
	}
}

func (s *Session) setAuthenticated(result *auth.AuthResult) {
	s.authenticated = true
	s.userID = result.UserID
	s.orgID = result.OrganizationID
	s.userEmail = result.Email
	s.logger.Info("user authenticated",
		zap.String("user_id", result.UserID),
		zap.String("email", maskEmailForLog(result.Email)))
}

// authErrorToSMTP maps the authenticator's typed errors to SMTP responses.
func authErrorToSMTP(err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrAccountLocked),
		errors.Is(err, auth.ErrAccountDisabled),
		errors.Is(err, auth.ErrNoPassword),
		errors.Is(err, auth.ErrEmailMismatch):
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication credentials invalid",
		}
	case errors.Is(err, auth.ErrRateLimited):
		return &smtp.SMTPError{
			Code:         454,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many failed authentication attempts. Please try again later.",
		}
	case errors.Is(err, auth.ErrTLSRequired):
		return &smtp.SMTPError{
			Code:         538,
			EnhancedCode: smtp.EnhancedCode{5, 7, 11},
			Message:      "TLS required for authentication",
		}
	default:
		return &smtp.SMTPError{
			Code:         454,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Temporary authentication failure",
		}
	}
}

func maskEmailForLog(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***"
	}
	local := parts[0]
	domainPart := parts[1]
	if len(local) <= 2 {
		return "**@" + domainPart
	}
	return local[:1] + "***@" + domainPart
}

// Mail handles MAIL FROM. Sender-permission and routing policy live
// upstream of this edge layer; here it only records the envelope sender.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	domainName := extractDomain(from)
	if domainName == "" {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender address",
		}
	}

	s.from = from
	s.fromDomain = domainName
	s.recipientDomains = make(map[string]bool)

	s.logger.Debug("MAIL FROM accepted", zap.String("from", maskEmailForLog(from)))
	s.backend.server.metrics.MessagesReceived.WithLabelValues(domainName).Inc()

	return nil
}

// Rcpt handles RCPT TO. Mailbox existence and relay policy live upstream;
// here it only records the envelope recipient.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	domainName := extractDomain(to)
	if domainName == "" {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}

	s.recipients = append(s.recipients, to)
	s.recipientDomains[domainName] = true

	s.logger.Debug("RCPT TO accepted", zap.String("to", maskEmailForLog(to)))

	return nil
}

// Data handles the message body. Mail from an unauthenticated session has
// its ARC chain verified; the result is counted in the ARCResults metric
// and a failure is logged. Mail from an authenticated session is
// ARC-sealed for the next hop. Delivery and routing are not this
// package's concern: the message is accepted, not queued or forwarded.
func (s *Session) Data(r io.Reader) error {
	ctx := context.Background()
	startTime := time.Now()

	message, err := io.ReadAll(io.LimitReader(r, s.backend.server.config.Server.MaxMessageSize+1))
	if err != nil {
		return &smtp.SMTPError{
			Code:    451,
			Message: "Error reading message data",
		}
	}

	if s.authenticated {
		message = s.sealOutbound(message)
	} else {
		s.verifyInbound(ctx, message)
	}

	s.backend.server.metrics.MessagesAccepted.WithLabelValues(s.fromDomain).Inc()
	s.backend.server.metrics.MessageSize.WithLabelValues(s.fromDomain).Observe(float64(len(message)))
	s.backend.server.metrics.DeliveryDuration.WithLabelValues(s.fromDomain).Observe(time.Since(startTime).Seconds())

	s.logger.Info("message accepted",
		zap.String("from", maskEmailForLog(s.from)),
		zap.Int("recipients", len(s.recipients)),
		zap.Int("size", len(message)))

	return nil
}

func (s *Session) sealOutbound(message []byte) []byte {
	key := s.backend.server.domainCache.GetActiveDKIMKey(s.fromDomain)
	if key == nil {
		return message
	}

	authResults := []arc.AuthResult{{Method: "auth", Result: "pass", Properties: map[string]string{"smtp.auth": s.userEmail}}}

	signed, err := s.backend.server.arcSigner.SignMessage(s.fromDomain, message, authResults, arc.ChainValidationNone, nil)
	if err != nil {
		s.logger.Warn("failed to seal outbound message with ARC", zap.Error(err))
		return message
	}
	return signed
}

func (s *Session) verifyInbound(ctx context.Context, message []byte) {
	result, err := s.backend.server.arcVerifier.VerifyChain(ctx, message)
	if err != nil {
		s.logger.Warn("ARC chain verification error", zap.Error(err))
		return
	}

	s.backend.server.metrics.ARCResults.WithLabelValues(string(result.Validation)).Inc()

	if result.Validation == arc.ChainValidationFail {
		s.logger.Info("inbound message failed ARC chain verification",
			zap.Int("failed_at", result.FailedAt),
			zap.Error(result.Error))
	}
}

func extractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

// Metrics holds the Prometheus metrics exposed by the SMTP edge server.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	SessionDuration   prometheus.Histogram
	MessagesReceived  *prometheus.CounterVec
	MessagesAccepted  *prometheus.CounterVec
	MessageSize       *prometheus.HistogramVec
	DeliveryDuration  *prometheus.HistogramVec
	ARCResults        *prometheus.CounterVec
}

// NewMetrics creates new Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtp_connections_total",
			Help: "Total number of SMTP connections",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtp_connections_active",
			Help: "Number of active SMTP connections",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtp_session_duration_seconds",
			Help:    "SMTP session duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp_messages_received_total",
			Help: "Total messages received by sender domain",
		}, []string{"domain"}),
		MessagesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp_messages_accepted_total",
			Help: "Total messages accepted by sender domain",
		}, []string{"domain"}),
		MessageSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smtp_message_size_bytes",
			Help:    "Message size in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 15),
		}, []string{"domain"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smtp_data_duration_seconds",
			Help:    "Time spent processing the DATA command",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"domain"}),
		ARCResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp_arc_chain_results_total",
			Help: "ARC chain verification results for inbound mail",
		}, []string{"result"}),
	}
}

// Register registers metrics with Prometheus.
func (m *Metrics) Register(registry prometheus.Registerer) {
	registry.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.SessionDuration,
		m.MessagesReceived,
		m.MessagesAccepted,
		m.MessageSize,
		m.DeliveryDuration,
		m.ARCResults,
	)
}
