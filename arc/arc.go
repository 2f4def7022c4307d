// Package arc implements ARC (Authenticated Received Chain) signing and
// verification as defined in RFC 8617. ARC preserves email authentication
// results across message forwarding by mailing lists and other
// intermediaries.
package arc

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edgetrust/smtp-edge/domain"
)

// maxInstance bounds how long an ARC chain may grow before this hop refuses
// to extend it further, per RFC 8617's recommended instance range of [1,50].
const maxInstance = 50

// ErrChainTooLong is returned by SignMessage when the next instance number
// would reach maxInstance, i.e. the message already carries 49 or more ARC
// sets.
var ErrChainTooLong = errors.New("ARC chain too long")

// ChainValidation represents the result of ARC chain validation.
type ChainValidation string

const (
	ChainValidationNone    ChainValidation = "none"    // No ARC headers present
	ChainValidationPass    ChainValidation = "pass"    // ARC chain validated successfully
	ChainValidationFail    ChainValidation = "fail"    // ARC chain validation failed
	ChainValidationUnknown ChainValidation = "unknown" // Cannot validate (missing keys, etc.)
)

// AuthResult represents an authentication result folded into
// ARC-Authentication-Results.
type AuthResult struct {
	Method     string // spf, dkim, dmarc, arc
	Result     string // pass, fail, none, etc.
	Reason     string // optional reason
	Properties map[string]string
}

// ARCSet represents a complete ARC header set (instance i).
type ARCSet struct {
	Instance              int
	Seal                  string // ARC-Seal header value
	MessageSignature      string // ARC-Message-Signature header value
	AuthenticationResults string // ARC-Authentication-Results header value
}

// Signer handles ARC signing for messages passing through the mail system.
type Signer struct {
	keyProvider ARCKeyProvider
	hostname    string
	logger      *zap.Logger
}

// ARCKeyProvider provides signing keys for ARC. ARC reuses the same key
// infrastructure as DKIM: one active RSA keypair per signing domain.
type ARCKeyProvider interface {
	GetActiveDKIMKey(domainName string) *domain.DKIMKey
}

// NewSigner creates a new ARC signer.
func NewSigner(keyProvider ARCKeyProvider, hostname string, logger *zap.Logger) *Signer {
	return &Signer{
		keyProvider: keyProvider,
		hostname:    hostname,
		logger:      logger,
	}
}

// SignatureConfig holds ARC signature configuration.
type SignatureConfig struct {
	// Headers to sign in ARC-Message-Signature.
	Headers []string
	// Canonicalization for header (relaxed or simple).
	HeaderCanonicalization string
	// Canonicalization for body (relaxed or simple).
	BodyCanonicalization string
}

// DefaultSignatureConfig returns the default ARC signature configuration.
func DefaultSignatureConfig() *SignatureConfig {
	return &SignatureConfig{
		Headers: []string{
			"from", "to", "cc", "subject", "date",
			"message-id", "reply-to", "references",
			"in-reply-to", "content-type", "mime-version",
			"dkim-signature",
		},
		HeaderCanonicalization: "relaxed",
		BodyCanonicalization:   "relaxed",
	}
}

// SignMessage adds an ARC header set to a message. This is called when a
// message is forwarded or otherwise processed by a mailing list or relay
// that wants to preserve upstream authentication results.
func (s *Signer) SignMessage(domainName string, message []byte, authResults []AuthResult, chainValidation ChainValidation, config *SignatureConfig) ([]byte, error) {
	if config == nil {
		config = DefaultSignatureConfig()
	}

	key := s.keyProvider.GetActiveDKIMKey(domainName)
	if key == nil {
		return nil, fmt.Errorf("no active signing key for domain %s", domainName)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(message))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	instance, err := getNextInstanceNumber(msg.Header)
	if err != nil {
		return nil, err
	}

	aar := s.buildAuthenticationResults(instance, authResults, chainValidation)

	ams, err := s.buildMessageSignature(instance, key, domainName, config, msg.Header, body)
	if err != nil {
		return nil, fmt.Errorf("build ARC-Message-Signature: %w", err)
	}

	arcSeal, err := s.buildSeal(instance, key, domainName, chainValidation, msg.Header, aar, ams)
	if err != nil {
		return nil, fmt.Errorf("build ARC-Seal: %w", err)
	}

	var result bytes.Buffer
	result.WriteString(fmt.Sprintf("ARC-Seal: %s\r\n", arcSeal))
	result.WriteString(fmt.Sprintf("ARC-Message-Signature: %s\r\n", ams))
	result.WriteString(fmt.Sprintf("ARC-Authentication-Results: %s\r\n", aar))
	result.Write(message)

	// opID correlates this signing operation across log lines without
	// appearing in the wire headers themselves; RFC 8617 has no field for it.
	opID := uuid.New().String()
	s.logger.Debug("message signed with ARC",
		zap.String("op_id", opID),
		zap.String("domain", domainName),
		zap.Int("instance", instance),
		zap.String("chain_validation", string(chainValidation)))

	return result.Bytes(), nil
}

// buildAuthenticationResults builds the ARC-Authentication-Results header
// value as a single semicolon-delimited line:
// "i=<N>; <hostname>; arc=<cv>; <method>=<result>[ (reason)][ k=v ...]; ..."
func (s *Signer) buildAuthenticationResults(instance int, authResults []AuthResult, chainValidation ChainValidation) string {
	parts := []string{
		fmt.Sprintf("i=%d", instance),
		s.hostname,
		fmt.Sprintf("arc=%s", chainValidation),
	}

	for _, ar := range authResults {
		resultStr := fmt.Sprintf("%s=%s", ar.Method, ar.Result)
		if ar.Reason != "" {
			resultStr += fmt.Sprintf(" (%s)", ar.Reason)
		}
		for k, v := range ar.Properties {
			resultStr += fmt.Sprintf(" %s=%s", k, v)
		}
		parts = append(parts, resultStr)
	}

	return strings.Join(parts, "; ")
}

// buildMessageSignature builds the ARC-Message-Signature header value.
func (s *Signer) buildMessageSignature(instance int, key *domain.DKIMKey, domainName string, config *SignatureConfig, headers mail.Header, body []byte) (string, error) {
	canonBody := canonicalizeBody(body, config.BodyCanonicalization)

	bodyHash := sha256.Sum256(canonBody)
	bodyHashB64 := base64.StdEncoding.EncodeToString(bodyHash[:])

	signedHeaders := getSignableHeaders(headers, config.Headers)

	timestamp := time.Now().Unix()

	params := fmt.Sprintf("i=%d; a=%s; c=%s/%s; d=%s; s=%s; t=%d; h=%s; bh=%s; b=",
		instance,
		key.Algorithm,
		config.HeaderCanonicalization,
		config.BodyCanonicalization,
		domainName,
		key.Selector,
		timestamp,
		strings.Join(signedHeaders, ":"),
		bodyHashB64,
	)

	headerData := canonicalizeHeaders(headers, signedHeaders, config.HeaderCanonicalization)

	// The b= tag is signed as present-but-empty, then the real signature is
	// appended afterward — mirroring how the verifier reconstructs this same
	// line by blanking out the b= value it read off the wire.
	amsHeader := fmt.Sprintf("arc-message-signature:%s", canonicalizeHeaderValue(params, config.HeaderCanonicalization))
	headerData = append(headerData, []byte(amsHeader)...)

	headerHash := sha256.Sum256(headerData)
	signature, err := rsa.SignPKCS1v15(nil, key.PrivateKey, crypto.SHA256, headerHash[:])
	if err != nil {
		return "", fmt.Errorf("sign ARC-Message-Signature: %w", err)
	}

	signatureB64 := base64.StdEncoding.EncodeToString(signature)

	return fmt.Sprintf("%s%s", params, foldSignature(signatureB64)), nil
}

// buildSeal builds the ARC-Seal header value. The signed data is assembled
// instance-major: for each prior instance, its seal, then its
// message-signature, then its authentication-results, advancing to the
// next instance only once all three are emitted — not grouped by header
// type across every prior instance.
func (s *Signer) buildSeal(instance int, key *domain.DKIMKey, domainName string, cv ChainValidation, headers mail.Header, aar, ams string) (string, error) {
	timestamp := time.Now().Unix()

	params := fmt.Sprintf("i=%d; a=%s; cv=%s; d=%s; s=%s; t=%d; b=",
		instance,
		key.Algorithm,
		cv,
		domainName,
		key.Selector,
		timestamp,
	)

	var sealData bytes.Buffer

	for inst := 1; inst < instance; inst++ {
		if seal := getARCHeader(headers, "Arc-Seal", inst); seal != "" {
			sealData.WriteString(fmt.Sprintf("arc-seal:%s\r\n", canonicalizeHeaderValue(seal, "relaxed")))
		}
		if instAMS := getARCHeader(headers, "Arc-Message-Signature", inst); instAMS != "" {
			sealData.WriteString(fmt.Sprintf("arc-message-signature:%s\r\n", canonicalizeHeaderValue(instAMS, "relaxed")))
		}
		if instAAR := getARCHeader(headers, "Arc-Authentication-Results", inst); instAAR != "" {
			sealData.WriteString(fmt.Sprintf("arc-authentication-results:%s\r\n", canonicalizeHeaderValue(instAAR, "relaxed")))
		}
	}

	sealData.WriteString(fmt.Sprintf("arc-authentication-results:%s\r\n", canonicalizeHeaderValue(aar, "relaxed")))
	sealData.WriteString(fmt.Sprintf("arc-message-signature:%s\r\n", canonicalizeHeaderValue(ams, "relaxed")))
	sealData.WriteString(fmt.Sprintf("arc-seal:%s", canonicalizeHeaderValue(params, "relaxed")))

	sealHash := sha256.Sum256(sealData.Bytes())
	signature, err := rsa.SignPKCS1v15(nil, key.PrivateKey, crypto.SHA256, sealHash[:])
	if err != nil {
		return "", fmt.Errorf("sign ARC-Seal: %w", err)
	}

	signatureB64 := base64.StdEncoding.EncodeToString(signature)

	return fmt.Sprintf("%s%s", params, foldSignature(signatureB64)), nil
}

// DNSResolver looks up TXT records, abstracted so tests can substitute a
// fake without touching the network.
type DNSResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DefaultDNSResolver uses the system resolver.
type DefaultDNSResolver struct{}

func (d *DefaultDNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return net.DefaultResolver.LookupTXT(ctx, name)
}

type publicKeyCacheEntry struct {
	publicKey *rsa.PublicKey
	expiresAt time.Time
	err       error
}

// Verifier handles ARC chain verification. Public keys are fetched from
// DNS, cached briefly, and concurrent fetches of the same selector/domain
// are coalesced via singleflight so a burst of messages from the same
// sender doesn't multiply DNS lookups.
type Verifier struct {
	logger   *zap.Logger
	resolver DNSResolver

	cacheMu sync.RWMutex
	cache   map[string]*publicKeyCacheEntry
	group   singleflight.Group

	keyCacheTTL time.Duration
	dnsTimeout  time.Duration
}

// NewVerifier creates a new ARC verifier using the system DNS resolver.
func NewVerifier(logger *zap.Logger) *Verifier {
	return NewVerifierWithResolver(logger, &DefaultDNSResolver{})
}

// NewVerifierWithResolver creates a verifier with a custom DNS resolver,
// for tests.
func NewVerifierWithResolver(logger *zap.Logger, resolver DNSResolver) *Verifier {
	return &Verifier{
		logger:      logger,
		resolver:    resolver,
		cache:       make(map[string]*publicKeyCacheEntry),
		keyCacheTTL: time.Hour,
		dnsTimeout:  10 * time.Second,
	}
}

// SetDNSTimeout overrides the per-lookup DNS timeout (default 10s), so the
// operator's configured value reaches the verifier without changing its
// constructor signature.
func (v *Verifier) SetDNSTimeout(d time.Duration) {
	if d > 0 {
		v.dnsTimeout = d
	}
}

// SetKeyCacheTTL overrides how long a resolved public key is cached
// (default 1h) before the next lookup re-checks DNS.
func (v *Verifier) SetKeyCacheTTL(d time.Duration) {
	if d > 0 {
		v.keyCacheTTL = d
	}
}

// ChainResult holds the result of ARC chain verification.
type ChainResult struct {
	Validation   ChainValidation
	HighestValid int
	TotalSets    int
	FailedAt     int
	Error        error
	Sets         []*ARCSetResult
}

// ARCSetResult holds the verification result for a single ARC set.
type ARCSetResult struct {
	Instance                int
	SealValid               bool
	MessageSignatureValid   bool
	AuthenticationResultsOK bool
	Error                   error
}

// VerifyChain verifies the complete ARC chain in a message.
func (v *Verifier) VerifyChain(ctx context.Context, message []byte) (*ChainResult, error) {
	// opID correlates this verification's log lines across all of its
	// per-instance DNS lookups and signature checks.
	opID := uuid.New().String()

	msg, err := mail.ReadMessage(bytes.NewReader(message))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	sets, err := extractARCSets(msg.Header)
	if err != nil {
		// A duplicated instance breaks density: the chain fails.
		return &ChainResult{Validation: ChainValidationFail, Error: err}, nil
	}

	if len(sets) == 0 {
		return &ChainResult{Validation: ChainValidationNone}, nil
	}

	result := &ChainResult{
		TotalSets: len(sets),
		Sets:      make([]*ARCSetResult, len(sets)),
	}

	// Instance density: the chain must be exactly {1..totalSets}, no gaps
	// or duplicates. extractARCSets rejects duplicate instances (handled
	// above) and sorts; a gap shows up as a mismatch between a set's
	// position and its instance number.
	for idx, set := range sets {
		if set.Instance != idx+1 {
			result.Validation = ChainValidationFail
			result.Error = fmt.Errorf("ARC instance density broken: expected %d, got %d", idx+1, set.Instance)
			return result, nil
		}
	}

	unknown := false
	for i, set := range sets {
		setResult := v.verifySet(ctx, set, msg.Header, body)
		result.Sets[i] = setResult

		if setResult.Error != nil && errors.Is(setResult.Error, errKeyUnavailable) {
			unknown = true
			continue
		}

		if !setResult.SealValid || !setResult.MessageSignatureValid {
			result.Validation = ChainValidationFail
			result.FailedAt = set.Instance
			result.Error = setResult.Error
			return result, nil
		}

		result.HighestValid = set.Instance
	}

	if unknown {
		result.Validation = ChainValidationUnknown
		v.logger.Debug("ARC chain verification unknown",
			zap.String("op_id", opID), zap.Int("total_sets", result.TotalSets))
		return result, nil
	}

	result.Validation = ChainValidationPass
	result.HighestValid = result.TotalSets
	v.logger.Debug("ARC chain verification passed",
		zap.String("op_id", opID), zap.Int("total_sets", result.TotalSets))
	return result, nil
}

// errKeyUnavailable marks a set result whose signature could not be
// checked because no DNS key was resolvable — distinct from a structural
// or cryptographic failure, and never collapsed into `fail`.
var errKeyUnavailable = errors.New("signing key unavailable")

func (v *Verifier) verifySet(ctx context.Context, set *ARCSet, headers mail.Header, body []byte) *ARCSetResult {
	result := &ARCSetResult{Instance: set.Instance}

	sealParams := parseARCParams(set.Seal)
	for _, p := range []string{"i", "a", "cv", "d", "s", "b"} {
		if sealParams[p] == "" {
			result.Error = fmt.Errorf("ARC-Seal missing parameter: %s", p)
			return result
		}
	}
	if sealInstance, _ := strconv.Atoi(sealParams["i"]); sealInstance != set.Instance {
		result.Error = fmt.Errorf("ARC-Seal instance mismatch")
		return result
	}

	amsParams := parseARCParams(set.MessageSignature)
	for _, p := range []string{"i", "a", "c", "d", "s", "h", "bh", "b"} {
		if amsParams[p] == "" {
			result.Error = fmt.Errorf("ARC-Message-Signature missing parameter: %s", p)
			return result
		}
	}
	if amsInstance, _ := strconv.Atoi(amsParams["i"]); amsInstance != set.Instance {
		result.Error = fmt.Errorf("ARC-Message-Signature instance mismatch")
		return result
	}

	publicKey, err := v.fetchPublicKey(ctx, sealParams["d"], sealParams["s"])
	if err != nil {
		v.logger.Warn("ARC public key unavailable",
			zap.Int("instance", set.Instance),
			zap.String("domain", sealParams["d"]),
			zap.String("selector", sealParams["s"]),
			zap.Error(err))
		result.Error = fmt.Errorf("%w: %s", errKeyUnavailable, err)
		return result
	}

	if err := v.verifyMessageSignature(amsParams, set.MessageSignature, headers, body, publicKey); err != nil {
		result.Error = err
		return result
	}
	result.MessageSignatureValid = true

	if err := v.verifySealSignature(set, headers, publicKey); err != nil {
		result.Error = err
		return result
	}
	result.SealValid = true
	result.AuthenticationResultsOK = true

	v.logger.Debug("ARC set verified",
		zap.Int("instance", set.Instance),
		zap.String("domain", sealParams["d"]),
		zap.String("selector", sealParams["s"]))

	return result
}

func (v *Verifier) verifyMessageSignature(amsParams map[string]string, amsHeader string, headers mail.Header, body []byte, publicKey *rsa.PublicKey) error {
	canon := amsParams["c"]
	headerCanon, bodyCanon := splitCanon(canon)

	canonBody := canonicalizeBody(body, bodyCanon)
	bodyHash := sha256.Sum256(canonBody)
	actualBodyHashB64 := base64.StdEncoding.EncodeToString(bodyHash[:])

	expectedBodyHash := stripSignatureWhitespace(amsParams["bh"])
	if actualBodyHashB64 != expectedBodyHash {
		return fmt.Errorf("ARC-Message-Signature body hash mismatch")
	}

	signedHeaders := strings.Split(amsParams["h"], ":")
	headerData := buildSignedHeaderData(headers, signedHeaders, headerCanon)

	withoutSig := stripBTag(amsHeader)
	amsForVerify := fmt.Sprintf("arc-message-signature:%s", canonicalizeHeaderValue(withoutSig, headerCanon))
	headerData = append(headerData, []byte(amsForVerify)...)

	sigBytes, err := base64.StdEncoding.DecodeString(stripSignatureWhitespace(amsParams["b"]))
	if err != nil {
		return fmt.Errorf("invalid ARC-Message-Signature encoding: %w", err)
	}

	h := sha256.Sum256(headerData)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, h[:], sigBytes); err != nil {
		return fmt.Errorf("ARC-Message-Signature verification failed: %w", err)
	}
	return nil
}

func (v *Verifier) verifySealSignature(set *ARCSet, headers mail.Header, publicKey *rsa.PublicKey) error {
	var sealData bytes.Buffer
	for inst := 1; inst < set.Instance; inst++ {
		if seal := getARCHeader(headers, "Arc-Seal", inst); seal != "" {
			sealData.WriteString(fmt.Sprintf("arc-seal:%s\r\n", canonicalizeHeaderValue(seal, "relaxed")))
		}
		if ams := getARCHeader(headers, "Arc-Message-Signature", inst); ams != "" {
			sealData.WriteString(fmt.Sprintf("arc-message-signature:%s\r\n", canonicalizeHeaderValue(ams, "relaxed")))
		}
		if aar := getARCHeader(headers, "Arc-Authentication-Results", inst); aar != "" {
			sealData.WriteString(fmt.Sprintf("arc-authentication-results:%s\r\n", canonicalizeHeaderValue(aar, "relaxed")))
		}
	}

	sealData.WriteString(fmt.Sprintf("arc-authentication-results:%s\r\n", canonicalizeHeaderValue(set.AuthenticationResults, "relaxed")))
	sealData.WriteString(fmt.Sprintf("arc-message-signature:%s\r\n", canonicalizeHeaderValue(set.MessageSignature, "relaxed")))

	withoutSig := stripBTag(set.Seal)
	sealData.WriteString(fmt.Sprintf("arc-seal:%s", canonicalizeHeaderValue(withoutSig, "relaxed")))

	sigBytes, err := base64.StdEncoding.DecodeString(stripSignatureWhitespace(parseARCParams(set.Seal)["b"]))
	if err != nil {
		return fmt.Errorf("invalid ARC-Seal encoding: %w", err)
	}

	h := sha256.Sum256(sealData.Bytes())
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, h[:], sigBytes); err != nil {
		return fmt.Errorf("ARC-Seal verification failed: %w", err)
	}
	return nil
}

// fetchPublicKey resolves and caches the RSA public key for selector._domainkey.domain.
func (v *Verifier) fetchPublicKey(ctx context.Context, domainName, selector string) (*rsa.PublicKey, error) {
	key := selector + "._domainkey." + domainName

	v.cacheMu.RLock()
	entry, ok := v.cache[key]
	v.cacheMu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.publicKey, entry.err
	}

	result, err, _ := v.group.Do(key, func() (interface{}, error) {
		return v.resolveAndCache(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return result.(*rsa.PublicKey), nil
}

func (v *Verifier) resolveAndCache(ctx context.Context, dnsName string) (*rsa.PublicKey, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, v.dnsTimeout)
	defer cancel()

	records, err := v.resolver.LookupTXT(lookupCtx, dnsName)
	if err != nil {
		v.cacheError(dnsName, err, 5*time.Minute)
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", dnsName, err)
	}
	if len(records) == 0 {
		err := fmt.Errorf("no DKIM/ARC record found for %s", dnsName)
		v.cacheError(dnsName, err, 5*time.Minute)
		return nil, err
	}

	fullRecord := strings.Join(records, "")
	record, err := parseKeyRecord(fullRecord)
	if err != nil {
		v.cacheError(dnsName, err, 5*time.Minute)
		return nil, fmt.Errorf("parse key record: %w", err)
	}
	if record.PublicKey == "" {
		err := fmt.Errorf("key has been revoked for %s", dnsName)
		v.cacheError(dnsName, err, time.Hour)
		return nil, err
	}

	publicKey, err := parsePublicKey(record.PublicKey)
	if err != nil {
		v.cacheError(dnsName, err, 5*time.Minute)
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	v.cacheMu.Lock()
	v.cache[dnsName] = &publicKeyCacheEntry{publicKey: publicKey, expiresAt: time.Now().Add(v.keyCacheTTL)}
	v.cacheMu.Unlock()

	return publicKey, nil
}

func (v *Verifier) cacheError(key string, err error, ttl time.Duration) {
	v.cacheMu.Lock()
	v.cache[key] = &publicKeyCacheEntry{err: err, expiresAt: time.Now().Add(ttl)}
	v.cacheMu.Unlock()
}

// keyRecord is a parsed DKIM/ARC-style DNS TXT record (v=DKIM1; k=rsa; p=...).
type keyRecord struct {
	Version   string
	KeyType   string
	PublicKey string
}

func parseKeyRecord(record string) (*keyRecord, error) {
	params := parseARCParams(record)

	result := &keyRecord{
		Version:   params["v"],
		KeyType:   params["k"],
		PublicKey: params["p"],
	}

	if result.Version != "" && result.Version != "DKIM1" {
		return nil, fmt.Errorf("unsupported record version: %s", result.Version)
	}
	if result.KeyType == "" {
		result.KeyType = "rsa"
	}
	if result.KeyType != "rsa" {
		return nil, fmt.Errorf("unsupported key type: %s", result.KeyType)
	}

	return result, nil
}

// parsePublicKey decodes a base64 DNS-published key, trying PKIX, then
// PKCS1, then a raw PEM block — a fallback similar to the domain
// repository's for private keys (which tries PEM first), since operators populate these records
// from a variety of key-generation tools.
func parsePublicKey(keyData string) (*rsa.PublicKey, error) {
	keyData = stripSignatureWhitespace(keyData)

	der, err := base64.StdEncoding.DecodeString(keyData)
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaKey, ok := pub.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("key is not RSA")
	}

	if rsaKey, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return rsaKey, nil
	}

	if block, _ := pem.Decode(der); block != nil {
		if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
			if rsaKey, ok := pub.(*rsa.PublicKey); ok {
				return rsaKey, nil
			}
		}
	}

	return nil, fmt.Errorf("unable to parse public key")
}

// Helper functions shared by the Signer and Verifier.

func getNextInstanceNumber(headers mail.Header) (int, error) {
	sets, err := extractARCSets(headers)
	if err != nil {
		return 0, err
	}
	if len(sets) == 0 {
		return 1, nil
	}
	next := sets[len(sets)-1].Instance + 1
	if next >= maxInstance {
		return 0, ErrChainTooLong
	}
	return next, nil
}

func extractARCSets(headers mail.Header) ([]*ARCSet, error) {
	byInstance := make(map[int]*ARCSet)

	for _, seal := range headers["Arc-Seal"] {
		params := parseARCParams(seal)
		instance, _ := strconv.Atoi(params["i"])
		if instance == 0 {
			continue
		}
		if _, exists := byInstance[instance]; exists {
			return nil, fmt.Errorf("duplicate ARC-Seal instance %d", instance)
		}
		byInstance[instance] = &ARCSet{Instance: instance, Seal: seal}
	}

	for _, ams := range headers["Arc-Message-Signature"] {
		params := parseARCParams(ams)
		instance, _ := strconv.Atoi(params["i"])
		if set, ok := byInstance[instance]; ok {
			set.MessageSignature = ams
		}
	}

	for _, aar := range headers["Arc-Authentication-Results"] {
		params := parseARCParams(aar)
		instance, _ := strconv.Atoi(params["i"])
		if set, ok := byInstance[instance]; ok {
			set.AuthenticationResults = aar
		}
	}

	sets := make([]*ARCSet, 0, len(byInstance))
	for _, set := range byInstance {
		sets = append(sets, set)
	}
	for i := 0; i < len(sets)-1; i++ {
		for j := i + 1; j < len(sets); j++ {
			if sets[i].Instance > sets[j].Instance {
				sets[i], sets[j] = sets[j], sets[i]
			}
		}
	}

	return sets, nil
}

func getARCHeader(headers mail.Header, name string, instance int) string {
	for _, h := range headers[name] {
		params := parseARCParams(h)
		if i, _ := strconv.Atoi(params["i"]); i == instance {
			return h
		}
	}
	return ""
}

func parseARCParams(header string) map[string]string {
	params := make(map[string]string)

	header = strings.ReplaceAll(header, "\r\n", "")
	header = strings.ReplaceAll(header, "\n", "")
	header = strings.ReplaceAll(header, "\t", " ")

	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx == -1 {
			continue
		}
		tag := strings.TrimSpace(part[:idx])
		value := strings.TrimSpace(part[idx+1:])
		params[tag] = value
	}

	return params
}

func getSignableHeaders(headers mail.Header, wantHeaders []string) []string {
	var result []string
	for _, h := range wantHeaders {
		if headers.Get(h) != "" {
			result = append(result, h)
		}
	}
	return result
}

func buildSignedHeaderData(headers mail.Header, signedHeaders []string, canon string) []byte {
	var result bytes.Buffer
	usedHeaders := make(map[string]int)

	for _, name := range signedHeaders {
		name = strings.TrimSpace(name)
		nameLower := strings.ToLower(name)

		values := headers[canonicalHeaderName(name)]
		if len(values) == 0 {
			continue
		}

		idx := usedHeaders[nameLower]
		if idx >= len(values) {
			continue
		}
		usedHeaders[nameLower]++
		value := values[idx]

		var line string
		if canon == "simple" {
			line = fmt.Sprintf("%s: %s\r\n", name, value)
		} else {
			line = fmt.Sprintf("%s:%s\r\n", nameLower, canonicalizeHeaderValue(value, "relaxed"))
		}
		result.WriteString(line)
	}

	return result.Bytes()
}

func canonicalHeaderName(name string) string {
	return strings.Title(strings.ToLower(name))
}

func splitCanon(canon string) (headerCanon, bodyCanon string) {
	headerCanon, bodyCanon = "simple", "simple"
	if canon == "" {
		return
	}
	parts := strings.Split(canon, "/")
	headerCanon = parts[0]
	if len(parts) > 1 {
		bodyCanon = parts[1]
	} else {
		bodyCanon = headerCanon
	}
	return
}

var bTagRegex = regexp.MustCompile(`b=[^;]*`)

func stripBTag(header string) string {
	return bTagRegex.ReplaceAllString(header, "b=")
}

func stripSignatureWhitespace(s string) string {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\t", "")
	s = strings.ReplaceAll(s, "\r\n", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func canonicalizeBody(body []byte, method string) []byte {
	switch method {
	case "simple":
		return canonicalizeBodySimple(body)
	default:
		return canonicalizeBodyRelaxed(body)
	}
}

func canonicalizeBodySimple(body []byte) []byte {
	body = bytes.TrimRight(body, "\r\n")
	if len(body) > 0 {
		body = append(body, '\r', '\n')
	}
	return body
}

var wspRunRegex = regexp.MustCompile(`[ \t]+`)

func canonicalizeBodyRelaxed(body []byte) []byte {
	lines := bytes.Split(body, []byte("\n"))
	var result [][]byte

	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))
		line = wspRunRegex.ReplaceAll(line, []byte(" "))
		line = bytes.TrimRight(line, " \t")
		result = append(result, line)
	}

	for len(result) > 0 && len(result[len(result)-1]) == 0 {
		result = result[:len(result)-1]
	}

	if len(result) == 0 {
		return []byte("\r\n")
	}

	output := bytes.Join(result, []byte("\r\n"))
	output = append(output, '\r', '\n')
	return output
}

func canonicalizeHeaders(headers mail.Header, signHeaders []string, method string) []byte {
	var result bytes.Buffer

	for _, name := range signHeaders {
		value := headers.Get(name)
		if value == "" {
			continue
		}

		var line string
		if method == "simple" {
			line = fmt.Sprintf("%s: %s", name, value)
		} else {
			line = fmt.Sprintf("%s:%s", strings.ToLower(name), canonicalizeHeaderValue(value, "relaxed"))
		}

		result.WriteString(line)
		result.WriteString("\r\n")
	}

	return result.Bytes()
}

func canonicalizeHeaderValue(value, method string) string {
	if method == "simple" {
		return value
	}

	value = strings.ReplaceAll(value, "\r\n ", " ")
	value = strings.ReplaceAll(value, "\r\n\t", " ")
	value = wspRunRegex.ReplaceAllString(value, " ")
	value = strings.TrimSpace(value)

	return value
}

func foldSignature(sig string) string {
	const lineLen = 72
	var result strings.Builder

	for i := 0; i < len(sig); i += lineLen {
		end := i + lineLen
		if end > len(sig) {
			end = len(sig)
		}
		if i > 0 {
			result.WriteString("\r\n\t")
		}
		result.WriteString(sig[i:end])
	}

	return result.String()
}
