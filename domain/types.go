package domain

import (
	"crypto/rsa"
	"time"
)

// DomainStatus represents the verification status of a mail domain.
type DomainStatus string

const (
	DomainStatusPending   DomainStatus = "pending"
	DomainStatusVerified  DomainStatus = "verified"
	DomainStatusFailed    DomainStatus = "failed"
	DomainStatusSuspended DomainStatus = "suspended"
	DomainStatusDeleted   DomainStatus = "deleted"
)

// Domain represents a mail domain known to the edge. The ARC signer and
// the SASL authenticator only need a domain's identity and status; the
// routing and policy concerns that the original entity model carried
// live upstream of this subsystem.
type Domain struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Name           string       `json:"name"`
	Status         DomainStatus `json:"status"`
	IsPrimary      bool         `json:"is_primary"`
	VerifiedAt     time.Time    `json:"verified_at"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// DKIMKey represents a signing key used by the ARC signer on behalf of a
// domain. The selector plus domain name form the DNS lookup path used by
// the ARC verifier on inbound mail (<selector>._domainkey.<domain>).
type DKIMKey struct {
	ID           string          `json:"id"`
	DomainID     string          `json:"domain_id"`
	Domain       string          `json:"domain"`
	Selector     string          `json:"selector"`
	PrivateKey   *rsa.PrivateKey `json:"-"`
	PublicKey    *rsa.PublicKey  `json:"-"`
	PublicKeyPEM string          `json:"public_key_pem"`
	Algorithm    string          `json:"algorithm"` // rsa-sha256
	KeySize      int             `json:"key_size"`
	IsActive     bool            `json:"is_active"`
	ExpiresAt    *time.Time      `json:"expires_at"`
	RotatedAt    *time.Time      `json:"rotated_at"`
	CreatedAt    time.Time       `json:"created_at"`
}
