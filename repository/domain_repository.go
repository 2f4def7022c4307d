package repository

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/edgetrust/smtp-edge/domain"
)

// dkimEncryptionKey is set by main from config and used to decrypt
// at-rest ARC/DKIM private keys read from the database.
var dkimEncryptionKey string

// SetDKIMEncryptionKey sets the encryption key for decrypting signing
// private keys stored in the dkim_keys table.
func SetDKIMEncryptionKey(key string) {
	dkimEncryptionKey = key
}

// DomainRepository implements domain.Repository against PostgreSQL.
type DomainRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewDomainRepository creates a new domain repository.
func NewDomainRepository(db *pgxpool.Pool, logger *zap.Logger) *DomainRepository {
	return &DomainRepository{
		db:     db,
		logger: logger,
	}
}

// GetAllDomains returns all verified or pending domains.
func (r *DomainRepository) GetAllDomains(ctx context.Context) ([]*domain.Domain, error) {
	query := `
		SELECT id, organization_id, name, status, is_primary, created_at, updated_at, verified_at
		FROM domains
		WHERE status IN ('verified', 'pending')
		ORDER BY name
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer rows.Close()

	var domains []*domain.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, d)
	}

	return domains, rows.Err()
}

// GetDomainByName returns a domain by its name.
func (r *DomainRepository) GetDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	query := `
		SELECT id, organization_id, name, status, is_primary, created_at, updated_at, verified_at
		FROM domains
		WHERE name = $1
	`

	row := r.db.QueryRow(ctx, query, name)
	d, err := scanDomainRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query domain by name: %w", err)
	}

	return d, nil
}

// GetDomainsByOrganization returns all verified domains for an organization.
func (r *DomainRepository) GetDomainsByOrganization(ctx context.Context, orgID string) ([]*domain.Domain, error) {
	query := `
		SELECT id, organization_id, name, status, is_primary, created_at, updated_at, verified_at
		FROM domains
		WHERE organization_id = $1 AND status = 'verified'
		ORDER BY is_primary DESC, name
	`

	rows, err := r.db.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("query organization domains: %w", err)
	}
	defer rows.Close()

	var domains []*domain.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, d)
	}

	return domains, rows.Err()
}

// GetDKIMKeys returns all signing keys for a domain.
func (r *DomainRepository) GetDKIMKeys(ctx context.Context, domainID string) ([]*domain.DKIMKey, error) {
	query := `
		SELECT id, domain_id, selector, private_key, public_key,
			algorithm, key_size, is_active, created_at, expires_at, rotated_at
		FROM dkim_keys
		WHERE domain_id = $1
		ORDER BY is_active DESC, created_at DESC
	`

	rows, err := r.db.Query(ctx, query, domainID)
	if err != nil {
		return nil, fmt.Errorf("query dkim keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.DKIMKey
	for rows.Next() {
		key, err := scanDKIMKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dkim key: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// GetActiveDKIMKey returns the active signing key for a domain.
func (r *DomainRepository) GetActiveDKIMKey(ctx context.Context, domainName string) (*domain.DKIMKey, error) {
	query := `
		SELECT dk.id, dk.domain_id, dk.selector, dk.private_key, dk.public_key,
			dk.algorithm, dk.key_size, dk.is_active, dk.created_at, dk.expires_at, dk.rotated_at
		FROM dkim_keys dk
		JOIN domains d ON d.id = dk.domain_id
		WHERE d.name = $1 AND dk.is_active = true
		AND (dk.expires_at IS NULL OR dk.expires_at > NOW())
		LIMIT 1
	`

	row := r.db.QueryRow(ctx, query, domainName)
	key, err := scanDKIMKeyRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query active dkim key: %w", err)
	}

	return key, nil
}

// ListenForChanges listens for PostgreSQL NOTIFY events on the domain and
// signing-key channels.
func (r *DomainRepository) ListenForChanges(ctx context.Context, callback func(table, action, id string)) error {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	channels := []string{"domain_changes", "dkim_changes"}

	for _, ch := range channels {
		_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", ch))
		if err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}

	r.logger.Info("listening for database changes", zap.Strings("channels", channels))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		parts := strings.SplitN(notification.Payload, ":", 3)
		if len(parts) != 3 {
			r.logger.Warn("invalid notification payload",
				zap.String("payload", notification.Payload))
			continue
		}

		callback(parts[0], parts[1], parts[2])
	}
}

func scanDomain(rows pgx.Rows) (*domain.Domain, error) {
	var d domain.Domain
	var verifiedAt *time.Time

	err := rows.Scan(
		&d.ID, &d.OrganizationID, &d.Name, &d.Status, &d.IsPrimary,
		&d.CreatedAt, &d.UpdatedAt, &verifiedAt,
	)
	if err != nil {
		return nil, err
	}

	if verifiedAt != nil {
		d.VerifiedAt = *verifiedAt
	}

	return &d, nil
}

func scanDomainRow(row pgx.Row) (*domain.Domain, error) {
	var d domain.Domain
	var verifiedAt *time.Time

	err := row.Scan(
		&d.ID, &d.OrganizationID, &d.Name, &d.Status, &d.IsPrimary,
		&d.CreatedAt, &d.UpdatedAt, &verifiedAt,
	)
	if err != nil {
		return nil, err
	}

	if verifiedAt != nil {
		d.VerifiedAt = *verifiedAt
	}

	return &d, nil
}

func scanDKIMKey(rows pgx.Rows) (*domain.DKIMKey, error) {
	var k domain.DKIMKey
	var privateKeyPEM string
	var publicKeyPEM string
	var expiresAt, rotatedAt *time.Time

	err := rows.Scan(
		&k.ID, &k.DomainID, &k.Selector, &privateKeyPEM, &publicKeyPEM,
		&k.Algorithm, &k.KeySize, &k.IsActive, &k.CreatedAt, &expiresAt, &rotatedAt,
	)
	if err != nil {
		return nil, err
	}

	k.PublicKeyPEM = publicKeyPEM

	key, err := parsePEMPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	k.PrivateKey = key
	k.PublicKey = &key.PublicKey

	if expiresAt != nil {
		k.ExpiresAt = expiresAt
	}
	if rotatedAt != nil {
		k.RotatedAt = rotatedAt
	}

	return &k, nil
}

func scanDKIMKeyRow(row pgx.Row) (*domain.DKIMKey, error) {
	var k domain.DKIMKey
	var privateKeyPEM string
	var publicKeyPEM string
	var expiresAt, rotatedAt *time.Time

	err := row.Scan(
		&k.ID, &k.DomainID, &k.Selector, &privateKeyPEM, &publicKeyPEM,
		&k.Algorithm, &k.KeySize, &k.IsActive, &k.CreatedAt, &expiresAt, &rotatedAt,
	)
	if err != nil {
		return nil, err
	}

	k.PublicKeyPEM = publicKeyPEM

	key, err := parsePEMPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	k.PrivateKey = key
	k.PublicKey = &key.PublicKey

	if expiresAt != nil {
		k.ExpiresAt = expiresAt
	}
	if rotatedAt != nil {
		k.RotatedAt = rotatedAt
	}

	return &k, nil
}

// parsePEMPrivateKey parses a signing private key using a fallback
// (PEM/RSA PRIVATE KEY -> PEM/PRIVATE KEY -> raw base64 PKCS1/PKCS8)
// similar to, but ordered differently from, the ARC verification side's for public keys
// fetched from DNS, falling back to at-rest decryption when the value
// isn't directly PEM-decodable.
func parsePEMPrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block != nil {
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, errors.New("not an RSA private key")
			}
			return rsaKey, nil
		default:
			return nil, fmt.Errorf("unsupported key type: %s", block.Type)
		}
	}

	if dkimEncryptionKey != "" {
		decrypted, err := decryptPrivateKey(pemStr)
		if err == nil {
			return parsePEMPrivateKey(string(decrypted))
		}
	}

	keyBytes, err := base64.StdEncoding.DecodeString(pemStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	if key, err := x509.ParsePKCS1PrivateKey(keyBytes); err == nil {
		return key, nil
	}

	pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := pkcs8Key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return rsaKey, nil
}

// decryptPrivateKey decrypts an AES-GCM encrypted private key.
func decryptPrivateKey(encryptedKey string) ([]byte, error) {
	if dkimEncryptionKey == "" {
		return nil, errors.New("DKIM encryption key not configured")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(dkimEncryptionKey)
	if err != nil {
		key = []byte(dkimEncryptionKey)
		if len(key) < 32 {
			paddedKey := make([]byte, 32)
			copy(paddedKey, key)
			key = paddedKey
		} else if len(key) > 32 {
			key = key[:32]
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}
