package certificate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	minBundleSize = 1000
	maxBundleSize = 30000
)

// ErrCredentialNotFound indica que o contribuinte não tem credencial cadastrada
var ErrCredentialNotFound = errors.New("credential not found")

// Source entrega o bundle PKCS#12 e a senha de um contribuinte
type Source interface {
	ResolveBundle(ctx context.Context, taxpayerID string) ([]byte, error)
	ResolvePassphrase(ctx context.Context, taxpayerID string) (string, bool, error)
}

// EnvSource lê o bundle de NFSE_CERT_PFX_BASE64 (um único certificado por processo)
type EnvSource struct {
	bundleB64  string
	passphrase string
	logger     *logrus.Logger
}

// NewEnvSource cria a fonte baseada em variáveis de ambiente
func NewEnvSource(bundleB64, passphrase string, logger *logrus.Logger) *EnvSource {
	return &EnvSource{
		bundleB64:  strings.TrimSpace(bundleB64),
		passphrase: passphrase,
		logger:     logger,
	}
}

// Configured indica se existe bundle no ambiente
func (s *EnvSource) Configured() bool {
	return s != nil && s.bundleB64 != ""
}

// ResolveBundle decodifica e confere o tamanho do bundle
func (s *EnvSource) ResolveBundle(ctx context.Context, taxpayerID string) ([]byte, error) {
	if !s.Configured() {
		return nil, malformed("NFSE_CERT_PFX_BASE64 not configured", nil)
	}

	bundle, err := base64.StdEncoding.DecodeString(s.bundleB64)
	if err != nil {
		s.logger.WithError(err).Error("Error decoding certificate bundle from environment")
		return nil, malformed("NFSE_CERT_PFX_BASE64 is not valid base64", err)
	}
	if len(bundle) < minBundleSize || len(bundle) > maxBundleSize {
		return nil, malformed(fmt.Sprintf("certificate bundle outside expected size (1KB ~ 30KB): %d bytes", len(bundle)), nil)
	}

	s.logger.WithFields(logrus.Fields{
		"size":           len(bundle),
		"base64_preview": MaskPreview(s.bundleB64),
	}).Info("Certificate bundle loaded from environment")

	return bundle, nil
}

// ResolvePassphrase retorna NFSE_CERT_PFX_PASS
func (s *EnvSource) ResolvePassphrase(ctx context.Context, taxpayerID string) (string, bool, error) {
	return s.passphrase, s.passphrase != "", nil
}

// MaskPreview mostra só as pontas de um valor sensível
func MaskPreview(value string) string {
	if len(value) <= 20 {
		return "***"
	}
	return value[:10] + "..." + value[len(value)-10:]
}

// CredentialStore lê a credencial mais recente de um contribuinte
type CredentialStore interface {
	LatestCredential(ctx context.Context, userID string) (*models.CredentialRecord, error)
}

// ObjectStore lê objetos do storage
type ObjectStore interface {
	DownloadFile(ctx context.Context, bucketName, fileName string) ([]byte, error)
}

// VaultSource lê o bundle do storage e a senha cifrada do banco
type VaultSource struct {
	store   CredentialStore
	objects ObjectStore
	bucket  string
	secret  string
	logger  *logrus.Logger
}

// NewVaultSource cria a fonte por contribuinte
func NewVaultSource(store CredentialStore, objects ObjectStore, bucket, secret string, logger *logrus.Logger) *VaultSource {
	return &VaultSource{store: store, objects: objects, bucket: bucket, secret: secret, logger: logger}
}

// ResolveBundle baixa o bundle da credencial mais recente
func (s *VaultSource) ResolveBundle(ctx context.Context, taxpayerID string) ([]byte, error) {
	record, err := s.store.LatestCredential(ctx, taxpayerID)
	if err != nil {
		return nil, fmt.Errorf("error loading credential for %s: %w", taxpayerID, err)
	}

	bundle, err := s.objects.DownloadFile(ctx, s.bucket, record.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("error downloading certificate bundle: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":       taxpayerID,
		"credential_id": record.ID,
		"size":          len(bundle),
	}).Info("Certificate bundle loaded from vault")

	return bundle, nil
}

// ResolvePassphrase decifra a senha guardada com a credencial
func (s *VaultSource) ResolvePassphrase(ctx context.Context, taxpayerID string) (string, bool, error) {
	record, err := s.store.LatestCredential(ctx, taxpayerID)
	if err != nil {
		return "", false, fmt.Errorf("error loading credential for %s: %w", taxpayerID, err)
	}
	if record.EncryptedPassphrase == "" {
		return "", false, nil
	}

	passphrase, err := DecryptPassphrase(record.EncryptedPassphrase, s.secret)
	if err != nil {
		return "", false, malformed("stored certificate passphrase could not be decrypted", err)
	}
	return passphrase, true, nil
}
