package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/nfse-service/internal/certificate"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// CredentialWriter registra credenciais no cofre
type CredentialWriter interface {
	Create(ctx context.Context, record *models.CredentialRecord) error
}

// ErrVaultNotConfigured indica ausência de storage, banco ou ENCRYPTION_SECRET para o cofre
var ErrVaultNotConfigured = errors.New("certificate vault not configured")

// CredentialService guarda certificados A1 por usuário: bundle no storage, senha cifrada no banco
type CredentialService struct {
	store   CredentialWriter
	storage ObjectStorage
	bucket  string
	secret  string
	now     func() time.Time
	logger  *logrus.Logger
}

// NewCredentialService cria uma nova instância do serviço
func NewCredentialService(store CredentialWriter, storage ObjectStorage, bucket, secret string, logger *logrus.Logger) *CredentialService {
	return &CredentialService{
		store:   store,
		storage: storage,
		bucket:  bucket,
		secret:  secret,
		now:     time.Now,
		logger:  logger,
	}
}

// Register valida o bundle antes de guardar; certificado vencido ou de outro titular é recusado
func (s *CredentialService) Register(ctx context.Context, req *models.CredentialUploadRequest) (*models.CertificateStatus, error) {
	if s.storage == nil || s.store == nil || s.secret == "" {
		return nil, ErrVaultNotConfigured
	}

	bundle, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.PFXBase64))
	if err != nil {
		return nil, models.NewInputValidationError([]models.ErrorDetail{
			{Field: "pfxBase64", Issue: "must be valid base64"},
		})
	}

	cred, err := certificate.Decode(bundle, req.Passphrase)
	if err != nil {
		return nil, err
	}
	defer cred.Destroy()

	status := certificate.Validate(cred.Certificate, req.TaxID, s.now())
	if err := status.Err(); err != nil {
		return &status, err
	}

	encrypted, err := certificate.EncryptPassphrase(req.Passphrase, s.secret)
	if err != nil {
		return nil, fmt.Errorf("error encrypting passphrase: %w", err)
	}

	path := fmt.Sprintf("certificates/%s/%s.pfx", req.UserID, uuid.NewString())
	if _, err := s.storage.UploadFile(ctx, s.bucket, path, bundle, "application/x-pkcs12"); err != nil {
		return nil, fmt.Errorf("error uploading certificate bundle: %w", err)
	}

	record := &models.CredentialRecord{
		UserID:              req.UserID,
		StoragePath:         path,
		EncryptedPassphrase: encrypted,
	}
	if err := s.store.Create(ctx, record); err != nil {
		// sem registro o bundle ficaria órfão no bucket
		if delErr := s.storage.DeleteFile(context.WithoutCancel(ctx), s.bucket, path); delErr != nil {
			s.logger.WithFields(logrus.Fields{
				"user_id": req.UserID,
				"path":    path,
				"error":   delErr.Error(),
			}).Warn("Error removing orphaned certificate bundle")
		}
		return nil, fmt.Errorf("error registering credential: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":       req.UserID,
		"credential_id": record.ID,
		"class":         status.Class,
		"not_after":     status.NotAfter.Format(time.RFC3339),
	}).Info("Certificate stored in vault")

	return &status, nil
}
