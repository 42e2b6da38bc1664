package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/nfse-service/internal/certificate"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// CredentialRepository guarda as referências às credenciais de assinatura
type CredentialRepository struct {
	db     *DB
	logger *logrus.Logger
}

// NewCredentialRepository cria o repositório
func NewCredentialRepository(db *DB, logger *logrus.Logger) *CredentialRepository {
	return &CredentialRepository{
		db:     db,
		logger: logger,
	}
}

// Create registra uma nova credencial; a mais recente passa a valer
func (r *CredentialRepository) Create(ctx context.Context, record *models.CredentialRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO nfse_credentials (id, user_id, storage_path, passphrase_encrypted, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecWithTimeout(ctx, query,
		record.ID, record.UserID, record.StoragePath, record.EncryptedPassphrase, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error creating credential: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"credential_id": record.ID,
		"user_id":       record.UserID,
	}).Info("Credential registered")
	return nil
}

// LatestCredential retorna a credencial mais recente do contribuinte
func (r *CredentialRepository) LatestCredential(ctx context.Context, userID string) (*models.CredentialRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, user_id, storage_path, passphrase_encrypted, created_at
		FROM nfse_credentials
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var record models.CredentialRecord
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&record.ID, &record.UserID, &record.StoragePath, &record.EncryptedPassphrase, &record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, certificate.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("error querying credential: %w", err)
	}
	return &record, nil
}
