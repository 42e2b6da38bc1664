package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrEmissionNotFound indica que não há registro para o protocolo ou chave
var ErrEmissionNotFound = errors.New("emission not found")

const emissionColumns = `id, user_id, protocolo, chave_acesso, numero_nfse, status, situacao,
		xml_hash, resposta, recipient_email, document_path, document_size,
		processed_at, created_at, updated_at`

// EmissionRepository persiste o histórico de emissões. Registros nunca são apagados.
type EmissionRepository struct {
	db     *DB
	logger *logrus.Logger
}

// NewEmissionRepository cria o repositório
func NewEmissionRepository(db *DB, logger *logrus.Logger) *EmissionRepository {
	return &EmissionRepository{
		db:     db,
		logger: logger,
	}
}

// Create grava a emissão e a primeira entrada do histórico
func (r *EmissionRepository) Create(ctx context.Context, record *models.EmissionRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO nfse_emissions (
				id, user_id, protocolo, chave_acesso, numero_nfse, status, situacao,
				xml_hash, resposta, recipient_email, processed_at, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
			)
		`
		_, err := tx.ExecContext(ctx, query,
			record.ID, record.UserID, record.Protocol, record.AccessKey, record.NfseNumber,
			record.Status, record.Situacao, record.XMLHash, nullableJSON(record.Response),
			record.RecipientEmail, record.ProcessedAt, record.CreatedAt, record.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("error creating emission: %w", err)
		}

		if err := insertHistory(ctx, tx, record.ID, record.Status, record.Situacao, record.Response); err != nil {
			return err
		}

		r.logger.WithFields(logrus.Fields{
			"emission_id": record.ID,
			"protocol":    record.Protocol,
			"status":      record.Status,
		}).Info("Emission recorded")
		return nil
	})
}

// UpdateStatus aplica o resultado de uma consulta e acrescenta ao histórico
func (r *EmissionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, update models.StatusUpdate) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE nfse_emissions
			SET status = $1,
				situacao = $2,
				chave_acesso = COALESCE($3, chave_acesso),
				numero_nfse = COALESCE($4, numero_nfse),
				processed_at = COALESCE($5, processed_at),
				resposta = COALESCE($6, resposta),
				updated_at = $7
			WHERE id = $8
		`
		result, err := tx.ExecContext(ctx, query,
			update.Status, update.Situacao, nullableString(update.AccessKey), nullableString(update.NfseNumber),
			update.ProcessedAt, nullableJSON(update.Payload), time.Now().UTC(), id,
		)
		if err != nil {
			return fmt.Errorf("error updating emission status: %w", err)
		}
		if rows, err := result.RowsAffected(); err == nil && rows == 0 {
			return fmt.Errorf("emission %s: %w", id, ErrEmissionNotFound)
		}

		return insertHistory(ctx, tx, id, update.Status, update.Situacao, update.Payload)
	})
}

// AttachDocument registra onde o DANFSe da emissão foi guardado
func (r *EmissionRepository) AttachDocument(ctx context.Context, id uuid.UUID, path string, size int64) error {
	query := `
		UPDATE nfse_emissions
		SET document_path = $1, document_size = $2, updated_at = $3
		WHERE id = $4
	`
	_, err := r.db.ExecWithTimeout(ctx, query, path, size, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("error attaching document: %w", err)
	}
	return nil
}

// GetByProtocol busca a emissão pelo protocolo do ambiente nacional
func (r *EmissionRepository) GetByProtocol(ctx context.Context, protocol string) (*models.EmissionRecord, error) {
	query := `SELECT ` + emissionColumns + ` FROM nfse_emissions WHERE protocolo = $1`
	return r.getOne(ctx, query, protocol)
}

// GetByAccessKey busca a emissão pela chave de acesso da NFS-e
func (r *EmissionRepository) GetByAccessKey(ctx context.Context, accessKey string) (*models.EmissionRecord, error) {
	query := `SELECT ` + emissionColumns + ` FROM nfse_emissions WHERE chave_acesso = $1`
	return r.getOne(ctx, query, accessKey)
}

func (r *EmissionRepository) getOne(ctx context.Context, query string, arg string) (*models.EmissionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	record, err := scanEmission(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", arg, ErrEmissionNotFound)
		}
		return nil, fmt.Errorf("error querying emission: %w", err)
	}
	return record, nil
}

// History retorna as atualizações de status em ordem cronológica
func (r *EmissionRepository) History(ctx context.Context, id uuid.UUID) ([]models.EmissionHistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, emission_id, status, situacao, payload, created_at
		FROM nfse_emission_history
		WHERE emission_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("error querying emission history: %w", err)
	}
	defer rows.Close()

	var history []models.EmissionHistoryEntry
	for rows.Next() {
		var entry models.EmissionHistoryEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.EmissionID, &entry.Status, &entry.Situacao, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning emission history: %w", err)
		}
		if len(payload) > 0 {
			entry.Payload = json.RawMessage(payload)
		}
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating emission history: %w", err)
	}
	return history, nil
}

// ListPending retorna emissões em fila sem atualização há pelo menos olderThan
func (r *EmissionRepository) ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.EmissionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + emissionColumns + `
		FROM nfse_emissions
		WHERE status = $1 AND updated_at <= $2
		ORDER BY updated_at
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, models.EmissionStatusQueued, time.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("error querying pending emissions: %w", err)
	}
	defer rows.Close()

	var records []*models.EmissionRecord
	for rows.Next() {
		record, err := scanEmission(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning pending emission: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending emissions: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEmission(row scanner) (*models.EmissionRecord, error) {
	var record models.EmissionRecord
	var response []byte
	err := row.Scan(
		&record.ID, &record.UserID, &record.Protocol, &record.AccessKey, &record.NfseNumber,
		&record.Status, &record.Situacao, &record.XMLHash, &response, &record.RecipientEmail,
		&record.DocumentPath, &record.DocumentSize, &record.ProcessedAt, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(response) > 0 {
		record.Response = json.RawMessage(response)
	}
	return &record, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, id uuid.UUID, status models.EmissionStatus, situacao string, payload json.RawMessage) error {
	query := `
		INSERT INTO nfse_emission_history (emission_id, status, situacao, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.ExecContext(ctx, query, id, status, situacao, nullableJSON(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("error appending emission history: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
