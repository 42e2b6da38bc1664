package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// AllowlistRepository guarda o snapshot de códigos permitidos por
// (CNPJ, município, competência)
type AllowlistRepository struct {
	db     *DB
	logger *logrus.Logger
}

// NewAllowlistRepository cria o repositório
func NewAllowlistRepository(db *DB, logger *logrus.Logger) *AllowlistRepository {
	return &AllowlistRepository{
		db:     db,
		logger: logger,
	}
}

// Replace troca o snapshot da chave inteiro numa única transação
func (r *AllowlistRepository) Replace(ctx context.Context, key models.AllowlistKey, candidates []models.TaxCodeCandidate) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM nfse_allowlist WHERE cnpj = $1 AND codigo_municipio = $2 AND competencia = $3`,
			key.TaxpayerID, key.Municipality, key.Competence,
		)
		if err != nil {
			return fmt.Errorf("error clearing allowlist: %w", err)
		}

		query := `
			INSERT INTO nfse_allowlist (
				cnpj, codigo_municipio, competencia, ctribnac, codigo_servico,
				descricao, origem, valido_desde, valido_ate, posicao
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
			)
		`
		seen := make(map[string]bool, len(candidates))
		position := 0
		for _, c := range candidates {
			if seen[c.ServiceCode] {
				continue
			}
			seen[c.ServiceCode] = true

			_, err := tx.ExecContext(ctx, query,
				key.TaxpayerID, key.Municipality, key.Competence, c.Code, c.ServiceCode,
				c.Description, c.Origin, c.ValidFrom, c.ValidUntil, position,
			)
			if err != nil {
				return fmt.Errorf("error inserting allowlist code %s: %w", c.ServiceCode, err)
			}
			position++
		}

		r.logger.WithFields(logrus.Fields{
			"cnpj":        key.TaxpayerID,
			"municipio":   key.Municipality,
			"competencia": key.Competence,
			"codes":       position,
		}).Info("Allowlist snapshot replaced")
		return nil
	})
}

// Get retorna o snapshot na ordem em que foi gravado
func (r *AllowlistRepository) Get(ctx context.Context, key models.AllowlistKey) ([]models.TaxCodeCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT ctribnac, codigo_servico, descricao, origem, valido_desde, valido_ate
		FROM nfse_allowlist
		WHERE cnpj = $1 AND codigo_municipio = $2 AND competencia = $3
		ORDER BY posicao
	`
	rows, err := r.db.QueryContext(ctx, query, key.TaxpayerID, key.Municipality, key.Competence)
	if err != nil {
		return nil, fmt.Errorf("error querying allowlist: %w", err)
	}
	defer rows.Close()

	var candidates []models.TaxCodeCandidate
	for rows.Next() {
		var c models.TaxCodeCandidate
		if err := rows.Scan(&c.Code, &c.ServiceCode, &c.Description, &c.Origin, &c.ValidFrom, &c.ValidUntil); err != nil {
			return nil, fmt.Errorf("error scanning allowlist: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allowlist: %w", err)
	}
	return candidates, nil
}
