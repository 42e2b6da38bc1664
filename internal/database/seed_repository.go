package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// SeedRepository lê a tabela atividade → código de tributação
type SeedRepository struct {
	db     *DB
	logger *logrus.Logger
}

// NewSeedRepository cria o repositório
func NewSeedRepository(db *DB, logger *logrus.Logger) *SeedRepository {
	return &SeedRepository{
		db:     db,
		logger: logger,
	}
}

// SeedCandidates retorna as linhas das atividades informadas, maior peso primeiro
func (r *SeedRepository) SeedCandidates(ctx context.Context, activities []string) ([]models.SeedEntry, error) {
	if len(activities) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT cnae_subclasse, ctribnac, weight, source
		FROM cnae_to_ctribnac_seed
		WHERE cnae_subclasse = ANY($1)
		ORDER BY weight DESC, ctribnac
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(activities))
	if err != nil {
		return nil, fmt.Errorf("error querying seed table: %w", err)
	}
	defer rows.Close()

	var entries []models.SeedEntry
	for rows.Next() {
		var e models.SeedEntry
		if err := rows.Scan(&e.Activity, &e.Code, &e.Weight, &e.Source); err != nil {
			return nil, fmt.Errorf("error scanning seed table: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating seed table: %w", err)
	}
	return entries, nil
}

// Upsert carrega linhas na tabela sem sobrescrever pesos ajustados manualmente
func (r *SeedRepository) Upsert(ctx context.Context, entries []models.SeedEntry) (int, error) {
	inserted := 0
	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO cnae_to_ctribnac_seed (cnae_subclasse, ctribnac, weight, source)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (cnae_subclasse, ctribnac) DO NOTHING
		`
		for _, e := range entries {
			result, err := tx.ExecContext(ctx, query, e.Activity, e.Code, e.Weight, e.Source)
			if err != nil {
				return fmt.Errorf("error inserting seed %s/%s: %w", e.Activity, e.Code, err)
			}
			if n, err := result.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.WithFields(logrus.Fields{
		"entries":  len(entries),
		"inserted": inserted,
	}).Info("Seed table loaded")
	return inserted, nil
}
