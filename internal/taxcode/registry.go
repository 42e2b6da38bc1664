package taxcode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// BusinessRegistry consulta as atividades econômicas de um CNPJ
type BusinessRegistry interface {
	Lookup(ctx context.Context, taxID string) (*models.BusinessActivities, error)
}

// RegistryCache guarda respostas da consulta cadastral
type RegistryCache interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const registryCachePrefix = "nfse:registry:"

type brasilAPIResponse struct {
	CNPJ                string `json:"cnpj"`
	RazaoSocial         string `json:"razao_social"`
	CNAEFiscal          int64  `json:"cnae_fiscal"`
	CNAEFiscalDescricao string `json:"cnae_fiscal_descricao"`
	CNAEsSecundarios    []struct {
		Codigo    int64  `json:"codigo"`
		Descricao string `json:"descricao"`
	} `json:"cnaes_secundarios"`
}

// BrasilAPI implementa BusinessRegistry sobre a BrasilAPI com cache opcional
type BrasilAPI struct {
	baseURL    string
	httpClient *http.Client
	cache      RegistryCache
	ttl        time.Duration
	logger     *logrus.Logger
}

// NewBrasilAPI cria o cliente; cache pode ser nil
func NewBrasilAPI(baseURL string, timeout time.Duration, cache RegistryCache, ttl time.Duration, logger *logrus.Logger) *BrasilAPI {
	return &BrasilAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		ttl:        ttl,
		logger:     logger,
	}
}

// Lookup retorna atividade principal e secundárias do CNPJ
func (b *BrasilAPI) Lookup(ctx context.Context, taxID string) (*models.BusinessActivities, error) {
	cnpj := dps.OnlyDigits(taxID)
	if len(cnpj) != 14 {
		return nil, &models.EmissionError{Kind: models.KindInputValidation, Field: "cnpj", Message: "registry lookup requires a 14-digit CNPJ"}
	}

	if cached, ok := b.fromCache(ctx, cnpj); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/cnpj/v1/"+cnpj, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error querying business registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("business registry returned status %d", resp.StatusCode)
	}

	var raw brasilAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("error decoding business registry response: %w", err)
	}

	activities := &models.BusinessActivities{
		TaxID: cnpj,
		Name:  raw.RazaoSocial,
		Primary: models.Activity{
			Code:        formatActivity(raw.CNAEFiscal),
			Description: raw.CNAEFiscalDescricao,
		},
	}
	for _, s := range raw.CNAEsSecundarios {
		if s.Codigo == 0 {
			continue
		}
		activities.Secondary = append(activities.Secondary, models.Activity{
			Code:        formatActivity(s.Codigo),
			Description: s.Descricao,
		})
	}

	b.toCache(ctx, cnpj, activities)

	b.logger.WithFields(logrus.Fields{
		"cnpj":        cnpj,
		"primary":     activities.Primary.Code,
		"secondaries": len(activities.Secondary),
	}).Info("Business activities fetched")

	return activities, nil
}

func (b *BrasilAPI) fromCache(ctx context.Context, cnpj string) (*models.BusinessActivities, bool) {
	if b.cache == nil {
		return nil, false
	}
	data, ok, err := b.cache.GetBytes(ctx, registryCachePrefix+cnpj)
	if err != nil {
		b.logger.WithError(err).Warn("Registry cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var activities models.BusinessActivities
	if err := json.Unmarshal(data, &activities); err != nil {
		b.logger.WithField("cnpj", cnpj).Warn("Discarding unreadable registry cache entry")
		if err := b.cache.Delete(ctx, registryCachePrefix+cnpj); err != nil {
			b.logger.WithError(err).Warn("Registry cache delete failed")
		}
		return nil, false
	}
	return &activities, true
}

func (b *BrasilAPI) toCache(ctx context.Context, cnpj string, activities *models.BusinessActivities) {
	if b.cache == nil {
		return
	}
	data, err := json.Marshal(activities)
	if err != nil {
		return
	}
	if err := b.cache.SetBytes(ctx, registryCachePrefix+cnpj, data, b.ttl); err != nil {
		b.logger.WithError(err).Warn("Registry cache write failed")
	}
}

func formatActivity(code int64) string {
	if code <= 0 {
		return ""
	}
	return fmt.Sprintf("%07d", code)
}
