package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hypernova-labs/nfse-service/internal/database"
	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// DocumentService entrega o DANFSe, com cache no storage e resumo local quando o ambiente nacional cai
type DocumentService struct {
	api       NationalAPI
	store     EmissionStore
	storage   ObjectStorage
	bucket    string
	generator *DocumentGenerator
	logger    *logrus.Logger
}

// NewDocumentService cria uma nova instância do serviço
func NewDocumentService(api NationalAPI, store EmissionStore, storage ObjectStorage, bucket string, logger *logrus.Logger) *DocumentService {
	return &DocumentService{
		api:       api,
		store:     store,
		storage:   storage,
		bucket:    bucket,
		generator: NewDocumentGenerator(logger),
		logger:    logger,
	}
}

// Download retorna o PDF e o content type do DANFSe da chave de acesso
func (s *DocumentService) Download(ctx context.Context, accessKey string) ([]byte, string, error) {
	key := strings.TrimSpace(accessKey)
	if key == "" {
		return nil, "", &models.EmissionError{Kind: models.KindInputValidation, Field: "chaveAcesso", Message: "access key is required"}
	}
	log := s.logger.WithField("chave_acesso", key)
	path := documentPath(key)

	if s.storage != nil {
		data, err := s.storage.DownloadFile(ctx, s.bucket, path)
		if err == nil {
			log.Debug("DANFSe served from storage cache")
			return data, "application/pdf", nil
		}
		if !errors.Is(err, database.ErrObjectNotFound) {
			log.WithError(err).Warn("DANFSe cache lookup failed")
		}
	}

	data, contentType, err := s.api.DownloadDocument(ctx, key)
	if err != nil {
		if !models.IsKind(err, models.KindUpstreamRetryable) {
			return nil, "", err
		}
		pdf, fallbackErr := s.fallback(ctx, key)
		if fallbackErr != nil {
			log.WithError(fallbackErr).Warn("Local DANFSe summary unavailable")
			return nil, "", err
		}
		log.WithError(err).Warn("National API unavailable, serving local DANFSe summary")
		return pdf, "application/pdf", nil
	}

	s.cache(ctx, key, path, data)
	return data, contentType, nil
}

func (s *DocumentService) cache(ctx context.Context, key, path string, data []byte) {
	if s.storage == nil {
		return
	}
	log := s.logger.WithField("chave_acesso", key)
	if _, err := s.storage.UploadFile(ctx, s.bucket, path, data, "application/pdf"); err != nil {
		log.WithError(err).Warn("Failed to cache DANFSe")
		return
	}
	if s.store == nil {
		return
	}
	record, err := s.store.GetByAccessKey(ctx, key)
	if err != nil {
		log.WithError(err).Debug("DANFSe cached without local emission record")
		return
	}
	if err := s.store.AttachDocument(ctx, record.ID, path, int64(len(data))); err != nil {
		log.WithError(err).Warn("Failed to attach DANFSe to emission record")
	}
}

func (s *DocumentService) fallback(ctx context.Context, key string) ([]byte, error) {
	if s.store == nil {
		return nil, errors.New("no emission store configured")
	}
	record, err := s.store.GetByAccessKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.generator.GenerateSummaryPDF(record, s.archivedSummary(ctx, record))
}

// archivedSummary lê a DPS assinada arquivada na emissão, quando existir
func (s *DocumentService) archivedSummary(ctx context.Context, record *models.EmissionRecord) *dps.Summary {
	if s.storage == nil {
		return nil
	}
	data, err := s.storage.DownloadFile(ctx, s.bucket, archivePath(record.UserID, record.Protocol))
	if err != nil {
		return nil
	}
	summary, err := dps.Inspect(string(data))
	if err != nil {
		return nil
	}
	return summary
}

func documentPath(accessKey string) string {
	return fmt.Sprintf("danfse/%s.pdf", accessKey)
}
