package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/database"
	"github.com/hypernova-labs/nfse-service/internal/events"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// StatusService consulta o ambiente nacional e reconcilia o registro local
type StatusService struct {
	api       NationalAPI
	store     EmissionStore
	publisher events.Publisher
	notifier  Notifier
	logger    *logrus.Logger
}

// NewStatusService cria uma nova instância do serviço
func NewStatusService(api NationalAPI, store EmissionStore, publisher events.Publisher, notifier Notifier, logger *logrus.Logger) *StatusService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &StatusService{
		api:       api,
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
	}
}

// Poll consulta a situação pelo protocolo e grava mudanças de status
func (s *StatusService) Poll(ctx context.Context, protocol string) (*models.EmitResult, error) {
	result, err := s.api.PollStatus(ctx, protocol)
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return result, nil
	}

	log := s.logger.WithFields(logrus.Fields{
		"protocolo": protocol,
		"status":    result.Status,
	})

	record, err := s.store.GetByProtocol(ctx, protocol)
	if err != nil {
		if errors.Is(err, database.ErrEmissionNotFound) {
			log.Debug("No local record for polled protocol")
		} else {
			log.WithError(err).Warn("Failed to load emission record")
		}
		return result, nil
	}

	if !statusChanged(record, result) {
		return result, nil
	}

	update := models.StatusUpdate{
		Status:      result.Status,
		Situacao:    result.Situacao,
		AccessKey:   result.AccessKey,
		NfseNumber:  result.NfseNumber,
		ProcessedAt: parseProcessedAt(result.ProcessedAt),
		Payload:     rawResponse(result.Response),
	}
	if err := s.store.UpdateStatus(ctx, record.ID, update); err != nil {
		return nil, fmt.Errorf("error updating emission status: %w", err)
	}

	log.WithField("previous_status", record.Status).Info("Emission status changed")

	event := models.EmissionEvent{
		EmissionID: record.ID,
		UserID:     record.UserID,
		Protocol:   record.Protocol,
		AccessKey:  result.AccessKey,
		Status:     result.Status,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.WithError(err).Warn("Failed to publish emission event")
	}

	if result.Status == models.EmissionStatusAuthorized && s.notifier != nil && record.RecipientEmail != nil {
		if err := s.notifier.SendAuthorized(ctx, *record.RecipientEmail, result); err != nil {
			log.WithError(err).Warn("Failed to notify recipient")
		}
	}
	return result, nil
}

func statusChanged(record *models.EmissionRecord, result *models.EmitResult) bool {
	if record.Status != result.Status {
		return true
	}
	if result.AccessKey == "" {
		return false
	}
	return record.AccessKey == nil || *record.AccessKey != result.AccessKey
}
