package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/events"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/hypernova-labs/nfse-service/internal/submission"
	"github.com/sirupsen/logrus"
)

// EmissionDeps reúne os colaboradores do pipeline de emissão.
// Store, Storage, Notifier, Scheduler e Preflight são opcionais.
type EmissionDeps struct {
	Validator SchemaValidator
	Resolver  CredentialResolver
	Signer    XMLSigner
	API       NationalAPI
	BindMTLS  MTLSBinder
	Store     EmissionStore
	Storage   ObjectStorage
	Bucket    string
	Publisher events.Publisher
	Notifier  Notifier
	Scheduler PollScheduler
	Preflight Preflighter
	Factory   dps.DocumentFactory
	Recorder  Recorder
}

// EmissionService executa o pipeline decodificar, validar, assinar, enviar e registrar
type EmissionService struct {
	deps    EmissionDeps
	builder *dps.Builder
	logger  *logrus.Logger
}

// NewEmissionService cria uma nova instância do serviço
func NewEmissionService(deps EmissionDeps, logger *logrus.Logger) *EmissionService {
	if deps.Factory == nil {
		deps.Factory = dps.DefaultFactory{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NoopPublisher{}
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	return &EmissionService{
		deps:    deps,
		builder: dps.NewBuilder(deps.Factory),
		logger:  logger,
	}
}

// SetScheduler liga o agendador de polling depois da construção
func (s *EmissionService) SetScheduler(scheduler PollScheduler) {
	s.deps.Scheduler = scheduler
}

// Emit envia uma DPS já montada, compactada em gzip+base64
func (s *EmissionService) Emit(ctx context.Context, req *models.EmitRequest) (*models.EmitResult, error) {
	start := time.Now()
	result, err := s.emit(ctx, req)
	s.observe(start, result, err)
	return result, err
}

func (s *EmissionService) emit(ctx context.Context, req *models.EmitRequest) (*models.EmitResult, error) {
	payload := req.Payload()
	if payload == "" {
		return nil, models.NewInputValidationError([]models.ErrorDetail{
			{Field: "dpsXmlGzipB64", Issue: "required"},
		})
	}
	versao := req.Versao
	if versao == "" {
		versao = dps.Versao
	}

	xml, err := dps.DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	xml = dps.CleanXML(xml)

	if err := s.deps.Validator.Validate(xml); err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": req.UserID,
			"error":   err.Error(),
		}).Warn("DPS rejected by schema validation")
		return nil, err
	}

	summary, err := dps.Inspect(xml)
	if err != nil {
		return nil, models.WrapEmissionError(models.KindSchemaInvalid, "DPS could not be read", err)
	}

	return s.submit(ctx, req.UserID, versao, xml, summary)
}

// EmitInvoice monta a DPS a partir da requisição estruturada e emite
func (s *EmissionService) EmitInvoice(ctx context.Context, req *models.InvoiceRequest) (*models.EmitResult, error) {
	start := time.Now()
	result, err := s.emitInvoice(ctx, req)
	s.observe(start, result, err)
	return result, err
}

func (s *EmissionService) emitInvoice(ctx context.Context, req *models.InvoiceRequest) (*models.EmitResult, error) {
	if err := dps.Validate(req); err != nil {
		return nil, err
	}

	if s.deps.Preflight != nil {
		verdict := s.deps.Preflight.Preflight(ctx, models.PreflightRequest{
			TaxpayerID:   req.Provider.TaxID,
			Code:         req.Service.MunicipalTaxCode,
			Municipality: req.Service.MunicipalityCode,
			Competence:   req.Identification.Competence,
			Item:         req.Service.LC116Item,
		})
		if !verdict.Valid {
			return nil, &models.EmissionError{
				Kind:    models.KindInputValidation,
				Field:   "servico.codigoTributacaoMunicipio",
				Message: verdict.Reason,
				Hint:    "resolve the tax code for this municipality and competence before emitting",
				Issues: []models.ErrorDetail{
					{Field: "servico.codigoTributacaoMunicipio", Issue: verdict.Reason},
				},
			}
		}
		if verdict.Reason != "" {
			s.logger.WithFields(logrus.Fields{
				"user_id": req.UserID,
				"code":    req.Service.MunicipalTaxCode,
				"reason":  verdict.Reason,
			}).Info("Preflight accepted code without municipal confirmation")
		}
	}

	doc, err := s.builder.Build(req)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Validator.Validate(doc.XML); err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": req.UserID,
			"dps_id":  doc.ID,
			"error":   err.Error(),
		}).Error("Built DPS failed schema validation")
		return nil, err
	}

	summary, err := dps.Inspect(doc.XML)
	if err != nil {
		return nil, models.WrapEmissionError(models.KindSchemaInvalid, "DPS could not be read", err)
	}
	return s.submit(ctx, req.UserID, dps.Versao, doc.XML, summary)
}

func (s *EmissionService) submit(ctx context.Context, userID, versao, xml string, summary *dps.Summary) (*models.EmitResult, error) {
	session := &signingSession{
		resolver: s.deps.Resolver,
		signer:   s.deps.Signer,
		recorder: s.deps.Recorder,
		logger:   s.logger,
		now:      s.deps.Factory.Now,
		userID:   userID,
		taxID:    summary.ProviderTaxID,
	}
	defer session.close()

	var last *submission.Envelope
	factory := func(ctx context.Context, replay int) (*submission.Envelope, error) {
		doc, id := xml, summary.ID
		if replay > 0 && last != nil {
			// parte da tentativa anterior para que a data de emissão avance
			refreshed, newID, err := dps.Refresh(last.XML, s.deps.Factory)
			if err != nil {
				return nil, models.WrapEmissionError(models.KindSchemaInvalid, "DPS could not be rebuilt for replay", err)
			}
			doc, id = refreshed, newID
			s.logger.WithFields(logrus.Fields{
				"user_id": userID,
				"replay":  replay,
				"dps_id":  id,
			}).Info("Rebuilding DPS with fresh identity for replay")
		}

		if !dps.IsSigned(doc) {
			signed, err := session.sign(ctx, doc)
			if err != nil {
				return nil, err
			}
			doc = signed
		}

		payload, err := dps.EncodePayload(doc)
		if err != nil {
			return nil, err
		}
		last = &submission.Envelope{Versao: versao, Payload: payload, DocumentID: id, XML: doc}
		return last, nil
	}

	api := s.deps.API
	if s.deps.BindMTLS != nil {
		cred, err := session.credential(ctx)
		if err != nil {
			return nil, err
		}
		cert, err := cred.TLSCertificate()
		if err != nil {
			return nil, models.WrapEmissionError(models.KindCredentialMalformed, "client certificate unavailable", err)
		}
		api = s.deps.BindMTLS(cert)
	}

	result, err := api.Submit(ctx, factory)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"dps_id":  summary.ID,
			"kind":    models.KindOf(err),
			"error":   err.Error(),
		}).Error("DPS emission failed")
		return nil, err
	}
	if result.Protocol == "" && last != nil {
		result.Protocol = last.DocumentID
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"protocolo":   result.Protocol,
		"status":      result.Status,
		"chaveAcesso": result.AccessKey,
		"tentativas":  result.Attempts,
	}).Info("DPS accepted by national API")

	// a nota já existe no ambiente nacional; o registro local não depende do chamador
	s.afterSubmit(context.WithoutCancel(ctx), userID, last, summary, result)
	return result, nil
}

func (s *EmissionService) afterSubmit(ctx context.Context, userID string, env *submission.Envelope, summary *dps.Summary, result *models.EmitResult) {
	log := s.logger.WithFields(logrus.Fields{
		"user_id":   userID,
		"protocolo": result.Protocol,
	})

	record := &models.EmissionRecord{
		ID:             uuid.New(),
		UserID:         userID,
		Protocol:       result.Protocol,
		AccessKey:      optional(result.AccessKey),
		NfseNumber:     optional(result.NfseNumber),
		Status:         result.Status,
		Situacao:       result.Situacao,
		Response:       rawResponse(result.Response),
		RecipientEmail: optional(summary.RecipientEmail),
		ProcessedAt:    parseProcessedAt(result.ProcessedAt),
	}
	if env != nil {
		record.XMLHash = hashXML(env.XML)
	}

	if s.deps.Store != nil {
		if err := s.deps.Store.Create(ctx, record); err != nil {
			log.WithError(err).Error("Failed to persist emission record")
		}
	}

	if s.deps.Storage != nil && env != nil {
		path := archivePath(userID, result.Protocol)
		if _, err := s.deps.Storage.UploadFile(ctx, s.deps.Bucket, path, []byte(env.XML), "application/xml"); err != nil {
			log.WithError(err).Warn("Failed to archive signed DPS")
		}
	}

	if err := s.deps.Publisher.Publish(ctx, eventFor(record)); err != nil {
		log.WithError(err).Warn("Failed to publish emission event")
	}

	switch result.Status {
	case models.EmissionStatusAuthorized:
		if s.deps.Notifier != nil && summary.RecipientEmail != "" {
			if err := s.deps.Notifier.SendAuthorized(ctx, summary.RecipientEmail, result); err != nil {
				log.WithError(err).Warn("Failed to notify recipient")
			}
		}
	case models.EmissionStatusQueued:
		if s.deps.Scheduler != nil {
			if err := s.deps.Scheduler.SchedulePolling(ctx, record); err != nil {
				log.WithError(err).Warn("Failed to schedule status polling")
			}
		}
	}
}

func (s *EmissionService) observe(start time.Time, result *models.EmitResult, err error) {
	outcome := "error"
	switch {
	case err != nil:
		if kind := models.KindOf(err); kind != "" {
			outcome = string(kind)
		}
	case result != nil:
		outcome = string(result.Status)
	}
	s.deps.Recorder.ObserveEmission(outcome, time.Since(start))
}

func eventFor(record *models.EmissionRecord) models.EmissionEvent {
	event := models.EmissionEvent{
		EmissionID: record.ID,
		UserID:     record.UserID,
		Protocol:   record.Protocol,
		Status:     record.Status,
		OccurredAt: time.Now().UTC(),
	}
	if record.AccessKey != nil {
		event.AccessKey = *record.AccessKey
	}
	return event
}

func archivePath(userID, protocol string) string {
	return fmt.Sprintf("xml/%s/%s.xml", userID, protocol)
}

func hashXML(xml string) string {
	sum := sha256.Sum256([]byte(xml))
	return hex.EncodeToString(sum[:])
}

func rawResponse(v any) json.RawMessage {
	switch r := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return r
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func parseProcessedAt(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
