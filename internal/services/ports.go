package services

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/nfse-service/internal/certificate"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/hypernova-labs/nfse-service/internal/submission"
)

// SchemaValidator valida uma DPS contra o XSD
type SchemaValidator interface {
	Validate(xml string) error
}

// CredentialResolver entrega a credencial de assinatura de um contribuinte
type CredentialResolver interface {
	Resolve(ctx context.Context, taxpayerID string) (*certificate.Credential, error)
}

// XMLSigner assina o infDPS com a credencial informada
type XMLSigner interface {
	Sign(xml string, cred *certificate.Credential) (string, error)
}

// NationalAPI é o cliente do ambiente nacional da NFS-e
type NationalAPI interface {
	Submit(ctx context.Context, factory submission.EnvelopeFactory) (*models.EmitResult, error)
	PollStatus(ctx context.Context, protocol string) (*models.EmitResult, error)
	DownloadDocument(ctx context.Context, accessKey string) ([]byte, string, error)
}

// MTLSBinder devolve um cliente que apresenta o certificado do contribuinte
type MTLSBinder func(cert tls.Certificate) NationalAPI

// EmissionStore persiste os registros de emissão
type EmissionStore interface {
	Create(ctx context.Context, record *models.EmissionRecord) error
	UpdateStatus(ctx context.Context, id uuid.UUID, update models.StatusUpdate) error
	AttachDocument(ctx context.Context, id uuid.UUID, path string, size int64) error
	GetByProtocol(ctx context.Context, protocol string) (*models.EmissionRecord, error)
	GetByAccessKey(ctx context.Context, accessKey string) (*models.EmissionRecord, error)
}

// ObjectStorage guarda XML assinado, DANFSe e bundles de certificado
type ObjectStorage interface {
	UploadFile(ctx context.Context, bucketName, fileName string, fileData []byte, contentType string) (string, error)
	DownloadFile(ctx context.Context, bucketName, fileName string) ([]byte, error)
	DeleteFile(ctx context.Context, bucketName, fileName string) error
}

// Notifier avisa o tomador sobre uma NFS-e autorizada
type Notifier interface {
	SendAuthorized(ctx context.Context, to string, result *models.EmitResult) error
}

// PollScheduler agenda a consulta de uma emissão que ficou em fila
type PollScheduler interface {
	SchedulePolling(ctx context.Context, record *models.EmissionRecord) error
}

// Preflighter confere o código de tributação antes da montagem do XML
type Preflighter interface {
	Preflight(ctx context.Context, req models.PreflightRequest) models.PreflightResult
}

// Recorder recebe as métricas do pipeline
type Recorder interface {
	ObserveEmission(outcome string, duration time.Duration)
	ObserveSignature(ok bool)
}

type noopRecorder struct{}

func (noopRecorder) ObserveEmission(string, time.Duration) {}
func (noopRecorder) ObserveSignature(bool)                 {}
