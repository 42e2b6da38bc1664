package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hypernova-labs/nfse-service/internal/certificate"
	"github.com/hypernova-labs/nfse-service/internal/certificate/certtest"
	"github.com/hypernova-labs/nfse-service/internal/database"
	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/hypernova-labs/nfse-service/internal/submission"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type testFactory struct {
	mu sync.Mutex
	n  int
}

func (f *testFactory) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("DPS-00000000-0000-4000-8000-%012d", f.n)
}

func (f *testFactory) Now() time.Time {
	return time.Now()
}

func invoiceRequest() *models.InvoiceRequest {
	return &models.InvoiceRequest{
		UserID:         "u-1",
		Identification: models.DPSIdentification{Number: "1", Series: "A", Competence: "2025-05"},
		Provider:       models.ServiceProvider{TaxID: "41568425000189", MunicipalRegistration: "123", MunicipalityCode: "4205704"},
		Recipient: models.ServiceRecipient{
			Name:  "Tomador Ltda",
			TaxID: "11222333000181",
			Email: "tomador@example.com",
			Address: models.Address{
				MunicipalityCode: "4205704", Street: "Rua A", Number: "10", District: "Centro",
				PostalCode: "88495000", State: "SC",
			},
		},
		Service: models.ServiceDetails{
			MunicipalTaxCode: "071001", LC116Item: "07.10", ActivityCode: "8121400",
			Description: "Limpeza predial", MunicipalityCode: "4205704",
			Rate: decimal.RequireFromString("5"), GrossValue: decimal.RequireFromString("1000"),
		},
		Regime: models.TaxRegime{SpecialRegime: "0"},
	}
}

func builtXML(t *testing.T) string {
	t.Helper()
	// contador próprio para não colidir com os Ids gerados pelo pipeline
	doc, err := dps.NewBuilder(&testFactory{n: 1000}).Build(invoiceRequest())
	require.NoError(t, err)
	return doc.XML
}

func encoded(t *testing.T, xml string) string {
	t.Helper()
	payload, err := dps.EncodePayload(xml)
	require.NoError(t, err)
	return payload
}

type fakeValidator struct {
	err   error
	calls int
}

func (f *fakeValidator) Validate(string) error {
	f.calls++
	return f.err
}

// fakeResolver decodifica o bundle do fixture a cada chamada, como o resolver real
type fakeResolver struct {
	fixture *certtest.Fixture
	err     error
	issued  []*certificate.Credential
}

func newFakeResolver(t *testing.T, opts certtest.Options) *fakeResolver {
	return &fakeResolver{fixture: certtest.New(t, opts)}
}

func (f *fakeResolver) Resolve(ctx context.Context, taxpayerID string) (*certificate.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	cred, err := certificate.Decode(f.fixture.Bundle, f.fixture.Passphrase)
	if err != nil {
		return nil, err
	}
	f.issued = append(f.issued, cred)
	return cred, nil
}

// fakeAPI chama a fábrica uma vez por rodada e devolve o resultado roteirizado
type fakeAPI struct {
	rounds    int
	result    *models.EmitResult
	err       error
	envelopes []*submission.Envelope

	pollResult *models.EmitResult
	pollErr    error
	polled     []string

	document    []byte
	downloadErr error
	downloads   int
}

func (f *fakeAPI) Submit(ctx context.Context, factory submission.EnvelopeFactory) (*models.EmitResult, error) {
	rounds := f.rounds
	if rounds == 0 {
		rounds = 1
	}
	for replay := 0; replay < rounds; replay++ {
		env, err := factory(ctx, replay)
		if err != nil {
			return nil, err
		}
		f.envelopes = append(f.envelopes, env)
	}
	if f.err != nil {
		return nil, f.err
	}
	result := *f.result
	result.Attempts = rounds
	return &result, nil
}

func (f *fakeAPI) PollStatus(ctx context.Context, protocol string) (*models.EmitResult, error) {
	f.polled = append(f.polled, protocol)
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	result := *f.pollResult
	return &result, nil
}

func (f *fakeAPI) DownloadDocument(ctx context.Context, accessKey string) ([]byte, string, error) {
	f.downloads++
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	return f.document, "application/pdf", nil
}

type fakeStore struct {
	createErr error
	records   map[string]*models.EmissionRecord
	updates   []models.StatusUpdate
	attached  map[uuid.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*models.EmissionRecord{}, attached: map[uuid.UUID]string{}}
}

func (f *fakeStore) Create(ctx context.Context, record *models.EmissionRecord) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.records[record.Protocol] = record
	return nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id uuid.UUID, update models.StatusUpdate) error {
	f.updates = append(f.updates, update)
	for _, r := range f.records {
		if r.ID == id {
			r.Status = update.Status
			if update.AccessKey != "" {
				r.AccessKey = &update.AccessKey
			}
			return nil
		}
	}
	return database.ErrEmissionNotFound
}

func (f *fakeStore) AttachDocument(ctx context.Context, id uuid.UUID, path string, size int64) error {
	f.attached[id] = path
	return nil
}

func (f *fakeStore) GetByProtocol(ctx context.Context, protocol string) (*models.EmissionRecord, error) {
	if r, ok := f.records[protocol]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%s: %w", protocol, database.ErrEmissionNotFound)
}

func (f *fakeStore) GetByAccessKey(ctx context.Context, accessKey string) (*models.EmissionRecord, error) {
	for _, r := range f.records {
		if r.AccessKey != nil && *r.AccessKey == accessKey {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", accessKey, database.ErrEmissionNotFound)
}

type fakeStorage struct {
	objects map[string][]byte
	types   map[string]string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeStorage) UploadFile(ctx context.Context, bucketName, fileName string, fileData []byte, contentType string) (string, error) {
	key := bucketName + "/" + fileName
	f.objects[key] = append([]byte(nil), fileData...)
	f.types[key] = contentType
	return "s3://" + key, nil
}

func (f *fakeStorage) DownloadFile(ctx context.Context, bucketName, fileName string) ([]byte, error) {
	data, ok := f.objects[bucketName+"/"+fileName]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucketName, fileName, database.ErrObjectNotFound)
	}
	return data, nil
}

func (f *fakeStorage) DeleteFile(ctx context.Context, bucketName, fileName string) error {
	delete(f.objects, bucketName+"/"+fileName)
	delete(f.types, bucketName+"/"+fileName)
	return nil
}

type fakePublisher struct {
	events []models.EmissionEvent
}

func (f *fakePublisher) Publish(ctx context.Context, event models.EmissionEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) Close() {}

type sentNotice struct {
	to     string
	result *models.EmitResult
}

type fakeNotifier struct {
	sent []sentNotice
}

func (f *fakeNotifier) SendAuthorized(ctx context.Context, to string, result *models.EmitResult) error {
	f.sent = append(f.sent, sentNotice{to: to, result: result})
	return nil
}

type fakeScheduler struct {
	scheduled []*models.EmissionRecord
}

func (f *fakeScheduler) SchedulePolling(ctx context.Context, record *models.EmissionRecord) error {
	f.scheduled = append(f.scheduled, record)
	return nil
}

type fakePreflight struct {
	verdict  models.PreflightResult
	requests []models.PreflightRequest
}

func (f *fakePreflight) Preflight(ctx context.Context, req models.PreflightRequest) models.PreflightResult {
	f.requests = append(f.requests, req)
	return f.verdict
}

type fakeRecorder struct {
	outcomes   []string
	signatures []bool
}

func (f *fakeRecorder) ObserveEmission(outcome string, duration time.Duration) {
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeRecorder) ObserveSignature(ok bool) {
	f.signatures = append(f.signatures, ok)
}

type fakeCredentialWriter struct {
	records []*models.CredentialRecord
	err     error
}

func (f *fakeCredentialWriter) Create(ctx context.Context, record *models.CredentialRecord) error {
	if f.err != nil {
		return f.err
	}
	record.ID = uuid.NewString()
	f.records = append(f.records, record)
	return nil
}

type boundAPI struct {
	*fakeAPI
	cert tls.Certificate
}
