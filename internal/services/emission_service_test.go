package services

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"

	"github.com/hypernova-labs/nfse-service/internal/certificate"
	"github.com/hypernova-labs/nfse-service/internal/certificate/certtest"
	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/hypernova-labs/nfse-service/internal/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeline struct {
	svc       *EmissionService
	validator *fakeValidator
	resolver  *fakeResolver
	api       *fakeAPI
	store     *fakeStore
	storage   *fakeStorage
	publisher *fakePublisher
	notifier  *fakeNotifier
	scheduler *fakeScheduler
	preflight *fakePreflight
	recorder  *fakeRecorder
}

func newPipeline(t *testing.T, result *models.EmitResult, mutate func(*EmissionDeps)) *pipeline {
	t.Helper()
	s, err := signer.NewSigner(signer.AlgorithmRSASHA256, testLogger())
	require.NoError(t, err)

	p := &pipeline{
		validator: &fakeValidator{},
		resolver:  newFakeResolver(t, certtest.Options{}),
		api:       &fakeAPI{result: result},
		store:     newFakeStore(),
		storage:   newFakeStorage(),
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
		scheduler: &fakeScheduler{},
		preflight: &fakePreflight{verdict: models.PreflightResult{Valid: true}},
		recorder:  &fakeRecorder{},
	}
	deps := EmissionDeps{
		Validator: p.validator,
		Resolver:  p.resolver,
		Signer:    s,
		API:       p.api,
		Store:     p.store,
		Storage:   p.storage,
		Bucket:    "docs",
		Publisher: p.publisher,
		Notifier:  p.notifier,
		Scheduler: p.scheduler,
		Preflight: p.preflight,
		Factory:   &testFactory{},
		Recorder:  p.recorder,
	}
	if mutate != nil {
		mutate(&deps)
	}
	p.svc = NewEmissionService(deps, testLogger())
	return p
}

func authorized() *models.EmitResult {
	return &models.EmitResult{
		Protocol:    "PROT-1",
		AccessKey:   "42050000000000000000000000000000000000000000000001",
		NfseNumber:  "17",
		Status:      models.EmissionStatusAuthorized,
		Situacao:    "AUTORIZADA",
		ProcessedAt: "2025-05-10T12:00:00-03:00",
	}
}

func TestEmitSignsUnsignedPayload(t *testing.T) {
	p := newPipeline(t, authorized(), nil)

	result, err := p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", Versao: "1.00", DpsXmlGzipB64: encoded(t, builtXML(t)),
	})
	require.NoError(t, err)
	assert.Equal(t, "PROT-1", result.Protocol)
	assert.Equal(t, models.EmissionStatusAuthorized, result.Status)

	require.Len(t, p.api.envelopes, 1)
	env := p.api.envelopes[0]
	assert.Equal(t, "1.00", env.Versao)
	assert.True(t, dps.IsSigned(env.XML))
	_, err = signer.Verify(env.XML)
	require.NoError(t, err)

	decoded, err := dps.DecodePayload(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, env.XML, decoded)

	record := p.store.records["PROT-1"]
	require.NotNil(t, record)
	assert.Equal(t, "u-1", record.UserID)
	assert.Equal(t, hashXML(env.XML), record.XMLHash)
	require.NotNil(t, record.AccessKey)
	assert.Equal(t, result.AccessKey, *record.AccessKey)
	require.NotNil(t, record.ProcessedAt)

	assert.Equal(t, []byte(env.XML), p.storage.objects["docs/xml/u-1/PROT-1.xml"])
	require.Len(t, p.publisher.events, 1)
	assert.Equal(t, record.ID, p.publisher.events[0].EmissionID)

	require.Len(t, p.notifier.sent, 1)
	assert.Equal(t, "tomador@example.com", p.notifier.sent[0].to)
	assert.Empty(t, p.scheduler.scheduled)

	require.Len(t, p.resolver.issued, 1)
	assert.True(t, p.resolver.issued[0].Destroyed())
	assert.Equal(t, []bool{true}, p.recorder.signatures)
	assert.Equal(t, []string{"AUTORIZADA"}, p.recorder.outcomes)
}

func TestEmitPassesThroughSignedPayload(t *testing.T) {
	p := newPipeline(t, authorized(), nil)

	fx := certtest.New(t, certtest.Options{})
	s, err := signer.NewSigner(signer.AlgorithmRSASHA256, testLogger())
	require.NoError(t, err)
	signed, err := s.Sign(builtXML(t), &certificate.Credential{Certificate: fx.Cert, PrivateKey: fx.Key})
	require.NoError(t, err)

	_, err = p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", Versao: "1.00", DpsXmlGzipB64Legacy: encoded(t, signed),
	})
	require.NoError(t, err)

	assert.Empty(t, p.resolver.issued)
	require.Len(t, p.api.envelopes, 1)
	assert.Equal(t, dps.CleanXML(signed), p.api.envelopes[0].XML)
	_, err = signer.Verify(p.api.envelopes[0].XML)
	assert.NoError(t, err)
}

func TestEmitRequiresPayload(t *testing.T) {
	p := newPipeline(t, authorized(), nil)

	_, err := p.svc.Emit(context.Background(), &models.EmitRequest{UserID: "u-1", Versao: "1.00"})
	assert.True(t, models.IsKind(err, models.KindInputValidation))
	assert.Equal(t, 0, p.validator.calls)
	assert.Equal(t, []string{string(models.KindInputValidation)}, p.recorder.outcomes)
}

func TestEmitSchemaFailureStopsBeforeSigning(t *testing.T) {
	p := newPipeline(t, authorized(), nil)
	p.validator.err = &models.EmissionError{Kind: models.KindSchemaInvalid, Message: "competencia"}

	_, err := p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", DpsXmlGzipB64: encoded(t, builtXML(t)),
	})
	assert.True(t, models.IsKind(err, models.KindSchemaInvalid))
	assert.Empty(t, p.resolver.issued)
	assert.Empty(t, p.api.envelopes)
}

func TestEmitReplayRefreshesIdentity(t *testing.T) {
	p := newPipeline(t, authorized(), nil)
	p.api.rounds = 3

	xml := builtXML(t)
	original, err := dps.Inspect(xml)
	require.NoError(t, err)

	result, err := p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", Versao: "1.00", DpsXmlGzipB64: encoded(t, xml),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)

	require.Len(t, p.api.envelopes, 3)
	ids := map[string]bool{}
	stamps := map[string]bool{}
	for _, env := range p.api.envelopes {
		ids[env.DocumentID] = true
		summary, err := dps.Inspect(env.XML)
		require.NoError(t, err)
		assert.Equal(t, env.DocumentID, summary.ID)
		stamps[summary.IssuedAt] = true
		_, err = signer.Verify(env.XML)
		assert.NoError(t, err)
	}
	assert.Len(t, ids, 3)
	assert.Len(t, stamps, 3)
	assert.Equal(t, original.ID, p.api.envelopes[0].DocumentID)

	// a credencial é resolvida uma vez e destruída ao final
	require.Len(t, p.resolver.issued, 1)
	assert.True(t, p.resolver.issued[0].Destroyed())
	assert.Equal(t, hashXML(p.api.envelopes[2].XML), p.store.records["PROT-1"].XMLHash)
}

func TestEmitRejectsMismatchedCertificate(t *testing.T) {
	p := newPipeline(t, authorized(), nil)
	p.resolver = newFakeResolver(t, certtest.Options{CommonName: "OUTRA EMPRESA:11222333000181"})
	p.svc.deps.Resolver = p.resolver

	_, err := p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", DpsXmlGzipB64: encoded(t, builtXML(t)),
	})
	assert.True(t, models.IsKind(err, models.KindCredentialMismatch))
	assert.Empty(t, p.api.envelopes)
	require.Len(t, p.resolver.issued, 1)
	assert.True(t, p.resolver.issued[0].Destroyed())
}

func TestEmitMissingVaultCredential(t *testing.T) {
	p := newPipeline(t, authorized(), nil)
	p.resolver.err = errors.Join(errors.New("vault"), certificate.ErrCredentialNotFound)

	_, err := p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", DpsXmlGzipB64: encoded(t, builtXML(t)),
	})
	emissionErr, ok := models.AsEmissionError(err)
	require.True(t, ok)
	assert.Equal(t, models.KindCredentialMalformed, emissionErr.Kind)
	assert.NotEmpty(t, emissionErr.Hint)
}

func TestEmitUpstreamFailureIsNotPersisted(t *testing.T) {
	p := newPipeline(t, authorized(), nil)
	p.api.err = &models.EmissionError{Kind: models.KindUpstreamTerminal, HTTPStatus: 400}

	_, err := p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", DpsXmlGzipB64: encoded(t, builtXML(t)),
	})
	assert.True(t, models.IsKind(err, models.KindUpstreamTerminal))
	assert.Empty(t, p.store.records)
	assert.Empty(t, p.publisher.events)
	assert.True(t, p.resolver.issued[0].Destroyed())
}

func TestEmitQueuedSchedulesPolling(t *testing.T) {
	p := newPipeline(t, &models.EmitResult{Protocol: "PROT-Q", Status: models.EmissionStatusQueued}, nil)

	_, err := p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", DpsXmlGzipB64: encoded(t, builtXML(t)),
	})
	require.NoError(t, err)

	require.Len(t, p.scheduler.scheduled, 1)
	assert.Equal(t, "PROT-Q", p.scheduler.scheduled[0].Protocol)
	assert.Empty(t, p.notifier.sent)
}

func TestEmitPersistFailureStillReturnsResult(t *testing.T) {
	p := newPipeline(t, authorized(), nil)
	p.store.createErr = errors.New("connection refused")

	result, err := p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", DpsXmlGzipB64: encoded(t, builtXML(t)),
	})
	require.NoError(t, err)
	assert.Equal(t, "PROT-1", result.Protocol)
	assert.Len(t, p.publisher.events, 1)
}

func TestEmitWithoutProtocolUsesDocumentID(t *testing.T) {
	p := newPipeline(t, &models.EmitResult{Status: models.EmissionStatusQueued}, nil)

	result, err := p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", DpsXmlGzipB64: encoded(t, builtXML(t)),
	})
	require.NoError(t, err)
	assert.Equal(t, p.api.envelopes[0].DocumentID, result.Protocol)
}

func TestEmitMTLSBindsClientCertificate(t *testing.T) {
	var bound *boundAPI
	p := newPipeline(t, authorized(), nil)
	p.svc.deps.BindMTLS = func(cert tls.Certificate) NationalAPI {
		bound = &boundAPI{fakeAPI: p.api, cert: cert}
		return bound
	}

	_, err := p.svc.Emit(context.Background(), &models.EmitRequest{
		UserID: "u-1", DpsXmlGzipB64: encoded(t, builtXML(t)),
	})
	require.NoError(t, err)

	require.NotNil(t, bound)
	require.NotEmpty(t, bound.cert.Certificate)
	assert.Equal(t, p.resolver.fixture.Cert.Raw, bound.cert.Certificate[0])
	assert.Len(t, p.api.envelopes, 1)
	// mesma sessão serve o mTLS e a assinatura
	assert.Len(t, p.resolver.issued, 1)
}

func TestEmitInvoiceRunsPreflightThenBuilds(t *testing.T) {
	p := newPipeline(t, authorized(), nil)

	result, err := p.svc.EmitInvoice(context.Background(), invoiceRequest())
	require.NoError(t, err)
	assert.Equal(t, "PROT-1", result.Protocol)

	require.Len(t, p.preflight.requests, 1)
	assert.Equal(t, models.PreflightRequest{
		TaxpayerID:   "41568425000189",
		Code:         "071001",
		Municipality: "4205704",
		Competence:   "2025-05",
		Item:         "07.10",
	}, p.preflight.requests[0])

	assert.Equal(t, 1, p.validator.calls)
	require.Len(t, p.api.envelopes, 1)
	assert.Equal(t, dps.Versao, p.api.envelopes[0].Versao)
	_, err = signer.Verify(p.api.envelopes[0].XML)
	assert.NoError(t, err)
}

func TestEmitInvoicePreflightBlocks(t *testing.T) {
	p := newPipeline(t, authorized(), nil)
	p.preflight.verdict = models.PreflightResult{Valid: false, Reason: "code 071001 is not administered by municipality 4205704"}

	_, err := p.svc.EmitInvoice(context.Background(), invoiceRequest())
	emissionErr, ok := models.AsEmissionError(err)
	require.True(t, ok)
	assert.Equal(t, models.KindInputValidation, emissionErr.Kind)
	assert.Equal(t, "servico.codigoTributacaoMunicipio", emissionErr.Field)
	assert.Contains(t, emissionErr.Message, "071001")
	assert.Empty(t, p.api.envelopes)
	assert.Empty(t, p.resolver.issued)
}

func TestEmitInvoiceRejectsInvalidRequest(t *testing.T) {
	p := newPipeline(t, authorized(), nil)
	req := invoiceRequest()
	req.Provider.TaxID = "123"

	_, err := p.svc.EmitInvoice(context.Background(), req)
	assert.True(t, models.IsKind(err, models.KindInputValidation))
	assert.Empty(t, p.preflight.requests)
}
