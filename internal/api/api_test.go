package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	result  *models.EmitResult
	err     error
	request *models.EmitRequest
	invoice *models.InvoiceRequest
}

func (f *fakeEmitter) Emit(ctx context.Context, req *models.EmitRequest) (*models.EmitResult, error) {
	f.request = req
	return f.result, f.err
}

func (f *fakeEmitter) EmitInvoice(ctx context.Context, req *models.InvoiceRequest) (*models.EmitResult, error) {
	f.invoice = req
	return f.result, f.err
}

type fakeStatus struct {
	result   *models.EmitResult
	err      error
	protocol string
}

func (f *fakeStatus) Poll(ctx context.Context, protocol string) (*models.EmitResult, error) {
	f.protocol = protocol
	return f.result, f.err
}

type fakeDocuments struct {
	data []byte
	err  error
	key  string
}

func (f *fakeDocuments) Download(ctx context.Context, accessKey string) ([]byte, string, error) {
	f.key = accessKey
	return f.data, "application/pdf", f.err
}

type fakeTaxCodes struct {
	resolution *models.Resolution
	codes      []models.TaxCodeCandidate
	err        error
	key        models.AllowlistKey
	manual     models.ManualCodeRequest
	preflight  models.PreflightResult
}

func (f *fakeTaxCodes) Resolve(ctx context.Context, req models.ResolveRequest) (*models.Resolution, error) {
	return f.resolution, f.err
}

func (f *fakeTaxCodes) Allowlist(ctx context.Context, key models.AllowlistKey) ([]models.TaxCodeCandidate, error) {
	f.key = key
	return f.codes, f.err
}

func (f *fakeTaxCodes) AddManual(ctx context.Context, req models.ManualCodeRequest) ([]models.TaxCodeCandidate, error) {
	f.manual = req
	return f.codes, f.err
}

func (f *fakeTaxCodes) Preflight(ctx context.Context, req models.PreflightRequest) models.PreflightResult {
	return f.preflight
}

type fakeCredentials struct {
	status *models.CertificateStatus
	err    error
}

func (f *fakeCredentials) Register(ctx context.Context, req *models.CredentialUploadRequest) (*models.CertificateStatus, error) {
	return f.status, f.err
}

type fixture struct {
	emitter     *fakeEmitter
	status      *fakeStatus
	documents   *fakeDocuments
	taxCodes    *fakeTaxCodes
	credentials *fakeCredentials
	router      *gin.Engine
}

func newFixture(apiKey string) *fixture {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := &fixture{
		emitter:     &fakeEmitter{},
		status:      &fakeStatus{},
		documents:   &fakeDocuments{},
		taxCodes:    &fakeTaxCodes{},
		credentials: &fakeCredentials{},
		router:      gin.New(),
	}
	NewAPI(f.emitter, f.status, f.documents, f.taxCodes, f.credentials, apiKey, logger).RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorInfo {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

const emitBody = `{"userId":"u-1","versao":"1.00","dpsXmlGzipB64":"H4sI"}`

func TestEmitReturnsResult(t *testing.T) {
	f := newFixture("")
	f.emitter.result = &models.EmitResult{Protocol: "P-1", Status: models.EmissionStatusAuthorized, AccessKey: "K-1", Attempts: 1}

	w := f.do(http.MethodPost, "/v1/nfse/emit", emitBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result models.EmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "P-1", result.Protocol)
	assert.Equal(t, "K-1", result.AccessKey)
	assert.Equal(t, "u-1", f.emitter.request.UserID)
	assert.Equal(t, "H4sI", f.emitter.request.Payload())
}

func TestEmitRejectsMalformedBody(t *testing.T) {
	f := newFixture("")

	w := f.do(http.MethodPost, "/v1/nfse/emit", `{"versao":"1.00"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(models.ErrorCodeInvalidRequest), decodeError(t, w).Code)
	assert.Nil(t, f.emitter.request)
}

func TestEmitErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   models.ErrorCode
	}{
		{"input", models.NewInputValidationError([]models.ErrorDetail{{Field: "dpsXmlGzipB64", Issue: "is required"}}), http.StatusBadRequest, models.ErrorCodeInvalidRequest},
		{"schema", &models.EmissionError{Kind: models.KindSchemaInvalid, Message: "XML does not match schema"}, http.StatusUnprocessableEntity, models.ErrorCodeSchemaInvalid},
		{"expired", &models.EmissionError{Kind: models.KindCredentialExpired, Message: "certificate expired"}, http.StatusUnprocessableEntity, models.ErrorCodeCredentialExpired},
		{"terminal", &models.EmissionError{Kind: models.KindUpstreamTerminal, HTTPStatus: 400, UpstreamCode: "E0312"}, http.StatusUnprocessableEntity, models.ErrorCodeUpstreamTerminal},
		{"retryable", &models.EmissionError{Kind: models.KindUpstreamRetryable, Message: "national API circuit open"}, http.StatusServiceUnavailable, models.ErrorCodeUpstreamRetryable},
		{"uncataloged", &models.EmissionError{Kind: models.KindUncatalogedUpstream, HTTPStatus: 418}, http.StatusBadGateway, models.ErrorCodeUpstreamUncataloged},
		{"cancelled", &models.EmissionError{Kind: models.KindCancelled, Message: "request cancelled"}, http.StatusGatewayTimeout, models.ErrorCodeCancelled},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, models.ErrorCodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture("")
			f.emitter.err = tc.err

			w := f.do(http.MethodPost, "/v1/nfse/emit", emitBody, nil)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, string(tc.code), decodeError(t, w).Code)
		})
	}
}

func TestTerminalErrorKeepsUpstreamBodyOutOfResponse(t *testing.T) {
	f := newFixture("")
	f.emitter.err = &models.EmissionError{
		Kind:         models.KindUpstreamTerminal,
		HTTPStatus:   400,
		UpstreamCode: "E0312",
		Message:      "codigo de tributacao nao administrado",
		Body:         `{"erros":[{"Codigo":"E0312","Descricao":"interno"}]}`,
		Rejection:    &models.Rejection{ServiceCode: "071001", Municipality: "4205704", Competence: "2025-05"},
	}

	w := f.do(http.MethodPost, "/v1/nfse/emit", emitBody, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotContains(t, w.Body.String(), "interno")

	info := decodeError(t, w)
	assert.Contains(t, info.Details, models.ErrorDetail{Field: "codigo", Issue: "E0312"})
	assert.Contains(t, info.Details, models.ErrorDetail{Field: "codigoServico", Issue: "071001"})
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture("secret")
	f.emitter.result = &models.EmitResult{Protocol: "P-1", Status: models.EmissionStatusQueued}

	w := f.do(http.MethodPost, "/v1/nfse/emit", emitBody, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "API key required", decodeError(t, w).Message)

	w = f.do(http.MethodPost, "/v1/nfse/emit", emitBody, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/v1/nfse/emit", emitBody, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/v1/nfse/emit", emitBody, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetStatus(t *testing.T) {
	f := newFixture("")
	f.status.result = &models.EmitResult{Protocol: "P-9", Status: models.EmissionStatusRejected}

	w := f.do(http.MethodGet, "/v1/nfse/P-9", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "P-9", f.status.protocol)
	assert.Contains(t, w.Body.String(), `"protocolo":"P-9"`)
}

func TestGetStatusUnknownProtocol(t *testing.T) {
	f := newFixture("")
	f.status.err = &models.EmissionError{Kind: models.KindUpstreamTerminal, HTTPStatus: http.StatusNotFound}

	w := f.do(http.MethodGet, "/v1/nfse/P-404", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadDANFSeIsPublic(t *testing.T) {
	f := newFixture("secret")
	f.documents.data = []byte("%PDF-1.3")

	w := f.do(http.MethodGet, "/v1/nfse/K-1/danfse", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "K-1", f.documents.key)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "danfse-K-1.pdf")
	assert.Equal(t, "%PDF-1.3", w.Body.String())
}

func TestPreflight(t *testing.T) {
	f := newFixture("")
	f.taxCodes.preflight = models.PreflightResult{Valid: false, Reason: "code not administered by municipality"}

	w := f.do(http.MethodPost, "/v1/taxcodes/preflight",
		`{"codigo":"071001","codigoMunicipio":"4205704","competencia":"2025-05"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result models.PreflightResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Valid)
	assert.Equal(t, "code not administered by municipality", result.Reason)
}

func TestPreflightValidatesMunicipality(t *testing.T) {
	f := newFixture("")

	w := f.do(http.MethodPost, "/v1/taxcodes/preflight",
		`{"codigo":"071001","codigoMunicipio":"42","competencia":"2025-05"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveNoCandidate(t *testing.T) {
	f := newFixture("")
	f.taxCodes.err = &models.EmissionError{Kind: models.KindNoTaxCodeCandidate, Message: "no tax code candidate found"}

	w := f.do(http.MethodPost, "/v1/taxcodes/resolve",
		`{"cnpj":"41568425000189","codigoMunicipio":"4205704","competencia":"2025-05"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(models.ErrorCodeNoTaxCode), decodeError(t, w).Code)
}

func TestGetAllowlistReadsQuery(t *testing.T) {
	f := newFixture("")
	f.taxCodes.codes = []models.TaxCodeCandidate{{Code: "071001", Origin: models.TaxCodeOriginAuto}}

	w := f.do(http.MethodGet, "/v1/taxcodes/allowlist?cnpj=41568425000189&codigoMunicipio=4205704&competencia=2025-05", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.AllowlistKey{TaxpayerID: "41568425000189", Municipality: "4205704", Competence: "2025-05"}, f.taxCodes.key)
	assert.Contains(t, w.Body.String(), `"codigo":"071001"`)
}

func TestAddAllowlistCode(t *testing.T) {
	f := newFixture("")
	f.taxCodes.codes = []models.TaxCodeCandidate{{Code: "140101"}}

	w := f.do(http.MethodPost, "/v1/taxcodes/allowlist",
		`{"chave":{"cnpj":"41568425000189","codigoMunicipio":"4205704","competencia":"2025-05"},"codigo":"140101"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "140101", f.taxCodes.manual.Code)
	assert.Equal(t, "4205704", f.taxCodes.manual.Key.Municipality)
}

func TestRegisterCredential(t *testing.T) {
	f := newFixture("")
	f.credentials.status = &models.CertificateStatus{SubjectTaxID: "41568425000189"}

	w := f.do(http.MethodPost, "/v1/credentials", `{"userId":"u-1","pfxBase64":"MIIK","senha":"x"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "41568425000189")
}

func TestRegisterCredentialMismatch(t *testing.T) {
	f := newFixture("")
	f.credentials.err = &models.EmissionError{Kind: models.KindCredentialMismatch, Message: "certificate does not belong to taxpayer"}

	w := f.do(http.MethodPost, "/v1/credentials", `{"userId":"u-1","pfxBase64":"MIIK"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(models.ErrorCodeCredentialMismatch), decodeError(t, w).Code)
}
