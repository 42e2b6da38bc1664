package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// Emitter emite DPS a partir do XML compactado ou do pedido estruturado
type Emitter interface {
	Emit(ctx context.Context, req *models.EmitRequest) (*models.EmitResult, error)
	EmitInvoice(ctx context.Context, req *models.InvoiceRequest) (*models.EmitResult, error)
}

// StatusChecker consulta a situação de uma emissão pelo protocolo
type StatusChecker interface {
	Poll(ctx context.Context, protocol string) (*models.EmitResult, error)
}

// DocumentDownloader obtém o DANFSe pela chave de acesso
type DocumentDownloader interface {
	Download(ctx context.Context, accessKey string) ([]byte, string, error)
}

// TaxCodes resolve e mantém a allowlist de códigos de tributação
type TaxCodes interface {
	Resolve(ctx context.Context, req models.ResolveRequest) (*models.Resolution, error)
	Allowlist(ctx context.Context, key models.AllowlistKey) ([]models.TaxCodeCandidate, error)
	AddManual(ctx context.Context, req models.ManualCodeRequest) ([]models.TaxCodeCandidate, error)
	Preflight(ctx context.Context, req models.PreflightRequest) models.PreflightResult
}

// CredentialRegistrar guarda certificados A1 enviados pelo contribuinte
type CredentialRegistrar interface {
	Register(ctx context.Context, req *models.CredentialUploadRequest) (*models.CertificateStatus, error)
}

// API maneja todos os endpoints da API
type API struct {
	emitter     Emitter
	status      StatusChecker
	documents   DocumentDownloader
	taxCodes    TaxCodes
	credentials CredentialRegistrar
	apiKey      string
	logger      *logrus.Logger
}

// NewAPI cria uma nova instância da API; apiKey vazia desativa a autenticação
func NewAPI(
	emitter Emitter,
	status StatusChecker,
	documents DocumentDownloader,
	taxCodes TaxCodes,
	credentials CredentialRegistrar,
	apiKey string,
	logger *logrus.Logger,
) *API {
	return &API{
		emitter:     emitter,
		status:      status,
		documents:   documents,
		taxCodes:    taxCodes,
		credentials: credentials,
		apiKey:      apiKey,
		logger:      logger,
	}
}

// RegisterRoutes monta as rotas v1 no router
func (api *API) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/v1")

	// O link do e-mail de autorização abre o DANFSe sem credenciais
	v1.GET("/nfse/:id/danfse", api.DownloadDANFSe)

	protected := v1.Group("")
	protected.Use(api.AuthMiddleware())
	{
		protected.POST("/nfse/emit", api.Emit)
		protected.POST("/nfse/emit-invoice", api.EmitInvoice)
		protected.GET("/nfse/:id", api.GetStatus)

		protected.POST("/taxcodes/preflight", api.Preflight)
		protected.POST("/taxcodes/resolve", api.ResolveTaxCodes)
		protected.GET("/taxcodes/allowlist", api.GetAllowlist)
		protected.POST("/taxcodes/allowlist", api.AddAllowlistCode)

		protected.POST("/credentials", api.RegisterCredential)
	}
}

// Emit envia um XML de DPS já montado
func (api *API) Emit(c *gin.Context) {
	var req models.EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invalidBody(err))
		return
	}

	result, err := api.emitter.Emit(c.Request.Context(), &req)
	if err != nil {
		api.writeError(c, err, "Error emitting DPS")
		return
	}
	c.JSON(http.StatusOK, result)
}

// EmitInvoice monta, assina e envia a DPS a partir do pedido estruturado
func (api *API) EmitInvoice(c *gin.Context) {
	var req models.InvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invalidBody(err))
		return
	}

	result, err := api.emitter.EmitInvoice(c.Request.Context(), &req)
	if err != nil {
		api.writeError(c, err, "Error emitting invoice")
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetStatus consulta a situação de uma emissão pelo protocolo
func (api *API) GetStatus(c *gin.Context) {
	protocol := strings.TrimSpace(c.Param("id"))
	if protocol == "" {
		c.JSON(http.StatusBadRequest, models.NewValidationError("Invalid protocol", []models.ErrorDetail{
			{Field: "protocolo", Issue: "is required"},
		}))
		return
	}

	result, err := api.status.Poll(c.Request.Context(), protocol)
	if err != nil {
		api.writeError(c, err, "Error polling emission status")
		return
	}
	c.JSON(http.StatusOK, result)
}

// DownloadDANFSe devolve o PDF da NFS-e autorizada
func (api *API) DownloadDANFSe(c *gin.Context) {
	key := c.Param("id")

	data, contentType, err := api.documents.Download(c.Request.Context(), key)
	if err != nil {
		api.writeError(c, err, "Error downloading DANFSe")
		return
	}
	if contentType == "" {
		contentType = "application/pdf"
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=danfse-%s.pdf", key))
	c.Header("Content-Length", fmt.Sprintf("%d", len(data)))
	c.Data(http.StatusOK, contentType, data)
}

// Preflight verifica se o código de tributação é aceito antes da emissão
func (api *API) Preflight(c *gin.Context) {
	var req models.PreflightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invalidBody(err))
		return
	}
	c.JSON(http.StatusOK, api.taxCodes.Preflight(c.Request.Context(), req))
}

// ResolveTaxCodes executa a resolução em camadas
func (api *API) ResolveTaxCodes(c *gin.Context) {
	var req models.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invalidBody(err))
		return
	}

	resolution, err := api.taxCodes.Resolve(c.Request.Context(), req)
	if err != nil {
		api.writeError(c, err, "Error resolving tax codes")
		return
	}
	c.JSON(http.StatusOK, resolution)
}

// GetAllowlist lista os códigos permitidos para contribuinte, município e competência
func (api *API) GetAllowlist(c *gin.Context) {
	key := models.AllowlistKey{
		TaxpayerID:   c.Query("cnpj"),
		Municipality: c.Query("codigoMunicipio"),
		Competence:   c.Query("competencia"),
	}

	codes, err := api.taxCodes.Allowlist(c.Request.Context(), key)
	if err != nil {
		api.writeError(c, err, "Error reading allowlist")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chave": key, "codigos": codes})
}

// AddAllowlistCode inclui um código confirmado manualmente pelo contribuinte
func (api *API) AddAllowlistCode(c *gin.Context) {
	var req models.ManualCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invalidBody(err))
		return
	}

	codes, err := api.taxCodes.AddManual(c.Request.Context(), req)
	if err != nil {
		api.writeError(c, err, "Error adding allowlist code")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chave": req.Key, "codigos": codes})
}

// RegisterCredential recebe o certificado A1 do contribuinte
func (api *API) RegisterCredential(c *gin.Context) {
	var req models.CredentialUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invalidBody(err))
		return
	}

	status, err := api.credentials.Register(c.Request.Context(), &req)
	if err != nil {
		api.writeError(c, err, "Error registering credential")
		return
	}
	c.JSON(http.StatusCreated, status)
}

// AuthMiddleware exige X-API-Key ou Bearer igual à chave configurada
func (api *API) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if api.apiKey == "" {
			c.Next()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if key == "" {
			c.JSON(http.StatusUnauthorized, models.NewUnauthorizedError("API key required"))
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(api.apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, models.NewUnauthorizedError("Invalid API key"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeError converte erros do pipeline na resposta padronizada
func (api *API) writeError(c *gin.Context, err error, logMessage string) {
	emissionErr, ok := models.AsEmissionError(err)
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, models.NewErrorResponse(models.ErrorCodeCancelled, "Request cancelled"))
			return
		}
		api.logger.WithError(err).Error(logMessage)
		c.JSON(http.StatusInternalServerError, models.NewInternalError(logMessage))
		return
	}

	status := httpStatus(emissionErr)
	fields := logrus.Fields{
		"kind":        emissionErr.Kind,
		"http_status": status,
	}
	if emissionErr.HTTPStatus != 0 {
		fields["upstream_status"] = emissionErr.HTTPStatus
	}
	if emissionErr.Body != "" {
		fields["upstream_body"] = emissionErr.Body
	}
	entry := api.logger.WithFields(fields).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error(logMessage)
	} else {
		entry.Warn(logMessage)
	}

	c.JSON(status, models.NewEmissionErrorResponse(emissionErr))
}

// httpStatus mapeia o tipo de erro para o status HTTP devolvido ao cliente
func httpStatus(err *models.EmissionError) int {
	switch err.Kind {
	case models.KindInputValidation:
		return http.StatusBadRequest
	case models.KindSchemaInvalid,
		models.KindCredentialMalformed,
		models.KindCredentialExpired,
		models.KindCredentialMismatch,
		models.KindSignableElementNotFound,
		models.KindNoTaxCodeCandidate:
		return http.StatusUnprocessableEntity
	case models.KindUpstreamTerminal:
		if err.HTTPStatus == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case models.KindUpstreamRetryable:
		return http.StatusServiceUnavailable
	case models.KindUncatalogedUpstream:
		return http.StatusBadGateway
	case models.KindCancelled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func invalidBody(err error) models.ErrorResponse {
	return models.NewValidationError("Invalid request format", []models.ErrorDetail{
		{Field: "body", Issue: err.Error()},
	})
}
