package models

import "time"

// ErrorCode representa o código de erro
type ErrorCode string

const (
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden      ErrorCode = "FORBIDDEN"
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrorCodeConflict       ErrorCode = "CONFLICT"
	ErrorCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorCodeInternal       ErrorCode = "INTERNAL"

	ErrorCodeSchemaInvalid       ErrorCode = "SCHEMA_INVALID"
	ErrorCodeCredentialMalformed ErrorCode = "CREDENTIAL_MALFORMED"
	ErrorCodeCredentialExpired   ErrorCode = "CREDENTIAL_EXPIRED"
	ErrorCodeCredentialMismatch  ErrorCode = "CREDENTIAL_MISMATCH"
	ErrorCodeSignableNotFound    ErrorCode = "SIGNABLE_ELEMENT_NOT_FOUND"
	ErrorCodeUpstreamRetryable   ErrorCode = "UPSTREAM_RETRYABLE"
	ErrorCodeUpstreamTerminal    ErrorCode = "UPSTREAM_TERMINAL"
	ErrorCodeUpstreamUncataloged ErrorCode = "UPSTREAM_UNCATALOGED"
	ErrorCodeNoTaxCode           ErrorCode = "NO_TAX_CODE"
	ErrorCodeCancelled           ErrorCode = "CANCELLED"
)

// ErrorDetail representa um detalhe específico do erro
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// ErrorResponse representa a resposta de erro padronizada
type ErrorResponse struct {
	Error ErrorInfo `json:"error"`
}

// APIError implementa a interface error para uso na API
type APIError struct {
	ErrorResponse
}

// Error implementa a interface error
func (e APIError) Error() string {
	return e.ErrorResponse.Error.Message
}

// NewAPIError cria um novo erro de API
func NewAPIError(errResp ErrorResponse) error {
	return &APIError{ErrorResponse: errResp}
}

// ErrorInfo representa a informação do erro
type ErrorInfo struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Hint    string        `json:"hint,omitempty"`
	Details []ErrorDetail `json:"details,omitempty"`
}

// NewErrorResponse cria uma nova resposta de erro
func NewErrorResponse(code ErrorCode, message string) ErrorResponse {
	return ErrorResponse{
		Error: ErrorInfo{
			Code:    string(code),
			Message: message,
		},
	}
}

// NewValidationError cria um erro de validação com detalhes
func NewValidationError(message string, details []ErrorDetail) ErrorResponse {
	return ErrorResponse{
		Error: ErrorInfo{
			Code:    string(ErrorCodeInvalidRequest),
			Message: message,
			Details: details,
		},
	}
}

// NewUnauthorizedError cria um erro de autenticação
func NewUnauthorizedError(message string) ErrorResponse {
	return NewErrorResponse(ErrorCodeUnauthorized, message)
}

// NewNotFoundError cria um erro de recurso não encontrado
func NewNotFoundError(message string) ErrorResponse {
	return NewErrorResponse(ErrorCodeNotFound, message)
}

// NewRateLimitedError cria um erro de rate limiting
func NewRateLimitedError(message string, retryAfter time.Duration) ErrorResponse {
	resp := NewErrorResponse(ErrorCodeRateLimited, message)
	resp.Error.Hint = "retry after " + retryAfter.String()
	return resp
}

// NewInternalError cria um erro interno do servidor
func NewInternalError(message string) ErrorResponse {
	return NewErrorResponse(ErrorCodeInternal, message)
}

// NewEmissionErrorResponse converte um erro de emissão na resposta padronizada.
// O corpo bruto do upstream fica fora da resposta; ele só vai para o log.
func NewEmissionErrorResponse(err *EmissionError) ErrorResponse {
	resp := ErrorResponse{
		Error: ErrorInfo{
			Code:    string(err.Kind.Code()),
			Message: err.Message,
			Hint:    err.Hint,
			Details: append([]ErrorDetail(nil), err.Issues...),
		},
	}
	if err.UpstreamCode != "" {
		resp.Error.Details = append(resp.Error.Details, ErrorDetail{Field: "codigo", Issue: err.UpstreamCode})
	}
	if err.Rejection != nil {
		resp.Error.Details = append(resp.Error.Details,
			ErrorDetail{Field: "codigoServico", Issue: err.Rejection.ServiceCode},
			ErrorDetail{Field: "codigoMunicipio", Issue: err.Rejection.Municipality},
			ErrorDetail{Field: "competencia", Issue: err.Rejection.Competence},
		)
	}
	return resp
}
