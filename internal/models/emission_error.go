package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifica as falhas do pipeline de emissão
type ErrorKind string

const (
	KindInputValidation         ErrorKind = "InputValidation"
	KindSchemaInvalid           ErrorKind = "SchemaInvalid"
	KindCredentialMalformed     ErrorKind = "CredentialMalformed"
	KindCredentialExpired       ErrorKind = "CredentialExpired"
	KindCredentialMismatch      ErrorKind = "CredentialMismatch"
	KindSignableElementNotFound ErrorKind = "SignableElementNotFound"
	KindUpstreamRetryable       ErrorKind = "UpstreamRetryable"
	KindUpstreamTerminal        ErrorKind = "UpstreamTerminal"
	KindUncatalogedUpstream     ErrorKind = "UncatalogedUpstream"
	KindNoTaxCodeCandidate      ErrorKind = "NoTaxCodeCandidate"
	KindCancelled               ErrorKind = "Cancelled"
)

// Code retorna o código de API correspondente ao tipo de erro
func (k ErrorKind) Code() ErrorCode {
	switch k {
	case KindInputValidation:
		return ErrorCodeInvalidRequest
	case KindSchemaInvalid:
		return ErrorCodeSchemaInvalid
	case KindCredentialMalformed:
		return ErrorCodeCredentialMalformed
	case KindCredentialExpired:
		return ErrorCodeCredentialExpired
	case KindCredentialMismatch:
		return ErrorCodeCredentialMismatch
	case KindSignableElementNotFound:
		return ErrorCodeSignableNotFound
	case KindUpstreamRetryable:
		return ErrorCodeUpstreamRetryable
	case KindUpstreamTerminal:
		return ErrorCodeUpstreamTerminal
	case KindUncatalogedUpstream:
		return ErrorCodeUpstreamUncataloged
	case KindNoTaxCodeCandidate:
		return ErrorCodeNoTaxCode
	case KindCancelled:
		return ErrorCodeCancelled
	default:
		return ErrorCodeInternal
	}
}

// Rejection identifica uma rejeição de regra de negócio do ambiente nacional
// com os dados necessários para uma nova resolução do código de serviço.
type Rejection struct {
	ServiceCode  string `json:"codigoServico"`
	Municipality string `json:"codigoMunicipio"`
	Competence   string `json:"competencia"`
}

// EmissionError é o erro tipado do pipeline de emissão.
// Message e Hint são voltados ao contribuinte; Body e Cause são diagnóstico interno.
type EmissionError struct {
	Kind         ErrorKind
	Field        string
	Message      string
	Hint         string
	Issues       []ErrorDetail
	HTTPStatus   int
	UpstreamCode string
	Body         string
	Rejection    *Rejection
	Cause        error
}

func (e *EmissionError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Field != "" {
		b.WriteString(" [")
		b.WriteString(e.Field)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (status %d)", e.HTTPStatus)
	}
	if e.UpstreamCode != "" {
		fmt.Fprintf(&b, " (codigo %s)", e.UpstreamCode)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *EmissionError) Unwrap() error {
	return e.Cause
}

// Is permite errors.Is(err, &EmissionError{Kind: ...}) comparando apenas o tipo
func (e *EmissionError) Is(target error) bool {
	t, ok := target.(*EmissionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewEmissionError cria um erro de emissão simples
func NewEmissionError(kind ErrorKind, message string) *EmissionError {
	return &EmissionError{Kind: kind, Message: message}
}

// WrapEmissionError cria um erro de emissão preservando a causa
func WrapEmissionError(kind ErrorKind, message string, cause error) *EmissionError {
	return &EmissionError{Kind: kind, Message: message, Cause: cause}
}

// NewInputValidationError agrega todos os campos inválidos de uma requisição
func NewInputValidationError(issues []ErrorDetail) *EmissionError {
	fields := make([]string, 0, len(issues))
	for _, issue := range issues {
		fields = append(fields, issue.Field)
	}
	return &EmissionError{
		Kind:    KindInputValidation,
		Field:   strings.Join(fields, ","),
		Message: "invalid invoice request",
		Issues:  issues,
	}
}

// AsEmissionError extrai o erro de emissão da cadeia
func AsEmissionError(err error) (*EmissionError, bool) {
	var emissionErr *EmissionError
	if errors.As(err, &emissionErr) {
		return emissionErr, true
	}
	return nil, false
}

// KindOf retorna o tipo do erro de emissão, ou vazio se não houver
func KindOf(err error) ErrorKind {
	if emissionErr, ok := AsEmissionError(err); ok {
		return emissionErr.Kind
	}
	return ""
}

// IsKind verifica se o erro pertence ao tipo informado
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
