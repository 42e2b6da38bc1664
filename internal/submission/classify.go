package submission

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
)

const (
	CodeUncataloged        = "E999"
	CodeNotAdministered    = "E0310"
	CodeNotAdministeredAlt = "E0312"
	CodeRegimeIncompatible = "E0178"
)

var (
	rejectionCodes = map[string]string{
		CodeNotAdministered:    "service code not administered by the municipality",
		CodeNotAdministeredAlt: "service code not administered by the municipality",
		CodeRegimeIncompatible: "tax regime incompatible with the service code",
	}
	situacaoCodeRe = regexp.MustCompile(`\bE\d{3,4}\b`)
)

type apiError struct {
	Codigo      string `json:"codigo"`
	Descricao   string `json:"descricao"`
	Complemento string `json:"complemento"`
}

type apiNfse struct {
	ChaveAcesso string `json:"chaveAcesso"`
	NumeroNfse  string `json:"numeroNfse"`
}

type apiResponse struct {
	IdentificadorDps      string     `json:"identificadorDps"`
	IDDps                 string     `json:"idDps"`
	UUIDProcessamento     string     `json:"uuidProcessamento"`
	ChaveAcesso           string     `json:"chaveAcesso"`
	NumeroNfse            string     `json:"numeroNfse"`
	Situacao              string     `json:"situacao"`
	DataHoraProcessamento string     `json:"dataHoraProcessamento"`
	Nfse                  *apiNfse   `json:"nfse"`
	Dados                 *apiNfse   `json:"dados"`
	Erros                 []apiError `json:"erros"`
}

func parseResponse(body []byte) *apiResponse {
	var parsed apiResponse
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}
	return &parsed
}

func (r *apiResponse) protocol() string {
	return firstNonEmpty(r.IdentificadorDps, r.IDDps, r.UUIDProcessamento)
}

func (r *apiResponse) accessKey() string {
	key := r.ChaveAcesso
	if key == "" && r.Nfse != nil {
		key = r.Nfse.ChaveAcesso
	}
	if key == "" && r.Dados != nil {
		key = r.Dados.ChaveAcesso
	}
	return key
}

func (r *apiResponse) nfseNumber() string {
	if r.NumeroNfse != "" {
		return r.NumeroNfse
	}
	if r.Nfse != nil {
		return r.Nfse.NumeroNfse
	}
	return ""
}

// codes reúne os códigos de erro do corpo e os citados na situação
func (r *apiResponse) codes() []string {
	var out []string
	for _, e := range r.Erros {
		if c := strings.ToUpper(strings.TrimSpace(e.Codigo)); c != "" {
			out = append(out, c)
		}
	}
	out = append(out, situacaoCodeRe.FindAllString(r.Situacao, -1)...)
	return out
}

func (r *apiResponse) describe() string {
	if len(r.Erros) == 0 {
		return r.Situacao
	}
	e := r.Erros[0]
	if e.Complemento != "" {
		return e.Descricao + " (" + e.Complemento + ")"
	}
	return e.Descricao
}

func (r *apiResponse) result(body []byte) *models.EmitResult {
	key := r.accessKey()
	result := &models.EmitResult{
		Protocol:    r.protocol(),
		AccessKey:   key,
		NfseNumber:  r.nfseNumber(),
		Status:      models.StatusFromSituacao(r.Situacao, key),
		Situacao:    r.Situacao,
		ProcessedAt: r.DataHoraProcessamento,
	}
	if json.Valid(body) {
		result.Response = json.RawMessage(body)
	}
	return result
}

// classify decide o destino de uma resposta HTTP; nil significa sucesso.
// O resumo da DPS enviada alimenta os detalhes de rejeição.
func classify(resp *rawResponse, parsed *apiResponse, sent *dps.Summary) *models.EmissionError {
	codes := parsed.codes()
	base := models.EmissionError{
		HTTPStatus: resp.Status,
		Body:       string(resp.Body),
		Message:    parsed.describe(),
	}

	for _, code := range codes {
		if code == CodeUncataloged {
			e := base
			e.Kind = models.KindUncatalogedUpstream
			e.UpstreamCode = code
			e.Hint = "the national API returned an uncatalogued error; the document will be regenerated"
			return &e
		}
	}
	for _, code := range codes {
		if reason, ok := rejectionCodes[code]; ok {
			e := base
			e.Kind = models.KindUpstreamTerminal
			e.UpstreamCode = code
			if e.Message == "" {
				e.Message = reason
			}
			e.Hint = "re-resolve the service code for this municipality and competence"
			e.Rejection = rejectionFrom(sent)
			return &e
		}
	}

	switch {
	case resp.Status >= 200 && resp.Status < 300:
		if len(parsed.Erros) > 0 && parsed.protocol() == "" {
			e := base
			e.Kind = models.KindUpstreamTerminal
			e.UpstreamCode = firstNonEmpty(codes...)
			return &e
		}
		return nil
	case resp.Status == http.StatusTooManyRequests || resp.Status >= 500:
		e := base
		e.Kind = models.KindUpstreamRetryable
		e.UpstreamCode = firstNonEmpty(codes...)
		if e.Message == "" {
			e.Message = http.StatusText(resp.Status)
		}
		e.Hint = "try again in a few minutes"
		return &e
	default:
		e := base
		e.Kind = models.KindUpstreamTerminal
		e.UpstreamCode = firstNonEmpty(codes...)
		if e.Message == "" {
			e.Message = http.StatusText(resp.Status)
		}
		return &e
	}
}

func rejectionFrom(sent *dps.Summary) *models.Rejection {
	if sent == nil {
		return &models.Rejection{}
	}
	return &models.Rejection{
		ServiceCode:  sent.ServiceCode,
		Municipality: sent.Municipality,
		Competence:   sent.Competence,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
