package dps

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/shopspring/decimal"
)

var (
	competenceRe   = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
	nonDigitRe     = regexp.MustCompile(`\D`)
	municipalityRe = regexp.MustCompile(`^\d{7}$`)
	postalCodeRe   = regexp.MustCompile(`^\d{8}$`)
	stateRe        = regexp.MustCompile(`^[A-Za-z]{2}$`)
)

// OnlyDigits remove tudo que não for dígito
func OnlyDigits(s string) string {
	return nonDigitRe.ReplaceAllString(s, "")
}

// ValidCompetence verifica o formato YYYY-MM
func ValidCompetence(s string) bool {
	return competenceRe.MatchString(s)
}

type issues []models.ErrorDetail

func (is *issues) add(field, issue string) {
	*is = append(*is, models.ErrorDetail{Field: field, Issue: issue})
}

func (is *issues) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		is.add(field, "is required")
	}
}

func (is *issues) taxID(field, value string) {
	switch len(OnlyDigits(value)) {
	case 11, 14:
	default:
		is.add(field, "must have 11 (CPF) or 14 (CNPJ) digits")
	}
}

func (is *issues) municipality(field, value string) {
	if !municipalityRe.MatchString(value) {
		is.add(field, "must be a 7-digit IBGE municipality code")
	}
}

func (is *issues) postalCode(field, value string) {
	if !postalCodeRe.MatchString(value) {
		is.add(field, "must have 8 digits")
	}
}

func (is *issues) nonNegative(field string, value decimal.Decimal) {
	if value.IsNegative() {
		is.add(field, "must not be negative")
	}
}

// Validate confere a requisição antes da montagem e lista todos os campos inválidos
func Validate(req *models.InvoiceRequest) error {
	if req == nil {
		return models.NewEmissionError(models.KindInputValidation, "invoice request is required")
	}

	var is issues

	is.required("identification.numero", req.Identification.Number)
	is.required("identification.serie", req.Identification.Series)
	if !ValidCompetence(req.Identification.Competence) {
		is.add("identification.competencia", "must match YYYY-MM")
	}
	if req.Identification.IssuedAt != "" {
		if _, err := ParseIssuedAt(req.Identification.IssuedAt); err != nil {
			is.add("identification.dataEmissao", "must be an ISO-8601 date or timestamp")
		}
	}

	is.taxID("prestador.cpfCnpj", req.Provider.TaxID)
	is.required("prestador.inscricaoMunicipal", req.Provider.MunicipalRegistration)
	is.municipality("prestador.codigoMunicipio", req.Provider.MunicipalityCode)

	is.required("tomador.nome", req.Recipient.Name)
	is.taxID("tomador.documento", req.Recipient.TaxID)
	addr := req.Recipient.Address
	is.municipality("tomador.endereco.codigoMunicipio", addr.MunicipalityCode)
	is.required("tomador.endereco.logradouro", addr.Street)
	is.required("tomador.endereco.numero", addr.Number)
	is.required("tomador.endereco.bairro", addr.District)
	is.postalCode("tomador.endereco.cep", addr.PostalCode)
	if !stateRe.MatchString(addr.State) {
		is.add("tomador.endereco.uf", "must have 2 letters")
	}

	svc := req.Service
	is.required("servico.codigoTributacaoMunicipio", svc.MunicipalTaxCode)
	is.required("servico.itemListaLc116", svc.LC116Item)
	is.required("servico.codigoCnae", svc.ActivityCode)
	if utf8.RuneCountInString(strings.TrimSpace(svc.Description)) < 3 {
		is.add("servico.descricao", "must have at least 3 characters")
	}
	is.municipality("servico.codigoMunicipio", svc.MunicipalityCode)
	if !svc.GrossValue.IsPositive() {
		is.add("servico.valorServicos", "must be greater than zero")
	}
	is.nonNegative("servico.valorDeducoes", svc.Deductions)
	is.nonNegative("servico.aliquota", svc.Rate)
	if svc.IssValue != nil {
		is.nonNegative("servico.valorIss", *svc.IssValue)
	}

	is.required("regime.regimeEspecialTributacao", req.Regime.SpecialRegime)

	if ref := req.References; ref != nil {
		is.municipality("referencias.codigoMunicipioIncidencia", ref.IncidenceMunicipality)
		is.required("referencias.naturezaOperacao", ref.OperationNature)
	}
	if obra := req.Construction; obra != nil {
		is.required("obra.codigoObra", obra.Code)
		is.postalCode("obra.cep", obra.PostalCode)
		is.required("obra.inscricaoImobiliaria", obra.PropertyRegistration)
	}
	if ev := req.Event; ev != nil {
		is.required("evento.identificacao", ev.Identification)
		is.postalCode("evento.cep", ev.PostalCode)
		if utf8.RuneCountInString(ev.Description) < 3 {
			is.add("evento.descricao", "must have at least 3 characters")
		}
	}
	if exp := req.Export; exp != nil {
		if len(exp.Currency) != 3 {
			is.add("exportacao.moeda", "must be a 3-letter currency code")
		}
		is.nonNegative("exportacao.valorServicoMoedaEstrangeira", exp.ForeignCurrencyValue)
	}
	for _, d := range req.Deductions {
		is.nonNegative("deducoes.valorDedutivel", d.DeductibleValue)
		is.nonNegative("deducoes.valorDeducao", d.DeductedValue)
	}
	if b := req.MunicipalBenefit; b != nil {
		is.nonNegative("beneficioMunicipal.valorReducao", b.ReductionValue)
		if b.ReductionPercent.IsNegative() || b.ReductionPercent.GreaterThan(decimal.NewFromInt(100)) {
			is.add("beneficioMunicipal.percentualReducao", "must be between 0 and 100")
		}
	}
	if w := req.Withholding; w != nil {
		is.required("retencaoIssqn.retidoPor", w.WithheldBy)
		is.nonNegative("retencaoIssqn.valorRetido", w.WithheldValue)
	}

	if len(is) > 0 {
		return models.NewInputValidationError(is)
	}
	return nil
}

// ParseIssuedAt aceita timestamp RFC 3339 ou apenas a data
func ParseIssuedAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
