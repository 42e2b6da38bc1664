package dps

import (
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stampRe = regexp.MustCompile(`<dataEmissao>[^<]*</dataEmissao>`)

type seqFactory struct {
	n   int
	now time.Time
}

func (f *seqFactory) NewID() string {
	f.n++
	return fmt.Sprintf("DPS-00000000-0000-4000-8000-%012d", f.n)
}

func (f *seqFactory) Now() time.Time {
	return f.now.Add(time.Duration(f.n) * time.Second)
}

func sampleRequest() *models.InvoiceRequest {
	return &models.InvoiceRequest{
		UserID: "3f1c7a52-2c55-4c7e-9a8e-0d2b2d8b1a10",
		Identification: models.DPSIdentification{
			Number:     "1",
			Series:     "900",
			Competence: "2025-01",
		},
		Provider: models.ServiceProvider{
			TaxID:                 "41.568.425/0001-89",
			MunicipalRegistration: "12345",
			MunicipalityCode:      "4205704",
		},
		Recipient: models.ServiceRecipient{
			Name:  "Padaria Pão & Cia <Filial>",
			TaxID: "123.456.789-09",
			Address: models.Address{
				MunicipalityCode: "4205704",
				Street:           "Rua das Flores",
				Number:           "100",
				District:         "Centro",
				PostalCode:       "88495000",
				State:            "SC",
			},
		},
		Service: models.ServiceDetails{
			MunicipalTaxCode: "071001",
			LC116Item:        "07.10",
			ActivityCode:     "8121400",
			Description:      "Limpeza de imóveis",
			MunicipalityCode: "4205704",
			Rate:             decimal.RequireFromString("5.00"),
			GrossValue:       decimal.RequireFromString("1000.00"),
		},
		Regime: models.TaxRegime{SpecialRegime: "0", SimplesOptant: true},
	}
}

func build(t *testing.T, req *models.InvoiceRequest) (*Document, *etree.Element) {
	t.Helper()
	b := NewBuilder(&seqFactory{now: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)})
	doc, err := b.Build(req)
	require.NoError(t, err)

	tree := etree.NewDocument()
	require.NoError(t, tree.ReadFromString(doc.XML))
	return doc, tree.Root()
}

func TestBuildComputesIssFromRate(t *testing.T) {
	_, root := build(t, sampleRequest())

	assert.Equal(t, "1000.00", root.FindElement("//valores/valorServicos").Text())
	assert.Equal(t, "0.00", root.FindElement("//valores/valorDeducoes").Text())
	assert.Equal(t, "50.00", root.FindElement("//valores/valorIss").Text())
	assert.Equal(t, "5.00", root.FindElement("//valores/aliquota").Text())
}

func TestBuildIssRoundsHalfUp(t *testing.T) {
	req := sampleRequest()
	req.Service.GrossValue = decimal.RequireFromString("100.10")
	req.Service.Rate = decimal.RequireFromString("2.5")

	_, root := build(t, req)
	assert.Equal(t, "2.50", root.FindElement("//valores/valorIss").Text())

	req.Service.GrossValue = decimal.RequireFromString("10.30")
	req.Service.Rate = decimal.RequireFromString("5")
	_, root = build(t, req)
	assert.Equal(t, "0.52", root.FindElement("//valores/valorIss").Text())
}

func TestBuildUsesExplicitIss(t *testing.T) {
	req := sampleRequest()
	iss := decimal.RequireFromString("42")
	req.Service.IssValue = &iss

	_, root := build(t, req)
	assert.Equal(t, "42.00", root.FindElement("//valores/valorIss").Text())
}

func TestBuildChoosesTaxIDElementByLength(t *testing.T) {
	_, root := build(t, sampleRequest())

	prest := root.FindElement("//prestadorServico/cpfCnpj")
	require.NotNil(t, prest)
	assert.Equal(t, "41568425000189", prest.FindElement("cnpj").Text())
	assert.Nil(t, prest.FindElement("cpf"))

	toma := root.FindElement("//tomadorServico/identificacaoTomador/cpfCnpj")
	require.NotNil(t, toma)
	assert.Equal(t, "12345678909", toma.FindElement("cpf").Text())
	assert.Nil(t, toma.FindElement("cnpj"))
}

func TestBuildDocumentShape(t *testing.T) {
	doc, root := build(t, sampleRequest())

	assert.True(t, strings.HasPrefix(doc.XML, `<?xml version="1.0" encoding="UTF-8"?><DPS`))
	assert.NotContains(t, doc.XML, "\n")
	assert.Equal(t, "DPS", root.Tag)
	assert.Equal(t, Namespace, root.SelectAttrValue("xmlns", ""))
	assert.Equal(t, "1.00", root.SelectAttrValue("versao", ""))

	inf := root.SelectElement("infDPS")
	require.NotNil(t, inf)
	assert.Equal(t, doc.ID, inf.SelectAttrValue("Id", ""))
	assert.True(t, strings.HasPrefix(doc.ID, "DPS-"))

	var order []string
	for _, child := range inf.ChildElements() {
		order = append(order, child.Tag)
	}
	assert.Equal(t, []string{
		"identificacaoDPS", "prestadorServico", "tomadorServico", "servico",
		"regimeEspecialTributacao", "optanteSimplesNacional", "incentivoFiscal",
	}, order)
	assert.Equal(t, "1", inf.SelectElement("optanteSimplesNacional").Text())
	assert.Equal(t, "2", inf.SelectElement("incentivoFiscal").Text())
	assert.Equal(t, "2025-01-15T12:00:01.000Z", root.FindElement("//identificacaoDPS/dataEmissao").Text())
}

func TestBuildOmitsAbsentOptionalFields(t *testing.T) {
	doc, _ := build(t, sampleRequest())

	for _, tag := range []string{"<obra", "<evento", "<exportacao", "<deducoes", "<beneficioMunicipal", "<retencaoIssqn", "<informacoesComplementares", "<complemento", "<email"} {
		assert.NotContains(t, doc.XML, tag)
	}
}

func TestBuildRendersOptionalBlocksInOrder(t *testing.T) {
	req := sampleRequest()
	req.Recipient.Email = "financeiro@padaria.com.br"
	req.Recipient.Address.Complement = "Sala 2"
	req.Construction = &models.ConstructionSite{Code: "OB1", PostalCode: "88495000", Municipality: "Garopaba", District: "Centro", Street: "Rua A", Number: "1", PropertyRegistration: "IM-9"}
	req.Export = &models.ExportInfo{Modality: "1", Relationship: "0", Currency: "USD", ForeignCurrencyValue: decimal.RequireFromString("200"), ResultCountry: "US", SupportMechanism: "00", RecipientSupport: "00", OperationRelationship: "0", ShareWithMDIC: false}
	req.Deductions = []models.Deduction{{DocumentType: "1", AccessKey: "K1", IssuedAt: "2025-01-02", DeductibleValue: decimal.RequireFromString("10"), DeductedValue: decimal.RequireFromString("5.5")}}
	req.Withholding = &models.IssWithholding{WithheldBy: "1", WithheldValue: decimal.RequireFromString("50")}
	req.References = &models.ComplementaryInfo{IncidenceMunicipality: "4205704", OperationNature: "1"}

	_, root := build(t, req)
	inf := root.SelectElement("infDPS")

	var order []string
	for _, child := range inf.ChildElements() {
		order = append(order, child.Tag)
	}
	assert.Equal(t, []string{
		"identificacaoDPS", "prestadorServico", "tomadorServico", "servico",
		"obra", "exportacao", "deducoes", "retencaoIssqn",
		"regimeEspecialTributacao", "optanteSimplesNacional", "incentivoFiscal", "informacoesComplementares",
	}, order)
	assert.Equal(t, "financeiro@padaria.com.br", inf.FindElement("tomadorServico/email").Text())
	assert.Equal(t, "Sala 2", inf.FindElement("tomadorServico/endereco/complemento").Text())
	assert.Equal(t, "2", inf.FindElement("exportacao/compartilharComMDIC").Text())
	assert.Equal(t, "200.00", inf.FindElement("exportacao/valorServicoMoedaEstrangeira").Text())
	assert.Nil(t, inf.FindElement("exportacao/numeroRegistroExportacao"))
	assert.Equal(t, "5.50", inf.FindElement("deducoes/deducao/valorDeducao").Text())
}

func TestBuildEscapesText(t *testing.T) {
	doc, root := build(t, sampleRequest())

	assert.Contains(t, doc.XML, "Padaria Pão &amp; Cia &lt;Filial&gt;")
	assert.Equal(t, "Padaria Pão & Cia <Filial>", root.FindElement("//tomadorServico/razaoSocial").Text())
}

func TestBuildIsStructurallyIdempotent(t *testing.T) {
	b := NewBuilder(nil)
	first, err := b.Build(sampleRequest())
	require.NoError(t, err)
	second, err := b.Build(sampleRequest())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	normalize := func(d *Document) string {
		s := strings.ReplaceAll(d.XML, d.ID, "ID")
		return stampRe.ReplaceAllString(s, "<dataEmissao/>")
	}
	assert.Equal(t, normalize(first), normalize(second))
}

func TestBuildUsesRequestIssueDate(t *testing.T) {
	req := sampleRequest()
	req.Identification.IssuedAt = "2025-01-10"

	doc, root := build(t, req)
	assert.Equal(t, "2025-01-10T00:00:00.000Z", root.FindElement("//identificacaoDPS/dataEmissao").Text())
	assert.Equal(t, 2025, doc.IssuedAt.Year())
}

func TestValidateCollectsEveryIssue(t *testing.T) {
	req := sampleRequest()
	req.Service.GrossValue = decimal.Zero
	req.Identification.Competence = "2025-13"
	req.Provider.TaxID = "123"
	req.Recipient.Address.PostalCode = "8849-500"
	req.Recipient.Address.State = "S"
	req.Service.MunicipalityCode = "42057"

	err := Validate(req)
	require.Error(t, err)

	emissionErr, ok := models.AsEmissionError(err)
	require.True(t, ok)
	assert.Equal(t, models.KindInputValidation, emissionErr.Kind)

	fields := map[string]bool{}
	for _, issue := range emissionErr.Issues {
		fields[issue.Field] = true
	}
	for _, f := range []string{
		"servico.valorServicos", "identification.competencia", "prestador.cpfCnpj",
		"tomador.endereco.cep", "tomador.endereco.uf", "servico.codigoMunicipio",
	} {
		assert.True(t, fields[f], "missing issue for %s", f)
	}
}

func TestBuildRejectsInvalidRequest(t *testing.T) {
	req := sampleRequest()
	req.Service.GrossValue = decimal.RequireFromString("-1")

	_, err := NewBuilder(nil).Build(req)
	assert.True(t, models.IsKind(err, models.KindInputValidation))
}
