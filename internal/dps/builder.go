package dps

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Document representa uma DPS montada e ainda não assinada
type Document struct {
	ID       string
	IssuedAt time.Time
	XML      string
}

// Builder monta o XML da DPS a partir de uma requisição estruturada
type Builder struct {
	factory DocumentFactory
}

// NewBuilder cria um builder; factory nil usa DefaultFactory
func NewBuilder(factory DocumentFactory) *Builder {
	if factory == nil {
		factory = DefaultFactory{}
	}
	return &Builder{factory: factory}
}

// Build valida a requisição e monta o XML compacto da DPS
func (b *Builder) Build(req *models.InvoiceRequest) (*Document, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	id := b.factory.NewID()
	issuedAt := b.factory.Now()
	if req.Identification.IssuedAt != "" {
		t, err := ParseIssuedAt(req.Identification.IssuedAt)
		if err != nil {
			return nil, fmt.Errorf("error parsing dataEmissao: %w", err)
		}
		issuedAt = t
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("DPS")
	root.CreateAttr("xmlns", Namespace)
	root.CreateAttr("versao", Versao)

	inf := root.CreateElement("infDPS")
	inf.CreateAttr("Id", id)

	ident := inf.CreateElement("identificacaoDPS")
	leaf(ident, "numero", req.Identification.Number)
	leaf(ident, "serie", req.Identification.Series)
	leaf(ident, "competencia", req.Identification.Competence)
	leaf(ident, "dataEmissao", FormatTimestamp(issuedAt))

	prest := inf.CreateElement("prestadorServico")
	taxIDElement(prest.CreateElement("cpfCnpj"), req.Provider.TaxID)
	leaf(prest, "inscricaoMunicipal", req.Provider.MunicipalRegistration)
	leaf(prest, "codigoMunicipio", req.Provider.MunicipalityCode)

	toma := inf.CreateElement("tomadorServico")
	taxIDElement(toma.CreateElement("identificacaoTomador").CreateElement("cpfCnpj"), req.Recipient.TaxID)
	leaf(toma, "razaoSocial", req.Recipient.Name)
	addr := req.Recipient.Address
	end := toma.CreateElement("endereco")
	leaf(end, "logradouro", addr.Street)
	leaf(end, "numero", addr.Number)
	leaf(end, "bairro", addr.District)
	leaf(end, "codigoMunicipio", addr.MunicipalityCode)
	leaf(end, "uf", strings.ToUpper(addr.State))
	leaf(end, "cep", addr.PostalCode)
	optionalLeaf(end, "complemento", addr.Complement)
	optionalLeaf(toma, "email", req.Recipient.Email)

	svc := req.Service
	serv := inf.CreateElement("servico")
	leaf(serv, "codigoMunicipio", svc.MunicipalityCode)
	leaf(serv, "codigoTributacaoMunicipio", svc.MunicipalTaxCode)
	leaf(serv, "itemListaLC116", svc.LC116Item)
	leaf(serv, "codigoCNAE", svc.ActivityCode)
	leaf(serv, "discriminacao", svc.Description)
	vals := serv.CreateElement("valores")
	leaf(vals, "valorServicos", money(svc.GrossValue))
	leaf(vals, "valorDeducoes", money(svc.Deductions))
	leaf(vals, "valorIss", money(IssValue(svc)))
	leaf(vals, "aliquota", money(svc.Rate))

	if obra := req.Construction; obra != nil {
		el := inf.CreateElement("obra")
		leaf(el, "codigoObra", obra.Code)
		leaf(el, "cep", obra.PostalCode)
		leaf(el, "municipio", obra.Municipality)
		leaf(el, "bairro", obra.District)
		leaf(el, "logradouro", obra.Street)
		leaf(el, "numero", obra.Number)
		optionalLeaf(el, "complemento", obra.Complement)
		leaf(el, "inscricaoImobiliaria", obra.PropertyRegistration)
	}

	if ev := req.Event; ev != nil {
		el := inf.CreateElement("evento")
		leaf(el, "identificacao", ev.Identification)
		leaf(el, "dataInicial", ev.StartDate)
		leaf(el, "dataFinal", ev.EndDate)
		leaf(el, "descricao", ev.Description)
		leaf(el, "cep", ev.PostalCode)
		leaf(el, "municipio", ev.Municipality)
		leaf(el, "bairro", ev.District)
		leaf(el, "logradouro", ev.Street)
		leaf(el, "numero", ev.Number)
		optionalLeaf(el, "complemento", ev.Complement)
	}

	if exp := req.Export; exp != nil {
		el := inf.CreateElement("exportacao")
		leaf(el, "modalidade", exp.Modality)
		leaf(el, "vinculo", exp.Relationship)
		leaf(el, "moeda", exp.Currency)
		leaf(el, "valorServicoMoedaEstrangeira", money(exp.ForeignCurrencyValue))
		leaf(el, "paisResultado", exp.ResultCountry)
		leaf(el, "mecanismoApoio", exp.SupportMechanism)
		leaf(el, "mecanismoApoioTomador", exp.RecipientSupport)
		leaf(el, "vinculoOperacao", exp.OperationRelationship)
		optionalLeaf(el, "numeroDeclaracaoImportacao", exp.ImportDeclaration)
		optionalLeaf(el, "numeroRegistroExportacao", exp.ExportRegistration)
		leaf(el, "compartilharComMDIC", flag(exp.ShareWithMDIC))
	}

	if len(req.Deductions) > 0 {
		el := inf.CreateElement("deducoes")
		for _, d := range req.Deductions {
			ded := el.CreateElement("deducao")
			leaf(ded, "tipoDocumento", d.DocumentType)
			leaf(ded, "chaveAcesso", d.AccessKey)
			leaf(ded, "dataEmissao", d.IssuedAt)
			leaf(ded, "valorDedutivel", money(d.DeductibleValue))
			leaf(ded, "valorDeducao", money(d.DeductedValue))
		}
	}

	if ben := req.MunicipalBenefit; ben != nil {
		el := inf.CreateElement("beneficioMunicipal")
		leaf(el, "identificacao", ben.Identification)
		leaf(el, "valorReducao", money(ben.ReductionValue))
		leaf(el, "percentualReducao", money(ben.ReductionPercent))
	}

	if ret := req.Withholding; ret != nil {
		el := inf.CreateElement("retencaoIssqn")
		leaf(el, "retidoPor", ret.WithheldBy)
		leaf(el, "valorRetido", money(ret.WithheldValue))
	}

	leaf(inf, "regimeEspecialTributacao", req.Regime.SpecialRegime)
	leaf(inf, "optanteSimplesNacional", flag(req.Regime.SimplesOptant))
	leaf(inf, "incentivoFiscal", flag(req.Regime.FiscalIncentive))

	if ref := req.References; ref != nil {
		el := inf.CreateElement("informacoesComplementares")
		leaf(el, "codigoMunicipioIncidencia", ref.IncidenceMunicipality)
		leaf(el, "naturezaOperacao", ref.OperationNature)
	}

	xml, err := doc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("error serializing DPS: %w", err)
	}

	return &Document{ID: id, IssuedAt: issuedAt, XML: xml}, nil
}

// IssValue retorna o ISS informado ou (valorServicos - valorDeducoes) * aliquota / 100
func IssValue(svc models.ServiceDetails) decimal.Decimal {
	if svc.IssValue != nil {
		return svc.IssValue.Round(2)
	}
	return svc.GrossValue.Sub(svc.Deductions).Mul(svc.Rate).Div(hundred).Round(2)
}

func leaf(parent *etree.Element, tag, value string) {
	parent.CreateElement(tag).SetText(value)
}

func optionalLeaf(parent *etree.Element, tag, value string) {
	if value != "" {
		leaf(parent, tag, value)
	}
}

// taxIDElement escolhe cnpj ou cpf pelo número de dígitos
func taxIDElement(parent *etree.Element, taxID string) {
	digits := OnlyDigits(taxID)
	if len(digits) == 14 {
		leaf(parent, "cnpj", digits)
		return
	}
	leaf(parent, "cpf", digits)
}

func money(v decimal.Decimal) string {
	return v.StringFixed(2)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "2"
}
