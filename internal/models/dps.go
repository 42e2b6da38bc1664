package models

import (
	"github.com/shopspring/decimal"
)

// InvoiceRequest representa a requisição estruturada de uma DPS
type InvoiceRequest struct {
	UserID           string             `json:"userId" binding:"required"`
	Identification   DPSIdentification  `json:"identification" binding:"required"`
	Provider         ServiceProvider    `json:"prestador" binding:"required"`
	Recipient        ServiceRecipient   `json:"tomador" binding:"required"`
	Service          ServiceDetails     `json:"servico" binding:"required"`
	Regime           TaxRegime          `json:"regime" binding:"required"`
	References       *ComplementaryInfo `json:"referencias,omitempty"`
	Construction     *ConstructionSite  `json:"obra,omitempty"`
	Event            *EventInfo         `json:"evento,omitempty"`
	Export           *ExportInfo        `json:"exportacao,omitempty"`
	Deductions       []Deduction        `json:"deducoes,omitempty" binding:"omitempty,dive"`
	MunicipalBenefit *MunicipalBenefit  `json:"beneficioMunicipal,omitempty"`
	Withholding      *IssWithholding    `json:"retencaoIssqn,omitempty"`
}

// DPSIdentification representa a identificação da DPS
type DPSIdentification struct {
	Number     string `json:"numero" binding:"required"`
	Series     string `json:"serie" binding:"required"`
	Competence string `json:"competencia" binding:"required"`
	IssuedAt   string `json:"dataEmissao,omitempty"`
}

// ServiceProvider representa o prestador do serviço
type ServiceProvider struct {
	TaxID                 string `json:"cpfCnpj" binding:"required"`
	MunicipalRegistration string `json:"inscricaoMunicipal" binding:"required"`
	MunicipalityCode      string `json:"codigoMunicipio" binding:"required"`
}

// Address representa o endereço do tomador
type Address struct {
	MunicipalityCode string `json:"codigoMunicipio" binding:"required"`
	Street           string `json:"logradouro" binding:"required"`
	Number           string `json:"numero" binding:"required"`
	District         string `json:"bairro" binding:"required"`
	Complement       string `json:"complemento,omitempty"`
	PostalCode       string `json:"cep" binding:"required"`
	State            string `json:"uf" binding:"required"`
}

// ServiceRecipient representa o tomador do serviço
type ServiceRecipient struct {
	Name    string  `json:"nome" binding:"required"`
	TaxID   string  `json:"documento" binding:"required"`
	Email   string  `json:"email,omitempty" binding:"omitempty,email"`
	Address Address `json:"endereco" binding:"required"`
}

// ServiceDetails representa o serviço prestado e seus valores
type ServiceDetails struct {
	MunicipalTaxCode string           `json:"codigoTributacaoMunicipio" binding:"required"`
	LC116Item        string           `json:"itemListaLc116" binding:"required"`
	ActivityCode     string           `json:"codigoCnae" binding:"required"`
	Description      string           `json:"descricao" binding:"required"`
	MunicipalityCode string           `json:"codigoMunicipio" binding:"required"`
	Rate             decimal.Decimal  `json:"aliquota"`
	GrossValue       decimal.Decimal  `json:"valorServicos"`
	Deductions       decimal.Decimal  `json:"valorDeducoes"`
	IssValue         *decimal.Decimal `json:"valorIss,omitempty"`
}

// TaxRegime representa os indicadores de regime tributário
type TaxRegime struct {
	SpecialRegime   string `json:"regimeEspecialTributacao" binding:"required"`
	SimplesOptant   bool   `json:"optanteSimples"`
	FiscalIncentive bool   `json:"incentivoFiscal"`
}

// ComplementaryInfo representa as informações complementares
type ComplementaryInfo struct {
	IncidenceMunicipality string `json:"codigoMunicipioIncidencia" binding:"required"`
	OperationNature       string `json:"naturezaOperacao" binding:"required"`
}

// ConstructionSite representa os dados de obra
type ConstructionSite struct {
	Code                 string `json:"codigoObra" binding:"required"`
	PostalCode           string `json:"cep" binding:"required"`
	Municipality         string `json:"municipio" binding:"required"`
	District             string `json:"bairro" binding:"required"`
	Street               string `json:"logradouro" binding:"required"`
	Number               string `json:"numero" binding:"required"`
	Complement           string `json:"complemento,omitempty"`
	PropertyRegistration string `json:"inscricaoImobiliaria" binding:"required"`
}

// EventInfo representa os dados de evento
type EventInfo struct {
	Identification string `json:"identificacao" binding:"required"`
	StartDate      string `json:"dataInicial" binding:"required"`
	EndDate        string `json:"dataFinal" binding:"required"`
	Description    string `json:"descricao" binding:"required"`
	PostalCode     string `json:"cep" binding:"required"`
	Municipality   string `json:"municipio" binding:"required"`
	District       string `json:"bairro" binding:"required"`
	Street         string `json:"logradouro" binding:"required"`
	Number         string `json:"numero" binding:"required"`
	Complement     string `json:"complemento,omitempty"`
}

// ExportInfo representa os dados de exportação de serviço
type ExportInfo struct {
	Modality              string          `json:"modalidade" binding:"required"`
	Relationship          string          `json:"vinculo" binding:"required"`
	Currency              string          `json:"moeda" binding:"required,len=3"`
	ForeignCurrencyValue  decimal.Decimal `json:"valorServicoMoedaEstrangeira"`
	ResultCountry         string          `json:"paisResultado" binding:"required"`
	SupportMechanism      string          `json:"mecanismoApoio" binding:"required"`
	RecipientSupport      string          `json:"mecanismoApoioTomador" binding:"required"`
	OperationRelationship string          `json:"vinculoOperacao" binding:"required"`
	ImportDeclaration     string          `json:"numeroDeclaracaoImportacao,omitempty"`
	ExportRegistration    string          `json:"numeroRegistroExportacao,omitempty"`
	ShareWithMDIC         bool            `json:"compartilharComMDIC"`
}

// Deduction representa um documento de dedução
type Deduction struct {
	DocumentType    string          `json:"tipoDocumento" binding:"required"`
	AccessKey       string          `json:"chaveAcesso" binding:"required"`
	IssuedAt        string          `json:"dataEmissao" binding:"required"`
	DeductibleValue decimal.Decimal `json:"valorDedutivel"`
	DeductedValue   decimal.Decimal `json:"valorDeducao"`
}

// MunicipalBenefit representa o benefício municipal
type MunicipalBenefit struct {
	Identification   string          `json:"identificacao" binding:"required"`
	ReductionValue   decimal.Decimal `json:"valorReducao"`
	ReductionPercent decimal.Decimal `json:"percentualReducao"`
}

// IssWithholding representa a retenção do ISSQN
type IssWithholding struct {
	WithheldBy    string          `json:"retidoPor" binding:"required"`
	WithheldValue decimal.Decimal `json:"valorRetido"`
}

// EmitRequest representa a emissão de um XML de DPS já montado
type EmitRequest struct {
	UserID        string `json:"userId" binding:"required"`
	Versao        string `json:"versao" binding:"required"`
	DpsXmlGzipB64 string `json:"dpsXmlGzipB64"`
	// Nome legado aceito pelo endpoint antigo
	DpsXmlGzipB64Legacy string `json:"dps_xml_gzip_b64,omitempty"`
}

// Payload retorna o XML compactado informado em qualquer um dos campos
func (r *EmitRequest) Payload() string {
	if r.DpsXmlGzipB64 != "" {
		return r.DpsXmlGzipB64
	}
	return r.DpsXmlGzipB64Legacy
}

// EmitResult representa o resultado de uma emissão
type EmitResult struct {
	Protocol    string         `json:"protocolo"`
	AccessKey   string         `json:"chaveAcesso,omitempty"`
	NfseNumber  string         `json:"numeroNfse,omitempty"`
	Status      EmissionStatus `json:"status"`
	Situacao    string         `json:"situacao,omitempty"`
	ProcessedAt string         `json:"dataProcessamento,omitempty"`
	Response    any            `json:"resposta,omitempty"`
	Attempts    int            `json:"tentativas"`
}
