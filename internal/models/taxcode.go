package models

import "time"

// TaxCodeOrigin representa a origem de um código de tributação
type TaxCodeOrigin string

const (
	TaxCodeOriginAuto     TaxCodeOrigin = "auto"
	TaxCodeOriginManual   TaxCodeOrigin = "manual"
	TaxCodeOriginFallback TaxCodeOrigin = "fallback"
)

// ResolutionTier representa o estágio do resolvedor que produziu os candidatos
type ResolutionTier string

const (
	TierSeedMatch            ResolutionTier = "SeedMatch"
	TierLexicalActivityMatch ResolutionTier = "LexicalActivityMatch"
	TierLexicalFreeTextMatch ResolutionTier = "LexicalFreeTextMatch"
	TierExhausted            ResolutionTier = "Exhausted"
)

// AllowlistKey identifica um snapshot de códigos permitidos
type AllowlistKey struct {
	TaxpayerID   string `json:"cnpj"`
	Municipality string `json:"codigoMunicipio"`
	Competence   string `json:"competencia"`
}

// TaxCodeCandidate representa um código de tributação nacional candidato
type TaxCodeCandidate struct {
	Code        string        `json:"codigo" db:"ctribnac"`
	ServiceCode string        `json:"codigoServico" db:"codigo_servico"`
	Description string        `json:"descricao" db:"descricao"`
	Origin      TaxCodeOrigin `json:"origem" db:"origem"`
	Score       int           `json:"score,omitempty" db:"-"`
	ValidFrom   time.Time     `json:"validoDesde" db:"valido_desde"`
	ValidUntil  *time.Time    `json:"validoAte,omitempty" db:"valido_ate"`
}

// Activity representa uma atividade econômica (CNAE) do contribuinte
type Activity struct {
	Code        string `json:"codigo"`
	Description string `json:"descricao"`
}

// BusinessActivities representa o retorno da consulta cadastral
type BusinessActivities struct {
	TaxID     string     `json:"cnpj"`
	Name      string     `json:"razaoSocial,omitempty"`
	Primary   Activity   `json:"atividadePrincipal"`
	Secondary []Activity `json:"atividadesSecundarias"`
}

// Codes retorna os códigos de atividade, principal primeiro
func (b *BusinessActivities) Codes() []string {
	codes := make([]string, 0, len(b.Secondary)+1)
	if b.Primary.Code != "" {
		codes = append(codes, b.Primary.Code)
	}
	for _, a := range b.Secondary {
		if a.Code != "" {
			codes = append(codes, a.Code)
		}
	}
	return codes
}

// ResolveRequest representa um pedido de resolução de códigos
type ResolveRequest struct {
	TaxpayerID   string     `json:"cnpj" binding:"required"`
	Municipality string     `json:"codigoMunicipio" binding:"required,len=7"`
	Competence   string     `json:"competencia" binding:"required"`
	Activities   []Activity `json:"atividades,omitempty"`
	FreeText     string     `json:"descricaoLivre,omitempty"`
}

// Resolution representa o resultado da resolução em camadas
type Resolution struct {
	Key              AllowlistKey       `json:"chave"`
	Tier             ResolutionTier     `json:"camada"`
	Candidates       []TaxCodeCandidate `json:"candidatos"`
	NeedsUserConfirm bool               `json:"precisaConfirmacao"`
	AwaitingFreeText bool               `json:"aguardandoDescricao,omitempty"`
}

// PreflightRequest representa a checagem de um código antes da montagem do XML
type PreflightRequest struct {
	TaxpayerID   string `json:"cnpj"`
	Code         string `json:"codigo" binding:"required"`
	Municipality string `json:"codigoMunicipio" binding:"required,len=7"`
	Competence   string `json:"competencia" binding:"required"`
	Item         string `json:"itemListaLc116"`
}

// PreflightResult representa o veredito da checagem
type PreflightResult struct {
	Valid  bool   `json:"valido"`
	Reason string `json:"motivo,omitempty"`
}

// ManualCodeRequest representa a inclusão manual de um código na allowlist
type ManualCodeRequest struct {
	Key         AllowlistKey `json:"chave" binding:"required"`
	Code        string       `json:"codigo" binding:"required"`
	Description string       `json:"descricao"`
}

// SeedEntry representa uma linha da tabela atividade → código de tributação
type SeedEntry struct {
	Activity string `json:"cnae" db:"cnae_subclasse"`
	Code     string `json:"codigo" db:"ctribnac"`
	Weight   int    `json:"peso" db:"weight"`
	Source   string `json:"fonte,omitempty" db:"source"`
}
