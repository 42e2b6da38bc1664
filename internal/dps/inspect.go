package dps

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// Summary reúne os campos da DPS usados fora do builder
type Summary struct {
	ID             string
	Competence     string
	IssuedAt       string
	ProviderTaxID  string
	Municipality   string
	ServiceCode    string
	LC116Item      string
	RecipientEmail string
	Signed         bool
}

// Inspect lê os campos relevantes de uma DPS, no leiaute do builder ou no leiaute nacional
func Inspect(xml string) (*Summary, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("error parsing DPS: %w", err)
	}

	inf := doc.FindElement("//infDPS")
	if inf == nil {
		return nil, fmt.Errorf("infDPS element not found")
	}

	s := &Summary{
		ID:             inf.SelectAttrValue("Id", ""),
		Competence:     firstText(inf, "identificacaoDPS/competencia", "dCompet"),
		IssuedAt:       firstText(inf, "identificacaoDPS/dataEmissao", "dhEmi"),
		ProviderTaxID:  firstText(inf, "prestadorServico/cpfCnpj/cnpj", "prestadorServico/cpfCnpj/cpf", "prest/CNPJ", "prest/CPF"),
		Municipality:   firstText(inf, "servico/codigoMunicipio", "prestadorServico/codigoMunicipio", "serv/locPrest/cLocPrestacao", "cLocEmi"),
		ServiceCode:    firstText(inf, "servico/codigoTributacaoMunicipio", "serv/cServ/cTribNac"),
		LC116Item:      firstText(inf, "servico/itemListaLC116"),
		RecipientEmail: firstText(inf, "tomadorServico/email", "toma/email"),
		Signed:         doc.FindElement("//Signature") != nil,
	}
	// dCompet do leiaute nacional vem como data completa
	if len(s.Competence) > 7 {
		s.Competence = s.Competence[:7]
	}
	return s, nil
}

// Refresh troca o Id e a data de emissão de uma DPS e remove a assinatura,
// para que um reenvio carregue identidade nova.
func Refresh(xml string, factory DocumentFactory) (string, string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return "", "", fmt.Errorf("error parsing DPS: %w", err)
	}

	inf := doc.FindElement("//infDPS")
	if inf == nil {
		return "", "", fmt.Errorf("infDPS element not found")
	}

	id := factory.NewID()
	inf.CreateAttr("Id", id)

	var stamps []*etree.Element
	for _, path := range []string{"identificacaoDPS/dataEmissao", "dhEmi"} {
		if el := inf.FindElement(path); el != nil {
			stamps = append(stamps, el)
		}
	}
	now := factory.Now()
	for _, el := range stamps {
		now = nextTimestamp(now, el.Text())
	}
	stamp := FormatTimestamp(now)
	for _, el := range stamps {
		el.SetText(stamp)
	}

	for _, sig := range doc.FindElements("//Signature") {
		if parent := sig.Parent(); parent != nil {
			parent.RemoveChild(sig)
		}
	}

	out, err := doc.WriteToString()
	if err != nil {
		return "", "", fmt.Errorf("error serializing DPS: %w", err)
	}
	return out, id, nil
}

// nextTimestamp garante data de emissão estritamente posterior à anterior,
// já que a precisão do leiaute é de milissegundos
func nextTimestamp(now time.Time, previous string) time.Time {
	prev, err := ParseIssuedAt(strings.TrimSpace(previous))
	if err != nil {
		return now
	}
	if floor := prev.Add(time.Millisecond); now.Truncate(time.Millisecond).Before(floor) {
		return floor
	}
	return now
}

func firstText(el *etree.Element, paths ...string) string {
	for _, p := range paths {
		if found := el.FindElement(p); found != nil {
			if text := strings.TrimSpace(found.Text()); text != "" {
				return text
			}
		}
	}
	return ""
}
