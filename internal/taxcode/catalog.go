package taxcode

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/schollz/closestmatch"
)

//go:embed data/*.json
var dataFS embed.FS

// CatalogItem é um subitem da lista de serviços da LC 116
type CatalogItem struct {
	Code     string   `json:"code"`
	Title    string   `json:"title"`
	Desc     string   `json:"desc,omitempty"`
	Keywords []string `json:"keywords,omitempty"`

	titleTokens []string
	descTokens  []string
}

// ActivityDescription é o título e as palavras-chave de uma subclasse CNAE
type ActivityDescription struct {
	Code     string   `json:"code"`
	Title    string   `json:"title"`
	Keywords []string `json:"keywords,omitempty"`
}

// Catalog reúne o catálogo LC 116, as descrições CNAE e a tabela semente padrão
type Catalog struct {
	items      []CatalogItem
	activities map[string]ActivityDescription
	seeds      map[string][]string
	labels     map[string]string
	vocabulary map[string]bool
	matcher    *closestmatch.ClosestMatch
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// DefaultCatalog retorna o catálogo embutido
func DefaultCatalog() *Catalog {
	defaultOnce.Do(func() {
		c, err := LoadCatalog()
		if err != nil {
			panic(fmt.Sprintf("embedded tax code catalog: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// LoadCatalog lê os dados embutidos
func LoadCatalog() (*Catalog, error) {
	c := &Catalog{}
	if err := readJSON("data/lc116.json", &c.items); err != nil {
		return nil, err
	}
	var activities []ActivityDescription
	if err := readJSON("data/cnae.json", &activities); err != nil {
		return nil, err
	}
	if err := readJSON("data/seed.json", &c.seeds); err != nil {
		return nil, err
	}
	if err := readJSON("data/labels.json", &c.labels); err != nil {
		return nil, err
	}

	c.activities = make(map[string]ActivityDescription, len(activities))
	for _, a := range activities {
		c.activities[a.Code] = a
	}

	c.vocabulary = map[string]bool{}
	for i := range c.items {
		item := &c.items[i]
		item.titleTokens = Tokenize(item.Title)
		item.descTokens = Tokenize(item.Desc)
		for j, kw := range item.Keywords {
			item.Keywords[j] = fold(kw)
		}
		for _, tok := range append(append(append([]string{}, item.titleTokens...), item.descTokens...), item.Keywords...) {
			if len(tok) >= minCorrectableLen {
				c.vocabulary[tok] = true
			}
		}
	}

	words := make([]string, 0, len(c.vocabulary))
	for w := range c.vocabulary {
		words = append(words, w)
	}
	sort.Strings(words)
	c.matcher = closestmatch.New(words, []int{2, 3})

	return c, nil
}

func readJSON(name string, dst any) error {
	data, err := dataFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("error parsing %s: %w", name, err)
	}
	return nil
}

// Item busca um subitem pelo código (aceita 07.10 ou 07.10.01)
func (c *Catalog) Item(code string) (CatalogItem, bool) {
	for _, item := range c.items {
		if item.Code == code {
			return item, true
		}
	}
	return CatalogItem{}, false
}

// Activity retorna a descrição da subclasse CNAE
func (c *Catalog) Activity(code string) (ActivityDescription, bool) {
	a, ok := c.activities[NormalizeActivity(code)]
	return a, ok
}

// Seeds retorna os códigos da tabela semente embutida em ordem de prioridade
func (c *Catalog) Seeds(activity string) []string {
	return c.seeds[NormalizeActivity(activity)]
}

// SeedEntries exporta a tabela semente embutida para carga no banco
func (c *Catalog) SeedEntries() []models.SeedEntry {
	activities := make([]string, 0, len(c.seeds))
	for a := range c.seeds {
		activities = append(activities, a)
	}
	sort.Strings(activities)

	var out []models.SeedEntry
	for _, a := range activities {
		for idx, code := range c.seeds[a] {
			out = append(out, models.SeedEntry{Activity: a, Code: code, Weight: seedBaseWeight - idx, Source: "embedded"})
		}
	}
	return out
}

// Label retorna o rótulo de exibição de um subitem
func (c *Catalog) Label(code string) string {
	if label, ok := c.labels[code]; ok {
		return label
	}
	if item, ok := c.Item(code); ok {
		return item.Title
	}
	if len(code) > 5 {
		if item, ok := c.Item(code[:5]); ok {
			return item.Title
		}
	}
	return "Serviço " + code
}

// NormalizeActivity mantém apenas os dígitos do CNAE (8121-4/00 → 8121400)
func NormalizeActivity(code string) string {
	return dps.OnlyDigits(code)
}

// ToServiceCode converte o subitem no código de 6 dígitos e no item da lista.
// 07.10.01 → (071001, 07); 07.10 → (071000, 07).
func ToServiceCode(code string) (string, string) {
	digits := dps.OnlyDigits(code)
	if len(digits) > 6 {
		digits = digits[:6]
	}
	serviceCode := digits + strings.Repeat("0", 6-len(digits))
	return serviceCode, serviceCode[:2]
}

// FromServiceCode converte o código de 6 dígitos de volta no subitem
func FromServiceCode(serviceCode string) string {
	digits, _ := ToServiceCode(serviceCode)
	switch {
	case digits[4:6] != "00":
		return digits[0:2] + "." + digits[2:4] + "." + digits[4:6]
	case digits[2:4] != "00":
		return digits[0:2] + "." + digits[2:4]
	default:
		return digits[0:2]
	}
}

// normalizeCode aceita tanto o subitem quanto o código de 6 dígitos
func normalizeCode(code string) (subitem, serviceCode string) {
	code = strings.TrimSpace(code)
	if strings.Contains(code, ".") {
		serviceCode, _ = ToServiceCode(code)
		return code, serviceCode
	}
	serviceCode, _ = ToServiceCode(code)
	return FromServiceCode(serviceCode), serviceCode
}
