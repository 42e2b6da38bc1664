package taxcode

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// MinLexicalScore é a pontuação mínima aceita na camada por atividade
	MinLexicalScore = 10

	titleWeight   = 3
	descWeight    = 1
	keywordWeight = 5

	minCorrectableLen = 4
	minSubstringLen   = 4
)

var (
	nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

	stopWords = map[string]bool{
		"de": true, "da": true, "do": true, "das": true, "dos": true, "em": true, "no": true, "na": true,
		"nos": true, "nas": true, "o": true, "a": true, "os": true, "as": true, "um": true, "uma": true,
		"uns": true, "umas": true, "e": true, "ou": true, "para": true, "com": true, "sem": true, "sob": true,
		"sobre": true, "por": true, "pelo": true, "pela": true, "pelos": true, "pelas": true, "ao": true,
		"aos": true, "que": true, "qual": true, "quais": true, "este": true, "esta": true, "estes": true,
		"estas": true, "esse": true, "essa": true, "esses": true, "essas": true, "aquele": true,
		"aquela": true, "aqueles": true, "aquelas": true, "ser": true, "estar": true, "ter": true,
		"haver": true, "fazer": true,
	}
)

// fold remove acentos e converte para minúsculas
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Tokenize normaliza o texto e descarta stopwords
func Tokenize(s string) []string {
	if s == "" {
		return nil
	}
	cleaned := nonAlphanumeric.ReplaceAllString(fold(s), " ")
	var tokens []string
	for _, tok := range strings.Fields(cleaned) {
		if !stopWords[tok] {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// Match é um subitem pontuado contra uma consulta
type Match struct {
	Code  string
	Score int
}

// Score pontua um subitem: título ×3, descrição ×1, palavra-chave ×5
func Score(query []string, item CatalogItem) int {
	if len(query) == 0 {
		return 0
	}
	set := make(map[string]bool, len(query))
	for _, q := range query {
		set[q] = true
	}

	score := 0
	for _, tok := range item.titleTokens {
		if set[tok] {
			score += titleWeight
		}
	}
	for _, tok := range item.descTokens {
		if set[tok] {
			score += descWeight
		}
	}
	for _, kw := range uniq(item.Keywords) {
		for _, q := range query {
			if keywordMatches(q, kw) {
				score += keywordWeight
			}
		}
	}
	return score
}

func keywordMatches(token, keyword string) bool {
	if token == keyword {
		return true
	}
	if len(token) < minSubstringLen || len(keyword) < minSubstringLen {
		return false
	}
	return strings.Contains(token, keyword) || strings.Contains(keyword, token)
}

// TopK retorna até k subitens com pontuação >= minScore, do maior para o menor
func (c *Catalog) TopK(query []string, k, minScore int) []Match {
	if len(query) == 0 || k <= 0 {
		return nil
	}
	var matches []Match
	for _, item := range c.items {
		if s := Score(query, item); s > 0 && s >= minScore {
			matches = append(matches, Match{Code: item.Code, Score: s})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Correct troca tokens desconhecidos pela palavra mais próxima do vocabulário
func (c *Catalog) Correct(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if len(tok) < minCorrectableLen || c.vocabulary[tok] {
			out = append(out, tok)
			continue
		}
		if guess := c.matcher.Closest(tok); plausible(tok, guess) {
			out = append(out, guess)
			continue
		}
		out = append(out, tok)
	}
	return out
}

// plausible descarta sugestões que não compartilham a inicial ou diferem muito no tamanho
func plausible(token, guess string) bool {
	if guess == "" || guess[0] != token[0] {
		return false
	}
	diff := len(guess) - len(token)
	return diff >= -2 && diff <= 2
}

func uniq(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
