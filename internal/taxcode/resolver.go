package taxcode

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	seedBaseWeight   = 100
	perActivityLimit = 2
	fallbackLimit    = 10
	maxFreeTextLimit = 3
	minFreeTextLen   = 3
)

// Subclasses que a heurística léxica não deve mapear
var activityBlocklist = map[string]bool{
	"9700500": true,
}

// SeedStore lê a tabela semente atividade → código
type SeedStore interface {
	SeedCandidates(ctx context.Context, activities []string) ([]models.SeedEntry, error)
}

// AllowlistStore persiste o snapshot de códigos permitidos por chave
type AllowlistStore interface {
	Replace(ctx context.Context, key models.AllowlistKey, candidates []models.TaxCodeCandidate) error
	Get(ctx context.Context, key models.AllowlistKey) ([]models.TaxCodeCandidate, error)
}

// Options configura o resolvedor
type Options struct {
	FreeTextLimit   int
	PreflightStrict bool
	Observer        ResolutionObserver
}

// ResolutionObserver recebe a camada que encerrou cada resolução
type ResolutionObserver interface {
	ObserveResolution(tier string)
}

// Resolver resolve códigos de tributação em três camadas
type Resolver struct {
	catalog   *Catalog
	seeds     SeedStore
	municipal MunicipalParameters
	registry  BusinessRegistry
	allowlist AllowlistStore
	locker    KeyLocker
	opts      Options
	logger    *logrus.Logger
}

// NewResolver cria o resolvedor; seeds e registry podem ser nil
func NewResolver(catalog *Catalog, seeds SeedStore, municipal MunicipalParameters, registry BusinessRegistry,
	allowlist AllowlistStore, locker KeyLocker, opts Options, logger *logrus.Logger) *Resolver {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if opts.FreeTextLimit <= 0 {
		opts.FreeTextLimit = 2
	}
	if opts.FreeTextLimit > maxFreeTextLimit {
		opts.FreeTextLimit = maxFreeTextLimit
	}
	return &Resolver{
		catalog:   catalog,
		seeds:     seeds,
		municipal: municipal,
		registry:  registry,
		allowlist: allowlist,
		locker:    locker,
		opts:      opts,
		logger:    logger,
	}
}

// Resolve percorre as camadas até encontrar candidatos
func (r *Resolver) Resolve(ctx context.Context, req models.ResolveRequest) (*models.Resolution, error) {
	key, err := normalizeKey(req.TaxpayerID, req.Municipality, req.Competence)
	if err != nil {
		return nil, err
	}
	activities := r.activities(ctx, key.TaxpayerID, req.Activities)

	log := r.logger.WithFields(logrus.Fields{
		"cnpj":         key.TaxpayerID,
		"municipality": key.Municipality,
		"competence":   key.Competence,
		"activities":   len(activities),
	})

	tiers := []struct {
		tier models.ResolutionTier
		run  func() []models.TaxCodeCandidate
	}{
		{models.TierSeedMatch, func() []models.TaxCodeCandidate { return r.seedTier(ctx, key, activities) }},
		{models.TierLexicalActivityMatch, func() []models.TaxCodeCandidate { return r.activityTier(key, activities) }},
	}

	for _, t := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidates := t.run()
		if len(candidates) == 0 {
			continue
		}
		gated, needsConfirm, administered := r.gate(ctx, key, candidates)
		if len(gated) == 0 {
			// com sementes, a camada léxica não roda: oferece os códigos do município
			if t.tier == models.TierSeedMatch {
				log.WithField("administered", len(administered)).Warn("Seed candidates filtered out by municipal parameters, using municipal fallback")
				return r.finish(ctx, key, t.tier, r.municipalFallback(key, administered, candidates), true)
			}
			log.WithField("tier", t.tier).Info("Candidates filtered out by municipal parameters")
			continue
		}
		return r.finish(ctx, key, t.tier, gated, needsConfirm)
	}

	text := strings.TrimSpace(req.FreeText)
	if len([]rune(text)) < minFreeTextLen {
		log.Info("No tax code candidate from activities, awaiting free text")
		r.observe(models.TierExhausted)
		return &models.Resolution{Key: key, Tier: models.TierExhausted, AwaitingFreeText: true},
			&models.EmissionError{
				Kind:    models.KindNoTaxCodeCandidate,
				Message: "no tax code candidate for the taxpayer activities",
				Hint:    "describe the service in a few words to search the service list",
			}
	}

	candidates := r.freeTextTier(key, text)
	if len(candidates) > 0 {
		gated, needsConfirm, _ := r.gate(ctx, key, candidates)
		if len(gated) > 0 {
			return r.finish(ctx, key, models.TierLexicalFreeTextMatch, gated, needsConfirm)
		}
	}

	log.WithField("free_text", text).Warn("Tax code resolution exhausted")
	r.observe(models.TierExhausted)
	return &models.Resolution{Key: key, Tier: models.TierExhausted},
		&models.EmissionError{
			Kind:    models.KindNoTaxCodeCandidate,
			Message: "no tax code candidate matches the service description",
			Hint:    "choose the service code manually",
		}
}

func (r *Resolver) finish(ctx context.Context, key models.AllowlistKey, tier models.ResolutionTier, candidates []models.TaxCodeCandidate, needsConfirm bool) (*models.Resolution, error) {
	if err := r.persist(ctx, key, candidates); err != nil {
		return nil, err
	}
	r.observe(tier)

	codes := make([]string, 0, len(candidates))
	for _, c := range candidates {
		codes = append(codes, c.Code)
	}
	r.logger.WithFields(logrus.Fields{
		"cnpj":          key.TaxpayerID,
		"municipality":  key.Municipality,
		"competence":    key.Competence,
		"tier":          tier,
		"codes":         codes,
		"needs_confirm": needsConfirm,
	}).Info("Tax code candidates resolved")

	return &models.Resolution{
		Key:              key,
		Tier:             tier,
		Candidates:       candidates,
		NeedsUserConfirm: needsConfirm,
	}, nil
}

func (r *Resolver) observe(tier models.ResolutionTier) {
	if r.opts.Observer != nil {
		r.opts.Observer.ObserveResolution(string(tier))
	}
}

func (r *Resolver) activities(ctx context.Context, taxpayerID string, given []models.Activity) []models.Activity {
	var out []models.Activity
	seen := map[string]bool{}
	add := func(a models.Activity) {
		code := NormalizeActivity(a.Code)
		if code == "" || seen[code] {
			return
		}
		seen[code] = true
		out = append(out, models.Activity{Code: code, Description: a.Description})
	}

	for _, a := range given {
		add(a)
	}
	if len(out) > 0 || r.registry == nil || len(taxpayerID) != 14 {
		return out
	}

	found, err := r.registry.Lookup(ctx, taxpayerID)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"cnpj":  taxpayerID,
			"error": err.Error(),
		}).Warn("Business registry lookup failed")
		return out
	}
	add(found.Primary)
	for _, a := range found.Secondary {
		add(a)
	}
	return out
}

func (r *Resolver) seedTier(ctx context.Context, key models.AllowlistKey, activities []models.Activity) []models.TaxCodeCandidate {
	if len(activities) == 0 {
		return nil
	}
	codes := make([]string, 0, len(activities))
	for _, a := range activities {
		codes = append(codes, a.Code)
	}

	var entries []models.SeedEntry
	if r.seeds != nil {
		stored, err := r.seeds.SeedCandidates(ctx, codes)
		if err != nil {
			r.logger.WithError(err).Warn("Seed table unavailable, using embedded seeds")
		}
		entries = stored
	}
	if len(entries) == 0 {
		for _, code := range codes {
			for idx, c := range r.catalog.Seeds(code) {
				entries = append(entries, models.SeedEntry{Activity: code, Code: c, Weight: seedBaseWeight - idx, Source: "embedded"})
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Weight > entries[j].Weight })

	var out []models.TaxCodeCandidate
	seen := map[string]bool{}
	for _, e := range entries {
		subitem, serviceCode := normalizeCode(e.Code)
		if seen[serviceCode] {
			continue
		}
		seen[serviceCode] = true
		out = append(out, r.candidate(key, subitem, serviceCode, models.TaxCodeOriginAuto, e.Weight))
	}
	return out
}

func (r *Resolver) activityTier(key models.AllowlistKey, activities []models.Activity) []models.TaxCodeCandidate {
	best := map[string]int{}
	for _, a := range activities {
		if activityBlocklist[a.Code] {
			r.logger.WithField("cnae", a.Code).Info("Activity blocklisted for lexical matching")
			continue
		}

		var text []string
		if desc, ok := r.catalog.Activity(a.Code); ok {
			text = append(text, desc.Title)
			text = append(text, desc.Keywords...)
		}
		if a.Description != "" {
			text = append(text, a.Description)
		}
		if len(text) == 0 {
			continue
		}

		for _, m := range r.catalog.TopK(Tokenize(strings.Join(text, " ")), perActivityLimit, MinLexicalScore) {
			if m.Score > best[m.Code] {
				best[m.Code] = m.Score
			}
		}
	}
	return r.ranked(key, best, models.TaxCodeOriginFallback, 0)
}

func (r *Resolver) freeTextTier(key models.AllowlistKey, text string) []models.TaxCodeCandidate {
	tokens := r.catalog.Correct(Tokenize(text))
	scores := map[string]int{}
	for _, m := range r.catalog.TopK(tokens, r.opts.FreeTextLimit, 1) {
		scores[m.Code] = m.Score
	}
	return r.ranked(key, scores, models.TaxCodeOriginFallback, r.opts.FreeTextLimit)
}

func (r *Resolver) ranked(key models.AllowlistKey, scores map[string]int, origin models.TaxCodeOrigin, limit int) []models.TaxCodeCandidate {
	codes := make([]string, 0, len(scores))
	for code := range scores {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		if scores[codes[i]] != scores[codes[j]] {
			return scores[codes[i]] > scores[codes[j]]
		}
		return codes[i] < codes[j]
	})
	if limit > 0 && len(codes) > limit {
		codes = codes[:limit]
	}

	out := make([]models.TaxCodeCandidate, 0, len(codes))
	for _, code := range codes {
		serviceCode, _ := ToServiceCode(code)
		out = append(out, r.candidate(key, code, serviceCode, origin, scores[code]))
	}
	return out
}

func (r *Resolver) candidate(key models.AllowlistKey, subitem, serviceCode string, origin models.TaxCodeOrigin, score int) models.TaxCodeCandidate {
	return models.TaxCodeCandidate{
		Code:        subitem,
		ServiceCode: serviceCode,
		Description: r.catalog.Label(subitem),
		Origin:      origin,
		Score:       score,
		ValidFrom:   competenceStart(key.Competence),
	}
}

// gate intersecta com os códigos administrados. Consulta vazia é dado desconhecido:
// o candidato segue, mas pede confirmação. Falha na consulta libera todos com confirmação.
func (r *Resolver) gate(ctx context.Context, key models.AllowlistKey, candidates []models.TaxCodeCandidate) ([]models.TaxCodeCandidate, bool, []string) {
	if r.municipal == nil {
		return candidates, true, nil
	}

	lookups := map[string][]string{}
	administered := map[string]bool{}
	for _, c := range candidates {
		if _, ok := lookups[c.ServiceCode]; ok {
			continue
		}

		codes, err := r.municipal.AdministeredCodes(ctx, key.Municipality, key.Competence, c.ServiceCode)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"municipality": key.Municipality,
				"error":        err.Error(),
			}).Warn("Municipal parameters unavailable, returning ungated candidates")
			return candidates, true, nil
		}
		lookups[c.ServiceCode] = codes
		for _, code := range codes {
			administered[code] = true
		}
	}

	var out []models.TaxCodeCandidate
	needsConfirm := false
	for _, c := range candidates {
		switch {
		case len(lookups[c.ServiceCode]) == 0:
			needsConfirm = true
			out = append(out, c)
		case administered[c.ServiceCode]:
			out = append(out, c)
		}
	}

	list := make([]string, 0, len(administered))
	for code := range administered {
		list = append(list, code)
	}
	sort.Strings(list)
	return out, needsConfirm, list
}

// municipalFallback oferece os códigos administrados pelo município quando nenhuma
// semente passou no filtro; sem lista, devolve as sementes sem filtro
func (r *Resolver) municipalFallback(key models.AllowlistKey, administered []string, seeds []models.TaxCodeCandidate) []models.TaxCodeCandidate {
	var out []models.TaxCodeCandidate
	for _, serviceCode := range administered {
		if !serviceCodeRe.MatchString(serviceCode) || serviceCode == "000000" {
			continue
		}
		out = append(out, r.candidate(key, FromServiceCode(serviceCode), serviceCode, models.TaxCodeOriginFallback, 0))
		if len(out) == fallbackLimit {
			break
		}
	}
	if len(out) == 0 {
		return seeds
	}
	return out
}

func (r *Resolver) persist(ctx context.Context, key models.AllowlistKey, candidates []models.TaxCodeCandidate) error {
	if r.allowlist == nil {
		return nil
	}
	unlock, err := r.locker.Lock(ctx, LockKey(key.TaxpayerID, key.Municipality, key.Competence))
	if err != nil {
		return fmt.Errorf("error locking allowlist: %w", err)
	}
	defer unlock()

	if err := r.allowlist.Replace(ctx, key, candidates); err != nil {
		return fmt.Errorf("error persisting allowlist: %w", err)
	}
	return nil
}

// Allowlist retorna o snapshot vigente da chave
func (r *Resolver) Allowlist(ctx context.Context, key models.AllowlistKey) ([]models.TaxCodeCandidate, error) {
	normalized, err := normalizeKey(key.TaxpayerID, key.Municipality, key.Competence)
	if err != nil {
		return nil, err
	}
	if r.allowlist == nil {
		return nil, nil
	}
	return r.allowlist.Get(ctx, normalized)
}

// AddManual inclui um código escolhido pelo operador no snapshot vigente
func (r *Resolver) AddManual(ctx context.Context, req models.ManualCodeRequest) ([]models.TaxCodeCandidate, error) {
	key, err := normalizeKey(req.Key.TaxpayerID, req.Key.Municipality, req.Key.Competence)
	if err != nil {
		return nil, err
	}
	if r.allowlist == nil {
		return nil, fmt.Errorf("allowlist store not configured")
	}

	subitem, serviceCode := normalizeCode(req.Code)
	if !serviceCodeRe.MatchString(serviceCode) || serviceCode == "000000" {
		return nil, &models.EmissionError{Kind: models.KindInputValidation, Field: "codigo", Message: "invalid service code"}
	}

	unlock, err := r.locker.Lock(ctx, LockKey(key.TaxpayerID, key.Municipality, key.Competence))
	if err != nil {
		return nil, fmt.Errorf("error locking allowlist: %w", err)
	}
	defer unlock()

	current, err := r.allowlist.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("error reading allowlist: %w", err)
	}
	for _, c := range current {
		if c.ServiceCode == serviceCode {
			return current, nil
		}
	}

	manual := r.candidate(key, subitem, serviceCode, models.TaxCodeOriginManual, 0)
	if req.Description != "" {
		manual.Description = req.Description
	}
	updated := append(current, manual)
	if err := r.allowlist.Replace(ctx, key, updated); err != nil {
		return nil, fmt.Errorf("error persisting allowlist: %w", err)
	}
	return updated, nil
}

func normalizeKey(taxpayerID, municipality, competence string) (models.AllowlistKey, error) {
	key := models.AllowlistKey{
		TaxpayerID:   dps.OnlyDigits(taxpayerID),
		Municipality: strings.TrimSpace(municipality),
		Competence:   strings.TrimSpace(competence),
	}
	if len(key.Competence) > 7 {
		key.Competence = key.Competence[:7]
	}

	var issues []models.ErrorDetail
	if n := len(key.TaxpayerID); n != 11 && n != 14 {
		issues = append(issues, models.ErrorDetail{Field: "cnpj", Issue: "must have 11 or 14 digits"})
	}
	if len(key.Municipality) != 7 || dps.OnlyDigits(key.Municipality) != key.Municipality {
		issues = append(issues, models.ErrorDetail{Field: "codigoMunicipio", Issue: "must be a 7-digit IBGE code"})
	}
	if !dps.ValidCompetence(key.Competence) {
		issues = append(issues, models.ErrorDetail{Field: "competencia", Issue: "must be YYYY-MM"})
	}
	if len(issues) > 0 {
		return key, models.NewInputValidationError(issues)
	}
	return key, nil
}

func competenceStart(competence string) time.Time {
	t, err := time.Parse("2006-01", competence)
	if err != nil {
		return time.Time{}
	}
	return t
}
