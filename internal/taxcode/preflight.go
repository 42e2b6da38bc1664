package taxcode

import (
	"context"
	"fmt"
	"strings"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// Preflight confere o código escolhido contra a lista municipal antes da montagem do XML.
// A API nacional é o árbitro final: sem dados municipais o código é aceito.
func (r *Resolver) Preflight(ctx context.Context, req models.PreflightRequest) models.PreflightResult {
	_, serviceCode := normalizeCode(req.Code)
	log := r.logger.WithFields(logrus.Fields{
		"code":         req.Code,
		"service_code": serviceCode,
		"municipality": req.Municipality,
		"competence":   req.Competence,
	})

	if r.municipal == nil {
		return models.PreflightResult{Valid: true, Reason: "municipal validation unavailable, national API will validate on emission"}
	}

	codes, err := r.municipal.AdministeredCodes(ctx, strings.TrimSpace(req.Municipality), req.Competence, serviceCode)
	if err != nil {
		log.WithError(err).Warn("Municipal parameters lookup failed during preflight")
		return models.PreflightResult{Valid: true, Reason: "municipal validation unavailable, national API will validate on emission"}
	}
	if len(codes) == 0 {
		log.Info("Municipality exposes no parameters for the code")
		return models.PreflightResult{Valid: true, Reason: "municipality without parameters, national API will validate on emission"}
	}

	for _, c := range codes {
		if c == serviceCode {
			log.Debug("Code confirmed by municipal parameters")
			return models.PreflightResult{Valid: true}
		}
	}

	log.Warn("Code not found in municipal list")
	if r.opts.PreflightStrict {
		return models.PreflightResult{Valid: false, Reason: fmt.Sprintf("code %s is not administered by municipality %s", serviceCode, req.Municipality)}
	}
	return models.PreflightResult{Valid: true, Reason: fmt.Sprintf("code %s not found in municipal list, national API will validate on emission", serviceCode)}
}
