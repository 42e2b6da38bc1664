package submission

import (
	"context"
	"net/http"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// Envelope é uma DPS pronta para envio
type Envelope struct {
	Versao     string
	Payload    string
	DocumentID string
	XML        string
}

// EnvelopeFactory produz o envelope de cada rodada de envio.
// A rodada 0 é o envio original; rodadas seguintes regeneram identificador
// e data de emissão após um E999.
type EnvelopeFactory func(ctx context.Context, replay int) (*Envelope, error)

// StaticEnvelope envia sempre o mesmo envelope, sem regeneração
func StaticEnvelope(env *Envelope) EnvelopeFactory {
	return func(context.Context, int) (*Envelope, error) {
		return env, nil
	}
}

type submitRequest struct {
	Versao        string `json:"versao"`
	DpsXmlGzipB64 string `json:"dpsXmlGzipB64"`
}

// Submit envia a DPS com novas tentativas para falhas transitórias e
// regeneração do documento para falhas não catalogadas.
func (c *Client) Submit(ctx context.Context, factory EnvelopeFactory) (*models.EmitResult, error) {
	attempts := 0
	var last *models.EmissionError

	for replay := 0; replay <= c.cfg.UncatalogedReplays; replay++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(ctx, err)
		}

		env, err := factory(ctx, replay)
		if err != nil {
			return nil, err
		}

		result, failure := c.submitEnvelope(ctx, env, &attempts)
		if failure == nil {
			result.Attempts = attempts
			return result, nil
		}
		if failure.Kind != models.KindUncatalogedUpstream {
			return nil, failure
		}

		last = failure
		c.logger.WithFields(logrus.Fields{
			"document_id": env.DocumentID,
			"replay":      replay,
			"attempts":    attempts,
		}).Warn("Uncatalogued error from national API, regenerating DPS")
	}

	return nil, last
}

func (c *Client) submitEnvelope(ctx context.Context, env *Envelope, attempts *int) (*models.EmitResult, *models.EmissionError) {
	versao := env.Versao
	if versao == "" {
		versao = c.cfg.Versao
	}
	body := submitRequest{Versao: versao, DpsXmlGzipB64: env.Payload}

	var last *models.EmissionError
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.cfg.BaseBackoff * time.Duration(1<<(attempt-2))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, cancelled(ctx, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, cancelled(ctx, err)
		}

		*attempts++
		resp, err := c.do(ctx, "submit", http.MethodPost, "/nfse", body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx, err)
			}
			last = transportError(err)
			c.logAttempt(env, attempt, last)
			continue
		}

		parsed := parseResponse(resp.Body)
		failure := classify(resp, parsed, summarize(env))
		if failure == nil {
			result := parsed.result(resp.Body)
			c.logger.WithFields(logrus.Fields{
				"document_id": env.DocumentID,
				"protocol":    result.Protocol,
				"status":      result.Status,
				"attempt":     attempt,
			}).Info("DPS accepted by national API")
			return result, nil
		}

		c.logAttempt(env, attempt, failure)
		if failure.Kind != models.KindUpstreamRetryable {
			return nil, failure
		}
		last = failure
	}
	return nil, last
}

func (c *Client) logAttempt(env *Envelope, attempt int, failure *models.EmissionError) {
	c.logger.WithFields(logrus.Fields{
		"document_id":   env.DocumentID,
		"attempt":       attempt,
		"kind":          failure.Kind,
		"http_status":   failure.HTTPStatus,
		"upstream_code": failure.UpstreamCode,
	}).Warn("DPS submission attempt failed")
}

// summarize extrai da DPS enviada os dados usados numa rejeição
func summarize(env *Envelope) *dps.Summary {
	xml := env.XML
	if xml == "" && env.Payload != "" {
		decoded, err := dps.DecodePayload(env.Payload)
		if err != nil {
			return nil
		}
		xml = decoded
	}
	if xml == "" {
		return nil
	}
	summary, err := dps.Inspect(xml)
	if err != nil {
		return nil
	}
	return summary
}
