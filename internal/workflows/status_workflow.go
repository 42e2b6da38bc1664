package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/inngest/inngestgo"
	"github.com/inngest/inngestgo/step"
	"github.com/sirupsen/logrus"
)

// StatusPoller consulta a situação de uma emissão e reconcilia o registro local
type StatusPoller interface {
	Poll(ctx context.Context, protocol string) (*models.EmitResult, error)
}

// EmissionQueuedData é o payload do evento nfse/emission.queued
type EmissionQueuedData struct {
	EmissionID string `json:"emission_id"`
	UserID     string `json:"user_id"`
	Protocol   string `json:"protocolo"`
}

// PollOutcome é o resultado de uma consulta, memorizado pelo step
type PollOutcome struct {
	Status    models.EmissionStatus `json:"status"`
	AccessKey string                `json:"chave_acesso,omitempty"`
	Error     string                `json:"error,omitempty"`
	Retry     bool                  `json:"retry"`
}

// Final indica que não há mais o que consultar
func (o PollOutcome) Final() bool {
	if o.Error != "" {
		return !o.Retry
	}
	return o.Status.IsTerminal()
}

// StatusWorkflow consulta o ambiente nacional até a emissão sair da fila
type StatusWorkflow struct {
	poller   StatusPoller
	interval time.Duration
	maxPolls int
	logger   *logrus.Logger
}

// NewStatusWorkflow cria uma nova instância do workflow
func NewStatusWorkflow(poller StatusPoller, interval time.Duration, maxPolls int, logger *logrus.Logger) *StatusWorkflow {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxPolls <= 0 {
		maxPolls = 20
	}
	return &StatusWorkflow{
		poller:   poller,
		interval: interval,
		maxPolls: maxPolls,
		logger:   logger,
	}
}

// Run é a função registrada no Inngest; cada consulta é um step durável
func (w *StatusWorkflow) Run(ctx context.Context, input inngestgo.Input[EmissionQueuedData]) (any, error) {
	protocol := input.Event.Data.Protocol
	if protocol == "" {
		return nil, fmt.Errorf("event without protocolo")
	}

	var outcome PollOutcome
	for i := 1; i <= w.maxPolls; i++ {
		step.Sleep(ctx, fmt.Sprintf("wait-%d", i), w.interval)

		result, err := step.Run(ctx, fmt.Sprintf("poll-%d", i), func(ctx context.Context) (PollOutcome, error) {
			return w.Check(ctx, protocol), nil
		})
		if err != nil {
			return nil, err
		}
		outcome = result
		if outcome.Final() {
			break
		}
	}

	w.logger.WithFields(logrus.Fields{
		"protocolo": protocol,
		"status":    outcome.Status,
		"error":     outcome.Error,
	}).Info("Status polling finished")
	return outcome, nil
}

// Check faz uma consulta; falhas transitórias viram Retry em vez de erro do step
func (w *StatusWorkflow) Check(ctx context.Context, protocol string) PollOutcome {
	result, err := w.poller.Poll(ctx, protocol)
	if err != nil {
		retry := models.IsKind(err, models.KindUpstreamRetryable) || models.KindOf(err) == ""
		w.logger.WithFields(logrus.Fields{
			"protocolo": protocol,
			"retry":     retry,
			"error":     err.Error(),
		}).Warn("Status poll failed")
		return PollOutcome{Status: models.EmissionStatusQueued, Error: err.Error(), Retry: retry}
	}
	return PollOutcome{Status: result.Status, AccessKey: result.AccessKey}
}
