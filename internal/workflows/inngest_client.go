package workflows

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hypernova-labs/nfse-service/internal/config"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/inngest/inngestgo"
	"github.com/sirupsen/logrus"
)

// EventEmissionQueued dispara o polling de uma emissão que ficou em fila
const EventEmissionQueued = "nfse/emission.queued"

// InngestClient registra as funções de polling e publica os eventos que as disparam
type InngestClient struct {
	client inngestgo.Client
	cfg    config.InngestConfig
	logger *logrus.Logger
}

// NewInngestClient cria uma nova instância do cliente
func NewInngestClient(cfg config.InngestConfig, logger *logrus.Logger) (*InngestClient, error) {
	opts := inngestgo.ClientOpts{AppID: cfg.AppID}
	if cfg.Dev {
		dev := true
		opts.Dev = &dev
	} else {
		if cfg.EventKey == "" {
			return nil, fmt.Errorf("INNGEST_EVENT_KEY not configured")
		}
		if cfg.SigningKey == "" {
			return nil, fmt.Errorf("INNGEST_SIGNING_KEY not configured")
		}
	}
	if cfg.EventKey != "" {
		opts.EventKey = &cfg.EventKey
	}
	if cfg.SigningKey != "" {
		opts.SigningKey = &cfg.SigningKey
	}

	client, err := inngestgo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("error creating Inngest client: %w", err)
	}

	return &InngestClient{
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// RegisterWorkflows registra a função de polling de status
func (c *InngestClient) RegisterWorkflows(poller StatusPoller) error {
	workflow := NewStatusWorkflow(poller, c.cfg.PollInterval, c.cfg.MaxPolls, c.logger)

	_, err := inngestgo.CreateFunction(
		c.client,
		inngestgo.FunctionOpts{ID: "nfse-status-poll", Name: "Poll NFS-e emission status"},
		inngestgo.EventTrigger(EventEmissionQueued, nil),
		workflow.Run,
	)
	if err != nil {
		return fmt.Errorf("error registering status workflow: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"app_id":        c.cfg.AppID,
		"event":         EventEmissionQueued,
		"poll_interval": c.cfg.PollInterval.String(),
		"max_polls":     c.cfg.MaxPolls,
	}).Info("Inngest workflows registered")
	return nil
}

// SchedulePolling envia o evento que inicia o polling da emissão
func (c *InngestClient) SchedulePolling(ctx context.Context, record *models.EmissionRecord) error {
	id, err := c.client.Send(ctx, inngestgo.Event{
		Name: EventEmissionQueued,
		Data: map[string]any{
			"emission_id": record.ID.String(),
			"user_id":     record.UserID,
			"protocolo":   record.Protocol,
		},
	})
	if err != nil {
		return fmt.Errorf("error sending %s event: %w", EventEmissionQueued, err)
	}

	c.logger.WithFields(logrus.Fields{
		"event_id":  id,
		"protocolo": record.Protocol,
	}).Info("Status polling scheduled")
	return nil
}

// Handler expõe o endpoint de execução das funções
func (c *InngestClient) Handler() http.Handler {
	return c.client.Serve()
}
