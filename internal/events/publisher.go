package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Publisher publica eventos do ciclo de vida das emissões
type Publisher interface {
	Publish(ctx context.Context, event models.EmissionEvent) error
	Close()
}

// Subject monta o assunto do evento: <prefixo>.<status em minúsculas>
func Subject(prefix string, status models.EmissionStatus) string {
	return prefix + "." + strings.ToLower(string(status))
}

// NATSPublisher publica no NATS core
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *logrus.Logger
}

// NewNATSPublisher conecta ao servidor com reconexão automática
func NewNATSPublisher(url, prefix string, logger *logrus.Logger) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = "nfse.emission"
	}

	conn, err := nats.Connect(
		url,
		nats.Name("nfse-service"),
		nats.Timeout(2*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to NATS: %w", err)
	}

	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Publish serializa o evento em JSON
func (p *NATSPublisher) Publish(ctx context.Context, event models.EmissionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error marshaling emission event: %w", err)
	}

	subject := Subject(p.prefix, event.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("error publishing to %s: %w", subject, err)
	}

	p.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"protocol": event.Protocol,
	}).Debug("Emission event published")
	return nil
}

// Close drena a conexão
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}

// NoopPublisher descarta eventos quando o NATS não está configurado
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, models.EmissionEvent) error { return nil }

func (NoopPublisher) Close() {}
