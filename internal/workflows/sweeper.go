package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// PendingLister lista emissões ainda em fila
type PendingLister interface {
	ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.EmissionRecord, error)
}

// PendingSweeper consulta periodicamente as emissões em fila quando o Inngest não está configurado
type PendingSweeper struct {
	lister    PendingLister
	workflow  *StatusWorkflow
	interval  time.Duration
	olderThan time.Duration
	batch     int
	logger    *logrus.Logger
}

// NewPendingSweeper cria o varredor; olderThan evita consultar emissões recém-enviadas
func NewPendingSweeper(lister PendingLister, poller StatusPoller, interval time.Duration, logger *logrus.Logger) *PendingSweeper {
	workflow := NewStatusWorkflow(poller, interval, 1, logger)
	return &PendingSweeper{
		lister:    lister,
		workflow:  workflow,
		interval:  workflow.interval,
		olderThan: workflow.interval,
		batch:     50,
		logger:    logger,
	}
}

// Run varre até o contexto ser cancelado
func (s *PendingSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval.String()).Info("Pending emission sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Pending emission sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.WithError(err).Warn("Pending emission sweep failed")
			}
		}
	}
}

// SweepOnce consulta um lote de emissões em fila e retorna quantas saíram da fila
func (s *PendingSweeper) SweepOnce(ctx context.Context) (int, error) {
	pending, err := s.lister.ListPending(ctx, s.olderThan, s.batch)
	if err != nil {
		return 0, fmt.Errorf("error listing pending emissions: %w", err)
	}

	settled := 0
	for _, record := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		outcome := s.workflow.Check(ctx, record.Protocol)
		if outcome.Error == "" && outcome.Status.IsTerminal() {
			settled++
		}
	}

	if len(pending) > 0 {
		s.logger.WithFields(logrus.Fields{
			"pending": len(pending),
			"settled": settled,
		}).Info("Pending emissions swept")
	}
	return settled, nil
}
