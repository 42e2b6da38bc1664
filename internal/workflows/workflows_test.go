package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/config"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fakePoller struct {
	results map[string]*models.EmitResult
	errs    map[string]error
	polled  []string
}

func (f *fakePoller) Poll(ctx context.Context, protocol string) (*models.EmitResult, error) {
	f.polled = append(f.polled, protocol)
	if err := f.errs[protocol]; err != nil {
		return nil, err
	}
	return f.results[protocol], nil
}

type fakeLister struct {
	records   []*models.EmissionRecord
	err       error
	olderThan time.Duration
	limit     int
}

func (f *fakeLister) ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.EmissionRecord, error) {
	f.olderThan, f.limit = olderThan, limit
	return f.records, f.err
}

func TestCheckTerminalStatus(t *testing.T) {
	poller := &fakePoller{results: map[string]*models.EmitResult{
		"P1": {Protocol: "P1", Status: models.EmissionStatusAuthorized, AccessKey: "K1"},
	}}
	w := NewStatusWorkflow(poller, time.Second, 3, testLogger())

	outcome := w.Check(context.Background(), "P1")
	assert.Equal(t, models.EmissionStatusAuthorized, outcome.Status)
	assert.Equal(t, "K1", outcome.AccessKey)
	assert.True(t, outcome.Final())
}

func TestCheckQueuedIsNotFinal(t *testing.T) {
	poller := &fakePoller{results: map[string]*models.EmitResult{
		"P1": {Protocol: "P1", Status: models.EmissionStatusQueued},
	}}
	w := NewStatusWorkflow(poller, time.Second, 3, testLogger())

	assert.False(t, w.Check(context.Background(), "P1").Final())
}

func TestCheckRetryableErrorKeepsPolling(t *testing.T) {
	poller := &fakePoller{errs: map[string]error{
		"P1": &models.EmissionError{Kind: models.KindUpstreamRetryable, Message: "national API circuit open"},
	}}
	w := NewStatusWorkflow(poller, time.Second, 3, testLogger())

	outcome := w.Check(context.Background(), "P1")
	assert.True(t, outcome.Retry)
	assert.False(t, outcome.Final())
	assert.Contains(t, outcome.Error, "circuit open")
}

func TestCheckTerminalErrorStopsPolling(t *testing.T) {
	poller := &fakePoller{errs: map[string]error{
		"P1": &models.EmissionError{Kind: models.KindUpstreamTerminal, HTTPStatus: 404},
	}}
	w := NewStatusWorkflow(poller, time.Second, 3, testLogger())

	outcome := w.Check(context.Background(), "P1")
	assert.False(t, outcome.Retry)
	assert.True(t, outcome.Final())
}

func TestNewStatusWorkflowDefaults(t *testing.T) {
	w := NewStatusWorkflow(&fakePoller{}, 0, 0, testLogger())
	assert.Equal(t, 30*time.Second, w.interval)
	assert.Equal(t, 20, w.maxPolls)
}

func TestSweepOnceCountsSettled(t *testing.T) {
	lister := &fakeLister{records: []*models.EmissionRecord{
		{Protocol: "P1"}, {Protocol: "P2"}, {Protocol: "P3"},
	}}
	poller := &fakePoller{
		results: map[string]*models.EmitResult{
			"P1": {Status: models.EmissionStatusAuthorized},
			"P2": {Status: models.EmissionStatusQueued},
		},
		errs: map[string]error{"P3": errors.New("timeout")},
	}
	sweeper := NewPendingSweeper(lister, poller, time.Minute, testLogger())

	settled, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, []string{"P1", "P2", "P3"}, poller.polled)
	assert.Equal(t, time.Minute, lister.olderThan)
	assert.Equal(t, 50, lister.limit)
}

func TestSweepOnceListError(t *testing.T) {
	sweeper := NewPendingSweeper(&fakeLister{err: errors.New("db down")}, &fakePoller{}, time.Minute, testLogger())

	_, err := sweeper.SweepOnce(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestSweepOnceStopsOnCancel(t *testing.T) {
	lister := &fakeLister{records: []*models.EmissionRecord{{Protocol: "P1"}}}
	poller := &fakePoller{}
	sweeper := NewPendingSweeper(lister, poller, time.Minute, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sweeper.SweepOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, poller.polled)
}

func TestNewInngestClientRequiresKeysOutsideDev(t *testing.T) {
	_, err := NewInngestClient(config.InngestConfig{AppID: "nfse-service"}, testLogger())
	assert.ErrorContains(t, err, "INNGEST_EVENT_KEY")

	_, err = NewInngestClient(config.InngestConfig{AppID: "nfse-service", EventKey: "evt"}, testLogger())
	assert.ErrorContains(t, err, "INNGEST_SIGNING_KEY")
}
