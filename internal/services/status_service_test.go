package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedRecord(protocol string) *models.EmissionRecord {
	email := "tomador@example.com"
	return &models.EmissionRecord{
		ID:             uuid.New(),
		UserID:         "u-1",
		Protocol:       protocol,
		Status:         models.EmissionStatusQueued,
		RecipientEmail: &email,
	}
}

func TestPollAppliesStatusChange(t *testing.T) {
	api := &fakeAPI{pollResult: &models.EmitResult{
		Protocol: "PROT-1", AccessKey: "KEY-1", NfseNumber: "9",
		Status: models.EmissionStatusAuthorized, Situacao: "AUTORIZADA",
	}}
	store := newFakeStore()
	record := queuedRecord("PROT-1")
	store.records["PROT-1"] = record
	publisher := &fakePublisher{}
	notifier := &fakeNotifier{}

	svc := NewStatusService(api, store, publisher, notifier, testLogger())
	result, err := svc.Poll(context.Background(), "PROT-1")
	require.NoError(t, err)
	assert.Equal(t, models.EmissionStatusAuthorized, result.Status)

	require.Len(t, store.updates, 1)
	assert.Equal(t, "KEY-1", store.updates[0].AccessKey)
	assert.Equal(t, "9", store.updates[0].NfseNumber)
	assert.Equal(t, models.EmissionStatusAuthorized, record.Status)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, record.ID, publisher.events[0].EmissionID)
	assert.Equal(t, "KEY-1", publisher.events[0].AccessKey)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "tomador@example.com", notifier.sent[0].to)
}

func TestPollUnchangedStatusSkipsUpdate(t *testing.T) {
	api := &fakeAPI{pollResult: &models.EmitResult{Protocol: "PROT-1", Status: models.EmissionStatusQueued}}
	store := newFakeStore()
	store.records["PROT-1"] = queuedRecord("PROT-1")
	publisher := &fakePublisher{}

	svc := NewStatusService(api, store, publisher, nil, testLogger())
	_, err := svc.Poll(context.Background(), "PROT-1")
	require.NoError(t, err)

	assert.Empty(t, store.updates)
	assert.Empty(t, publisher.events)
}

func TestPollRejectionDoesNotNotify(t *testing.T) {
	api := &fakeAPI{pollResult: &models.EmitResult{Protocol: "PROT-1", Status: models.EmissionStatusRejected, Situacao: "REJEITADA"}}
	store := newFakeStore()
	store.records["PROT-1"] = queuedRecord("PROT-1")
	notifier := &fakeNotifier{}

	svc := NewStatusService(api, store, nil, notifier, testLogger())
	_, err := svc.Poll(context.Background(), "PROT-1")
	require.NoError(t, err)

	require.Len(t, store.updates, 1)
	assert.Empty(t, notifier.sent)
}

func TestPollUnknownProtocolReturnsUpstreamResult(t *testing.T) {
	api := &fakeAPI{pollResult: &models.EmitResult{Protocol: "OTHER", Status: models.EmissionStatusAuthorized}}
	store := newFakeStore()

	svc := NewStatusService(api, store, nil, nil, testLogger())
	result, err := svc.Poll(context.Background(), "OTHER")
	require.NoError(t, err)
	assert.Equal(t, "OTHER", result.Protocol)
	assert.Empty(t, store.updates)
}

func TestPollPropagatesUpstreamError(t *testing.T) {
	api := &fakeAPI{pollErr: &models.EmissionError{Kind: models.KindUpstreamRetryable}}

	svc := NewStatusService(api, newFakeStore(), nil, nil, testLogger())
	_, err := svc.Poll(context.Background(), "PROT-1")
	assert.True(t, models.IsKind(err, models.KindUpstreamRetryable))
}
