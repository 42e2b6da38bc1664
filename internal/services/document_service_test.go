package services

import (
	"bytes"
	"context"
	"testing"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authorizedRecord(key string) *models.EmissionRecord {
	record := queuedRecord("PROT-1")
	record.Status = models.EmissionStatusAuthorized
	record.AccessKey = &key
	number := "17"
	record.NfseNumber = &number
	return record
}

func TestDownloadServesCachedDocument(t *testing.T) {
	api := &fakeAPI{}
	storage := newFakeStorage()
	storage.objects["docs/danfse/KEY-1.pdf"] = []byte("%PDF-cached")

	svc := NewDocumentService(api, newFakeStore(), storage, "docs", testLogger())
	data, contentType, err := svc.Download(context.Background(), "KEY-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-cached"), data)
	assert.Equal(t, "application/pdf", contentType)
	assert.Equal(t, 0, api.downloads)
}

func TestDownloadFetchesAndCaches(t *testing.T) {
	api := &fakeAPI{document: []byte("%PDF-upstream")}
	storage := newFakeStorage()
	store := newFakeStore()
	record := authorizedRecord("KEY-1")
	store.records[record.Protocol] = record

	svc := NewDocumentService(api, store, storage, "docs", testLogger())
	data, _, err := svc.Download(context.Background(), "KEY-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-upstream"), data)

	assert.Equal(t, []byte("%PDF-upstream"), storage.objects["docs/danfse/KEY-1.pdf"])
	assert.Equal(t, "danfse/KEY-1.pdf", store.attached[record.ID])

	// segunda chamada sai do cache
	_, _, err = svc.Download(context.Background(), "KEY-1")
	require.NoError(t, err)
	assert.Equal(t, 1, api.downloads)
}

func TestDownloadFallsBackToLocalSummary(t *testing.T) {
	api := &fakeAPI{downloadErr: &models.EmissionError{Kind: models.KindUpstreamRetryable, Message: "national API circuit open"}}
	storage := newFakeStorage()
	store := newFakeStore()
	record := authorizedRecord("KEY-1")
	store.records[record.Protocol] = record
	storage.objects["docs/"+archivePath(record.UserID, record.Protocol)] = []byte(builtXML(t))

	svc := NewDocumentService(api, store, storage, "docs", testLogger())
	data, contentType, err := svc.Download(context.Background(), "KEY-1")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", contentType)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))

	// o resumo local não entra no cache
	_, cached := storage.objects["docs/danfse/KEY-1.pdf"]
	assert.False(t, cached)
}

func TestDownloadFallbackWithoutRecordReturnsUpstreamError(t *testing.T) {
	api := &fakeAPI{downloadErr: &models.EmissionError{Kind: models.KindUpstreamRetryable}}

	svc := NewDocumentService(api, newFakeStore(), newFakeStorage(), "docs", testLogger())
	_, _, err := svc.Download(context.Background(), "KEY-404")
	assert.True(t, models.IsKind(err, models.KindUpstreamRetryable))
}

func TestDownloadTerminalErrorPassesThrough(t *testing.T) {
	api := &fakeAPI{downloadErr: &models.EmissionError{Kind: models.KindUpstreamTerminal, HTTPStatus: 404}}
	store := newFakeStore()
	record := authorizedRecord("KEY-1")
	store.records[record.Protocol] = record

	svc := NewDocumentService(api, store, nil, "docs", testLogger())
	_, _, err := svc.Download(context.Background(), "KEY-1")
	assert.True(t, models.IsKind(err, models.KindUpstreamTerminal))
}

func TestDownloadRequiresAccessKey(t *testing.T) {
	svc := NewDocumentService(&fakeAPI{}, nil, nil, "docs", testLogger())
	_, _, err := svc.Download(context.Background(), "  ")
	assert.True(t, models.IsKind(err, models.KindInputValidation))
}

func TestGenerateSummaryPDFWithoutArchive(t *testing.T) {
	gen := NewDocumentGenerator(testLogger())
	data, err := gen.GenerateSummaryPDF(authorizedRecord("KEY-1"), nil)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}
