package services

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/certificate"
	"github.com/hypernova-labs/nfse-service/internal/certificate/certtest"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCredentialStoresBundleAndEncryptedPassphrase(t *testing.T) {
	fx := certtest.New(t, certtest.Options{})
	writer := &fakeCredentialWriter{}
	storage := newFakeStorage()
	svc := NewCredentialService(writer, storage, "certs", "vault-secret", testLogger())

	status, err := svc.Register(context.Background(), &models.CredentialUploadRequest{
		UserID:     "u-1",
		TaxID:      "41.568.425/0001-89",
		PFXBase64:  base64.StdEncoding.EncodeToString(fx.Bundle),
		Passphrase: fx.Passphrase,
	})
	require.NoError(t, err)
	assert.True(t, status.Valid())
	assert.Equal(t, "41568425000189", status.SubjectTaxID)

	require.Len(t, writer.records, 1)
	record := writer.records[0]
	assert.True(t, strings.HasPrefix(record.StoragePath, "certificates/u-1/"))
	assert.NotContains(t, record.EncryptedPassphrase, fx.Passphrase)

	plain, err := certificate.DecryptPassphrase(record.EncryptedPassphrase, "vault-secret")
	require.NoError(t, err)
	assert.Equal(t, fx.Passphrase, plain)

	assert.Equal(t, fx.Bundle, storage.objects["certs/"+record.StoragePath])
	assert.Equal(t, "application/x-pkcs12", storage.types["certs/"+record.StoragePath])
}

func TestRegisterCredentialRejectsExpiredCertificate(t *testing.T) {
	fx := certtest.New(t, certtest.Options{
		NotBefore: time.Now().Add(-48 * time.Hour),
		NotAfter:  time.Now().Add(-24 * time.Hour),
	})
	writer := &fakeCredentialWriter{}
	storage := newFakeStorage()
	svc := NewCredentialService(writer, storage, "certs", "vault-secret", testLogger())

	status, err := svc.Register(context.Background(), &models.CredentialUploadRequest{
		UserID:     "u-1",
		PFXBase64:  base64.StdEncoding.EncodeToString(fx.Bundle),
		Passphrase: fx.Passphrase,
	})
	assert.True(t, models.IsKind(err, models.KindCredentialExpired))
	require.NotNil(t, status)
	assert.True(t, status.Expired)
	assert.Empty(t, writer.records)
	assert.Empty(t, storage.objects)
}

func TestRegisterCredentialWrongPassphrase(t *testing.T) {
	fx := certtest.New(t, certtest.Options{})
	svc := NewCredentialService(&fakeCredentialWriter{}, newFakeStorage(), "certs", "vault-secret", testLogger())

	_, err := svc.Register(context.Background(), &models.CredentialUploadRequest{
		UserID:     "u-1",
		PFXBase64:  base64.StdEncoding.EncodeToString(fx.Bundle),
		Passphrase: "wrong",
	})
	assert.True(t, models.IsKind(err, models.KindCredentialMalformed))
}

func TestRegisterCredentialInvalidBase64(t *testing.T) {
	svc := NewCredentialService(&fakeCredentialWriter{}, newFakeStorage(), "certs", "vault-secret", testLogger())

	_, err := svc.Register(context.Background(), &models.CredentialUploadRequest{UserID: "u-1", PFXBase64: "%%%"})
	assert.True(t, models.IsKind(err, models.KindInputValidation))
}

func TestRegisterCredentialRequiresVault(t *testing.T) {
	svc := NewCredentialService(&fakeCredentialWriter{}, nil, "certs", "vault-secret", testLogger())

	_, err := svc.Register(context.Background(), &models.CredentialUploadRequest{UserID: "u-1", PFXBase64: "MIIK"})
	assert.ErrorIs(t, err, ErrVaultNotConfigured)
}

func TestRegisterCredentialRemovesBundleWhenRecordFails(t *testing.T) {
	fx := certtest.New(t, certtest.Options{})
	storage := newFakeStorage()
	svc := NewCredentialService(&fakeCredentialWriter{err: errors.New("db down")}, storage, "certs", "vault-secret", testLogger())

	_, err := svc.Register(context.Background(), &models.CredentialUploadRequest{
		UserID:     "u-1",
		PFXBase64:  base64.StdEncoding.EncodeToString(fx.Bundle),
		Passphrase: fx.Passphrase,
	})
	assert.ErrorContains(t, err, "db down")
	assert.Empty(t, storage.objects)
}
