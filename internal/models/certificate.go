package models

import (
	"strings"
	"time"
)

// CertificateClass representa a classe ICP-Brasil do certificado
type CertificateClass string

const (
	CertificateClassA1 CertificateClass = "A1"
	CertificateClassA3 CertificateClass = "A3"
)

// CertificateStatus representa o resultado da validação de um certificado.
// É calculado a cada assinatura e nunca reaproveitado.
type CertificateStatus struct {
	NotBefore    time.Time        `json:"notBefore"`
	NotAfter     time.Time        `json:"notAfter"`
	SubjectTaxID string           `json:"subjectTaxId,omitempty"`
	Class        CertificateClass `json:"class"`
	Expired      bool             `json:"expired"`
	Mismatch     bool             `json:"mismatch"`
	Errors       []string         `json:"errors,omitempty"`
}

// Valid indica se nenhuma verificação falhou
func (s *CertificateStatus) Valid() bool {
	return len(s.Errors) == 0
}

// Err converte o status em erro de emissão com orientação ao contribuinte
func (s *CertificateStatus) Err() error {
	if s.Valid() {
		return nil
	}
	joined := strings.Join(s.Errors, "; ")
	if s.Expired {
		return &EmissionError{
			Kind:    KindCredentialExpired,
			Message: joined,
			Hint:    "renew the A1 certificate and upload the new bundle",
		}
	}
	return &EmissionError{
		Kind:    KindCredentialMismatch,
		Message: joined,
		Hint:    "upload the certificate issued to the provider tax id",
	}
}

// CredentialRecord representa uma credencial guardada no cofre
type CredentialRecord struct {
	ID                  string    `json:"id" db:"id"`
	UserID              string    `json:"user_id" db:"user_id"`
	StoragePath         string    `json:"storage_path" db:"storage_path"`
	EncryptedPassphrase string    `json:"-" db:"passphrase_encrypted"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// CredentialUploadRequest representa o envio de um certificado A1 para o cofre
type CredentialUploadRequest struct {
	UserID     string `json:"userId" binding:"required"`
	TaxID      string `json:"cpfCnpj"`
	PFXBase64  string `json:"pfxBase64" binding:"required"`
	Passphrase string `json:"senha"`
}
