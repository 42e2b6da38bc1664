package certificate

import (
	"crypto/x509"
	"encoding/asn1"
	"regexp"
	"strings"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
)

// Política ICP-Brasil para certificados A3 (2.16.76.1.2.3.x)
var icpBrasilA3Policy = asn1.ObjectIdentifier{2, 16, 76, 1, 2, 3}

var digitRun = regexp.MustCompile(`\d+`)

// Validate verifica validade temporal, classe e titularidade do certificado.
// expectedTaxID vazio pula a checagem de titularidade.
func Validate(cert *x509.Certificate, expectedTaxID string, now time.Time) models.CertificateStatus {
	status := models.CertificateStatus{
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		SubjectTaxID: SubjectTaxID(cert),
		Class:        Class(cert),
	}

	status.Expired = now.Before(cert.NotBefore) || now.After(cert.NotAfter)
	if status.Expired {
		status.Errors = append(status.Errors, "certificate expired")
	}

	expected := dps.OnlyDigits(expectedTaxID)
	if expected != "" && status.SubjectTaxID != expected {
		status.Mismatch = true
		status.Errors = append(status.Errors, "certificate tax id does not match provider")
	}
	return status
}

// SubjectTaxID extrai o primeiro CNPJ (14) ou CPF (11) do subject
func SubjectTaxID(cert *x509.Certificate) string {
	var values []string
	for _, attr := range cert.Subject.Names {
		if s, ok := attr.Value.(string); ok {
			values = append(values, s)
		}
	}
	for _, run := range digitRun.FindAllString(strings.Join(values, " "), -1) {
		if len(run) == 14 || len(run) == 11 {
			return run
		}
	}
	return ""
}

// Class classifica o certificado como A1 ou A3
func Class(cert *x509.Certificate) models.CertificateClass {
	for _, name := range cert.DNSNames {
		if strings.Contains(name, "A3") {
			return models.CertificateClassA3
		}
	}
	for _, email := range cert.EmailAddresses {
		if strings.Contains(email, "A3") {
			return models.CertificateClassA3
		}
	}
	for _, policy := range cert.PolicyIdentifiers {
		if hasPrefix(policy, icpBrasilA3Policy) {
			return models.CertificateClassA3
		}
	}
	// Policies também traz OIDs que não cabem em asn1.ObjectIdentifier
	a3 := icpBrasilA3Policy.String() + "."
	for _, policy := range cert.Policies {
		if strings.HasPrefix(policy.String(), a3) {
			return models.CertificateClassA3
		}
	}
	return models.CertificateClassA1
}

func hasPrefix(oid, prefix asn1.ObjectIdentifier) bool {
	if len(oid) < len(prefix) {
		return false
	}
	return oid[:len(prefix)].Equal(prefix)
}
