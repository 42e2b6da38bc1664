package services

import (
	"context"
	"errors"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/certificate"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
)

// signingSession resolve a credencial uma vez por emissão e a destrói no close.
// O status do certificado é recalculado a cada sessão.
type signingSession struct {
	resolver CredentialResolver
	signer   XMLSigner
	recorder Recorder
	logger   *logrus.Logger
	now      func() time.Time

	userID string
	taxID  string
	cred   *certificate.Credential
}

func (s *signingSession) credential(ctx context.Context) (*certificate.Credential, error) {
	if s.cred != nil {
		return s.cred, nil
	}
	if s.resolver == nil {
		return nil, &models.EmissionError{
			Kind:    models.KindCredentialMalformed,
			Message: "no certificate source configured",
			Hint:    "configure NFSE_CERT_PFX_BASE64 or upload a certificate",
		}
	}

	cred, err := s.resolver.Resolve(ctx, s.userID)
	if err != nil {
		if errors.Is(err, certificate.ErrCredentialNotFound) {
			return nil, &models.EmissionError{
				Kind:    models.KindCredentialMalformed,
				Message: "no certificate registered for this user",
				Hint:    "upload the A1 certificate (.pfx) before emitting",
				Cause:   err,
			}
		}
		return nil, err
	}

	status := certificate.Validate(cred.Certificate, s.taxID, s.now())
	if err := status.Err(); err != nil {
		cred.Destroy()
		s.logger.WithFields(logrus.Fields{
			"user_id":   s.userID,
			"expired":   status.Expired,
			"mismatch":  status.Mismatch,
			"not_after": status.NotAfter.Format(time.RFC3339),
		}).Warn("Signing certificate rejected")
		return nil, err
	}

	s.cred = cred
	return cred, nil
}

func (s *signingSession) sign(ctx context.Context, xml string) (string, error) {
	cred, err := s.credential(ctx)
	if err != nil {
		return "", err
	}
	signed, err := s.signer.Sign(xml, cred)
	s.recorder.ObserveSignature(err == nil)
	if err != nil {
		return "", err
	}
	return signed, nil
}

func (s *signingSession) close() {
	if s.cred != nil {
		s.cred.Destroy()
		s.cred = nil
	}
}
