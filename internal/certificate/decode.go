package certificate

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/hypernova-labs/nfse-service/internal/models"
	legacy "golang.org/x/crypto/pkcs12"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

var errDestroyed = errors.New("credential already destroyed")

// Decode abre um bundle PKCS#12 e retorna a credencial de assinatura.
// Bundles AES/PBES2 são lidos pelo go-pkcs12; bundles com vários sacos de
// chave caem no conversor PEM do x/crypto.
func Decode(bundle []byte, passphrase string) (*Credential, error) {
	if len(bundle) == 0 {
		return nil, malformed("empty certificate bundle", nil)
	}

	key, leaf, chain, err := pkcs12.DecodeChain(bundle, passphrase)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, malformed(fmt.Sprintf("unsupported private key type %T", key), nil)
		}
		return newCredential(rsaKey, leaf, chain, bundle)
	}
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return nil, &models.EmissionError{
			Kind:    models.KindCredentialMalformed,
			Message: "certificate bundle could not be decrypted",
			Hint:    "check the certificate passphrase",
			Cause:   err,
		}
	}

	cred, legacyErr := decodePEM(bundle, passphrase)
	if legacyErr != nil {
		return nil, malformed("certificate bundle could not be parsed", errors.Join(err, legacyErr))
	}
	return cred, nil
}

func decodePEM(bundle []byte, passphrase string) (*Credential, error) {
	blocks, err := legacy.ToPEM(bundle, passphrase)
	if err != nil {
		return nil, err
	}

	var (
		key   *rsa.PrivateKey
		certs []*x509.Certificate
	)
	for _, block := range blocks {
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY":
			if key != nil {
				continue
			}
			parsed, err := parseKey(block)
			if err != nil {
				return nil, err
			}
			key = parsed
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("error parsing certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	}
	if key == nil {
		return nil, errors.New("no private key in bundle")
	}

	var leaf *x509.Certificate
	var chain []*x509.Certificate
	for _, cert := range certs {
		if leaf == nil && matchesKey(cert, key) {
			leaf = cert
			continue
		}
		chain = append(chain, cert)
	}
	return newCredential(key, leaf, chain, bundle)
}

func parseKey(block *pem.Block) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("error parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	return key, nil
}

func matchesKey(cert *x509.Certificate, key *rsa.PrivateKey) bool {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false
	}
	return pub.N.Cmp(key.N) == 0 && pub.E == key.E
}

func newCredential(key *rsa.PrivateKey, leaf *x509.Certificate, chain []*x509.Certificate, bundle []byte) (*Credential, error) {
	if key == nil {
		return nil, malformed("certificate bundle has no private key", nil)
	}
	if leaf == nil {
		return nil, malformed("certificate bundle has no certificate for the private key", nil)
	}
	if !matchesKey(leaf, key) {
		return nil, malformed("certificate does not match the private key", nil)
	}
	return &Credential{
		Certificate: leaf,
		Chain:       chain,
		PrivateKey:  key,
		bundle:      bytes.Clone(bundle),
	}, nil
}

func malformed(message string, cause error) *models.EmissionError {
	return &models.EmissionError{
		Kind:    models.KindCredentialMalformed,
		Message: message,
		Hint:    "upload a valid A1 certificate (.pfx) with its passphrase",
		Cause:   cause,
	}
}
