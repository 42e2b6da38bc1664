// Package certtest gera certificados autoassinados e bundles PKCS#12 para testes.
package certtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Options controla o certificado gerado
type Options struct {
	CommonName string
	NotBefore  time.Time
	NotAfter   time.Time
	Policies   []asn1.ObjectIdentifier
	DNSNames   []string
}

// Fixture reúne chave, certificado e o bundle cifrado
type Fixture struct {
	Key        *rsa.PrivateKey
	Cert       *x509.Certificate
	Bundle     []byte
	Passphrase string
}

// New gera um certificado RSA 2048 e o empacota em PKCS#12
func New(t testing.TB, opts Options) *Fixture {
	t.Helper()

	if opts.CommonName == "" {
		opts.CommonName = "EMPRESA TESTE LTDA:41568425000189"
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(365 * 24 * time.Hour)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	// CreateCertificate grava Policies; PolicyIdentifiers é ignorado a partir do Go 1.24
	policies := make([]x509.OID, 0, len(opts.Policies))
	for _, id := range opts.Policies {
		arcs := make([]uint64, len(id))
		for i, arc := range id {
			arcs[i] = uint64(arc)
		}
		oid, err := x509.OIDFromInts(arcs)
		require.NoError(t, err)
		policies = append(policies, oid)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{"ICP-Brasil"},
			Country:      []string{"BR"},
		},
		NotBefore:         opts.NotBefore,
		NotAfter:          opts.NotAfter,
		KeyUsage:          x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:       []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		PolicyIdentifiers: opts.Policies,
		Policies:          policies,
		DNSNames:          opts.DNSNames,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pass := "segredo-123"
	bundle, err := pkcs12.LegacyDES.Encode(key, cert, nil, pass)
	require.NoError(t, err)

	return &Fixture{Key: key, Cert: cert, Bundle: bundle, Passphrase: pass}
}
