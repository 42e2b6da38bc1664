package certificate

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"math/big"
)

// Credential é o par chave/certificado de assinatura de um contribuinte.
// Vive apenas durante uma assinatura; Destroy deve ser chamado ao final.
type Credential struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	PrivateKey  *rsa.PrivateKey
	Source      string

	bundle []byte
}

// CertificateDER retorna o certificado folha em DER
func (c *Credential) CertificateDER() []byte {
	if c == nil || c.Certificate == nil {
		return nil
	}
	return c.Certificate.Raw
}

// GetKeyPair expõe o par para o contexto de assinatura XMLDSig
func (c *Credential) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	if c == nil || c.PrivateKey == nil || c.Certificate == nil {
		return nil, nil, errDestroyed
	}
	return c.PrivateKey, c.Certificate.Raw, nil
}

// TLSCertificate monta o certificado cliente para mTLS
func (c *Credential) TLSCertificate() (tls.Certificate, error) {
	if c == nil || c.PrivateKey == nil || c.Certificate == nil {
		return tls.Certificate{}, errDestroyed
	}
	chain := [][]byte{c.Certificate.Raw}
	for _, ca := range c.Chain {
		chain = append(chain, ca.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Certificate,
	}, nil
}

// Destroy zera o material da chave privada e o bundle original
func (c *Credential) Destroy() {
	if c == nil {
		return
	}
	if key := c.PrivateKey; key != nil {
		zeroInt(key.D)
		for _, p := range key.Primes {
			zeroInt(p)
		}
		zeroInt(key.Precomputed.Dp)
		zeroInt(key.Precomputed.Dq)
		zeroInt(key.Precomputed.Qinv)
		for _, crt := range key.Precomputed.CRTValues {
			zeroInt(crt.Exp)
			zeroInt(crt.Coeff)
			zeroInt(crt.R)
		}
		c.PrivateKey = nil
	}
	for i := range c.bundle {
		c.bundle[i] = 0
	}
	c.bundle = nil
}

// Destroyed indica se a credencial já foi descartada
func (c *Credential) Destroyed() bool {
	return c == nil || c.PrivateKey == nil
}

func zeroInt(n *big.Int) {
	if n == nil {
		return
	}
	words := n.Bits()
	for i := range words {
		words[i] = 0
	}
	n.SetInt64(0)
}
