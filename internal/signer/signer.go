package signer

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/hypernova-labs/nfse-service/internal/certificate"
	"github.com/hypernova-labs/nfse-service/internal/models"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/sirupsen/logrus"
)

const (
	AlgorithmRSASHA1   = "rsa-sha1"
	AlgorithmRSASHA256 = "rsa-sha256"

	signableTag = "infDPS"
	idAttribute = "Id"
	declaration = `version="1.0" encoding="UTF-8"`
)

var signatureMethods = map[string]string{
	AlgorithmRSASHA1:   dsig.RSASHA1SignatureMethod,
	AlgorithmRSASHA256: dsig.RSASHA256SignatureMethod,
}

// Signer aplica assinatura XMLDSig envelopada sobre o infDPS
type Signer struct {
	method string
	logger *logrus.Logger
}

// NewSigner cria o assinador; algorithm vazio usa rsa-sha1
func NewSigner(algorithm string, logger *logrus.Logger) (*Signer, error) {
	if algorithm == "" {
		algorithm = AlgorithmRSASHA1
	}
	method, ok := signatureMethods[strings.ToLower(algorithm)]
	if !ok {
		return nil, fmt.Errorf("unsupported signature algorithm: %s", algorithm)
	}
	return &Signer{method: method, logger: logger}, nil
}

// Sign assina o documento e insere <Signature> logo após o infDPS
func (s *Signer) Sign(xml string, cred *certificate.Credential) (string, error) {
	if cred.Destroyed() {
		return "", &models.EmissionError{
			Kind:    models.KindCredentialMalformed,
			Message: "signing credential is not available",
		}
	}

	doc, target, err := locate(xml)
	if err != nil {
		return "", err
	}

	ctx := dsig.NewDefaultSigningContext(cred)
	ctx.IdAttribute = idAttribute
	ctx.Prefix = ""
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	if err := ctx.SetSignatureMethod(s.method); err != nil {
		return "", fmt.Errorf("error configuring signature method: %w", err)
	}

	signature, err := ctx.ConstructSignature(detach(target), true)
	if err != nil {
		return "", fmt.Errorf("error constructing signature: %w", err)
	}

	parent := target.Parent()
	parent.InsertChildAt(target.Index()+1, signature)

	out, err := serialize(doc)
	if err != nil {
		return "", err
	}

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"id":        target.SelectAttrValue(idAttribute, ""),
			"method":    s.method,
			"cert_from": cred.Certificate.NotBefore.Format("2006-01-02"),
			"cert_to":   cred.Certificate.NotAfter.Format("2006-01-02"),
		}).Debug("DPS signed")
	}
	return out, nil
}

// Verify valida a assinatura contra o certificado embutido em KeyInfo
func Verify(xml string) (*x509.Certificate, error) {
	_, target, err := locate(xml)
	if err != nil {
		return nil, err
	}

	signature := target.Parent().SelectElement("Signature")
	if signature == nil {
		return nil, fmt.Errorf("document has no signature")
	}

	certEl := signature.FindElement(".//X509Certificate")
	if certEl == nil {
		return nil, fmt.Errorf("signature has no X509Certificate")
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(certEl.Text()), ""))
	if err != nil {
		return nil, fmt.Errorf("error decoding embedded certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("error parsing embedded certificate: %w", err)
	}

	el := detach(target)
	el.AddChild(signature.Copy())

	vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	vctx.IdAttribute = idAttribute
	if _, err := vctx.Validate(el); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return cert, nil
}

func locate(xml string) (*etree.Document, *etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, nil, &models.EmissionError{
			Kind:    models.KindSignableElementNotFound,
			Message: "document could not be parsed: " + err.Error(),
			Cause:   err,
		}
	}

	var matches []*etree.Element
	for _, el := range doc.FindElements("//" + signableTag) {
		if el.SelectAttr(idAttribute) != nil {
			matches = append(matches, el)
		}
	}
	if len(matches) != 1 {
		return nil, nil, &models.EmissionError{
			Kind:    models.KindSignableElementNotFound,
			Message: fmt.Sprintf("expected exactly one %s with Id, found %d", signableTag, len(matches)),
			Hint:    "build the DPS with a single infDPS element",
		}
	}
	return doc, matches[0], nil
}

// detach copia o elemento levando as declarações de namespace herdadas,
// que a C14N inclusiva considera parte do subconjunto assinado.
func detach(el *etree.Element) *etree.Element {
	out := el.Copy()
	declared := map[string]bool{}
	for _, a := range out.Attr {
		if isNamespaceDecl(a) {
			declared[a.FullKey()] = true
		}
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if !isNamespaceDecl(a) || declared[a.FullKey()] {
				continue
			}
			declared[a.FullKey()] = true
			out.CreateAttr(a.FullKey(), a.Value)
		}
	}
	return out
}

func isNamespaceDecl(a etree.Attr) bool {
	return (a.Space == "" && a.Key == "xmlns") || a.Space == "xmlns"
}

func serialize(doc *etree.Document) (string, error) {
	hasDecl := false
	for _, tok := range doc.Child {
		if pi, ok := tok.(*etree.ProcInst); ok && pi.Target == "xml" {
			hasDecl = true
			break
		}
	}
	if !hasDecl {
		doc.InsertChildAt(0, &etree.ProcInst{Target: "xml", Inst: declaration})
	}

	out, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("error serializing signed document: %w", err)
	}
	return out, nil
}
