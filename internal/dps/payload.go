package dps

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/hypernova-labs/nfse-service/internal/models"
)

var (
	commentRe      = regexp.MustCompile(`(?s)<!--.*?-->`)
	interTagRe     = regexp.MustCompile(`>\s+<`)
	formattingRe   = regexp.MustCompile(`[\n\r\t]`)
	afterTagRe     = regexp.MustCompile(`>\s+`)
	beforeTagRe    = regexp.MustCompile(`\s+<`)
	signatureTagRe = regexp.MustCompile(`<(\w+:)?Signature[\s>]`)
)

// maxPayloadSize limita o XML descompactado
const maxPayloadSize = 5 << 20

// CleanXML remove comentários, quebras de linha e espaços entre tags
func CleanXML(xml string) string {
	s := commentRe.ReplaceAllString(xml, "")
	s = interTagRe.ReplaceAllString(s, "><")
	s = formattingRe.ReplaceAllString(s, "")
	s = afterTagRe.ReplaceAllString(s, ">")
	s = beforeTagRe.ReplaceAllString(s, "<")
	return strings.TrimSpace(s)
}

// IsSigned detecta um XML que já carrega assinatura
func IsSigned(xml string) bool {
	return signatureTagRe.MatchString(xml)
}

// EncodePayload compacta o XML com gzip e codifica em base64
func EncodePayload(xml string) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(xml)); err != nil {
		return "", fmt.Errorf("error compressing DPS: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("error compressing DPS: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodePayload decodifica base64 e descompacta o XML da DPS
func DecodePayload(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return "", payloadError(err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", payloadError(err)
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, maxPayloadSize+1))
	if err != nil {
		return "", payloadError(err)
	}
	if len(data) > maxPayloadSize {
		return "", payloadError(fmt.Errorf("payload exceeds %d bytes", maxPayloadSize))
	}
	return string(data), nil
}

func payloadError(cause error) error {
	return &models.EmissionError{
		Kind:    models.KindInputValidation,
		Field:   "dpsXmlGzipB64",
		Message: "invalid DPS payload: could not decode gzip/base64",
		Issues:  []models.ErrorDetail{{Field: "dpsXmlGzipB64", Issue: "must be gzip-compressed XML encoded in base64"}},
		Cause:   cause,
	}
}
