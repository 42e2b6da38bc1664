package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/lestrrat-go/libxml2"
	"github.com/lestrrat-go/libxml2/xsd"
	"github.com/sirupsen/logrus"
)

//go:embed xsd/DPS_v1.00.xsd
var embeddedDPS []byte

// Validator valida DPS contra o XSD compilado uma única vez por processo
type Validator struct {
	path   string
	logger *logrus.Logger

	once    sync.Once
	schema  *xsd.Schema
	loadErr error
}

// NewValidator cria um validador; path vazio usa o XSD embutido
func NewValidator(path string, logger *logrus.Logger) *Validator {
	return &Validator{path: path, logger: logger}
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
)

// Default retorna o validador do processo, configurado por NFSE_XSD_PATH
func Default(logger *logrus.Logger) *Validator {
	defaultOnce.Do(func() {
		defaultValidator = NewValidator(os.Getenv("NFSE_XSD_PATH"), logger)
	})
	return defaultValidator
}

func (v *Validator) load() (*xsd.Schema, error) {
	v.once.Do(func() {
		source := embeddedDPS
		origin := "embedded"
		if v.path != "" {
			data, err := os.ReadFile(v.path)
			if err != nil {
				v.loadErr = fmt.Errorf("error reading XSD %s: %w", v.path, err)
				return
			}
			source = data
			origin = v.path
		}

		schema, err := xsd.Parse(source)
		if err != nil {
			v.loadErr = fmt.Errorf("error compiling XSD: %w", err)
			return
		}
		v.schema = schema

		if v.logger != nil {
			v.logger.WithFields(logrus.Fields{
				"source": origin,
				"bytes":  len(source),
			}).Info("DPS schema loaded")
		}
	})
	return v.schema, v.loadErr
}

// Validate valida o XML e retorna SchemaInvalid com todas as mensagens
func (v *Validator) Validate(xml string) error {
	schema, err := v.load()
	if err != nil {
		return err
	}

	doc, err := libxml2.ParseString(xml)
	if err != nil {
		return &models.EmissionError{
			Kind:    models.KindSchemaInvalid,
			Message: "malformed XML: " + err.Error(),
			Hint:    "check the DPS payload encoding and structure",
			Cause:   err,
		}
	}
	defer doc.Free()

	if err := schema.Validate(doc); err != nil {
		messages := validationMessages(err)
		return &models.EmissionError{
			Kind:    models.KindSchemaInvalid,
			Message: strings.Join(messages, "; "),
			Hint:    "fix the listed DPS fields before signing",
			Issues:  toDetails(messages),
			Cause:   err,
		}
	}
	return nil
}

func validationMessages(err error) []string {
	var verr xsd.SchemaValidationError
	if errors.As(err, &verr) {
		var out []string
		for _, e := range verr.Errors() {
			out = append(out, strings.TrimSpace(e.Error()))
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{err.Error()}
}

func toDetails(messages []string) []models.ErrorDetail {
	details := make([]models.ErrorDetail, 0, len(messages))
	for _, m := range messages {
		details = append(details, models.ErrorDetail{Field: "xml", Issue: m})
	}
	return details
}
