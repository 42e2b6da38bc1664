package taxcode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MunicipalParameters consulta os códigos administrados por um município
type MunicipalParameters interface {
	AdministeredCodes(ctx context.Context, municipality, competence, serviceCode string) ([]string, error)
}

var serviceCodeRe = regexp.MustCompile(`^\d{6}$`)

// codeKeys são os campos da resposta que carregam códigos de tributação
var codeKeys = map[string]bool{"codigoservico": true, "ctribnac": true, "codigotributacaonacional": true}

// MunicipalClient consulta parametros_municipais da API nacional
type MunicipalClient struct {
	baseURL         string
	subscriptionKey string
	httpClient      *http.Client
	logger          *logrus.Logger
}

// NewMunicipalClient cria o cliente de parâmetros municipais
func NewMunicipalClient(baseURL, subscriptionKey string, timeout time.Duration, logger *logrus.Logger) *MunicipalClient {
	return &MunicipalClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		subscriptionKey: subscriptionKey,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger,
	}
}

// AdministeredCodes retorna os códigos habilitados; 404 significa nenhum
func (m *MunicipalClient) AdministeredCodes(ctx context.Context, municipality, competence, serviceCode string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", m.baseURL, url.PathEscape(municipality), url.PathEscape(serviceCode))
	if competence != "" {
		endpoint += "?competencia=" + url.QueryEscape(competence)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if m.subscriptionKey != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", m.subscriptionKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error querying municipal parameters: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		m.logger.WithFields(logrus.Fields{
			"municipality": municipality,
			"service_code": serviceCode,
		}).Debug("Service code not administered by municipality")
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("municipal parameters returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("error reading municipal parameters: %w", err)
	}

	var payload any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("error parsing municipal parameters: %w", err)
		}
	}

	codes := collectCodes(payload, nil)
	if len(codes) == 0 {
		codes = []string{serviceCode}
	}
	return codes, nil
}

func collectCodes(v any, out []string) []string {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if s, ok := child.(string); ok && codeKeys[strings.ToLower(k)] {
				if digits, _ := ToServiceCode(s); serviceCodeRe.MatchString(digits) && s != "" {
					out = append(out, digits)
				}
				continue
			}
			out = collectCodes(child, out)
		}
	case []any:
		for _, child := range t {
			out = collectCodes(child, out)
		}
	}
	return out
}
