package submission

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	subscriptionHeader = "Ocp-Apim-Subscription-Key"
	maxResponseBytes   = 10 << 20

	defaultUncatalogedReplays = 2
)

// Config configura o cliente da API nacional
type Config struct {
	BaseURL            string
	SubscriptionKey    string
	Versao             string
	Timeout            time.Duration
	MaxAttempts        int
	BaseBackoff        time.Duration
	UncatalogedReplays int
	RateLimit          float64
	RateBurst          int
	MaxConnsPerHost    int
}

func (c Config) normalize() Config {
	if c.Versao == "" {
		c.Versao = "1.00"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff < 0 {
		c.BaseBackoff = 0
	}
	if c.UncatalogedReplays <= 0 {
		c.UncatalogedReplays = defaultUncatalogedReplays
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 10
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Observer recebe a telemetria de cada chamada ao upstream
type Observer interface {
	ObserveUpstream(operation, outcome string, duration time.Duration)
}

// Sleeper aguarda entre tentativas; retorna erro se o contexto terminar
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customiza o cliente
type Option func(*Client)

// WithHTTPClient troca o cliente HTTP
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleeper troca a espera entre tentativas
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithObserver registra a telemetria
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client fala com a API nacional da NFS-e
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*rawResponse]
	limiter    *rate.Limiter
	sleep      Sleeper
	observer   Observer
	logger     *logrus.Logger
}

type rawResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

var errUpstreamStatus = errors.New("upstream unavailable")

// NewClient cria o cliente com pool fixo, limitador e disjuntor
func NewClient(cfg Config, logger *logrus.Logger, opts ...Option) *Client {
	cfg = cfg.normalize()

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: newTransport(cfg, nil)},
		limiter:    rate.NewLimiter(limit, cfg.RateBurst),
		sleep:      sleepContext,
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*rawResponse](gobreaker.Settings{
		Name:        "nfse-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithCredential retorna uma cópia do cliente que apresenta o certificado em mTLS.
// Disjuntor e limitador são compartilhados.
func (c *Client) WithCredential(cert tls.Certificate) *Client {
	clone := *c
	clone.httpClient = &http.Client{Timeout: c.cfg.Timeout, Transport: newTransport(c.cfg, &cert)}
	return &clone
}

func newTransport(cfg Config, cert *tls.Certificate) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxConnsPerHost = cfg.MaxConnsPerHost
	t.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	if cert != nil {
		t.TLSClientConfig.Certificates = []tls.Certificate{*cert}
	}
	return t
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do executa a chamada passando pelo limitador e pelo disjuntor.
// A requisição em voo não é abortada pelo chamador; só o timeout do cliente a encerra.
func (c *Client) do(ctx context.Context, operation, method, path string, body any) (*rawResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, cancelled(ctx, err)
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*rawResponse, error) {
		resp, err := c.roundTrip(context.WithoutCancel(ctx), method, path, body)
		if err != nil {
			return nil, err
		}
		if resp.Status == http.StatusTooManyRequests || resp.Status >= 500 {
			return resp, errUpstreamStatus
		}
		return resp, nil
	})

	outcome := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "breaker_open"
	case resp != nil:
		outcome = fmt.Sprintf("%dxx", resp.Status/100)
	case err != nil:
		outcome = "transport_error"
	}
	if c.observer != nil {
		c.observer.ObserveUpstream(operation, outcome, time.Since(start))
	}

	if errors.Is(err, errUpstreamStatus) {
		return resp, nil
	}
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) (*rawResponse, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, application/pdf")
	if c.cfg.SubscriptionKey != "" {
		req.Header.Set(subscriptionHeader, c.cfg.SubscriptionKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	return &rawResponse{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: data}, nil
}

// PollStatus consulta a situação de uma DPS pelo protocolo
func (c *Client) PollStatus(ctx context.Context, protocol string) (*models.EmitResult, error) {
	if strings.TrimSpace(protocol) == "" {
		return nil, &models.EmissionError{Kind: models.KindInputValidation, Field: "protocolo", Message: "protocol is required"}
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(ctx, err)
	}

	resp, err := c.do(ctx, "poll", http.MethodGet, "/nfse/"+url.PathEscape(protocol), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx, err)
		}
		return nil, transportError(err)
	}

	parsed := parseResponse(resp.Body)
	if failure := classify(resp, parsed, nil); failure != nil {
		return nil, failure
	}
	result := parsed.result(resp.Body)
	if result.Protocol == "" {
		result.Protocol = protocol
	}
	return result, nil
}

// DownloadDocument baixa o DANFSe da nota autorizada
func (c *Client) DownloadDocument(ctx context.Context, accessKey string) ([]byte, string, error) {
	if strings.TrimSpace(accessKey) == "" {
		return nil, "", &models.EmissionError{Kind: models.KindInputValidation, Field: "chaveAcesso", Message: "access key is required"}
	}

	resp, err := c.do(ctx, "download", http.MethodGet, "/danfse/"+url.PathEscape(accessKey), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", cancelled(ctx, err)
		}
		return nil, "", transportError(err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, "", classify(resp, parseResponse(resp.Body), nil)
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	return resp.Body, contentType, nil
}

func cancelled(ctx context.Context, cause error) *models.EmissionError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		cause = ctxErr
	}
	return &models.EmissionError{
		Kind:    models.KindCancelled,
		Message: "submission cancelled before completion",
		Cause:   cause,
	}
}

func transportError(err error) *models.EmissionError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &models.EmissionError{
			Kind:    models.KindUpstreamRetryable,
			Message: "national API circuit open",
			Hint:    "the national API is failing; try again in a few minutes",
			Cause:   err,
		}
	}
	return &models.EmissionError{
		Kind:    models.KindUpstreamRetryable,
		Message: "national API unreachable: " + err.Error(),
		Hint:    "try again in a few minutes",
		Cause:   err,
	}
}
