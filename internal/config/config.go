package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvironmentProduction   = "producao"
	EnvironmentHomologation = "homologacao"

	defaultProductionURL   = "https://sefin.nfse.gov.br/sefinnacional"
	defaultHomologationURL = "https://sefin.producaorestrita.nfse.gov.br/SefinNacional"
)

// Config representa a configuração do serviço
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Inngest  InngestConfig
	Logging  LoggingConfig
	Email    EmailConfig
	Storage  StorageConfig
	NFSe     NFSeConfig
	Cert     CertConfig
	Registry RegistryConfig
	NATS     NATSConfig
	Metrics  MetricsConfig
}

// ServerConfig representa a configuração do servidor HTTP
type ServerConfig struct {
	Port    string
	Host    string
	Env     string
	BaseURL string
	APIKey  string
}

// DatabaseConfig representa a configuração do banco de dados
type DatabaseConfig struct {
	Host        string
	Port        string
	User        string
	Password    string
	Name        string
	SSLMode     string
	AutoMigrate bool
}

// RedisConfig representa a configuração do Redis
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

// InngestConfig representa a configuração do Inngest
type InngestConfig struct {
	EventKey     string
	SigningKey   string
	AppID        string
	Dev          bool
	PollInterval time.Duration
	MaxPolls     int
}

// Enabled indica se há chave de evento ou servidor de desenvolvimento
func (c InngestConfig) Enabled() bool {
	return c.EventKey != "" || c.Dev
}

// LoggingConfig representa a configuração de logging
type LoggingConfig struct {
	Level  string
	Format string
}

// EmailConfig representa a configuração de email
type EmailConfig struct {
	ResendAPIKey string
	From         string
}

// StorageConfig representa o armazenamento de objetos compatível com S3
type StorageConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	DocumentBucket  string
	CertBucket      string
}

// Enabled indica se há credenciais para o armazenamento
func (s StorageConfig) Enabled() bool {
	return s.Endpoint != "" && s.AccessKeyID != "" && s.SecretAccessKey != ""
}

// NFSeConfig representa a integração com o ambiente nacional da NFS-e
type NFSeConfig struct {
	Environment        string
	ProductionURL      string
	HomologationURL    string
	SubscriptionKey    string
	Versao             string
	Timeout            time.Duration
	MaxAttempts        int
	BaseBackoff        time.Duration
	RateLimit          float64
	RateBurst          int
	MaxConnsPerHost    int
	SignatureAlgorithm string
	XSDPath            string
	PreflightStrict    bool
	MTLS               bool
	ParametersURL      string
	FreeTextLimit      int
}

// BaseURL retorna a URL do ambiente configurado
func (n NFSeConfig) BaseURL() string {
	if n.IsProduction() {
		return strings.TrimRight(n.ProductionURL, "/")
	}
	return strings.TrimRight(n.HomologationURL, "/")
}

// IsProduction indica se o ambiente é o de produção
func (n NFSeConfig) IsProduction() bool {
	return n.Environment == EnvironmentProduction
}

// TpAmb retorna o código tpAmb do ambiente (1 produção, 2 homologação)
func (n NFSeConfig) TpAmb() string {
	if n.IsProduction() {
		return "1"
	}
	return "2"
}

// CertConfig representa a origem do certificado de assinatura
type CertConfig struct {
	Source           string
	PFXBase64        string
	PFXPassphrase    string
	EncryptionSecret string
}

// RegistryConfig representa a consulta cadastral de CNPJ
type RegistryConfig struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// NATSConfig representa a publicação de eventos de emissão
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// MetricsConfig representa a exposição de métricas Prometheus
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Load carrega a configuração das variáveis de ambiente
func Load() (*Config, error) {
	// Arquivo .env é opcional
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port:    getEnv("SERVER_PORT", "8081"),
			Host:    getEnv("SERVER_HOST", "0.0.0.0"),
			Env:     getEnv("SERVER_ENV", "development"),
			BaseURL: getEnv("SERVER_BASE_URL", "http://localhost:8081"),
			APIKey:  getEnv("SERVER_API_KEY", ""),
		},
		Database: DatabaseConfig{
			Host:        getEnv("PGHOST", "localhost"),
			Port:        getEnv("PGPORT", "5432"),
			User:        getEnv("PGUSER", "postgres"),
			Password:    getEnv("PGPASSWORD", "postgres"),
			Name:        getEnv("PGDATABASE", "nfse"),
			SSLMode:     getEnv("DB_SSLMODE", "require"),
			AutoMigrate: getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Inngest: InngestConfig{
			EventKey:     getEnv("INNGEST_EVENT_KEY", ""),
			SigningKey:   getEnv("INNGEST_SIGNING_KEY", ""),
			AppID:        getEnv("INNGEST_APP_ID", "nfse-service"),
			Dev:          getEnvAsBool("INNGEST_DEV", false),
			PollInterval: getEnvAsDuration("NFSE_POLL_INTERVAL", 30*time.Second),
			MaxPolls:     getEnvAsInt("NFSE_MAX_POLLS", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Email: EmailConfig{
			ResendAPIKey: getEnv("RESEND_API_KEY", ""),
			From:         getEnv("EMAIL_FROM", "NFS-e <nfse@notificacoes.app>"),
		},
		Storage: StorageConfig{
			Endpoint:        getEnv("STORAGE_ENDPOINT", ""),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("STORAGE_SECRET_ACCESS_KEY", ""),
			DocumentBucket:  getEnv("STORAGE_DOCUMENT_BUCKET", "nfse-documents"),
			CertBucket:      getEnv("STORAGE_CERT_BUCKET", "nfse-certificates"),
		},
		NFSe: NFSeConfig{
			Environment:        getEnv("NFSE_ENVIRONMENT", EnvironmentHomologation),
			ProductionURL:      getEnv("NFSE_BASE_URL_PROD", defaultProductionURL),
			HomologationURL:    getEnv("NFSE_BASE_URL_HOM", defaultHomologationURL),
			SubscriptionKey:    getEnv("NFSE_SUBSCRIPTION_KEY", ""),
			Versao:             getEnv("NFSE_VERSAO", "1.00"),
			Timeout:            getEnvAsDuration("NFSE_TIMEOUT", 30*time.Second),
			MaxAttempts:        getEnvAsInt("NFSE_MAX_ATTEMPTS", 3),
			BaseBackoff:        getEnvAsDuration("NFSE_BASE_BACKOFF", time.Second),
			RateLimit:          getEnvAsFloat("NFSE_RATE_LIMIT", 5),
			RateBurst:          getEnvAsInt("NFSE_RATE_BURST", 5),
			MaxConnsPerHost:    getEnvAsInt("NFSE_MAX_CONNS", 4),
			SignatureAlgorithm: getEnv("NFSE_SIGNATURE_ALGORITHM", "rsa-sha1"),
			XSDPath:            getEnv("NFSE_XSD_PATH", ""),
			PreflightStrict:    getEnvAsBool("NFSE_PREFLIGHT_STRICT", false),
			MTLS:               getEnvAsBool("NFSE_MTLS", false),
			ParametersURL:      getEnv("NFSE_PARAMETERS_URL", ""),
			FreeTextLimit:      getEnvAsInt("NFSE_FREE_TEXT_LIMIT", 2),
		},
		Cert: CertConfig{
			Source:           getEnv("NFSE_CERT_SOURCE", "env_pfx"),
			PFXBase64:        getEnv("NFSE_CERT_PFX_BASE64", ""),
			PFXPassphrase:    getEnv("NFSE_CERT_PFX_PASS", ""),
			EncryptionSecret: getEnv("ENCRYPTION_SECRET", ""),
		},
		Registry: RegistryConfig{
			BaseURL:  getEnv("REGISTRY_BASE_URL", "https://brasilapi.com.br/api/cnpj/v1"),
			Timeout:  getEnvAsDuration("REGISTRY_TIMEOUT", 10*time.Second),
			CacheTTL: getEnvAsDuration("REGISTRY_CACHE_TTL", 30*24*time.Hour),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "nfse.emission"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	if config.NFSe.ParametersURL == "" {
		config.NFSe.ParametersURL = config.NFSe.BaseURL() + "/parametros_municipais"
	}

	return config, nil
}

// getEnv obtém uma variável de ambiente ou retorna o valor padrão
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt obtém uma variável de ambiente como inteiro
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsFloat obtém uma variável de ambiente como float
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsBool obtém uma variável de ambiente como booleano
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration obtém uma variável de ambiente como duração
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// IsDevelopment retorna true se o ambiente é de desenvolvimento
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction retorna true se o ambiente é de produção
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// GetDSN retorna a string de conexão do banco de dados
func (c *Config) GetDSN() string {
	return "host=" + c.Database.Host +
		" port=" + c.Database.Port +
		" user=" + c.Database.User +
		" password=" + c.Database.Password +
		" dbname=" + c.Database.Name +
		" sslmode=" + c.Database.SSLMode
}

// GetRedisAddr retorna o endereço do Redis
func (c *Config) GetRedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}
