package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hypernova-labs/nfse-service/internal/api"
	"github.com/hypernova-labs/nfse-service/internal/certificate"
	"github.com/hypernova-labs/nfse-service/internal/config"
	"github.com/hypernova-labs/nfse-service/internal/database"
	"github.com/hypernova-labs/nfse-service/internal/email"
	"github.com/hypernova-labs/nfse-service/internal/events"
	"github.com/hypernova-labs/nfse-service/internal/metrics"
	"github.com/hypernova-labs/nfse-service/internal/schema"
	"github.com/hypernova-labs/nfse-service/internal/services"
	"github.com/hypernova-labs/nfse-service/internal/signer"
	"github.com/hypernova-labs/nfse-service/internal/submission"
	"github.com/hypernova-labs/nfse-service/internal/taxcode"
	"github.com/hypernova-labs/nfse-service/internal/workflows"
	"github.com/sirupsen/logrus"
)

func main() {
	// Carregar configuração
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logger := setupLogger(cfg)
	logger.WithFields(logrus.Fields{
		"environment": cfg.NFSe.Environment,
		"tp_amb":      cfg.NFSe.TpAmb(),
		"base_url":    cfg.NFSe.BaseURL(),
	}).Info("Starting NFS-e Service...")

	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Banco de dados
	db, err := database.Connect(cfg)
	if err != nil {
		logger.Fatalf("Error connecting to database: %v", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(logger); err != nil {
			logger.Fatalf("Error running migrations: %v", err)
		}
	}

	catalog, err := taxcode.LoadCatalog()
	if err != nil {
		logger.Fatalf("Error loading service catalog: %v", err)
	}
	seedRepo := database.NewSeedRepository(db, logger)
	if inserted, err := seedRepo.Upsert(context.Background(), catalog.SeedEntries()); err != nil {
		logger.Warnf("Error loading activity seed table: %v", err)
	} else if inserted > 0 {
		logger.WithField("inserted", inserted).Info("Activity seed table loaded")
	}

	// Redis: trava por chave da allowlist e cache da consulta cadastral
	var locker taxcode.KeyLocker = taxcode.NewMemoryLocker()
	var registryCache taxcode.RegistryCache
	var redisClient *database.Redis
	if cfg.Redis.Enabled {
		redisClient, err = database.ConnectRedis(cfg)
		if err != nil {
			logger.Warnf("Error connecting to Redis: %v", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			locker = taxcode.NewRedisLocker(redisClient.Client, 10*time.Second, logger)
			registryCache = redisClient
		}
	}

	// Storage S3
	var storageClient *database.StorageClient
	var storage services.ObjectStorage
	if cfg.Storage.Enabled() {
		storageClient, err = database.NewStorageClient(cfg.Storage, logger)
		if err != nil {
			logger.Warnf("Error initializing storage client: %v", err)
			storageClient = nil
		} else {
			storage = storageClient
			if err := storageClient.HealthCheck(context.Background()); err != nil {
				logger.Warnf("Storage health check failed: %v", err)
			} else {
				logger.Info("Storage connection healthy")
			}
		}
	} else {
		logger.Warn("Storage credentials not provided, archive and certificate vault will not be available")
	}

	// Certificado de assinatura
	credentialRepo := database.NewCredentialRepository(db, logger)
	envSource := certificate.NewEnvSource(cfg.Cert.PFXBase64, cfg.Cert.PFXPassphrase, logger)
	var vault certificate.Source
	if storageClient != nil && cfg.Cert.EncryptionSecret != "" {
		vault = certificate.NewVaultSource(credentialRepo, storageClient, storageClient.CertBucket(), cfg.Cert.EncryptionSecret, logger)
	}
	certResolver := certificate.NewResolver(cfg.Cert.Source, envSource, vault, logger)

	xmlSigner, err := signer.NewSigner(cfg.NFSe.SignatureAlgorithm, logger)
	if err != nil {
		logger.Fatalf("Error creating signer: %v", err)
	}

	m := metrics.New()

	nationalAPI := submission.NewClient(submission.Config{
		BaseURL:         cfg.NFSe.BaseURL(),
		SubscriptionKey: cfg.NFSe.SubscriptionKey,
		Versao:          cfg.NFSe.Versao,
		Timeout:         cfg.NFSe.Timeout,
		MaxAttempts:     cfg.NFSe.MaxAttempts,
		BaseBackoff:     cfg.NFSe.BaseBackoff,
		RateLimit:       cfg.NFSe.RateLimit,
		RateBurst:       cfg.NFSe.RateBurst,
		MaxConnsPerHost: cfg.NFSe.MaxConnsPerHost,
	}, logger, submission.WithObserver(m))

	var bindMTLS services.MTLSBinder
	if cfg.NFSe.MTLS {
		bindMTLS = func(cert tls.Certificate) services.NationalAPI {
			return nationalAPI.WithCredential(cert)
		}
	}

	// Resolução de códigos de tributação
	taxResolver := taxcode.NewResolver(
		catalog,
		seedRepo,
		taxcode.NewMunicipalClient(cfg.NFSe.ParametersURL, cfg.NFSe.SubscriptionKey, cfg.NFSe.Timeout, logger),
		taxcode.NewBrasilAPI(cfg.Registry.BaseURL, cfg.Registry.Timeout, registryCache, cfg.Registry.CacheTTL, logger),
		database.NewAllowlistRepository(db, logger),
		locker,
		taxcode.Options{
			FreeTextLimit:   cfg.NFSe.FreeTextLimit,
			PreflightStrict: cfg.NFSe.PreflightStrict,
			Observer:        m,
		},
		logger,
	)

	// Eventos NATS
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.URL != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Warnf("Error connecting to NATS: %v", err)
		} else {
			defer natsPublisher.Close()
			publisher = natsPublisher
		}
	}

	// E-mail
	var notifier services.Notifier
	if cfg.Email.ResendAPIKey != "" {
		notifier = email.NewResendService(cfg.Email.ResendAPIKey, cfg.Email.From, cfg.Server.BaseURL, logger)
		logger.Info("Resend service initialized successfully")
	} else {
		logger.Warn("Resend API key not provided, email service will not be available")
	}

	documentBucket := cfg.Storage.DocumentBucket
	emissionRepo := database.NewEmissionRepository(db, logger)

	emissionService := services.NewEmissionService(services.EmissionDeps{
		Validator: schema.NewValidator(cfg.NFSe.XSDPath, logger),
		Resolver:  certResolver,
		Signer:    xmlSigner,
		API:       nationalAPI,
		BindMTLS:  bindMTLS,
		Store:     emissionRepo,
		Storage:   storage,
		Bucket:    documentBucket,
		Publisher: publisher,
		Notifier:  notifier,
		Preflight: taxResolver,
		Recorder:  m,
	}, logger)
	statusService := services.NewStatusService(nationalAPI, emissionRepo, publisher, notifier, logger)
	documentService := services.NewDocumentService(nationalAPI, emissionRepo, storage, documentBucket, logger)
	credentialService := services.NewCredentialService(credentialRepo, storage, cfg.Storage.CertBucket, cfg.Cert.EncryptionSecret, logger)

	// Polling de emissões em fila: Inngest quando configurado, varredura local caso contrário
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var inngestClient *workflows.InngestClient
	if cfg.Inngest.Enabled() {
		inngestClient, err = workflows.NewInngestClient(cfg.Inngest, logger)
		if err != nil {
			logger.Warnf("Error initializing Inngest client: %v", err)
			inngestClient = nil
		} else if err := inngestClient.RegisterWorkflows(statusService); err != nil {
			logger.Warnf("Error registering workflows: %v", err)
			inngestClient = nil
		} else {
			emissionService.SetScheduler(inngestClient)
		}
	}
	if inngestClient == nil {
		logger.Warn("Inngest not configured, queued emissions will be polled by the local sweeper")
		sweeper := workflows.NewPendingSweeper(emissionRepo, statusService, cfg.Inngest.PollInterval, logger)
		go sweeper.Run(ctx)
	}

	apiHandler := api.NewAPI(
		emissionService,
		statusService,
		documentService,
		taxResolver,
		credentialService,
		cfg.Server.APIKey,
		logger,
	)

	router := setupRouter(apiHandler, inngestClient, m, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.NFSe.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// Canal para sinais de término
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Infof("Server starting on %s:%s", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Error starting server: %v", err)
		}
	}()

	<-quit
	logger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	db.LogStats(logger)
	if redisClient != nil {
		redisClient.LogStats(logger)
	}

	logger.Info("Server exited")
}

// setupLogger configura o logger conforme a configuração
func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

// setupRouter configura o router principal
func setupRouter(apiHandler *api.API, inngestClient *workflows.InngestClient, m *metrics.Metrics, cfg *config.Config) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(m.Middleware())

	// CORS para desenvolvimento
	if cfg.IsDevelopment() {
		router.Use(func(c *gin.Context) {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

			if c.Request.Method == "OPTIONS" {
				c.AbortWithStatus(204)
				return
			}

			c.Next()
		})
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"timestamp":   time.Now().UTC(),
			"service":     "nfse-service",
			"version":     "1.0.0",
			"environment": cfg.NFSe.Environment,
		})
	})

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	if inngestClient != nil {
		router.Any("/api/inngest", gin.WrapH(inngestClient.Handler()))
	}

	apiHandler.RegisterRoutes(router)

	return router
}
