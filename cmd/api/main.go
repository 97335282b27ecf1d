package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pulse/api/internal/ai"
	"pulse/api/internal/app"
	"pulse/api/internal/config"
	"pulse/api/internal/email"
	"pulse/api/internal/identity"
	"pulse/api/internal/media"
	"pulse/api/internal/search"
	"pulse/api/internal/session"
	"pulse/api/internal/store"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgSearch := search.NewPgLike(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgSearch)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	var mailer *email.Service
	if cfg.SMTPHost != "" {
		mailer = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	}

	aiClient := ai.NewClient(cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.GroqModel, cfg.AITimeout)
	if !aiClient.IsConfigured() {
		log.Printf("WARNING: GROQ_API_KEY not set, AI rewriting disabled")
	}

	// Refresh tokens and magic links live in Redis when configured,
	// otherwise in Postgres.
	var service *app.Service
	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for session token storage")
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
	} else {
		log.Printf("Using PostgreSQL for session token storage")
	}

	var identitySvc *identity.Service
	if redisStore != nil {
		identitySvc = identity.NewService(dataStore, redisStore, mailerOrNil(mailer), cfg.AppBaseURL, cfg.MagicLinkTTL)
		service = app.New(cfg, dataStore, redisStore, identitySvc, aiClient, searchService)
	} else {
		identitySvc = identity.NewService(dataStore, dataStore, mailerOrNil(mailer), cfg.AppBaseURL, cfg.MagicLinkTTL)
		service = app.New(cfg, dataStore, dataStore, identitySvc, aiClient, searchService)
	}

	var httpServer *app.HTTPServer
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		mediaSvc, err := media.NewService(ctx, media.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		httpServer = app.NewHTTPServer(service, mediaSvc, cfg.CORSOrigin)
	} else {
		log.Printf("WARNING: MINIO_ENDPOINT not set, image uploads disabled")
		httpServer = app.NewHTTPServer(service, nil, cfg.CORSOrigin)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Pulse API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// mailerOrNil keeps a nil *email.Service from turning into a non-nil
// interface value inside the identity service.
func mailerOrNil(mailer *email.Service) identity.Mailer {
	if mailer == nil {
		return nil
	}
	return mailer
}
