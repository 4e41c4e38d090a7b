package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ebooklib/internal/ratelimit"
	"ebooklib/internal/servicetoken"
	"ebooklib/internal/usertoken"
	"ebooklib/internal/util"
	"ebooklib/pkg/events"
	"ebooklib/pkg/queue"
	"ebooklib/pkg/storage"
	"ebooklib/services/loan/internal/app"
	"ebooklib/services/loan/internal/authclient"
	"ebooklib/services/loan/internal/bookclient"
	"ebooklib/services/loan/internal/config"
	"ebooklib/services/loan/internal/gql"
	"ebooklib/services/loan/internal/server"
)

const (
	serviceName     = "loan-service"
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bookOpts []bookclient.Option
	if cfg.InternalJWTPrivateKeyPath != "" {
		signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
			PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
			KeyID:          cfg.InternalJWTKeyID,
			Issuer:         serviceName,
		})
		if err != nil {
			util.Fatal("failed to init internal jwt signer", "err", err)
		}
		bookOpts = append(bookOpts, bookclient.WithSigner(signer))
	}
	books := bookclient.NewClient(cfg.BookServiceURL, bookOpts...)

	var users *authclient.Client
	if cfg.UserServiceURL != "" {
		users = authclient.NewClient(cfg.UserServiceURL)
	}
	auth, err := buildAuthenticator(ctx, cfg, users)
	if err != nil {
		util.Fatal("failed to init identity verification", "err", err)
	}

	stateSync, stateQueue := buildStateSync(cfg, books)
	if stateQueue != nil {
		defer stateQueue.Close()
	}

	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			util.Fatal("failed to connect to amqp", "err", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	var archive storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal("failed to init purge archive", "err", err)
		}
		archive = minioStore
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Books:       books,
		Auth:        auth,
		StateSync:   stateSync,
		Events:      publisher,
		Archive:     archive,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	if cfg.DatabaseURL == "" {
		slog.Warn("databaseURL not set, loans are kept in memory")
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxy cidrs", "err", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.BorrowRateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.BorrowRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init borrow rate limit", "err", err)
		}
		defer limiter.Close()
	}

	var maintenance *servicetoken.Verifier
	if cfg.InternalJWTPublicKeys != "" {
		keys, err := servicetoken.ParsePublicKeys(cfg.InternalJWTPublicKeys)
		if err != nil {
			util.Fatal("failed to parse internal jwt public keys", "err", err)
		}
		maintenance, err = servicetoken.NewVerifier(servicetoken.VerifierOptions{
			PublicKeys:     keys,
			Audience:       "loan",
			AllowedIssuers: cfg.MaintenanceIssuers,
		})
		if err != nil {
			util.Fatal("failed to init maintenance token verifier", "err", err)
		}
	}

	resolver := &gql.Resolver{App: appCore, Books: books}
	if users != nil {
		resolver.Users = users
	}
	schema, err := gql.NewSchema(resolver)
	if err != nil {
		util.Fatal("failed to parse graphql schema", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		GraphQL:        gql.Handler(schema),
		BorrowLimiter:  limiter,
		TrustedProxies: trustedProxies,
		Maintenance:    maintenance,
		CORSOrigins:    cfg.CORSOrigins,
	})

	if q, ok := stateSync.(*app.QueueStateSync); ok {
		q.Start(ctx, cfg.StateSyncConcurrency)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("loan server listening", "addr", addr, "auth_mode", cfg.AuthMode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func buildAuthenticator(ctx context.Context, cfg config.FileConfig, users *authclient.Client) (app.Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeDisabled:
		slog.Warn("identity verification disabled, borrowers are taken from the request body", "env", cfg.Env)
		return app.TrustedCaller{DefaultUserID: app.DefaultTrustedUserID}, nil
	case config.AuthModeJWKS:
		leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
		if err != nil {
			return nil, err
		}
		verifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     leeway,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			return nil, err
		}
		return app.TokenAuthenticator{Verifier: verifier}, nil
	default:
		if users == nil {
			return nil, errors.New("userServiceURL is required for remote verification")
		}
		return app.TokenAuthenticator{Verifier: users}, nil
	}
}

// buildStateSync uses the Redis stream when redisAddr is set and a
// fire-and-forget goroutine otherwise.
func buildStateSync(cfg config.FileConfig, books *bookclient.Client) (app.StateSync, *queue.RedisJobQueue) {
	if cfg.RedisAddr == "" {
		return app.DirectStateSync{Books: books}, nil
	}
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.StateSyncStream,
		Group:      cfg.StateSyncGroup,
		MaxRetries: cfg.StateSyncMaxRetries,
	})
	if err != nil {
		util.Fatal("failed to init book state queue", "err", err)
	}
	return app.NewQueueStateSync(q, books), q
}
