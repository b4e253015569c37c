package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"

	"github.com/lunehealth/authcore/internal/capability"
	"github.com/lunehealth/authcore/internal/challenge"
	"github.com/lunehealth/authcore/internal/facade"
	"github.com/lunehealth/authcore/internal/fallback"
	"github.com/lunehealth/authcore/internal/opaque"
	"github.com/lunehealth/authcore/internal/passkey"
	"github.com/lunehealth/authcore/internal/session"
	"github.com/lunehealth/authcore/internal/storage"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		slog.Error("Failed to load policy", "error", err)
		os.Exit(1)
	}

	if len(cfg.MasterSecret) < 32 {
		slog.Error("MASTER_SECRET must be at least 32 bytes")
		os.Exit(1)
	}
	if len(cfg.SessionSecret) == 0 {
		slog.Error("SESSION_SECRET is required")
		os.Exit(1)
	}

	// Setup WebAuthn
	wconfig := &webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	}

	webAuthn, err := webauthn.New(wconfig)
	if err != nil {
		slog.Error("Failed to create WebAuthn instance", "error", err)
		os.Exit(1)
	}

	// Setup credential storage
	var store storage.SecureStore
	switch cfg.StorageMode {
	case "s3":
		s3Store, err := storage.NewS3Store(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, "authcore/", cfg.S3.UseSSL)
		if err != nil {
			slog.Error("Failed to create S3 storage", "error", err)
			os.Exit(1)
		}
		store = s3Store
		slog.Info("Using S3 storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	case "filesystem":
		fsStore, err := storage.NewFilesystemStore(cfg.DataPath, "authcore", false)
		if err != nil {
			slog.Error("Failed to create filesystem storage", "error", err)
			os.Exit(1)
		}
		store = fsStore
		slog.Info("Using filesystem storage", "path", cfg.DataPath)
	case "memory":
		store = storage.NewMemoryStore("authcore:")
		slog.Warn("Using in-memory credential storage (not persistent)")
	default:
		slog.Error("Invalid STORAGE_MODE", "mode", cfg.StorageMode, "valid_modes", []string{"s3", "filesystem", "memory"})
		os.Exit(1)
	}

	// Shared redis client for the backends that need one
	var redisClient *redis.Client
	if cfg.ChallengeMode == "redis" || cfg.SessionMode == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
	}

	// Setup challenge storage
	var challengeStore challenge.Store
	switch cfg.ChallengeMode {
	case "redis":
		challengeStore = challenge.NewRedisStore(redisClient)
		slog.Info("Using Redis challenges", "addr", cfg.Redis.Addr)
	case "memory":
		challengeStore = challenge.NewMemoryStore()
		slog.Warn("Using in-memory challenges (single instance only)")
	default:
		slog.Error("Invalid CHALLENGE_MODE", "mode", cfg.ChallengeMode, "valid_modes", []string{"redis", "memory"})
		os.Exit(1)
	}

	// Setup session storage
	var sessionStore session.Store
	switch cfg.SessionMode {
	case "redis":
		sessionStore = session.NewRedisStore(redisClient)
		slog.Info("Using Redis sessions", "addr", cfg.Redis.Addr)
	case "memory":
		sessionStore = session.NewMemoryStore()
		slog.Warn("Using in-memory sessions (not persistent)")
	default:
		slog.Error("Invalid SESSION_MODE", "mode", cfg.SessionMode, "valid_modes", []string{"redis", "memory"})
		os.Exit(1)
	}

	// Setup services
	challenges := challenge.NewManager(challengeStore, challenge.Options{TTL: time.Duration(policy.ChallengeTTL)})
	sessions := session.NewManager(sessionStore, session.Options{
		TTL:           time.Duration(policy.SessionTTL),
		SigningSecret: []byte(cfg.SessionSecret),
	})
	passkeys := passkey.NewManager(webAuthn, store, challenges, nil, passkey.Policy{
		AllowZeroCounter: policy.AllowZeroCounter,
	}, nil)

	suite, err := opaque.NewDHSuite([]byte(cfg.MasterSecret))
	if err != nil {
		slog.Error("Failed to create protocol suite", "error", err)
		os.Exit(1)
	}
	engine := opaque.NewEngine(suite, store, sessions, opaque.Options{
		RateLimitWindow:  time.Duration(policy.RateLimitWindow),
		MaxLoginAttempts: policy.MaxLoginAttempts,
	})

	orchestrator := fallback.NewOrchestrator(nil, sessions, fallback.Options{
		MaxRetriesPerMethod: policy.MaxRetriesPerMethod,
	})

	detector := capability.NewDetector(capability.Signals{}, nil)

	service := facade.NewService(detector, store, challenges, passkeys, engine, sessions, orchestrator, facade.Collaborators{}, facade.Options{
		Chain: fallback.ChainOptions{
			Preferred: policy.PreferredMethod,
			Skip:      policy.SkipMethods,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service.Start(ctx)
	defer service.Stop()

	slog.Info("Authentication core started", "rp_id", cfg.RPID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("Shutting down")
}
