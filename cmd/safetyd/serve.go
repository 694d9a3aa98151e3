package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/graceline/safety/internal/config"
	"github.com/graceline/safety/internal/cooldown"
	"github.com/graceline/safety/internal/database"
	"github.com/graceline/safety/internal/escalation"
	"github.com/graceline/safety/internal/httpapi"
	"github.com/graceline/safety/internal/live"
	"github.com/graceline/safety/internal/messaging"
	"github.com/graceline/safety/internal/moderation"
	"github.com/graceline/safety/internal/notify"
	"github.com/graceline/safety/internal/queue"
	"github.com/graceline/safety/internal/ratelimit"
	"github.com/graceline/safety/internal/report"
	"github.com/graceline/safety/internal/session"
)

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	if cfg.Postgres.Migrate {
		if err := database.Migrate(cfg.Postgres.URL); err != nil {
			return err
		}
	}
	db, err := database.Open(ctx, cfg.Postgres.URL, cfg.Postgres.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	defer rdb.Close()

	// --- NATS ---
	busOpts := messaging.DefaultOptions()
	busOpts.URL = cfg.NATS.URL
	busOpts.Name = cfg.NATS.Name
	bus, err := messaging.Connect(busOpts)
	if err != nil {
		return err
	}
	defer bus.Close()

	keywords := moderation.DefaultKeywords
	if cfg.Pipeline.KeywordsFile != "" {
		if keywords, err = moderation.LoadKeywords(cfg.Pipeline.KeywordsFile); err != nil {
			return err
		}
		log.Printf("[safetyd] keyword lists loaded from %s", cfg.Pipeline.KeywordsFile)
	}
	classifier := moderation.NewClassifier(keywords)
	queueSvc := queue.NewService(queue.NewPostgresStore(db), bus, classifier)
	alertLog := notify.NewPostgresAlertLog(db)

	emailClient := notify.NewEmailClient(cfg.Email.BaseURL, cfg.Email.APIKey, cfg.Email.From,
		&http.Client{Timeout: cfg.Pipeline.DispatchTimeout})
	if cfg.Email.PastorEmail == "" {
		log.Printf("[safetyd] WARNING: EMAIL_PASTOR_TO is empty, pastor emails will fail")
	}

	runner := notify.NewRunner(cfg.Pipeline.DispatchTimeout, cfg.Pipeline.RetryDelay,
		notify.NewPastorEmail(emailClient, cfg.Email.PastorEmail, cfg.Admin.BaseURL),
		notify.NewPush(bus, cfg.Pipeline.PastorRecipient, cfg.Admin.BaseURL),
		notify.NewAudit(alertLog),
		notify.NewQueue(queueSvc),
		notify.NewReportEmail(emailClient, cfg.Email.PastorEmail, cfg.Admin.BaseURL),
	)
	capture := report.NewCapture(report.NewPostgresStore(db), session.NewStore(rdb), runner, bus)
	runner.Register(notify.NewReport(capture))

	cooldowns := cooldown.NewRedisStore(rdb, cfg.Pipeline.Cooldown)
	pipeline := escalation.NewPipeline(classifier, cooldowns,
		escalation.NewRouter(cfg.Pipeline.FlagThreshold, cfg.Pipeline.ExcerptRunes), runner)

	limiter := ratelimit.NewLimiter(rdb)
	hub := live.NewHub(live.DefaultConfig(), queueSvc, limiter)
	changes, err := bus.SubscribeQueueChanges(hub.HandleChange)
	if err != nil {
		return err
	}

	srv := httpapi.NewServer(httpapi.Options{
		Addr:         cfg.Server.ListenAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MaxTextBytes: cfg.Server.MaxTextBytes,
		Queue:        queueSvc,
		Reports:      capture,
		Pipeline:     pipeline,
		Auth:         authorizer(cfg.Admin),
		Limiter:      limiter,
		Cooldowns:    cooldowns,
		Alerts:       alertLog,
		Live:         hub,
		Health: map[string]httpapi.Check{
			"postgres": db.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"nats":     func(context.Context) error { return bus.Check() },
		},
	})

	log.Printf("Safety service starting")
	log.Printf("  listen_addr:      %s", cfg.Server.ListenAddr)
	log.Printf("  redis_addr:       %s", cfg.Redis.Addr)
	log.Printf("  nats_url:         %s", cfg.NATS.URL)
	log.Printf("  cooldown:         %s", cfg.Pipeline.Cooldown)
	log.Printf("  dispatch_timeout: %s", cfg.Pipeline.DispatchTimeout)
	log.Printf("  flag_threshold:   %d", cfg.Pipeline.FlagThreshold)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Printf("shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[safetyd] http shutdown: %v", err)
	}
	if err := changes.Unsubscribe(); err != nil {
		log.Printf("[safetyd] unsubscribe queue changes: %v", err)
	}
	hub.Close()

	// In-flight alerts and report emails get the rest of the shutdown budget.
	drained := make(chan struct{})
	go func() {
		pipeline.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Printf("[safetyd] shutdown timeout: abandoning in-flight dispatch jobs")
	}
	return nil
}

func authorizer(cfg config.AdminConfig) httpapi.Authorizer {
	if cfg.JWTSecret != "" {
		return httpapi.NewJWTAuthorizer(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	}
	if cfg.Token == "" {
		log.Printf("[safetyd] WARNING: no admin credentials configured, moderation endpoints are closed")
	}
	return httpapi.StaticToken{Token: cfg.Token}
}
