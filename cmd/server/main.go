package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/crypto"
	"identity-service/internal/factory"
	"identity-service/internal/handler"
	"identity-service/internal/notifier"
	mysqlrepo "identity-service/internal/repository/mysql"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/service"
	tlsmgr "identity-service/internal/tls"
	"identity-service/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	util.Info("Starting identity service",
		util.String("environment", cfg.Environment),
		util.String("address", cfg.GetServerAddress()))

	f := factory.New(cfg)
	defer f.Close()

	router, err := buildRouter(cfg, f)
	if err != nil {
		util.Fatal("Failed to initialize service", util.ErrorField(err))
	}

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.EnableTLS {
			m := tlsmgr.NewManager(cfg.Server)
			server.Addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TLSPort)
			server.TLSConfig = m.TLSConfig()

			if ac := m.AutocertManager(); ac != nil {
				// Plain HTTP listener answers ACME challenges and
				// redirects everything else.
				go func() {
					challenge := &http.Server{
						Addr:    cfg.GetServerAddress(),
						Handler: ac.HTTPHandler(nil),
					}
					if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						util.Warn("ACME challenge listener stopped", util.ErrorField(err))
					}
				}()
			}

			util.Info("Listening with TLS", util.String("address", server.Addr))
			errCh <- server.ListenAndServeTLS("", "")
			return
		}
		util.Info("Listening", util.String("address", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed", util.ErrorField(err))
		}
	case sig := <-stop:
		util.Info("Shutting down", util.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			util.Error("Graceful shutdown failed", util.ErrorField(err))
		}
	}

	util.Info("Server stopped")
}

func buildRouter(cfg *config.Config, f *factory.Factory) (http.Handler, error) {
	mysqlClient, err := f.MySQL()
	if err != nil {
		return nil, err
	}
	redisClient, err := f.Redis()
	if err != nil {
		return nil, err
	}
	secrets, err := f.Encryption()
	if err != nil {
		return nil, err
	}

	recorder := buildRecorder(cfg, f)

	identities := mysqlrepo.NewIdentityRepository(mysqlClient.DB())
	sessions := mysqlrepo.NewSessionRepository(mysqlClient.DB())
	changes := mysqlrepo.NewEmailChangeRepository(mysqlClient.DB())

	limiter := service.NewRateLimitService(redisrepo.NewRateLimitCache(redisClient))
	hasher := crypto.NewPasswordHasher(cfg)

	authSvc, err := service.NewAuthService(identities, sessions, hasher, limiter, recorder, cfg.Auth)
	if err != nil {
		return nil, err
	}
	stepUpSvc := service.NewStepUpService(identities, sessions, secrets, limiter, recorder, cfg.Auth)
	sessionSvc := service.NewSessionService(sessions, recorder)
	mfaSvc := service.NewMFAService(identities, secrets, recorder, cfg.Auth)

	var notify notifier.Notifier = notifier.LogNotifier{}
	if cfg.Notifier.SMTPAddr != "" {
		notify = notifier.NewSMTPNotifier(cfg)
	}
	emailChangeSvc := service.NewEmailChangeService(identities, changes, sessions, stepUpSvc, limiter, notify, recorder, cfg.Auth)

	secure := cfg.IsProduction() || cfg.Server.EnableTLS
	deps := handler.RouterDeps{
		Auth:        handler.NewAuthHandler(authSvc, stepUpSvc, secure),
		Sessions:    handler.NewSessionHandler(sessionSvc),
		MFA:         handler.NewMFAHandler(mfaSvc, stepUpSvc),
		EmailChange: handler.NewEmailChangeHandler(emailChangeSvc),
		SessionMW:   handler.NewSessionMiddleware(sessionSvc, identities),
		Csrf:        handler.NewCsrfGuard(secure, recorder),
		Health:      healthHandler(f),
	}
	return handler.NewRouter(deps), nil
}

// buildRecorder wires the audit fan-out. The analytics backends are
// optional: when either is unreachable at startup the service still comes
// up, with the sink degraded to whatever connected.
func buildRecorder(cfg *config.Config, f *factory.Factory) audit.Recorder {
	kafkaClient, err := f.Kafka()
	if err != nil {
		util.Warn("Kafka unavailable, audit stream disabled", util.ErrorField(err))
		kafkaClient = nil
	}
	chClient, err := f.Clickhouse()
	if err != nil {
		util.Warn("ClickHouse unavailable, audit analytics disabled", util.ErrorField(err))
		chClient = nil
	}
	if kafkaClient == nil && chClient == nil {
		return audit.NopRecorder{}
	}
	return audit.NewSink(kafkaClient, chClient, f.Buckets())
}

func healthHandler(f *factory.Factory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := f.HealthCheck(ctx)
		status := http.StatusOK
		body := make(map[string]string, len(checks))
		for name, err := range checks {
			if err != nil {
				status = http.StatusServiceUnavailable
				body[name] = err.Error()
			} else {
				body[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": http.StatusText(status),
			"checks": body,
		})
	}
}
