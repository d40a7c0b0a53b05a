package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/cloudmoat/idbridge/pkg/audit"
	"github.com/cloudmoat/idbridge/pkg/config"
	"github.com/cloudmoat/idbridge/pkg/events"
	"github.com/cloudmoat/idbridge/pkg/httputil"
	"github.com/cloudmoat/idbridge/pkg/sso"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		log.WithError(err).Fatal("Failed to ping database")
	}

	// Protocol state lives in Redis when available so replay protection
	// holds across instances; otherwise in process memory.
	var states sso.StateStore
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("Invalid Redis URL")
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.WithError(err).Fatal("Failed to ping Redis")
		}
		defer client.Close()
		states = sso.NewRedisStateStore(client)
		log.Info("Using Redis protocol state store")
	} else {
		states = sso.NewMemoryStateStore()
		log.Warn("Using in-memory protocol state store; not safe for multiple instances")
	}

	providers := sso.NewCachedProviderStore(sso.NewSQLProviderStore(db))
	configs, err := providers.List(context.Background())
	if err != nil {
		log.WithError(err).Fatal("Failed to load provider configurations")
	}

	var (
		samlAdapter *sso.SAMLAdapter
		samlCfg     *sso.ProviderConfig
		oauthCfgs   []*sso.ProviderConfig
		ldapMap     = map[string]*sso.LDAPAdapter{}
	)
	for _, pc := range configs {
		if !pc.Enabled {
			continue
		}
		switch pc.ProviderType {
		case sso.ProviderTypeSAML:
			if samlAdapter != nil {
				log.WithField("provider_id", pc.ID).Warn("Ignoring additional SAML provider; only one is supported")
				continue
			}
			// SSO routes are mounted under /sso, so the ACS and SLO
			// endpoints advertised in metadata carry that prefix.
			samlAdapter, err = sso.NewSAMLAdapter(pc, cfg.Server.BaseURL+"/sso", states, log)
			if err != nil {
				log.WithError(err).WithField("provider_id", pc.ID).Fatal("Invalid SAML provider")
			}
			samlCfg = pc
		case sso.ProviderTypeOAuth2:
			oauthCfgs = append(oauthCfgs, pc)
		case sso.ProviderTypeLDAP:
			adapter, err := sso.NewLDAPAdapter(pc, log)
			if err != nil {
				log.WithError(err).WithField("provider_id", pc.ID).Fatal("Invalid LDAP provider")
			}
			ldapMap[pc.ID] = adapter
		}
	}

	var oauthAdapter *sso.OAuth2Adapter
	if len(oauthCfgs) > 0 {
		oauthAdapter, err = sso.NewOAuth2Adapter(context.Background(), oauthCfgs, states, log)
		if err != nil {
			log.WithError(err).Fatal("Invalid OAuth2 provider")
		}
	}

	registry := prometheus.NewRegistry()
	metrics := sso.NewMetrics(registry)
	auditLog := audit.NewLogrusLogger(log)
	bus := events.NewBus(log)

	accounts := sso.NewSQLAccountStore(db)
	links := sso.NewSQLLinkStore(db)
	sessionStore := sso.NewSQLSessionStore(db)

	resolver := sso.NewIdentityResolver(accounts, links, bus, auditLog, log)
	sessions := sso.NewSessionManager(sessionStore, providers, oauthAdapter, samlAdapter, bus, auditLog, log, cfg.SSO.SessionLifetime)
	manager := sso.NewSSOManager(providers, samlAdapter, samlCfg, oauthAdapter, ldapMap, resolver, sessions, metrics, auditLog, bus, log, cfg.SSO.LoginURL)

	router := mux.NewRouter()
	manager.RegisterRoutes(router.PathPrefix("/sso").Subrouter())
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SSO.CleanupSchedule, func() {
		ctx := context.Background()
		if _, err := sessions.CleanupExpired(ctx); err != nil {
			log.WithError(err).Error("Session cleanup failed")
		}
		if _, err := states.Cleanup(ctx); err != nil {
			log.WithError(err).Error("State cleanup failed")
		}
	}); err != nil {
		log.WithError(err).Fatal("Failed to schedule cleanup")
	}
	scheduler.Start()

	handler := httputil.Chain(
		httputil.RequestID,
		httputil.Logging(log),
		httputil.Recovery(log),
		httputil.MaxBytes(1<<20),
	)(router)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("idbridge listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down")
	<-scheduler.Stop().Done()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
}
