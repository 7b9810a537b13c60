package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/portguard/portguard/internal/auth"
	"github.com/portguard/portguard/internal/batch"
	"github.com/portguard/portguard/internal/cache"
	"github.com/portguard/portguard/internal/clock"
	"github.com/portguard/portguard/internal/config"
	"github.com/portguard/portguard/internal/detector"
	"github.com/portguard/portguard/internal/intent"
	"github.com/portguard/portguard/internal/logging"
	"github.com/portguard/portguard/internal/notify"
	"github.com/portguard/portguard/internal/registry"
	"github.com/portguard/portguard/internal/store"
	"github.com/portguard/portguard/internal/web"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

// systemTenant is the sentinel key rate limit state is persisted under: the
// tracker is one process-wide table keyed by registry host, not per-user,
// so it does not fit the store's per-tenant bucket scheme naturally.
const systemTenant = "system"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if os.Getenv("PORTGUARD_COOKIE_SECURE") == "" {
		cfg.CookieSecure = cfg.TLSCert != "" || cfg.TLSAuto
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("portguard " + versionString())
	fmt.Println("=============================================")
	fmt.Printf("DATA_DIR=%s\n", cfg.DataDir)
	fmt.Printf("PORTGUARD_WEB_PORT=%s\n", cfg.WebPort)
	fmt.Printf("PORTGUARD_METRICS=%t\n", cfg.MetricsEnabled)

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureAuthBuckets(); err != nil {
		log.Error("failed to create auth buckets", "error", err)
		os.Exit(1)
	}
	if err := db.SeedBuiltinRoles(); err != nil {
		log.Error("failed to seed built-in roles", "error", err)
		os.Exit(1)
	}

	authSvc := auth.NewService(db, db, db, db, cfg.CookieSecure, cfg.SessionExpiry)

	rateTracker := registry.NewRateLimitTracker()
	if saved, err := db.LoadRateLimits(systemTenant); err != nil {
		log.Warn("failed to load persisted rate limit state", "error", err)
	} else if err := rateTracker.Import(saved); err != nil {
		log.Warn("failed to parse persisted rate limit state", "error", err)
	}
	det := detector.New(db, db, rateTracker, log)
	c := cache.New(db, log, clock.Real{})
	intentEngine := intent.New(db, log, clock.Real{})
	dispatcher := notify.NewDispatcher(db, log)
	intentEngine.SetNotifier(dispatcher)

	scheduler := batch.NewScheduler(db, log, clock.Real{}, det, c, intentEngine)
	scheduler.SetNotifier(dispatcher)

	if n, err := db.UserCount(); err != nil {
		log.Warn("failed to count users", "error", err)
	} else if n == 0 {
		fmt.Println("=============================================")
		fmt.Println("No users exist yet.")
		fmt.Println("POST /api/setup with {\"username\":..., \"password\":...} to create the first account.")
		fmt.Println("=============================================")
	}

	deps := web.Dependencies{
		Store:     db,
		Auth:      authSvc,
		Cache:     c,
		Detector:  det,
		Scheduler: scheduler,
		Intents:   intentEngine,
		Notify:    dispatcher,
		Config:    cfg,
		Log:       log,
		Clock:     clock.Real{},
	}
	srv := web.NewServer(deps)

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	go scheduler.Run(schedCtx)

	if !cfg.WebEnabled {
		<-ctx.Done()
		return
	}

	httpServer := &http.Server{
		Addr:    net.JoinHostPort("", cfg.WebPort),
		Handler: srv,
	}

	go func() {
		var err error
		switch {
		case cfg.TLSCert != "" && cfg.TLSKey != "":
			log.Info("TLS enabled (user-provided certificate)")
			err = httpServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		case cfg.TLSAuto:
			certPath, keyPath, certErr := web.EnsureSelfSignedCert(filepath.Dir(cfg.DBPath()))
			if certErr != nil {
				log.Error("failed to generate self-signed certificate", "error", certErr)
				os.Exit(1)
			}
			log.Info("TLS enabled (auto-generated self-signed certificate)", "cert", certPath)
			httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = httpServer.ListenAndServeTLS(certPath, keyPath)
		default:
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server error", "error", err)
		}
	}()

	fmt.Printf("Listening on port %s\n", cfg.WebPort)

	<-ctx.Done()
	_ = httpServer.Shutdown(context.Background())

	if data, err := rateTracker.Export(); err != nil {
		log.Warn("failed to serialise rate limit state", "error", err)
	} else if err := db.SaveRateLimits(systemTenant, data); err != nil {
		log.Warn("failed to persist rate limit state", "error", err)
	}
}
