package main

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/converge-bio/converge-go/internal/archive"
	"github.com/converge-bio/converge-go/internal/catalog"
	"github.com/converge-bio/converge-go/internal/engine"
	"github.com/converge-bio/converge-go/internal/governor"
	"github.com/converge-bio/converge-go/internal/platform/auth"
	"github.com/converge-bio/converge-go/internal/platform/calllog"
	"github.com/converge-bio/converge-go/internal/platform/env"
	"github.com/converge-bio/converge-go/internal/platform/httpserver"
	"github.com/converge-bio/converge-go/internal/platform/objectstore"
	"github.com/converge-bio/converge-go/internal/platform/postgres"
	repopg "github.com/converge-bio/converge-go/internal/repo/postgres"
	"github.com/converge-bio/converge-go/internal/source"
	"github.com/converge-bio/converge-go/internal/source/biomed"
	"github.com/converge-bio/converge-go/internal/stepexec"
)

//go:embed playbooks/*.yaml
var playbookFiles embed.FS

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("FEDERATION_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("FEDERATION_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	runDeadline, err := env.Duration("FEDERATION_RUN_DEADLINE", 10*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureArchiveBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	playbookFS, err := fs.Sub(playbookFiles, "playbooks")
	if err != nil {
		logger.Error("playbook files unavailable", "error", err)
		os.Exit(2)
	}
	cat, err := catalog.Load(playbookFS)
	if err != nil {
		logger.Error("playbook catalog rejected", "error", err)
		os.Exit(2)
	}

	govCfg, err := governorConfigFromEnv()
	if err != nil {
		logger.Error("invalid governor config", "error", err)
		os.Exit(2)
	}

	recorder := calllog.NewRecorder(db, logger)
	defer recorder.Close()
	gov, err := governor.New(govCfg, governor.SinkFunc(func(event governor.CallEvent) {
		logger.Info("source call",
			"source", event.Source,
			"capability", event.Capability,
			"attempt", event.Attempt,
			"outcome", event.Outcome,
			"error_kind", event.ErrorKind,
			"elapsed_ms", event.Elapsed.Milliseconds(),
		)
		if recorder != nil {
			recorder.Emit(event)
		}
	}))
	if err != nil {
		logger.Error("governor init failed", "error", err)
		os.Exit(2)
	}

	registry, err := buildRegistry(govCfg.CallTimeout)
	if err != nil {
		logger.Error("source registry init failed", "error", err)
		os.Exit(2)
	}
	logger.Info("sources registered", "capabilities", registry.Capabilities())

	eng := engine.New(cat, stepexec.New(registry, gov))
	runStore := repopg.NewRunStore(db)
	archiver := archive.New(storeClient, storeCfg.BucketArchive)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("federation"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"federation",
			httpserver.ReadinessCheck{
				Name:  "postgres",
				Check: httpserver.CheckWithTimeout(750*time.Millisecond, db.PingContext),
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: httpserver.CheckWithTimeout(750*time.Millisecond, func(ctx context.Context) error {
					return objectstore.CheckArchiveBucket(ctx, storeClient, storeCfg)
				}),
			},
		),
	)

	api := newFederationAPI(logger, eng, runStore, archiver, runDeadline)
	api.register(mux)

	handler, err := wrapAuth(ctx, logger, mux)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	cfg := httpserver.Config{
		Service:         "federation",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "federation", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func governorConfigFromEnv() (governor.Config, error) {
	cfg := governor.DefaultConfig()

	rate, err := env.Float("FEDERATION_SOURCE_RATE", cfg.DefaultLimit.PerSecond)
	if err != nil {
		return governor.Config{}, err
	}
	burst, err := env.Int("FEDERATION_SOURCE_BURST", cfg.DefaultLimit.Burst)
	if err != nil {
		return governor.Config{}, err
	}
	cfg.DefaultLimit = governor.SourceLimit{PerSecond: rate, Burst: burst}

	cfg.Retry.MaxAttempts, err = env.Int("FEDERATION_RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	if err != nil {
		return governor.Config{}, err
	}
	cfg.Retry.BaseDelay, err = env.Duration("FEDERATION_RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	if err != nil {
		return governor.Config{}, err
	}
	cfg.CallTimeout, err = env.Duration("FEDERATION_CALL_TIMEOUT", cfg.CallTimeout)
	if err != nil {
		return governor.Config{}, err
	}

	// Per-source overrides for the registered upstreams.
	for _, name := range []string{"reactome", "gwas", "chembl", "ctgov"} {
		key := "FEDERATION_SOURCE_RATE_" + strings.ToUpper(name)
		perSource, err := env.Float(key, 0)
		if err != nil {
			return governor.Config{}, err
		}
		if perSource > 0 {
			cfg.Limits[name] = governor.SourceLimit{PerSecond: perSource, Burst: burst}
		}
	}

	if err := cfg.Validate(); err != nil {
		return governor.Config{}, err
	}
	return cfg, nil
}

func buildRegistry(callTimeout time.Duration) (*source.Registry, error) {
	registry := source.NewRegistry()
	adapters := []source.Adapter{
		biomed.NewReactomeAdapter(env.String("REACTOME_BASE_URL", ""), callTimeout),
		biomed.NewGWASAdapter(env.String("GWAS_BASE_URL", ""), callTimeout),
		biomed.NewChEMBLAdapter(env.String("CHEMBL_BASE_URL", ""), callTimeout),
		biomed.NewCTGovAdapter(env.String("CTGOV_BASE_URL", ""), callTimeout),
	}
	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// wrapAuth applies the configured authentication mode. OIDC mode also
// mounts the browser login flow under /auth/.
func wrapAuth(ctx context.Context, logger *slog.Logger, mux *http.ServeMux) (http.Handler, error) {
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return nil, err
	}

	skip := []string{"/healthz", "/readyz"}
	var authenticator auth.Authenticator

	switch authCfg.Mode {
	case auth.ModeDisabled:
		logger.Warn("authentication disabled")
		return mux, nil
	case auth.ModeDev:
		logger.Warn("dev authentication enabled", "subject", authCfg.DevSubject)
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeOIDC:
		svc, err := auth.NewOIDCService(ctx, authCfg)
		if err != nil {
			return nil, err
		}
		if loginErr := authCfg.ValidateForLogin(); loginErr == nil {
			login, err := svc.LoginHandler()
			if err != nil {
				return nil, err
			}
			callback, err := svc.CallbackHandler()
			if err != nil {
				return nil, err
			}
			mux.HandleFunc("GET /auth/login", login)
			mux.HandleFunc("GET /auth/callback", callback)
			mux.HandleFunc("POST /auth/logout", svc.LogoutHandler())
			mux.HandleFunc("GET /auth/session", svc.SessionHandler())
			skip = append(skip, "/auth/login", "/auth/callback")
		} else {
			logger.Info("browser login disabled", "reason", loginErr)
		}
		authenticator = svc
	}

	return auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  skip,
	}.Wrap(mux), nil
}
