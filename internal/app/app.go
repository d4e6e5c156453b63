// Package app builds and holds the long-lived services of the harvester. It
// acts as the dependency injection container: one config.Config goes in and
// every component receives its own slice of it plus a named logger.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/api"
	"github.com/JakeFAU/shopping-lead-harvester/internal/browser/headless"
	"github.com/JakeFAU/shopping-lead-harvester/internal/challenge"
	"github.com/JakeFAU/shopping-lead-harvester/internal/clock/system"
	"github.com/JakeFAU/shopping-lead-harvester/internal/config"
	"github.com/JakeFAU/shopping-lead-harvester/internal/enrich"
	"github.com/JakeFAU/shopping-lead-harvester/internal/extract"
	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
	"github.com/JakeFAU/shopping-lead-harvester/internal/health"
	"github.com/JakeFAU/shopping-lead-harvester/internal/id/uuid"
	"github.com/JakeFAU/shopping-lead-harvester/internal/identity"
	"github.com/JakeFAU/shopping-lead-harvester/internal/ingest"
	"github.com/JakeFAU/shopping-lead-harvester/internal/metrics"
	"github.com/JakeFAU/shopping-lead-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/shopping-lead-harvester/internal/progress"
	"github.com/JakeFAU/shopping-lead-harvester/internal/progress/sinks"
	"github.com/JakeFAU/shopping-lead-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/shopping-lead-harvester/internal/queries"
	"github.com/JakeFAU/shopping-lead-harvester/internal/recovery"
	"github.com/JakeFAU/shopping-lead-harvester/internal/search"
	"github.com/JakeFAU/shopping-lead-harvester/internal/session"
	"github.com/JakeFAU/shopping-lead-harvester/internal/solver/twocaptcha"
	"github.com/JakeFAU/shopping-lead-harvester/internal/storage/gcs"
	"github.com/JakeFAU/shopping-lead-harvester/internal/storage/local"
	"github.com/JakeFAU/shopping-lead-harvester/internal/storage/memory"
	"github.com/JakeFAU/shopping-lead-harvester/internal/storage/postgres"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Options override collaborators that normally come from configuration.
type Options struct {
	// Factory replaces the chromedp browser factory.
	Factory harvest.BrowserFactory
	// Queries replaces the file-backed query source.
	Queries session.QuerySource
	// BlobStore replaces the configured screenshot store.
	BlobStore harvest.BlobStore
	// Publisher replaces the Pub/Sub publisher; Topic names the destination.
	Publisher harvest.Publisher
	Topic     string
	// Solver replaces the 2captcha client.
	Solver harvest.Solver
	// Registerer receives the progress collectors; nil means the default.
	Registerer prometheus.Registerer
}

// App holds the wired services.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	manual     *challenge.ManualChannel
	controller *session.Controller
	supervisor *session.Supervisor
	server     *api.Server
	hub        *progress.Hub

	closers []func(context.Context) error
}

// New builds every component from cfg. It fails fast on any collaborator
// that cannot be constructed; already opened resources are released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if cerr := a.Close(closeCtx); cerr != nil {
				logger.Warn("cleanup after failed init", zap.Error(cerr))
			}
		}
	}()
	logger.Info("initializing harvester services")
	clock := system.New()

	factory := opts.Factory
	if factory == nil {
		factory, err = headless.NewFactory(headless.Config{
			Headless:          cfg.Browser.Headless,
			ExecPath:          cfg.Browser.ExecPath,
			UserAgent:         cfg.Browser.UserAgent,
			WindowWidth:       cfg.Browser.WindowWidth,
			WindowHeight:      cfg.Browser.WindowHeight,
			NavigationTimeout: cfg.NavTimeout(),
			Proxies:           cfg.Identity.Proxies,
			Locales:           cfg.Identity.Locales,
			AcceptLanguage:    cfg.Identity.AcceptLanguageTag,
		}, logger.Named("browser"))
		if err != nil {
			return nil, fmt.Errorf("browser factory: %w", err)
		}
	}

	monitor := health.NewMonitor(health.Config{
		StuckTimeout: cfg.StuckTimeout(),
		ProbeTimeout: cfg.ProbeTimeout(),
	}, clock, logger.Named("health"))

	engine := recovery.NewEngine(monitor,
		recovery.Config{Settle: time.Duration(cfg.Recovery.SettleMillis) * time.Millisecond},
		logger.Named("recovery"),
		recovery.WithObserver(func(at recovery.Attempt) {
			metrics.ObserveRemedy(at.Remedy, remedyResult(at))
		}),
	)

	machine, err := a.buildChallenges(ctx, opts, clock)
	if err != nil {
		return nil, err
	}

	rotator, err := identity.NewRotator(identity.Config{
		Identities:       toIdentities(cfg.Identity.Identities),
		Initial:          harvest.Identity(cfg.Identity.Initial),
		EmptyThreshold:   cfg.Identity.EmptyThreshold,
		CycleProbability: cfg.Identity.CycleProbability,
	}, nil, logger.Named("identity"))
	if err != nil {
		return nil, fmt.Errorf("identity rotator: %w", err)
	}

	extractor := extract.NewExtractor(extract.Config{
		ContainerSelector:   cfg.Search.ContainerSelector,
		LinkSelector:        cfg.Search.LinkSelector,
		MerchantSelectors:   cfg.Search.MerchantSelectors,
		ComparisonSelectors: cfg.Search.ComparisonSelectors,
	}, clock)
	driver, err := search.NewDriver(search.Config{
		HomeURL:        cfg.Search.HomeURL,
		SearchURL:      cfg.Search.SearchURL,
		ConsentText:    cfg.Search.ConsentText,
		RegionSelector: cfg.Search.RegionSelector,
		FallbackPrefix: cfg.Search.FallbackPrefix,
	}, extractor, logger.Named("search"))
	if err != nil {
		return nil, fmt.Errorf("search driver: %w", err)
	}

	forwarder, err := a.buildForwarder(ctx, opts, clock)
	if err != nil {
		return nil, err
	}
	pipeline := extract.NewPipeline(extractor, forwarder, logger.Named("extract"))

	querySource := opts.Queries
	if querySource == nil {
		src, qerr := queries.Load(cfg.Queries.File, cfg.Queries.MinPerCycle, cfg.Queries.MaxPerCycle, nil)
		if qerr != nil {
			return nil, fmt.Errorf("load queries: %w", qerr)
		}
		logger.Info("queries loaded", zap.String("file", cfg.Queries.File), zap.Int("count", src.Len()))
		querySource = src
	}

	pacer := ratelimit.New(ratelimit.Config{
		UnitsPerMinute: cfg.Pacing.UnitsPerMinute,
		MinDelay:       time.Duration(cfg.Pacing.MinDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Pacing.MaxDelayMs) * time.Millisecond,
	}, ratelimit.WithObserver(metrics.ObservePacingDelay))

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")), promSink)

	a.controller, err = session.NewController(session.Config{
		MaxRestarts: cfg.Recovery.MaxRestarts,
		CyclePause:  cfg.CyclePause(),
	}, session.Deps{
		Factory:    factory,
		Monitor:    monitor,
		Recovery:   engine,
		Challenges: machine,
		Rotator:    rotator,
		Pipeline:   pipeline,
		Driver:     driver,
		Queries:    querySource,
		Pacer:      pacer,
		Events:     a.hub,
		Clock:      clock,
		IDs:        uuid.New(),
	}, logger.Named("session"))
	if err != nil {
		return nil, fmt.Errorf("session controller: %w", err)
	}
	a.supervisor = session.NewSupervisor(a.controller, cfg.RestartBackoff(), logger.Named("supervisor"))

	if cfg.Server.Enabled {
		a.server = api.NewServer(api.Config{APIKey: cfg.Server.APIKey}, a.controller, a.manual, logger.Named("api"))
	}
	return a, nil
}

func (a *App) buildChallenges(ctx context.Context, opts Options, clock harvest.Clock) (*challenge.Machine, error) {
	cfg := a.cfg
	logger := a.logger.Named("challenge")
	a.manual = challenge.NewManualChannel()

	machineOpts := []challenge.Option{
		challenge.WithClock(clock),
		challenge.WithObserver(func(tr challenge.Transition) {
			metrics.ObserveChallengeState(tr.To.String())
		}),
	}

	solver := opts.Solver
	if solver == nil && cfg.Solver.APIKey != "" {
		client, err := twocaptcha.New(twocaptcha.Config{
			APIKey:       cfg.Solver.APIKey,
			BaseURL:      cfg.Solver.BaseURL,
			PollInterval: time.Duration(cfg.Solver.PollIntervalSec) * time.Second,
		}, a.logger.Named("solver"))
		if err != nil {
			return nil, fmt.Errorf("captcha solver: %w", err)
		}
		solver = client
	}
	if solver != nil {
		machineOpts = append(machineOpts, challenge.WithSolver(solver))
	} else {
		logger.Info("no solver configured; challenges fall back to manual handling")
	}

	if cfg.Challenge.Screenshots {
		blobs, err := a.buildBlobStore(ctx, opts)
		if err != nil {
			return nil, err
		}
		machineOpts = append(machineOpts, challenge.WithBlobStore(blobs))
	}

	return challenge.NewMachine(challenge.Config{
		ManualTimeout:          cfg.ManualTimeout(),
		ExtraManualRounds:      cfg.Challenge.ManualExtraRounds,
		SolveTimeout:           cfg.SolveTimeout(),
		Grace:                  time.Duration(cfg.Challenge.GraceSeconds) * time.Second,
		UnsupportedURLPatterns: cfg.Challenge.UnsupportedURLPattern,
		Screenshots:            cfg.Challenge.Screenshots,
		ScreenshotPrefix:       cfg.Storage.Prefix,
		V3Action:               cfg.Solver.V3Action,
		V3MinScore:             cfg.Solver.V3MinScore,
	}, challenge.NewDetector(challenge.DetectorConfig{Phrases: cfg.Challenge.Phrases}), a.manual, logger, machineOpts...), nil
}

func (a *App) buildBlobStore(ctx context.Context, opts Options) (harvest.BlobStore, error) {
	if opts.BlobStore != nil {
		return opts.BlobStore, nil
	}
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		a.logger.Info("screenshots stored on disk", zap.String("base_dir", cfg.BaseDir))
		return store, nil
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.logger.Info("screenshots stored in GCS", zap.String("bucket", cfg.GCSBucket))
		return store, nil
	default:
		a.logger.Info("screenshots kept in memory")
		return memory.NewBlobStore(), nil
	}
}

func (a *App) buildForwarder(ctx context.Context, opts Options, clock harvest.Clock) (*ingest.Forwarder, error) {
	cfg := a.cfg
	client, err := ingest.NewClient(ingest.Config{
		Endpoint:   cfg.Ingest.Endpoint,
		Timeout:    time.Duration(cfg.Ingest.TimeoutSeconds) * time.Second,
		Status:     cfg.Ingest.Status,
		NotePrefix: cfg.Ingest.NotePrefix,
	}, clock, a.logger.Named("ingest"))
	if err != nil {
		return nil, fmt.Errorf("ingest client: %w", err)
	}

	fwdOpts := []ingest.ForwarderOption{
		ingest.WithClock(clock),
		ingest.WithObserver(func(status harvest.IngestStatus) {
			metrics.ObserveLeads(string(status), 1)
		}),
	}
	if cfg.Enrich.Enabled {
		fwdOpts = append(fwdOpts, ingest.WithEmailFinder(enrich.New(enrich.Config{
			UserAgent:       cfg.Enrich.UserAgent,
			MaxContactPages: cfg.Enrich.MaxContactPages,
			Timeout:         time.Duration(cfg.Enrich.TimeoutSeconds) * time.Second,
			RespectRobots:   cfg.Enrich.RespectRobots,
		}, a.logger.Named("enrich"))))
	}

	if cfg.DB.DSN != "" {
		ledger, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("lead ledger: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			ledger.Close()
			return nil
		})
		if err := ledger.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("lead ledger schema: %w", err)
		}
		fwdOpts = append(fwdOpts, ingest.WithLedger(ledger))
	}

	switch {
	case opts.Publisher != nil:
		fwdOpts = append(fwdOpts, ingest.WithPublisher(opts.Publisher, opts.Topic))
	case cfg.PubSub.TopicName != "":
		pub, err := pubsub.Open(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("lead publisher: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		fwdOpts = append(fwdOpts, ingest.WithPublisher(pub, cfg.PubSub.TopicName))
	}

	return ingest.NewForwarder(client, a.logger.Named("forwarder"), fwdOpts...), nil
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller {
	return a.controller
}

// Manual returns the channel that releases manual challenge waits.
func (a *App) Manual() *challenge.ManualChannel {
	return a.manual
}

// Handler returns the admin HTTP handler, or nil when the server is disabled.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler()
}

// Run serves the admin API when enabled and supervises the session loop
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	var srv *http.Server
	serveErr := make(chan error, 1)
	if a.server != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.server.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			a.logger.Info("admin server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()
	} else {
		close(serveErr)
	}

	runErr := a.supervisor.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("admin server shutdown failed", zap.Error(err))
		}
	}
	if err := <-serveErr; err != nil {
		return errors.Join(runErr, fmt.Errorf("admin server: %w", err))
	}
	return runErr
}

// Close flushes progress events and releases external clients in reverse
// order of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func remedyResult(at recovery.Attempt) string {
	switch {
	case at.Err != nil:
		return "error"
	case at.Result.Healthy():
		return "healthy"
	default:
		return "ineffective"
	}
}

func toIdentities(names []string) []harvest.Identity {
	out := make([]harvest.Identity, 0, len(names))
	for _, n := range names {
		out = append(out, harvest.Identity(n))
	}
	return out
}
