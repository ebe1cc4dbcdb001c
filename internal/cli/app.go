package cli

import (
	"context"
	"log/slog"

	"amt/internal/catalog"
	"amt/internal/config"
	"amt/internal/descriptor"
	"amt/internal/domain"
	"amt/internal/edfi"
	"amt/internal/etl"
	"amt/internal/extract"
	"amt/internal/ledger"
	"amt/internal/service"
	"amt/internal/staging"
	"amt/internal/storage"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  domain.RunLogStore
	svc    *service.PipelineService
}

// newApp builds the pipeline from cfg: API client, staging store, ledger,
// extract driver, view engine, run history and the orchestrating service.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.ViewsDir != "" {
		n, err := etl.RegisterDir(cfg.ViewsDir)
		if err != nil {
			return nil, domain.NewError(domain.KindConfig, config.KeyViewsDir, err)
		}
		logger.Info("views loaded", "dir", cfg.ViewsDir, "count", n)
	}

	mapping := descriptor.Default()
	if cfg.DescriptorMappingFile != "" {
		m, err := descriptor.Load(cfg.DescriptorMappingFile)
		if err != nil {
			return nil, domain.NewError(domain.KindConfig, config.KeyDescriptorMappingFile, err)
		}
		mapping = m
	}

	cat := catalog.Default()
	client := edfi.New(edfi.Options{
		BaseURL:                 cfg.APIURL,
		Prefix:                  cfg.PrefixDataV,
		TokenURL:                cfg.TokenURL,
		User:                    cfg.User,
		Password:                cfg.Password,
		Limit:                   cfg.Limit,
		AvailableChangeVersions: cfg.AvailableChangeVersions,
		CertVerification:        cfg.CertVerification,
		Timeout:                 cfg.HTTPTimeout,
		Logger:                  logger,
	})
	silver := staging.New(cfg.SilverLocation)
	driver := extract.NewDriver(client, silver,
		ledger.New(cfg.ChangeVersionFilepath, cfg.ChangeVersionFilename, logger),
		extract.Options{
			Endpoints:            cat.Endpoints(),
			Workers:              cfg.Workers,
			Policy:               cfg.LedgerPolicy,
			DisableChangeVersion: cfg.DisableChangeVersion,
			Logger:               logger,
		})
	engine := &etl.Engine{
		Store:       silver,
		Catalog:     cat,
		Descriptors: mapping,
		Dest:        etl.NewParquetWriter(cfg.ParquetLocation),
		Parallelism: cfg.Workers,
		Logger:      logger,
	}

	store, err := storage.Open(cfg.RunLogDriver, cfg.RunLogDSN)
	if err != nil {
		return nil, err
	}

	opts := service.Options{
		Scope:          cfg.Scope,
		Schedule:       cfg.Schedule,
		SensorInterval: cfg.SensorInterval,
		Logger:         logger,
	}
	if cfg.WatchStaging {
		opts.WatchDir = cfg.SilverLocation
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		svc:    service.NewPipelineService(driver, engine, store, logEmitter{logger}, opts),
	}, nil
}

func (a *app) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

// logEmitter reports finished runs to the log.
type logEmitter struct {
	logger *slog.Logger
}

func (e logEmitter) Emit(_ context.Context, event string, data any) {
	run, ok := data.(*service.Run)
	if !ok {
		e.logger.Debug("event", "event", event)
		return
	}
	for _, f := range run.Failures {
		e.logger.Warn("run failure",
			"event", event,
			"runID", run.ID,
			"kind", string(f.Kind),
			"subject", f.Subject,
			"error", f.Message)
	}
}
