package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/archive"
	"github.com/MarcoPoloResearchLab/intake/internal/config"
	"github.com/MarcoPoloResearchLab/intake/internal/crm"
	"github.com/MarcoPoloResearchLab/intake/internal/database"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/ids"
	"github.com/MarcoPoloResearchLab/intake/internal/intake"
	"github.com/MarcoPoloResearchLab/intake/internal/locking"
	"github.com/MarcoPoloResearchLab/intake/internal/retry"
	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	"github.com/MarcoPoloResearchLab/intake/internal/server"
	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// services holds the wired object graph shared by every subcommand.
type services struct {
	db         *gorm.DB
	syncer     *forms.Syncer
	store      *applications.Store
	ingestor   *applications.Ingestor
	engine     *scoring.Engine
	rules      *scoring.RuleService
	dispatcher *server.ScoreDispatcher
	locks      locking.Store
	archiver   *archive.Archiver
	controller *intake.Controller
	closers    []func() error
}

func (s *services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildServices(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*services, error) {
	svc := &services{}
	idProvider := ids.NewUUIDProvider()

	db, err := database.Open(ctx, database.Config{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	svc.db = db
	svc.closers = append(svc.closers, sqlDB.Close)

	provider, err := typeform.NewClient(typeform.ClientConfig{
		BaseURL:  appConfig.Typeform.APIURL,
		APIToken: appConfig.Typeform.APIToken,
		Logger:   logger,
	})
	if err != nil {
		return nil, svc.fail(err)
	}
	versions, err := forms.NewVersionStore(forms.VersionStoreConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return nil, svc.fail(err)
	}
	svc.syncer, err = forms.NewSyncer(forms.SyncerConfig{
		Database:   db,
		Provider:   provider,
		Versions:   versions,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return nil, svc.fail(err)
	}

	svc.store, err = applications.NewStore(applications.StoreConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return nil, svc.fail(err)
	}
	svc.ingestor, err = applications.NewIngestor(applications.IngestorConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return nil, svc.fail(err)
	}

	crmSyncer, err := newCRMSyncer(appConfig.HubSpot, logger)
	if err != nil {
		return nil, svc.fail(err)
	}
	svc.dispatcher = server.NewScoreDispatcher()
	svc.engine, err = scoring.NewEngine(scoring.EngineConfig{
		Database:     db,
		Logger:       logger,
		BatchSize:    appConfig.Scoring.BatchSize,
		Budget:       appConfig.Scoring.Budget,
		SafetyMargin: appConfig.Scoring.SafetyMargin,
		CRMTimeout:   appConfig.Scoring.CRMTimeout,
		CRM:          crmSyncer,
		Notifier:     svc.dispatcher,
	})
	if err != nil {
		return nil, svc.fail(err)
	}
	svc.rules, err = scoring.NewRuleService(scoring.RuleServiceConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return nil, svc.fail(err)
	}

	svc.locks, err = svc.newLockStore(ctx, appConfig.Lock, db, idProvider, logger)
	if err != nil {
		return nil, svc.fail(err)
	}

	controllerConfig := intake.ControllerConfig{
		Forms:        svc.syncer,
		Applications: svc.store,
		Ingestor:     svc.ingestor,
		Scorer:       svc.engine,
		Locks:        svc.locks,
		RetryPolicy:  retry.Policy{Delay: appConfig.RetryDelay},
		Logger:       logger,
	}
	if appConfig.Archive.Enabled() {
		svc.archiver, err = archive.NewMinioArchiver(archive.Config{
			Endpoint:  appConfig.Archive.Endpoint,
			AccessKey: appConfig.Archive.AccessKey,
			SecretKey: appConfig.Archive.SecretKey,
			Bucket:    appConfig.Archive.Bucket,
			UseSSL:    appConfig.Archive.UseSSL,
			Logger:    logger,
		})
		if err != nil {
			return nil, svc.fail(err)
		}
		if err := svc.archiver.EnsureBucket(ctx); err != nil {
			return nil, svc.fail(err)
		}
		controllerConfig.Archiver = svc.archiver
	}
	svc.controller, err = intake.NewController(controllerConfig)
	if err != nil {
		return nil, svc.fail(err)
	}
	return svc, nil
}

func (s *services) fail(err error) error {
	if closeErr := s.Close(); closeErr != nil {
		return errors.Join(err, closeErr)
	}
	return err
}

func (s *services) newLockStore(ctx context.Context, cfg config.LockConfig, db *gorm.DB, idProvider ids.Provider, logger *zap.Logger) (locking.Store, error) {
	if cfg.Backend == config.LockBackendRedis {
		client, err := locking.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		return locking.NewRedisStore(locking.RedisStoreConfig{
			Client:     client,
			IDProvider: idProvider,
			StaleAfter: cfg.StaleAfter,
			Logger:     logger,
		})
	}
	return locking.NewGormStore(locking.GormStoreConfig{
		Database:   db,
		IDProvider: idProvider,
		StaleAfter: cfg.StaleAfter,
		Logger:     logger,
	})
}

func newCRMSyncer(cfg config.HubSpotConfig, logger *zap.Logger) (scoring.CRMSyncer, error) {
	if !cfg.Enabled() {
		logger.Info("crm sync disabled")
		return crm.NoopSyncer{}, nil
	}
	client, err := crm.NewHubSpotClient(crm.HubSpotConfig{
		BaseURL:     cfg.APIURL,
		AccessToken: cfg.AccessToken,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return crm.NewScoreSyncer(crm.ScoreSyncerConfig{
		Client:   client,
		Pipeline: cfg.Pipeline,
		Stage:    cfg.Stage,
		Logger:   logger,
	})
}
