package pkg

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"

	"github.com/databendcloud/sync-dispatch/config"
	"github.com/databendcloud/sync-dispatch/dispatcher"
	"github.com/databendcloud/sync-dispatch/ingester"
	"github.com/databendcloud/sync-dispatch/pkg/controller"
	"github.com/databendcloud/sync-dispatch/pkg/logic/sync_logic"
	"github.com/databendcloud/sync-dispatch/pkg/models"
	"github.com/databendcloud/sync-dispatch/ratelimit"
	"github.com/databendcloud/sync-dispatch/source"
	"github.com/databendcloud/sync-dispatch/worker"
)

// App owns every long lived dependency of one dispatcher process.
type App struct {
	cfg *config.Config
	dao *models.DAO

	redisPool *redis.Pool
	factory   *source.Factory
	archive   *ingester.DatabendIngester

	Orchestrator *worker.Orchestrator
	Logic        sync_logic.SyncLogic
	Router       *gin.Engine
}

func NewApp(conf *config.Config) (*App, error) {
	app := &App{cfg: conf}
	dao, err := models.NewDAO(conf.DatabaseDialect, conf.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	app.dao = dao

	var (
		store  ratelimit.Store = ratelimit.NewMemoryStore()
		locker worker.Locker
	)
	if conf.RedisAddr != "" {
		app.redisPool = ratelimit.NewRedisPool(conf.RedisAddr)
		store = ratelimit.NewRedisStore(app.redisPool)
		locker = worker.NewRedisLocker(app.redisPool, conf.LockTTL.Duration)
		logrus.Infof("sharing rate limits and sync locks through redis %s", conf.RedisAddr)
	}
	limiter := ratelimit.FromConfig(conf, store, nil)

	httpClient := &http.Client{Timeout: conf.HTTPTimeout.Duration}
	app.factory = source.NewFactory(httpClient, limiter, nil)

	var handoff ingester.Handoff = ingester.NewStagingIngester(dao)
	if conf.DatabendDSN != "" {
		archive, err := ingester.NewDatabendIngester(conf)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.archive = archive
		handoff = ingester.Chain{handoff, archive}
	}

	disp := dispatcher.NewDispatcher(dao, dao)
	app.Orchestrator = worker.NewOrchestrator(conf, dao, app.factory, handoff, disp, locker, nil)
	app.Logic = sync_logic.NewSyncLogic(conf, dao, app.Orchestrator, disp, app.factory, httpClient)
	app.Router = controller.NewRouter(controller.NewSyncTaskController(app.Logic))
	return app, nil
}

// Run serves the admin and webhook routes and ticks until ctx ends.
func (app *App) Run(ctx context.Context) error {
	srv := &http.Server{Addr: app.cfg.ListenAddr, Handler: app.Router}
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("listening on %s", app.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	tickCtx, stopTicks := context.WithCancel(ctx)
	ticksDone := make(chan struct{})
	go func() {
		app.Orchestrator.Run(tickCtx, app.cfg.TickInterval.Duration)
		close(ticksDone)
	}()
	defer func() {
		stopTicks()
		<-ticksDone
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.HTTPTimeout.Duration)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// RunOnce runs a single tick, prunes the change logs and returns the tick report.
func (app *App) RunOnce(ctx context.Context) (*worker.TickReport, error) {
	report, err := app.Orchestrator.RunTick(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := app.Orchestrator.PruneChangeLogs(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (app *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if app.archive != nil {
		keep(app.archive.Close())
	}
	if app.factory != nil {
		keep(app.factory.Close())
	}
	if app.redisPool != nil {
		keep(app.redisPool.Close())
	}
	if app.dao != nil {
		keep(app.dao.Close())
	}
	return firstErr
}
