// fetchd/main.go
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"fetchd/api"
	"fetchd/config"
	"fetchd/event"
	"fetchd/handler"
	"fetchd/handler/direct"
	"fetchd/handler/extractor"
	"fetchd/handler/torrent"
	"fetchd/handler/webresource"
	"fetchd/jobs"
	"fetchd/request"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// 2. Open the store and apply the schema
	db, err := sql.Open("sqlite", cfg.DatabaseDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	store := request.NewStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		logrus.WithError(err).Fatal("Failed to apply database schema")
	}

	// 3. Redis: pub/sub publisher plus the job queue transport
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	bus := event.NewRedisPublisher(rdb)
	tracker := request.NewTracker(store, bus)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue := jobs.NewClient(redisOpt, cfg.QueueName)
	defer queue.Close()

	// 4. Handler registry
	extractorFactory, err := extractor.NewFactory(cfg.ExtractorCommand, cfg.ExtractorTimeout)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid extractor command")
	}
	registry := handler.NewRegistry(
		direct.NewFactory(),
		extractorFactory,
		torrent.NewFactory(torrent.Config{
			URL:          cfg.TorrentURL,
			Username:     cfg.TorrentUser,
			Password:     cfg.TorrentPassword,
			PollInterval: cfg.TorrentPollInterval,
		}),
		webresource.NewFactory(webresource.NewChromeRenderer(cfg.PageLoadTimeout)),
	)

	// 5. Worker side: pipeline + queue consumer + daily schedule
	pipeline := handler.NewPipeline(tracker, registry, store, queue, cfg.FilesRoot)
	worker := jobs.NewWorker(redisOpt, jobs.WorkerOptions{
		Queue:       cfg.QueueName,
		Concurrency: cfg.QueueConcurrency,
		Root:        cfg.FilesRoot,
		Throttle: func() error {
			return jobs.CheckResources(jobs.Thresholds{
				IdleCPU:  cfg.ThrottleCPU,
				FreeMem:  cfg.ThrottleFreeMem,
				FreeDisk: cfg.ThrottleFreeDisk,
				Path:     cfg.FilesRoot,
			})
		},
	}, store, tracker, pipeline, bus)

	// 6. Router and server
	router := api.SetupRouter(store, tracker, queue, registry, bus, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Start(); err != nil {
		logrus.WithError(err).Fatal("Failed to start job worker")
	}

	go func() {
		logrus.WithField("port", cfg.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("listen failed")
		}
	}()

	// 7. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	logrus.Info("Shutting down gracefully, press Ctrl+C again to force")

	worker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Fatal("Server forced to shutdown")
	}

	logrus.Info("Server exiting")
}
