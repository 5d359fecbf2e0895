package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"fetchd/event"
	"fetchd/files"
	"fetchd/handler"
	"fetchd/request"
)

// WorkerOptions configures the consumer side of the queue.
type WorkerOptions struct {
	Queue       string
	Concurrency int
	// Root is the directory holding the files/<userId>/<requestId> tree.
	Root string
	// Throttle runs before a fetch job claims a slot. A returned error
	// requeues the job with backoff. Nil disables throttling.
	Throttle ResourceCheck
}

// Worker consumes lifecycle jobs and runs the daily maintenance schedule.
type Worker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
}

func NewWorker(redisOpt asynq.RedisClientOpt, opts WorkerOptions, store *request.Store, tracker *request.Tracker, pipeline *handler.Pipeline, bus event.Publisher) *Worker {
	if bus == nil {
		bus = event.NopPublisher{}
	}
	p := &processor{
		store:    store,
		tracker:  tracker,
		pipeline: pipeline,
		bus:      bus,
		root:     opts.Root,
		throttle: opts.Throttle,
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues:      map[string]int{opts.Queue: 1},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeHandleRequest, p.handleRequest)
	mux.HandleFunc(TypeCompressRequest, p.compressRequest)
	mux.HandleFunc(TypeDeleteFiles, p.deleteFiles)
	mux.HandleFunc(TypeLogCleanup, p.cleanupLogs)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	if _, err := scheduler.Register("@daily", asynq.NewTask(TypeLogCleanup, nil), asynq.Queue(opts.Queue)); err != nil {
		logrus.WithError(err).Error("failed to register log cleanup schedule")
	}

	return &Worker{server: server, scheduler: scheduler, mux: mux}
}

// Start launches the queue consumer and the scheduler. It does not block.
func (w *Worker) Start() error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	return w.scheduler.Start()
}

func (w *Worker) Shutdown() {
	w.scheduler.Shutdown()
	w.server.Shutdown()
}

// processor holds the dependencies the job handlers need. Tests exercise its
// methods directly without a running queue.
type processor struct {
	store    *request.Store
	tracker  *request.Tracker
	pipeline *handler.Pipeline
	bus      event.Publisher
	root     string
	throttle ResourceCheck
}

// handleRequest drives one request through the handler pipeline. The request
// is reloaded from the store so a deleted request is silently dropped rather
// than processed against stale state.
func (p *processor) handleRequest(ctx context.Context, t *asynq.Task) error {
	var payload handleRequestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	if p.throttle != nil {
		if err := p.throttle(); err != nil {
			logrus.WithError(err).WithField("request", payload.RequestID).Info("deferring fetch job")
			return err
		}
	}

	r, err := p.store.GetByID(ctx, payload.RequestID)
	if errors.Is(err, request.ErrNotFound) {
		logrus.WithField("request", payload.RequestID).Info("request deleted before handling, dropping job")
		return nil
	}
	if err != nil {
		return err
	}
	if r.Status != request.StatusPending {
		logrus.WithFields(logrus.Fields{"request": r.ID, "status": r.Status}).Info("request no longer pending, dropping job")
		return nil
	}

	// Handler failures are absorbed by the pipeline; a retry happens only
	// when the user asks for one.
	p.pipeline.Execute(ctx, r)
	return nil
}

// compressRequest zips a request's storage directory next to itself. If the
// directory no longer exists the compression stamps are cleared instead.
func (p *processor) compressRequest(ctx context.Context, t *asynq.Task) error {
	var payload compressRequestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	r, err := p.store.GetByID(ctx, payload.RequestID)
	if errors.Is(err, request.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	dir := filepath.Join(p.root, r.StoragePath())
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logrus.WithField("request", r.ID).Info("storage directory gone, clearing compression stamps")
		return p.tracker.SetCompression(ctx, r, nil, nil)
	}

	// A duplicate job must not move the finished stamp.
	if r.CompressedAt != nil {
		return nil
	}

	startedAt := r.StartCompressingAt
	if startedAt == nil {
		now := time.Now().UTC()
		startedAt = &now
	}

	zipPath := dir + ".zip"
	if _, err := os.Stat(zipPath); os.IsNotExist(err) {
		if err := files.Zip(dir, zipPath); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	if err := p.tracker.SetCompression(ctx, r, startedAt, &now); err != nil {
		return err
	}

	_ = p.bus.Publish(ctx, r.UserID, event.Event{Type: event.TypeTaskFinished, Payload: r})
	return nil
}

// deleteFiles removes a storage directory and its sibling archive. Removal is
// best effort so the job never retries.
func (p *processor) deleteFiles(_ context.Context, t *asynq.Task) error {
	var payload deleteFilesPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	files.Cleanup(payload.Path)
	return nil
}

// cleanupLogs drops request log lines older than the start of the current
// day. Runs from the daily schedule.
func (p *processor) cleanupLogs(ctx context.Context, _ *asynq.Task) error {
	now := time.Now().UTC()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	n, err := p.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	logrus.WithField("deleted", n).Info("cleaned up request logs")
	return nil
}
