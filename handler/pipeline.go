package handler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"fetchd/request"
)

// FileRemover schedules asynchronous deletion of a request's storage path.
// The job queue's client implements it.
type FileRemover interface {
	EnqueueDeleteFiles(ctx context.Context, path string) error
}

// Pipeline drives a request through pre-process, fetch and post-process,
// owning every status transition. Any phase error is converted into a
// failure reset; Execute never propagates errors to its caller.
type Pipeline struct {
	tracker  *request.Tracker
	registry *Registry
	sink     request.LogSink
	remover  FileRemover
	root     string
}

func NewPipeline(tracker *request.Tracker, registry *Registry, sink request.LogSink, remover FileRemover, root string) *Pipeline {
	return &Pipeline{
		tracker:  tracker,
		registry: registry,
		sink:     sink,
		remover:  remover,
		root:     root,
	}
}

// Execute runs the full phase sequence for r.
func (p *Pipeline) Execute(ctx context.Context, r *request.Request) {
	logger := request.NewLogger(p.sink, r)

	factory, ok := p.registry.Factory(r.Kind)
	if !ok {
		p.fail(ctx, r, nil, logger, fmt.Errorf("no handler registered for kind %q", r.Kind))
		return
	}

	h := factory.New(r, Env{Tracker: p.tracker, Sink: p.sink, Root: p.root})
	if err := p.run(ctx, r, h); err != nil {
		p.fail(ctx, r, h, logger, err)
	}
}

func (p *Pipeline) run(ctx context.Context, r *request.Request, h Handler) error {
	if err := p.tracker.SetStatus(ctx, r, request.StatusPreProcessing); err != nil {
		return err
	}
	if err := h.PreProcess(ctx); err != nil {
		return err
	}

	if err := p.tracker.SetStatus(ctx, r, request.StatusDownloading); err != nil {
		return err
	}
	if err := h.Fetch(ctx); err != nil {
		return err
	}

	// A handler may already have flipped to post-processing from an early
	// 100% progress callback; SetStatus treats that as a no-op.
	if err := p.tracker.SetStatus(ctx, r, request.StatusPostProcessing); err != nil {
		return err
	}
	if err := h.PostProcess(ctx); err != nil {
		return err
	}

	return p.tracker.SetStatus(ctx, r, request.StatusCompleted)
}

// fail resets the request entity, runs the handler's own cleanup hook,
// schedules removal of any partial files, and records the error.
func (p *Pipeline) fail(ctx context.Context, r *request.Request, h Handler, logger *request.Logger, cause error) {
	if err := p.tracker.Reset(ctx, r); err != nil {
		logrus.WithError(err).WithField("request", r.ID).Warn("failed to reset request")
	}

	if h != nil {
		if err := h.Reset(ctx); err != nil {
			logger.Warning("handler reset failed: %v", err)
		}
	}

	if p.remover != nil {
		if err := p.remover.EnqueueDeleteFiles(ctx, filepath.Join(p.root, r.StoragePath())); err != nil {
			logrus.WithError(err).WithField("request", r.ID).Warn("failed to schedule partial file cleanup")
		}
	}

	logger.Error("%v", cause)
}
