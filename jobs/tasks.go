// Package jobs wires the request lifecycle into a durable redis-backed queue.
// The Client side enqueues work from the API process; the Worker side consumes
// it and drives the handler pipeline.
package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	TypeHandleRequest   = "request:handle"
	TypeCompressRequest = "request:compress"
	TypeDeleteFiles     = "request:delete_files"
	TypeLogCleanup      = "logs:cleanup"
)

// ErrAlreadyQueued reports that a handle job for the request is already
// pending or running.
var ErrAlreadyQueued = errors.New("request is already queued for handling")

type handleRequestPayload struct {
	RequestID string `json:"requestId"`
}

type compressRequestPayload struct {
	RequestID string `json:"requestId"`
}

type deleteFilesPayload struct {
	Path string `json:"path"`
}

// Client enqueues lifecycle jobs. It implements handler.FileRemover so the
// pipeline can schedule partial-file cleanup without knowing about the queue.
type Client struct {
	inner *asynq.Client
	queue string
}

func NewClient(redisOpt asynq.RedisClientOpt, queue string) *Client {
	return &Client{inner: asynq.NewClient(redisOpt), queue: queue}
}

func (c *Client) Close() error { return c.inner.Close() }

// EnqueueHandleRequest schedules processing of a request. The task id is
// derived from the request id so a request can never be in flight twice:
// a second enqueue while the first is pending or running returns
// ErrAlreadyQueued.
func (c *Client) EnqueueHandleRequest(ctx context.Context, requestID string) error {
	b, err := json.Marshal(handleRequestPayload{RequestID: requestID})
	if err != nil {
		return err
	}
	_, err = c.inner.EnqueueContext(ctx, asynq.NewTask(TypeHandleRequest, b),
		asynq.Queue(c.queue),
		asynq.TaskID("handle:"+requestID),
		asynq.MaxRetry(5),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return ErrAlreadyQueued
	}
	return err
}

// EnqueueCompressRequest schedules zipping of a request's storage directory.
func (c *Client) EnqueueCompressRequest(ctx context.Context, requestID string) error {
	b, err := json.Marshal(compressRequestPayload{RequestID: requestID})
	if err != nil {
		return err
	}
	_, err = c.inner.EnqueueContext(ctx, asynq.NewTask(TypeCompressRequest, b),
		asynq.Queue(c.queue),
	)
	return err
}

// EnqueueDeleteFiles schedules removal of a storage directory and its archive.
func (c *Client) EnqueueDeleteFiles(ctx context.Context, path string) error {
	b, err := json.Marshal(deleteFilesPayload{Path: path})
	if err != nil {
		return err
	}
	_, err = c.inner.EnqueueContext(ctx, asynq.NewTask(TypeDeleteFiles, b),
		asynq.Queue(c.queue),
	)
	return err
}
