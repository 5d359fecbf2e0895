// Package direct downloads the submitted URL as-is over HTTP.
package direct

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"fetchd/handler"
	"fetchd/request"
)

// Factory builds direct-download handlers.
type Factory struct {
	client *http.Client
}

func NewFactory() *Factory {
	return &Factory{client: &http.Client{Timeout: 15 * time.Second}}
}

func (f *Factory) Kind() request.Kind { return request.KindDirect }

func (f *Factory) Probe(url string) handler.Status {
	status := handler.Status{
		Kind:        string(request.KindDirect),
		Description: "A handler for directly downloading the url resource.",
		Options:     map[string]interface{}{},
	}

	resp, err := f.client.Head(url)
	if err != nil {
		return status
	}
	resp.Body.Close()
	status.Supported = resp.StatusCode == http.StatusOK

	return status
}

func (f *Factory) New(r *request.Request, env handler.Env) handler.Handler {
	return &Handler{
		req:     r,
		tracker: env.Tracker,
		logger:  request.NewLogger(env.Sink, r),
		root:    env.Root,
		// No timeout on the fetch client: transfers may legitimately run
		// for minutes and are bounded by the job context instead.
		client: &http.Client{},
	}
}

// Handler implements the direct download flow: HEAD for metadata, then a
// streamed GET with progress updates.
type Handler struct {
	req     *request.Request
	tracker *request.Tracker
	logger  *request.Logger
	root    string
	client  *http.Client

	filename  string
	extension string
}

func (h *Handler) PreProcess(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.req.URL, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resource returned status %s", resp.Status)
	}

	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	if err := h.tracker.SetPayload(ctx, h.req, headers); err != nil {
		return err
	}

	h.extension = handler.FileExtension(resp.Header)
	h.filename = handler.Filename(h.req.URL, resp.Header, h.extension)
	if err := h.tracker.SetTitle(ctx, h.req, h.filename); err != nil {
		return err
	}

	return os.MkdirAll(filepath.Join(h.root, h.req.StoragePath()), 0o755)
}

func (h *Handler) Fetch(ctx context.Context) error {
	dir := filepath.Join(h.root, h.req.StoragePath())
	_, err := handler.Download(ctx, h.client, h.req.URL, dir, h.filename, h.extension, func(p int) {
		if p > h.req.Progress {
			if err := h.tracker.SetProgress(ctx, h.req, p); err != nil {
				h.logger.Warning("progress update rejected: %v", err)
			}
		}
	})
	return err
}

func (h *Handler) PostProcess(context.Context) error { return nil }

func (h *Handler) Reset(context.Context) error { return nil }
