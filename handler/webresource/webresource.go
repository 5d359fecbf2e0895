// Package webresource scrapes downloadable resources out of a rendered web
// page. The page is executed in a headless browser first so URLs injected by
// scripts are visible to the extraction pass.
package webresource

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"fetchd/handler"
	"fetchd/request"
)

var (
	// absoluteRe matches fully qualified http/https/ftp URLs.
	absoluteRe = regexp.MustCompile(`(http|ftp|https)(://)([\w_-]+(?:(?:\.[\w_-]+)+))([\w.,@?^=%&:/~+#-]*[\w@?^=%&/~+#-])?`)
	// relativeRe matches quoted site-relative paths.
	relativeRe = regexp.MustCompile(`("|')(/[\w.-]+)+/?`)
	// protocolRelativeRe matches quoted protocol-relative paths.
	protocolRelativeRe = regexp.MustCompile(`("|')(//)([\w./]+)+`)
)

// Renderer loads a page in a browser and returns the post-script HTML, the
// document title and a full-page screenshot.
type Renderer interface {
	Render(ctx context.Context, url string) (html, title string, screenshot []byte, err error)
}

// Factory builds web-resource handlers.
type Factory struct {
	renderer Renderer
	client   *http.Client
}

func NewFactory(renderer Renderer) *Factory {
	return &Factory{renderer: renderer, client: &http.Client{Timeout: 15 * time.Second}}
}

func (f *Factory) Kind() request.Kind { return request.KindResource }

func (f *Factory) Probe(rawURL string) handler.Status {
	status := handler.Status{
		Kind:        string(request.KindResource),
		Description: "A handler for downloading resources from the url resource.",
		Options:     map[string]interface{}{"extensions": true, "minBytes": true, "delaySec": true},
	}

	resp, err := f.client.Head(rawURL)
	if err != nil {
		return status
	}
	resp.Body.Close()
	status.Supported = resp.StatusCode == http.StatusOK &&
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html")

	return status
}

func (f *Factory) New(r *request.Request, env handler.Env) handler.Handler {
	return &Handler{
		renderer: f.renderer,
		req:      r,
		tracker:  env.Tracker,
		logger:   request.NewLogger(env.Sink, r),
		root:     env.Root,
		client:   &http.Client{},
	}
}

// Handler scrapes one page worth of resources.
type Handler struct {
	renderer Renderer
	req      *request.Request
	tracker  *request.Tracker
	logger   *request.Logger
	root     string
	client   *http.Client

	html string
}

func (h *Handler) PreProcess(ctx context.Context) error {
	html, title, screenshot, err := h.renderer.Render(ctx, h.req.URL)
	if err != nil {
		return err
	}
	h.html = html

	if err := h.tracker.SetTitle(ctx, h.req, title); err != nil {
		return err
	}
	h.logger.Debug("Extracted title %s.", title)

	dir := filepath.Join(h.root, h.req.StoragePath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	h.logger.Debug("Created folder for resource.")

	if len(screenshot) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "screenshot.png"), screenshot, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) Fetch(ctx context.Context) error {
	paths := extractPaths(h.req.URL, h.html)
	h.logger.Debug("Extracted %d paths.", len(paths))

	filtered := filterPaths(paths, h.req.Options.Extensions)
	h.logger.Debug("Filtered down to %d paths.", len(filtered))

	if err := h.tracker.SetPayload(ctx, h.req, map[string]interface{}{
		"paths":         paths,
		"filteredPaths": filtered,
	}); err != nil {
		return err
	}

	if len(filtered) == 0 {
		return h.tracker.SetProgress(ctx, h.req, 100)
	}

	delay := time.Duration(h.req.Options.DelaySec) * time.Second
	for i, p := range filtered {
		if err := h.downloadFile(ctx, p); err != nil {
			return err
		}
		if err := h.tracker.SetProgress(ctx, h.req, (i+1)*100/len(filtered)); err != nil {
			return err
		}

		if delay > 0 && i < len(filtered)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil
}

// downloadFile fetches one matched resource, skipping files below the
// configured size threshold.
func (h *Handler) downloadFile(ctx context.Context, rawURL string) error {
	h.logger.Debug("Processing url %s.", rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warning("Resource %s is unreachable. Skipping.", rawURL)
		return nil
	}
	resp.Body.Close()

	size := resp.ContentLength
	if size < 0 {
		h.logger.Warning("Resource has no given file size. Downloading anyway.")
	} else if size < h.req.Options.MinBytes {
		h.logger.Warning("Resource file is too small (%d bytes). Skipping.", size)
		return nil
	}

	ext := handler.FileExtension(resp.Header)
	name := handler.Filename(rawURL, resp.Header, ext)
	h.logger.Debug("Extracted extension %s and created filename %s.", ext, name)

	dir := filepath.Join(h.root, h.req.StoragePath())
	if _, err := handler.Download(ctx, h.client, rawURL, dir, name, ext, nil); err != nil {
		return err
	}

	h.logger.Info("Finished with url %s.", rawURL)
	return nil
}

func (h *Handler) PostProcess(context.Context) error { return nil }

func (h *Handler) Reset(context.Context) error { return nil }

// extractPaths pulls candidate resource URLs out of html: absolute links,
// site-relative paths and protocol-relative paths, the latter two resolved
// against base.
func extractPaths(base, html string) []string {
	var paths []string

	for _, m := range absoluteRe.FindAllString(html, -1) {
		paths = append(paths, m)
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return paths
	}
	resolve := func(ref string) {
		u, err := url.Parse(ref)
		if err != nil {
			return
		}
		paths = append(paths, baseURL.ResolveReference(u).String())
	}

	for _, m := range relativeRe.FindAllString(html, -1) {
		resolve(m[1:]) // strip the leading quote
	}
	for _, m := range protocolRelativeRe.FindAllString(html, -1) {
		resolve(m[1:])
	}
	return paths
}

// filterPaths keeps paths matching the extension allow-list, deduplicated in
// first-seen order. An empty allow-list keeps nothing.
func filterPaths(paths, extensions []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if seen[p] {
			continue
		}
		for _, ext := range extensions {
			if strings.HasSuffix(p, ext) {
				seen[p] = true
				out = append(out, p)
				break
			}
		}
	}
	return out
}
