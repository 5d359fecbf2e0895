package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"

	"fetchd/config"
	"fetchd/event"
	"fetchd/files"
	"fetchd/handler"
	"fetchd/jobs"
	"fetchd/request"
)

var (
	urlRe    = regexp.MustCompile(`^(http|https|ftp)://\S+$`)
	magnetRe = regexp.MustCompile(`^magnet:\?\S+$`)
)

// Queue is the slice of the job client the API needs.
type Queue interface {
	EnqueueHandleRequest(ctx context.Context, requestID string) error
	EnqueueCompressRequest(ctx context.Context, requestID string) error
	EnqueueDeleteFiles(ctx context.Context, path string) error
}

type Handler struct {
	store    *request.Store
	tracker  *request.Tracker
	queue    Queue
	registry *handler.Registry
	bus      event.Publisher
	cfg      *config.Config
}

func NewHandler(store *request.Store, tracker *request.Tracker, queue Queue, registry *handler.Registry, bus event.Publisher, cfg *config.Config) *Handler {
	if bus == nil {
		bus = event.NopPublisher{}
	}
	return &Handler{
		store:    store,
		tracker:  tracker,
		queue:    queue,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
	}
}

type CreateRequest struct {
	Kind string `json:"kind" binding:"required"`
	URL  string `json:"url" binding:"required"`

	FormatSelection string   `json:"formatSelection"`
	OutputTemplate  string   `json:"outputTemplate"`
	Extensions      []string `json:"extensions"`
	MinBytes        int64    `json:"minBytes"`
	DelaySec        int      `json:"delaySec"`
}

// handleCreateRequest accepts a new fetch request and enqueues it.
func (h *Handler) handleCreateRequest(c *gin.Context) {
	var body CreateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := request.Kind(body.Kind)
	if _, ok := h.registry.Factory(kind); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown kind " + body.Kind})
		return
	}
	if !urlRe.MatchString(body.URL) && !magnetRe.MatchString(body.URL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Value is neither a url nor a magnet link"})
		return
	}

	u := currentUser(c)
	r := &request.Request{
		ID:     shortuuid.New(),
		UserID: u.ID,
		Kind:   kind,
		Status: request.StatusPending,
		URL:    body.URL,
		Options: request.Options{
			FormatSelection: body.FormatSelection,
			OutputTemplate:  body.OutputTemplate,
			Extensions:      body.Extensions,
			MinBytes:        body.MinBytes,
			DelaySec:        body.DelaySec,
		},
	}
	if err := h.store.Create(c.Request.Context(), r); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create request", "details": err.Error()})
		return
	}

	if err := h.queue.EnqueueHandleRequest(c.Request.Context(), r.ID); err != nil && !errors.Is(err, jobs.ErrAlreadyQueued) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue request", "details": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, r)
}

func (h *Handler) handleListRequests(c *gin.Context) {
	u := currentUser(c)
	list, err := h.store.ListByUser(c.Request.Context(), u.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []*request.Request{}
	}
	c.JSON(http.StatusOK, list)
}

// ownedRequest loads the request in :requestId, hiding other users' requests
// behind a 404.
func (h *Handler) ownedRequest(c *gin.Context) (*request.Request, bool) {
	r, err := h.store.GetByID(c.Request.Context(), c.Param("requestId"))
	if errors.Is(err, request.ErrNotFound) || (err == nil && r.UserID != currentUser(c).ID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return r, true
}

func (h *Handler) handleGetRequest(c *gin.Context) {
	r, ok := h.ownedRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r)
}

// handleDeleteRequest removes the request row and schedules removal of its
// files.
func (h *Handler) handleDeleteRequest(c *gin.Context) {
	r, ok := h.ownedRequest(c)
	if !ok {
		return
	}

	if err := h.store.Delete(c.Request.Context(), r.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.queue.EnqueueDeleteFiles(c.Request.Context(), filepath.Join(h.cfg.FilesRoot, r.StoragePath())); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// handleRetryRequest re-runs a failed request from scratch.
func (h *Handler) handleRetryRequest(c *gin.Context) {
	r, ok := h.ownedRequest(c)
	if !ok {
		return
	}

	if r.Status != request.StatusFailed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only failed requests can be retried"})
		return
	}
	if err := h.tracker.SetStatus(c.Request.Context(), r, request.StatusPending); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.queue.EnqueueHandleRequest(c.Request.Context(), r.ID); err != nil {
		if errors.Is(err, jobs.ErrAlreadyQueued) {
			c.JSON(http.StatusConflict, gin.H{"error": "Request is already being handled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, r)
}

// handleCompressRequest schedules zipping of the request's files. A request
// is only ever compressed once.
func (h *Handler) handleCompressRequest(c *gin.Context) {
	r, ok := h.ownedRequest(c)
	if !ok {
		return
	}

	if r.StartCompressingAt != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request is already compressed"})
		return
	}

	// Stamp before enqueueing so a second call is refused while the job is
	// still queued or running.
	now := time.Now().UTC()
	if err := h.tracker.SetCompression(c.Request.Context(), r, &now, nil); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.queue.EnqueueCompressRequest(c.Request.Context(), r.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusAccepted)
}

func (h *Handler) handleGetRequestLogs(c *gin.Context) {
	r, ok := h.ownedRequest(c)
	if !ok {
		return
	}

	logs, err := h.store.LogsByRequest(c.Request.Context(), r.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if logs == nil {
		logs = []request.LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

// handleGetRequestFiles lists the request's storage tree and notifies the
// owner's channel that the tree was read.
func (h *Handler) handleGetRequestFiles(c *gin.Context) {
	r, ok := h.ownedRequest(c)
	if !ok {
		return
	}

	tree, err := files.List(filepath.Join(h.cfg.FilesRoot, r.StoragePath()))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	_ = h.bus.Publish(c.Request.Context(), r.UserID, event.Event{
		Type:    event.TypeFilesRetrieved,
		Payload: gin.H{"request": r.ID, "files": tree},
	})
	c.JSON(http.StatusOK, tree)
}

// handleProbeHandlers answers which handler kinds support a base64-encoded
// url.
func (h *Handler) handleProbeHandlers(c *gin.Context) {
	encoded := c.Query("url")
	if encoded == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing url parameter"})
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url parameter is not valid base64"})
		return
	}

	rawURL := string(decoded)
	if !urlRe.MatchString(rawURL) && !magnetRe.MatchString(rawURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Value is neither a url nor a magnet link"})
		return
	}

	c.JSON(http.StatusOK, h.registry.Probe(rawURL))
}

// handleUserStorage reports the on-disk size of each of the user's requests.
func (h *Handler) handleUserStorage(c *gin.Context) {
	u := currentUser(c)
	list, err := h.store.ListByUser(c.Request.Context(), u.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type usage struct {
		ID    string       `json:"id"`
		Title string       `json:"title"`
		Kind  request.Kind `json:"kind"`
		Size  int64        `json:"size"`
	}
	out := make([]usage, 0, len(list))
	for _, r := range list {
		out = append(out, usage{
			ID:    r.ID,
			Title: r.Title,
			Kind:  r.Kind,
			Size:  files.Size(filepath.Join(h.cfg.FilesRoot, r.StoragePath())),
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleUserLogs lists the user's log entries for the current day, newest
// first.
func (h *Handler) handleUserLogs(c *gin.Context) {
	u := currentUser(c)

	now := time.Now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	logs, err := h.store.LogsByUserSince(c.Request.Context(), u.ID, startOfDay)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if logs == nil {
		logs = []request.LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

// handleGetFile serves a single stored file after an ownership check. Large
// files are forced into a download via a content-disposition header.
func (h *Handler) handleGetFile(c *gin.Context) {
	rel := path.Clean(strings.TrimPrefix(c.Param("path"), "/"))
	parts := strings.Split(rel, "/")
	if err := files.ValidateOwnedPath(parts, currentUser(c).ID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	full := filepath.Join(h.cfg.FilesRoot, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	contentType := sniffContentType(full)
	c.Header("Content-Type", contentType)
	if info.Size() > h.cfg.AttachmentThreshold {
		c.Header("Content-Disposition", `attachment; filename="`+filepath.Base(full)+`"`)
	}
	c.File(full)
}

// sniffContentType detects a file's content type from its first bytes.
func sniffContentType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	return http.DetectContentType(buf[:n])
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"queue":    h.cfg.QueueName,
		"handlers": h.registry.Kinds(),
	})
}
