// Package torrent fetches magnet links through an external torrent-client
// daemon, polling its state until the transfer settles.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"fetchd/handler"
	"fetchd/request"
)

var magnetRe = regexp.MustCompile(`magnet:\?xt=urn:btih:[a-zA-Z0-9]*`)

// hashRe captures the info hash out of a magnet link to identify the task
// in the daemon.
var hashRe = regexp.MustCompile(`urn:btih:([a-zA-Z0-9]+)`)

// downloadingStates are the daemon states in which the transfer is still in
// flight. Any other non-error state means the fetch is done.
var downloadingStates = map[string]bool{
	"metaDL":      true,
	"queuedDL":    true,
	"checkingDL":  true,
	"stalledDL":   true,
	"downloading": true,
	"pausedDL":    true,
}

// Config carries the daemon connection settings.
type Config struct {
	URL          string
	Username     string
	Password     string
	PollInterval time.Duration
}

// Factory builds torrent handlers against one daemon.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Factory{cfg: cfg}
}

func (f *Factory) Kind() request.Kind { return request.KindTorrent }

func (f *Factory) Probe(url string) handler.Status {
	return handler.Status{
		Kind:        string(request.KindTorrent),
		Description: "A handler for downloading a torrent resource.",
		Supported:   magnetRe.MatchString(url),
		Options:     map[string]interface{}{},
	}
}

func (f *Factory) New(r *request.Request, env handler.Env) handler.Handler {
	return &Handler{
		cfg:     f.cfg,
		req:     r,
		tracker: env.Tracker,
		logger:  request.NewLogger(env.Sink, r),
		root:    env.Root,
	}
}

// Handler drives one magnet download through the daemon.
type Handler struct {
	cfg     Config
	req     *request.Request
	tracker *request.Tracker
	logger  *request.Logger
	root    string

	client *Client
	hash   string
}

func (h *Handler) PreProcess(ctx context.Context) error {
	client, err := NewClient(h.cfg.URL, h.cfg.Username, h.cfg.Password)
	if err != nil {
		return err
	}
	if err := client.Login(ctx); err != nil {
		return err
	}
	h.client = client
	return nil
}

func (h *Handler) Fetch(ctx context.Context) error {
	m := hashRe.FindStringSubmatch(h.req.URL)
	if m == nil {
		return fmt.Errorf("url is not a valid magnet link")
	}
	h.hash = strings.ToLower(m[1])

	savePath := filepath.Join(h.root, h.req.StoragePath())
	if err := h.client.AddMagnet(ctx, h.req.URL, savePath); err != nil {
		return err
	}

	named := false
	for {
		info, err := h.poll(ctx)
		if err != nil {
			return err
		}

		if !named && info.Name != "" {
			if err := h.tracker.SetTitle(ctx, h.req, info.Name); err != nil {
				return err
			}
			if err := h.tracker.SetPayload(ctx, h.req, info); err != nil {
				return err
			}
			named = true
		}

		if p := int(info.Progress * 100); p > h.req.Progress {
			if err := h.tracker.SetProgress(ctx, h.req, p); err != nil {
				return err
			}
		}

		if info.State == "error" {
			// Never leave the broken task orphaned in the daemon.
			if err := h.client.Delete(ctx, h.hash); err != nil {
				h.logger.Warning("failed to remove errored torrent: %v", err)
			}
			return fmt.Errorf("torrent daemon reported an error state")
		}
		if !downloadingStates[info.State] {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.PollInterval):
		}
	}
}

// poll fetches the tracked task, transparently re-establishing the daemon
// session once on a dropped connection.
func (h *Handler) poll(ctx context.Context) (*Info, error) {
	infos, err := h.client.Torrents(ctx)
	if err != nil && isConnReset(err) {
		h.logger.Warning("torrent daemon connection reset, reconnecting")
		if err := h.client.Login(ctx); err != nil {
			return nil, err
		}
		infos, err = h.client.Torrents(ctx)
	}
	if err != nil {
		return nil, err
	}

	for i := range infos {
		if strings.EqualFold(infos[i].Hash, h.hash) {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("torrent %s not found in daemon", h.hash)
}

func (h *Handler) PostProcess(ctx context.Context) error {
	// Remove the finished task so the daemon does not keep seeding.
	return h.client.Delete(ctx, h.hash)
}

func (h *Handler) Reset(ctx context.Context) error {
	if h.client == nil || h.hash == "" {
		return nil
	}
	return h.client.Delete(ctx, h.hash)
}

func isConnReset(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "EOF")
}
