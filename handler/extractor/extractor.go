// Package extractor fetches audio/visual media through an external
// extraction tool (yt-dlp compatible command line). The tool is probed for
// metadata during pre-processing and its download output is scraped for
// progress during fetch.
package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/shlex"

	"fetchd/handler"
	"fetchd/request"
)

// progressRe matches the tool's "[download]  42.5% of ..." output lines.
var progressRe = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)

// metadata is the subset of the tool's JSON dump the handler cares about;
// the full document is kept as the request payload.
type metadata struct {
	Title   string            `json:"title"`
	Formats []json.RawMessage `json:"formats"`
}

// Factory builds extractor handlers around a configured command template.
type Factory struct {
	argv         []string
	probeTimeout time.Duration
	fetchTimeout time.Duration
}

// NewFactory parses the command template into argv. An unparseable template
// is a deployment error surfaced at startup.
func NewFactory(command string, fetchTimeout time.Duration) (*Factory, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid extractor command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty extractor command")
	}
	return &Factory{
		argv:         argv,
		probeTimeout: 30 * time.Second,
		fetchTimeout: fetchTimeout,
	}, nil
}

func (f *Factory) Kind() request.Kind { return request.KindExtractor }

func (f *Factory) Probe(url string) handler.Status {
	status := handler.Status{
		Kind:        string(request.KindExtractor),
		Description: "A handler for extracting audio/visual media through an external tool.",
		Options:     map[string]interface{}{},
	}

	meta, _, err := f.dumpMetadata(context.Background(), url)
	if err != nil {
		return status
	}
	status.Supported = true
	status.Options["formats"] = meta.Formats

	return status
}

func (f *Factory) New(r *request.Request, env handler.Env) handler.Handler {
	return &Handler{
		factory: f,
		req:     r,
		tracker: env.Tracker,
		logger:  request.NewLogger(env.Sink, r),
		root:    env.Root,
	}
}

// dumpMetadata runs the tool in metadata-only mode and parses its JSON dump.
func (f *Factory) dumpMetadata(ctx context.Context, url string) (*metadata, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.probeTimeout)
	defer cancel()

	args := append(append([]string(nil), f.argv[1:]...), "--dump-json", "--no-download", url)
	cmd := exec.CommandContext(ctx, f.argv[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, nil, fmt.Errorf("extractor probe failed: %w: %s", err, stderr.String())
	}

	var meta metadata
	if err := json.Unmarshal(stdout.Bytes(), &meta); err != nil {
		return nil, nil, fmt.Errorf("invalid extractor metadata: %w", err)
	}
	return &meta, stdout.Bytes(), nil
}

// Handler drives one extractor request.
type Handler struct {
	factory *Factory
	req     *request.Request
	tracker *request.Tracker
	logger  *request.Logger
	root    string
}

func (h *Handler) PreProcess(ctx context.Context) error {
	meta, raw, err := h.factory.dumpMetadata(ctx, h.req.URL)
	if err != nil {
		return err
	}

	if err := h.tracker.SetPayload(ctx, h.req, json.RawMessage(raw)); err != nil {
		return err
	}
	if err := h.tracker.SetTitle(ctx, h.req, meta.Title); err != nil {
		return err
	}

	return os.MkdirAll(filepath.Join(h.root, h.req.StoragePath()), 0o755)
}

func (h *Handler) Fetch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.factory.fetchTimeout)
	defer cancel()

	output := h.req.Options.OutputTemplate
	if output == "" {
		output = "%(title)s.%(ext)s"
	}

	args := append([]string(nil), h.factory.argv[1:]...)
	args = append(args, "--newline", "-o", filepath.Join(h.root, h.req.StoragePath(), output))
	if h.req.Options.FormatSelection != "" {
		args = append(args, "-f", h.req.Options.FormatSelection)
	}
	args = append(args, h.req.URL)

	cmd := exec.CommandContext(ctx, h.factory.argv[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		h.consumeLine(ctx, scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("extractor download failed: %w", err)
	}
	return nil
}

// consumeLine maps a tool output line to a progress update or a debug log
// entry. Progress lines are suppressed from the per-request log.
func (h *Handler) consumeLine(ctx context.Context, line string) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		if line != "" {
			h.logger.Debug("%s", line)
		}
		return
	}

	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return
	}
	p := int(f)
	if p <= h.req.Progress {
		return
	}
	if err := h.tracker.SetProgress(ctx, h.req, p); err != nil {
		h.logger.Warning("progress update rejected: %v", err)
		return
	}
	if p == 100 {
		// The tool's own post-processing (muxing, conversion) starts once
		// the transfer reports 100%.
		if err := h.tracker.SetStatus(ctx, h.req, request.StatusPostProcessing); err != nil {
			h.logger.Warning("early post-processing flip rejected: %v", err)
		}
	}
}

func (h *Handler) PostProcess(context.Context) error { return nil }

func (h *Handler) Reset(context.Context) error { return nil }
