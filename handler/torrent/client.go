package torrent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Info is the daemon's view of one torrent task.
type Info struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	Size     int64   `json:"size"`
}

// Client speaks the qBittorrent web API. The session cookie lives in the
// underlying cookie jar; Login establishes or refreshes it.
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
}

func NewClient(baseURL, username, password string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:     strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Jar: jar, Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) Login(ctx context.Context) error {
	form := url.Values{"username": {c.username}, "password": {c.password}}
	body, err := c.postForm(ctx, "/api/v2/auth/login", form)
	if err != nil {
		return fmt.Errorf("torrent daemon login failed: %w", err)
	}
	if !strings.Contains(string(body), "Ok") {
		return fmt.Errorf("torrent daemon rejected credentials")
	}
	return nil
}

// AddMagnet submits a magnet link, downloading into savePath on the daemon's
// filesystem.
func (c *Client) AddMagnet(ctx context.Context, magnet, savePath string) error {
	form := url.Values{"urls": {magnet}, "savepath": {savePath}}
	_, err := c.postForm(ctx, "/api/v2/torrents/add", form)
	return err
}

// Torrents lists the daemon's current tasks.
func (c *Client) Torrents(ctx context.Context) ([]Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v2/torrents/info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("torrent daemon returned status %s", resp.Status)
	}

	var infos []Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Delete removes a task from the daemon, keeping downloaded data on disk.
func (c *Client) Delete(ctx context.Context, hash string) error {
	form := url.Values{"hashes": {hash}, "deleteFiles": {"false"}}
	_, err := c.postForm(ctx, "/api/v2/torrents/delete", form)
	return err
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("torrent daemon returned status %s", resp.Status)
	}
	return body, nil
}
