package handler

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// extensionOverwrites normalizes the less common spellings mime returns.
var extensionOverwrites = map[string]string{
	".htm": ".html",
	".jpe": ".jpg",
}

// FileExtension derives a file extension from response headers.
func FileExtension(header http.Header) string {
	contentType := strings.Split(header.Get("Content-Type"), ";")[0]
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	ext := exts[0]
	if o, ok := extensionOverwrites[ext]; ok {
		return o
	}
	return ext
}

// Filename extracts a filename from a Content-Disposition header, falling
// back to the last path segment of rawURL. A trailing ext is stripped.
func Filename(rawURL string, header http.Header, ext string) string {
	name := ""
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			name = params["filename"]
		}
	}
	if name == "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = filepath.Base(u.Path)
		}
		if name == "" || name == "." || name == "/" {
			name = "download"
		}
	}
	if ext != "" && strings.HasSuffix(name, ext) {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

// Download streams rawURL into dir/filename+ext, reporting whole percentage
// points through progress when the response carries a content length.
// Returns the number of bytes written.
func Download(ctx context.Context, client *http.Client, rawURL, dir, filename, ext string, progress func(int)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	f, err := os.Create(filepath.Join(dir, filename+ext))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if total > 0 && progress != nil {
				progress(int(written * 100 / total))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, readErr
		}
	}
	return written, nil
}
