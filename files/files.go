// Package files owns the on-disk layout for request storage. Every path under
// the files root is derived through StoragePath; other packages must not
// rebuild the layout themselves.
package files

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// StoragePath returns the relative storage path for a request, always of the
// form files/<userID>/<requestID>.
func StoragePath(userID, requestID string) string {
	return path.Join("files", userID, requestID)
}

// Entry describes a single file or directory in a request's storage tree.
type Entry struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Filename  string    `json:"filename,omitempty"`
	Extension string    `json:"extension,omitempty"`
	Size      int64     `json:"size,omitempty"`
	ModTime   time.Time `json:"modTime"`
	Dir       bool      `json:"dir"`
	Children  []Entry   `json:"children,omitempty"`
}

// List returns the storage tree rooted at dir, one level per call with
// directories listed recursively. A missing dir yields an empty tree.
func List(dir string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}

	content := make([]Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}

		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			children, err := List(full)
			if err != nil {
				return nil, err
			}
			content = append(content, Entry{
				Path:     full,
				Name:     e.Name(),
				ModTime:  info.ModTime(),
				Dir:      true,
				Children: children,
			})
			continue
		}

		ext := filepath.Ext(e.Name())
		content = append(content, Entry{
			Path:      full,
			Name:      e.Name(),
			Filename:  strings.TrimSuffix(e.Name(), ext),
			Extension: ext,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	return content, nil
}

// Size returns the total byte size of all files under dir, recursively.
// A missing path counts as zero.
func Size(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// ValidateOwnedPath confirms that a relative storage path belongs to the
// given user before any file is served: the path must live under files/ and
// its second segment must equal the user id.
func ValidateOwnedPath(parts []string, userID string) error {
	if len(parts) < 3 || parts[0] != "files" {
		return fmt.Errorf("invalid storage path")
	}
	if parts[1] != userID {
		return fmt.Errorf("path is not owned by user %s", userID)
	}
	return nil
}

// Zip archives the contents of dir into zipPath. Paths inside the archive are
// relative to dir.
func Zip(dir, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
}

// Cleanup removes a request's storage directory and its sibling archive.
// Removal is best effort; file absence is not a failure.
func Cleanup(dir string) {
	_ = os.RemoveAll(dir)
	_ = os.Remove(dir + ".zip")
}
