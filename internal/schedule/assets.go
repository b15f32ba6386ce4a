package schedule

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Assets is the endpoint's record cache: one flat directory of audio files
// under DATA_PATH, keyed by the URL basename. Only .mp3 records are accepted;
// anything else is skipped so a bad catalog row cannot fill the disk.
type Assets struct {
	dir    string
	client *http.Client
}

// NewAssets lays out the asset root — audio, images, other — and returns the
// cache over the audio partition. The sibling partitions hold device-managed
// files outside this cache's scope.
func NewAssets(root string) (*Assets, error) {
	for _, part := range []string{"audio", "images", "other"} {
		if err := os.MkdirAll(filepath.Join(root, part), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", part, err)
		}
	}
	return &Assets{
		dir:    filepath.Join(root, "audio"),
		client: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// Basename returns the last path segment of a record URL, the cache key.
func Basename(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

// Has reports whether the named record is already cached.
func (a *Assets) Has(name string) bool {
	if name == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(a.dir, name))
	return err == nil
}

// Path returns the local path for a cached record name.
func (a *Assets) Path(name string) string {
	return filepath.Join(a.dir, name)
}

// Ensure downloads the record behind url unless it is already cached.
// Non-.mp3 URLs are skipped without error. The write goes through a temp
// file so a failed download never leaves a truncated record behind.
func (a *Assets) Ensure(ctx context.Context, url string) error {
	name := Basename(url)
	if !strings.HasSuffix(name, ".mp3") {
		return nil
	}
	if a.Has(name) {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(a.dir, name+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), a.Path(name))
}
