package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const defaultFetchTimeout = 10 * time.Minute

// Fetcher downloads named model assets into a cache directory once.
// Downloads land in a temp file that is renamed into place, so a partial
// asset is never visible under its final name.
type Fetcher struct {
	dir    string
	client *http.Client
}

// NewFetcher returns a Fetcher caching into dir.
func NewFetcher(dir string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Fetcher{dir: dir, client: client}
}

// Dir returns the cache directory.
func (f *Fetcher) Dir() string { return f.dir }

// Fetch ensures every asset in urls (name → URL) exists in the cache and
// returns name → local path. Existing files are reused without a request.
func (f *Fetcher) Fetch(ctx context.Context, urls map[string]string) (map[string]string, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model cache: %w", err)
	}

	names := make([]string, 0, len(urls))
	for name := range urls {
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make(map[string]string, len(urls))
	for _, name := range names {
		if strings.ContainsAny(name, `/\`) || name == "" || name == "." || name == ".." {
			return nil, fmt.Errorf("invalid asset name %q", name)
		}
		dst := filepath.Join(f.dir, name)
		if st, err := os.Stat(dst); err == nil && st.Size() > 0 {
			paths[name] = dst
			continue
		}
		if err := f.download(ctx, urls[name], dst); err != nil {
			return nil, fmt.Errorf("fetch asset %q: %w", name, err)
		}
		paths[name] = dst
	}
	return paths, nil
}

func (f *Fetcher) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close asset: %w", err)
	}
	return os.Rename(tmp.Name(), dst)
}

// ParseAssetList parses "name=url,name=url" into a map.
func ParseAssetList(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("invalid asset entry %q (want name=url)", part)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}
	return out, nil
}
