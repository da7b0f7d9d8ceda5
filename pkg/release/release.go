// Package release polls a release catalog, resolves the latest version,
// and — for the native backend — downloads and stages the binary under a
// versioned path so distinct nodes can keep running on older versions
// until they are individually upgraded.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/cuemby/formicaio/pkg/ferrors"
)

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// Catalog is the JSON document served by the release catalog endpoint.
type Catalog struct {
	LatestVersion string `json:"latest_version"`
	ImageTag      string `json:"image_tag"`
	DownloadURL   string `json:"download_url"` // native binary, per-OS/arch
}

// downloadTimeout bounds a single binary download, separate from the
// catalog client's much shorter request timeout.
const downloadTimeout = 5 * time.Minute

// Provider queries a catalog URL and caches the result for pollInterval.
type Provider struct {
	catalogURL   string
	releasesDir  string
	binName      string
	httpClient   *http.Client // short-lived catalog polling requests
	downloadClient *http.Client // binary downloads, given their own budget
	pollInterval time.Duration

	mu       sync.Mutex
	cached   Catalog
	fetchedAt time.Time
}

// New returns a Provider polling catalogURL at most once per
// pollInterval, staging native downloads under releasesDir/<version>/binName.
func New(catalogURL, releasesDir, binName string, pollInterval time.Duration) *Provider {
	return &Provider{
		catalogURL:     catalogURL,
		releasesDir:    releasesDir,
		binName:        binName,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		downloadClient: &http.Client{Timeout: downloadTimeout},
		pollInterval:   pollInterval,
	}
}

// Latest returns the cached catalog, refreshing it if the TTL — bounded
// by node_bin_version_polling_freq_secs — has elapsed.
func (p *Provider) Latest(ctx context.Context) (Catalog, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.fetchedAt) < p.pollInterval && p.fetchedAt.After(time.Time{}) {
		return p.cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.catalogURL, nil)
	if err != nil {
		return Catalog{}, &ferrors.ReleaseError{Op: "build request", Err: err}
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return p.cached, &ferrors.ReleaseError{Op: "fetch catalog", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.cached, &ferrors.ReleaseError{Op: "fetch catalog", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var cat Catalog
	if err := decodeJSON(resp.Body, &cat); err != nil {
		return p.cached, &ferrors.ReleaseError{Op: "decode catalog", Err: err}
	}

	p.cached = cat
	p.fetchedAt = time.Now()
	return cat, nil
}

// IsNewer reports whether candidate is a newer semver than current. A
// missing "v" prefix is added before comparing. semver.Compare ranks an
// invalid version below every valid one, so an invalid candidate is never
// newer, while any valid candidate is newer than an invalid current.
func IsNewer(current, candidate string) bool {
	return semver.Compare(normalize(candidate), normalize(current)) > 0
}

func normalize(v string) string {
	if v == "" {
		return v
	}
	if v[0] != 'v' {
		return "v" + v
	}
	return v
}

// StagedPath returns where a downloaded binary for version would live.
func (p *Provider) StagedPath(version string) string {
	return filepath.Join(p.releasesDir, version, p.binName)
}

// EnsureStaged downloads and stages the native binary for version if it
// is not already present locally.
func (p *Provider) EnsureStaged(ctx context.Context, version, downloadURL string) error {
	dest := p.StagedPath(version)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return &ferrors.ReleaseError{Op: "build download request", Err: err}
	}
	resp, err := p.downloadClient.Do(req)
	if err != nil {
		return &ferrors.ReleaseError{Op: "download", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ferrors.ReleaseError{Op: "download", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &ferrors.ReleaseError{Op: "stage: mkdir", Err: err}
	}
	tmp := dest + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return &ferrors.ReleaseError{Op: "stage: create", Err: err}
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return &ferrors.ReleaseError{Op: "stage: write", Err: err}
	}
	if err := f.Close(); err != nil {
		return &ferrors.ReleaseError{Op: "stage: close", Err: err}
	}
	return os.Rename(tmp, dest)
}
