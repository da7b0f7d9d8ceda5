package release

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsNewer(t *testing.T) {
	require.True(t, IsNewer("1.2.0", "1.3.0"))
	require.True(t, IsNewer("v1.2.0", "1.3.0"))
	require.False(t, IsNewer("1.3.0", "1.2.0"))
	require.False(t, IsNewer("1.3.0", "1.3.0"))
}

func TestLatestCachesWithinTTL(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"latest_version":"1.0.0","image_tag":"1.0.0","download_url":"http://x/bin"}`))
	}))
	defer srv.Close()

	p := New(srv.URL, t.TempDir(), "node-bin", time.Hour)
	c1, err := p.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.0.0", c1.LatestVersion)

	_, err = p.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, hits)
}

func TestEnsureStagedDownloadsOnce(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("binary-contents"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := New("http://unused", dir, "node-bin", time.Hour)

	require.NoError(t, p.EnsureStaged(context.Background(), "1.0.0", srv.URL))
	require.NoError(t, p.EnsureStaged(context.Background(), "1.0.0", srv.URL))
	require.Equal(t, 1, hits)

	contents, err := os.ReadFile(filepath.Join(dir, "1.0.0", "node-bin"))
	require.NoError(t, err)
	require.Equal(t, "binary-contents", string(contents))
}
