package metricsfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/cuemby/formicaio/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestScrapeAllBoundsConcurrencyAndIsolatesFailures(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ant_networking_connected_peers 5\n"))
	}))
	defer ok.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	okURL, _ := url.Parse(ok.URL)
	badURL, _ := url.Parse(bad.URL)
	okPort, _ := strconv.Atoi(okURL.Port())
	badPort, _ := strconv.Atoi(badURL.Port())

	nodes := []*types.Node{
		{NodeID: "good", NodeIP: okURL.Hostname(), MetricsPort: okPort},
		{NodeID: "bad", NodeIP: badURL.Hostname(), MetricsPort: badPort},
	}

	f := New()
	results := f.ScrapeAll(context.Background(), nodes)
	require.Len(t, results, 2)

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.NodeID] = r
	}
	require.NoError(t, byID["good"].Err)
	require.Len(t, byID["good"].Samples, 1)
	require.Error(t, byID["bad"].Err)
}
