package metricsfetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/formicaio/pkg/ferrors"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/types"
)

// MaxInFlight bounds scrape concurrency across the whole fleet.
const MaxInFlight = 16

// RequestTimeout bounds a single node's scrape.
const RequestTimeout = 3 * time.Second

// Result is one node's scrape outcome. Err is non-nil on failure; Samples
// is empty in that case and the caller must leave prior values intact.
type Result struct {
	NodeID  string
	Samples []Sample
	Err     error
}

// Fetcher scrapes node metrics endpoints over plain HTTP: a context-bound
// GET per node with an explicit per-request timeout.
type Fetcher struct {
	client *http.Client
}

// New returns a Fetcher using an http.Client with RequestTimeout as its
// per-request ceiling (each call additionally binds the passed context).
func New() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: RequestTimeout}}
}

// ScrapeAll fans out one GET per node with bounded concurrency
// (errgroup.SetLimit(MaxInFlight)). A failing node does not fail the
// batch.
func (f *Fetcher) ScrapeAll(ctx context.Context, nodes []*types.Node) []Result {
	results := make([]Result, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxInFlight)

	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			results[i] = f.scrapeOne(gctx, n)
			return nil // individual failures are recorded, not propagated
		})
	}
	_ = g.Wait()
	return results
}

func (f *Fetcher) scrapeOne(ctx context.Context, n *types.Node) Result {
	host := n.NodeIP
	if host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/metrics", host, n.MetricsPort)

	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return Result{NodeID: n.NodeID, Err: &ferrors.ObservationError{Source: "metrics", NodeID: n.NodeID, Err: err}}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{NodeID: n.NodeID, Err: &ferrors.ObservationError{Source: "metrics", NodeID: n.NodeID, Err: err}}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{NodeID: n.NodeID, Err: &ferrors.ObservationError{
			Source: "metrics", NodeID: n.NodeID, Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}}
	}

	samples, err := Parse(resp.Body)
	if err != nil {
		log.WithNodeID(n.NodeID).Debug().Err(err).Msg("metrics scrape: partial parse")
	}
	return Result{NodeID: n.NodeID, Samples: samples}
}
