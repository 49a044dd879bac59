// Package remoteconfig periodically fetches a bucket-type set from an HTTP
// endpoint. The endpoint serves a YAML bucket mapping; an ETag (via
// If-None-Match / 304) is the unchanged marker that lets a poll return
// without touching the registry.
package remoteconfig

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"github.com/dirceu/limitd/internal/bucket"
)

const maxBodyBytes = 4 << 20

// Fetcher polls one configuration URI.
type Fetcher struct {
	uri    string
	client *http.Client
	logger pslog.Logger
	etag   string
}

// New builds a Fetcher for uri.
func New(uri string, logger pslog.Logger) *Fetcher {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Fetcher{
		uri:    uri,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Fetch returns the validated bucket-type set and changed=true, or
// changed=false when the endpoint reports the content unchanged.
func (f *Fetcher) Fetch(ctx context.Context) (map[string]*bucket.Type, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.uri, nil)
	if err != nil {
		return nil, false, fmt.Errorf("remoteconfig: build request: %w", err)
	}
	if f.etag != "" {
		req.Header.Set("If-None-Match", f.etag)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("remoteconfig: fetch %s: %w", f.uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("remoteconfig: fetch %s: unexpected status %s", f.uri, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, false, fmt.Errorf("remoteconfig: read body: %w", err)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		if etag == f.etag {
			return nil, false, nil
		}
		f.etag = etag
	}
	types, err := bucket.TypesFromYAML(body)
	if err != nil {
		return nil, false, fmt.Errorf("remoteconfig: %w", err)
	}
	f.logger.Debug("fetched remote bucket config", "uri", f.uri, "types", len(types), "etag", f.etag)
	return types, true, nil
}
