package waze

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// ErrUnknownDataset is returned when no feed URL is configured for a dataset
var ErrUnknownDataset = errors.New("no alert feed configured for dataset")

// ErrNoAlerts is returned when the feed document has no alerts key at all
var ErrNoAlerts = errors.New("alert feed has no alerts")

// HTTPDoer is the part of *http.Client the feed client needs
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches partner alert feeds, one URL per dataset grid cell
type Client struct {
	feeds      map[string]string
	httpClient HTTPDoer
}

// NewClient creates a feed client for the given dataset id to URL map
func NewClient(feeds map[string]string) *Client {
	return NewClientWithHTTPDoer(feeds, &http.Client{Timeout: 30 * time.Second})
}

// NewClientWithHTTPDoer creates a feed client with a custom transport
func NewClientWithHTTPDoer(feeds map[string]string, doer HTTPDoer) *Client {
	copied := make(map[string]string, len(feeds))
	for k, v := range feeds {
		copied[k] = v
	}
	return &Client{feeds: copied, httpClient: doer}
}

// Datasets returns the dataset ids with a configured feed, sorted
func (c *Client) Datasets() []string {
	out := make([]string, 0, len(c.feeds))
	for id := range c.feeds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FetchFeed downloads and decodes the current feed for a dataset
func (c *Client) FetchFeed(ctx context.Context, datasetID string) (*Feed, error) {
	url, ok := c.feeds[datasetID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownDataset, datasetID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("alert feed rate limited for %s", datasetID)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("alert feed error %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	return ParseFeed(data)
}

// ParseFeed decodes a feed document
func ParseFeed(data []byte) (*Feed, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode feed")
	}
	if _, ok := raw["alerts"]; !ok {
		return nil, ErrNoAlerts
	}

	var feed Feed
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, errors.Wrap(err, "failed to decode feed")
	}
	return &feed, nil
}
