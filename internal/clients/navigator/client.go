package navigator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// HTTPDoer is the part of *http.Client the feed client needs
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Endpoints locate the four agency payloads
type Endpoints struct {
	Scheduled   string `yaml:"scheduled"`
	Unscheduled string `yaml:"unscheduled"`
	Comments    string `yaml:"comments"`
	Properties  string `yaml:"properties"`
}

// Snapshot is one parsed set of agency payloads
type Snapshot struct {
	Scheduled   []network.Event
	Unscheduled []network.Event
	Comments    []network.SubRecord
	Properties  []network.SubRecord
	Skipped     []Skip
}

// Client fetches the agency payloads
type Client struct {
	endpoints  Endpoints
	httpClient HTTPDoer
}

// NewClient creates an agency feed client
func NewClient(endpoints Endpoints) *Client {
	return NewClientWithHTTPDoer(endpoints, &http.Client{Timeout: 60 * time.Second})
}

// NewClientWithHTTPDoer creates an agency feed client with a custom transport
func NewClientWithHTTPDoer(endpoints Endpoints, doer HTTPDoer) *Client {
	return &Client{endpoints: endpoints, httpClient: doer}
}

// FetchSnapshot downloads and parses all four payloads. Both event endpoints are
// required; an unset comments or properties endpoint yields no records.
func (c *Client) FetchSnapshot(ctx context.Context) (*Snapshot, error) {
	if c.endpoints.Scheduled == "" || c.endpoints.Unscheduled == "" {
		return nil, errors.New("agency feed endpoints are not configured")
	}

	payloads := make(map[string]string, 4)
	for name, url := range map[string]string{
		"scheduled":   c.endpoints.Scheduled,
		"unscheduled": c.endpoints.Unscheduled,
		"comments":    c.endpoints.Comments,
		"properties":  c.endpoints.Properties,
	} {
		if url == "" {
			continue
		}
		body, err := c.get(ctx, url)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching %s payload", name)
		}
		payloads[name] = body
	}
	return ParseSnapshot(payloads["scheduled"], payloads["unscheduled"], payloads["comments"], payloads["properties"])
}

// ParseSnapshot parses the four raw payloads
func ParseSnapshot(scheduled, unscheduled, comments, properties string) (*Snapshot, error) {
	var s Snapshot
	var skipped []Skip
	var err error

	if s.Scheduled, skipped, err = ParseEvents(scheduled, true); err != nil {
		return nil, errors.Wrap(err, "scheduled events")
	}
	s.Skipped = append(s.Skipped, skipped...)
	if s.Unscheduled, skipped, err = ParseEvents(unscheduled, false); err != nil {
		return nil, errors.Wrap(err, "unscheduled events")
	}
	s.Skipped = append(s.Skipped, skipped...)
	if s.Comments, skipped, err = ParseComments(comments); err != nil {
		return nil, errors.Wrap(err, "comments")
	}
	s.Skipped = append(s.Skipped, skipped...)
	if s.Properties, skipped, err = ParseProperties(properties); err != nil {
		return nil, errors.Wrap(err, "properties")
	}
	s.Skipped = append(s.Skipped, skipped...)
	return &s, nil
}

func (c *Client) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to execute request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("agency feed error %d: %s", resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read response")
	}
	return string(data), nil
}
