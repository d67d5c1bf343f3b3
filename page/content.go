package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"resty.dev/v3"

	"github.com/always-cache/tapestry-cache/store"
)

var ErrFetchFailed = errors.New("fetch failed")

// ContentFetcher downloads whole collections.
type ContentFetcher interface {
	Fetch(ctx context.Context, key string) (store.Snapshot, error)
}

// ContentClient fetches /<root>/<collection>.json over HTTP, normally through the proxy.
type ContentClient struct {
	client *resty.Client
	root   string
}

// NewContentClient creates a client for baseURL; root is the path collections live under.
func NewContentClient(baseURL, root string) *ContentClient {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetHeader("Accept", "application/json")
	return &ContentClient{
		client: client,
		root:   strings.TrimSuffix(root, "/"),
	}
}

func (c *ContentClient) Close() error {
	return c.client.Close()
}

func (c *ContentClient) Fetch(ctx context.Context, key string) (store.Snapshot, error) {
	path := c.root + "/" + key + ".json"
	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, path, err)
	}
	defer resp.RawResponse.Body.Close()
	if resp.RawResponse.StatusCode < 200 || resp.RawResponse.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetchFailed, path, resp.RawResponse.StatusCode)
	}
	body, err := io.ReadAll(resp.RawResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, path, err)
	}
	var snapshot store.Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, path, err)
	}
	return snapshot, nil
}
