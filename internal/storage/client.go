// Package storage talks to OpenSearch: paged searches, bulk signal
// creation, signals index management and source event indexing.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/telhawk-detect/internal/config"
)

// Client wraps the OpenSearch client.
type Client struct {
	os *opensearch.Client
}

// NewClient creates a client for cfg without contacting the cluster.
func NewClient(cfg config.OpenSearchConfig) (*Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	osCfg := opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Client{os: client}, nil
}

// Connect creates a client and verifies the cluster answers.
func Connect(ctx context.Context, cfg config.OpenSearchConfig) (*Client, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Ping checks that the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	info, err := c.os.Info(c.os.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}
	return nil
}

// OpenSearch returns the underlying client.
func (c *Client) OpenSearch() *opensearch.Client {
	return c.os
}
