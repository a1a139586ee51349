// Package esplora implements outbound.BlockProvider against an
// Esplora-compatible REST API (mempool.space, blockstream.info, self-hosted
// electrs).
package esplora

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/pkg/httpclient"
	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

// Compile-time check that Client implements outbound.BlockProvider
var _ outbound.BlockProvider = (*Client)(nil)

// ClientConfig holds configuration for the Esplora client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://mempool.space/api".
	BaseURL string

	// Timeout bounds a single HTTP request, retries excluded.
	Timeout time.Duration

	// MaxRetries is the number of retries on transient failures. Zero uses
	// the default; a negative value disables retries.
	MaxRetries int

	// Logger is the structured logger.
	Logger *slog.Logger
}

// ClientConfigDefaults returns default configuration.
func ClientConfigDefaults() ClientConfig {
	return ClientConfig{
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		Logger:     slog.Default(),
	}
}

// Client queries one Esplora endpoint.
type Client struct {
	baseURL string
	http    *httpclient.Client
	logger  *slog.Logger
}

// blockResponse is the subset of GET /block/{hash} the ledger needs.
type blockResponse struct {
	ID                string `json:"id"`
	Height            uint64 `json:"height"`
	Timestamp         int64  `json:"timestamp"`
	PreviousBlockHash string `json:"previousblockhash"`
}

// NewClient creates a new Esplora client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(config.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", config.BaseURL)
	}

	defaults := ClientConfigDefaults()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	switch {
	case config.MaxRetries == 0:
		config.MaxRetries = defaults.MaxRetries
	case config.MaxRetries < 0:
		config.MaxRetries = 0
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	logger := config.Logger.With("component", "esplora-client", "host", u.Host)

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = config.Timeout
	httpCfg.MaxRetries = config.MaxRetries

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http:    httpclient.NewClient(httpCfg, logger),
		logger:  logger,
	}, nil
}

// Name returns the endpoint host, used to label the source in logs and metrics.
func (c *Client) Name() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL
	}
	return u.Host
}

// GetHeight returns the endpoint's tip height.
func (c *Client) GetHeight(ctx context.Context) (uint64, error) {
	text, err := c.http.GetText(ctx, httpclient.RequestConfig{URL: c.baseURL + "/blocks/tip/height"})
	if err != nil {
		return 0, c.wrap("tip height", err)
	}
	h, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: tip height %q is not a number", entity.ErrProvider, text)
	}
	return h, nil
}

// GetBlock resolves the block addressed by ref. A height lookup first maps the
// height to a hash on the endpoint's best chain.
func (c *Client) GetBlock(ctx context.Context, ref entity.BlockRef) (*entity.Block, error) {
	hash := ref.Hash()
	if !ref.IsHash() {
		var err error
		hash, err = c.http.GetText(ctx, httpclient.RequestConfig{
			URL: fmt.Sprintf("%s/block-height/%d", c.baseURL, ref.Height()),
		})
		if err != nil {
			return nil, c.wrap("block "+ref.String(), err)
		}
	}

	var resp blockResponse
	if err := c.http.GetJSON(ctx, httpclient.RequestConfig{
		URL: c.baseURL + "/block/" + url.PathEscape(hash),
	}, &resp); err != nil {
		return nil, c.wrap("block "+ref.String(), err)
	}

	block := &entity.Block{
		Height:     resp.Height,
		Hash:       resp.ID,
		Timestamp:  resp.Timestamp,
		ParentHash: resp.PreviousBlockHash,
	}
	if !ref.Matches(*block) {
		return nil, fmt.Errorf("%w: requested %s, endpoint returned height %d hash %s",
			entity.ErrProvider, ref, block.Height, block.Hash)
	}
	return block, nil
}

func (c *Client) wrap(what string, err error) error {
	var status *httpclient.StatusError
	if errors.As(err, &status) && status.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s not found", entity.ErrProvider, what)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", entity.ErrProvider, what, err)
}
