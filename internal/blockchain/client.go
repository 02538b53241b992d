package blockchain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// BatchCaller sends several JSON-RPC requests in one round trip.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// Client is the contract read client: a raw batching RPC connection plus the
// typed ethclient view of the same connection.
type Client struct {
	rpc       *rpc.Client
	eth       *ethclient.Client
	streaming bool
}

// Dial connects to an HTTP(S), WS(S) or IPC endpoint. Log subscriptions are
// only available on streaming transports.
func Dial(ctx context.Context, rawURL string, timeout time.Duration) (*Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("missing CHAIN_RPC_URL")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	streaming := true
	var opts []rpc.ClientOption
	if u, err := url.Parse(rawURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		streaming = false
		opts = append(opts, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	}

	c, err := rpc.DialOptions(ctx, rawURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Client{rpc: c, eth: ethclient.NewClient(c), streaming: streaming}, nil
}

func (c *Client) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	return c.rpc.BatchCallContext(ctx, b)
}

func (c *Client) Eth() *ethclient.Client {
	return c.eth
}

// Streaming reports whether eth_subscribe is usable on this connection.
func (c *Client) Streaming() bool {
	return c.streaming
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.eth.BlockNumber(ctx)
	return err
}

func (c *Client) Close() {
	c.rpc.Close()
}
