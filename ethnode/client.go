// Package ethnode talks to an Ethereum node over its JSON-RPC websocket
// endpoint and implements miner.MiningClient on top of it.
package ethnode

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/alexandrut83/minewatch/miner"
)

const (
	defaultCallTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	wsReadBuffer            = 1024
	wsWriteBuffer           = 1024
)

var _ miner.MiningClient = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger used for connection diagnostics
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

// WithCallTimeout bounds calls whose context carries no deadline
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// Client wraps an rpc.Client bound to the node's websocket endpoint.
// Subscriptions do not survive a lost connection: each one reports the error
// on its Err channel.
type Client struct {
	url         string
	callTimeout time.Duration
	log         logrus.FieldLogger
	rpc         *rpc.Client
}

// Dial connects to the node's websocket endpoint
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:         url,
		callTimeout: defaultCallTimeout,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
		ReadBufferSize:   wsReadBuffer,
		WriteBufferSize:  wsWriteBuffer,
		Proxy:            http.ProxyFromEnvironment,
	}
	rc, err := rpc.DialWebsocketWithDialer(ctx, url, "", dialer)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.rpc = rc
	c.log = c.log.WithField("node", url)

	return c, nil
}

// URL returns the endpoint the client is connected to
func (c *Client) URL() string {
	return c.url
}

// Close tears down the connection. Live subscriptions are ended.
func (c *Client) Close() {
	c.rpc.Close()
}

// Call invokes method on the node and decodes the result into result, which
// may be nil when the result is not needed. Without a deadline on ctx the
// client's call timeout applies.
func (c *Client) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	if err := c.rpc.CallContext(ctx, result, method, args...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// SubscribePendingTransactions delivers the hash of every transaction entering
// the node's pool.
func (c *Client) SubscribePendingTransactions(ctx context.Context, ch chan<- string) (miner.Subscription, error) {
	sub, err := c.rpc.EthSubscribe(ctx, ch, "newPendingTransactions")
	if err != nil {
		return nil, fmt.Errorf("eth_subscribe newPendingTransactions: %w", err)
	}
	return sub, nil
}

// SubscribeNewHeads delivers every new chain head
func (c *Client) SubscribeNewHeads(ctx context.Context, ch chan<- *miner.Head) (miner.Subscription, error) {
	headers := make(chan *header, headerBuffer)
	sub, err := c.rpc.EthSubscribe(ctx, headers, "newHeads")
	if err != nil {
		return nil, fmt.Errorf("eth_subscribe newHeads: %w", err)
	}
	return forwardHeads(sub, headers, ch), nil
}

// PoolStatus calls txpool_status
func (c *Client) PoolStatus(ctx context.Context) (miner.PoolStatus, error) {
	var status txpoolStatus
	if err := c.Call(ctx, &status, "txpool_status"); err != nil {
		return miner.PoolStatus{}, err
	}
	return miner.PoolStatus{
		Pending: uint64(status.Pending),
		Queued:  uint64(status.Queued),
	}, nil
}

// IsMining calls eth_mining
func (c *Client) IsMining(ctx context.Context) (bool, error) {
	var mining bool
	if err := c.Call(ctx, &mining, "eth_mining"); err != nil {
		return false, err
	}
	return mining, nil
}

// BlockNumber calls eth_blockNumber
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var number hexutil.Uint64
	if err := c.Call(ctx, &number, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(number), nil
}

// StartMining calls miner_start. Nodes whose miner_start takes no thread
// count reject the argument; the call is then repeated without it.
func (c *Client) StartMining(ctx context.Context, threads int) error {
	err := c.Call(ctx, nil, "miner_start", threads)
	if isInvalidParams(err) {
		c.log.Debug("Node rejected miner_start thread count, retrying without it")
		err = c.Call(ctx, nil, "miner_start")
	}
	return err
}

// StopMining calls miner_stop
func (c *Client) StopMining(ctx context.Context) error {
	return c.Call(ctx, nil, "miner_stop")
}
