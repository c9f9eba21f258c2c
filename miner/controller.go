package miner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrSubscriptionFailed is returned by Run when one of the node feeds dies
var ErrSubscriptionFailed = errors.New("subscription failed")

const (
	// DefaultThreads is the thread count passed to StartMining
	DefaultThreads = 1

	// DefaultCallTimeout bounds every query and command sent to the node
	DefaultCallTimeout = 5 * time.Second

	pendingBuffer = 256
	headBuffer    = 16
)

// Config holds controller settings
type Config struct {
	Threads     int
	CallTimeout time.Duration
	Logger      logrus.FieldLogger
	Metrics     *Metrics
}

// Controller keeps the node mining only while transactions are waiting in its
// pool. Every decision is made from a fresh read of the node's state; the
// controller keeps no decision state of its own.
type Controller struct {
	client      MiningClient
	threads     int
	callTimeout time.Duration
	log         logrus.FieldLogger
	stats       *Stats
	metrics     *Metrics
	reevalCh    chan struct{}
}

// NewController creates a controller for the given node client
func NewController(client MiningClient, cfg Config) *Controller {
	if cfg.Threads <= 0 {
		cfg.Threads = DefaultThreads
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	return &Controller{
		client:      client,
		threads:     cfg.Threads,
		callTimeout: cfg.CallTimeout,
		log:         cfg.Logger.WithField("component", "miner"),
		stats:       NewStats(),
		metrics:     cfg.Metrics,
		reevalCh:    make(chan struct{}, 1),
	}
}

// Stats returns the controller's statistics tracker
func (c *Controller) Stats() *Stats {
	return c.stats
}

// Threads returns the thread count used when starting the miner
func (c *Controller) Threads() int {
	return c.threads
}

// Reevaluate asks the running loop to re-check the pool and mining flag and
// correct the miner in either direction. Requests made while one is already
// queued are merged. It reports whether a new request was queued.
func (c *Controller) Reevaluate() bool {
	select {
	case c.reevalCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run subscribes to the node's pending transaction and new head feeds, performs
// the startup check and then handles events one at a time until ctx is done or
// a feed fails. Failing to subscribe, or losing a feed, is returned as an error.
func (c *Controller) Run(ctx context.Context) error {
	pendingCh := make(chan string, pendingBuffer)
	headCh := make(chan *Head, headBuffer)

	pendingSub, err := c.client.SubscribePendingTransactions(ctx, pendingCh)
	if err != nil {
		return fmt.Errorf("subscribe to pending transactions: %w", err)
	}
	defer pendingSub.Unsubscribe()

	headSub, err := c.client.SubscribeNewHeads(ctx, headCh)
	if err != nil {
		return fmt.Errorf("subscribe to new heads: %w", err)
	}
	defer headSub.Unsubscribe()

	c.startup(ctx)
	c.log.WithField("threads", c.threads).Info("Started on-demand mining. Watching txpool for pending transactions")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-pendingSub.Err():
			return subscriptionError("pending transactions", err)

		case err := <-headSub.Err():
			return subscriptionError("new heads", err)

		case hash := <-pendingCh:
			c.onPendingTransaction(ctx, hash)

		case head := <-headCh:
			c.onNewHead(ctx, head)

		case <-c.reevalCh:
			c.reevaluate(ctx)
		}
	}
}

func subscriptionError(feed string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s feed closed", ErrSubscriptionFailed, feed)
	}
	return fmt.Errorf("%w: %s: %v", ErrSubscriptionFailed, feed, err)
}

// startup covers transactions that were already pending before we attached
func (c *Controller) startup(ctx context.Context) {
	status, ok := c.poolStatus(ctx)
	if !ok || status.Pending == 0 {
		return
	}
	c.maybeStart(ctx, "Pending transactions on startup, so starting mining.")
}

func (c *Controller) onPendingTransaction(ctx context.Context, hash string) {
	c.recordEvent(EventPendingTransaction)
	c.log.WithField("tx", hash).Debug("Pending transaction observed")
	c.maybeStart(ctx, "Transactions detected, so starting mining.")
}

func (c *Controller) onNewHead(ctx context.Context, head *Head) {
	c.recordEvent(EventNewHead)
	c.stats.RecordHead(head)
	if head != nil {
		c.log.WithFields(logrus.Fields{"number": head.Number, "hash": head.Hash}).Debug("New head observed")
	}

	status, ok := c.poolStatus(ctx)
	if !ok || status.Pending > 0 {
		return
	}
	c.maybeStop(ctx, "No pending transactions, so stopping mining.")
}

func (c *Controller) reevaluate(ctx context.Context) {
	c.recordEvent(EventReevaluate)

	status, ok := c.poolStatus(ctx)
	if !ok {
		return
	}
	if status.Pending > 0 {
		c.maybeStart(ctx, "Pending transactions on re-evaluation, so starting mining.")
		return
	}
	c.maybeStop(ctx, "No pending transactions on re-evaluation, so stopping mining.")
}

// maybeStart starts the miner unless it is already running
func (c *Controller) maybeStart(ctx context.Context, reason string) {
	mining, ok := c.isMining(ctx)
	if !ok || mining {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	err := c.client.StartMining(callCtx, c.threads)
	c.recordCommand(CommandStart, reason, err)
}

// maybeStop stops the miner if it is running and the pool is still empty.
// The pool is read again right before the command so a transaction that
// arrived after the caller's read keeps the miner running.
func (c *Controller) maybeStop(ctx context.Context, reason string) {
	mining, ok := c.isMining(ctx)
	if !ok || !mining {
		return
	}

	status, ok := c.poolStatus(ctx)
	if !ok {
		return
	}
	if status.Pending > 0 {
		c.log.WithField("pending", status.Pending).Debug("Transactions arrived before stop, keeping miner running")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	err := c.client.StopMining(callCtx)
	c.recordCommand(CommandStop, reason, err)
}

func (c *Controller) poolStatus(ctx context.Context) (PoolStatus, bool) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	status, err := c.client.PoolStatus(callCtx)
	if err != nil {
		c.stats.RecordQueryFailure()
		c.log.WithError(err).Warn("Failed to query txpool status")
		return PoolStatus{}, false
	}
	c.stats.RecordPool(status)
	c.metrics.Pending.Set(float64(status.Pending))
	return status, true
}

func (c *Controller) isMining(ctx context.Context) (bool, bool) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	mining, err := c.client.IsMining(callCtx)
	if err != nil {
		c.stats.RecordQueryFailure()
		c.log.WithError(err).Warn("Failed to query mining status")
		return false, false
	}
	c.stats.RecordMining(mining)
	c.metrics.observeMining(mining)
	return mining, true
}

func (c *Controller) recordEvent(kind string) {
	c.stats.RecordEvent(kind)
	c.metrics.Events.WithLabelValues(kind).Inc()
}

func (c *Controller) recordCommand(command, reason string, err error) {
	c.stats.RecordCommand(command, reason, err)
	c.metrics.observeCommand(command, err)

	if err != nil {
		c.log.WithError(err).WithField("command", command).Error("Miner command failed, will retry on next event")
		return
	}
	c.metrics.observeMining(command == CommandStart)
	c.log.Info(reason)
}
