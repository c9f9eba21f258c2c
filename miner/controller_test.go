package miner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stopObservation struct {
	pending uint64
	mining  bool
}

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{errCh: make(chan error, 1)}
}

func (s *fakeSub) Err() <-chan error { return s.errCh }

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

// fakeClient is an in-memory node. Pool reads pop from pendingSeq until one
// value is left, which then repeats.
type fakeClient struct {
	mu         sync.Mutex
	pendingSeq []uint64
	mining     bool
	calls      []string

	poolErr   error
	miningErr error
	startErr  error
	stopErr   error
	subErr    error

	// state at the moment each stop was issued
	stopSeen []stopObservation

	// hashes delivered as soon as the pending feed is subscribed
	queuedTxs []string

	pendingCh  chan<- string
	headCh     chan<- *Head
	pendingSub *fakeSub
	headSub    *fakeSub
}

func newFakeClient(pending uint64, mining bool) *fakeClient {
	return &fakeClient{
		pendingSeq: []uint64{pending},
		mining:     mining,
		pendingSub: newFakeSub(),
		headSub:    newFakeSub(),
	}
}

func (f *fakeClient) SubscribePendingTransactions(ctx context.Context, ch chan<- string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.pendingCh = ch
	for _, hash := range f.queuedTxs {
		ch <- hash
	}
	return f.pendingSub, nil
}

func (f *fakeClient) SubscribeNewHeads(ctx context.Context, ch chan<- *Head) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCh = ch
	return f.headSub, nil
}

func (f *fakeClient) PoolStatus(ctx context.Context) (PoolStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.poolErr != nil {
		return PoolStatus{}, f.poolErr
	}
	pending := f.pendingSeq[0]
	if len(f.pendingSeq) > 1 {
		f.pendingSeq = f.pendingSeq[1:]
	}
	return PoolStatus{Pending: pending}, nil
}

func (f *fakeClient) IsMining(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.miningErr != nil {
		return false, f.miningErr
	}
	return f.mining, nil
}

func (f *fakeClient) StartMining(ctx context.Context, threads int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("start(%d)", threads))
	if f.startErr != nil {
		return f.startErr
	}
	f.mining = true
	return nil
}

func (f *fakeClient) StopMining(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	f.stopSeen = append(f.stopSeen, stopObservation{pending: f.pendingSeq[0], mining: f.mining})
	if f.stopErr != nil {
		return f.stopErr
	}
	f.mining = false
	return nil
}

func (f *fakeClient) setPending(seq ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingSeq = seq
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingCh != nil && f.headCh != nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestController(client MiningClient) *Controller {
	return NewController(client, Config{Logger: quietLogger()})
}

func TestPendingTransactionStartsMining(t *testing.T) {
	client := newFakeClient(1, false)
	c := newTestController(client)

	c.onPendingTransaction(context.Background(), "0x01")

	require.Equal(t, []string{"start(1)"}, client.Calls())
	assert.EqualValues(t, 1, c.Stats().StartsIssued)
}

func TestPendingTransactionWhileMining(t *testing.T) {
	client := newFakeClient(1, true)
	c := newTestController(client)

	c.onPendingTransaction(context.Background(), "0x01")
	c.onPendingTransaction(context.Background(), "0x02")

	require.Empty(t, client.Calls())
}

func TestNewHeadStopsWhenPoolEmpty(t *testing.T) {
	client := newFakeClient(0, true)
	c := newTestController(client)

	c.onNewHead(context.Background(), &Head{Number: 7, Hash: "0xabc"})

	require.Equal(t, []string{"stop"}, client.Calls())
	assert.EqualValues(t, 7, c.Stats().HeadNumber)
	assert.False(t, c.Stats().Mining)
}

func TestNewHeadWithPendingTransactions(t *testing.T) {
	for _, mining := range []bool{true, false} {
		t.Run(fmt.Sprintf("mining=%v", mining), func(t *testing.T) {
			client := newFakeClient(2, mining)
			c := newTestController(client)

			c.onNewHead(context.Background(), &Head{Number: 1})

			require.Empty(t, client.Calls())
		})
	}
}

func TestNewHeadWhileIdle(t *testing.T) {
	client := newFakeClient(0, false)
	c := newTestController(client)

	c.onNewHead(context.Background(), &Head{Number: 1})

	require.Empty(t, client.Calls())
}

func TestNewHeadRechecksPoolBeforeStop(t *testing.T) {
	// First read sees an empty pool, a transaction lands before the second read.
	client := newFakeClient(0, true)
	client.setPending(0, 1)
	c := newTestController(client)

	c.onNewHead(context.Background(), &Head{Number: 1})

	require.Empty(t, client.Calls())
	assert.EqualValues(t, 1, c.Stats().LastPending)
}

func TestQueryFailureIssuesNothing(t *testing.T) {
	client := newFakeClient(0, true)
	client.poolErr = errors.New("boom")
	c := newTestController(client)

	c.onNewHead(context.Background(), &Head{Number: 1})
	require.Empty(t, client.Calls())

	client.poolErr = nil
	client.miningErr = errors.New("boom")
	c.onPendingTransaction(context.Background(), "0x01")
	require.Empty(t, client.Calls())

	assert.EqualValues(t, 2, c.Stats().QueryFailures)
}

func TestCommandFailureRetriedOnNextEvent(t *testing.T) {
	client := newFakeClient(1, false)
	client.startErr = errors.New("node busy")
	c := newTestController(client)

	c.onPendingTransaction(context.Background(), "0x01")
	client.mu.Lock()
	client.startErr = nil
	client.mu.Unlock()
	c.onPendingTransaction(context.Background(), "0x02")

	require.Equal(t, []string{"start(1)", "start(1)"}, client.Calls())
	stats := c.Stats().GetStats()
	assert.EqualValues(t, 1, stats["command_failures"])
	assert.EqualValues(t, 1, stats["starts_issued"])
}

func TestReevaluate(t *testing.T) {
	client := newFakeClient(3, false)
	c := newTestController(client)

	c.reevaluate(context.Background())
	require.Equal(t, []string{"start(1)"}, client.Calls())

	client.setPending(0)
	c.reevaluate(context.Background())
	require.Equal(t, []string{"start(1)", "stop"}, client.Calls())

	c.reevaluate(context.Background())
	require.Len(t, client.Calls(), 2)
}

func TestReevaluateMerged(t *testing.T) {
	c := newTestController(newFakeClient(0, false))

	require.True(t, c.Reevaluate())
	require.False(t, c.Reevaluate())
}

func TestConfiguredThreads(t *testing.T) {
	client := newFakeClient(1, false)
	c := NewController(client, Config{Threads: 4, Logger: quietLogger()})

	c.onPendingTransaction(context.Background(), "0x01")

	require.Equal(t, []string{"start(4)"}, client.Calls())
}

func runController(t *testing.T, c *Controller) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()
	return cancel, done
}

func TestRunStartupWithPendingTransactions(t *testing.T) {
	client := newFakeClient(3, false)
	c := newTestController(client)

	cancel, done := runController(t, c)
	defer cancel()

	require.Eventually(t, func() bool {
		return len(client.Calls()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"start(1)"}, client.Calls())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunStartupPrecedesQueuedEvents(t *testing.T) {
	client := newFakeClient(3, false)
	client.queuedTxs = []string{"0x01", "0x02", "0x03"}
	c := newTestController(client)

	cancel, done := runController(t, c)
	defer cancel()

	require.Eventually(t, func() bool {
		return c.Stats().GetStats()["events"].(map[string]int64)[EventPendingTransaction] == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"start(1)"}, client.Calls())

	// the one start came from the startup check, not from an event
	history := c.Stats().GetStats()["recent_commands"].([]CommandEntry)
	require.Len(t, history, 1)
	require.Equal(t, "Pending transactions on startup, so starting mining.", history[0].Reason)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestStartupSkipsStartWhenAlreadyMining(t *testing.T) {
	client := newFakeClient(3, true)
	c := newTestController(client)

	c.startup(context.Background())

	require.Empty(t, client.Calls())
	require.Zero(t, c.Stats().GetStats()["starts_issued"])
}

func TestRunStartupWithEmptyPool(t *testing.T) {
	client := newFakeClient(0, false)
	c := newTestController(client)

	cancel, done := runController(t, c)
	require.Eventually(t, client.subscribed, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Empty(t, client.Calls())
}

func TestRunHandlesEvents(t *testing.T) {
	client := newFakeClient(0, false)
	c := newTestController(client)

	cancel, done := runController(t, c)
	defer cancel()
	require.Eventually(t, client.subscribed, time.Second, 5*time.Millisecond)

	client.setPending(1)
	client.pendingCh <- "0x01"
	require.Eventually(t, func() bool {
		return len(client.Calls()) == 1
	}, time.Second, 5*time.Millisecond)

	client.setPending(0)
	client.headCh <- &Head{Number: 2}
	require.Eventually(t, func() bool {
		return len(client.Calls()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"start(1)", "stop"}, client.Calls())

	client.setPending(5)
	require.True(t, c.Reevaluate())
	require.Eventually(t, func() bool {
		return len(client.Calls()) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunSubscribeFailure(t *testing.T) {
	client := newFakeClient(0, false)
	client.subErr = errors.New("method not found")
	c := newTestController(client)

	err := c.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "method not found")
}

func TestRunSubscriptionLost(t *testing.T) {
	client := newFakeClient(0, false)
	c := newTestController(client)

	cancel, done := runController(t, c)
	defer cancel()
	require.Eventually(t, client.subscribed, time.Second, 5*time.Millisecond)

	client.headSub.errCh <- errors.New("connection reset")
	err := <-done
	require.ErrorIs(t, err, ErrSubscriptionFailed)
	require.Contains(t, err.Error(), "connection reset")
}

// Random event sequences against a pool that changes between events.
func TestControllerInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		client := newFakeClient(uint64(rng.Intn(3)), rng.Intn(2) == 0)
		c := newTestController(client)
		ctx := context.Background()

		c.startup(ctx)
		for i := 0; i < 200; i++ {
			switch rng.Intn(3) {
			case 0:
				client.setPending(uint64(rng.Intn(3)))
			case 1:
				c.onPendingTransaction(ctx, "0x01")
			case 2:
				client.setPending(uint64(rng.Intn(2)), uint64(rng.Intn(2)))
				c.onNewHead(ctx, &Head{Number: uint64(i)})
			}
		}

		last := ""
		for _, call := range client.Calls() {
			if call != "stop" {
				require.NotEqual(t, "start", last, "two starts without a stop in between")
				last = "start"
				continue
			}
			last = "stop"
		}
		for _, seen := range client.stopSeen {
			require.Zero(t, seen.pending, "stop issued with pending transactions")
			require.True(t, seen.mining, "stop issued while idle")
		}
	}
}
