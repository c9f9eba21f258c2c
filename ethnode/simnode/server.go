package simnode

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Subscription kinds
const (
	KindNewHeads            = "newHeads"
	KindPendingTransactions = "newPendingTransactions"
)

// Config holds simulated node settings
type Config struct {
	// BlockTime is how often a block is sealed while mining. Zero means blocks
	// are only produced by Seal.
	BlockTime time.Duration

	// StartTakesNoArgs makes miner_start reject a thread count, like nodes
	// whose miner_start has no parameters.
	StartTakesNoArgs bool

	Logger logrus.FieldLogger
}

// rpcError is an injected failure. The server reports ErrorCode as the
// JSON-RPC error code.
type rpcError struct {
	code    int
	message string
}

func (e *rpcError) Error() string  { return e.message }
func (e *rpcError) ErrorCode() int { return e.code }

type subscriber struct {
	notifier *rpc.Notifier
	id       rpc.ID
	kind     string
}

type headNotification struct {
	Number     hexutil.Uint64 `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Timestamp  hexutil.Uint64 `json:"timestamp"`
}

// Node is the simulated node. It is an http.Handler serving JSON-RPC over
// websocket.
type Node struct {
	cfg   Config
	log   logrus.FieldLogger
	chain *chain

	mu        sync.Mutex
	server    *rpc.Server
	handler   http.Handler
	mining    bool
	threads   int
	commands  []string
	failures  map[string]*rpcError
	latency   time.Duration
	subs      map[rpc.ID]*subscriber
	stopMiner chan struct{}
	closed    bool
}

// New creates a simulated node
func New(cfg Config) *Node {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	n := &Node{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "simnode"),
		chain:    newChain(),
		failures: make(map[string]*rpcError),
		subs:     make(map[rpc.ID]*subscriber),
	}
	n.server, n.handler = n.newServer()
	return n
}

func (n *Node) newServer() (*rpc.Server, http.Handler) {
	var minerService interface{} = &minerAPI{n}
	if n.cfg.StartTakesNoArgs {
		minerService = &minerNoArgsAPI{n}
	}

	srv := rpc.NewServer()
	for name, service := range map[string]interface{}{
		"eth":    &ethAPI{n},
		"txpool": &txpoolAPI{n},
		"miner":  minerService,
	} {
		if err := srv.RegisterName(name, service); err != nil {
			panic("simnode: register " + name + ": " + err.Error())
		}
	}
	return srv, srv.WebsocketHandler([]string{"*"})
}

// ServeHTTP upgrades the request to a websocket and serves JSON-RPC on it
func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	handler, closed := n.handler, n.closed
	n.mu.Unlock()

	if closed {
		http.Error(w, "node closed", http.StatusServiceUnavailable)
		return
	}
	handler.ServeHTTP(w, r)
}

// ethAPI serves the eth namespace
type ethAPI struct {
	n *Node
}

func (api *ethAPI) Mining() (bool, error) {
	if err := api.n.failure("eth_mining"); err != nil {
		return false, err
	}
	return api.n.Mining(), nil
}

func (api *ethAPI) BlockNumber() (hexutil.Uint64, error) {
	if err := api.n.failure("eth_blockNumber"); err != nil {
		return 0, err
	}
	return hexutil.Uint64(api.n.chain.latest().Number), nil
}

func (api *ethAPI) NewPendingTransactions(ctx context.Context) (*rpc.Subscription, error) {
	return api.n.subscribe(ctx, KindPendingTransactions)
}

func (api *ethAPI) NewHeads(ctx context.Context) (*rpc.Subscription, error) {
	return api.n.subscribe(ctx, KindNewHeads)
}

// txpoolAPI serves the txpool namespace
type txpoolAPI struct {
	n *Node
}

func (api *txpoolAPI) Status() (map[string]hexutil.Uint, error) {
	if err := api.n.failure("txpool_status"); err != nil {
		return nil, err
	}
	return map[string]hexutil.Uint{
		"pending": hexutil.Uint(api.n.chain.pendingCount()),
		"queued":  0,
	}, nil
}

// minerAPI serves the miner namespace with an optional thread count
type minerAPI struct {
	n *Node
}

func (api *minerAPI) Start(threads *int) error {
	if err := api.n.failure("miner_start"); err != nil {
		return err
	}
	count := 1
	if threads != nil {
		count = *threads
	}
	api.n.minerStart(count)
	return nil
}

func (api *minerAPI) Stop() error {
	if err := api.n.failure("miner_stop"); err != nil {
		return err
	}
	api.n.minerStop()
	return nil
}

// minerNoArgsAPI is a miner namespace whose start takes no parameters
type minerNoArgsAPI struct {
	n *Node
}

func (api *minerNoArgsAPI) Start() error {
	return (&minerAPI{api.n}).Start(nil)
}

func (api *minerNoArgsAPI) Stop() error {
	return (&minerAPI{api.n}).Stop()
}

// failure applies the configured latency and returns the injected error for
// method, if any
func (n *Node) failure(method string) error {
	n.mu.Lock()
	latency := n.latency
	f, ok := n.failures[method]
	n.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	if ok {
		return f
	}
	return nil
}

func (n *Node) subscribe(ctx context.Context, kind string) (*rpc.Subscription, error) {
	if err := n.failure("eth_subscribe"); err != nil {
		return nil, err
	}
	notifier, ok := rpc.NotifierFromContext(ctx)
	if !ok {
		return nil, rpc.ErrNotificationsUnsupported
	}
	sub := notifier.CreateSubscription()

	n.mu.Lock()
	n.subs[sub.ID] = &subscriber{notifier: notifier, id: sub.ID, kind: kind}
	n.mu.Unlock()

	// Err is closed on unsubscribe and when the connection goes away
	go func() {
		<-sub.Err()
		n.mu.Lock()
		delete(n.subs, sub.ID)
		n.mu.Unlock()
	}()

	return sub, nil
}

func (n *Node) minerStart(threads int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.commands = append(n.commands, "start("+strconv.Itoa(threads)+")")
	n.threads = threads
	if n.mining {
		return
	}
	n.mining = true
	if n.cfg.BlockTime > 0 {
		n.stopMiner = make(chan struct{})
		go n.mine(n.stopMiner)
	}
}

func (n *Node) minerStop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.commands = append(n.commands, "stop")
	n.setIdle()
}

// setIdle stops the block producer, n.mu must be held
func (n *Node) setIdle() {
	n.mining = false
	if n.stopMiner != nil {
		close(n.stopMiner)
		n.stopMiner = nil
	}
}

// mine seals a block every BlockTime until stopped
func (n *Node) mine(stop <-chan struct{}) {
	ticker := time.NewTicker(n.cfg.BlockTime)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n.Seal()
		}
	}
}

// AddTransaction puts a transaction into the pool and notifies subscribers
func (n *Node) AddTransaction(payload []byte) common.Hash {
	hash := n.chain.addTransaction(payload)
	n.notify(KindPendingTransactions, hash)
	return hash
}

// Seal produces a block from the pool and notifies subscribers
func (n *Node) Seal() *Block {
	block := n.chain.seal()
	n.notify(KindNewHeads, &headNotification{
		Number:     hexutil.Uint64(block.Number),
		Hash:       block.Hash,
		ParentHash: block.ParentHash,
		Timestamp:  hexutil.Uint64(block.Timestamp),
	})
	return block
}

// BlockNumber returns the number of the latest block
func (n *Node) BlockNumber() uint64 {
	return n.chain.latest().Number
}

// Pending returns the pool size
func (n *Node) Pending() int {
	return n.chain.pendingCount()
}

// Mining reports whether the miner is running
func (n *Node) Mining() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mining
}

// SetMining flips the miner without recording a command, as another agent
// attached to the node would.
func (n *Node) SetMining(mining bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !mining {
		n.setIdle()
		return
	}
	n.mining = true
}

// Threads returns the thread count of the last miner_start
func (n *Node) Threads() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.threads
}

// Commands returns the miner_start/miner_stop calls received so far
func (n *Node) Commands() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.commands...)
}

// Subscriptions returns the number of live subscriptions across connections
func (n *Node) Subscriptions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// FailMethod makes every call to method return the given error
func (n *Node) FailMethod(method string, code int, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[method] = &rpcError{code: code, message: message}
}

// SetLatency delays every method call by d
func (n *Node) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// ClearFailures undoes FailMethod
func (n *Node) ClearFailures() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = make(map[string]*rpcError)
}

// DropConnections closes every client connection. New connections are
// still accepted.
func (n *Node) DropConnections() {
	n.mu.Lock()
	old := n.server
	n.server, n.handler = n.newServer()
	n.mu.Unlock()

	old.Stop()
}

// Close stops the miner and drops all clients
func (n *Node) Close() {
	n.mu.Lock()
	n.closed = true
	n.setIdle()
	srv := n.server
	n.mu.Unlock()

	srv.Stop()
}

// notify sends data to every subscription of kind
func (n *Node) notify(kind string, data interface{}) {
	var targets []*subscriber
	n.mu.Lock()
	for _, s := range n.subs {
		if s.kind == kind {
			targets = append(targets, s)
		}
	}
	n.mu.Unlock()

	for _, s := range targets {
		if err := s.notifier.Notify(s.id, data); err != nil {
			n.log.WithError(err).WithField("subscription", s.id).Debug("Notification not delivered")
		}
	}
}
