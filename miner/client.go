package miner

import (
	"context"
)

// Head is the part of a new chain head the controller cares about.
type Head struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// PoolStatus is a snapshot of the node's transaction pool occupancy
type PoolStatus struct {
	Pending uint64 `json:"pending"`
	Queued  uint64 `json:"queued"`
}

// Subscription is an active event feed. Err delivers at most one value when the
// feed fails and is closed on Unsubscribe.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// MiningClient is everything the controller needs from a node. Implementations
// deliver subscription events on the supplied channels and must not close them.
type MiningClient interface {
	SubscribePendingTransactions(ctx context.Context, ch chan<- string) (Subscription, error)
	SubscribeNewHeads(ctx context.Context, ch chan<- *Head) (Subscription, error)
	PoolStatus(ctx context.Context) (PoolStatus, error)
	IsMining(ctx context.Context) (bool, error)
	StartMining(ctx context.Context, threads int) error
	StopMining(ctx context.Context) error
}
