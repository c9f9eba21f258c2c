package ethnode

import (
	"sync"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alexandrut83/minewatch/miner"
)

const headerBuffer = 16

// headSubscription converts decoded headers into miner heads. Errors come
// straight from the underlying rpc subscription.
type headSubscription struct {
	*rpc.ClientSubscription
	quit chan struct{}
	once sync.Once
}

func forwardHeads(sub *rpc.ClientSubscription, headers <-chan *header, ch chan<- *miner.Head) *headSubscription {
	s := &headSubscription{
		ClientSubscription: sub,
		quit:               make(chan struct{}),
	}
	go s.forward(headers, ch)
	return s
}

func (s *headSubscription) forward(headers <-chan *header, ch chan<- *miner.Head) {
	for {
		select {
		case h := <-headers:
			if h == nil {
				continue
			}
			head := &miner.Head{Number: uint64(h.Number), Hash: h.Hash.Hex()}
			select {
			case ch <- head:
			case <-s.quit:
				return
			}
		case <-s.quit:
			return
		}
	}
}

// Unsubscribe stops forwarding and ends the node subscription
func (s *headSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.quit) })
	s.ClientSubscription.Unsubscribe()
}
