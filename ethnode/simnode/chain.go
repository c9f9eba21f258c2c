// Package simnode is an in-process stand-in for an Ethereum node. It keeps a
// transaction pool and a chain of sealed blocks, mines only when told to, and
// serves the JSON-RPC websocket methods the mining controller uses.
package simnode

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Block is a sealed block
type Block struct {
	Number       uint64
	Timestamp    int64
	ParentHash   common.Hash
	Hash         common.Hash
	Transactions []common.Hash
}

// calculateHash hashes the block header and its transaction list
func (b *Block) calculateHash() common.Hash {
	header := make([]byte, 16, 16+common.HashLength*(1+len(b.Transactions)))
	binary.BigEndian.PutUint64(header[:8], b.Number)
	binary.BigEndian.PutUint64(header[8:], uint64(b.Timestamp))
	header = append(header, b.ParentHash.Bytes()...)
	for _, tx := range b.Transactions {
		header = append(header, tx.Bytes()...)
	}
	return crypto.Keccak256Hash(header)
}

// chain holds the blocks and the pool of pending transactions
type chain struct {
	mu      sync.RWMutex
	blocks  []*Block
	mempool []common.Hash
	nonce   uint64
}

func newChain() *chain {
	genesis := &Block{
		Number:    0,
		Timestamp: 1640995200, // 2022-01-01 00:00:00 UTC
	}
	genesis.Hash = genesis.calculateHash()

	return &chain{
		blocks:  []*Block{genesis},
		mempool: make([]common.Hash, 0),
	}
}

// addTransaction puts a new transaction built from payload into the pool
func (c *chain) addTransaction(payload []byte) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nonce++
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, c.nonce)
	hash := crypto.Keccak256Hash(nonce, payload)

	c.mempool = append(c.mempool, hash)
	return hash
}

// seal moves every pending transaction into a new block
func (c *chain) seal() *Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.blocks[len(c.blocks)-1]
	block := &Block{
		Number:       parent.Number + 1,
		Timestamp:    time.Now().Unix(),
		ParentHash:   parent.Hash,
		Transactions: c.mempool,
	}
	block.Hash = block.calculateHash()

	c.blocks = append(c.blocks, block)
	c.mempool = make([]common.Hash, 0)
	return block
}

func (c *chain) pendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mempool)
}

func (c *chain) latest() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}
