package ethnode

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Standard JSON-RPC error codes
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// txpoolStatus is the txpool_status reply
type txpoolStatus struct {
	Pending hexutil.Uint `json:"pending"`
	Queued  hexutil.Uint `json:"queued"`
}

// header holds the newHeads fields we read
type header struct {
	Number hexutil.Uint64 `json:"number"`
	Hash   common.Hash    `json:"hash"`
}

// IsMethodNotFound reports whether err is the node rejecting an unknown method
func IsMethodNotFound(err error) bool {
	return errorCode(err) == codeMethodNotFound
}

func isInvalidParams(err error) bool {
	return errorCode(err) == codeInvalidParams
}

func errorCode(err error) int {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode()
	}
	return 0
}
