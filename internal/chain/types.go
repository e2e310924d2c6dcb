// Package chain provides access to the local Juno Cash node's chain state:
// JSON-RPC queries for blocks and the mempool, block submission, and ZMQ
// tip notifications.
package chain

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TipStatus is a consistent view of the chain tip used to build miner data
// snapshots.
type TipStatus struct {
	Height     int64
	Hash       chainhash.Hash
	Version    int32
	Bits       uint32
	Difficulty float64
	MedianTime int64
}

// Source is the chain backend consumed by the seed manager and the miner
// data service. The found flag on lookups distinguishes "not synced yet"
// from transport failure.
type Source interface {
	// BestBlock returns the current chain tip.
	BestBlock(ctx context.Context) (TipStatus, error)

	// BlockHashAtHeight returns the hash of the block at the given height.
	BlockHashAtHeight(ctx context.Context, height int64) (chainhash.Hash, bool, error)

	// BlockHeight returns the height of a known block hash.
	BlockHeight(ctx context.Context, hash chainhash.Hash) (int64, bool, error)

	// MempoolTxIDs returns the transaction ids currently in the mempool.
	MempoolTxIDs(ctx context.Context) ([]chainhash.Hash, error)

	// SubmitBlock submits a serialized block to the node.
	SubmitBlock(ctx context.Context, blockHex string) error
}
