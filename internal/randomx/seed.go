// Package randomx implements the epoch-keyed proof-of-work used by the
// mining subsystem: seed selection per 2048-block epoch, the memory-hard
// hash engine, and target arithmetic.
package randomx

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/junocash/jmined/pkg/errors"
)

// EpochSize is the number of blocks sharing a single PoW seed. The seed for
// heights [N*EpochSize, (N+1)*EpochSize) is the hash of the block at height
// N*EpochSize.
const EpochSize = 2048

// GenesisSeedHash is the consensus seed constant for the first epoch, used
// before the block at height 0 is mined with it. Displayed (byte-reversed)
// hex ends in "08".
var GenesisSeedHash = chainhash.Hash{0x08}

// EpochHeightFor returns the epoch anchor height for a block height.
func EpochHeightFor(height int64) int64 {
	return (height / EpochSize) * EpochSize
}

// BlockHashSource supplies block hashes by height from the local chain.
// The found flag is false when the block is not yet known (initial sync or
// a pruned reorg branch).
type BlockHashSource interface {
	BlockHashAtHeight(ctx context.Context, height int64) (chainhash.Hash, bool, error)
}

// SeedCache is an optional shared cache for derived epoch seeds, letting
// multiple processes skip the chain lookup. Misses are not errors.
type SeedCache interface {
	GetSeed(ctx context.Context, epochHeight int64) (chainhash.Hash, bool)
	SetSeed(ctx context.Context, epochHeight int64, seed chainhash.Hash)
	InvalidateSeed(ctx context.Context, epochHeight int64)
}

// SeedManager derives and caches the PoW seed for each epoch.
type SeedManager struct {
	chain  BlockHashSource
	shared SeedCache // may be nil

	mu    sync.RWMutex
	seeds map[int64]chainhash.Hash
}

// NewSeedManager creates a seed manager backed by the given chain source.
// shared may be nil to run with the in-process cache only.
func NewSeedManager(chain BlockHashSource, shared SeedCache) *SeedManager {
	return &SeedManager{
		chain:  chain,
		shared: shared,
		seeds:  make(map[int64]chainhash.Hash),
	}
}

// SeedForHeight returns the epoch anchor height and seed hash for mining at
// the given block height. Returns a recoverable seed error when the anchor
// block is not yet known locally.
func (m *SeedManager) SeedForHeight(ctx context.Context, height int64) (int64, chainhash.Hash, error) {
	if height < 0 {
		return 0, chainhash.Hash{}, errors.NewValidation("seed_for_height", "height",
			"height must be non-negative")
	}

	epochHeight := EpochHeightFor(height)
	if epochHeight == 0 {
		return 0, GenesisSeedHash, nil
	}

	m.mu.RLock()
	seed, ok := m.seeds[epochHeight]
	m.mu.RUnlock()
	if ok {
		return epochHeight, seed, nil
	}

	if m.shared != nil {
		if seed, ok := m.shared.GetSeed(ctx, epochHeight); ok {
			m.remember(epochHeight, seed)
			return epochHeight, seed, nil
		}
	}

	anchor, found, err := m.chain.BlockHashAtHeight(ctx, epochHeight)
	if err != nil {
		return 0, chainhash.Hash{}, errors.Wrap(err, errors.ErrorTypeChain, "seed_for_height",
			"failed to look up epoch anchor block").
			WithContext("epoch_height", epochHeight)
	}
	if !found {
		return 0, chainhash.Hash{}, errors.NewSeedUnavailable("seed_for_height", epochHeight)
	}

	m.remember(epochHeight, anchor)
	if m.shared != nil {
		m.shared.SetSeed(ctx, epochHeight, anchor)
	}
	return epochHeight, anchor, nil
}

func (m *SeedManager) remember(epochHeight int64, seed chainhash.Hash) {
	m.mu.Lock()
	m.seeds[epochHeight] = seed
	m.mu.Unlock()
}

// InvalidateBelow drops cached epochs whose anchor is at or above the given
// height, in-process and in the shared cache. Called on reorg so a replaced
// anchor block cannot leave a stale seed behind.
func (m *SeedManager) InvalidateBelow(ctx context.Context, height int64) {
	m.mu.Lock()
	var dropped []int64
	for epochHeight := range m.seeds {
		if epochHeight >= height {
			delete(m.seeds, epochHeight)
			dropped = append(dropped, epochHeight)
		}
	}
	m.mu.Unlock()

	if m.shared != nil {
		for _, epochHeight := range dropped {
			m.shared.InvalidateSeed(ctx, epochHeight)
		}
	}
}

// CachedEpochs returns the number of epochs currently cached in-process.
func (m *SeedManager) CachedEpochs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seeds)
}
