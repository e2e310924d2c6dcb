// Package minerdata serves the node-side mining RPC surface: chain state
// snapshots for external miners (getminerdata), PoW verification
// (calc_pow), and merge-mining template preparation (add_aux_pow).
package minerdata

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/junocash/jmined/internal/auxpow"
	"github.com/junocash/jmined/internal/block"
	"github.com/junocash/jmined/internal/chain"
	"github.com/junocash/jmined/internal/randomx"
	"github.com/junocash/jmined/pkg/errors"
	"github.com/junocash/jmined/pkg/log"
)

// MinerData is the getminerdata response: everything an external miner
// needs to construct the next block.
type MinerData struct {
	Version           int32    `json:"version"`
	Height            int64    `json:"height"`
	PrevHash          string   `json:"prevhash"`
	RandomXSeedHeight int64    `json:"randomxseedheight"`
	RandomXSeedHash   string   `json:"randomxseedhash"`
	Bits              string   `json:"bits"`
	Difficulty        float64  `json:"difficulty"`
	MedianTime        int64    `json:"mediantime"`
	TxBacklog         []string `json:"tx_backlog"`
}

// AuxPowResult is the add_aux_pow response.
type AuxPowResult struct {
	BlocktemplateBlob string `json:"blocktemplate_blob"`
	AuxMerkleRoot     string `json:"aux_merkle_root"`
}

// Snapshot is one immutable view of the chain state. Readers get whole
// snapshots via an atomic pointer, so no request ever sees fields from two
// different tips.
type Snapshot struct {
	Version    uint64
	Tip        chain.TipStatus
	SeedHeight int64
	SeedHash   chainhash.Hash
	TxBacklog  []chainhash.Hash
}

// Service answers mining RPCs against atomic chain snapshots.
type Service struct {
	chain      chain.Source
	seeds      *randomx.SeedManager
	engine     *randomx.Engine
	aggregator *auxpow.Aggregator
	logger     *log.Logger

	snapshot atomic.Pointer[Snapshot]
	version  atomic.Uint64
}

// NewService creates a miner data service. The first snapshot is built
// lazily on the first request or explicitly via Refresh.
func NewService(source chain.Source, seeds *randomx.SeedManager, engine *randomx.Engine,
	aggregator *auxpow.Aggregator, logger *log.Logger) *Service {
	return &Service{
		chain:      source,
		seeds:      seeds,
		engine:     engine,
		aggregator: aggregator,
		logger:     logger.WithComponent("minerdata"),
	}
}

// Refresh rebuilds the snapshot from the current chain tip. Called on tip
// notifications and on a periodic timer; safe for concurrent use.
func (s *Service) Refresh(ctx context.Context) error {
	tip, err := s.chain.BestBlock(ctx)
	if err != nil {
		return err
	}

	// A tip that changed hash without advancing means the chain reorged.
	// The fork depth is unknown from here, so every derived epoch seed is
	// dropped and re-resolved against the node.
	if prev := s.snapshot.Load(); prev != nil &&
		tip.Hash != prev.Tip.Hash && tip.Height <= prev.Tip.Height {
		s.logger.Warn("chain reorg detected, invalidating epoch seeds",
			"old_height", prev.Tip.Height, "old_hash", prev.Tip.Hash.String(),
			"new_height", tip.Height, "new_hash", tip.Hash.String(),
		)
		s.seeds.InvalidateBelow(ctx, 1)
	}

	// Mining happens at tip+1, so the advertised seed is for that height.
	seedHeight, seedHash, err := s.seeds.SeedForHeight(ctx, tip.Height+1)
	if err != nil {
		return err
	}

	backlog, err := s.chain.MempoolTxIDs(ctx)
	if err != nil {
		return err
	}

	snap := &Snapshot{
		Version:    s.version.Add(1),
		Tip:        tip,
		SeedHeight: seedHeight,
		SeedHash:   seedHash,
		TxBacklog:  backlog,
	}
	s.snapshot.Store(snap)

	s.logger.Debug("snapshot refreshed",
		"version", snap.Version,
		"tip_height", tip.Height,
		"seed_height", seedHeight,
		"backlog", len(backlog),
	)
	return nil
}

// Current returns the active snapshot, building one if none exists yet.
func (s *Service) Current(ctx context.Context) (*Snapshot, error) {
	if snap := s.snapshot.Load(); snap != nil {
		return snap, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.snapshot.Load(), nil
}

// GetMinerData returns the data an external miner needs for the next
// block. Height is always tip height plus one.
func (s *Service) GetMinerData(ctx context.Context) (*MinerData, error) {
	snap, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}

	backlog := make([]string, len(snap.TxBacklog))
	for i, txid := range snap.TxBacklog {
		backlog[i] = txid.String()
	}

	return &MinerData{
		Version:           snap.Tip.Version,
		Height:            snap.Tip.Height + 1,
		PrevHash:          snap.Tip.Hash.String(),
		RandomXSeedHeight: snap.SeedHeight,
		RandomXSeedHash:   snap.SeedHash.String(),
		Bits:              fmt.Sprintf("%08x", snap.Tip.Bits),
		Difficulty:        snap.Tip.Difficulty,
		MedianTime:        snap.Tip.MedianTime,
		TxBacklog:         backlog,
	}, nil
}

// CalcPow computes the PoW hash of a serialized header. When seedHex is
// empty the epoch seed is derived from the header's embedded previous
// block hash; an unrecognized prev hash is a recoverable seed error, not a
// verdict on the header.
func (s *Service) CalcPow(ctx context.Context, blobHex, seedHex string) (string, error) {
	if blobHex == "" {
		return "", errors.NewValidation("calc_pow", "blocktemplate_blob",
			"request is missing required field")
	}

	raw, err := hex.DecodeString(blobHex)
	if err != nil {
		return "", errors.NewDecode("calc_pow", "blocktemplate_blob hex does not decode")
	}
	if len(raw) < block.HeaderSize {
		return "", errors.NewValidation("calc_pow", "blocktemplate_blob",
			fmt.Sprintf("blob is %d bytes, want at least %d", len(raw), block.HeaderSize))
	}
	header := raw[:block.HeaderSize]

	seed, err := s.seedForHeader(ctx, header, seedHex)
	if err != nil {
		return "", err
	}

	powHash, err := s.engine.Compute(header, seed)
	if err != nil {
		return "", err
	}
	return powHash.String(), nil
}

// AddAuxPow embeds aux chain commitments into a block template.
func (s *Service) AddAuxPow(_ context.Context, blobHex string, entries []auxpow.Entry) (*AuxPowResult, error) {
	merged, root, err := s.aggregator.Merge(blobHex, entries)
	if err != nil {
		return nil, err
	}
	return &AuxPowResult{
		BlocktemplateBlob: merged,
		AuxMerkleRoot:     root.String(),
	}, nil
}

// seedForHeader resolves the epoch seed for a serialized header: the
// caller's explicit seed when given, otherwise a chain lookup through the
// header's previous block hash.
func (s *Service) seedForHeader(ctx context.Context, header []byte, seedHex string) (chainhash.Hash, error) {
	if seedHex != "" {
		seed, err := chainhash.NewHashFromStr(seedHex)
		if err != nil {
			return chainhash.Hash{}, errors.NewDecode("calc_pow", "seed_hash hex does not decode")
		}
		return *seed, nil
	}

	prevHash, err := block.PrevHashFromBytes(header)
	if err != nil {
		return chainhash.Hash{}, err
	}

	height, err := s.miningHeightFor(ctx, prevHash)
	if err != nil {
		return chainhash.Hash{}, err
	}

	_, seed, err := s.seeds.SeedForHeight(ctx, height)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return seed, nil
}

// miningHeightFor resolves the height a header builds at from its previous
// block hash.
func (s *Service) miningHeightFor(ctx context.Context, prevHash chainhash.Hash) (int64, error) {
	// A header building on genesis has a zero prev hash.
	var zero chainhash.Hash
	if prevHash == zero {
		return 0, nil
	}

	prevHeight, found, err := s.chain.BlockHeight(ctx, prevHash)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.New(errors.ErrorTypeSeed, "calc_pow",
			"seed hash unavailable: header's previous block is not known locally").
			WithContext("prev_hash", prevHash.String())
	}
	return prevHeight + 1, nil
}
