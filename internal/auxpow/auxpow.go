// Package auxpow implements merge-mining support: aggregating auxiliary
// chain commitments into a merkle root and embedding it in the parent
// chain's block header so one PoW secures every participating chain.
package auxpow

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/junocash/jmined/internal/block"
	"github.com/junocash/jmined/pkg/errors"
)

// Entry is one auxiliary chain's commitment: the chain's identifier and
// the hash it wants secured by the parent PoW.
type Entry struct {
	ChainID chainhash.Hash
	Hash    chainhash.Hash
}

// Embedder writes an aggregated aux commitment into a block header. The
// default embedder targets the header's reserved field; alternative
// placements (coinbase commitments) can be swapped in without touching the
// aggregation logic.
type Embedder interface {
	Embed(hdr *block.Header, root chainhash.Hash)
}

// ReservedFieldEmbedder writes the aux merkle root into the 32-byte
// reserved region of the header.
type ReservedFieldEmbedder struct{}

// Embed implements Embedder.
func (ReservedFieldEmbedder) Embed(hdr *block.Header, root chainhash.Hash) {
	hdr.Reserved = root
}

var _ Embedder = ReservedFieldEmbedder{}

// Aggregator validates aux chain entries, derives their merkle root, and
// produces a template blob committing to all of them.
type Aggregator struct {
	embedder Embedder
}

// NewAggregator creates an aggregator. embedder may be nil to use the
// reserved-field default.
func NewAggregator(embedder Embedder) *Aggregator {
	if embedder == nil {
		embedder = ReservedFieldEmbedder{}
	}
	return &Aggregator{embedder: embedder}
}

// Merge validates the aux entries, computes their merkle root, and returns
// the template blob with the root embedded in its header, alongside the
// root itself. The blob is a serialized block: header, transaction count,
// opaque transaction payload.
func (a *Aggregator) Merge(blobHex string, entries []Entry) (string, chainhash.Hash, error) {
	var zero chainhash.Hash

	if blobHex == "" {
		return "", zero, errors.NewValidation("add_aux_pow", "blocktemplate_blob",
			"request is missing required field")
	}
	if len(entries) == 0 {
		return "", zero, errors.NewValidation("add_aux_pow", "aux_pow",
			"at least one aux chain entry is required")
	}

	blk, err := block.DecodeHex(blobHex)
	if err != nil {
		return "", zero, err
	}

	if err := validateEntries(entries); err != nil {
		return "", zero, err
	}

	root := MerkleRoot(entries)
	a.embedder.Embed(&blk.Header, root)

	return blk.EncodeHex(), root, nil
}

// validateEntries rejects zeroed hashes and duplicate chain IDs. A chain
// committing twice would let it claim two slots under one PoW.
func validateEntries(entries []Entry) error {
	var zero chainhash.Hash
	seen := make(map[chainhash.Hash]int, len(entries))

	for i, e := range entries {
		if e.Hash == zero {
			return errors.NewValidation("add_aux_pow", "aux_pow",
				fmt.Sprintf("entry %d has a zero hash", i))
		}
		if prev, ok := seen[e.ChainID]; ok {
			return errors.NewValidation("add_aux_pow", "aux_pow",
				fmt.Sprintf("entries %d and %d share chain id %s", prev, i, e.ChainID))
		}
		seen[e.ChainID] = i
	}
	return nil
}

// MerkleRoot computes the pairwise merkle root over the entry hashes using
// the chain's double-SHA256. Odd levels duplicate their last node.
func MerkleRoot(entries []Entry) chainhash.Hash {
	level := make([]chainhash.Hash, len(entries))
	for i, e := range entries {
		level[i] = e.Hash
	}

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}
