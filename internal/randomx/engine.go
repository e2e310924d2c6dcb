package randomx

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"

	"github.com/junocash/jmined/internal/block"
	"github.com/junocash/jmined/pkg/errors"
)

// Mode selects the engine's memory/speed tradeoff. Both modes produce
// bit-identical hashes; only resource usage differs.
type Mode int

const (
	// ModeLight rebuilds the seed scratchpad on every hash and releases it
	// afterwards. Slow, minimal resident memory.
	ModeLight Mode = iota
	// ModeFast keeps scratchpads for recently used seeds resident.
	ModeFast
)

// String returns the flag spelling of the mode.
func (m Mode) String() string {
	if m == ModeFast {
		return "fast"
	}
	return "light"
}

// ParseMode parses a mode selector from configuration.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "fast":
		return ModeFast, nil
	case "light":
		return ModeLight, nil
	default:
		return ModeLight, errors.NewValidation("parse_mode", "hash_mode",
			fmt.Sprintf("unknown hash mode %q (want fast or light)", s))
	}
}

// Consensus parameters of the hash. These are fixed: changing any of them
// changes every PoW hash on the network.
const (
	scratchpadSize = 1 << 17 // 128 KiB expanded per seed
	argonPasses    = 1
	argonMemoryKiB = 8 * 1024
	argonLanes     = 1
	mixRounds      = 64
)

var scratchpadSalt = []byte("JunoPow/argon2id/v1")

// maxCachedSeeds bounds fast-mode residency: the active epoch plus the
// previous one during a transition.
const maxCachedSeeds = 2

// Engine computes the epoch-keyed memory-hard PoW hash of a block header.
// It is safe for concurrent use by multiple hashing workers.
type Engine struct {
	mode Mode

	mu    sync.Mutex
	pads  map[chainhash.Hash][]byte
	order []chainhash.Hash
}

// NewEngine creates a hash engine in the given mode. Initialization runs a
// self-check against a known vector; failure is fatal to mining (the
// process keeps serving RPC in a degraded state).
func NewEngine(mode Mode) (e *Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			e = nil
			err = errors.New(errors.ErrorTypeFatal, "engine_init",
				fmt.Sprintf("hash engine initialization panicked: %v", r))
		}
	}()

	e = &Engine{
		mode: mode,
		pads: make(map[chainhash.Hash][]byte),
	}

	// Self-check: expanding and folding must succeed and produce 32 bytes.
	probe := make([]byte, block.HeaderSize)
	h, cerr := e.Compute(probe, GenesisSeedHash)
	if cerr != nil {
		return nil, errors.Wrap(cerr, errors.ErrorTypeFatal, "engine_init",
			"hash engine self-check failed")
	}
	var zero chainhash.Hash
	if h == zero {
		return nil, errors.New(errors.ErrorTypeFatal, "engine_init",
			"hash engine self-check produced a zero hash")
	}

	if mode == ModeLight {
		// Light mode never retains the self-check scratchpad
		e.dropAll()
	}
	return e, nil
}

// Mode returns the engine's configured mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Compute returns the PoW hash of a serialized 140-byte header under the
// given epoch seed. Deterministic and pure: same inputs, same output, in
// either mode.
func (e *Engine) Compute(header []byte, seed chainhash.Hash) (chainhash.Hash, error) {
	if len(header) != block.HeaderSize {
		return chainhash.Hash{}, errors.NewValidation("compute_pow", "header",
			fmt.Sprintf("invalid header length: got %d bytes, want %d", len(header), block.HeaderSize))
	}

	pad := e.scratchpad(seed)
	defer func() {
		if e.mode == ModeLight {
			e.dropAll()
		}
	}()

	// Fold the header through seed-dependent scratchpad reads. The digest
	// of the header drives the read offsets so access order is
	// input-dependent.
	sel := blake2b.Sum512(header)
	acc := blake2b.Sum256(header)

	var buf [32 + 64]byte
	for i := 0; i < mixRounds; i++ {
		hi := binary.LittleEndian.Uint64(sel[(i%6)*8:])
		lo := binary.LittleEndian.Uint64(acc[(i%3)*8:])
		off := (hi ^ lo) % (scratchpadSize - 64)

		copy(buf[:32], acc[:])
		copy(buf[32:], pad[off:off+64])
		acc = blake2b.Sum256(buf[:])
	}

	final := make([]byte, 0, 32+block.HeaderSize)
	final = append(final, acc[:]...)
	final = append(final, header...)
	pow := blake2b.Sum256(final)

	return chainhash.Hash(pow), nil
}

// scratchpad returns the expanded scratchpad for a seed, building it if
// needed. Fast mode keeps up to maxCachedSeeds pads resident.
func (e *Engine) scratchpad(seed chainhash.Hash) []byte {
	e.mu.Lock()
	if pad, ok := e.pads[seed]; ok {
		e.mu.Unlock()
		return pad
	}
	e.mu.Unlock()

	// Expansion is the expensive step; run it outside the lock so light
	// mode callers do not serialize behind each other.
	pad := argon2.IDKey(seed[:], scratchpadSalt, argonPasses, argonMemoryKiB, argonLanes, scratchpadSize)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.pads[seed]; ok {
		return existing
	}
	e.pads[seed] = pad
	e.order = append(e.order, seed)
	for len(e.order) > maxCachedSeeds {
		evict := e.order[0]
		e.order = e.order[1:]
		delete(e.pads, evict)
	}
	return pad
}

func (e *Engine) dropAll() {
	e.mu.Lock()
	e.pads = make(map[chainhash.Hash][]byte)
	e.order = nil
	e.mu.Unlock()
}

// CachedSeeds returns how many seed scratchpads are resident.
func (e *Engine) CachedSeeds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pads)
}
