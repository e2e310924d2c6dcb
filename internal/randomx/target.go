package randomx

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/junocash/jmined/pkg/errors"
)

// MaxTarget is the easiest possible target: every hash satisfies it.
var MaxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// TargetFromHex parses a 64-character big-endian target. Larger numeric
// value means easier work.
func TargetFromHex(s string) (*big.Int, error) {
	if len(s) != 64 {
		return nil, errors.NewValidation("parse_target", "target",
			fmt.Sprintf("invalid target length: got %d hex chars, want 64", len(s)))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.NewDecode("parse_target", "target hex does not decode")
	}
	return new(big.Int).SetBytes(raw), nil
}

// TargetToHex renders a target as 64 lowercase hex characters.
func TargetToHex(t *big.Int) string {
	b := t.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	var out [32]byte
	copy(out[32-len(b):], b)
	return hex.EncodeToString(out[:])
}

// HashMeetsTarget reports whether a PoW hash satisfies the target. The hash
// bytes are interpreted as an unsigned big-endian 256-bit integer and
// compared numerically; a share is valid when hash <= target. This is a
// numeric comparison, never byte-lexicographic.
func HashMeetsTarget(powHash chainhash.Hash, target *big.Int) bool {
	hashInt := new(big.Int).SetBytes(powHash[:])
	return hashInt.Cmp(target) <= 0
}

// CompactToTarget expands the header's compact "bits" encoding into the
// full 256-bit target (bitcoin nBits convention: 1-byte exponent, 3-byte
// mantissa).
func CompactToTarget(bits uint32) *big.Int {
	mantissa := int64(bits & 0x007fffff)
	exponent := uint(bits >> 24)

	var target *big.Int
	if exponent <= 3 {
		target = big.NewInt(mantissa >> (8 * (3 - exponent)))
	} else {
		target = big.NewInt(mantissa)
		target.Lsh(target, 8*(exponent-3))
	}
	if bits&0x00800000 != 0 {
		target.Neg(target)
	}
	return target
}

// TargetToDifficulty converts a target into the conventional difficulty
// representation (max target divided by target).
func TargetToDifficulty(target *big.Int) float64 {
	if target.Sign() <= 0 {
		return 0
	}
	diff := new(big.Float).Quo(
		new(big.Float).SetInt(MaxTarget),
		new(big.Float).SetInt(target),
	)
	f, _ := diff.Float64()
	return f
}

// DifficultyToTarget converts a difficulty back into a target threshold.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(MaxTarget)
	}
	target, _ := new(big.Float).Quo(
		new(big.Float).SetInt(MaxTarget),
		big.NewFloat(difficulty),
	).Int(nil)
	return target
}
