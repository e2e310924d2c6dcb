package randomx

import (
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/junocash/jmined/pkg/errors"
)

func TestTargetFromHex(t *testing.T) {
	target, err := TargetFromHex(strings.Repeat("f", 64))
	if err != nil {
		t.Fatalf("TargetFromHex failed: %v", err)
	}
	if target.Cmp(MaxTarget) != 0 {
		t.Error("All-ff target should equal MaxTarget")
	}

	target, err = TargetFromHex("00000000ffff0000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("TargetFromHex failed: %v", err)
	}
	want := new(big.Int).Lsh(big.NewInt(0xffff), 208)
	if target.Cmp(want) != 0 {
		t.Errorf("Target = %x, want %x", target, want)
	}
}

func TestTargetFromHex_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType errors.ErrorType
	}{
		{"too short", strings.Repeat("f", 63), errors.ErrorTypeValidation},
		{"too long", strings.Repeat("f", 65), errors.ErrorTypeValidation},
		{"empty", "", errors.ErrorTypeValidation},
		{"non-hex", strings.Repeat("zz", 32), errors.ErrorTypeDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TargetFromHex(tt.input)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !errors.IsType(err, tt.wantType) {
				t.Errorf("Expected %s error, got %v", tt.wantType, err)
			}
		})
	}
}

func TestTargetToHex_RoundTrip(t *testing.T) {
	inputs := []string{
		strings.Repeat("f", 64),
		"00000000ffff0000000000000000000000000000000000000000000000000000",
		strings.Repeat("0", 63) + "1",
	}
	for _, in := range inputs {
		target, err := TargetFromHex(in)
		if err != nil {
			t.Fatalf("TargetFromHex(%s) failed: %v", in, err)
		}
		if out := TargetToHex(target); out != in {
			t.Errorf("Round trip %s -> %s", in, out)
		}
	}
}

func TestHashMeetsTarget(t *testing.T) {
	// The comparison is numeric on big-endian bytes: a hash with leading
	// zero bytes is numerically small and meets tight targets.
	var smallHash chainhash.Hash
	smallHash[31] = 0x01 // value 1

	var bigHash chainhash.Hash
	bigHash[0] = 0x80 // value 2^255

	midTarget := new(big.Int).Lsh(big.NewInt(1), 128)

	tests := []struct {
		name   string
		hash   chainhash.Hash
		target *big.Int
		want   bool
	}{
		{"small hash, mid target", smallHash, midTarget, true},
		{"big hash, mid target", bigHash, midTarget, false},
		{"any hash, max target", bigHash, MaxTarget, true},
		{"equal is a hit", smallHash, big.NewInt(1), true},
		{"one below misses", bigHash, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1)), false},
		{"zero hash, zero target", chainhash.Hash{}, big.NewInt(0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HashMeetsTarget(tt.hash, tt.target); got != tt.want {
				t.Errorf("HashMeetsTarget = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompactToTarget(t *testing.T) {
	// Classic difficulty-1 bits
	target := CompactToTarget(0x1d00ffff)
	want := new(big.Int).Lsh(big.NewInt(0xffff), 208)
	if target.Cmp(want) != 0 {
		t.Errorf("CompactToTarget(0x1d00ffff) = %x, want %x", target, want)
	}

	// Low exponent path
	target = CompactToTarget(0x03123456)
	if target.Cmp(big.NewInt(0x123456)) != 0 {
		t.Errorf("CompactToTarget(0x03123456) = %x, want 123456", target)
	}

	target = CompactToTarget(0x01120000)
	if target.Cmp(big.NewInt(0x12)) != 0 {
		t.Errorf("CompactToTarget(0x01120000) = %x, want 12", target)
	}
}

func TestDifficultyConversion(t *testing.T) {
	if got := TargetToDifficulty(MaxTarget); got < 0.99 || got > 1.01 {
		t.Errorf("Difficulty of MaxTarget = %f, want ~1", got)
	}

	half := new(big.Int).Rsh(MaxTarget, 1)
	if got := TargetToDifficulty(half); got < 1.99 || got > 2.01 {
		t.Errorf("Difficulty of MaxTarget/2 = %f, want ~2", got)
	}

	if got := TargetToDifficulty(big.NewInt(0)); got != 0 {
		t.Errorf("Difficulty of zero target = %f, want 0", got)
	}

	// Round trip within float precision
	target := DifficultyToTarget(1000.0)
	diff := TargetToDifficulty(target)
	if diff < 999 || diff > 1001 {
		t.Errorf("Round-trip difficulty = %f, want ~1000", diff)
	}

	if DifficultyToTarget(0).Cmp(MaxTarget) != 0 {
		t.Error("Zero difficulty should map to MaxTarget")
	}
}
