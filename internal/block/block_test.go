package block

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/junocash/jmined/pkg/errors"
)

func sampleHeaderBytes() []byte {
	buf := make([]byte, HeaderSize)
	// version = 4
	buf[0] = 0x04
	for i := 4; i < 36; i++ {
		buf[i] = 0xaa // prevhash
	}
	for i := 36; i < 68; i++ {
		buf[i] = 0xbb // merkle root
	}
	for i := 68; i < 100; i++ {
		buf[i] = 0xcc // reserved
	}
	// time = 0x01020304, bits = 0x1e0fffff
	copy(buf[100:104], []byte{0x04, 0x03, 0x02, 0x01})
	copy(buf[104:108], []byte{0xff, 0xff, 0x0f, 0x1e})
	for i := 108; i < 140; i++ {
		buf[i] = 0xdd // nonce
	}
	return buf
}

func TestDecodeHeader_RoundTrip(t *testing.T) {
	raw := sampleHeaderBytes()

	hdr, err := DecodeHeader(raw)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}

	if hdr.Version != 4 {
		t.Errorf("Expected version 4, got %d", hdr.Version)
	}
	if hdr.Time != 0x01020304 {
		t.Errorf("Expected time 0x01020304, got 0x%08x", hdr.Time)
	}
	if hdr.Bits != 0x1e0fffff {
		t.Errorf("Expected bits 0x1e0fffff, got 0x%08x", hdr.Bits)
	}
	if hdr.PrevHash[0] != 0xaa || hdr.PrevHash[31] != 0xaa {
		t.Error("PrevHash not extracted from the right offsets")
	}

	if !bytes.Equal(hdr.Encode(), raw) {
		t.Error("Encode did not reproduce original bytes")
	}
}

func TestDecodeHeader_WrongLength(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"short", 139},
		{"long", 141},
		{"legacy 80-byte header", 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(make([]byte, tt.size))
			if err == nil {
				t.Fatal("Expected error for wrong header length")
			}
			if !errors.IsType(err, errors.ErrorTypeValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestDecodeHeaderHex(t *testing.T) {
	raw := sampleHeaderBytes()

	hdr, err := DecodeHeaderHex(hex.EncodeToString(raw))
	if err != nil {
		t.Fatalf("DecodeHeaderHex failed: %v", err)
	}
	if hdr.Version != 4 {
		t.Errorf("Expected version 4, got %d", hdr.Version)
	}

	// Non-hex input is a decode error, not a validation error
	_, err = DecodeHeaderHex(strings.Repeat("zz", HeaderSize))
	if err == nil {
		t.Fatal("Expected error for non-hex input")
	}
	if !errors.IsType(err, errors.ErrorTypeDecode) {
		t.Errorf("Expected decode error, got %v", err)
	}
	if !strings.Contains(strings.ToLower(err.Error()), "decode") {
		t.Errorf("Expected decode marker in error %q", err.Error())
	}
}

func TestNonceCounter(t *testing.T) {
	hdr, err := DecodeHeader(sampleHeaderBytes())
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}

	hdr.SetNonceCounter(0xdeadbeefcafe)
	if got := hdr.NonceCounter(); got != 0xdeadbeefcafe {
		t.Errorf("NonceCounter() = %#x, want %#x", got, uint64(0xdeadbeefcafe))
	}

	// Extra-nonce bytes beyond the counter stay untouched
	for i := 8; i < NonceSize; i++ {
		if hdr.Nonce[i] != 0xdd {
			t.Fatalf("Extra-nonce byte %d modified", i)
		}
	}
}

func TestSetNonceCounterBytes(t *testing.T) {
	raw := sampleHeaderBytes()
	SetNonceCounterBytes(raw, 42)

	hdr, err := DecodeHeader(raw)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if hdr.NonceCounter() != 42 {
		t.Errorf("NonceCounter() = %d, want 42", hdr.NonceCounter())
	}
}

func TestPrevHashFromBytes(t *testing.T) {
	raw := sampleHeaderBytes()

	prev, err := PrevHashFromBytes(raw)
	if err != nil {
		t.Fatalf("PrevHashFromBytes failed: %v", err)
	}
	for i := range prev {
		if prev[i] != 0xaa {
			t.Fatalf("Byte %d = %#x, want 0xaa", i, prev[i])
		}
	}

	if _, err := PrevHashFromBytes(raw[:100]); err == nil {
		t.Error("Expected error for truncated header")
	}
}

func TestDecodeBlock(t *testing.T) {
	hdr := sampleHeaderBytes()

	tests := []struct {
		name      string
		data      []byte
		wantCount uint64
		wantTxLen int
		wantErr   bool
	}{
		{
			name:      "single tx",
			data:      append(append([]byte{}, hdr...), append([]byte{0x01}, bytes.Repeat([]byte{0xee}, 60)...)...),
			wantCount: 1,
			wantTxLen: 60,
		},
		{
			name:      "no transactions",
			data:      append(append([]byte{}, hdr...), 0x00),
			wantCount: 0,
			wantTxLen: 0,
		},
		{
			name:      "fd-prefixed count",
			data:      append(append([]byte{}, hdr...), 0xfd, 0x2c, 0x01),
			wantCount: 300,
			wantTxLen: 0,
		},
		{
			name:    "truncated at header",
			data:    hdr[:120],
			wantErr: true,
		},
		{
			name:    "missing tx count",
			data:    hdr,
			wantErr: true,
		},
		{
			name:    "truncated compact size",
			data:    append(append([]byte{}, hdr...), 0xfd, 0x01),
			wantErr: true,
		},
		{
			name:    "trailing bytes after empty tx list",
			data:    append(append([]byte{}, hdr...), 0x00, 0x00, 0x00),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blk, err := Decode(tt.data)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected decode error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if blk.TxCount != tt.wantCount {
				t.Errorf("TxCount = %d, want %d", blk.TxCount, tt.wantCount)
			}
			if len(blk.TxData) != tt.wantTxLen {
				t.Errorf("len(TxData) = %d, want %d", len(blk.TxData), tt.wantTxLen)
			}

			// Round trip
			if !bytes.Equal(blk.Encode(), tt.data) {
				t.Error("Encode did not reproduce original block bytes")
			}
		})
	}
}

func TestDecodeHex_BadInput(t *testing.T) {
	_, err := DecodeHex("not-hex")
	if err == nil {
		t.Fatal("Expected error for non-hex blob")
	}
	if !errors.IsType(err, errors.ErrorTypeDecode) {
		t.Errorf("Expected decode error, got %v", err)
	}
}
