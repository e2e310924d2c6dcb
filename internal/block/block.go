// Package block implements serialization of Juno Cash block headers and
// blocks as used by the mining subsystem. Only the fields the miner touches
// are modeled; transaction payloads are carried opaquely.
package block

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/junocash/jmined/pkg/errors"
)

// HeaderSize is the exact serialized size of a block header in bytes.
// Layout: version(4) | prevhash(32) | merkleroot(32) | reserved(32) |
// time(4) | bits(4) | nonce(32). All integers little-endian.
const HeaderSize = 140

// Field offsets within a serialized header.
const (
	versionOffset  = 0
	prevHashOffset = 4
	merkleOffset   = 36
	reservedOffset = 68
	timeOffset     = 100
	bitsOffset     = 104
	NonceOffset    = 108
)

// NonceSize is the width of the header nonce field. The mining loop
// iterates a uint64 counter over the first eight bytes; the remainder is
// extra-nonce space owned by the template issuer.
const NonceSize = 32

// Header is the deserialized form of a block header.
type Header struct {
	Version    uint32
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Reserved   chainhash.Hash
	Time       uint32
	Bits       uint32
	Nonce      [NonceSize]byte
}

// DecodeHeader parses a serialized 140-byte header.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) != HeaderSize {
		return nil, errors.NewValidation("decode_header", "header",
			fmt.Sprintf("invalid header length: got %d bytes, want %d", len(data), HeaderSize))
	}

	h := &Header{
		Version: binary.LittleEndian.Uint32(data[versionOffset:]),
		Time:    binary.LittleEndian.Uint32(data[timeOffset:]),
		Bits:    binary.LittleEndian.Uint32(data[bitsOffset:]),
	}
	copy(h.PrevHash[:], data[prevHashOffset:merkleOffset])
	copy(h.MerkleRoot[:], data[merkleOffset:reservedOffset])
	copy(h.Reserved[:], data[reservedOffset:timeOffset])
	copy(h.Nonce[:], data[NonceOffset:HeaderSize])

	return h, nil
}

// DecodeHeaderHex parses a hex-encoded 280-character header.
func DecodeHeaderHex(headerHex string) (*Header, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, errors.NewDecode("decode_header", "header hex does not decode").
			WithContext("hex_length", len(headerHex))
	}
	return DecodeHeader(raw)
}

// Encode serializes the header into its 140-byte wire form.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[versionOffset:], h.Version)
	copy(buf[prevHashOffset:], h.PrevHash[:])
	copy(buf[merkleOffset:], h.MerkleRoot[:])
	copy(buf[reservedOffset:], h.Reserved[:])
	binary.LittleEndian.PutUint32(buf[timeOffset:], h.Time)
	binary.LittleEndian.PutUint32(buf[bitsOffset:], h.Bits)
	copy(buf[NonceOffset:], h.Nonce[:])
	return buf
}

// SetNonceCounter writes a uint64 mining counter into the low eight bytes
// of the nonce field, leaving the extra-nonce bytes untouched.
func (h *Header) SetNonceCounter(n uint64) {
	binary.LittleEndian.PutUint64(h.Nonce[:8], n)
}

// NonceCounter reads the uint64 mining counter from the nonce field.
func (h *Header) NonceCounter() uint64 {
	return binary.LittleEndian.Uint64(h.Nonce[:8])
}

// SetNonceCounterBytes writes a uint64 mining counter directly into a
// serialized header, avoiding a decode/encode round trip in the hot loop.
func SetNonceCounterBytes(header []byte, n uint64) {
	binary.LittleEndian.PutUint64(header[NonceOffset:NonceOffset+8], n)
}

// PrevHashFromBytes extracts the previous-block hash from a serialized
// header without a full decode.
func PrevHashFromBytes(header []byte) (chainhash.Hash, error) {
	var h chainhash.Hash
	if len(header) != HeaderSize {
		return h, errors.NewValidation("prev_hash", "header",
			fmt.Sprintf("invalid header length: got %d bytes, want %d", len(header), HeaderSize))
	}
	copy(h[:], header[prevHashOffset:merkleOffset])
	return h, nil
}

// Block is a header plus its opaque transaction payload.
type Block struct {
	Header  Header
	TxCount uint64
	TxData  []byte
}

// Decode parses a serialized block: header, compact-size transaction count,
// then the raw transaction payload (kept opaque; full transaction
// validation belongs to the consensus layer).
func Decode(data []byte) (*Block, error) {
	if len(data) < HeaderSize {
		return nil, errors.NewDecode("decode_block",
			fmt.Sprintf("failed to decode block: %d bytes is shorter than the %d-byte header", len(data), HeaderSize))
	}

	hdr, err := DecodeHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	txCount, n, err := readCompactSize(data[HeaderSize:])
	if err != nil {
		return nil, err
	}
	if txCount == 0 && len(data) > HeaderSize+n {
		return nil, errors.NewDecode("decode_block",
			"failed to decode block: trailing data after empty transaction list")
	}

	return &Block{
		Header:  *hdr,
		TxCount: txCount,
		TxData:  data[HeaderSize+n:],
	}, nil
}

// DecodeHex parses a hex-encoded block blob.
func DecodeHex(blobHex string) (*Block, error) {
	raw, err := hex.DecodeString(blobHex)
	if err != nil {
		return nil, errors.NewDecode("decode_block", "block blob hex does not decode").
			WithContext("hex_length", len(blobHex))
	}
	return Decode(raw)
}

// Encode serializes the block back into wire form.
func (b *Block) Encode() []byte {
	hdr := b.Header.Encode()
	cs := writeCompactSize(b.TxCount)
	out := make([]byte, 0, len(hdr)+len(cs)+len(b.TxData))
	out = append(out, hdr...)
	out = append(out, cs...)
	out = append(out, b.TxData...)
	return out
}

// EncodeHex serializes the block as a hex string.
func (b *Block) EncodeHex() string {
	return hex.EncodeToString(b.Encode())
}

// readCompactSize parses a bitcoin-style compact size integer and returns
// the value and the number of bytes consumed.
func readCompactSize(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, errors.NewDecode("decode_block", "failed to decode tx count: truncated block")
	}

	switch prefix := data[0]; {
	case prefix < 0xfd:
		return uint64(prefix), 1, nil
	case prefix == 0xfd:
		if len(data) < 3 {
			return 0, 0, errors.NewDecode("decode_block", "failed to decode tx count: truncated compact size")
		}
		return uint64(binary.LittleEndian.Uint16(data[1:3])), 3, nil
	case prefix == 0xfe:
		if len(data) < 5 {
			return 0, 0, errors.NewDecode("decode_block", "failed to decode tx count: truncated compact size")
		}
		return uint64(binary.LittleEndian.Uint32(data[1:5])), 5, nil
	default:
		if len(data) < 9 {
			return 0, 0, errors.NewDecode("decode_block", "failed to decode tx count: truncated compact size")
		}
		return binary.LittleEndian.Uint64(data[1:9]), 9, nil
	}
}

func writeCompactSize(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		buf := make([]byte, 3)
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(n))
		return buf
	case n <= 0xffffffff:
		buf := make([]byte, 5)
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(n))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], n)
		return buf
	}
}
