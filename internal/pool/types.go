// Package pool implements the P2Pool share protocol client: template
// polling and share submission over HTTP JSON-RPC.
package pool

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ShareStatus is the pool's verdict on a submitted share.
type ShareStatus string

const (
	// StatusAccepted - share passed pool validation and was credited
	StatusAccepted ShareStatus = "accepted"
	// StatusRejected - share failed pool validation
	StatusRejected ShareStatus = "rejected"
	// StatusStale - share referenced a template the pool no longer accepts
	StatusStale ShareStatus = "stale"
	// StatusError - the round trip or response parsing failed
	StatusError ShareStatus = "error"
)

// ShareTemplate is a unit of work handed out by the pool. HeaderBlob is the
// serialized block header the miner iterates nonces over; Target is the
// share threshold (numerically larger means easier).
type ShareTemplate struct {
	HeaderBlob []byte
	Height     int64
	PrevHash   chainhash.Hash
	SeedHash   chainhash.Hash
	Target     *big.Int
	Difficulty float64
}

// SameWork reports whether two templates describe the same unit of work.
// The pool hands out fresh extra-nonce space per poll, so identity is
// height plus previous block hash, not blob equality.
func (t *ShareTemplate) SameWork(other *ShareTemplate) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Height == other.Height && t.PrevHash == other.PrevHash
}

// SubmitResult is the parsed outcome of a submit_share call.
type SubmitResult struct {
	Status  ShareStatus
	Message string
}

// Accepted reports whether the pool credited the share.
func (r *SubmitResult) Accepted() bool {
	return r != nil && r.Status == StatusAccepted
}

// Source is the template provider the mining coordinator consumes.
type Source interface {
	GetShareTemplate(ctx context.Context) (*ShareTemplate, error)
	SubmitShare(ctx context.Context, headerHex string) (*SubmitResult, error)
}

// Wire types for the JSON-RPC 2.0 envelope.

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type shareTemplateResult struct {
	BlocktemplateBlob string  `json:"blocktemplate_blob"`
	SeedHash          string  `json:"seed_hash"`
	Difficulty        float64 `json:"difficulty"`
	Height            int64   `json:"height"`
	Target            string  `json:"target"`
}

type submitStatusResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
