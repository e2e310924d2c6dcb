package chain

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/junocash/jmined/internal/block"
	"github.com/junocash/jmined/pkg/circuit"
	"github.com/junocash/jmined/pkg/errors"
	"github.com/junocash/jmined/pkg/retry"
)

// RPCClient is the JSON-RPC implementation of Source, backed by btcd's RPC
// client in HTTP POST mode against the local junocashd node.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

var _ Source = (*RPCClient)(nil)

// NewRPCClient creates a chain RPC client. TLS is disabled; the node runs
// on the same host or a trusted network.
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChain, "rpc_client_creation",
			"failed to create chain RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New("chain_rpc", cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}, nil
}

// Close shuts down the RPC client and releases its resources.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// BestBlock returns the current chain tip with the header fields the miner
// data snapshot needs.
func (c *RPCClient) BestBlock(ctx context.Context) (TipStatus, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (TipStatus, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (TipStatus, error) {
			hash, err := c.client.GetBestBlockHashAsync().Receive()
			if err != nil {
				return TipStatus{}, errors.Wrap(err, errors.ErrorTypeChain, "best_block",
					"failed to retrieve best block hash")
			}

			verbose, err := c.client.GetBlockVerboseAsync(hash).Receive()
			if err != nil {
				return TipStatus{}, errors.Wrap(err, errors.ErrorTypeChain, "best_block",
					"failed to retrieve tip block").
					WithContext("block_hash", hash.String())
			}

			bits, err := parseBits(verbose.Bits)
			if err != nil {
				return TipStatus{}, err
			}

			return TipStatus{
				Height:     verbose.Height,
				Hash:       *hash,
				Version:    verbose.Version,
				Bits:       bits,
				Difficulty: verbose.Difficulty,
				MedianTime: verbose.MedianTime,
			}, nil
		})
	})
}

// BlockHashAtHeight returns the block hash at a height. A height the node
// does not have yet (or no longer has after a reorg) reports found=false
// rather than an error.
func (c *RPCClient) BlockHashAtHeight(ctx context.Context, height int64) (chainhash.Hash, bool, error) {
	type lookup struct {
		hash  chainhash.Hash
		found bool
	}

	res, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (lookup, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (lookup, error) {
			hash, err := c.client.GetBlockHashAsync(height).Receive()
			if err != nil {
				if isNotFoundRPCError(err) {
					return lookup{}, nil
				}
				return lookup{}, errors.Wrap(err, errors.ErrorTypeChain, "block_hash_at_height",
					"failed to retrieve block hash").
					WithContext("height", height)
			}
			return lookup{hash: *hash, found: true}, nil
		})
	})
	if err != nil {
		return chainhash.Hash{}, false, err
	}
	return res.hash, res.found, nil
}

// BlockHeight returns the height of a known block hash, with found=false
// for hashes the node does not recognize.
func (c *RPCClient) BlockHeight(ctx context.Context, hash chainhash.Hash) (int64, bool, error) {
	type lookup struct {
		height int64
		found  bool
	}

	res, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (lookup, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (lookup, error) {
			verbose, err := c.client.GetBlockVerboseAsync(&hash).Receive()
			if err != nil {
				if isNotFoundRPCError(err) {
					return lookup{}, nil
				}
				return lookup{}, errors.Wrap(err, errors.ErrorTypeChain, "block_height",
					"failed to retrieve block").
					WithContext("block_hash", hash.String())
			}
			return lookup{height: verbose.Height, found: true}, nil
		})
	})
	if err != nil {
		return 0, false, err
	}
	return res.height, res.found, nil
}

// MempoolTxIDs returns the transaction ids currently in the node mempool.
func (c *RPCClient) MempoolTxIDs(ctx context.Context) ([]chainhash.Hash, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() ([]chainhash.Hash, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() ([]chainhash.Hash, error) {
			txids, err := c.client.GetRawMempoolAsync().Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeChain, "mempool_txids",
					"failed to retrieve mempool")
			}

			out := make([]chainhash.Hash, len(txids))
			for i, txid := range txids {
				out[i] = *txid
			}
			return out, nil
		})
	})
}

// SubmitBlock submits a serialized block to the node. The blob is decoded
// locally first so malformed bytes fail fast instead of burning a node
// round trip.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	if _, err := block.DecodeHex(blockHex); err != nil {
		return err
	}

	// Block submission is time-critical: minimal retry.
	submitConfig := &retry.Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  1.5,
		Jitter:      false,
	}

	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, submitConfig, func() error {
			param, err := json.Marshal(blockHex)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, "submit_block",
					"failed to marshal block parameter")
			}

			// The header format is chain-specific, so submission goes
			// through a raw request instead of btcd's wire types.
			result, err := c.client.RawRequest("submitblock", []json.RawMessage{param})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeChain, "submit_block",
					"failed to submit block to node")
			}

			// submitblock returns null on success, a reject reason string
			// otherwise.
			var reason string
			if err := json.Unmarshal(result, &reason); err == nil && reason != "" {
				return errors.New(errors.ErrorTypeChain, "submit_block",
					fmt.Sprintf("node rejected block: %s", reason))
			}
			return nil
		})
	})
}

// Ping tests node connectivity.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"node connectivity check failed")
			}
			return nil
		})
	})
}

// parseBits parses the hex "bits" string of a verbose block result.
func parseBits(bits string) (uint32, error) {
	v, err := strconv.ParseUint(bits, 16, 32)
	if err != nil {
		return 0, errors.NewDecode("parse_bits",
			fmt.Sprintf("failed to decode bits %q", bits))
	}
	return uint32(v), nil
}

// isNotFoundRPCError reports whether an RPC error means the requested
// block does not exist on the node, as opposed to a transport failure.
func isNotFoundRPCError(err error) bool {
	var rpcErr *btcjson.RPCError
	if !stderrors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.Code {
	case btcjson.ErrRPCBlockNotFound, btcjson.ErrRPCOutOfRange, btcjson.ErrRPCInvalidParameter:
		return true
	default:
		return false
	}
}
