package pool

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/junocash/jmined/internal/block"
	"github.com/junocash/jmined/internal/randomx"
	"github.com/junocash/jmined/pkg/circuit"
	"github.com/junocash/jmined/pkg/errors"
	"github.com/junocash/jmined/pkg/log"
	"github.com/junocash/jmined/pkg/retry"
)

const (
	methodGetShareTemplate = "get_share_template"
	methodSubmitShare      = "submit_share"

	defaultRequestTimeout = 10 * time.Second
)

// Client talks the P2Pool share protocol over HTTP JSON-RPC 2.0. All
// requests POST to the pool's root path; request IDs are monotonically
// increasing and the response ID must echo them.
type Client struct {
	url     string
	address string

	httpClient *http.Client
	breaker    *circuit.Breaker
	retryCfg   *retry.Config
	logger     *log.Logger

	nextID atomic.Uint64
}

var _ Source = (*Client)(nil)

// NewClient creates a pool client. url is the pool's HTTP endpoint
// (e.g. "http://127.0.0.1:37890"); address is the payout wallet address
// sent with every template request and share submission.
func NewClient(url, address string, logger *log.Logger) *Client {
	return &Client{
		url:     url,
		address: address,
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
		breaker:  circuit.New("p2pool", circuit.DefaultConfig()),
		retryCfg: retry.NetworkConfig(),
		logger:   logger.WithComponent("pool_client"),
	}
}

// GetShareTemplate requests a fresh unit of work from the pool.
func (c *Client) GetShareTemplate(ctx context.Context) (*ShareTemplate, error) {
	result, err := retry.DoWithResult(ctx, c.retryCfg, func() (json.RawMessage, error) {
		return circuit.ExecuteWithResult(ctx, c.breaker, func() (json.RawMessage, error) {
			return c.call(ctx, methodGetShareTemplate, []interface{}{c.address})
		})
	})
	if err != nil {
		return nil, err
	}
	return parseShareTemplate(result)
}

// SubmitShare submits a solved header to the pool. The error path covers
// transport and parse failures only; a reachable pool that rejects the
// share still returns a nil error with the rejection in the result.
func (c *Client) SubmitShare(ctx context.Context, headerHex string) (*SubmitResult, error) {
	result, err := retry.DoWithResult(ctx, retry.SubmitConfig(), func() (json.RawMessage, error) {
		return circuit.ExecuteWithResult(ctx, c.breaker, func() (json.RawMessage, error) {
			return c.call(ctx, methodSubmitShare, []interface{}{headerHex, c.address})
		})
	})
	if err != nil {
		return &SubmitResult{Status: StatusError, Message: err.Error()}, err
	}
	return parseSubmitResult(result)
}

// BreakerStats exposes the protecting circuit breaker's state for health
// reporting.
func (c *Client) BreakerStats() circuit.Stats {
	return c.breaker.GetStats()
}

// call performs one JSON-RPC round trip and returns the raw result payload.
func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	start := time.Now()

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.LogPoolRequest(method, float64(time.Since(start).Milliseconds()), err)
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, method, "pool request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, method, "failed to read pool response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.ErrorTypeNetwork, method,
			fmt.Sprintf("pool returned HTTP %d", resp.StatusCode)).
			WithContext("status_code", resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.NewDecode(method, "pool response is not valid JSON-RPC")
	}
	if envelope.ID != id {
		return nil, errors.New(errors.ErrorTypePool, method,
			fmt.Sprintf("response id %d does not match request id %d", envelope.ID, id))
	}
	if envelope.Error != nil {
		return nil, errors.New(errors.ErrorTypePool, method, envelope.Error.Message).
			WithContext("code", envelope.Error.Code)
	}
	if len(envelope.Result) == 0 {
		return nil, errors.New(errors.ErrorTypePool, method, "pool response carries neither result nor error")
	}

	c.logger.LogPoolRequest(method, float64(time.Since(start).Milliseconds()), nil)
	return envelope.Result, nil
}

// parseShareTemplate validates and decodes a get_share_template result.
func parseShareTemplate(raw json.RawMessage) (*ShareTemplate, error) {
	var result shareTemplateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.NewDecode(methodGetShareTemplate, "template result does not decode")
	}

	if result.BlocktemplateBlob == "" {
		return nil, errors.NewValidation(methodGetShareTemplate, "blocktemplate_blob",
			"template is missing required field")
	}
	blob, err := hex.DecodeString(result.BlocktemplateBlob)
	if err != nil {
		return nil, errors.NewDecode(methodGetShareTemplate, "blocktemplate_blob hex does not decode")
	}
	if len(blob) < block.HeaderSize {
		return nil, errors.NewValidation(methodGetShareTemplate, "blocktemplate_blob",
			fmt.Sprintf("template blob is %d bytes, want at least %d", len(blob), block.HeaderSize))
	}

	if result.SeedHash == "" {
		return nil, errors.NewValidation(methodGetShareTemplate, "seed_hash",
			"template is missing required field")
	}
	seedHash, err := chainhash.NewHashFromStr(result.SeedHash)
	if err != nil {
		return nil, errors.NewDecode(methodGetShareTemplate, "seed_hash does not decode")
	}

	// An absent target means the pool imposes no threshold: every hash is
	// a share.
	shareTarget := randomx.MaxTarget
	if result.Target != "" {
		shareTarget, err = randomx.TargetFromHex(result.Target)
		if err != nil {
			return nil, err
		}
	}

	prevHash, err := block.PrevHashFromBytes(blob[:block.HeaderSize])
	if err != nil {
		return nil, err
	}

	return &ShareTemplate{
		HeaderBlob: blob[:block.HeaderSize],
		Height:     result.Height,
		PrevHash:   prevHash,
		SeedHash:   *seedHash,
		Target:     shareTarget,
		Difficulty: result.Difficulty,
	}, nil
}

// parseSubmitResult handles both submit_share result shapes: a bare JSON
// bool (older pools) and a status object.
func parseSubmitResult(raw json.RawMessage) (*SubmitResult, error) {
	var accepted bool
	if err := json.Unmarshal(raw, &accepted); err == nil {
		if accepted {
			return &SubmitResult{Status: StatusAccepted}, nil
		}
		return &SubmitResult{Status: StatusRejected}, nil
	}

	var status submitStatusResult
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, errors.NewDecode(methodSubmitShare, "submit result does not decode")
	}

	switch ShareStatus(status.Status) {
	case StatusAccepted, StatusRejected, StatusStale:
		return &SubmitResult{Status: ShareStatus(status.Status), Message: status.Message}, nil
	default:
		return nil, errors.New(errors.ErrorTypePool, methodSubmitShare,
			fmt.Sprintf("unknown submit status %q", status.Status))
	}
}
