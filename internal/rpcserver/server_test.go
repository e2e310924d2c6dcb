package rpcserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/junocash/jmined/internal/auxpow"
	"github.com/junocash/jmined/internal/block"
	"github.com/junocash/jmined/internal/chain"
	"github.com/junocash/jmined/internal/miner"
	"github.com/junocash/jmined/internal/minerdata"
	"github.com/junocash/jmined/internal/process"
	"github.com/junocash/jmined/internal/randomx"
	"github.com/junocash/jmined/pkg/log"
)

type stubChain struct {
	tip     chain.TipStatus
	heights map[chainhash.Hash]int64
}

func (s *stubChain) BestBlock(_ context.Context) (chain.TipStatus, error) {
	return s.tip, nil
}

func (s *stubChain) BlockHashAtHeight(_ context.Context, _ int64) (chainhash.Hash, bool, error) {
	return chainhash.Hash{}, false, nil
}

func (s *stubChain) BlockHeight(_ context.Context, hash chainhash.Hash) (int64, bool, error) {
	h, ok := s.heights[hash]
	return h, ok, nil
}

func (s *stubChain) MempoolTxIDs(_ context.Context) ([]chainhash.Hash, error) {
	return nil, nil
}

func (s *stubChain) SubmitBlock(_ context.Context, _ string) error {
	return nil
}

var _ chain.Source = (*stubChain)(nil)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	var tipHash chainhash.Hash
	tipHash[0] = 0xaa

	source := &stubChain{
		tip: chain.TipStatus{
			Height:     41,
			Hash:       tipHash,
			Version:    4,
			Bits:       0x1e0fffff,
			Difficulty: 1.0,
			MedianTime: 1724800000,
		},
		heights: map[chainhash.Hash]int64{tipHash: 41},
	}

	engine, err := randomx.NewEngine(randomx.ModeLight)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	logger := log.New("jmined-test", "dev", "error", "text")
	svc := minerdata.NewService(source,
		randomx.NewSeedManager(source, nil),
		engine,
		auxpow.NewAggregator(nil),
		logger)

	return New(DefaultConfig(), svc, logger)
}

func rpcCall(t *testing.T, handler http.Handler, method string, params interface{}) *rpcResponse {
	t.Helper()

	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal request failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("HTTP status = %d, want 200", rec.Code)
	}

	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal response failed: %v", err)
	}
	return &resp
}

func TestGetMinerData(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	resp := rpcCall(t, router, "getminerdata", nil)
	if resp.Error != nil {
		t.Fatalf("getminerdata failed: %+v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var data struct {
		Version           int32    `json:"version"`
		Height            int64    `json:"height"`
		PrevHash          string   `json:"prevhash"`
		RandomXSeedHeight int64    `json:"randomxseedheight"`
		RandomXSeedHash   string   `json:"randomxseedhash"`
		Bits              string   `json:"bits"`
		TxBacklog         []string `json:"tx_backlog"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("Result does not decode: %v", err)
	}

	if data.Height != 42 {
		t.Errorf("height = %d, want tip+1 = 42", data.Height)
	}
	if data.RandomXSeedHeight != 0 {
		t.Errorf("randomxseedheight = %d, want 0 for genesis epoch", data.RandomXSeedHeight)
	}
	if !strings.HasSuffix(data.RandomXSeedHash, "08") {
		t.Errorf("Genesis epoch seed %q should end with 08", data.RandomXSeedHash)
	}
	if data.Bits != "1e0fffff" {
		t.Errorf("bits = %q, want 1e0fffff", data.Bits)
	}
}

func TestCalcPow_WithExplicitSeed(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	headerHex := strings.Repeat("00", block.HeaderSize)
	resp := rpcCall(t, router, "calc_pow",
		[]string{headerHex, randomx.GenesisSeedHash.String()})
	if resp.Error != nil {
		t.Fatalf("calc_pow failed: %+v", resp.Error)
	}

	powHex, ok := resp.Result.(string)
	if !ok {
		t.Fatalf("Result type = %T, want string", resp.Result)
	}
	if len(powHex) != 64 {
		t.Errorf("PoW hash hex length = %d, want 64", len(powHex))
	}
}

func TestCalcPow_MissingHeader(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	resp := rpcCall(t, router, "calc_pow", []string{})
	if resp.Error == nil {
		t.Fatal("Expected error for missing header")
	}
	if resp.Error.Code != codeInvalidParameter {
		t.Errorf("Error code = %d, want %d", resp.Error.Code, codeInvalidParameter)
	}
	if !strings.Contains(resp.Error.Message, "blocktemplate_blob") {
		t.Errorf("Error %q should name blocktemplate_blob", resp.Error.Message)
	}
}

func TestCalcPow_BadHex(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	resp := rpcCall(t, router, "calc_pow", []string{strings.Repeat("zz", block.HeaderSize)})
	if resp.Error == nil {
		t.Fatal("Expected error for non-hex header")
	}
	if resp.Error.Code != codeDeserialization {
		t.Errorf("Error code = %d, want %d", resp.Error.Code, codeDeserialization)
	}
	lower := strings.ToLower(resp.Error.Message)
	if !strings.Contains(lower, "decode") && !strings.Contains(lower, "deserialize") {
		t.Errorf("Error %q should carry a decode marker", resp.Error.Message)
	}
}

func TestAddAuxPow_EmptyRequest(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	resp := rpcCall(t, router, "add_aux_pow", map[string]interface{}{})
	if resp.Error == nil {
		t.Fatal("Expected error for empty request")
	}
	if !strings.Contains(resp.Error.Message, "blocktemplate_blob") {
		t.Errorf("Error %q should name blocktemplate_blob", resp.Error.Message)
	}
}

func TestAddAuxPow_EmptyAuxList(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	resp := rpcCall(t, router, "add_aux_pow", map[string]interface{}{
		"blocktemplate_blob": strings.Repeat("00", block.HeaderSize),
		"aux_pow":            []interface{}{},
	})
	if resp.Error == nil {
		t.Fatal("Expected error for empty aux_pow")
	}
	if !strings.Contains(resp.Error.Message, "aux_pow") {
		t.Errorf("Error %q should name aux_pow", resp.Error.Message)
	}
}

func TestAddAuxPow_EmbedsRoot(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	resp := rpcCall(t, router, "add_aux_pow", map[string]interface{}{
		"blocktemplate_blob": strings.Repeat("00", block.HeaderSize) + "00",
		"aux_pow": []map[string]string{
			{"id": strings.Repeat("11", 32), "hash": strings.Repeat("22", 32)},
		},
	})
	if resp.Error != nil {
		t.Fatalf("add_aux_pow failed: %+v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var result struct {
		BlocktemplateBlob string `json:"blocktemplate_blob"`
		AuxMerkleRoot     string `json:"aux_merkle_root"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("Result does not decode: %v", err)
	}

	merged, err := hex.DecodeString(result.BlocktemplateBlob)
	if err != nil {
		t.Fatalf("Merged blob is not hex: %v", err)
	}
	blk, err := block.Decode(merged)
	if err != nil {
		t.Fatalf("Merged blob does not decode: %v", err)
	}
	if blk.Header.Reserved.String() != result.AuxMerkleRoot {
		t.Error("Embedded root does not match reported aux merkle root")
	}
}

func TestAddAuxPow_MalformedBlob(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	// A blob that is valid hex but not a valid block must fail at block
	// decode with the deserialization code, not as a bad parameter
	resp := rpcCall(t, router, "add_aux_pow", map[string]interface{}{
		"blocktemplate_blob": strings.Repeat("00", 200),
		"aux_pow": []map[string]string{
			{"id": strings.Repeat("11", 32), "hash": strings.Repeat("22", 32)},
		},
	})
	if resp.Error == nil {
		t.Fatal("Expected error for malformed block blob")
	}
	if resp.Error.Code != codeDeserialization {
		t.Errorf("Error code = %d, want %d", resp.Error.Code, codeDeserialization)
	}
	lower := strings.ToLower(resp.Error.Message)
	if !strings.Contains(lower, "decode") && !strings.Contains(lower, "deserialize") {
		t.Errorf("Error %q should carry a decode marker", resp.Error.Message)
	}
}

func TestRPC_MethodNotFound(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	resp := rpcCall(t, router, "getblocktemplate", nil)
	if resp.Error == nil {
		t.Fatal("Expected method-not-found error")
	}
	if resp.Error.Code != codeMethodNotFound {
		t.Errorf("Error code = %d, want %d", resp.Error.Code, codeMethodNotFound)
	}
}

func TestRPC_ParseError(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal response failed: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Errorf("Expected parse error, got %+v", resp.Error)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	t.Run("no probe", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("Status = %d, want 200", rec.Code)
		}
	})

	t.Run("failing probe", func(t *testing.T) {
		srv.WithHealthCheck(func(_ context.Context) error {
			return fmt.Errorf("postgres down")
		})
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("Status = %d, want 503", rec.Code)
		}
	})
}

type fixedStats struct {
	stats miner.Stats
}

func (f *fixedStats) Stats() miner.Stats {
	return f.stats
}

func TestStats(t *testing.T) {
	srv := newTestServer(t)
	srv.WithMinerStats(&fixedStats{stats: miner.Stats{
		State:          miner.StateHashing,
		TemplateHeight: 42,
		SharesAccepted: 3,
	}})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rec.Code)
	}

	var body struct {
		Miner struct {
			State          string `json:"state"`
			TemplateHeight int64  `json:"template_height"`
			SharesAccepted uint64 `json:"shares_accepted"`
		} `json:"miner"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal stats failed: %v", err)
	}
	if body.Miner.State != "hashing" {
		t.Errorf("state = %q, want hashing", body.Miner.State)
	}
	if body.Miner.TemplateHeight != 42 || body.Miner.SharesAccepted != 3 {
		t.Errorf("Unexpected miner stats: %+v", body.Miner)
	}
}

type fixedPoolStatus struct {
	status process.PoolStatus
}

func (f *fixedPoolStatus) GetStatus(_ context.Context) process.PoolStatus {
	return f.status
}

func TestStats_IncludesPoolStatus(t *testing.T) {
	srv := newTestServer(t)
	srv.WithPoolStatus(&fixedPoolStatus{status: process.PoolStatus{
		Connected:       true,
		ConnectedMiners: 4,
		PoolHashrate:    1200,
		EffortPercent:   95.5,
	}})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rec.Code)
	}

	var body struct {
		P2Pool process.PoolStatus `json:"p2pool"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal stats failed: %v", err)
	}
	if !body.P2Pool.Connected || body.P2Pool.ConnectedMiners != 4 {
		t.Errorf("Unexpected p2pool status: %+v", body.P2Pool)
	}
	if body.P2Pool.PoolHashrate != 1200 || body.P2Pool.EffortPercent != 95.5 {
		t.Errorf("Unexpected p2pool rates: %+v", body.P2Pool)
	}
}
