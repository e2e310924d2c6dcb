package rpcserver

import (
	"encoding/json"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"

	"github.com/junocash/jmined/internal/auxpow"
	"github.com/junocash/jmined/pkg/errors"
)

// JSON-RPC error codes. Standard JSON-RPC 2.0 codes for envelope problems,
// node-style codes for application failures.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601

	codeMiscError        = -1
	codeInvalidParameter = -8
	codeNotSynced        = -10
	codeDeserialization  = -22
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// auxPowRequest is the add_aux_pow parameter object. Aux entries carry the
// aux chain's id and block hash as 64-hex strings.
type auxPowRequest struct {
	BlocktemplateBlob string `json:"blocktemplate_blob"`
	AuxPow            []struct {
		ID   string `json:"id"`
		Hash string `json:"hash"`
	} `json:"aux_pow"`
}

func (s *Server) handleRPC(c *gin.Context) {
	var req rpcRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error"},
		})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	var result interface{}
	var err error

	switch req.Method {
	case "getminerdata":
		result, err = s.service.GetMinerData(c.Request.Context())
	case "calc_pow":
		result, err = s.calcPow(c, req.Params)
	case "add_aux_pow":
		result, err = s.addAuxPow(c, req.Params)
	case "":
		resp.Error = &rpcError{Code: codeInvalidRequest, Message: "missing method"}
		c.JSON(http.StatusOK, resp)
		return
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
		c.JSON(http.StatusOK, resp)
		return
	}

	if err != nil {
		s.logger.Warn("RPC request failed", "method", req.Method, "error", err)
		resp.Error = mapError(err)
	} else {
		resp.Result = result
	}
	c.JSON(http.StatusOK, resp)
}

// calcPow handles positional params: [header_hex] or [header_hex, seed_hash].
func (s *Server) calcPow(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var args []string
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, errors.NewValidation("calc_pow", "params",
				"expected positional array [header_hex, seed_hash]")
		}
	}
	if len(args) > 2 {
		return nil, errors.NewValidation("calc_pow", "params",
			"too many arguments, expected [header_hex, seed_hash]")
	}

	blobHex := ""
	seedHex := ""
	if len(args) > 0 {
		blobHex = args[0]
	}
	if len(args) > 1 {
		seedHex = args[1]
	}

	return s.service.CalcPow(c.Request.Context(), blobHex, seedHex)
}

// addAuxPow handles either a bare parameter object or a one-element
// positional array holding it.
func (s *Server) addAuxPow(c *gin.Context, params json.RawMessage) (interface{}, error) {
	req, err := parseAuxPowParams(params)
	if err != nil {
		return nil, err
	}

	entries := make([]auxpow.Entry, 0, len(req.AuxPow))
	for _, raw := range req.AuxPow {
		id, err := chainhash.NewHashFromStr(raw.ID)
		if err != nil {
			return nil, errors.NewValidation("add_aux_pow", "aux_pow",
				"entry id is not a valid hash: "+raw.ID)
		}
		hash, err := chainhash.NewHashFromStr(raw.Hash)
		if err != nil {
			return nil, errors.NewValidation("add_aux_pow", "aux_pow",
				"entry hash is not a valid hash: "+raw.Hash)
		}
		entries = append(entries, auxpow.Entry{ChainID: *id, Hash: *hash})
	}

	return s.service.AddAuxPow(c.Request.Context(), req.BlocktemplateBlob, entries)
}

func parseAuxPowParams(params json.RawMessage) (*auxPowRequest, error) {
	if len(params) == 0 {
		return nil, errors.NewValidation("add_aux_pow", "blocktemplate_blob",
			"request is missing required field")
	}

	var req auxPowRequest
	if err := json.Unmarshal(params, &req); err == nil {
		return &req, nil
	}

	var wrapped []auxPowRequest
	if err := json.Unmarshal(params, &wrapped); err == nil && len(wrapped) == 1 {
		return &wrapped[0], nil
	}

	return nil, errors.NewValidation("add_aux_pow", "params",
		"expected a parameter object with blocktemplate_blob and aux_pow")
}

// mapError translates a service failure into a JSON-RPC error. The message
// keeps the field name or decode marker so callers can pattern-match.
func mapError(err error) *rpcError {
	code := codeMiscError
	switch {
	case errors.IsType(err, errors.ErrorTypeValidation):
		code = codeInvalidParameter
	case errors.IsType(err, errors.ErrorTypeDecode):
		code = codeDeserialization
	case errors.IsSeedUnavailable(err):
		code = codeNotSynced
	}

	msg := err.Error()
	if se, ok := err.(*errors.ServiceError); ok {
		msg = se.Message
	}
	return &rpcError{Code: code, Message: msg}
}
