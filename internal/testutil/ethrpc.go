package testutil

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// MockTrace is one record returned by the mock node's trace_filter.
type MockTrace struct {
	To          string
	BlockNumber uint64
	TxHash      string
	TxPosition  uint64
	Error       string
}

// MockNode is an archive node stand-in that answers eth_blockNumber,
// eth_getBlockByNumber, trace_filter and eth_call.
//
// Fields may be changed between requests but not while one is in flight.
type MockNode struct {
	Server *httptest.Server

	// Head is returned by eth_blockNumber.
	Head uint64

	// Traces are filtered by toAddress and block range on every trace_filter.
	Traces []MockTrace

	// Call answers eth_call. It receives the lowercase target, the calldata
	// and the block number.
	Call func(to string, data []byte, block uint64) ([]byte, error)

	// FailNext makes the next n requests for a method return HTTP 503.
	FailNext map[string]int

	mu    sync.Mutex
	calls map[string]int
	last  map[string]json.RawMessage
}

// BlockTimestamp is the header timestamp the mock node reports for a block.
func BlockTimestamp(number uint64) uint64 {
	return 1700000000 + number*12
}

// StartMockNode starts a MockNode and registers its shutdown with t.Cleanup.
func StartMockNode(t *testing.T) *MockNode {
	t.Helper()

	n := &MockNode{
		FailNext: make(map[string]int),
		calls:    make(map[string]int),
		last:     make(map[string]json.RawMessage),
	}
	n.Server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.Server.Close)
	return n
}

// URL returns the node's endpoint.
func (n *MockNode) URL() string {
	return n.Server.URL
}

// Calls returns how many times method was requested.
func (n *MockNode) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// LastParams returns the params of the most recent request for method.
func (n *MockNode) LastParams(method string) json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last[method]
}

func (n *MockNode) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteRPCError(w, json.RawMessage(`1`), -32700, "parse error")
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	n.last[req.Method] = req.Params
	fail := n.FailNext[req.Method] > 0
	if fail {
		n.FailNext[req.Method]--
	}
	n.mu.Unlock()

	if fail {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	switch req.Method {
	case "eth_blockNumber":
		WriteRPCResult(w, req.ID, mustJSON(fmt.Sprintf("0x%x", n.Head)))

	case "eth_getBlockByNumber":
		var p []json.RawMessage
		_ = json.Unmarshal(req.Params, &p)
		block := parseHexParam(p, 0)
		if block > n.Head {
			WriteRPCResult(w, req.ID, json.RawMessage(`null`))
			return
		}
		writeBlockHeaderResponse(w, req.ID, block)

	case "trace_filter":
		n.writeTraces(w, req)

	case "eth_call":
		n.writeCall(w, req)

	default:
		WriteRPCError(w, req.ID, -32601, "method not found: "+req.Method)
	}
}

func (n *MockNode) writeTraces(w http.ResponseWriter, req JSONRPCRequest) {
	var p []struct {
		FromBlock string   `json:"fromBlock"`
		ToBlock   string   `json:"toBlock"`
		ToAddress []string `json:"toAddress"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || len(p) != 1 {
		WriteRPCError(w, req.ID, -32602, "invalid params")
		return
	}
	from := parseHex(p[0].FromBlock)
	to := parseHex(p[0].ToBlock)
	targets := make(map[string]bool)
	for _, a := range p[0].ToAddress {
		targets[strings.ToLower(a)] = true
	}

	out := make([]map[string]any, 0)
	for _, tr := range n.Traces {
		if !targets[strings.ToLower(tr.To)] || tr.BlockNumber < from || tr.BlockNumber > to {
			continue
		}
		rec := map[string]any{
			"action": map[string]any{
				"callType": "call",
				"to":       strings.ToLower(tr.To),
				"input":    "0x",
			},
			"blockNumber":         tr.BlockNumber,
			"blockHash":           fmt.Sprintf("0x%064x", tr.BlockNumber),
			"transactionHash":     tr.TxHash,
			"transactionPosition": tr.TxPosition,
			"traceAddress":        []int{},
			"subtraces":           0,
			"type":                "call",
		}
		if tr.Error != "" {
			rec["error"] = tr.Error
		}
		out = append(out, rec)
	}
	WriteRPCResult(w, req.ID, mustJSON(out))
}

func (n *MockNode) writeCall(w http.ResponseWriter, req JSONRPCRequest) {
	var p []json.RawMessage
	if err := json.Unmarshal(req.Params, &p); err != nil || len(p) < 2 {
		WriteRPCError(w, req.ID, -32602, "invalid params")
		return
	}
	var msg map[string]string
	if err := json.Unmarshal(p[0], &msg); err != nil {
		WriteRPCError(w, req.ID, -32602, "invalid call object")
		return
	}
	// go-ethereum may use "data" or "input" for the calldata field
	dataHex := msg["input"]
	if dataHex == "" {
		dataHex = msg["data"]
	}
	data, _ := hex.DecodeString(strings.TrimPrefix(dataHex, "0x"))
	block := parseHexParam(p, 1)

	if n.Call == nil {
		WriteRPCError(w, req.ID, -32000, "no call handler")
		return
	}
	ret, err := n.Call(strings.ToLower(msg["to"]), data, block)
	if err != nil {
		WriteRPCError(w, req.ID, 3, err.Error())
		return
	}
	WriteRPCResult(w, req.ID, mustJSON("0x"+hex.EncodeToString(ret)))
}

// WriteRPCResult writes a JSON-RPC success response.
func WriteRPCResult(w http.ResponseWriter, id, result json.RawMessage) {
	_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      id,
		"result":  result,
	})
}

// WriteRPCError writes a JSON-RPC error response.
func WriteRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	errJSON, _ := json.Marshal(map[string]any{"code": code, "message": message})
	_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      id,
		"error":   json.RawMessage(errJSON),
	})
}

func writeBlockHeaderResponse(w http.ResponseWriter, id json.RawMessage, blockNum uint64) {
	header := map[string]string{
		"parentHash":       fmt.Sprintf("0x%064x", blockNum),
		"sha3Uncles":       "0x1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347",
		"miner":            "0x0000000000000000000000000000000000000000",
		"stateRoot":        "0x0000000000000000000000000000000000000000000000000000000000000000",
		"transactionsRoot": "0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
		"receiptsRoot":     "0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421",
		"logsBloom":        "0x" + strings.Repeat("0", 512),
		"difficulty":       "0x0",
		"number":           fmt.Sprintf("0x%x", blockNum),
		"gasLimit":         "0x1c9c380",
		"gasUsed":          "0x0",
		"timestamp":        fmt.Sprintf("0x%x", BlockTimestamp(blockNum)),
		"extraData":        "0x",
		"mixHash":          "0x0000000000000000000000000000000000000000000000000000000000000000",
		"nonce":            "0x0000000000000000",
		"baseFeePerGas":    "0x0",
	}
	WriteRPCResult(w, id, mustJSON(header))
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func parseHexParam(p []json.RawMessage, i int) uint64 {
	if len(p) <= i {
		return 0
	}
	var s string
	if err := json.Unmarshal(p[i], &s); err != nil {
		return 0
	}
	return parseHex(s)
}

func parseHex(s string) uint64 {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return v
}
