package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"splitledger/core"
	"splitledger/core/genesis"
	"splitledger/storage"
)

const (
	testToken = "test-token"
	testNow   = int64(1_700_000_000)
)

func fillAddr(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

var (
	adminAddr   = fillAddr(0xAD)
	creatorAddr = fillAddr(0xC0)
	aliceAddr   = fillAddr(0x0A)
	bobAddr     = fillAddr(0x0B)
	outsider    = fillAddr(0xEE)
	usdAsset    = fillAddr(0x51)
	eurAsset    = fillAddr(0x52)
)

type testEnv struct {
	server *Server
	ledger *core.Ledger
	now    int64
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, ServerConfig{AuthToken: testToken, RateLimitPerMinute: 6000, RateLimitBurst: 100})
}

func newTestEnvWithConfig(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	env := &testEnv{now: testNow}
	env.ledger = core.NewLedger(storage.NewMemDB(), 0)
	env.ledger.SetNowFunc(func() int64 { return env.now })
	spec := &genesis.Spec{
		Admin:        adminAddr,
		DefaultAsset: usdAsset,
		Tokens: []genesis.Token{
			{Address: usdAsset, Symbol: "USDX", Name: "Split Dollar", Decimals: 6, Allocations: []genesis.Allocation{
				{Account: aliceAddr, Amount: big.NewInt(1_000)},
				{Account: bobAddr, Amount: big.NewInt(1_000)},
			}},
			{Address: eurAsset, Symbol: "EURX", Name: "Split Euro", Decimals: 6, Allocations: []genesis.Allocation{
				{Account: bobAddr, Amount: big.NewInt(1_000)},
			}},
		},
	}
	if _, err := env.ledger.ApplyGenesis(context.Background(), spec); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	env.server = NewServer(env.ledger, cfg)
	return env
}

func (e *testEnv) newRequest() *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", nil)
}

// call sends a full JSON-RPC request through ServeHTTP.
func (e *testEnv) call(t *testing.T, token string, method string, param interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": jsonRPCVersion, "id": 1, "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Result, resp.Error
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	result, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %+v", rpcErr)
	}
	if err := json.Unmarshal(result, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func createPayload(assets ...string) map[string]interface{} {
	participants := []map[string]interface{}{
		{"address": formatAccount(aliceAddr), "share": "500"},
		{"address": formatAccount(bobAddr), "share": "500"},
	}
	for i, asset := range assets {
		if i < len(participants) {
			participants[i]["asset"] = asset
		}
	}
	return map[string]interface{}{
		"caller":       formatAccount(creatorAddr),
		"description":  "team dinner",
		"totalAmount":  "1000",
		"participants": participants,
		"deadline":     testNow + 3600,
	}
}

func (e *testEnv) mustCreate(t *testing.T, assets ...string) uint64 {
	t.Helper()
	var created createResult
	decodeResult(t, e.call(t, testToken, "split_create", createPayload(assets...)), &created)
	if created.ID == 0 {
		t.Fatalf("expected non-zero split id")
	}
	return created.ID
}
