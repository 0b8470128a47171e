package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"splitledger/crypto"
)

var (
	testCreator = crypto.AccountAddress([20]byte{0xC0}).String()
	testAlice   = crypto.AccountAddress([20]byte{0xA1}).String()
	testBob     = crypto.AccountAddress([20]byte{0xB0}).String()
)

type capturedCall struct {
	method      string
	params      map[string]interface{}
	requireAuth bool
}

// stubRPC replaces the RPC transport for the duration of the test and records
// every call. The stub answers with result.
func stubRPC(t *testing.T, result string, rpcErr *rpcError) *[]capturedCall {
	t.Helper()
	calls := &[]capturedCall{}
	original := rpcCall
	rpcCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		call := capturedCall{method: method, requireAuth: requireAuth}
		if params != nil {
			raw, err := json.Marshal(params)
			if err != nil {
				t.Fatalf("marshal params: %v", err)
			}
			if err := json.Unmarshal(raw, &call.params); err != nil {
				t.Fatalf("unmarshal params: %v", err)
			}
		}
		*calls = append(*calls, call)
		return json.RawMessage(result), rpcErr, nil
	}
	originalNow := cliNow
	cliNow = func() time.Time { return time.Unix(1_700_000_000, 0) }
	t.Cleanup(func() {
		rpcCall = original
		cliNow = originalNow
	})
	return calls
}

func TestSplitCommandArgValidation(t *testing.T) {
	calls := stubRPC(t, `{}`, nil)

	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "usage", args: nil, wantErr: "split-cli split <command>"},
		{name: "unknown subcommand", args: []string{"bogus"}, wantErr: "Unknown split subcommand: bogus"},
		{
			name:    "create missing caller",
			args:    []string{"create", "--total", "100", "--participant", testAlice + ":100", "--deadline", "+1h"},
			wantErr: "Error: --caller is required",
		},
		{
			name:    "create without participants",
			args:    []string{"create", "--caller", testCreator, "--total", "100", "--deadline", "+1h"},
			wantErr: "Error: at least one --participant is required",
		},
		{
			name:    "create malformed participant",
			args:    []string{"create", "--caller", testCreator, "--total", "100", "--participant", testAlice},
			wantErr: "participant must be address:share[:asset]",
		},
		{
			name:    "create fractional total",
			args:    []string{"create", "--caller", testCreator, "--total", "1.5", "--participant", testAlice + ":1", "--deadline", "+1h"},
			wantErr: "must be a non-negative integer",
		},
		{
			name:    "create bad deadline",
			args:    []string{"create", "--caller", testCreator, "--total", "1", "--participant", testAlice + ":1", "--deadline", "tomorrow"},
			wantErr: "Error: invalid RFC3339 deadline",
		},
		{name: "get invalid id", args: []string{"get", "--id", "0x12"}, wantErr: "Error: --id must be a positive integer"},
		{name: "get zero id", args: []string{"get", "--id", "0"}, wantErr: "Error: --id must be a positive integer"},
		{name: "deposit missing amount", args: []string{"deposit", "--id", "1", "--caller", testAlice}, wantErr: "Error: amount is required"},
		{name: "release missing caller", args: []string{"release", "--id", "1"}, wantErr: "Error: --caller is required"},
		{name: "extend negative", args: []string{"extend", "--id", "1", "--caller", testCreator, "--deadline", "+-1h"}, wantErr: "deadline duration must be positive"},
		{name: "events bad limit", args: []string{"events", "--limit", "0"}, wantErr: "Error: --limit must be positive"},
		{name: "metadata without entries", args: []string{"metadata", "--id", "1", "--caller", testCreator}, wantErr: "Error: at least one --meta is required"},
		{name: "metadata malformed entry", args: []string{"metadata", "--id", "1", "--caller", testCreator, "--meta", "novalue"}, wantErr: "metadata must be key=value"},
		{name: "positional args", args: []string{"get", "--id", "1", "extra"}, wantErr: "unexpected positional arguments"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := runSplitCommand(tc.args, &stdout, &stderr); code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
			if !strings.Contains(stderr.String(), tc.wantErr) {
				t.Fatalf("expected stderr to contain %q, got %q", tc.wantErr, stderr.String())
			}
		})
	}
	if len(*calls) != 0 {
		t.Fatalf("expected no RPC calls, got %d", len(*calls))
	}
}

func TestSplitCreateBuildsParams(t *testing.T) {
	calls := stubRPC(t, `{"id":1,"status":"active"}`, nil)

	var stdout, stderr bytes.Buffer
	code := runSplitCommand([]string{
		"create",
		"--caller", testCreator,
		"--description", "dinner",
		"--total", "1e3",
		"--participant", testAlice + ":500",
		"--participant", testBob + ":500:EURX",
		"--deadline", "+2d",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr.String())
	}
	if len(*calls) != 1 {
		t.Fatalf("expected one call, got %d", len(*calls))
	}
	call := (*calls)[0]
	if call.method != "split_create" || !call.requireAuth {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.params["totalAmount"] != "1000" {
		t.Fatalf("unexpected total %v", call.params["totalAmount"])
	}
	wantDeadline := float64(1_700_000_000 + 2*24*3600)
	if call.params["deadline"] != wantDeadline {
		t.Fatalf("unexpected deadline %v", call.params["deadline"])
	}
	participants, ok := call.params["participants"].([]interface{})
	if !ok || len(participants) != 2 {
		t.Fatalf("unexpected participants %v", call.params["participants"])
	}
	second := participants[1].(map[string]interface{})
	if second["address"] != testBob || second["share"] != "500" || second["asset"] != "EURX" {
		t.Fatalf("unexpected participant %v", second)
	}
	if _, ok := participants[0].(map[string]interface{})["asset"]; ok {
		t.Fatalf("expected first participant to use the default asset")
	}
	if !strings.Contains(stdout.String(), `"status": "active"`) {
		t.Fatalf("expected indented result, got %q", stdout.String())
	}
}

func TestSplitDepositAndRefundParticipantDefaults(t *testing.T) {
	calls := stubRPC(t, `true`, nil)

	var stdout, stderr bytes.Buffer
	if code := runSplitCommand([]string{"deposit", "--id", "3", "--caller", testAlice, "--amount", "250"}, &stdout, &stderr); code != 0 {
		t.Fatalf("deposit failed: %s", stderr.String())
	}
	if code := runSplitCommand([]string{"refund", "--id", "3", "--caller", testCreator, "--participant", testBob}, &stdout, &stderr); code != 0 {
		t.Fatalf("refund failed: %s", stderr.String())
	}
	deposit := (*calls)[0]
	if deposit.method != "split_deposit" || deposit.params["amount"] != "250" || deposit.params["id"] != float64(3) {
		t.Fatalf("unexpected deposit call %+v", deposit)
	}
	if _, ok := deposit.params["participant"]; ok {
		t.Fatalf("participant should be omitted when not supplied")
	}
	refund := (*calls)[1]
	if refund.method != "split_claimRefund" || refund.params["participant"] != testBob {
		t.Fatalf("unexpected refund call %+v", refund)
	}
}

func TestSplitQueriesAreUnauthenticated(t *testing.T) {
	calls := stubRPC(t, `{}`, nil)

	var stdout, stderr bytes.Buffer
	for _, args := range [][]string{
		{"get", "--id", "1"},
		{"funded", "--id", "1"},
		{"stats"},
		{"events", "--after", "10", "--limit", "5"},
	} {
		if code := runSplitCommand(args, &stdout, &stderr); code != 0 {
			t.Fatalf("%v failed: %s", args, stderr.String())
		}
	}
	wantMethods := []string{"split_get", "split_isFullyFunded", "split_getStats", "split_listEvents"}
	for i, call := range *calls {
		if call.method != wantMethods[i] {
			t.Fatalf("call %d: expected %s, got %s", i, wantMethods[i], call.method)
		}
		if call.requireAuth {
			t.Fatalf("%s should not require auth", call.method)
		}
	}
	if (*calls)[3].params["after"] != float64(10) || (*calls)[3].params["limit"] != float64(5) {
		t.Fatalf("unexpected events params %v", (*calls)[3].params)
	}
}

func TestSplitCommandReportsRPCError(t *testing.T) {
	stubRPC(t, ``, &rpcError{Code: -32024, Message: "conflict", Data: json.RawMessage(`"split is not active"`)})

	var stdout, stderr bytes.Buffer
	code := runSplitCommand([]string{"cancel", "--id", "1", "--caller", testCreator}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected failure exit code, got %d", code)
	}
	if !strings.Contains(stderr.String(), "RPC error -32024: conflict") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
	if !strings.Contains(stderr.String(), "split is not active") {
		t.Fatalf("expected error data in stderr, got %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected empty stdout, got %q", stdout.String())
	}
}

func TestNormalizeAmount(t *testing.T) {
	cases := map[string]string{
		"0":      "0",
		"000":    "0",
		"42":     "42",
		"1_000":  "1000",
		"5e6":    "5000000",
		"0012E2": "1200",
		"0e9":    "0",
	}
	for input, want := range cases {
		got, err := normalizeAmount(input)
		if err != nil {
			t.Fatalf("normalizeAmount(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("normalizeAmount(%q) = %q, want %q", input, got, want)
		}
	}
	for _, bad := range []string{"", "-1", "1.5", "1e-2", "abc", "e5"} {
		if _, err := normalizeAmount(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseDeadline(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	got, err := parseDeadline("+90m", now)
	if err != nil || got != now.Add(90*time.Minute).Unix() {
		t.Fatalf("unexpected relative deadline %d (%v)", got, err)
	}
	got, err = parseDeadline("2024-01-02T03:04:05Z", now)
	if err != nil || got != time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Unix() {
		t.Fatalf("unexpected absolute deadline %d (%v)", got, err)
	}
	if _, err := parseDeadline("+xd", now); err == nil {
		t.Fatalf("expected invalid day duration error")
	}
}

func TestSplitMetadataCommands(t *testing.T) {
	calls := stubRPC(t, `{"id":1}`, nil)

	var stdout, stderr bytes.Buffer
	code := runSplitCommand([]string{
		"create",
		"--caller", testCreator,
		"--total", "10",
		"--participant", testAlice + ":10",
		"--deadline", "+1h",
		"--meta", "invoice=INV-4",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("create failed: %s", stderr.String())
	}
	md, ok := (*calls)[0].params["metadata"].(map[string]interface{})
	if !ok || md["invoice"] != "INV-4" {
		t.Fatalf("unexpected create metadata %v", (*calls)[0].params["metadata"])
	}

	code = runSplitCommand([]string{
		"metadata", "--id", "1", "--caller", testCreator,
		"--meta", "invoice=INV-5", "--meta", "table=",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("metadata failed: %s", stderr.String())
	}
	update := (*calls)[1]
	if update.method != "split_updateMetadata" || !update.requireAuth {
		t.Fatalf("unexpected call %+v", update)
	}
	md = update.params["metadata"].(map[string]interface{})
	if md["invoice"] != "INV-5" || md["table"] != "" {
		t.Fatalf("unexpected update metadata %v", md)
	}
}
