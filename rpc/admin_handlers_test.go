package rpc

import (
	"net/http"
	"testing"
)

func TestGetAdminAfterGenesis(t *testing.T) {
	env := newTestEnv(t)
	var result adminResult
	decodeResult(t, env.call(t, "", "split_getAdmin", nil), &result)
	if result.Admin != formatAccount(adminAddr) {
		t.Fatalf("expected admin %s got %s", formatAccount(adminAddr), result.Admin)
	}
	if result.DefaultAsset != formatAsset(usdAsset) {
		t.Fatalf("expected default asset %s got %s", formatAsset(usdAsset), result.DefaultAsset)
	}
}

func TestInitializeTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	rec := env.call(t, testToken, "split_initialize", map[string]interface{}{
		"caller":       formatAccount(adminAddr),
		"admin":        formatAccount(adminAddr),
		"defaultAsset": "USDX",
	})
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeSplitConflict {
		t.Fatalf("expected conflict, got %+v", rpcErr)
	}
}

func TestAssetAllowlistRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	rec := env.call(t, testToken, "split_addApprovedAsset", map[string]interface{}{
		"caller": formatAccount(outsider),
		"asset":  "EURX",
	})
	if _, rpcErr := decodeRPCResponse(t, rec); rpcErr == nil || rpcErr.Code != codeSplitForbidden {
		t.Fatalf("expected forbidden, got %+v", rpcErr)
	}

	decodeResult(t, env.call(t, testToken, "split_addApprovedAsset", map[string]interface{}{
		"caller": formatAccount(adminAddr),
		"asset":  formatAsset(eurAsset),
	}), &boolResult{})

	var approved boolResult
	decodeResult(t, env.call(t, "", "split_isAssetApproved", map[string]interface{}{"asset": "EURX"}), &approved)
	if !approved.Value {
		t.Fatalf("expected EURX to be approved")
	}
	var assets []string
	decodeResult(t, env.call(t, "", "split_listApprovedAssets", nil), &assets)
	if len(assets) != 2 {
		t.Fatalf("expected two approved assets, got %v", assets)
	}

	decodeResult(t, env.call(t, testToken, "split_removeApprovedAsset", map[string]interface{}{
		"caller": formatAccount(adminAddr),
		"asset":  "EURX",
	}), &boolResult{})
	decodeResult(t, env.call(t, "", "split_isAssetApproved", map[string]interface{}{"asset": "EURX"}), &approved)
	if approved.Value {
		t.Fatalf("expected EURX to be revoked")
	}
}

func TestTogglePauseBlocksCreation(t *testing.T) {
	env := newTestEnv(t)
	var paused pauseResult
	decodeResult(t, env.call(t, testToken, "split_togglePause", map[string]interface{}{
		"caller": formatAccount(adminAddr),
	}), &paused)
	if !paused.Paused {
		t.Fatalf("expected ledger to be paused")
	}

	rec := env.call(t, testToken, "split_create", createPayload())
	if _, rpcErr := decodeRPCResponse(t, rec); rpcErr == nil || rpcErr.Code != codeSplitConflict {
		t.Fatalf("expected paused conflict, got %+v", rpcErr)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}

	var stats statsJSON
	decodeResult(t, env.call(t, "", "split_getStats", nil), &stats)
	if !stats.Paused || stats.TotalCreated != 0 {
		t.Fatalf("unexpected stats while paused: %+v", stats)
	}

	decodeResult(t, env.call(t, testToken, "split_togglePause", map[string]interface{}{
		"caller": formatAccount(adminAddr),
	}), &paused)
	if paused.Paused {
		t.Fatalf("expected ledger to be resumed")
	}
	env.mustCreate(t)
}
