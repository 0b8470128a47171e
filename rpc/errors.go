package rpc

import (
	"errors"
	"net/http"

	"splitledger/core"
	"splitledger/native/bank"
	"splitledger/native/escrow"
)

const (
	codeSplitInvalidParams = -32021
	codeSplitNotFound      = -32022
	codeSplitForbidden     = -32023
	codeSplitConflict      = -32024
	codeSplitInternal      = -32025
	codeSplitTransfer      = -32026
)

// writeLedgerError maps a failed ledger call onto a JSON-RPC error using the
// escrow error taxonomy.
func writeLedgerError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status, code, message := classifyLedgerError(err)
	writeError(w, status, id, code, message, err.Error())
}

func classifyLedgerError(err error) (int, int, string) {
	if errors.Is(err, core.ErrTokenNotFound) || errors.Is(err, bank.ErrUnknownAsset) {
		return http.StatusNotFound, codeSplitNotFound, "not_found"
	}
	switch escrow.Classify(err) {
	case escrow.CategoryValidation:
		return http.StatusBadRequest, codeSplitInvalidParams, "invalid_params"
	case escrow.CategoryNotFound:
		return http.StatusNotFound, codeSplitNotFound, "not_found"
	case escrow.CategoryAuthorization:
		return http.StatusForbidden, codeSplitForbidden, "forbidden"
	case escrow.CategoryStateConflict:
		return http.StatusConflict, codeSplitConflict, "conflict"
	case escrow.CategoryTransfer:
		return http.StatusUnprocessableEntity, codeSplitTransfer, "transfer_failed"
	default:
		return http.StatusInternalServerError, codeSplitInternal, "internal_error"
	}
}

func writeInvalidParams(w http.ResponseWriter, id interface{}, err error) {
	writeError(w, http.StatusBadRequest, id, codeSplitInvalidParams, "invalid_params", err.Error())
}
