package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"splitledger/crypto"
	"splitledger/native/escrow"
)

const maxEventPage = 500

func (s *Server) resolveAsset(ctx context.Context, value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return s.ledger.DefaultAsset(ctx)
	}
	if addr, err := crypto.ParseAddress(trimmed, crypto.AssetPrefix); err == nil {
		return addr, nil
	}
	tokens, err := s.ledger.Tokens(ctx)
	if err != nil {
		return [20]byte{}, err
	}
	symbol := strings.ToUpper(trimmed)
	for _, token := range tokens {
		if token.Symbol == symbol {
			return token.Address, nil
		}
	}
	return [20]byte{}, fmt.Errorf("unknown asset %q", value)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params createParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAccount(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("caller: %w", err))
		return
	}
	total, err := parseAmount(params.TotalAmount)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("totalAmount: %w", err))
		return
	}
	create := escrow.CreateParams{
		Creator:     caller,
		Description: params.Description,
		TotalAmount: total,
		Deadline:    params.Deadline,
		Metadata:    params.Metadata,
	}
	for i, p := range params.Participants {
		addr, err := parseAccount(p.Address)
		if err != nil {
			writeInvalidParams(w, req.ID, fmt.Errorf("participants[%d]: %w", i, err))
			return
		}
		share, err := parseAmount(p.Share)
		if err != nil {
			writeInvalidParams(w, req.ID, fmt.Errorf("participants[%d]: %w", i, err))
			return
		}
		asset, err := s.resolveAsset(r.Context(), p.Asset)
		if err != nil {
			if errors.Is(err, escrow.ErrNotInitialized) {
				writeLedgerError(w, req.ID, err)
				return
			}
			writeInvalidParams(w, req.ID, fmt.Errorf("participants[%d]: %w", i, err))
			return
		}
		create.Participants = append(create.Participants, addr)
		create.Shares = append(create.Shares, share)
		create.Assets = append(create.Assets, asset)
	}
	id, err := s.ledger.CreateSplit(r.Context(), caller, create)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, createResult{ID: id})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params depositParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAccount(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("caller: %w", err))
		return
	}
	participant := caller
	if strings.TrimSpace(params.Participant) != "" {
		if participant, err = parseAccount(params.Participant); err != nil {
			writeInvalidParams(w, req.ID, fmt.Errorf("participant: %w", err))
			return
		}
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	split, err := s.ledger.Deposit(r.Context(), caller, params.ID, participant, amount)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSplitJSON(split))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params splitActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAccount(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("caller: %w", err))
		return
	}
	settlement, err := s.ledger.ReleaseFunds(r.Context(), caller, params.ID)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSettlementJSON(settlement))
}

func (s *Server) handleClaimRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params refundParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAccount(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("caller: %w", err))
		return
	}
	participant := caller
	if strings.TrimSpace(params.Participant) != "" {
		if participant, err = parseAccount(params.Participant); err != nil {
			writeInvalidParams(w, req.ID, fmt.Errorf("participant: %w", err))
			return
		}
	}
	amount, err := s.ledger.ClaimRefund(r.Context(), caller, params.ID, participant)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, refundResult{Amount: amountString(amount)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params splitActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAccount(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("caller: %w", err))
		return
	}
	split, err := s.ledger.CancelSplit(r.Context(), caller, params.ID)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSplitJSON(split))
}

func (s *Server) handleExtendDeadline(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params extendParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAccount(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("caller: %w", err))
		return
	}
	split, err := s.ledger.ExtendDeadline(r.Context(), caller, params.ID, params.Deadline)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSplitJSON(split))
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params metadataParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAccount(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("caller: %w", err))
		return
	}
	if len(params.Metadata) == 0 {
		writeInvalidParams(w, req.ID, fmt.Errorf("metadata required"))
		return
	}
	split, err := s.ledger.UpdateMetadata(r.Context(), caller, params.ID, params.Metadata)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSplitJSON(split))
}

func (s *Server) handleIsFullyFunded(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params splitIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	funded, err := s.ledger.IsFullyFunded(r.Context(), params.ID)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, boolResult{Value: funded})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params splitIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	split, err := s.ledger.GetSplit(r.Context(), params.ID)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSplitJSON(split))
}

func (s *Server) handleListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params listEventsParams
	if len(req.Params) > 0 {
		if err := decodeSingleParam(req, &params); err != nil {
			writeInvalidParams(w, req.ID, err)
			return
		}
	}
	if params.Limit <= 0 || params.Limit > maxEventPage {
		params.Limit = maxEventPage
	}
	feed := s.ledger.Events()
	writeResult(w, req.ID, eventsResult{
		Events:       feed.Since(params.After, params.Limit),
		LastSequence: feed.LastSequence(),
	})
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params balanceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	addr, err := parseAccount(params.Address)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("address: %w", err))
		return
	}
	asset, err := s.resolveAsset(r.Context(), params.Asset)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	meta, err := s.ledger.Token(r.Context(), asset)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), addr, asset)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{
		Address: formatAccount(addr),
		Asset:   formatAsset(asset),
		Symbol:  meta.Symbol,
		Balance: amountString(balance),
	})
}

func (s *Server) handleTokenList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	tokens, err := s.ledger.Tokens(r.Context())
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	out := make([]tokenJSON, 0, len(tokens))
	for _, token := range tokens {
		approved, err := s.ledger.IsAssetApproved(r.Context(), token.Address)
		if err != nil {
			writeLedgerError(w, req.ID, err)
			return
		}
		out = append(out, formatTokenJSON(token, approved))
	}
	writeResult(w, req.ID, out)
}
