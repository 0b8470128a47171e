package rpc

import (
	"fmt"
	"net/http"
)

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params initializeParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAccount(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("caller: %w", err))
		return
	}
	admin, err := parseAccount(params.Admin)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("admin: %w", err))
		return
	}
	asset, err := s.resolveAsset(r.Context(), params.DefaultAsset)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("defaultAsset: %w", err))
		return
	}
	if err := s.ledger.Initialize(r.Context(), caller, admin, asset); err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, adminResult{Admin: formatAccount(admin), DefaultAsset: formatAsset(asset)})
}

func (s *Server) handleAddApprovedAsset(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleAssetChange(w, r, req, true)
}

func (s *Server) handleRemoveApprovedAsset(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleAssetChange(w, r, req, false)
}

func (s *Server) handleAssetChange(w http.ResponseWriter, r *http.Request, req *RPCRequest, approve bool) {
	var params assetParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAccount(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("caller: %w", err))
		return
	}
	if params.Asset == "" {
		writeInvalidParams(w, req.ID, fmt.Errorf("asset required"))
		return
	}
	asset, err := s.resolveAsset(r.Context(), params.Asset)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	if approve {
		err = s.ledger.AddApprovedAsset(r.Context(), caller, asset)
	} else {
		err = s.ledger.RemoveApprovedAsset(r.Context(), caller, asset)
	}
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, boolResult{Value: approve})
}

func (s *Server) handleIsAssetApproved(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params assetParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	if params.Asset == "" {
		writeInvalidParams(w, req.ID, fmt.Errorf("asset required"))
		return
	}
	asset, err := s.resolveAsset(r.Context(), params.Asset)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	approved, err := s.ledger.IsAssetApproved(r.Context(), asset)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, boolResult{Value: approved})
}

func (s *Server) handleListApprovedAssets(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	assets, err := s.ledger.ApprovedAssets(r.Context())
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	out := make([]string, 0, len(assets))
	for _, asset := range assets {
		out = append(out, formatAsset(asset))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleTogglePause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params callerParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	caller, err := parseAccount(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Errorf("caller: %w", err))
		return
	}
	paused, err := s.ledger.TogglePause(r.Context(), caller)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, pauseResult{Paused: paused})
}

func (s *Server) handleGetAdmin(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	admin, err := s.ledger.Admin(r.Context())
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	asset, err := s.ledger.DefaultAsset(r.Context())
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, adminResult{Admin: formatAccount(admin), DefaultAsset: formatAsset(asset)})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	paused, err := s.ledger.Paused(r.Context())
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statsJSON{
		TotalCreated:   stats.TotalCreated,
		TotalReleased:  stats.TotalReleased,
		TotalCancelled: stats.TotalCancelled,
		TotalExpired:   stats.TotalExpired,
		TotalRefunds:   stats.TotalRefunds,
		VolumeSettled:  formatVolumes(stats.VolumeSettled),
		Paused:         paused,
	})
}
