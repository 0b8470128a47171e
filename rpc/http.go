package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"splitledger/core"
	"splitledger/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	limiterIdleTTL  = 10 * time.Minute
	moduleName      = "split"
	requestIDHeader = "X-Request-ID"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// ServerConfig tunes authentication and throttling of the JSON-RPC server.
type ServerConfig struct {
	// AuthToken is the bearer token required for mutating methods. When empty
	// mutating methods are refused unless AllowUnauthedWrites is set.
	AuthToken           string
	AllowUnauthedWrites bool
	RateLimitPerMinute  float64
	RateLimitBurst      int
	Logger              *slog.Logger
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type handlerFunc func(s *Server, w http.ResponseWriter, r *http.Request, req *RPCRequest)

type method struct {
	handler  handlerFunc
	mutating bool
}

// Server exposes the ledger over JSON-RPC 2.0.
type Server struct {
	ledger *core.Ledger
	cfg    ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*sourceLimiter
	clockNow func() time.Time

	methods map[string]method
}

func NewServer(ledger *core.Ledger, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	s := &Server{
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*sourceLimiter),
		clockNow: time.Now,
	}
	s.methods = map[string]method{
		"split_initialize":          {handler: (*Server).handleInitialize, mutating: true},
		"split_addApprovedAsset":    {handler: (*Server).handleAddApprovedAsset, mutating: true},
		"split_removeApprovedAsset": {handler: (*Server).handleRemoveApprovedAsset, mutating: true},
		"split_isAssetApproved":     {handler: (*Server).handleIsAssetApproved},
		"split_listApprovedAssets":  {handler: (*Server).handleListApprovedAssets},
		"split_create":              {handler: (*Server).handleCreate, mutating: true},
		"split_deposit":             {handler: (*Server).handleDeposit, mutating: true},
		"split_release":             {handler: (*Server).handleRelease, mutating: true},
		"split_claimRefund":         {handler: (*Server).handleClaimRefund, mutating: true},
		"split_cancel":              {handler: (*Server).handleCancel, mutating: true},
		"split_extendDeadline":      {handler: (*Server).handleExtendDeadline, mutating: true},
		"split_updateMetadata":      {handler: (*Server).handleUpdateMetadata, mutating: true},
		"split_isFullyFunded":       {handler: (*Server).handleIsFullyFunded},
		"split_get":                 {handler: (*Server).handleGet},
		"split_togglePause":         {handler: (*Server).handleTogglePause, mutating: true},
		"split_getAdmin":            {handler: (*Server).handleGetAdmin},
		"split_getStats":            {handler: (*Server).handleGetStats},
		"split_listEvents":          {handler: (*Server).handleListEvents},
		"token_balance":             {handler: (*Server).handleTokenBalance},
		"token_list":                {handler: (*Server).handleTokenList},
	}
	return s
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// statusRecorder remembers the JSON-RPC error code written for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.code = code
	}
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r)
}

// handle decodes a JSON-RPC request and routes it to its handler.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := s.clockNow()
	requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)
	w.Header().Set("Content-Type", "application/json")
	rec := &statusRecorder{ResponseWriter: w}

	if r.Method != http.MethodPost {
		writeError(rec, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "JSON-RPC requires POST", r.Method)
		return
	}

	reader := http.MaxBytesReader(rec, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()
	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(rec, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(rec, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(rec, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(rec, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(rec, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	m, ok := s.methods[req.Method]
	if !ok {
		writeError(rec, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return
	}
	defer func() {
		observability.ModuleMetrics().Observe(moduleName, req.Method, rec.code, s.clockNow().Sub(start))
		s.logger.Debug("rpc request",
			slog.String("method", req.Method),
			slog.String("requestId", requestID),
			slog.Int("code", rec.code))
	}()

	if m.mutating {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(rec, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		source := clientSource(r)
		if !s.allowSource(source) {
			observability.ModuleMetrics().RecordThrottle(moduleName, "rate_limit")
			writeError(rec, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", source)
			return
		}
	}
	m.handler(s, rec, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.cfg.AuthToken == "" {
		if s.cfg.AllowUnauthedWrites {
			return nil
		}
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	now := s.clockNow()
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(s.limiters, key)
		}
	}
	entry, ok := s.limiters[source]
	if !ok {
		perSecond := s.cfg.RateLimitPerMinute / 60.0
		if perSecond <= 0 {
			perSecond = 10
		}
		burst := s.cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		entry = &sourceLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		s.limiters[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	decoder := json.NewDecoder(bytes.NewReader(req.Params[0]))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	return nil
}
