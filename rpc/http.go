package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"merkledrop/native/distribution"
	"merkledrop/observability/metrics"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	// Claim submissions are rate limited per source address so one client
	// cannot monopolize the serialized engine.
	claimRatePerSecond = 5
	claimBurst         = 10
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
)

// Server exposes the distribution engine over JSON-RPC 2.0. Admin methods
// additionally require the bearer token from MERKLEDROP_RPC_TOKEN.
type Server struct {
	engine  *distribution.Engine
	metrics *metrics.DistributionMetrics

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	authToken string
}

func NewServer(engine *distribution.Engine) *Server {
	return &Server{
		engine:    engine,
		metrics:   metrics.Distribution(),
		limiters:  make(map[string]*rate.Limiter),
		authToken: strings.TrimSpace(os.Getenv("MERKLEDROP_RPC_TOKEN")),
	}
}

// SetAuthToken overrides the admin bearer token. Used by tests.
func (s *Server) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authToken = strings.TrimSpace(token)
}

// Handler returns the HTTP handler serving the RPC endpoint and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
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

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

type authError struct {
	Code    int
	Message string
	Data    interface{}
}

func (s *Server) requireAuth(r *http.Request) *authError {
	s.mu.Lock()
	token := s.authToken
	s.mu.Unlock()
	if token == "" {
		return &authError{Code: codeUnauthorized, Message: "unauthorized", Data: "admin token not configured"}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &authError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing bearer token"}
	}
	supplied := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
		return &authError{Code: codeUnauthorized, Message: "unauthorized", Data: "invalid bearer token"}
	}
	return nil
}

func (s *Server) allowClaim(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(claimRatePerSecond), claimBurst)
		s.limiters[host] = limiter
	}
	return limiter.Allow()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "invalid_request", "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "invalid_request", "request too large")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", "jsonrpc must be 2.0")
		return
	}

	switch req.Method {
	case "distribution_createCampaign":
		s.handleCreateCampaign(w, r, &req)
	case "distribution_fundCampaign":
		s.handleFundCampaign(w, r, &req)
	case "distribution_createAndFund":
		s.handleCreateAndFund(w, r, &req)
	case "distribution_setActive":
		s.handleSetActive(w, r, &req)
	case "distribution_rotateRoot":
		s.handleRotateRoot(w, r, &req)
	case "distribution_withdrawUnclaimed":
		s.handleWithdrawUnclaimed(w, r, &req)
	case "distribution_emergencyRecover":
		s.handleEmergencyRecover(w, r, &req)
	case "distribution_claim":
		s.handleClaim(w, r, &req)
	case "distribution_getCampaign":
		s.handleGetCampaign(w, r, &req)
	case "distribution_listCampaigns":
		s.handleListCampaigns(w, r, &req)
	case "distribution_getCampaignsForProperty":
		s.handleCampaignsForProperty(w, r, &req)
	case "distribution_isClaimed":
		s.handleIsClaimed(w, r, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", fmt.Sprintf("unknown method %q", req.Method))
	}
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}
