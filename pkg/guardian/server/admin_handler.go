// Package server exposes the controller over the admin HTTP API and the
// gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/escalation"
	"github.com/TFMV/guardian/pkg/guardian/network"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

const maxRequestBody = 1 << 20

// Controller is the part of the escalation controller served by the admin API
type Controller interface {
	Submit(ctx context.Context, signal threat.ThreatSignal) error
	InitiateRecovery(ctx context.Context) (bool, error)
	CompleteRecovery(ctx context.Context) error
	RetryResponse(ctx context.Context) error
	Status() threat.StatusReport
	History() []threat.ThreatSignal
}

// AllClearGranter records operator all-clear decisions
type AllClearGranter interface {
	Grant(source string)
	Revoke()
}

// NetworkGate answers admission questions against the live network state
type NetworkGate interface {
	Admit(priority network.Priority) bool
	NodeAllowed(node string) bool
}

// SignatureVerifier checks signer counts against the active threshold
type SignatureVerifier interface {
	Verify(signers, total int) bool
	Supermajority() bool
}

// AdmitRequest is the body of POST /api/transactions/admit
type AdmitRequest struct {
	Priority string `json:"priority"` // normal or critical
}

// AdmitResponse reports an admission decision
type AdmitResponse struct {
	Priority string `json:"priority"`
	Admitted bool   `json:"admitted"`
}

// VerifyRequest is the body of POST /api/consensus/verify
type VerifyRequest struct {
	Signers int `json:"signers"`
	Total   int `json:"total"`
}

// VerifyResponse reports whether a signer set meets the active threshold
type VerifyResponse struct {
	Valid         bool `json:"valid"`
	Threshold     int  `json:"threshold"`
	Supermajority bool `json:"supermajority"`
}

// NodeResponse reports whether a node may participate
type NodeResponse struct {
	Node    string `json:"node"`
	Allowed bool   `json:"allowed"`
}

// ActionResponse is returned by mutating endpoints. Status is always the
// state after the action, including when the action failed.
type ActionResponse struct {
	Status threat.StatusReport `json:"status"`
	Error  string              `json:"error,omitempty"`
}

// RecoveryRequest is the body of POST /api/recovery
type RecoveryRequest struct {
	Action string `json:"action"` // initiate, complete, retry, all_clear, revoke
	Source string `json:"source,omitempty"`
}

// AdminHandler handles admin API requests
type AdminHandler struct {
	controller Controller
	allClear   AllClearGranter
	gate       NetworkGate
	verifier   SignatureVerifier
}

// NewAdminHandler creates a new admin handler. allClear may be nil, in which
// case the all_clear and revoke actions are rejected.
func NewAdminHandler(controller Controller, allClear AllClearGranter) *AdminHandler {
	return &AdminHandler{
		controller: controller,
		allClear:   allClear,
	}
}

// WithNetwork enables the admission, node and signature endpoints. Without it
// they are rejected.
func (h *AdminHandler) WithNetwork(gate NetworkGate, verifier SignatureVerifier) *AdminHandler {
	h.gate = gate
	h.verifier = verifier
	return h
}

// Routes returns the admin API mux
func (h *AdminHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/signals", h.handleSignals)
	mux.HandleFunc("/api/recovery", h.handleRecovery)
	mux.HandleFunc("/api/transactions/admit", h.handleAdmit)
	mux.HandleFunc("/api/consensus/verify", h.handleVerify)
	mux.HandleFunc("/api/nodes/{node}", h.handleNode)
	mux.HandleFunc("/healthz", h.handleHealthz)
	return mux
}

// StartAdminAPI serves the admin API on addr in the background
func StartAdminAPI(addr string, handler *AdminHandler, opts AdminOptions) *http.Server {
	if addr == "" {
		addr = ":9091"
	}

	adminServer := &http.Server{
		Addr:              addr,
		Handler:           handler.Handler(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Starting admin API endpoint")
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin API server failed")
		}
	}()

	return adminServer
}

// handleStatus handles requests to /api/status
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// handleHistory handles requests to /api/history
func (h *AdminHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	history := h.controller.History()
	if history == nil {
		history = []threat.ThreatSignal{}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleSignals handles requests to /api/signals
func (h *AdminHandler) handleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var signal threat.ThreatSignal
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&signal); err != nil {
		http.Error(w, fmt.Sprintf("Invalid signal JSON: %v", err), http.StatusBadRequest)
		return
	}
	if signal.Source == "" {
		signal.Source = "admin-api"
	}

	err := h.controller.Submit(r.Context(), signal)
	h.writeAction(w, err)
}

// handleRecovery handles requests to /api/recovery
func (h *AdminHandler) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RecoveryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var err error

	switch req.Action {
	case "initiate":
		_, err = h.controller.InitiateRecovery(ctx)
	case "complete":
		err = h.controller.CompleteRecovery(ctx)
	case "retry":
		err = h.controller.RetryResponse(ctx)
	case "all_clear", "revoke":
		if h.allClear == nil {
			http.Error(w, "All-clear is not managed by this API", http.StatusNotImplemented)
			return
		}
		if req.Action == "revoke" {
			h.allClear.Revoke()
			log.Info().Msg("All-clear revoked via admin API")
		} else {
			source := req.Source
			if source == "" {
				source = "admin-api"
			}
			h.allClear.Grant(source)
		}
	default:
		http.Error(w, "Invalid action, must be one of initiate, complete, retry, all_clear, revoke", http.StatusBadRequest)
		return
	}

	h.writeAction(w, err)
}

// handleAdmit handles requests to /api/transactions/admit
func (h *AdminHandler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.gate == nil {
		http.Error(w, "Network state is not managed by this API", http.StatusNotImplemented)
		return
	}

	var req AdmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	priority, err := network.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, AdmitResponse{
		Priority: priority.String(),
		Admitted: h.gate.Admit(priority),
	})
}

// handleVerify handles requests to /api/consensus/verify
func (h *AdminHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.verifier == nil {
		http.Error(w, "Consensus state is not managed by this API", http.StatusNotImplemented)
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Total <= 0 || req.Signers < 0 || req.Signers > req.Total {
		http.Error(w, "signers must be between 0 and a positive total", http.StatusBadRequest)
		return
	}

	supermajority := h.verifier.Supermajority()
	threshold := req.Total/2 + 1
	if supermajority {
		threshold = network.Threshold(req.Total)
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		Valid:         h.verifier.Verify(req.Signers, req.Total),
		Threshold:     threshold,
		Supermajority: supermajority,
	})
}

// handleNode handles requests to /api/nodes/{node}
func (h *AdminHandler) handleNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.gate == nil {
		http.Error(w, "Network state is not managed by this API", http.StatusNotImplemented)
		return
	}

	node := r.PathValue("node")
	writeJSON(w, http.StatusOK, NodeResponse{Node: node, Allowed: h.gate.NodeAllowed(node)})
}

// handleHealthz reports liveness and the current state
func (h *AdminHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := h.controller.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  status.State,
	})
}

func (h *AdminHandler) writeAction(w http.ResponseWriter, err error) {
	resp := ActionResponse{Status: h.controller.Status()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, statusCode(err), resp)
}

// statusCode maps controller errors to HTTP status codes
func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, escalation.ErrInvalidSignal):
		return http.StatusBadRequest
	case errors.Is(err, escalation.ErrRecoveryPrecondition), errors.Is(err, escalation.ErrNothingToRetry):
		return http.StatusConflict
	case errors.Is(err, escalation.ErrPhaseFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response as JSON")
	}
}
