package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/voxwallet/internal/domain"
	"github.com/ashureev/voxwallet/internal/identity"
	"github.com/ashureev/voxwallet/internal/session"
	"github.com/ashureev/voxwallet/internal/store"
	"github.com/ashureev/voxwallet/internal/voice"
)

// Sessions resolves the orchestrator bound to a browser tab.
type Sessions interface {
	Session(key string) (voice.Orchestrator, bool)
}

// Limiter gates session starts.
type Limiter interface {
	Allow(key string) bool
}

// ClientConfig is served to the frontend by GET /api/config.
type ClientConfig struct {
	GatedTools        []string `json:"gated_tools"`
	SpeakingThreshold float64  `json:"speaking_threshold"`
	VolumeIntervalMS  int64    `json:"volume_interval_ms"`
	TelemetryEnabled  bool     `json:"telemetry_enabled"`
}

// SessionHandler serves the REST control surface of voice sessions.
type SessionHandler struct {
	sessions Sessions
	repo     store.Repository
	limiter  Limiter
	config   ClientConfig
	logger   *slog.Logger
}

// NewSessionHandler creates a new session handler. limiter may be nil.
func NewSessionHandler(sessions Sessions, repo store.Repository, limiter Limiter, cfg ClientConfig) *SessionHandler {
	if cfg.GatedTools == nil {
		cfg.GatedTools = []string{}
	}
	return &SessionHandler{
		sessions: sessions,
		repo:     repo,
		limiter:  limiter,
		config:   cfg,
		logger:   slog.Default(),
	}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/session", h.GetSession)
		r.Post("/session/start", h.StartSession)
		r.Post("/session/stop", h.StopSession)
		r.Post("/session/transaction/complete", h.CompleteTransaction)
		r.Post("/session/transaction/cancel", h.CancelTransaction)
		r.Get("/sessions/{id}/transcript", h.GetTranscript)
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.config)
}

// GetSession returns the current snapshot of the caller's session.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.sessions.Session(identity.ClientKey(r.Context()))
	if !ok {
		JSON(w, http.StatusOK, domain.IdleSnapshot(time.Now()))
		return
	}
	JSON(w, http.StatusOK, orch.Snapshot())
}

type startRequest struct {
	Contacts []domain.Contact `json:"contacts"`
}

// StartSession opens a voice session for the caller's connected tab.
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	key := identity.ClientKey(r.Context())
	wallet := identity.WalletFromContext(r.Context())

	orch, ok := h.sessions.Session(key)
	if !ok {
		Error(w, http.StatusConflict, "no voice connection")
		return
	}

	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if h.limiter != nil && !h.limiter.Allow(rateKey(wallet, key)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	sessionID, err := orch.Start(r.Context(), session.StartRequest{Wallet: wallet, Contacts: req.Contacts})
	switch {
	case err == nil:
		h.logger.Info("Voice session started", "client", key, "session_id", sessionID)
		JSON(w, http.StatusOK, map[string]interface{}{
			"session_id": sessionID,
			"snapshot":   orch.Snapshot(),
		})
	case errors.Is(err, session.ErrSessionActive):
		Error(w, http.StatusConflict, "session already active")
	case errors.Is(err, session.ErrStopped), errors.Is(err, context.Canceled):
		Error(w, http.StatusConflict, "session stopped during setup")
	default:
		h.logger.Warn("Voice session failed to start", "client", key, "error", err)
		JSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":    err.Error(),
			"snapshot": orch.Snapshot(),
		})
	}
}

// StopSession tears down the caller's session. It succeeds from any state.
func (h *SessionHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.sessions.Session(identity.ClientKey(r.Context()))
	if !ok {
		JSON(w, http.StatusOK, domain.IdleSnapshot(time.Now()))
		return
	}
	orch.Stop()
	JSON(w, http.StatusOK, orch.Snapshot())
}

type completeRequest struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash"`
	Error   string `json:"error"`
}

// CompleteTransaction reports the signing outcome of the pending transaction.
func (h *SessionHandler) CompleteTransaction(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.sessions.Session(identity.ClientKey(r.Context()))
	if !ok {
		Error(w, http.StatusConflict, "no pending transaction")
		return
	}

	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Success && req.TxHash == "" {
		Error(w, http.StatusBadRequest, "tx_hash is required")
		return
	}

	if !orch.CompleteTransaction(req.Success, req.TxHash, req.Error) {
		Error(w, http.StatusConflict, "no pending transaction")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// CancelTransaction rejects the pending transaction.
func (h *SessionHandler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.sessions.Session(identity.ClientKey(r.Context()))
	if !ok || !orch.CancelTransaction() {
		Error(w, http.StatusConflict, "no pending transaction")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetTranscript returns the persisted history of a session.
func (h *SessionHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	rec, err := h.repo.GetSession(ctx, id)
	if err != nil {
		h.logger.Error("Failed to load session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	// Sessions bound to a wallet are only visible to that wallet.
	if rec == nil || (rec.Wallet != "" && rec.Wallet != identity.WalletFromContext(ctx).Key()) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	entries, err := h.repo.ListEntries(ctx, id)
	if err != nil {
		h.logger.Error("Failed to load transcript", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	calls, err := h.repo.ListToolCalls(ctx, id)
	if err != nil {
		h.logger.Error("Failed to load tool calls", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load tool calls")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session":    rec,
		"transcript": entries,
		"tool_calls": calls,
	})
}

// rateKey prefers the wallet so one wallet cannot bypass limits by opening tabs.
func rateKey(wallet domain.WalletContext, clientKey string) string {
	if k := wallet.Key(); k != "" {
		return k
	}
	return clientKey
}
