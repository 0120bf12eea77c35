package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/voxwallet/internal/domain"
	"github.com/ashureev/voxwallet/internal/identity"
	"github.com/ashureev/voxwallet/internal/session"
)

const maxClientFrame = 1 << 20

// Limiter gates session starts per client.
type Limiter interface {
	Allow(key string) bool
}

// WebSocketHandler serves /ws/session.
type WebSocketHandler struct {
	mgr           *Manager
	limiter       Limiter
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(mgr *Manager, limiter Limiter, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		mgr:           mgr,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        slog.Default(),
	}
}

type wsMessage struct {
	Type     string           `json:"type"`
	Success  bool             `json:"success,omitempty"`
	TxHash   string           `json:"tx_hash,omitempty"`
	Error    string           `json:"error,omitempty"`
	Contacts []domain.Contact `json:"contacts,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := identity.ClientKey(r.Context())
	wallet := identity.WalletFromContext(r.Context())
	h.logger.Info("Voice connection request", "client", key, "wallet", wallet.Key(), "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "client", key)
		return
	}
	ws.SetReadLimit(maxClientFrame)

	client := NewClient(ws, key, h.logger)
	defer client.Close("session ended")

	entry := h.mgr.Register(key, client)
	defer h.mgr.Unregister(key, client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	entry.Publish(entry.Orchestrator().Snapshot())

	var starts sync.WaitGroup
	h.readLoop(ctx, ws, client, entry, wallet, &starts)
	cancel()
	starts.Wait()
	h.logger.Info("Voice connection ended", "client", key)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, client *Client, entry *Entry, wallet domain.WalletContext, starts *sync.WaitGroup) {
	orch := entry.Orchestrator()
	for {
		typ, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "client", client.Key())
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "client", client.Key())
			}
			return
		}

		if typ == websocket.MessageBinary {
			entry.Relay().Feed(message)
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.logger.Debug("Ignoring malformed client message", "client", client.Key(), "error", err)
			continue
		}

		switch msg.Type {
		case "start":
			if h.limiter != nil && !h.limiter.Allow(rateKey(wallet, client.Key())) {
				_ = client.SendJSON(map[string]string{"type": "error", "error": "rate limit exceeded"})
				continue
			}
			starts.Add(1)
			go func(contacts []domain.Contact) {
				defer starts.Done()
				_, err := orch.Start(ctx, session.StartRequest{Wallet: wallet, Contacts: contacts})
				if err != nil && !errors.Is(err, session.ErrStopped) {
					_ = client.SendJSON(map[string]string{"type": "error", "error": err.Error()})
				}
			}(msg.Contacts)
		case "stop":
			orch.Stop()
		case "tx_complete":
			if !orch.CompleteTransaction(msg.Success, msg.TxHash, msg.Error) {
				h.logger.Debug("Ignoring completion without pending transaction", "client", client.Key())
			}
		case "tx_cancel":
			if !orch.CancelTransaction() {
				h.logger.Debug("Ignoring cancel without pending transaction", "client", client.Key())
			}
		case "ping":
			_ = client.SendJSON(map[string]string{"type": "pong"})
		}
	}
}

// rateKey prefers the wallet so one wallet cannot bypass limits by opening tabs.
func rateKey(wallet domain.WalletContext, clientKey string) string {
	if k := wallet.Key(); k != "" {
		return k
	}
	return clientKey
}
