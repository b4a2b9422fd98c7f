package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"pollscan/internal/config"
	"pollscan/internal/portfolio"
	"pollscan/pkg/types"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	provider Provider
	cfg      *config.Config
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(provider Provider, cfg *config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Dashboard, r.Host)
		},
	}
	return h
}

// isOriginAllowed admits requests without an Origin, origins on the
// allowlist when one is configured, and otherwise same-host or loopback
// origins.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		return slices.Contains(cfg.AllowedOrigins, origin)
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStreamStats reports WebSocket clients and dropped frames.
func (h *Handlers) HandleStreamStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.hub.Stats())
}

// HandleSnapshot returns the current dashboard state
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, BuildSnapshot(h.provider, h.cfg))
}

// HandlePolls lists polls, newest index epoch first. Optional query
// parameters: status (Pending, Yes, No, Unknown), stale (true|false),
// limit.
func (h *Handlers) HandlePolls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := -1
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	status := q.Get("status")
	stale := q.Get("stale")

	markets := h.provider.MarketsSnapshot().Markets
	out := []PollResponse{}
	for _, p := range h.provider.PollsSnapshot().Polls {
		if limit >= 0 && len(out) >= limit {
			break
		}
		if status != "" && !strings.EqualFold(p.Status.String(), status) {
			continue
		}
		if stale != "" && strconv.FormatBool(p.Stale) != stale {
			continue
		}
		resp := PollResponse{PollView: p, StatusName: p.Status.String()}
		if pair, ok := markets[p.Address]; ok && !pair.Empty() {
			resp.Markets = &pair
		}
		out = append(out, resp)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandlePoll returns one poll with its markets.
func (h *Handlers) HandlePoll(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return
	}
	p, ok := h.provider.Poll(addr)
	if !ok {
		h.writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	resp := PollResponse{PollView: p, StatusName: p.Status.String()}
	if pair, ok := h.provider.MarketsSnapshot().Markets[addr]; ok && !pair.Empty() {
		resp.Markets = &pair
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleMarkets lists every poll that has at least one market.
func (h *Handlers) HandleMarkets(w http.ResponseWriter, r *http.Request) {
	markets := h.provider.MarketsSnapshot().Markets
	out := make([]MarketEntry, 0, len(markets))
	for poll, pair := range markets {
		if pair.Empty() {
			continue
		}
		e := MarketEntry{Poll: poll.Hex(), AMM: pair.AMM, PariMutuel: pair.PariMutuel}
		if pair.AMM != nil {
			e.YesPercent = pair.AMM.YesProbability().Shift(2).StringFixed(2)
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b MarketEntry) int { return strings.Compare(a.Poll, b.Poll) })
	h.writeJSON(w, http.StatusOK, out)
}

// HandlePositions returns the wallet's positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.provider.Positions()
	if !ok {
		h.writeError(w, http.StatusNotFound, "no wallet configured")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// HandleActivity returns recent poll resolutions, newest first.
func (h *Handlers) HandleActivity(w http.ResponseWriter, r *http.Request) {
	act := h.provider.Activity()
	if act == nil {
		act = []types.ActivityEntry{}
	}
	h.writeJSON(w, http.StatusOK, act)
}

// HandleRefresh queues a poll refresh. A refresh already queued absorbs
// the request.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	queued := h.provider.TriggerRefresh()
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

// HandleRefreshPosition re-reads the wallet's position in one poll.
func (h *Handlers) HandleRefreshPosition(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return
	}
	pos, err := h.provider.RefreshPosition(r.Context(), addr)
	switch {
	case errors.Is(err, portfolio.ErrNoWallet):
		h.writeError(w, http.StatusNotFound, "no wallet configured")
		return
	case err != nil:
		h.logger.Warn("position refresh failed", "poll", addr.Hex(), "error", err)
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]*types.UserPosition{"position": pos})
}

// HandleAllowance returns the wallet's allowance of {token} for {spender}.
func (h *Handlers) HandleAllowance(w http.ResponseWriter, r *http.Request) {
	token, ok := h.pathAddressNamed(w, r, "token")
	if !ok {
		return
	}
	spender, ok := h.pathAddressNamed(w, r, "spender")
	if !ok {
		return
	}
	v, err := h.provider.Allowance(r.Context(), token, spender)
	switch {
	case errors.Is(err, portfolio.ErrNoWallet):
		h.writeError(w, http.StatusNotFound, "no wallet configured")
		return
	case err != nil:
		h.logger.Warn("allowance read failed", "token", token.Hex(), "error", err)
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	snap, _ := h.provider.Positions()
	h.writeJSON(w, http.StatusOK, AllowanceResponse{
		Owner:     snap.Wallet.Hex(),
		Token:     token.Hex(),
		Spender:   spender.Hex(),
		Allowance: v.String(),
	})
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	data, err := json.Marshal(DashboardEvent{Type: EventSnapshot, Data: BuildSnapshot(h.provider, h.cfg)})
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		conn.Close()
		return
	}
	NewClient(h.hub, conn, data)
}

func (h *Handlers) pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	return h.pathAddressNamed(w, r, "address")
}

func (h *Handlers) pathAddressNamed(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := r.PathValue(name)
	if !common.IsHexAddress(raw) {
		h.writeError(w, http.StatusBadRequest, "invalid "+name)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
