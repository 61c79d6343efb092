// Package web exposes the HTTP surface of the vault mirror: JSON endpoints
// for vault state and lifecycle transitions, an SSE stream of balance
// snapshots, and a WebSocket feed of committed balance changes.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/goquant/vaultmirror/internal/applier"
	"github.com/goquant/vaultmirror/internal/domain"
	"github.com/goquant/vaultmirror/internal/service"
)

const snapshotPollInterval = 2 * time.Second

type balanceSnapshotReader interface {
	SnapshotsAfter(index uint64) ([]domain.BalanceSnapshotRecord, error)
}

// Server exposes the HTTP API, the SSE snapshot stream and the WebSocket
// event feed.
type Server struct {
	Addr      string
	Service   *service.Service
	Snapshots balanceSnapshotReader
	Facts     chan<- domain.OperationFact

	upgrader websocket.Upgrader
	l        *zap.Logger
}

// NewServer creates a new web server instance.
func NewServer(addr string, svc *service.Service, snaps balanceSnapshotReader,
	facts chan<- domain.OperationFact, logger *zap.Logger) *Server {
	return &Server{
		Addr:      addr,
		Service:   svc,
		Snapshots: snaps,
		Facts:     facts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		l: logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /vaults", s.handleCreateVault)
	mux.HandleFunc("GET /vaults", s.handleListVaults)
	mux.HandleFunc("GET /vaults/{key}", s.handleGetVault)
	mux.HandleFunc("GET /vaults/{key}/transactions", s.handleTransactions)
	mux.HandleFunc("GET /vaults/{key}/audit", s.handleAuditTrail)
	mux.HandleFunc("GET /owners/{key}/vault", s.handleVaultByOwner)
	mux.HandleFunc("GET /tvl", s.handleTvl)

	mux.HandleFunc("POST /operations", s.handleApplyOperation)
	mux.HandleFunc("POST /facts", s.handleIngestFact)

	mux.HandleFunc("GET /alerts", s.handleListAlerts)
	mux.HandleFunc("POST /alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
	mux.HandleFunc("POST /alerts/{id}/resolve", s.handleResolveAlert)

	mux.HandleFunc("GET /reconciliations", s.handleOpenReconciliations)
	mux.HandleFunc("POST /reconciliations/run", s.handleRunReconciliation)
	mux.HandleFunc("POST /reconciliations/{id}/investigate", s.handleInvestigateReconciliation)
	mux.HandleFunc("POST /reconciliations/{id}/resolve", s.handleResolveReconciliation)

	mux.HandleFunc("GET /snapshots/stream", s.handleSnapshotStream)
	mux.HandleFunc("GET /events/ws", s.handleEventsWS)

	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createVaultRequest struct {
	VaultKey     string `json:"vault_pubkey"`
	OwnerKey     string `json:"owner"`
	TokenAccount string `json:"token_account"`
}

func (s *Server) handleCreateVault(w http.ResponseWriter, r *http.Request) {
	var req createVaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VaultKey == "" || req.OwnerKey == "" || req.TokenAccount == "" {
		s.writeError(w, http.StatusBadRequest, "vault_pubkey, owner and token_account are required")
		return
	}

	vault, err := s.Service.InitializeVault(r.Context(), req.VaultKey, req.OwnerKey, req.TokenAccount)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, vault)
}

func (s *Server) handleListVaults(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	page, err := s.Service.ListVaults(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	vault, err := s.Service.GetBalance(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vault)
}

func (s *Server) handleVaultByOwner(w http.ResponseWriter, r *http.Request) {
	vault, err := s.Service.GetVaultByOwner(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vault)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := s.Service.TransactionHistory(r.Context(), r.PathValue("key"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Service.AuditTrail(r.Context(), r.PathValue("key"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTvl(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Service.GetTvl(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type operationRequest struct {
	Type        string `json:"tx_type"`
	VaultKey    string `json:"vault_pubkey"`
	ToVault     string `json:"to_vault,omitempty"`
	Amount      int64  `json:"amount"`
	TxSignature string `json:"tx_signature"`
	Slot        int64  `json:"slot,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

func (s *Server) handleApplyOperation(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	vault, err := s.Service.Apply(r.Context(), domain.Operation{
		Type:        domain.TransactionType(req.Type),
		VaultKey:    req.VaultKey,
		ToVault:     req.ToVault,
		Amount:      req.Amount,
		TxSignature: req.TxSignature,
		Slot:        req.Slot,
		BlockTime:   req.BlockTime,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vault)
}

func (s *Server) handleIngestFact(w http.ResponseWriter, r *http.Request) {
	if s.Facts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "fact intake not available")
		return
	}

	var fact domain.OperationFact
	if err := json.NewDecoder(r.Body).Decode(&fact); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if fact.TxSignature == "" || fact.VaultKey == "" {
		s.writeError(w, http.StatusBadRequest, "tx_signature and vault_pubkey are required")
		return
	}

	select {
	case s.Facts <- fact:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case <-r.Context().Done():
		s.writeError(w, http.StatusServiceUnavailable, "fact intake backpressure")
	}
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := domain.AlertStatus(r.URL.Query().Get("status"))
	alerts, err := s.Service.ListAlerts(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	alert, err := s.Service.AcknowledgeAlert(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	var req resolveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	alert, err := s.Service.ResolveAlert(r.Context(), id, req.Notes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleOpenReconciliations(w http.ResponseWriter, r *http.Request) {
	logs, err := s.Service.OpenReconciliations(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleRunReconciliation(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Service.RunReconciliationPass(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleInvestigateReconciliation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid reconciliation id")
		return
	}
	var req resolveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, err := s.Service.InvestigateReconciliation(r.Context(), id, req.Notes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid reconciliation id")
		return
	}
	var req resolveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, err := s.Service.ResolveReconciliation(r.Context(), id, req.Notes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	if s.Snapshots == nil {
		s.writeError(w, http.StatusServiceUnavailable, "snapshot store not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// send a comment heartbeat every 30s so proxies keep connection
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(snapshotPollInterval)
	defer pollTicker.Stop()

	vaultFilter := r.URL.Query().Get("vault")

	lastIndex := uint64(0)
	sendSnapshots := func() error {
		records, err := s.Snapshots.SnapshotsAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			lastIndex = record.Index
			if vaultFilter != "" && record.Snapshot.VaultKey != vaultFilter {
				continue
			}
			payload, err := json.Marshal(record.Snapshot)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "event: snapshot\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		return nil
	}

	if err := sendSnapshots(); err != nil {
		http.Error(w, "failed to load snapshots", http.StatusInternalServerError)
		s.l.Error("snapshot stream initial load failed", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendSnapshots(); err != nil {
				s.l.Warn("snapshot stream poll failed", zap.Error(err))
			}
		}
	}
}

// handleEventsWS pushes committed balance changes over a WebSocket. An
// optional ?vault= query scopes the feed to one vault.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.l.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.Service.Subscribe(r.URL.Query().Get("vault"))
	defer s.Service.Unsubscribe(sub)

	// drain reads so close frames and pings are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.l.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, applier.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyExists):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, applier.ErrInvalidAmount):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, applier.ErrInsufficientBalance):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.l.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}
