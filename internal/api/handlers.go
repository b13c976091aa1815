package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gangaprasad29/remote-interview/backend/internal/protocol"
	"github.com/gangaprasad29/remote-interview/backend/internal/session"
	"github.com/gangaprasad29/remote-interview/backend/internal/ws"
)

type API struct {
	hub   *ws.Hub
	store *session.Store
	log   *slog.Logger
}

func New(hub *ws.Hub, store *session.Store, log *slog.Logger) *API {
	return &API{hub: hub, store: store, log: log}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("api.encode", "err", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"active_rooms":   a.hub.RoomCount(),
		"active_clients": a.hub.ClientCount(),
		"room_sizes":     a.hub.RoomSizes(),
		"sessions":       a.store.Count(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

type sessionResponse struct {
	SessionID string          `json:"sessionId"`
	Code      string          `json:"code"`
	Language  string          `json:"language"`
	Output    json.RawMessage `json:"output"`
	UpdatedAt time.Time       `json:"updated_at"`
	Members   int             `json:"members"`
}

// SessionHandler serves GET (current state) and DELETE (end session) for
// /api/sessions/{id}. DELETE mirrors the socket session:end event so ops
// tooling can clear a session without a websocket.
func (a *API) SessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		errorResponse(w, http.StatusBadRequest, protocol.ErrSessionRequired.Message)
		return
	}

	switch r.Method {
	case http.MethodGet:
		st, ok := a.store.Snapshot(id)
		if !ok {
			errorResponse(w, http.StatusNotFound, "Session not found")
			return
		}
		output := st.Output
		if output == nil {
			output = json.RawMessage("null")
		}
		jsonResponse(w, http.StatusOK, sessionResponse{
			SessionID: id,
			Code:      st.Code,
			Language:  st.Language,
			Output:    output,
			UpdatedAt: st.UpdatedAt,
			Members:   a.hub.RoomSizes()[id],
		})

	case http.MethodDelete:
		a.store.End(id)
		a.log.Info("session.ended", "sessionId", id, "via", "http")
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ended", "sessionId": id})

	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// SessionsHandler lists session ids currently holding state.
func (a *API) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ids := a.store.IDs()
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"sessions": ids,
		"count":    len(ids),
	})
}
