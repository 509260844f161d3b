// Package server exposes the REST handlers for the room directory, message
// history and health checks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/pbnjay/memory"
	validator "gopkg.in/go-playground/validator.v9"

	"github.com/Tyrowin/chathub/internal/hub"
	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/Tyrowin/chathub/internal/store"
)

const maxBodyBytes = 100000

var validate = validator.New()

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeJSON reads at most maxBodyBytes of the request body into envelope.
func decodeJSON(r *http.Request, envelope any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.New("unable to read request body")
	}
	if err := json.Unmarshal(body, envelope); err != nil {
		return errors.New("unable to parse request JSON")
	}
	return nil
}

type healthPayload struct {
	Status   string `json:"status"`
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
	Uptime   int64  `json:"uptime"`
	FreeMem  uint64 `json:"free_mem"`
	Sessions int    `json:"sessions"`
}

// handleHealth reports process and database health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	payload := healthPayload{
		Status:   "ok",
		PID:      os.Getpid(),
		Hostname: hostname,
		Uptime:   int64(time.Since(s.started).Seconds()),
		FreeMem:  memory.FreeMemory(),
		Sessions: s.hub.SessionCount(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.WithError(err).Error("health check database ping failed")
		payload.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type roomResponse struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Online int    `json:"online"`
}

// handleListRooms lists rooms with the live presence count from the hub.
func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		s.log.WithError(err).Error("error listing rooms")
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}

	out := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomResponse{ID: room.ID, Name: room.Name, Online: s.hub.Online(room.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

type createRoomRequest struct {
	Name string `json:"name" validate:"required,max=50"`
}

type createRoomResponse struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Online int    `json:"online"`
	Room   struct {
		ID   uint   `json:"id"`
		Name string `json:"name"`
	} `json:"room"`
}

// handleCreateRoom creates a room owned by the caller.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, roomNameError(err))
		return
	}

	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	room, err := s.store.CreateRoom(r.Context(), req.Name, identity.UserID)
	if errors.Is(err, store.ErrRoomNameTaken) {
		writeError(w, http.StatusConflict, "room name taken")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("name", req.Name).Error("error creating room")
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	resp := createRoomResponse{ID: room.ID, Name: room.Name, Online: s.hub.Online(room.ID)}
	resp.Room.ID = room.ID
	resp.Room.Name = room.Name
	writeJSON(w, http.StatusCreated, resp)
}

func roomNameError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Tag() {
		case "required":
			return "room name is required"
		case "max":
			return "room name must not exceed " + verrs[0].Param() + " characters"
		}
	}
	return "invalid room name"
}

// handleListMessages returns a page of history, oldest first, in the same
// shape as live message frames.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || roomID == 0 {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	var beforeID uint64
	if raw := r.URL.Query().Get("before_id"); raw != "" {
		if beforeID, err = strconv.ParseUint(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid before_id")
			return
		}
	}

	if _, err := s.store.LookupRoom(r.Context(), uint(roomID)); err != nil {
		if errors.Is(err, hub.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		s.log.WithError(err).Error("error looking up room")
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	views, err := s.store.ListMessages(r.Context(), uint(roomID), limit, uint(beforeID))
	if err != nil {
		s.log.WithError(err).WithField("room_id", roomID).Error("error listing messages")
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	out := make([]protocol.Message, 0, len(views))
	for _, v := range views {
		out = append(out, protocol.NewMessage(v.ID, v.RoomID, v.UserID, v.Username, v.Content, v.CreatedAt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
