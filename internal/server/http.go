package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MobasirSarkar/roomcast/internal/store"
	"github.com/MobasirSarkar/roomcast/internal/ws"
)

type presenceResponse struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type messageResponse struct {
	ID        int64     `json:"id"`
	Room      string    `json:"room"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Edited    bool      `json:"edited"`
}

type memberResponse struct {
	Room        string    `json:"room"`
	Username    string    `json:"username"`
	IsModerator bool      `json:"is_moderator"`
	IsBanned    bool      `json:"is_banned"`
	IsMuted     bool      `json:"is_muted"`
	JoinedAt    time.Time `json:"joined_at"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	users, err := s.presence.Users(r.Context(), room)
	if err != nil {
		s.log.Error("presence lookup failed", "room", room, "err", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{Room: room, Users: users, Count: len(users)})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	msg, err := s.EditMessage(r.Context(), actor, r.PathValue("room"), id, body.Content)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		ID: msg.ID, Room: msg.Room, Username: msg.User, Content: msg.Body, CreatedAt: msg.CreatedAt, Edited: msg.Edited,
	})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	if err := s.DeleteMessage(r.Context(), actor, r.PathValue("room"), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleMember(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	m, err := s.ToggleMember(r.Context(), actor, r.PathValue("room"), r.PathValue("username"), r.PathValue("flag"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memberResponse{
		Room: m.Room, Username: m.Username, IsModerator: m.Moderator, IsBanned: m.Banned, IsMuted: m.Muted, JoinedAt: m.JoinedAt,
	})
}

// authenticate accepts "Authorization: Bearer <token>" or the websocket
// query parameter.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found {
		token = r.URL.Query().Get(ws.TokenParam)
	}
	user, err := s.verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return "", false
	}
	return user, true
}

func messageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrUnknownFlag):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrRoomNotFound),
		errors.Is(err, store.ErrNotMember),
		errors.Is(err, store.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
