// internal/handlers/lobby.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jason-s-yu/bunker/internal/auth"
	"github.com/jason-s-yu/bunker/internal/models"
	"github.com/julienschmidt/httprouter"
)

type createLobbyRequest struct {
	Nickname string `json:"nickname"`
}

type createLobbyResponse struct {
	LobbyID string `json:"lobbyId"`
	HostID  string `json:"hostId"`
	Token   string `json:"token"`
}

// CreateLobbyHandler persists a new lobby with the caller as host and returns the host's
// session token.
func CreateLobbyHandler(s *LobbyServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req createLobbyRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, s.log, fmt.Errorf("%w: bad create payload", models.ErrInvalidInput))
			return
		}

		lobbyID, hostID, err := s.Manager.CreateLobby(r.Context(), req.Nickname)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		token, err := auth.CreateSessionToken(lobbyID, hostID)
		if err != nil {
			writeError(w, s.log, err)
			return
		}

		s.publish(r.Context(), lobbyID, hostID, "lobby_created", map[string]interface{}{"nickname": req.Nickname})
		writeJSON(w, http.StatusOK, createLobbyResponse{LobbyID: lobbyID, HostID: hostID, Token: token})
	}
}

// LobbyStateHandler returns the full persisted lobby.
func LobbyStateHandler(s *LobbyServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		l, err := s.Manager.GetLobby(r.Context(), p.ByName("lobby_id"))
		if err != nil {
			writeError(w, s.log.WithField("lobby", p.ByName("lobby_id")), err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

// ListLobbiesHandler returns the ids of every persisted lobby.
func ListLobbiesHandler(s *LobbyServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ids, err := s.Manager.ListLobbies(r.Context())
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, ids)
	}
}

// HealthHandler reports liveness.
func HealthHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"message":   "Server is running",
		})
	}
}
