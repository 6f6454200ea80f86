// internal/handlers/lobby_server.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jason-s-yu/bunker/internal/cache"
	"github.com/jason-s-yu/bunker/internal/lobby"
	"github.com/jason-s-yu/bunker/internal/middleware"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// LobbyServer holds everything the HTTP and websocket handlers share: the lobby manager, the
// live rooms, and the event journal.
type LobbyServer struct {
	Manager *lobby.LobbyManager
	Rooms   *lobby.RoomStore
	Journal cache.EventSink

	// Origins are the websocket/CORS origin patterns, e.g. "localhost:*".
	Origins []string

	log logrus.FieldLogger
}

func NewLobbyServer(m *lobby.LobbyManager, journal cache.EventSink, origins []string, logger logrus.FieldLogger) *LobbyServer {
	if journal == nil {
		journal = cache.NopSink{}
	}
	return &LobbyServer{
		Manager: m,
		Rooms:   lobby.NewRoomStore(logger),
		Journal: journal,
		Origins: origins,
		log:     logger,
	}
}

// Router registers every route behind the request logger.
func (s *LobbyServer) Router() http.Handler {
	mux := httprouter.New()
	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.log.WithFields(logrus.Fields{"path": r.URL.Path, "panic": v}).Error("Handler panicked")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}

	mux.GET("/healthz", HealthHandler())
	mux.GET("/health", HealthHandler())
	mux.POST("/lobby/create", CreateLobbyHandler(s))
	mux.GET("/lobby/list", ListLobbiesHandler(s))
	mux.GET("/lobby/state/:lobby_id", LobbyStateHandler(s))
	mux.GET("/lobby/ws/:lobby_id", LobbyWSHandler(s))

	var h http.Handler = mux
	h = middleware.SecurityHeaders(s.Origins)(h)
	h = middleware.LogMiddleware(s.log)(h)
	return h
}

// publish hands an event to the journal. Journal failures are logged and never fail the
// operation that produced the event.
func (s *LobbyServer) publish(ctx context.Context, lobbyID, playerID, eventType string, payload map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	rec := cache.NewLobbyEvent(lobbyID, playerID, eventType, payload)
	if err := s.Journal.Publish(ctx, rec); err != nil {
		s.log.WithFields(logrus.Fields{"lobby": lobbyID, "event": eventType}).WithError(err).Warn("Failed to journal lobby event")
	}
}
