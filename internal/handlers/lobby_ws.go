// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/bunker/internal/auth"
	"github.com/jason-s-yu/bunker/internal/lobby"
	"github.com/jason-s-yu/bunker/internal/middleware"
	"github.com/jason-s-yu/bunker/internal/models"
	"github.com/jason-s-yu/bunker/internal/store"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

const (
	defaultVotingSeconds = 15
	maxVotingSeconds     = 600
	maxMessageBytes      = 1 << 20
	disconnectAttempts   = 3
)

// inboundMessage is the union of every client message; Type selects the fields that matter.
type inboundMessage struct {
	Type        string           `json:"type"`
	PlayerID    string           `json:"playerId"`
	Token       string           `json:"token"`
	Nickname    string           `json:"nickname"`
	NewNickname string           `json:"newNickname"`
	Field       string           `json:"field"`
	Duration    *int             `json:"duration"`
	TargetID    string           `json:"targetId"`
	GameData    *lobby.GameSetup `json:"gameDataFromClient"`
}

// wsSession is the per-socket state owned by the read pump.
type wsSession struct {
	lobbyID  string
	playerID string
	conn     *lobby.Connection
	room     *lobby.Room
	log      logrus.FieldLogger
}

func (sess *wsSession) joined() bool {
	return sess.playerID != ""
}

// LobbyWSHandler upgrades to a websocket bound to one lobby room. The socket speaks for no one
// until it sends join_lobby or reconnect_to_lobby.
func LobbyWSHandler(s *LobbyServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		lobbyID := p.ByName("lobby_id")
		if err := store.ValidateID(lobbyID); err != nil {
			http.Error(w, "invalid lobby_id", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"lobby"},
			OriginPatterns: s.Origins,
		})
		if err != nil {
			s.log.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "lobby" {
			c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
			return
		}

		if _, err := s.Manager.GetLobby(r.Context(), lobbyID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				c.Close(InvalidLobbyIDError, "lobby does not exist")
			} else {
				s.log.WithField("lobby", lobbyID).WithError(err).Error("Failed to load lobby for websocket")
				c.Close(websocket.StatusInternalError, "failed to load lobby")
			}
			return
		}
		c.SetReadLimit(maxMessageBytes)

		handle := uuid.NewString()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		// a newer socket for the same player closes this one
		conn := lobby.NewConnection(handle, func() {
			go c.Close(SupersededError, "connected from another socket")
		})
		sess := &wsSession{
			lobbyID: lobbyID,
			conn:    conn,
			log:     s.log.WithFields(logrus.Fields{"lobby": lobbyID, "handle": handle}),
		}
		middleware.LogWebSocketConnect(s.log, r.RemoteAddr, r.URL.Path, handle)

		go writePump(ctx, c, conn, sess.log)

		readErr := readPump(ctx, s, c, sess)

		s.leave(sess)
		middleware.LogWebSocketDisconnect(s.log, r.RemoteAddr, r.URL.Path, handle, readErr)
	}
}

// leave drops the socket from its room and marks the player offline if this socket was still
// their current one.
func (s *LobbyServer) leave(sess *wsSession) {
	s.Rooms.Leave(sess.lobbyID, sess.conn.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var (
		b        lobby.Binding
		released bool
		err      error
	)
	for attempt := 0; attempt < disconnectAttempts; attempt++ {
		if b, released, err = s.Manager.HandleDisconnect(ctx, sess.conn.Handle); err == nil {
			break
		}
		sess.log.WithError(err).WithField("attempt", attempt+1).Warn("Failed to record disconnect")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	if err != nil {
		return
	}
	if !released {
		return
	}
	if room, ok := s.Rooms.GetRoom(b.LobbyID); ok {
		room.BroadcastAll(map[string]interface{}{
			"type":     "player_disconnected",
			"playerId": b.PlayerID,
		})
	}
	s.publish(ctx, b.LobbyID, b.PlayerID, "player_disconnected", nil)
}

// readPump handles incoming messages until the socket closes or ctx ends. It returns the
// read error for abnormal closures.
func readPump(ctx context.Context, s *LobbyServer, c *websocket.Conn, sess *wsSession) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || status == SupersededError || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			sess.log.Warnf("Received non-text message type %d. Ignoring.", typ)
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.log.WithError(err).Debug("Invalid json from client")
			sess.conn.WriteError("Invalid JSON format")
			continue
		}
		s.handleLobbyMessage(ctx, sess, msg)
	}
}

// handleLobbyMessage interprets the "type" field. Every failure is reported to the sender only.
func (s *LobbyServer) handleLobbyMessage(ctx context.Context, sess *wsSession, msg inboundMessage) {
	if msg.Type != "join_lobby" && msg.Type != "reconnect_to_lobby" && !sess.joined() {
		sess.conn.WriteError("Join the lobby first")
		return
	}

	var err error
	switch msg.Type {
	case "join_lobby":
		err = s.handleJoin(ctx, sess, msg)
	case "reconnect_to_lobby":
		err = s.handleReconnect(ctx, sess, msg)
	case "request_state":
		err = s.sendState(ctx, sess)
	case "start_game":
		err = s.handleStartGame(ctx, sess, msg)
	case "reveal_characteristic":
		err = s.handleReveal(ctx, sess, msg)
	case "update_nickname":
		err = s.handleUpdateNickname(ctx, sess, msg)
	case "start_voting":
		err = s.handleStartVoting(ctx, sess, msg)
	case "end_voting":
		err = s.handleEndVoting(ctx, sess)
	case "vote":
		err = s.handleVote(ctx, sess, msg)
	default:
		sess.log.Debugf("Unknown action '%s'", msg.Type)
		sess.conn.WriteError(fmt.Sprintf("Unknown action type: %s", msg.Type))
		return
	}

	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			sess.log.WithField("action", msg.Type).WithError(err).Error("Lobby action failed")
		} else {
			sess.log.WithField("action", msg.Type).WithError(err).Debug("Lobby action rejected")
		}
		sess.conn.WriteError(clientMessage(err))
	}
}

var errNotHost = fmt.Errorf("%w: only the host can do that", models.ErrInvalidState)

func (s *LobbyServer) handleJoin(ctx context.Context, sess *wsSession, msg inboundMessage) error {
	if sess.joined() {
		return fmt.Errorf("%w: already joined as %s", models.ErrInvalidState, sess.playerID)
	}
	playerID := ""
	if msg.PlayerID != "" {
		// claiming an existing seat requires proof
		if err := auth.VerifySeat(msg.Token, sess.lobbyID, msg.PlayerID); err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		playerID = msg.PlayerID
	}

	p, err := s.Manager.JoinLobby(ctx, sess.lobbyID, playerID, msg.Nickname, sess.conn.Handle)
	if err != nil {
		return err
	}
	if err := s.bindSession(ctx, sess, p.ID); err != nil {
		return err
	}

	sess.room.BroadcastAll(map[string]interface{}{
		"type":   "player_joined",
		"player": p,
	})
	s.publish(ctx, sess.lobbyID, p.ID, "player_joined", map[string]interface{}{"nickname": p.Nickname})
	return s.sendState(ctx, sess)
}

func (s *LobbyServer) handleReconnect(ctx context.Context, sess *wsSession, msg inboundMessage) error {
	if msg.PlayerID == "" {
		return fmt.Errorf("%w: playerId is required", models.ErrInvalidInput)
	}
	if sess.joined() && sess.playerID != msg.PlayerID {
		return fmt.Errorf("%w: already joined as %s", models.ErrInvalidState, sess.playerID)
	}
	if err := auth.VerifySeat(msg.Token, sess.lobbyID, msg.PlayerID); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}

	p, err := s.Manager.ReconnectPlayer(ctx, sess.lobbyID, msg.PlayerID, sess.conn.Handle)
	if err != nil {
		return err
	}
	if err := s.bindSession(ctx, sess, p.ID); err != nil {
		return err
	}

	sess.room.BroadcastAll(map[string]interface{}{
		"type":   "player_reconnected",
		"player": p,
	})
	s.publish(ctx, sess.lobbyID, p.ID, "player_reconnected", nil)
	return s.sendState(ctx, sess)
}

// bindSession puts the socket in the room and hands it a fresh session token.
func (s *LobbyServer) bindSession(ctx context.Context, sess *wsSession, playerID string) error {
	token, err := auth.CreateSessionToken(sess.lobbyID, playerID)
	if err != nil {
		return err
	}
	sess.playerID = playerID
	sess.log = sess.log.WithField("player", playerID)
	sess.room = s.Rooms.Join(sess.lobbyID, sess.conn, playerID)

	sess.conn.Write(map[string]interface{}{
		"type":     "session",
		"lobbyId":  sess.lobbyID,
		"playerId": playerID,
		"token":    token,
	})
	return nil
}

func (s *LobbyServer) sendState(ctx context.Context, sess *wsSession) error {
	l, err := s.Manager.GetLobby(ctx, sess.lobbyID)
	if err != nil {
		return err
	}
	sess.conn.Write(map[string]interface{}{
		"type":  "lobby_state",
		"lobby": l,
	})
	return nil
}

func (s *LobbyServer) requireHost(ctx context.Context, sess *wsSession) (*models.Lobby, error) {
	l, err := s.Manager.GetLobby(ctx, sess.lobbyID)
	if err != nil {
		return nil, err
	}
	if l.HostID != sess.playerID {
		return nil, errNotHost
	}
	return l, nil
}

func (s *LobbyServer) handleStartGame(ctx context.Context, sess *wsSession, msg inboundMessage) error {
	if _, err := s.requireHost(ctx, sess); err != nil {
		return err
	}
	if msg.GameData == nil {
		return fmt.Errorf("%w: gameDataFromClient is required", models.ErrInvalidInput)
	}

	l, err := s.Manager.StartGame(ctx, sess.lobbyID, *msg.GameData)
	if err != nil {
		return err
	}
	sess.room.BroadcastAll(map[string]interface{}{
		"type":     "game_started",
		"gameData": l.GameData,
	})
	sess.room.BroadcastAll(map[string]interface{}{
		"type":  "lobby_state",
		"lobby": l,
	})
	s.publish(ctx, sess.lobbyID, sess.playerID, "game_started", map[string]interface{}{
		"players": len(l.Players),
		"spaces":  l.GameData.Bunker.Spaces,
	})
	return nil
}

func (s *LobbyServer) handleReveal(ctx context.Context, sess *wsSession, msg inboundMessage) error {
	changed, err := s.Manager.RevealCharacteristic(ctx, sess.lobbyID, sess.playerID, msg.Field)
	if err != nil || !changed {
		return err
	}

	// clients read the value from their next lobby_state
	field, _ := models.CanonicalField(msg.Field)
	sess.room.BroadcastAll(map[string]interface{}{
		"type":     "characteristic_revealed",
		"playerId": sess.playerID,
		"field":    field,
	})
	s.publish(ctx, sess.lobbyID, sess.playerID, "characteristic_revealed", map[string]interface{}{"field": field})
	return nil
}

func (s *LobbyServer) handleUpdateNickname(ctx context.Context, sess *wsSession, msg inboundMessage) error {
	p, err := s.Manager.UpdateNickname(ctx, sess.lobbyID, sess.playerID, msg.NewNickname)
	if err != nil {
		return err
	}
	sess.room.BroadcastAll(map[string]interface{}{
		"type":     "player_updated",
		"id":       p.ID,
		"nickname": p.Nickname,
	})
	s.publish(ctx, sess.lobbyID, p.ID, "player_updated", map[string]interface{}{"nickname": p.Nickname})
	return nil
}

func (s *LobbyServer) handleStartVoting(ctx context.Context, sess *wsSession, msg inboundMessage) error {
	l, err := s.requireHost(ctx, sess)
	if err != nil {
		return err
	}
	if l.Status != models.StatusPlaying {
		return fmt.Errorf("%w: voting needs a game in progress", models.ErrInvalidState)
	}
	seconds := defaultVotingSeconds
	if msg.Duration != nil {
		seconds = *msg.Duration
	}
	if seconds < 1 || seconds > maxVotingSeconds {
		return fmt.Errorf("%w: duration must be between 1 and %d seconds", models.ErrInvalidInput, maxVotingSeconds)
	}
	if !sess.room.StartVoting(time.Duration(seconds) * time.Second) {
		return fmt.Errorf("%w: voting already in progress", models.ErrInvalidState)
	}
	s.publish(ctx, sess.lobbyID, sess.playerID, "voting_started", map[string]interface{}{"duration": seconds})
	return nil
}

func (s *LobbyServer) handleEndVoting(ctx context.Context, sess *wsSession) error {
	if _, err := s.requireHost(ctx, sess); err != nil {
		return err
	}
	if !sess.room.EndVoting() {
		return fmt.Errorf("%w: no voting in progress", models.ErrInvalidState)
	}
	s.publish(ctx, sess.lobbyID, sess.playerID, "voting_ended", nil)
	return nil
}

func (s *LobbyServer) handleVote(ctx context.Context, sess *wsSession, msg inboundMessage) error {
	if !sess.room.VotingOpen() {
		return fmt.Errorf("%w: no voting in progress", models.ErrInvalidState)
	}
	l, err := s.Manager.GetLobby(ctx, sess.lobbyID)
	if err != nil {
		return err
	}
	if l.Player(msg.TargetID) == nil {
		return fmt.Errorf("player %s in lobby %s: %w", msg.TargetID, sess.lobbyID, models.ErrNotFound)
	}
	// the voter is whoever the socket speaks for, never a client-supplied id
	sess.room.BroadcastAll(map[string]interface{}{
		"type":     "vote_cast",
		"voterId":  sess.playerID,
		"targetId": msg.TargetID,
	})
	s.publish(ctx, sess.lobbyID, sess.playerID, "vote_cast", map[string]interface{}{"targetId": msg.TargetID})
	return nil
}

// writePump drains the connection's queue onto the socket and keeps it alive with pings.
func writePump(ctx context.Context, c *websocket.Conn, conn *lobby.Connection, logger logrus.FieldLogger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-conn.OutChan:
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Warnf("Failed to marshal outgoing msg: %v", err)
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Warnf("Failed to write to websocket: %v", err)
				// the read pump notices the broken socket and cleans up
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("Failed to send ping: %v. Assuming disconnect.", err)
				return
			}
		}
	}
}
