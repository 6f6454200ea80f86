// internal/lobby/room.go
package lobby

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Connection is one live socket in a room. PlayerID is empty until the socket joins or
// reconnects as a player.
type Connection struct {
	Handle   string
	PlayerID string
	Cancel   func()
	OutChan  chan map[string]interface{}
}

// NewConnection returns a connection with a buffered outbound queue.
func NewConnection(handle string, cancel func()) *Connection {
	return &Connection{
		Handle:  handle,
		Cancel:  cancel,
		OutChan: make(chan map[string]interface{}, 32),
	}
}

// Write queues msg without blocking. A full queue drops the message.
func (conn *Connection) Write(msg map[string]interface{}) bool {
	select {
	case conn.OutChan <- msg:
		return true
	default:
		return false
	}
}

// WriteError is a convenience to send an error object.
func (conn *Connection) WriteError(msg string) {
	conn.Write(map[string]interface{}{
		"type":    "error",
		"message": msg,
	})
}

// Room is the broadcast group for one lobby: every socket that joined it as a player, plus the
// transient voting window. Nothing in a room is persisted.
type Room struct {
	ID string

	mu          sync.Mutex
	conns       map[string]*Connection
	votingTimer *time.Timer
	log         logrus.FieldLogger
}

// NewRoom creates an empty room.
func NewRoom(id string, logger logrus.FieldLogger) *Room {
	return &Room{
		ID:    id,
		conns: make(map[string]*Connection),
		log:   logger.WithField("lobby", id),
	}
}

// Add places conn in the room under playerID. Any other socket still speaking for the same
// player is cancelled and dropped; the newer one wins.
func (r *Room) Add(conn *Connection, playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for h, other := range r.conns {
		if h != conn.Handle && other.PlayerID == playerID {
			r.log.WithFields(logrus.Fields{"player": playerID, "handle": h}).Info("Replacing superseded connection")
			delete(r.conns, h)
			if other.Cancel != nil {
				other.Cancel()
			}
		}
	}
	conn.PlayerID = playerID
	r.conns[conn.Handle] = conn
}

// Remove drops the socket and reports whether the room is now empty.
func (r *Room) Remove(handle string) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, handle)
	if len(r.conns) == 0 {
		r.stopVotingUnsafe()
		return true
	}
	return false
}

// Has reports whether handle is a member of the room.
func (r *Room) Has(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[handle]
	return ok
}

// Len returns the number of sockets in the room.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// BroadcastAll sends msg to every socket in the room.
func (r *Room) BroadcastAll(msg map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastAllUnsafe(msg)
}

// broadcastAllUnsafe assumes r.mu is held. Writes never block.
func (r *Room) broadcastAllUnsafe(msg map[string]interface{}) {
	for _, conn := range r.conns {
		if !conn.Write(msg) {
			msgType, _ := msg["type"].(string)
			r.log.WithFields(logrus.Fields{"handle": conn.Handle, "msgType": msgType}).Warn("Outbound queue full, dropped message")
		}
	}
}

// StartVoting opens a voting window that closes by itself after d. It returns false if a
// window is already open.
func (r *Room) StartVoting(d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.votingTimer != nil {
		return false
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.votingTimer != timer {
			return
		}
		r.votingTimer = nil
		r.log.Info("Voting window elapsed")
		r.broadcastAllUnsafe(map[string]interface{}{"type": "voting_ended"})
	})
	r.votingTimer = timer
	r.broadcastAllUnsafe(map[string]interface{}{
		"type":     "voting_started",
		"duration": int(d / time.Second),
	})
	return true
}

// EndVoting closes the voting window early. It returns false if none was open.
func (r *Room) EndVoting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.votingTimer == nil {
		return false
	}
	r.stopVotingUnsafe()
	r.broadcastAllUnsafe(map[string]interface{}{"type": "voting_ended"})
	return true
}

// VotingOpen reports whether a voting window is open.
func (r *Room) VotingOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.votingTimer != nil
}

func (r *Room) stopVotingUnsafe() {
	if r.votingTimer != nil {
		r.votingTimer.Stop()
		r.votingTimer = nil
	}
}
