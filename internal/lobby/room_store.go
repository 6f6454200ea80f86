// internal/lobby/room_store.go
package lobby

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// RoomStore manages the live rooms in memory. A room exists only while at least one socket is
// in it; the persisted lobby outlives it.
type RoomStore struct {
	mu    sync.Mutex
	rooms map[string]*Room
	log   logrus.FieldLogger
}

// NewRoomStore initializes and returns an empty RoomStore.
func NewRoomStore(logger logrus.FieldLogger) *RoomStore {
	return &RoomStore{
		rooms: make(map[string]*Room),
		log:   logger,
	}
}

// Join adds conn to the room for lobbyID as playerID, creating the room if needed.
func (s *RoomStore) Join(lobbyID string, conn *Connection, playerID string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[lobbyID]
	if !ok {
		room = NewRoom(lobbyID, s.log)
		s.rooms[lobbyID] = room
		s.log.WithField("lobby", lobbyID).Debug("Room opened")
	}
	room.Add(conn, playerID)
	return room
}

// Leave removes the socket from the lobby's room and deletes the room once it is empty.
func (s *RoomStore) Leave(lobbyID, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[lobbyID]
	if !ok {
		return
	}
	if room.Remove(handle) {
		delete(s.rooms, lobbyID)
		s.log.WithField("lobby", lobbyID).Debug("Room closed")
	}
}

// GetRoom retrieves the live room for lobbyID.
func (s *RoomStore) GetRoom(lobbyID string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[lobbyID]
	return r, ok
}

// Len returns the number of live rooms.
func (s *RoomStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
