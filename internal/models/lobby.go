// internal/models/lobby.go
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LobbyStatus is the lifecycle state of a lobby. The only transition is waiting -> playing.
type LobbyStatus string

const (
	StatusWaiting LobbyStatus = "waiting"
	StatusPlaying LobbyStatus = "playing"
)

// MinPlayers is the number of players required before a round can start.
const MinPlayers = 6

// Lobby is the persisted root aggregate. Each record on disk is a complete snapshot of it.
type Lobby struct {
	ID        string      `json:"id"`
	HostID    string      `json:"host_id"`
	Status    LobbyStatus `json:"status"`
	Players   []*Player   `json:"players"`
	GameData  *GameData   `json:"gameData"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewLobby returns an empty waiting lobby with no host.
func NewLobby(id string) *Lobby {
	return &Lobby{
		ID:        id,
		Status:    StatusWaiting,
		Players:   []*Player{},
		CreatedAt: time.Now().UTC().Round(0),
	}
}

// MarshalJSON writes an empty host as null.
func (l *Lobby) MarshalJSON() ([]byte, error) {
	type alias Lobby
	var host *string
	if l.HostID != "" {
		h := l.HostID
		host = &h
	}
	return json.Marshal(&struct {
		*alias
		HostID *string `json:"host_id"`
	}{alias: (*alias)(l), HostID: host})
}

// UnmarshalJSON accepts a null host.
func (l *Lobby) UnmarshalJSON(data []byte) error {
	type alias Lobby
	aux := &struct {
		*alias
		HostID *string `json:"host_id"`
	}{alias: (*alias)(l)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	l.HostID = ""
	if aux.HostID != nil {
		l.HostID = *aux.HostID
	}
	return nil
}

// Player returns the player with the given id, or nil.
func (l *Lobby) Player(id string) *Player {
	for _, p := range l.Players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Validate reports whether the lobby is structurally complete: a record that decodes but
// fails Validate is treated as corrupt by the store.
func (l *Lobby) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("%w: lobby has no id", ErrPersistenceCorruption)
	}
	if l.Status != StatusWaiting && l.Status != StatusPlaying {
		return fmt.Errorf("%w: lobby %s has unknown status %q", ErrPersistenceCorruption, l.ID, l.Status)
	}
	if l.Players == nil {
		return fmt.Errorf("%w: lobby %s has no player list", ErrPersistenceCorruption, l.ID)
	}
	if l.CreatedAt.IsZero() {
		return fmt.Errorf("%w: lobby %s has no creation time", ErrPersistenceCorruption, l.ID)
	}
	seen := make(map[string]struct{}, len(l.Players))
	for _, p := range l.Players {
		if p == nil || p.ID == "" {
			return fmt.Errorf("%w: lobby %s has a player without id", ErrPersistenceCorruption, l.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: lobby %s has duplicate player %s", ErrPersistenceCorruption, l.ID, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	if l.HostID != "" {
		if _, ok := seen[l.HostID]; !ok {
			return fmt.Errorf("%w: lobby %s host %s is not a player", ErrPersistenceCorruption, l.ID, l.HostID)
		}
	}
	if l.Status == StatusPlaying && l.GameData == nil {
		return fmt.Errorf("%w: lobby %s is playing without game data", ErrPersistenceCorruption, l.ID)
	}
	return nil
}

// GameData is the per-round shared state, created once at game start.
type GameData struct {
	Catastrophe json.RawMessage `json:"catastrophe"`
	Bunker      Bunker          `json:"bunker"`
}

// Bunker is an opaque descriptor picked from the client pool, annotated with Spaces.
// On the wire the descriptor's own fields and "spaces" share one object.
type Bunker struct {
	Spaces int
	Attrs  map[string]json.RawMessage
}

// NewBunker builds a Bunker from a client pool entry. Non-object entries are kept under
// "name" so the descriptor is never lost.
func NewBunker(raw json.RawMessage, spaces int) Bunker {
	b := Bunker{Spaces: spaces, Attrs: map[string]json.RawMessage{}}
	if err := json.Unmarshal(raw, &b.Attrs); err != nil || b.Attrs == nil {
		b.Attrs = map[string]json.RawMessage{"name": raw}
	}
	delete(b.Attrs, "spaces")
	return b
}

func (b Bunker) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.Attrs)+1)
	for k, v := range b.Attrs {
		out[k] = v
	}
	spaces, err := json.Marshal(b.Spaces)
	if err != nil {
		return nil, err
	}
	out["spaces"] = spaces
	return json.Marshal(out)
}

func (b *Bunker) UnmarshalJSON(data []byte) error {
	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(data, &attrs); err != nil {
		return err
	}
	b.Spaces = 0
	if raw, ok := attrs["spaces"]; ok {
		if err := json.Unmarshal(raw, &b.Spaces); err != nil {
			return fmt.Errorf("bunker spaces: %w", err)
		}
		delete(attrs, "spaces")
	}
	b.Attrs = attrs
	return nil
}
