// internal/lobby/lobby_manager.go

package lobby

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/bunker/internal/character"
	"github.com/jason-s-yu/bunker/internal/models"
	"github.com/jason-s-yu/bunker/internal/store"
	"github.com/jason-s-yu/bunker/internal/syncutil"
	"github.com/sirupsen/logrus"
)

// GameSetup is what the host sends with start_game: trait pools for character generation
// and the catastrophe and bunker pools the round's shared data is drawn from.
type GameSetup struct {
	PlayersData  character.Pools   `json:"playersData"`
	Catastrophes []json.RawMessage `json:"catastrophes"`
	Bunkers      []json.RawMessage `json:"bunkers"`
}

// LobbyManager is the session state machine. Every operation on a lobby runs its
// read -> validate -> mutate -> write cycle under that lobby's lock, so concurrent events for
// one lobby never lose updates while different lobbies proceed in parallel.
type LobbyManager struct {
	store    store.Store
	gen      *character.Generator
	registry *Registry
	locks    *syncutil.KeyedMutex
	log      logrus.FieldLogger

	newID func() string
}

// NewLobbyManager wires a manager around its store and character generator.
func NewLobbyManager(s store.Store, gen *character.Generator, logger logrus.FieldLogger) *LobbyManager {
	return &LobbyManager{
		store:    s,
		gen:      gen,
		registry: NewRegistry(),
		locks:    syncutil.NewKeyedMutex(),
		log:      logger,
		newID:    uuid.NewString,
	}
}

// Registry exposes the connection bookkeeping, mainly for diagnostics.
func (m *LobbyManager) Registry() *Registry {
	return m.registry
}

// persist writes the lobby. The write is detached from ctx so a caller that goes away does
// not abandon a write half way.
func (m *LobbyManager) persist(ctx context.Context, l *models.Lobby) error {
	return m.store.Write(context.WithoutCancel(ctx), l.ID, l)
}

// CreateLobby allocates a lobby with the host as its only player.
func (m *LobbyManager) CreateLobby(ctx context.Context, hostNickname string) (lobbyID, hostID string, err error) {
	nickname, err := models.NormalizeNickname(hostNickname)
	if err != nil {
		return "", "", err
	}

	lobbyID, hostID = m.newID(), m.newID()
	l := models.NewLobby(lobbyID)
	l.HostID = hostID
	l.Players = append(l.Players, models.NewPlayer(hostID, nickname))

	unlock := m.locks.Lock(lobbyID)
	defer unlock()
	if err := m.store.Create(context.WithoutCancel(ctx), lobbyID, l); err != nil {
		return "", "", fmt.Errorf("create lobby: %w", err)
	}

	m.log.WithFields(logrus.Fields{"lobby": lobbyID, "player": hostID}).Info("Lobby created")
	return lobbyID, hostID, nil
}

// JoinLobby adds a player, or treats the call as a rejoin when playerID is already in the
// lobby. An empty playerID mints a fresh one. A player joining a round in progress is
// appended with an empty character.
func (m *LobbyManager) JoinLobby(ctx context.Context, lobbyID, playerID, nickname, handle string) (*models.Player, error) {
	unlock := m.locks.Lock(lobbyID)
	defer unlock()

	l, err := m.store.Read(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	log := m.log.WithField("lobby", lobbyID)

	if playerID != "" {
		if p := l.Player(playerID); p != nil {
			if !p.Online {
				p.Online = true
				if err := m.persist(ctx, l); err != nil {
					return nil, err
				}
			}
			m.bind(handle, lobbyID, p.ID)
			log.WithField("player", p.ID).Info("Player rejoined lobby")
			return p, nil
		}
	}

	nick, err := models.NormalizeNickname(nickname)
	if err != nil {
		return nil, err
	}
	if playerID == "" {
		playerID = m.newID()
	} else if err := store.ValidateID(playerID); err != nil {
		return nil, fmt.Errorf("%w: malformed player id", models.ErrInvalidInput)
	}

	p := models.NewPlayer(playerID, nick)
	l.Players = append(l.Players, p)
	if l.HostID == "" {
		// a lobby that lost its host (e.g. after a reset) is handed to the next joiner
		l.HostID = p.ID
	}
	if err := m.persist(ctx, l); err != nil {
		return nil, err
	}

	m.bind(handle, lobbyID, p.ID)
	log.WithFields(logrus.Fields{"player": p.ID, "nickname": p.Nickname}).Info("Player joined lobby")
	return p, nil
}

// ReconnectPlayer marks an existing player online again and moves them to a new handle.
// Character and revealed state are untouched.
func (m *LobbyManager) ReconnectPlayer(ctx context.Context, lobbyID, playerID, handle string) (*models.Player, error) {
	unlock := m.locks.Lock(lobbyID)
	defer unlock()

	l, err := m.store.Read(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	p := l.Player(playerID)
	if p == nil {
		return nil, fmt.Errorf("player %s in lobby %s: %w", playerID, lobbyID, models.ErrNotFound)
	}
	if !p.Online {
		p.Online = true
		if err := m.persist(ctx, l); err != nil {
			return nil, err
		}
	}
	m.bind(handle, lobbyID, playerID)
	m.log.WithFields(logrus.Fields{"lobby": lobbyID, "player": playerID}).Info("Player reconnected")
	return p, nil
}

// HandleDisconnect marks the player behind handle offline. Unknown handles are ignored, as
// are handles the player has since replaced by reconnecting. It returns the binding that was
// released, if any, so the gateway can tell the room.
func (m *LobbyManager) HandleDisconnect(ctx context.Context, handle string) (Binding, bool, error) {
	b, ok := m.registry.Lookup(handle)
	if !ok {
		return Binding{}, false, nil
	}

	unlock := m.locks.Lock(b.LobbyID)
	defer unlock()

	// bindings for this lobby only change under its lock
	if cur, ok := m.registry.Current(b); !ok || cur != handle {
		return Binding{}, false, nil
	}

	l, err := m.store.Read(ctx, b.LobbyID)
	if err != nil {
		return Binding{}, false, err
	}
	if p := l.Player(b.PlayerID); p != nil && p.Online {
		p.Online = false
		if err := m.persist(ctx, l); err != nil {
			// the handle stays bound so a later disconnect can retry
			return Binding{}, false, err
		}
	}
	m.registry.Unbind(handle, b)
	m.log.WithFields(logrus.Fields{"lobby": b.LobbyID, "player": b.PlayerID}).Info("Player went offline")
	return b, true, nil
}

// StartGame generates a character for every player, balances genders, draws the round's
// catastrophe and bunker, and moves the lobby to playing. Nothing is written unless every
// check passes.
func (m *LobbyManager) StartGame(ctx context.Context, lobbyID string, setup GameSetup) (*models.Lobby, error) {
	unlock := m.locks.Lock(lobbyID)
	defer unlock()

	l, err := m.store.Read(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if l.Status == models.StatusPlaying {
		return nil, fmt.Errorf("%w: game already in progress", models.ErrInvalidState)
	}
	if len(l.Players) < models.MinPlayers {
		return nil, fmt.Errorf("%w: minimum player count not met (%d of %d)", models.ErrInvalidState, len(l.Players), models.MinPlayers)
	}
	if len(setup.Catastrophes) == 0 {
		return nil, fmt.Errorf("%w: catastrophe pool is empty", models.ErrInvalidInput)
	}
	if len(setup.Bunkers) == 0 {
		return nil, fmt.Errorf("%w: bunker pool is empty", models.ErrInvalidInput)
	}
	for _, raw := range append(append([]json.RawMessage{}, setup.Catastrophes...), setup.Bunkers...) {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: malformed catastrophe or bunker entry", models.ErrInvalidInput)
		}
	}

	log := m.log.WithField("lobby", lobbyID)
	chars := make([]*models.Character, len(l.Players))
	for i, p := range l.Players {
		p.Character = m.gen.Generate(setup.PlayersData)
		if fixed := m.gen.Repair(&p.Character); len(fixed) > 0 {
			log.WithFields(logrus.Fields{"player": p.ID, "fields": fixed}).Warn("Repaired generated character")
		}
		chars[i] = &p.Character
	}
	character.BalanceGenders(chars, m.gen.Coin)

	spaces := len(l.Players) / 2
	l.GameData = &models.GameData{
		Catastrophe: append(json.RawMessage{}, setup.Catastrophes[m.gen.Intn(len(setup.Catastrophes))]...),
		Bunker:      models.NewBunker(setup.Bunkers[m.gen.Intn(len(setup.Bunkers))], spaces),
	}
	l.Status = models.StatusPlaying

	if err := m.persist(ctx, l); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"players": len(l.Players),
		"spaces":  spaces,
		"genders": character.CountGenders(chars),
	}).Info("Game started")
	return l, nil
}

// RevealCharacteristic adds field to the player's revealed set. It reports whether the set
// changed; revealing the same field again is a no-op that writes nothing.
func (m *LobbyManager) RevealCharacteristic(ctx context.Context, lobbyID, playerID, field string) (bool, error) {
	canonical, ok := models.CanonicalField(field)
	if !ok {
		return false, fmt.Errorf("%w: unknown characteristic %q", models.ErrInvalidInput, field)
	}
	field = canonical

	unlock := m.locks.Lock(lobbyID)
	defer unlock()

	l, err := m.store.Read(ctx, lobbyID)
	if err != nil {
		return false, err
	}
	p := l.Player(playerID)
	if p == nil {
		return false, fmt.Errorf("player %s in lobby %s: %w", playerID, lobbyID, models.ErrNotFound)
	}
	if !p.Reveal(field) {
		m.log.WithFields(logrus.Fields{"lobby": lobbyID, "player": playerID, "field": field}).Debug("Characteristic already revealed")
		return false, nil
	}
	if err := m.persist(ctx, l); err != nil {
		return false, err
	}
	m.log.WithFields(logrus.Fields{"lobby": lobbyID, "player": playerID, "field": field}).Info("Characteristic revealed")
	return true, nil
}

// UpdateNickname renames a player.
func (m *LobbyManager) UpdateNickname(ctx context.Context, lobbyID, playerID, nickname string) (*models.Player, error) {
	nick, err := models.NormalizeNickname(nickname)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(lobbyID)
	defer unlock()

	l, err := m.store.Read(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	p := l.Player(playerID)
	if p == nil {
		return nil, fmt.Errorf("player %s in lobby %s: %w", playerID, lobbyID, models.ErrNotFound)
	}
	if p.Nickname == nick {
		return p, nil
	}
	p.Nickname = nick
	if err := m.persist(ctx, l); err != nil {
		return nil, err
	}
	return p, nil
}

// GetLobby returns a snapshot of the lobby, read under its lock.
func (m *LobbyManager) GetLobby(ctx context.Context, lobbyID string) (*models.Lobby, error) {
	unlock := m.locks.Lock(lobbyID)
	defer unlock()
	return m.store.Read(ctx, lobbyID)
}

// ListLobbies returns the ids of every persisted lobby.
func (m *LobbyManager) ListLobbies(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// bind records handle as the player's current connection. REST callers pass no handle.
func (m *LobbyManager) bind(handle, lobbyID, playerID string) {
	if handle == "" {
		return
	}
	if old := m.registry.Bind(handle, Binding{LobbyID: lobbyID, PlayerID: playerID}); old != "" {
		m.log.WithFields(logrus.Fields{"lobby": lobbyID, "player": playerID, "handle": old}).Debug("Retired stale connection handle")
	}
}
