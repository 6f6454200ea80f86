package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/jason-s-yu/bunker/internal/character"
	"github.com/jason-s-yu/bunker/internal/models"
	"github.com/jason-s-yu/bunker/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestManager(t *testing.T) (*LobbyManager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	gen := character.NewGenerator(rand.NewPCG(7, 11))
	return NewLobbyManager(s, gen, quietLogger()), s
}

func testSetup() GameSetup {
	return GameSetup{
		Catastrophes: []json.RawMessage{json.RawMessage(`{"name":"Flood","description":"Water everywhere"}`)},
		Bunkers:      []json.RawMessage{json.RawMessage(`{"name":"Old mine","food":"1 year"}`)},
	}
}

// seedLobby creates a lobby hosted by Alice and joins the remaining nicknames.
func seedLobby(t *testing.T, m *LobbyManager, guests ...string) (lobbyID, hostID string, ids []string) {
	t.Helper()
	ctx := context.Background()
	lobbyID, hostID, err := m.CreateLobby(ctx, "Alice")
	require.NoError(t, err)
	ids = []string{hostID}
	for _, nick := range guests {
		p, err := m.JoinLobby(ctx, lobbyID, "", nick, "")
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	return lobbyID, hostID, ids
}

func TestCreateLobby(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	lobbyID, hostID, err := m.CreateLobby(ctx, "  Alice  ")
	require.NoError(t, err)

	l, err := m.GetLobby(ctx, lobbyID)
	require.NoError(t, err)
	assert.Equal(t, hostID, l.HostID)
	assert.Equal(t, models.StatusWaiting, l.Status)
	require.Len(t, l.Players, 1)
	assert.Equal(t, "Alice", l.Players[0].Nickname)
	assert.True(t, l.Players[0].Online)
	assert.True(t, l.Players[0].Alive)
	assert.Empty(t, l.Players[0].RevealedCharacteristics)
	assert.Nil(t, l.GameData)
	assert.Equal(t, 1, s.Writes(lobbyID))

	_, _, err = m.CreateLobby(ctx, "   ")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestJoinLobby(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	lobbyID, hostID, _ := seedLobby(t, m)

	t.Run("new player is appended", func(t *testing.T) {
		p, err := m.JoinLobby(ctx, lobbyID, "", "Bob", "h-bob")
		require.NoError(t, err)
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, "Bob", p.Nickname)
		assert.True(t, p.Online)

		l, err := m.GetLobby(ctx, lobbyID)
		require.NoError(t, err)
		assert.Len(t, l.Players, 2)
		assert.Equal(t, hostID, l.HostID)

		b, ok := m.Registry().Lookup("h-bob")
		require.True(t, ok)
		assert.Equal(t, Binding{LobbyID: lobbyID, PlayerID: p.ID}, b)
	})

	t.Run("known player rejoins without duplication", func(t *testing.T) {
		p, err := m.JoinLobby(ctx, lobbyID, hostID, "Renamed", "h-host")
		require.NoError(t, err)
		assert.Equal(t, "Alice", p.Nickname, "rejoin keeps the nickname")

		l, err := m.GetLobby(ctx, lobbyID)
		require.NoError(t, err)
		assert.Len(t, l.Players, 2)
	})

	t.Run("nickname bounds", func(t *testing.T) {
		_, err := m.JoinLobby(ctx, lobbyID, "", "", "")
		assert.ErrorIs(t, err, models.ErrInvalidInput)
		_, err = m.JoinLobby(ctx, lobbyID, "", "abcdefghijklmnopqrstu", "")
		assert.ErrorIs(t, err, models.ErrInvalidInput)
		p, err := m.JoinLobby(ctx, lobbyID, "", "abcdefghijklmnopqrst", "")
		require.NoError(t, err)
		assert.Equal(t, "abcdefghijklmnopqrst", p.Nickname)
	})

	t.Run("missing lobby", func(t *testing.T) {
		_, err := m.JoinLobby(ctx, "no-such-lobby", "", "Carol", "")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestJoinHostlessLobbyPromotesJoiner(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "reset", models.NewLobby("reset")))

	p, err := m.JoinLobby(ctx, "reset", "", "Dave", "")
	require.NoError(t, err)

	l, err := m.GetLobby(ctx, "reset")
	require.NoError(t, err)
	assert.Equal(t, p.ID, l.HostID)
}

func TestJoinRunningGameAppendsLateJoiner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	lobbyID, _, ids := seedLobby(t, m, "Bob", "Carol", "Dave", "Eve", "Fiona")
	_, err := m.StartGame(ctx, lobbyID, testSetup())
	require.NoError(t, err)

	greg, err := m.JoinLobby(ctx, lobbyID, "", "Greg", "h-greg")
	require.NoError(t, err)
	assert.True(t, greg.Online)
	assert.True(t, greg.Character.IsZero())
	assert.Empty(t, greg.RevealedCharacteristics)

	l, err := m.GetLobby(ctx, lobbyID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaying, l.Status)
	require.Len(t, l.Players, 7)
	assert.Equal(t, greg.ID, l.Players[6].ID, "late joiner goes last in join order")
	assert.False(t, l.Players[0].Character.IsZero(), "earlier characters are untouched")

	// existing players may still come back
	_, err = m.JoinLobby(ctx, lobbyID, ids[3], "", "h-dave")
	assert.NoError(t, err)
}

func TestStartGameWithSixPlayers(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	lobbyID, _, ids := seedLobby(t, m, "Bob", "Carol", "Dave", "Eve", "Fiona")

	l, err := m.StartGame(ctx, lobbyID, testSetup())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaying, l.Status)
	require.NotNil(t, l.GameData)
	assert.Equal(t, 3, l.GameData.Bunker.Spaces)
	assert.JSONEq(t, `{"name":"Flood","description":"Water everywhere"}`, string(l.GameData.Catastrophe))
	assert.JSONEq(t, `"Old mine"`, string(l.GameData.Bunker.Attrs["name"]))

	require.Len(t, l.Players, 6)
	chars := make([]*models.Character, 0, 6)
	for i, p := range l.Players {
		assert.Equal(t, ids[i], p.ID)
		c := p.Character
		assert.Empty(t, character.Missing(c), "player %s", p.Nickname)
		assert.Contains(t, []string{models.GenderMale, models.GenderFemale, models.GenderTransformer}, c.Gender)
		assert.Contains(t, character.BodyTypes, c.BodyType)
		require.NotNil(t, c.Profession)
		assert.GreaterOrEqual(t, c.Profession.Experience, 1)
		assert.LessOrEqual(t, c.Profession.Experience, character.ExperienceBound(c.Age))
		chars = append(chars, &p.Character)
	}
	counts := character.CountGenders(chars)
	assert.GreaterOrEqual(t, counts[models.GenderMale], 1)
	assert.GreaterOrEqual(t, counts[models.GenderFemale], 1)

	stored, err := s.Read(ctx, lobbyID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaying, stored.Status)
	assert.Equal(t, 3, stored.GameData.Bunker.Spaces)

	_, err = m.StartGame(ctx, lobbyID, testSetup())
	assert.ErrorIs(t, err, models.ErrInvalidState, "a running game cannot be restarted")
}

func TestStartGameSpacesRoundDown(t *testing.T) {
	m, _ := newTestManager(t)
	lobbyID, _, _ := seedLobby(t, m, "Bob", "Carol", "Dave", "Eve", "Fiona", "Gus")
	l, err := m.StartGame(context.Background(), lobbyID, testSetup())
	require.NoError(t, err)
	assert.Equal(t, 3, l.GameData.Bunker.Spaces)
}

func TestStartGameRejectionsLeaveRecordUnchanged(t *testing.T) {
	ctx := context.Background()

	t.Run("too few players", func(t *testing.T) {
		m, s := newTestManager(t)
		lobbyID, _, _ := seedLobby(t, m, "Bob", "Carol", "Dave", "Eve")
		before, err := s.Read(ctx, lobbyID)
		require.NoError(t, err)
		writes := s.Writes(lobbyID)

		_, err = m.StartGame(ctx, lobbyID, testSetup())
		assert.ErrorIs(t, err, models.ErrInvalidState)

		after, err := s.Read(ctx, lobbyID)
		require.NoError(t, err)
		assert.Equal(t, writes, s.Writes(lobbyID))
		assert.Equal(t, models.StatusWaiting, after.Status)
		assert.Nil(t, after.GameData)
		for i := range before.Players {
			assert.True(t, after.Players[i].Character.IsZero())
		}
	})

	t.Run("empty pools", func(t *testing.T) {
		m, s := newTestManager(t)
		lobbyID, _, _ := seedLobby(t, m, "Bob", "Carol", "Dave", "Eve", "Fiona")
		writes := s.Writes(lobbyID)

		setup := testSetup()
		setup.Bunkers = nil
		_, err := m.StartGame(ctx, lobbyID, setup)
		assert.ErrorIs(t, err, models.ErrInvalidInput)

		setup = testSetup()
		setup.Catastrophes = []json.RawMessage{}
		_, err = m.StartGame(ctx, lobbyID, setup)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
		assert.Equal(t, writes, s.Writes(lobbyID))
	})

	t.Run("missing lobby", func(t *testing.T) {
		m, _ := newTestManager(t)
		_, err := m.StartGame(ctx, "ghost", testSetup())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestStartGameUsesClientPools(t *testing.T) {
	m, _ := newTestManager(t)
	lobbyID, _, _ := seedLobby(t, m, "Bob", "Carol", "Dave", "Eve", "Fiona")

	setup := testSetup()
	setup.PlayersData = character.Pools{
		Traits:      character.Values{"Stubborn"},
		Professions: []character.ProfessionEntry{{Name: "Pilot", Description: "Flies"}},
		Hobbies:     character.Values{"?", ""},
	}
	l, err := m.StartGame(context.Background(), lobbyID, setup)
	require.NoError(t, err)
	for _, p := range l.Players {
		assert.Equal(t, "Stubborn", p.Character.Trait)
		assert.Equal(t, "Pilot", p.Character.Profession.Name)
		assert.Contains(t, character.DefaultPools.Hobbies, p.Character.Hobby, "unusable pool falls back")
	}
}

func TestRevealCharacteristicIsIdempotent(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	lobbyID, _, ids := seedLobby(t, m, "Bob", "Carol", "Dave", "Eve", "Fiona")
	_, err := m.StartGame(ctx, lobbyID, testSetup())
	require.NoError(t, err)
	bob := ids[1]

	changed, err := m.RevealCharacteristic(ctx, lobbyID, bob, models.FieldProfession)
	require.NoError(t, err)
	assert.True(t, changed)
	writes := s.Writes(lobbyID)

	changed, err = m.RevealCharacteristic(ctx, lobbyID, bob, models.FieldProfession)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, writes, s.Writes(lobbyID), "repeat reveal must not write")

	l, err := m.GetLobby(ctx, lobbyID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.FieldProfession}, l.Player(bob).RevealedCharacteristics)
}

func TestRevealCharacteristicErrors(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	lobbyID, hostID, _ := seedLobby(t, m)
	writes := s.Writes(lobbyID)

	_, err := m.RevealCharacteristic(ctx, lobbyID, hostID, "shoe_size")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = m.RevealCharacteristic(ctx, lobbyID, "nobody", models.FieldAge)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = m.RevealCharacteristic(ctx, "ghost", hostID, models.FieldAge)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, writes, s.Writes(lobbyID))
}

func TestReconnectAndDisconnect(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	lobbyID, _, ids := seedLobby(t, m)
	bob, err := m.JoinLobby(ctx, lobbyID, "", "Bob", "h1")
	require.NoError(t, err)

	b, released, err := m.HandleDisconnect(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, bob.ID, b.PlayerID)
	l, err := m.GetLobby(ctx, lobbyID)
	require.NoError(t, err)
	assert.False(t, l.Player(bob.ID).Online)

	p, err := m.ReconnectPlayer(ctx, lobbyID, bob.ID, "h2")
	require.NoError(t, err)
	assert.True(t, p.Online)

	_, err = m.ReconnectPlayer(ctx, lobbyID, "nobody", "h3")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = m.ReconnectPlayer(ctx, "ghost", ids[0], "h3")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, released, err = m.HandleDisconnect(ctx, "never-bound")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestStaleHandleDoesNotKnockPlayerOffline(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	lobbyID, _, _ := seedLobby(t, m)
	bob, err := m.JoinLobby(ctx, lobbyID, "", "Bob", "old")
	require.NoError(t, err)

	_, err = m.ReconnectPlayer(ctx, lobbyID, bob.ID, "new")
	require.NoError(t, err)

	_, released, err := m.HandleDisconnect(ctx, "old")
	require.NoError(t, err)
	assert.False(t, released)

	l, err := m.GetLobby(ctx, lobbyID)
	require.NoError(t, err)
	assert.True(t, l.Player(bob.ID).Online)

	_, released, err = m.HandleDisconnect(ctx, "new")
	require.NoError(t, err)
	assert.True(t, released)
	l, err = m.GetLobby(ctx, lobbyID)
	require.NoError(t, err)
	assert.False(t, l.Player(bob.ID).Online)
}

// flakyStore fails writes while failWrites is set.
type flakyStore struct {
	*store.MemoryStore
	mu         sync.Mutex
	failWrites bool
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = v
}

func (s *flakyStore) Write(ctx context.Context, id string, l *models.Lobby) error {
	s.mu.Lock()
	fail := s.failWrites
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("disk full")
	}
	return s.MemoryStore.Write(ctx, id, l)
}

func TestDisconnectWriteFailureKeepsBindingForRetry(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	m := NewLobbyManager(fs, character.NewGenerator(rand.NewPCG(7, 11)), quietLogger())
	ctx := context.Background()
	lobbyID, _, _ := seedLobby(t, m)
	bob, err := m.JoinLobby(ctx, lobbyID, "", "Bob", "h1")
	require.NoError(t, err)

	fs.setFail(true)
	_, released, err := m.HandleDisconnect(ctx, "h1")
	require.Error(t, err)
	assert.False(t, released)
	cur, ok := m.Registry().Current(Binding{LobbyID: lobbyID, PlayerID: bob.ID})
	require.True(t, ok, "binding must survive a failed write")
	assert.Equal(t, "h1", cur)

	fs.setFail(false)
	_, released, err = m.HandleDisconnect(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, released)
	l, err := m.GetLobby(ctx, lobbyID)
	require.NoError(t, err)
	assert.False(t, l.Player(bob.ID).Online)
	assert.Equal(t, 0, m.Registry().Len())
}

func TestRevealExperienceYearsRevealsProfession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	lobbyID, _, ids := seedLobby(t, m, "Bob", "Carol", "Dave", "Eve", "Fiona")
	_, err := m.StartGame(ctx, lobbyID, testSetup())
	require.NoError(t, err)

	changed, err := m.RevealCharacteristic(ctx, lobbyID, ids[1], "experience_years")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.RevealCharacteristic(ctx, lobbyID, ids[1], models.FieldProfession)
	require.NoError(t, err)
	assert.False(t, changed, "the alias and the field are the same characteristic")

	l, err := m.GetLobby(ctx, lobbyID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.FieldProfession}, l.Player(ids[1]).RevealedCharacteristics)
}

func TestReconnectKeepsCharacterAndReveals(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	lobbyID, _, ids := seedLobby(t, m, "Bob", "Carol", "Dave", "Eve", "Fiona")
	started, err := m.StartGame(ctx, lobbyID, testSetup())
	require.NoError(t, err)
	carol := ids[2]
	_, err = m.RevealCharacteristic(ctx, lobbyID, carol, models.FieldAge)
	require.NoError(t, err)

	_, err = m.JoinLobby(ctx, lobbyID, carol, "", "c1")
	require.NoError(t, err)
	_, _, err = m.HandleDisconnect(ctx, "c1")
	require.NoError(t, err)
	p, err := m.ReconnectPlayer(ctx, lobbyID, carol, "c2")
	require.NoError(t, err)

	assert.Equal(t, started.Player(carol).Character, p.Character)
	assert.Equal(t, []string{models.FieldAge}, p.RevealedCharacteristics)
}

func TestUpdateNickname(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	lobbyID, hostID, _ := seedLobby(t, m)

	p, err := m.UpdateNickname(ctx, lobbyID, hostID, " Alicia ")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", p.Nickname)

	writes := s.Writes(lobbyID)
	_, err = m.UpdateNickname(ctx, lobbyID, hostID, "Alicia")
	require.NoError(t, err)
	assert.Equal(t, writes, s.Writes(lobbyID))

	_, err = m.UpdateNickname(ctx, lobbyID, hostID, "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = m.UpdateNickname(ctx, lobbyID, "nobody", "Zed")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentStartAndRevealLoseNoUpdates(t *testing.T) {
	for round := 0; round < 10; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			m, _ := newTestManager(t)
			ctx := context.Background()
			lobbyID, _, ids := seedLobby(t, m, "Bob", "Carol", "Dave", "Eve", "Fiona")

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.StartGame(ctx, lobbyID, testSetup())
				assert.NoError(t, err)
			}()
			for _, id := range ids {
				for _, field := range []string{models.FieldAge, models.FieldHobby} {
					wg.Add(1)
					go func(id, field string) {
						defer wg.Done()
						_, err := m.RevealCharacteristic(ctx, lobbyID, id, field)
						assert.NoError(t, err)
					}(id, field)
				}
			}
			wg.Wait()

			l, err := m.GetLobby(ctx, lobbyID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusPlaying, l.Status)
			assert.NotNil(t, l.GameData)
			for _, p := range l.Players {
				assert.ElementsMatch(t, []string{models.FieldAge, models.FieldHobby}, p.RevealedCharacteristics)
				assert.False(t, p.Character.IsZero())
			}
		})
	}
}

func TestConcurrentJoinsAreAllRecorded(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	lobbyID, _, _ := seedLobby(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.JoinLobby(ctx, lobbyID, "", fmt.Sprintf("guest-%d", i), fmt.Sprintf("h-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	l, err := m.GetLobby(ctx, lobbyID)
	require.NoError(t, err)
	assert.Len(t, l.Players, 16)
	assert.Equal(t, 15, m.Registry().Len())
}
