package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jason-s-yu/bunker/internal/models"
)

// MemoryStore keeps serialized lobbies in memory. Nothing survives a restart; it backs the
// --ephemeral server mode and the manager tests. Records are stored as JSON so callers never
// share pointers with the store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
	writes  map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
		writes:  make(map[string]int),
	}
}

func (s *MemoryStore) Create(_ context.Context, id string, lobby *models.Lobby) error {
	if err := checkRecord(id, lobby); err != nil {
		return err
	}
	data, err := json.Marshal(lobby)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return fmt.Errorf("lobby %s: %w", id, models.ErrAlreadyExists)
	}
	s.records[id] = data
	s.writes[id]++
	return nil
}

func (s *MemoryStore) Read(_ context.Context, id string) (*models.Lobby, error) {
	s.mu.Lock()
	data, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("lobby %s: %w", id, models.ErrNotFound)
	}
	lobby := &models.Lobby{}
	if err := json.Unmarshal(data, lobby); err != nil {
		return nil, err
	}
	return lobby, nil
}

func (s *MemoryStore) Write(_ context.Context, id string, lobby *models.Lobby) error {
	if err := checkRecord(id, lobby); err != nil {
		return err
	}
	data, err := json.Marshal(lobby)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = data
	s.writes[id]++
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Writes reports how many times the record for id was persisted, including its creation.
func (s *MemoryStore) Writes(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[id]
}
