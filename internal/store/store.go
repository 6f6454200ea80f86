// Package store persists lobbies. The lobby record is the single source of truth for a
// session, so every implementation keeps one complete snapshot per lobby id.
package store

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jason-s-yu/bunker/internal/models"
)

// Store is the durable mapping from lobby id to Lobby.
type Store interface {
	// Create persists a new record, failing with models.ErrAlreadyExists if id is taken.
	Create(ctx context.Context, id string, lobby *models.Lobby) error
	// Read returns the record for id, failing with models.ErrNotFound if there is none.
	Read(ctx context.Context, id string) (*models.Lobby, error)
	// Write atomically replaces the record for id.
	Write(ctx context.Context, id string, lobby *models.Lobby) error
	// List returns the ids of all persisted lobbies.
	List(ctx context.Context) ([]string, error)
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID rejects ids that are not safe to use as a file name component.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: malformed lobby id %q", models.ErrInvalidInput, id)
	}
	return nil
}

// checkRecord verifies a lobby about to be persisted under id.
func checkRecord(id string, lobby *models.Lobby) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if lobby == nil {
		return fmt.Errorf("%w: nil lobby", models.ErrInvalidInput)
	}
	if lobby.ID != id {
		return fmt.Errorf("%w: lobby id %q does not match key %q", models.ErrInvalidInput, lobby.ID, id)
	}
	if err := lobby.Validate(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
	}
	return nil
}
