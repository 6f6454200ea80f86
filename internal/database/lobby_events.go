// internal/database/lobby_events.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/bunker/internal/cache"
)

const lobbyEventsSchema = `
	CREATE TABLE IF NOT EXISTS lobby_events (
		id          BIGSERIAL PRIMARY KEY,
		lobby_id    TEXT        NOT NULL,
		player_id   TEXT,
		event_type  TEXT        NOT NULL,
		payload     JSONB,
		occurred_at TIMESTAMPTZ NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS lobby_events_lobby_idx ON lobby_events (lobby_id, occurred_at);
`

// Migrate creates the archive table if it does not exist yet.
func Migrate(ctx context.Context) error {
	if _, err := DB.Exec(ctx, lobbyEventsSchema); err != nil {
		return fmt.Errorf("migrate lobby_events: %w", err)
	}
	return nil
}

// InsertLobbyEvents archives a batch of events in a single transaction.
func InsertLobbyEvents(ctx context.Context, records []cache.LobbyEventRecord) error {
	if len(records) == 0 {
		return nil
	}
	q := `
		INSERT INTO lobby_events (lobby_id, player_id, event_type, payload, occurred_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)
	`
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range records {
			payload, err := json.Marshal(rec.Payload)
			if err != nil {
				return fmt.Errorf("marshal payload for %s: %w", rec.EventType, err)
			}
			batch.Queue(q, rec.LobbyID, rec.PlayerID, rec.EventType, payload, time.UnixMilli(rec.Timestamp).UTC())
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// LobbyEvents returns the archived events of one lobby in the order they happened.
func LobbyEvents(ctx context.Context, lobbyID string) ([]cache.LobbyEventRecord, error) {
	q := `
		SELECT lobby_id, COALESCE(player_id, ''), event_type, payload, occurred_at
		FROM lobby_events
		WHERE lobby_id = $1
		ORDER BY occurred_at, id
	`
	rows, err := DB.Query(ctx, q, lobbyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cache.LobbyEventRecord
	for rows.Next() {
		var (
			rec        cache.LobbyEventRecord
			payload    []byte
			occurredAt time.Time
		)
		if err := rows.Scan(&rec.LobbyID, &rec.PlayerID, &rec.EventType, &payload, &occurredAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		rec.Timestamp = occurredAt.UnixMilli()
		out = append(out, rec)
	}
	return out, rows.Err()
}
