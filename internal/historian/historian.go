// Package historian drains the lobby event journal into the archive in batches.
package historian

import (
	"context"
	"sync"
	"time"

	"github.com/jason-s-yu/bunker/internal/cache"
	"github.com/sirupsen/logrus"
)

// Source yields raw journal entries. Pop returns nil data if nothing arrived within timeout.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Archive stores a batch of events atomically.
type Archive interface {
	InsertLobbyEvents(ctx context.Context, records []cache.LobbyEventRecord) error
}

// ArchiveFunc adapts a plain function to Archive.
type ArchiveFunc func(ctx context.Context, records []cache.LobbyEventRecord) error

func (f ArchiveFunc) InsertLobbyEvents(ctx context.Context, records []cache.LobbyEventRecord) error {
	return f(ctx, records)
}

// Config tunes batching and idle detection.
type Config struct {
	BatchSize  int
	FlushDelay time.Duration
	PopTimeout time.Duration
	// MaxPending caps the events kept across failed flushes. Once exceeded the oldest are
	// dropped. Defaults to 100 batches.
	MaxPending int
	// Inactivity is how long a lobby may stay silent before a lobby_idle event is archived
	// for it. Zero disables the check.
	Inactivity time.Duration
}

// Service captures journal entries and flushes them to the archive whenever the batch fills
// up or the flush delay passes.
type Service struct {
	src     Source
	archive Archive
	cfg     Config
	log     logrus.FieldLogger

	lastActivity sync.Map // lobby id -> time.Time

	batchMu sync.Mutex
	batch   []cache.LobbyEventRecord

	now func() time.Time
}

func NewService(src Source, archive Archive, cfg Config, logger logrus.FieldLogger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 500 * time.Millisecond
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = 100 * cfg.BatchSize
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 3 * time.Second
	}
	return &Service{
		src:     src,
		archive: archive,
		cfg:     cfg,
		log:     logger,
		batch:   make([]cache.LobbyEventRecord, 0, cfg.BatchSize),
		now:     time.Now,
	}
}

// Run consumes the source until ctx ends, then flushes whatever is still batched.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushDelay)
	defer ticker.Stop()

	var idle <-chan time.Time
	if s.cfg.Inactivity > 0 {
		idleTicker := time.NewTicker(min(s.cfg.Inactivity, time.Minute))
		defer idleTicker.Stop()
		idle = idleTicker.C
	}

	s.log.Info("bunker-historian service started.")
	for {
		select {
		case <-ctx.Done():
			s.Flush(context.WithoutCancel(ctx))
			s.log.Info("bunker-historian shutting down.")
			return

		case <-ticker.C:
			s.Flush(ctx)

		case <-idle:
			s.markIdle()

		default:
			data, err := s.src.Pop(ctx, s.cfg.PopTimeout)
			if err != nil {
				if ctx.Err() == nil {
					s.log.WithError(err).Error("Failed to pop journal entry")
					time.Sleep(s.cfg.FlushDelay)
				}
				continue
			}
			if data == nil {
				continue
			}
			s.Ingest(ctx, data)
		}
	}
}

// Ingest decodes one journal entry and adds it to the batch. Malformed entries are dropped.
func (s *Service) Ingest(ctx context.Context, data []byte) {
	rec, err := cache.DecodeLobbyEvent(data)
	if err != nil {
		s.log.WithError(err).Warn("Dropping malformed journal entry")
		return
	}
	s.lastActivity.Store(rec.LobbyID, s.now())
	s.append(ctx, rec)
}

func (s *Service) append(ctx context.Context, rec cache.LobbyEventRecord) {
	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.cfg.BatchSize
	s.batchMu.Unlock()

	if full {
		s.Flush(ctx)
	}
}

// Flush writes the current batch in one transaction. A failed batch is put back in front of
// anything that arrived meanwhile and retried on the next flush, up to MaxPending events.
func (s *Service) Flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	pending := make([]cache.LobbyEventRecord, len(s.batch))
	copy(pending, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	if err := s.archive.InsertLobbyEvents(ctx, pending); err != nil {
		s.log.WithError(err).WithField("events", len(pending)).Error("Failed to archive lobby events")
		s.batchMu.Lock()
		s.batch = append(pending, s.batch...)
		if over := len(s.batch) - s.cfg.MaxPending; over > 0 {
			s.log.WithField("dropped", over).Warn("Archive backlog full, dropping oldest lobby events")
			s.batch = append(s.batch[:0:0], s.batch[over:]...)
		}
		s.batchMu.Unlock()
		return
	}
	s.log.Debugf("Flushed %d lobby events to DB.", len(pending))
}

// Pending returns the number of batched events not yet archived.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}

// markIdle archives a lobby_idle event for every lobby silent past the inactivity threshold.
func (s *Service) markIdle() {
	now := s.now()
	s.lastActivity.Range(func(key, val interface{}) bool {
		lobbyID, ok1 := key.(string)
		last, ok2 := val.(time.Time)
		if ok1 && ok2 && now.Sub(last) > s.cfg.Inactivity {
			s.lastActivity.Delete(lobbyID)
			rec := cache.NewLobbyEvent(lobbyID, "", "lobby_idle", map[string]interface{}{
				"idle_seconds": int(now.Sub(last) / time.Second),
			})
			rec.Timestamp = now.UnixMilli()
			s.log.WithField("lobby", lobbyID).Info("Lobby went idle")
			s.append(context.Background(), rec)
		}
		return true
	})
}
