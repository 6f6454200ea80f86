package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jason-s-yu/bunker/internal/models"
	"github.com/jason-s-yu/bunker/internal/syncutil"
	"github.com/sirupsen/logrus"
)

const (
	filePrefix   = "lobby_"
	fileSuffix   = ".json"
	backupSuffix = ".bak"
	tempSuffix   = ".tmp"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// FileStore keeps one JSON file per lobby under dir. A write first copies the current record
// to a .bak companion, replaces the record through a temp file and rename, reads it back, and
// only then drops the backup. Reads salvage damaged records, fall back to the backup, and as
// a last resort reset the lobby to an empty waiting one.
type FileStore struct {
	dir   string
	log   logrus.FieldLogger
	locks *syncutil.KeyedMutex

	// writeFile replaces the file at path with data. Tests swap it to simulate a faulty medium.
	writeFile func(path string, data []byte) error
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, logger logrus.FieldLogger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty data directory", models.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return &FileStore{
		dir:       dir,
		log:       logger,
		locks:     syncutil.NewKeyedMutex(),
		writeFile: writeFileAtomic,
	}, nil
}

func (s *FileStore) primaryPath(id string) string {
	return filepath.Join(s.dir, filePrefix+id+fileSuffix)
}

func (s *FileStore) backupPath(id string) string {
	return s.primaryPath(id) + backupSuffix
}

func (s *FileStore) Create(ctx context.Context, id string, lobby *models.Lobby) error {
	if err := checkRecord(id, lobby); err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	for _, p := range []string{s.primaryPath(id), s.backupPath(id)} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("lobby %s: %w", id, models.ErrAlreadyExists)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", p, err)
		}
	}
	return s.commit(id, lobby)
}

// Write does not observe ctx: once started, a write always runs to completion so the
// record is never left half replaced.
func (s *FileStore) Write(_ context.Context, id string, lobby *models.Lobby) error {
	if err := checkRecord(id, lobby); err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.commit(id, lobby)
}

// commit performs backup, replace, verify. Caller holds the lock for id.
func (s *FileStore) commit(id string, lobby *models.Lobby) error {
	primary, backup := s.primaryPath(id), s.backupPath(id)
	log := s.log.WithField("lobby", id)

	data, err := json.MarshalIndent(lobby, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lobby %s: %w", id, err)
	}

	prev, err := os.ReadFile(primary)
	hasBackup := false
	switch {
	case err == nil:
		if err := writeFileAtomic(backup, prev); err != nil {
			return fmt.Errorf("back up lobby %s: %w", id, err)
		}
		hasBackup = true
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("read lobby %s before write: %w", id, err)
	}

	if err := s.writeFile(primary, data); err != nil {
		s.rollback(id, prev, hasBackup)
		return fmt.Errorf("write lobby %s: %w", id, err)
	}

	if err := s.verify(id, data); err != nil {
		log.WithError(err).Error("Lobby record failed verification after write, restoring previous version")
		s.rollback(id, prev, hasBackup)
		return fmt.Errorf("write lobby %s: %w", id, err)
	}

	if hasBackup {
		if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.WithError(err).Warn("Could not remove lobby backup")
		}
	}
	log.Debug("Lobby saved")
	return nil
}

// verify reads back the record and checks it decodes to exactly what was written.
func (s *FileStore) verify(id string, want []byte) error {
	got, err := os.ReadFile(s.primaryPath(id))
	if err != nil {
		return err
	}
	lobby, _, err := salvage(got, id)
	if err != nil {
		return err
	}
	again, err := json.MarshalIndent(lobby, "", "  ")
	if err != nil {
		return err
	}
	if !bytes.Equal(again, want) {
		return fmt.Errorf("%w: record differs from what was written", models.ErrPersistenceCorruption)
	}
	return nil
}

// rollback puts the previous version back after a failed write. A failed create simply
// leaves nothing behind.
func (s *FileStore) rollback(id string, prev []byte, hasBackup bool) {
	log := s.log.WithField("lobby", id)
	primary := s.primaryPath(id)
	if !hasBackup {
		if err := os.Remove(primary); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.WithError(err).Warn("Could not remove partially written lobby")
		}
		return
	}
	if err := writeFileAtomic(primary, prev); err != nil {
		// the .bak stays on disk and Read will pick it up
		log.WithError(err).Error("Could not restore lobby from backup")
		return
	}
	_ = os.Remove(s.backupPath(id))
	log.Info("Restored lobby from backup")
}

// Read never surfaces corruption: a damaged record is salvaged, replaced by its backup, or
// reset to an empty waiting lobby. The reset is indistinguishable from a fresh lobby except
// for its empty player list.
func (s *FileStore) Read(ctx context.Context, id string) (*models.Lobby, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	primary, backup := s.primaryPath(id), s.backupPath(id)
	log := s.log.WithField("lobby", id)

	primaryData, perr := os.ReadFile(primary)
	backupData, berr := os.ReadFile(backup)
	if errors.Is(perr, fs.ErrNotExist) && errors.Is(berr, fs.ErrNotExist) {
		return nil, fmt.Errorf("lobby %s: %w", id, models.ErrNotFound)
	}

	if perr == nil {
		lobby, clean, err := salvage(primaryData, id)
		if err == nil {
			if !bytes.Equal(clean, primaryData) {
				if err := s.writeFile(primary, clean); err != nil {
					log.WithError(err).Warn("Could not rewrite cleaned lobby record")
				} else {
					log.Info("Cleaned up lobby record on read")
				}
			}
			if berr == nil {
				// a healthy primary makes any leftover backup stale
				_ = os.Remove(backup)
			}
			return lobby, nil
		}
		log.WithError(err).Warn("Lobby record is corrupt")
	} else if !errors.Is(perr, fs.ErrNotExist) {
		log.WithError(perr).Warn("Lobby record is unreadable")
	}

	if berr == nil {
		lobby, clean, err := salvage(backupData, id)
		if err == nil {
			if err := s.writeFile(primary, clean); err != nil {
				log.WithError(err).Warn("Could not restore lobby record from backup")
			} else {
				_ = os.Remove(backup)
			}
			log.Info("Restored lobby from backup")
			return lobby, nil
		}
		log.WithError(err).Warn("Lobby backup is also corrupt")
	}

	fresh := models.NewLobby(id)
	data, err := json.MarshalIndent(fresh, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("lobby %s: %w", id, err)
	}
	if err := s.writeFile(primary, data); err != nil {
		return nil, fmt.Errorf("%w: lobby %s could not be recovered: %w", models.ErrNotFound, id, err)
	}
	_ = os.Remove(backup)
	log.Warn("Lobby could not be recovered, reset to an empty lobby")
	return fresh, nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if ValidateID(id) == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// salvage decodes a possibly damaged record. It strips a BOM and NUL bytes, then decodes the
// first JSON value and drops whatever trails it. The returned bytes are the cleaned record.
func salvage(data []byte, id string) (*models.Lobby, []byte, error) {
	clean := bytes.TrimPrefix(data, utf8BOM)
	clean = bytes.ReplaceAll(clean, []byte{0}, nil)
	clean = bytes.TrimSpace(clean)
	if len(clean) == 0 {
		return nil, nil, fmt.Errorf("%w: empty record", models.ErrPersistenceCorruption)
	}

	lobby := &models.Lobby{}
	dec := json.NewDecoder(bytes.NewReader(clean))
	if err := dec.Decode(lobby); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", models.ErrPersistenceCorruption, err)
	}
	clean = clean[:dec.InputOffset()]

	if err := lobby.Validate(); err != nil {
		return nil, nil, err
	}
	if lobby.ID != id {
		return nil, nil, fmt.Errorf("%w: record holds lobby %q, expected %q", models.ErrPersistenceCorruption, lobby.ID, id)
	}
	return lobby, clean, nil
}

// writeFileAtomic writes data to a temp file, syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + tempSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	if d, err := os.Open(filepath.Dir(path)); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
