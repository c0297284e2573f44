package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pythymcpyface/tradingbot-sub005/internal/ports"

	"github.com/spf13/afero"
)

// FileStore implements ports.CheckpointStore on a single JSON file mapping
// symbol to the last fully persisted open time (RFC3339). The file stays
// human-inspectable for operational recovery: deleting an entry resets that
// symbol, deleting the file resets everything.
//
// Every Advance rewrites the file through a temp-file-and-rename so a crash
// between writes never leaves a reader with a partially written state.
type FileStore struct {
	fs     afero.Fs
	path   string
	logger ports.Logger

	mu    sync.Mutex
	state map[string]time.Time
}

// Config holds configuration for the file-backed checkpoint store.
type Config struct {
	Path   string
	Fs     afero.Fs // defaults to the OS filesystem
	Logger ports.Logger
}

// NewFileStore opens (or initialises) the checkpoint file at cfg.Path.
// A missing file is not an error: it means a fresh run.
func NewFileStore(cfg Config) (*FileStore, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for checkpoint store")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory '%s': %w", dir, err)
		}
	}

	s := &FileStore{
		fs:     fs,
		path:   cfg.Path,
		logger: cfg.Logger,
		state:  make(map[string]time.Time),
	}

	exists, err := afero.Exists(fs, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat checkpoint file '%s': %w", cfg.Path, err)
	}
	if exists {
		if err := s.read(); err != nil {
			return nil, err
		}
		cfg.Logger.Info(context.Background(), "Checkpoint file loaded", map[string]interface{}{"path": cfg.Path, "symbols": len(s.state)})
	} else {
		cfg.Logger.Info(context.Background(), "No checkpoint file found, starting fresh", map[string]interface{}{"path": cfg.Path})
	}

	return s, nil
}

func (s *FileStore) read() error {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint file '%s': %w", s.path, err)
	}
	raw := make(map[string]string)
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse checkpoint file '%s': %w", s.path, err)
	}
	for symbol, ts := range raw {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return fmt.Errorf("invalid checkpoint time '%s' for symbol %s: %w", ts, symbol, err)
		}
		s.state[symbol] = t
	}
	return nil
}

// Load returns a copy of the symbol -> last-completed-time mapping.
func (s *FileStore) Load(ctx context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.state))
	for symbol, t := range s.state {
		out[symbol] = t
	}
	return out, nil
}

// Advance durably records openTime for symbol if it is newer than the current
// value; older or equal values are a no-op. The write is atomic from a
// reader's perspective.
func (s *FileStore) Advance(ctx context.Context, symbol string, openTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.state[symbol]; ok && !openTime.After(cur) {
		s.logger.Debug(ctx, "Checkpoint advance skipped (not newer)", map[string]interface{}{
			"symbol": symbol, "current": cur.Format(time.RFC3339), "proposed": openTime.Format(time.RFC3339),
		})
		return nil
	}

	prev, had := s.state[symbol]
	s.state[symbol] = openTime
	if err := s.write(); err != nil {
		// Roll the in-memory state back so a later retry re-attempts the write.
		if had {
			s.state[symbol] = prev
		} else {
			delete(s.state, symbol)
		}
		return fmt.Errorf("%w: %w", ports.ErrCheckpointFailed, err)
	}

	s.logger.Debug(ctx, "Checkpoint advanced", map[string]interface{}{
		"symbol": symbol, "openTime": openTime.Format(time.RFC3339),
	})
	return nil
}

// write serialises the state to a temp file and renames it over the durable
// record. Must be called with s.mu held.
func (s *FileStore) write() error {
	raw := make(map[string]string, len(s.state))
	for symbol, t := range s.state {
		raw[symbol] = t.UTC().Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint file '%s': %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file '%s': %w", s.path, err)
	}
	return nil
}
