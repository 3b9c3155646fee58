package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileQuotaStore keeps provider call counters in a small JSON file. The file
// is read once on open and rewritten after every increment.
type FileQuotaStore struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	counts map[string]int64
}

func NewFileQuotaStore(path string, logger *zap.Logger) (*FileQuotaStore, error) {
	s := &FileQuotaStore{
		path:   path,
		logger: logger,
		counts: make(map[string]int64),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading quota file: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.counts); err != nil {
			return nil, fmt.Errorf("decoding quota file %s: %w", path, err)
		}
	}

	logger.Debug("loaded provider quota", zap.String("path", path), zap.Any("counts", s.counts))
	return s, nil
}

func (s *FileQuotaStore) Count(_ context.Context, provider string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[provider], nil
}

// Increment bumps the in-memory counter before writing, so the counter stays
// monotonic even when the write fails.
func (s *FileQuotaStore) Increment(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[provider]++
	if err := s.persistLocked(); err != nil {
		s.logger.Error("failed to persist provider quota",
			zap.String("provider", provider),
			zap.String("path", s.path),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *FileQuotaStore) persistLocked() error {
	data, err := json.MarshalIndent(s.counts, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".quota-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
