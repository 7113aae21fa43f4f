package storage

import (
	"log/slog"
	"sync"
)

type SeedRecord struct {
	Mnemonic  string `json:"mnemonic"`
	SeedHex   string `json:"seed"`
	CreatedAt int64  `json:"created_at"`
}

// SeedStore persists the seed record and the flat counter store
// keyed by "mint|keysetId".
type SeedStore struct {
	mu      sync.Mutex
	backend Backend
	logger  *slog.Logger
}

func NewSeedStore(backend Backend, logger *slog.Logger) *SeedStore {
	return &SeedStore{backend: backend, logger: discardLogger(logger)}
}

func (s *SeedStore) LoadSeedRecord() (SeedRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record SeedRecord
	if !readSlot(s.backend, s.logger, SeedSlot, &record) {
		return SeedRecord{}, false
	}
	return record, true
}

func (s *SeedStore) SaveSeedRecord(record SeedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeSlot(s.backend, SeedSlot, record)
}

func (s *SeedStore) LoadCounters() map[string]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters := make(map[string]uint32)
	if !readSlot(s.backend, s.logger, CountersSlot, &counters) || counters == nil {
		return make(map[string]uint32)
	}
	return counters
}

func (s *SeedStore) SaveCounters(counters map[string]uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeSlot(s.backend, CountersSlot, counters)
}
