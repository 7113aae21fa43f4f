// Package seed manages the wallet seed used for deterministic secrets
// and the per keyset counters derived from it.
package seed

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nutdo/nutdo/wallet/storage"
	"github.com/tyler-smith/go-bip39"
)

const entropyBits = 128

var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	seedHexPattern = regexp.MustCompile("^[0-9a-fA-F]+$")
)

// Manager owns the seed record and the counter store. A single
// Manager is created per wallet and shared by every mint session.
type Manager struct {
	mu       sync.Mutex
	store    *storage.SeedStore
	logger   *slog.Logger
	record   *storage.SeedRecord
	seed     []byte
	counters map[string]uint32
}

func NewManager(store *storage.SeedStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{store: store, logger: logger}
}

// EnsureSeedRecord returns the seed record, generating and persisting
// a new one if none is stored or the stored one does not validate.
func (m *Manager) EnsureSeedRecord() (storage.SeedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureSeedRecord()
}

func (m *Manager) ensureSeedRecord() (storage.SeedRecord, error) {
	if m.record != nil {
		return *m.record, nil
	}

	record, ok := m.store.LoadSeedRecord()
	if ok {
		err := validateRecord(record)
		if err == nil {
			return m.cache(record)
		}
		m.logger.Warn("stored wallet seed is invalid, generating a new one", slog.String("error", err.Error()))
		// counters of the unreadable seed cannot be reused
		if err := m.saveCounters(map[string]uint32{}); err != nil {
			return storage.SeedRecord{}, err
		}
	}

	record, err := newRecord()
	if err != nil {
		return storage.SeedRecord{}, err
	}
	if err := m.store.SaveSeedRecord(record); err != nil {
		return storage.SeedRecord{}, err
	}
	m.logger.Info("generated new wallet seed")
	return m.cache(record)
}

func (m *Manager) cache(record storage.SeedRecord) (storage.SeedRecord, error) {
	seed, err := hex.DecodeString(record.SeedHex)
	if err != nil {
		return storage.SeedRecord{}, err
	}
	m.record = &record
	m.seed = seed
	return record, nil
}

func validateRecord(record storage.SeedRecord) error {
	if !bip39.IsMnemonicValid(record.Mnemonic) {
		return ErrInvalidMnemonic
	}
	if len(record.SeedHex)%2 != 0 || !seedHexPattern.MatchString(record.SeedHex) {
		return errors.New("invalid seed hex")
	}
	return nil
}

func newRecord() (storage.SeedRecord, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return storage.SeedRecord{}, fmt.Errorf("error generating entropy: %v", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return storage.SeedRecord{}, fmt.Errorf("error generating mnemonic: %v", err)
	}
	return recordFromMnemonic(mnemonic), nil
}

func recordFromMnemonic(mnemonic string) storage.SeedRecord {
	seed := bip39.NewSeed(mnemonic, "")
	return storage.SeedRecord{
		Mnemonic:  mnemonic,
		SeedHex:   hex.EncodeToString(seed),
		CreatedAt: time.Now().Unix(),
	}
}

// SeedBytes returns the seed derived from the mnemonic
func (m *Manager) SeedBytes() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.ensureSeedRecord(); err != nil {
		return nil, err
	}
	seed := make([]byte, len(m.seed))
	copy(seed, m.seed)
	return seed, nil
}

func (m *Manager) Mnemonic() (string, error) {
	record, err := m.EnsureSeedRecord()
	if err != nil {
		return "", err
	}
	return record.Mnemonic, nil
}

// MasterKey returns the root extended key of the seed.
func (m *Manager) MasterKey() (*hdkeychain.ExtendedKey, error) {
	seed, err := m.SeedBytes()
	if err != nil {
		return nil, err
	}
	return hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
}

// RegenerateWalletSeed replaces the seed with a new one and wipes
// the counters of every mint.
func (m *Manager) RegenerateWalletSeed() (storage.SeedRecord, error) {
	record, err := newRecord()
	if err != nil {
		return storage.SeedRecord{}, err
	}
	return m.replaceSeed(record)
}

// ImportMnemonic replaces the seed with the one from the mnemonic and
// wipes all counters. Counters are restored from the mints afterwards.
func (m *Manager) ImportMnemonic(mnemonic string) (storage.SeedRecord, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return storage.SeedRecord{}, ErrInvalidMnemonic
	}
	return m.replaceSeed(recordFromMnemonic(mnemonic))
}

func (m *Manager) replaceSeed(record storage.SeedRecord) (storage.SeedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SaveSeedRecord(record); err != nil {
		return storage.SeedRecord{}, err
	}
	if err := m.saveCounters(map[string]uint32{}); err != nil {
		return storage.SeedRecord{}, err
	}
	m.logger.Info("replaced wallet seed and reset counters")
	return m.cache(record)
}

func counterKey(mint, keysetId string) string {
	return storage.NormalizeMintURL(mint) + "|" + keysetId
}

func (m *Manager) loadCounters() map[string]uint32 {
	if m.counters == nil {
		m.counters = m.store.LoadCounters()
	}
	return m.counters
}

func (m *Manager) saveCounters(counters map[string]uint32) error {
	if err := m.store.SaveCounters(counters); err != nil {
		return err
	}
	m.counters = counters
	return nil
}

// CounterInit returns the next unused counter for the keyset
func (m *Manager) CounterInit(mint, keysetId string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCounters()[counterKey(mint, keysetId)]
}

// PersistCounter stores next as the counter for the keyset. A value lower
// than the stored one is ignored so counters only move forward.
func (m *Manager) PersistCounter(mint, keysetId string, next uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters := m.loadCounters()
	key := counterKey(mint, keysetId)
	if current, ok := counters[key]; ok && current >= next {
		return nil
	}

	updated := copyCounters(counters)
	updated[key] = next
	return m.saveCounters(updated)
}

// PersistCounterSnapshot merges the snapshot into the counters of one
// mint. Keysets missing from the snapshot keep their counter and values
// already past the snapshot are kept.
func (m *Manager) PersistCounterSnapshot(mint string, snapshot map[string]uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters := m.loadCounters()
	updated := copyCounters(counters)
	changed := false
	for keysetId, value := range snapshot {
		key := counterKey(mint, keysetId)
		current, ok := counters[key]
		if ok && current >= value {
			continue
		}
		updated[key] = value
		changed = true
	}
	if !changed {
		return nil
	}
	return m.saveCounters(updated)
}

// MintCounters returns the counters of every keyset of the mint
func (m *Manager) MintCounters(mint string) map[string]uint32 {
	return m.Backup()[storage.NormalizeMintURL(mint)]
}

// Backup regroups the counters as mint -> keyset id -> counter.
func (m *Manager) Backup() map[string]map[string]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	backup := make(map[string]map[string]uint32)
	for key, value := range m.loadCounters() {
		mint, keysetId := splitKey(key)
		if _, ok := backup[mint]; !ok {
			backup[mint] = make(map[string]uint32)
		}
		backup[mint][keysetId] = value
	}
	return backup
}

// ImportCounters merges counters from a backup
func (m *Manager) ImportCounters(backup map[string]map[string]uint32) error {
	for mint, keysets := range backup {
		for keysetId, value := range keysets {
			if err := m.PersistCounter(mint, keysetId, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitKey(key string) (string, string) {
	idx := strings.LastIndex(key, "|")
	if idx == -1 {
		return key, ""
	}
	return key[:idx], key[idx+1:]
}

func copyCounters(counters map[string]uint32) map[string]uint32 {
	copied := make(map[string]uint32, len(counters))
	for key, value := range counters {
		copied[key] = value
	}
	return copied
}
