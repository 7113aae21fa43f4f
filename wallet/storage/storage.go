// Package storage persists the wallet state in named slots. Each slot
// holds one JSON document that is always read and written whole.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// slots
const (
	ProofsSlot        = "proofs"
	ActiveMintSlot    = "active_mint"
	PendingTokensSlot = "pending_tokens"
	KnownMintsSlot    = "known_mints"
	SeedSlot          = "wallet_seed"
	CountersSlot      = "wallet_counters"
	MeltBlanksSlot    = "melt_blanks"
)

type BackendKind string

const (
	BoltBackend   BackendKind = "bolt"
	SQLiteBackend BackendKind = "sqlite"
)

var ErrUnknownBackend = errors.New("unknown storage backend")

// Backend is a key value store of slots. Get returns nil
// without error for a slot that was never written.
type Backend interface {
	Get(slot string) ([]byte, error)
	Put(slot string, value []byte) error
	Delete(slot string) error
	Close() error
}

func Open(path string, kind BackendKind) (Backend, error) {
	switch kind {
	case BoltBackend, "":
		return InitBolt(path)
	case SQLiteBackend:
		return InitSQLite(path)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownBackend, kind)
	}
}

// NormalizeMintURL returns the form of a mint url used as storage key.
func NormalizeMintURL(mintURL string) string {
	return strings.TrimRight(strings.TrimSpace(mintURL), "/")
}

func discardLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger
}

// readSlot decodes a slot into dst. A missing, unreadable or corrupted
// slot leaves dst untouched and returns false.
func readSlot(backend Backend, logger *slog.Logger, slot string, dst any) bool {
	data, err := backend.Get(slot)
	if err != nil {
		logger.Warn("could not read storage slot", slog.String("slot", slot), slog.String("error", err.Error()))
		return false
	}
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		logger.Warn("discarding corrupted storage slot", slog.String("slot", slot), slog.String("error", err.Error()))
		return false
	}
	return true
}

func writeSlot(backend Backend, slot string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}
	if err := backend.Put(slot, data); err != nil {
		return fmt.Errorf("error writing %v: %w", slot, err)
	}
	return nil
}
