// Package backup exports the wallet seed, counters and proofs as a
// passphrase encrypted age file and imports them back.
package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/wallet"
	"github.com/nutdo/nutdo/wallet/seed"
	"github.com/nutdo/nutdo/wallet/storage"
)

const version = 1

var (
	ErrEmptyPassphrase    = errors.New("passphrase cannot be empty")
	ErrUnsupportedVersion = errors.New("unsupported backup version")
)

type Bundle struct {
	Version   int                 `json:"version"`
	CreatedAt int64               `json:"created_at"`
	Seed      *storage.SeedRecord `json:"seed,omitempty"`
	// Counters is mint -> keyset id -> next counter
	Counters   map[string]map[string]uint32 `json:"counters,omitempty"`
	Proofs     map[string]cashu.Proofs      `json:"proofs"`
	ActiveMint string                       `json:"active_mint,omitempty"`
	Mints      []string                     `json:"mints,omitempty"`
}

type ImportSummary struct {
	SeedReplaced bool
	Counters     int
	Proofs       int
	Amount       uint64
}

// Snapshot collects everything held by the stores into a bundle
func Snapshot(stores *wallet.Stores) (Bundle, error) {
	bundle := Bundle{
		Version:    version,
		CreatedAt:  time.Now().Unix(),
		Proofs:     stores.Proofs.LoadStore(),
		ActiveMint: stores.Proofs.ActiveMint(),
		Mints:      stores.Proofs.KnownMints(),
	}

	if stores.Seed != nil {
		record, err := stores.Seed.EnsureSeedRecord()
		if err != nil {
			return Bundle{}, err
		}
		bundle.Seed = &record
		bundle.Counters = stores.Seed.Backup()
	} else if record, ok := stores.Seeds.LoadSeedRecord(); ok {
		bundle.Seed = &record
	}
	return bundle, nil
}

// Export encrypts a snapshot of the stores with the passphrase
func Export(stores *wallet.Stores, passphrase string) ([]byte, error) {
	bundle, err := Snapshot(stores)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return nil, err
	}
	return encrypt(plaintext, passphrase)
}

// Decode decrypts a backup without importing it
func Decode(data []byte, passphrase string) (Bundle, error) {
	plaintext, err := decrypt(data, passphrase)
	if err != nil {
		return Bundle{}, err
	}

	var bundle Bundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("invalid backup: %v", err)
	}
	if bundle.Version != version {
		return Bundle{}, fmt.Errorf("%w: %v", ErrUnsupportedVersion, bundle.Version)
	}
	return bundle, nil
}

// Import restores a backup into the stores. A seed in the backup replaces
// the current one, then the counters are merged so they never go back.
// Proofs are merged with the ones already held. The wallet should be
// reopened after importing a different seed.
func Import(stores *wallet.Stores, data []byte, passphrase string) (ImportSummary, error) {
	bundle, err := Decode(data, passphrase)
	if err != nil {
		return ImportSummary{}, err
	}

	summary := ImportSummary{}
	if bundle.Seed != nil && bundle.Seed.Mnemonic != "" {
		manager := stores.Seed
		if manager == nil {
			manager = seed.NewManager(stores.Seeds, nil)
		}

		current, ok := stores.Seeds.LoadSeedRecord()
		if !ok || current.Mnemonic != bundle.Seed.Mnemonic {
			if _, err := manager.ImportMnemonic(bundle.Seed.Mnemonic); err != nil {
				return summary, fmt.Errorf("could not import seed: %w", err)
			}
			summary.SeedReplaced = true
		}
		if err := manager.ImportCounters(bundle.Counters); err != nil {
			return summary, fmt.Errorf("could not import counters: %w", err)
		}
		for _, keysets := range bundle.Counters {
			summary.Counters += len(keysets)
		}
	}

	for mint, proofs := range bundle.Proofs {
		if len(proofs) == 0 {
			continue
		}
		held := stores.Proofs.GetProofs(mint)
		merged, err := stores.Proofs.AddProofs(mint, proofs)
		if err != nil {
			return summary, fmt.Errorf("could not import proofs for %v: %w", mint, err)
		}
		summary.Proofs += len(merged) - len(held)
		summary.Amount += merged.Amount() - held.Amount()
	}

	for _, mint := range bundle.Mints {
		if err := stores.Proofs.RememberMint(mint); err != nil {
			return summary, err
		}
	}
	if bundle.ActiveMint != "" && stores.Proofs.ActiveMint() == "" {
		if err := stores.Proofs.SetActiveMint(bundle.ActiveMint); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	w, err := age.Encrypt(buf, recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decrypt(ciphertext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, err
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt backup: %w", err)
	}
	return io.ReadAll(r)
}
