package wallet

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/wallet/p2pk"
	"github.com/nutdo/nutdo/wallet/seed"
	"github.com/nutdo/nutdo/wallet/storage"
)

type Config struct {
	WalletPath     string
	CurrentMintURL string
	Unit           cashu.Unit
	Backend        storage.BackendKind
	// UseSeed derives output secrets from the wallet seed
	UseSeed bool
	Logger  *slog.Logger
	// OnKeyUsage is told how many proofs each P2PK key signed
	OnKeyUsage p2pk.KeyUsageFunc
}

// Stores are the persisted collaborators shared by every mint session
// of a wallet.
type Stores struct {
	Backend    storage.Backend
	Proofs     *storage.ProofStore
	Pending    *storage.PendingQueue
	MeltBlanks *storage.MeltBlankStore
	Seeds      *storage.SeedStore
	// Seed is nil unless the wallet uses deterministic secrets
	Seed     *seed.Manager
	Resolver *p2pk.Resolver

	unit   cashu.Unit
	logger *slog.Logger
}

// OpenStores opens the storage backend under config.WalletPath. With a
// seed the resolver also gets the P2PK key derived from it.
func OpenStores(config Config) (*Stores, error) {
	if config.WalletPath == "" {
		return nil, errors.New("wallet path cannot be empty")
	}
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	unit := config.Unit
	if unit == "" {
		unit = cashu.Sat
	}

	backend, err := storage.Open(config.WalletPath, config.Backend)
	if err != nil {
		return nil, fmt.Errorf("error opening wallet storage: %w", err)
	}

	stores := &Stores{
		Backend:    backend,
		Proofs:     storage.NewProofStore(backend, logger),
		Pending:    storage.NewPendingQueue(backend, logger),
		MeltBlanks: storage.NewMeltBlankStore(backend, logger),
		Seeds:      storage.NewSeedStore(backend, logger),
		Resolver:   p2pk.NewResolver(config.OnKeyUsage),
		unit:       unit,
		logger:     logger,
	}

	if config.UseSeed {
		stores.Seed = seed.NewManager(stores.Seeds, logger)
		master, err := stores.Seed.MasterKey()
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("could not load wallet seed: %w", err)
		}
		key, err := p2pk.DeriveKey(master)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("could not derive p2pk key: %w", err)
		}
		stores.Resolver.AddKey(key)
	}

	return stores, nil
}

// SessionConfig returns the config for a session with mintURL backed by
// these stores.
func (s *Stores) SessionConfig(mintURL string) SessionConfig {
	return SessionConfig{
		MintURL:    mintURL,
		Unit:       s.unit,
		Proofs:     s.Proofs,
		MeltBlanks: s.MeltBlanks,
		Seed:       s.Seed,
		Resolver:   s.Resolver,
		Logger:     s.logger,
	}
}

func (s *Stores) Close() error {
	return s.Backend.Close()
}
