package storage

import (
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/nutdo/nutdo/cashu"
)

// ProofStore holds the proofs of every mint the wallet has used.
// It is shared by all mint sessions and every mutation is persisted
// before it returns.
type ProofStore struct {
	mu      sync.Mutex
	backend Backend
	logger  *slog.Logger
}

func NewProofStore(backend Backend, logger *slog.Logger) *ProofStore {
	return &ProofStore{backend: backend, logger: discardLogger(logger)}
}

// LoadStore returns the full map of mint url to proofs
func (s *ProofStore) LoadStore() map[string]cashu.Proofs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadStore()
}

func (s *ProofStore) loadStore() map[string]cashu.Proofs {
	store := make(map[string]cashu.Proofs)
	if !readSlot(s.backend, s.logger, ProofsSlot, &store) || store == nil {
		return make(map[string]cashu.Proofs)
	}
	return store
}

// SaveStore replaces the full map of proofs.
func (s *ProofStore) SaveStore(store map[string]cashu.Proofs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveStore(store)
}

// saveStore persists the store, registers mints holding funds and moves
// the active mint away from an empty mint when another one has funds.
func (s *ProofStore) saveStore(store map[string]cashu.Proofs) error {
	if err := writeSlot(s.backend, ProofsSlot, store); err != nil {
		return err
	}

	known := s.knownMints()
	changed := false
	for _, mint := range sortedMints(store) {
		if store[mint].Amount() > 0 && !slices.Contains(known, mint) {
			known = append(known, mint)
			changed = true
		}
	}
	if changed {
		if err := writeSlot(s.backend, KnownMintsSlot, known); err != nil {
			return err
		}
	}

	active := s.activeMint()
	if active != "" && store[active].Amount() > 0 {
		return nil
	}
	for _, mint := range known {
		if mint != active && store[mint].Amount() > 0 {
			s.logger.Info("switching active mint", slog.String("from", active), slog.String("to", mint))
			return writeSlot(s.backend, ActiveMintSlot, mint)
		}
	}
	return nil
}

func sortedMints(store map[string]cashu.Proofs) []string {
	mints := make([]string, 0, len(store))
	for mint := range store {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	return mints
}

func (s *ProofStore) GetProofs(mintURL string) cashu.Proofs {
	s.mu.Lock()
	defer s.mu.Unlock()

	proofs := s.loadStore()[NormalizeMintURL(mintURL)]
	if proofs == nil {
		return cashu.Proofs{}
	}
	return proofs
}

// SetProofs atomically replaces the proofs held for the mint
func (s *ProofStore) SetProofs(mintURL string, proofs cashu.Proofs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.loadStore()
	mintURL = NormalizeMintURL(mintURL)
	if len(proofs) == 0 {
		delete(store, mintURL)
	} else {
		store[mintURL] = dedupe(proofs)
	}
	return s.saveStore(store)
}

// AddProofs merges proofs into the mint's set. Proofs whose secret is
// already held are ignored. It returns the merged set.
func (s *ProofStore) AddProofs(mintURL string, proofs cashu.Proofs) (cashu.Proofs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.loadStore()
	mintURL = NormalizeMintURL(mintURL)
	merged := MergeProofs(store[mintURL], proofs)
	store[mintURL] = merged
	if err := s.saveStore(store); err != nil {
		return nil, err
	}
	return merged, nil
}

// RemoveProofs deletes the proofs with the given secrets from the mint's set.
func (s *ProofStore) RemoveProofs(mintURL string, secrets []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.loadStore()
	mintURL = NormalizeMintURL(mintURL)
	remove := make(map[string]bool, len(secrets))
	for _, secret := range secrets {
		remove[secret] = true
	}
	remaining := store[mintURL].Filter(func(p cashu.Proof) bool { return !remove[p.Secret] })
	if len(remaining) == 0 {
		delete(store, mintURL)
	} else {
		store[mintURL] = remaining
	}
	return s.saveStore(store)
}

func (s *ProofStore) ClearProofs(mintURL string) error {
	return s.SetProofs(mintURL, nil)
}

func (s *ProofStore) Balance(mintURL string) uint64 {
	return s.GetProofs(mintURL).Amount()
}

// Balances returns the balance of every mint holding proofs
func (s *ProofStore) Balances() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	balances := make(map[string]uint64)
	for mint, proofs := range s.loadStore() {
		balances[mint] = proofs.Amount()
	}
	return balances
}

func (s *ProofStore) ActiveMint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeMint()
}

func (s *ProofStore) activeMint() string {
	var active string
	readSlot(s.backend, s.logger, ActiveMintSlot, &active)
	return active
}

func (s *ProofStore) SetActiveMint(mintURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mintURL = NormalizeMintURL(mintURL)
	if err := s.rememberMint(mintURL); err != nil {
		return err
	}
	return writeSlot(s.backend, ActiveMintSlot, mintURL)
}

// KnownMints returns the mints in order of first appearance
func (s *ProofStore) KnownMints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownMints()
}

func (s *ProofStore) knownMints() []string {
	known := []string{}
	if !readSlot(s.backend, s.logger, KnownMintsSlot, &known) || known == nil {
		return []string{}
	}
	return known
}

func (s *ProofStore) RememberMint(mintURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rememberMint(NormalizeMintURL(mintURL))
}

func (s *ProofStore) rememberMint(mintURL string) error {
	known := s.knownMints()
	if slices.Contains(known, mintURL) {
		return nil
	}
	return writeSlot(s.backend, KnownMintsSlot, append(known, mintURL))
}

// MergeProofs appends the proofs from add whose secret is not in existing
func MergeProofs(existing, add cashu.Proofs) cashu.Proofs {
	merged := make(cashu.Proofs, 0, len(existing)+len(add))
	merged = append(merged, existing...)
	return dedupe(append(merged, add...))
}

func dedupe(proofs cashu.Proofs) cashu.Proofs {
	seen := make(map[string]bool, len(proofs))
	unique := make(cashu.Proofs, 0, len(proofs))
	for _, proof := range proofs {
		if seen[proof.Secret] {
			continue
		}
		seen[proof.Secret] = true
		unique = append(unique, proof)
	}
	return unique
}
