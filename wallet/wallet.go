// Package wallet implements a session with a single mint. A MintSession owns
// the in-memory proof cache for its mint and mirrors every change into the
// proof store.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut06"
	"github.com/nutdo/nutdo/cashu/nuts/nut17"
	"github.com/nutdo/nutdo/crypto"
	"github.com/nutdo/nutdo/wallet/client"
	"github.com/nutdo/nutdo/wallet/p2pk"
	"github.com/nutdo/nutdo/wallet/seed"
	"github.com/nutdo/nutdo/wallet/storage"
	"github.com/nutdo/nutdo/wallet/submanager"
)

var (
	ErrInvalidAmount  = errors.New("amount must be a positive integer")
	ErrDifferentMint  = errors.New("token is from a different mint")
	ErrMissingProofs  = errors.New("proofs not found in wallet")
	ErrUnsupported    = errors.New("operation not supported by mint")
	ErrNotReady       = errors.New("mint session is not initialized")
	ErrPaymentFailed  = errors.New("payment failed")
	ErrNoPendingMelt  = errors.New("no pending melt for quote")
	ErrSeedNotEnabled = errors.New("deterministic secrets are not enabled")
)

// Capability is a feature advertised by the mint
type Capability uint16

const (
	CapMintQuote Capability = 1 << iota
	CapMelt
	CapProofState
	CapRestore
	CapP2PK
	CapDeterministic
	CapMPP
	CapWebsocket
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapMintQuote, "NUT-04"},
	{CapMelt, "NUT-05"},
	{CapProofState, "NUT-07"},
	{CapRestore, "NUT-09"},
	{CapP2PK, "NUT-11"},
	{CapDeterministic, "NUT-13"},
	{CapMPP, "NUT-15"},
	{CapWebsocket, "NUT-17"},
}

func (c Capability) Has(cap Capability) bool {
	return c&cap == cap
}

func (c Capability) String() string {
	names := make([]string, 0, len(capabilityNames))
	for _, entry := range capabilityNames {
		if c.Has(entry.cap) {
			names = append(names, entry.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func unsupported(cap Capability) error {
	return fmt.Errorf("%w: %v", ErrUnsupported, cap)
}

func capabilitiesFromInfo(info *nut06.MintInfo, unit cashu.Unit, deterministic bool) Capability {
	var caps Capability
	supportsMethod := func(setting nut06.NutSetting) bool {
		if setting.Disabled {
			return false
		}
		for _, method := range setting.Methods {
			if method.Method == cashu.BOLT11_METHOD && method.Unit == unit.String() {
				return true
			}
		}
		// mints that do not list methods still accept bolt11 sat
		return len(setting.Methods) == 0
	}

	if supportsMethod(info.Nuts.Nut04) {
		caps |= CapMintQuote
	}
	if supportsMethod(info.Nuts.Nut05) {
		caps |= CapMelt
	}
	if info.Nuts.Nut07.Supported {
		caps |= CapProofState
	}
	if info.Nuts.Nut09.Supported {
		caps |= CapRestore
	}
	if info.Nuts.Nut11.Supported {
		caps |= CapP2PK
	}
	if deterministic {
		caps |= CapDeterministic
	}
	if info.Nuts.SupportsMpp(unit.String()) {
		caps |= CapMPP
	}
	if info.Nuts.Nut17 != nil && len(info.Nuts.Nut17.Supported) > 0 {
		caps |= CapWebsocket
	}
	return caps
}

type State int32

const (
	StateConstructed State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

type SessionConfig struct {
	MintURL    string
	Unit       cashu.Unit
	Proofs     *storage.ProofStore
	MeltBlanks *storage.MeltBlankStore
	// Seed enables deterministic secrets. Nil uses random secrets.
	Seed     *seed.Manager
	Resolver *p2pk.Resolver
	Logger   *slog.Logger
}

type MintSession struct {
	// held for the whole of every operation that reads or changes the cache
	mu    sync.Mutex
	state atomic.Int32

	mintURL    string
	unit       cashu.Unit
	proofStore *storage.ProofStore
	meltBlanks *storage.MeltBlankStore
	seed       *seed.Manager
	resolver   *p2pk.Resolver
	logger     *slog.Logger

	info         *nut06.MintInfo
	capabilities Capability

	activeKeyset    *crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
	keysetFees      map[string]uint

	proofs cashu.Proofs

	subMu      sync.Mutex
	subManager *submanager.SubscriptionManager
}

func NewMintSession(config SessionConfig) (*MintSession, error) {
	mintURL := storage.NormalizeMintURL(config.MintURL)
	if mintURL == "" {
		return nil, errors.New("mint url cannot be empty")
	}
	if config.Proofs == nil {
		return nil, errors.New("proof store is required")
	}
	if config.MeltBlanks == nil {
		return nil, errors.New("melt blank store is required")
	}

	unit := config.Unit
	if unit == "" {
		unit = cashu.Sat
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	resolver := config.Resolver
	if resolver == nil {
		resolver = p2pk.NewResolver(nil)
	}

	return &MintSession{
		mintURL:         mintURL,
		unit:            unit,
		proofStore:      config.Proofs,
		meltBlanks:      config.MeltBlanks,
		seed:            config.Seed,
		resolver:        resolver,
		logger:          logger.With(slog.String("mint", mintURL)),
		inactiveKeysets: make(map[string]crypto.WalletKeyset),
		keysetFees:      make(map[string]uint),
	}, nil
}

// Init loads the mint info and keysets, hydrates the proof cache from the
// store and resyncs the deterministic counters. Calling Init on a ready
// session is a no-op. A failed Init leaves the session constructed.
func (s *MintSession) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateReady {
		return nil
	}
	s.state.Store(int32(StateInitializing))

	if err := s.init(ctx); err != nil {
		s.state.Store(int32(StateConstructed))
		return err
	}

	s.state.Store(int32(StateReady))
	s.logger.Info("mint session ready",
		slog.String("keyset", s.activeKeyset.Id),
		slog.String("capabilities", s.capabilities.String()),
		slog.Uint64("balance", s.proofs.Amount()))
	return nil
}

func (s *MintSession) init(ctx context.Context) error {
	info, err := client.GetMintInfo(ctx, s.mintURL)
	if err != nil {
		return fmt.Errorf("error getting info from mint: %w", err)
	}

	if err := s.loadKeysets(ctx); err != nil {
		return err
	}

	if s.seed != nil {
		if _, err := s.seed.MasterKey(); err != nil {
			return fmt.Errorf("could not load wallet seed: %w", err)
		}

		snapshot := make(map[string]uint32, len(s.inactiveKeysets)+1)
		for _, id := range s.keysetIds() {
			snapshot[id] = s.seed.CounterInit(s.mintURL, id)
		}
		if err := s.seed.PersistCounterSnapshot(s.mintURL, snapshot); err != nil {
			return fmt.Errorf("could not persist counters: %w", err)
		}
	}

	s.info = info
	s.capabilities = capabilitiesFromInfo(info, s.unit, s.seed != nil)
	s.proofs = s.proofStore.GetProofs(s.mintURL)
	return nil
}

func (s *MintSession) keysetIds() []string {
	ids := make([]string, 0, len(s.inactiveKeysets)+1)
	if s.activeKeyset != nil {
		ids = append(ids, s.activeKeyset.Id)
	}
	for id := range s.inactiveKeysets {
		ids = append(ids, id)
	}
	return ids
}

func (s *MintSession) ready() error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	return nil
}

func (s *MintSession) require(cap Capability) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !s.capabilities.Has(cap) {
		return unsupported(cap)
	}
	return nil
}

func (s *MintSession) State() State {
	return State(s.state.Load())
}

func (s *MintSession) MintURL() string {
	return s.mintURL
}

func (s *MintSession) Unit() cashu.Unit {
	return s.unit
}

func (s *MintSession) Capabilities() Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

func (s *MintSession) Info() *nut06.MintInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// SupportsWebsocket reports whether the mint accepts subscriptions of kind
func (s *MintSession) SupportsWebsocket(kind nut17.SubscriptionKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info != nil && s.info.Nuts.SupportsWebsocket(kind, s.unit.String())
}

func (s *MintSession) ActiveKeyset() crypto.WalletKeyset {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeKeyset == nil {
		return crypto.WalletKeyset{}
	}
	return *s.activeKeyset
}

func (s *MintSession) Balance() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proofs.Amount()
}

// Proofs returns a copy of the proof cache
func (s *MintSession) Proofs() cashu.Proofs {
	s.mu.Lock()
	defer s.mu.Unlock()
	proofs := make(cashu.Proofs, len(s.proofs))
	copy(proofs, s.proofs)
	return proofs
}

// Close ends open subscriptions. The session can still be used afterwards.
func (s *MintSession) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subManager == nil {
		return nil
	}
	err := s.subManager.Close()
	s.subManager = nil
	return err
}

// commit is the only path that changes the cache. It drops the proofs
// with the given secrets, merges add and persists before publishing the
// new cache in memory.
func (s *MintSession) commit(remove []string, add cashu.Proofs) error {
	removeSet := make(map[string]bool, len(remove))
	for _, secret := range remove {
		removeSet[secret] = true
	}

	kept := s.proofs.Filter(func(proof cashu.Proof) bool {
		return !removeSet[proof.Secret]
	})
	updated := storage.MergeProofs(kept, add)

	if err := s.proofStore.SetProofs(s.mintURL, updated); err != nil {
		return fmt.Errorf("could not save proofs: %w", err)
	}
	s.proofs = updated
	return nil
}

func (s *MintSession) findProofs(secrets []string) (cashu.Proofs, error) {
	bySecret := make(map[string]cashu.Proof, len(s.proofs))
	for _, proof := range s.proofs {
		bySecret[proof.Secret] = proof
	}

	seen := make(map[string]bool, len(secrets))
	proofs := make(cashu.Proofs, 0, len(secrets))
	for _, secret := range secrets {
		proof, ok := bySecret[secret]
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrMissingProofs, shortSecret(secret))
		}
		if seen[secret] {
			continue
		}
		seen[secret] = true
		proofs = append(proofs, proof)
	}
	return proofs, nil
}

func shortSecret(secret string) string {
	if len(secret) > 12 {
		return secret[:12] + "..."
	}
	return secret
}
