// Package orchestrator coordinates mint sessions across every mint the
// wallet knows: receiving tokens from any mint, redeeming tokens queued
// while offline and paying invoices from one or several mints.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nutdo/nutdo/wallet"
	"github.com/nutdo/nutdo/wallet/storage"
)

var ErrNoActiveMint = errors.New("no active mint set")

type Orchestrator struct {
	stores *wallet.Stores
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*wallet.MintSession

	draining   atomic.Bool
	inFlightMu sync.Mutex
	inFlight   map[string]bool
}

// New opens the wallet storage. If no active mint is stored yet,
// config.CurrentMintURL becomes the active mint.
func New(config wallet.Config) (*Orchestrator, error) {
	stores, err := wallet.OpenStores(config)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	o := &Orchestrator{
		stores:   stores,
		logger:   logger,
		sessions: make(map[string]*wallet.MintSession),
		inFlight: make(map[string]bool),
	}

	if config.CurrentMintURL != "" && stores.Proofs.ActiveMint() == "" {
		if err := stores.Proofs.SetActiveMint(config.CurrentMintURL); err != nil {
			stores.Close()
			return nil, fmt.Errorf("could not save active mint: %w", err)
		}
	}
	return o, nil
}

func (o *Orchestrator) Stores() *wallet.Stores {
	return o.stores
}

// Session returns the session for mint, creating it on first use.
// The session is initialized before it is returned.
func (o *Orchestrator) Session(ctx context.Context, mint string) (*wallet.MintSession, error) {
	mint = storage.NormalizeMintURL(mint)
	if mint == "" {
		return nil, errors.New("mint url cannot be empty")
	}

	o.mu.Lock()
	session, ok := o.sessions[mint]
	if !ok {
		var err error
		session, err = wallet.NewMintSession(o.stores.SessionConfig(mint))
		if err != nil {
			o.mu.Unlock()
			return nil, err
		}
		o.sessions[mint] = session
	}
	o.mu.Unlock()

	if err := session.Init(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

func (o *Orchestrator) ActiveMint() string {
	return o.stores.Proofs.ActiveMint()
}

// ActiveSession returns the session of the active mint
func (o *Orchestrator) ActiveSession(ctx context.Context) (*wallet.MintSession, error) {
	active := o.ActiveMint()
	if active == "" {
		return nil, ErrNoActiveMint
	}
	return o.Session(ctx, active)
}

// SetActiveMint connects to the mint and makes it the active one
func (o *Orchestrator) SetActiveMint(ctx context.Context, mint string) error {
	session, err := o.Session(ctx, mint)
	if err != nil {
		return err
	}
	if err := o.stores.Proofs.SetActiveMint(session.MintURL()); err != nil {
		return err
	}
	o.logger.Info("set active mint", slog.String("mint", session.MintURL()))
	return nil
}

func (o *Orchestrator) KnownMints() []string {
	return o.stores.Proofs.KnownMints()
}

// Balances returns the stored balance per mint
func (o *Orchestrator) Balances() map[string]uint64 {
	return o.stores.Proofs.Balances()
}

func (o *Orchestrator) Balance() uint64 {
	var total uint64
	for _, balance := range o.Balances() {
		total += balance
	}
	return total
}

// PendingTokens lists tokens waiting to be redeemed
func (o *Orchestrator) PendingTokens() []storage.PendingToken {
	return o.stores.Pending.List()
}

func (o *Orchestrator) fundedMints() []string {
	balances := o.Balances()
	mints := make([]string, 0, len(balances))
	for mint, balance := range balances {
		if balance > 0 {
			mints = append(mints, mint)
		}
	}
	sort.Strings(mints)
	return mints
}

func (o *Orchestrator) Close() error {
	o.mu.Lock()
	for _, session := range o.sessions {
		session.Close()
	}
	o.sessions = make(map[string]*wallet.MintSession)
	o.mu.Unlock()
	return o.stores.Close()
}
