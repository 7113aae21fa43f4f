package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut04"
	"github.com/nutdo/nutdo/cashu/nuts/nut05"
	"github.com/nutdo/nutdo/cashu/nuts/nut07"
	"github.com/nutdo/nutdo/cashu/nuts/nut17"
	"github.com/nutdo/nutdo/crypto"
	"github.com/nutdo/nutdo/wallet/client"
	"github.com/nutdo/nutdo/wallet/submanager"
)

// ProofY returns the hex encoded Y = hash_to_curve(secret) of the proof,
// the identifier the mint uses for proof states.
func ProofY(proof cashu.Proof) (string, error) {
	Y, err := crypto.HashToCurve([]byte(proof.Secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}

func proofYs(proofs cashu.Proofs) ([]string, map[string]cashu.Proof, error) {
	Ys := make([]string, len(proofs))
	byY := make(map[string]cashu.Proof, len(proofs))
	for i, proof := range proofs {
		Y, err := ProofY(proof)
		if err != nil {
			return nil, nil, err
		}
		Ys[i] = Y
		byY[Y] = proof
	}
	return Ys, byY, nil
}

// CheckProofStates asks the mint whether the proofs are unspent, pending or spent
func (s *MintSession) CheckProofStates(ctx context.Context, proofs cashu.Proofs) ([]nut07.ProofState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapProofState); err != nil {
		return nil, err
	}
	return s.checkStates(ctx, proofs)
}

func (s *MintSession) checkStates(ctx context.Context, proofs cashu.Proofs) ([]nut07.ProofState, error) {
	if len(proofs) == 0 {
		return []nut07.ProofState{}, nil
	}
	Ys, _, err := proofYs(proofs)
	if err != nil {
		return nil, err
	}

	response, err := client.PostCheckProofState(ctx, s.mintURL, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, err
	}
	return response.States, nil
}

// ReclaimSpent removes from the cache the proofs the mint reports as spent
// and returns their amount.
func (s *MintSession) ReclaimSpent(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapProofState); err != nil {
		return 0, err
	}

	_, byY, err := proofYs(s.proofs)
	if err != nil {
		return 0, err
	}
	states, err := s.checkStates(ctx, s.proofs)
	if err != nil {
		return 0, err
	}

	var spent cashu.Proofs
	for _, state := range states {
		if state.State != nut07.Spent {
			continue
		}
		if proof, ok := byY[state.Y]; ok {
			spent = append(spent, proof)
		}
	}
	if len(spent) == 0 {
		return 0, nil
	}

	if err := s.commit(spent.Secrets(), nil); err != nil {
		return 0, err
	}
	s.logger.Info("removed spent proofs", slog.Int("proofs", len(spent)), slog.Uint64("amount", spent.Amount()))
	return spent.Amount(), nil
}

// Subscription delivers websocket notifications to a callback until closed
type Subscription struct {
	sub     *submanager.Subscription
	manager *submanager.SubscriptionManager
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *Subscription) Close() error {
	s.cancel()
	err := s.manager.CloseSubscription(s.sub.SubId())
	<-s.done
	if errors.Is(err, submanager.ErrSubscriptionNotFound) {
		return nil
	}
	return err
}

// Done is closed once no more notifications will be delivered
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *MintSession) subscriptionManager(ctx context.Context) (*submanager.SubscriptionManager, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subManager != nil {
		return s.subManager, nil
	}

	s.mu.Lock()
	supported := s.info.Nuts.Nut17.Supported
	s.mu.Unlock()

	manager, err := submanager.NewSubscriptionManager(ctx, s.mintURL, supported)
	if err != nil {
		return nil, err
	}
	s.subManager = manager

	go func() {
		errChan := make(chan error, 1)
		manager.Run(errChan)
		select {
		case err := <-errChan:
			s.logger.Warn("websocket connection closed", slog.String("error", err.Error()))
		default:
		}
		manager.Close()

		s.subMu.Lock()
		if s.subManager == manager {
			s.subManager = nil
		}
		s.subMu.Unlock()
	}()

	return manager, nil
}

func (s *MintSession) requireSubscription(kind nut17.SubscriptionKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapWebsocket); err != nil {
		return err
	}
	if !s.info.Nuts.SupportsWebsocket(kind, s.unit.String()) {
		return fmt.Errorf("%w: %v subscriptions", ErrUnsupported, kind)
	}
	return nil
}

func (s *MintSession) subscribe(
	ctx context.Context,
	kind nut17.SubscriptionKind,
	filters []string,
	deliver func(payload json.RawMessage),
) (*Subscription, error) {
	if err := s.requireSubscription(kind); err != nil {
		return nil, err
	}

	manager, err := s.subscriptionManager(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := manager.Subscribe(ctx, kind, filters)
	if err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	subscription := &Subscription{sub: sub, manager: manager, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(subscription.done)
		for {
			notification, err := sub.Read(readCtx)
			if err != nil {
				return
			}
			deliver(notification.Params.Payload)
		}
	}()

	return subscription, nil
}

// SubscribeProofStateUpdates calls onUpdate with the initial state of each
// proof and again every time one changes at the mint.
func (s *MintSession) SubscribeProofStateUpdates(
	ctx context.Context,
	proofs cashu.Proofs,
	onUpdate func(nut07.ProofState),
) (*Subscription, error) {
	Ys, _, err := proofYs(proofs)
	if err != nil {
		return nil, err
	}

	return s.subscribe(ctx, nut17.ProofState, Ys, func(payload json.RawMessage) {
		var state nut07.ProofState
		if err := json.Unmarshal(payload, &state); err != nil {
			s.logger.Warn("invalid proof state notification", slog.String("error", err.Error()))
			return
		}
		onUpdate(state)
	})
}

// SubscribeMintQuoteUpdates calls onUpdate with the state of the quote
// and again every time it changes.
func (s *MintSession) SubscribeMintQuoteUpdates(
	ctx context.Context,
	quoteId string,
	onUpdate func(nut04.PostMintQuoteBolt11Response),
) (*Subscription, error) {
	return s.subscribe(ctx, nut17.Bolt11MintQuote, []string{quoteId}, func(payload json.RawMessage) {
		var quote nut04.PostMintQuoteBolt11Response
		if err := json.Unmarshal(payload, &quote); err != nil {
			s.logger.Warn("invalid mint quote notification", slog.String("error", err.Error()))
			return
		}
		onUpdate(quote)
	})
}

// SubscribeMeltQuoteUpdates calls onUpdate with the state of the melt
// quote and again every time it changes.
func (s *MintSession) SubscribeMeltQuoteUpdates(
	ctx context.Context,
	quoteId string,
	onUpdate func(nut05.PostMeltQuoteBolt11Response),
) (*Subscription, error) {
	return s.subscribe(ctx, nut17.Bolt11MeltQuote, []string{quoteId}, func(payload json.RawMessage) {
		var quote nut05.PostMeltQuoteBolt11Response
		if err := json.Unmarshal(payload, &quote); err != nil {
			s.logger.Warn("invalid melt quote notification", slog.String("error", err.Error()))
			return
		}
		onUpdate(quote)
	})
}
