package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/wallet"
	"github.com/nutdo/nutdo/wallet/client"
	"github.com/nutdo/nutdo/wallet/storage"
)

var ErrRedeemInProgress = errors.New("pending token is already being redeemed")

type ReceiveResult struct {
	Mint   string
	Amount uint64
	Fees   uint64
	// CrossMint is set when the token was received at a mint other than the active one
	CrossMint bool
	// Pending is set when the mint could not be reached and the token was queued
	Pending   bool
	PendingId string
}

// ReceiveToken receives the token at the mint it comes from, which may
// not be the active one. If the mint cannot be reached, or a mint other
// than the active one fails to initialize, the token is queued and the
// result is marked pending instead of failing.
func (o *Orchestrator) ReceiveToken(ctx context.Context, encoded string) (ReceiveResult, error) {
	token, err := cashu.DecodeToken(encoded)
	if err != nil {
		return ReceiveResult{}, err
	}
	tokenMint := storage.NormalizeMintURL(token.Mint())
	active := o.ActiveMint()

	crossMint := active != "" && tokenMint != active
	if crossMint {
		o.logger.Info("token is from another mint, receiving there",
			slog.String("active", active), slog.String("mint", tokenMint))
	}

	saveForLater := func(cause error) (ReceiveResult, error) {
		result, err := o.queue(tokenMint, encoded, token.Amount(), cause)
		result.CrossMint = crossMint
		return result, err
	}

	session, err := o.Session(ctx, tokenMint)
	if err != nil {
		// a foreign mint that cannot be set up now is retried later
		if client.IsOfflineError(err) || crossMint {
			return saveForLater(err)
		}
		return ReceiveResult{}, err
	}

	result, err := receiveWith(ctx, session, encoded)
	if err != nil {
		if client.IsOfflineError(err) {
			return saveForLater(err)
		}
		return ReceiveResult{}, err
	}

	result.CrossMint = crossMint
	return result, nil
}

func (o *Orchestrator) receiveAt(ctx context.Context, mint, encoded string) (ReceiveResult, error) {
	session, err := o.Session(ctx, mint)
	if err != nil {
		return ReceiveResult{}, err
	}
	return receiveWith(ctx, session, encoded)
}

func receiveWith(ctx context.Context, session *wallet.MintSession, encoded string) (ReceiveResult, error) {
	received, err := session.ReceiveToken(ctx, encoded)
	if err != nil {
		return ReceiveResult{}, err
	}
	return ReceiveResult{Mint: received.Mint, Amount: received.Amount, Fees: received.Fees}, nil
}

func (o *Orchestrator) queue(mint, encoded string, amount uint64, cause error) (ReceiveResult, error) {
	entry, err := o.stores.Pending.Add(mint, encoded, amount)
	if err != nil {
		return ReceiveResult{}, fmt.Errorf("token could not be received or saved: %w", errors.Join(cause, err))
	}
	o.logger.Info("could not receive token, saved for later",
		slog.String("mint", mint),
		slog.String("error", cause.Error()),
		slog.String("pending_id", entry.Id),
		slog.Uint64("amount", amount))
	return ReceiveResult{Mint: mint, Amount: amount, Pending: true, PendingId: entry.Id}, nil
}

type RedeemSummary struct {
	Redeemed []ReceiveResult
	Amount   uint64
	Failed   int
	// Remaining is the number of entries left in the queue
	Remaining int
	// Aborted is set when a mint was unreachable and the pass stopped early
	Aborted bool
	// Skipped is set when another pass was already running
	Skipped bool
}

// RedeemPendingTokens tries every queued token in order, one at a time.
// A pass started while another one runs returns right away with Skipped
// set. The pass stops at the first entry whose mint is unreachable.
func (o *Orchestrator) RedeemPendingTokens(ctx context.Context) (RedeemSummary, error) {
	if !o.draining.CompareAndSwap(false, true) {
		return RedeemSummary{Skipped: true}, nil
	}
	defer o.draining.Store(false)

	summary := RedeemSummary{}
	for _, entry := range o.stores.Pending.List() {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result, err := o.redeem(ctx, entry)
		if err != nil {
			if errors.Is(err, ErrRedeemInProgress) || errors.Is(err, storage.ErrPendingTokenNotFound) {
				continue
			}
			summary.Failed++
			if client.IsOfflineError(err) {
				summary.Aborted = true
				o.logger.Info("mint unreachable, stopping redemption",
					slog.String("mint", entry.Mint), slog.String("error", err.Error()))
				break
			}
			continue
		}
		summary.Redeemed = append(summary.Redeemed, result)
		summary.Amount += result.Amount
	}

	summary.Remaining = len(o.stores.Pending.List())
	return summary, nil
}

// RedeemPendingToken redeems a single queued token
func (o *Orchestrator) RedeemPendingToken(ctx context.Context, id string) (ReceiveResult, error) {
	entry, ok := o.stores.Pending.Get(id)
	if !ok {
		return ReceiveResult{}, storage.ErrPendingTokenNotFound
	}
	return o.redeem(ctx, entry)
}

func (o *Orchestrator) claim(id string) bool {
	o.inFlightMu.Lock()
	defer o.inFlightMu.Unlock()
	if o.inFlight[id] {
		return false
	}
	o.inFlight[id] = true
	return true
}

func (o *Orchestrator) release(id string) {
	o.inFlightMu.Lock()
	delete(o.inFlight, id)
	o.inFlightMu.Unlock()
}

func (o *Orchestrator) redeem(ctx context.Context, entry storage.PendingToken) (ReceiveResult, error) {
	if !o.claim(entry.Id) {
		return ReceiveResult{}, ErrRedeemInProgress
	}
	defer o.release(entry.Id)

	// another caller may have redeemed it before the claim
	if _, ok := o.stores.Pending.Get(entry.Id); !ok {
		return ReceiveResult{}, storage.ErrPendingTokenNotFound
	}

	active := o.ActiveMint()
	result, err := o.receiveAt(ctx, entry.Mint, entry.Token)
	if err != nil {
		if markErr := o.stores.Pending.MarkAttempt(entry.Id, err); markErr != nil {
			o.logger.Warn("could not record redemption attempt",
				slog.String("pending_id", entry.Id), slog.String("error", markErr.Error()))
		}
		return ReceiveResult{}, err
	}

	if err := o.stores.Pending.Remove(entry.Id); err != nil {
		o.logger.Warn("could not remove redeemed token",
			slog.String("pending_id", entry.Id), slog.String("error", err.Error()))
	}
	result.CrossMint = active != "" && entry.Mint != active
	o.logger.Info("redeemed pending token",
		slog.String("mint", entry.Mint),
		slog.String("pending_id", entry.Id),
		slog.Uint64("amount", result.Amount))
	return result, nil
}
