package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nutdo/nutdo/bolt11"
	"github.com/nutdo/nutdo/cashu/nuts/nut05"
	"github.com/nutdo/nutdo/wallet"
	"github.com/nutdo/nutdo/wallet/client"
	"github.com/nutdo/nutdo/wallet/selection"
)

var ErrInsufficientAcrossMints = errors.New("insufficient balance across all mints")

// maxQuoteAdjustments bounds how many times a leg is shrunk to fit
// the fee reserve of its quote.
const maxQuoteAdjustments = 3

type PayOptions struct {
	// Mint pays from this mint only instead of the active one
	Mint string
}

type LegResult struct {
	Leg
	Result wallet.MeltResult
}

type PayResult struct {
	Amount    uint64
	Legs      []LegResult
	MultiMint bool
	// Pending is set if any leg is still waiting on the lightning payment
	Pending  bool
	Preimage string
}

// Paid is the sum of the legs the mints reported paid or pending
func (r PayResult) Paid() uint64 {
	var paid uint64
	for _, leg := range r.Legs {
		paid += leg.Amount
	}
	return paid
}

type Candidate struct {
	Mint    string
	Balance uint64
	Mpp     bool
	Active  bool
}

// RankCandidates orders mints for a multi-mint payment: mints that accept
// partial payments first, then the active mint, then larger balances.
func RankCandidates(candidates []Candidate) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Mpp != b.Mpp {
			return a.Mpp
		}
		if a.Active != b.Active {
			return a.Active
		}
		return a.Balance > b.Balance
	})
	return ranked
}

// QuoteFunc requests a quote to pay amount sats of the invoice at mint
type QuoteFunc func(ctx context.Context, mint string, amount uint64) (*nut05.PostMeltQuoteBolt11Response, error)

type Leg struct {
	Mint   string
	Amount uint64
	Quote  *nut05.PostMeltQuoteBolt11Response
}

// PlanAllocation splits amount across the candidates. Each leg takes as much
// as its mint can cover, shrunk until the quoted amount plus fee reserve fits
// the balance. Mints that fail to quote are skipped.
func PlanAllocation(ctx context.Context, amount uint64, candidates []Candidate, quote QuoteFunc) ([]Leg, error) {
	if amount == 0 {
		return nil, wallet.ErrInvalidAmount
	}

	legs := []Leg{}
	remaining := amount
	for _, candidate := range RankCandidates(candidates) {
		if remaining == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		legAmount := min(remaining, candidate.Balance)
		var legQuote *nut05.PostMeltQuoteBolt11Response
		for i := 0; legAmount > 0 && i < maxQuoteAdjustments; i++ {
			q, err := quote(ctx, candidate.Mint, legAmount)
			if err != nil {
				break
			}
			required := q.Amount + q.FeeReserve
			if required <= candidate.Balance {
				legQuote = q
				break
			}
			excess := required - candidate.Balance
			if excess >= legAmount {
				break
			}
			legAmount -= excess
		}
		if legQuote == nil {
			continue
		}

		legs = append(legs, Leg{Mint: candidate.Mint, Amount: legAmount, Quote: legQuote})
		remaining -= legAmount
	}

	if remaining > 0 {
		return nil, fmt.Errorf("%w: missing %v", ErrInsufficientAcrossMints, remaining)
	}
	return legs, nil
}

// PayInvoice pays from opts.Mint or the active mint when it can cover the
// invoice. Otherwise, unless a mint was given, the payment is split
// across every funded mint: all legs are quoted before any is paid.
func (o *Orchestrator) PayInvoice(ctx context.Context, invoice string, opts PayOptions) (PayResult, error) {
	invoice = wallet.CleanInvoice(invoice)
	amountMsat, err := bolt11.DecodeAmount(invoice)
	if err != nil {
		return PayResult{}, err
	}

	target := opts.Mint
	if target == "" {
		target = o.ActiveMint()
	}
	if target == "" {
		return PayResult{}, ErrNoActiveMint
	}

	session, err := o.Session(ctx, target)
	if err != nil {
		return PayResult{}, err
	}
	quote, err := session.CreateMeltQuote(ctx, invoice)
	if err != nil {
		return PayResult{}, err
	}

	if session.AvailableForMelt() >= quote.Amount+quote.FeeReserve {
		melt, err := session.PayMeltQuote(ctx, quote)
		result := PayResult{
			Amount:   quote.Amount,
			Pending:  melt.State == nut05.Pending,
			Preimage: melt.Preimage,
		}
		if err != nil {
			return result, err
		}
		result.Legs = []LegResult{{
			Leg:    Leg{Mint: session.MintURL(), Amount: quote.Amount, Quote: quote},
			Result: melt,
		}}
		return result, nil
	}

	if opts.Mint != "" {
		return PayResult{}, fmt.Errorf("%w at %v", selection.ErrInsufficientBalance, session.MintURL())
	}
	if amountMsat%1000 != 0 {
		return PayResult{}, errors.New("invoice amount must be a whole number of sats to split across mints")
	}
	return o.payMultiMint(ctx, invoice, amountMsat/1000)
}

func (o *Orchestrator) payMultiMint(ctx context.Context, invoice string, amount uint64) (PayResult, error) {
	active := o.ActiveMint()
	sessions := make(map[string]*wallet.MintSession)
	candidates := []Candidate{}
	for _, mint := range o.fundedMints() {
		session, err := o.Session(ctx, mint)
		if err != nil {
			o.logger.Warn("skipping mint for payment",
				slog.String("mint", mint), slog.String("error", err.Error()))
			continue
		}
		sessions[mint] = session
		candidates = append(candidates, Candidate{
			Mint:    mint,
			Balance: session.AvailableForMelt(),
			Mpp:     session.Capabilities().Has(wallet.CapMPP),
			Active:  mint == active,
		})
	}

	quote := func(ctx context.Context, mint string, legAmount uint64) (*nut05.PostMeltQuoteBolt11Response, error) {
		return sessions[mint].CreatePartialMeltQuote(ctx, invoice, legAmount)
	}
	legs, err := PlanAllocation(ctx, amount, candidates, quote)
	if err != nil {
		return PayResult{}, err
	}
	o.logger.Info("paying invoice across mints",
		slog.Uint64("amount", amount), slog.Int("legs", len(legs)))

	result := PayResult{Amount: amount, MultiMint: true}
	for _, leg := range legs {
		melt, err := sessions[leg.Mint].PayMeltQuote(ctx, leg.Quote)
		if err != nil {
			return result, fmt.Errorf("payment leg at %v failed after %v of %v sats: %w",
				leg.Mint, result.Paid(), amount, err)
		}
		result.Legs = append(result.Legs, LegResult{Leg: leg, Result: melt})
		if melt.State == nut05.Pending {
			result.Pending = true
		}
		if melt.Preimage != "" {
			result.Preimage = melt.Preimage
		}
	}
	return result, nil
}

// RecoverPendingMelts finalizes the melts left pending at every known mint.
// Mints that cannot be reached are skipped.
func (o *Orchestrator) RecoverPendingMelts(ctx context.Context) ([]wallet.MeltResult, error) {
	results := []wallet.MeltResult{}
	var errs []error
	for _, mint := range o.KnownMints() {
		session, err := o.Session(ctx, mint)
		if err != nil {
			if !client.IsOfflineError(err) {
				errs = append(errs, err)
			}
			continue
		}
		for _, record := range session.PendingMeltQuotes() {
			melt, err := session.FinalizeMelt(ctx, record.QuoteId)
			if errors.Is(err, wallet.ErrPaymentFailed) {
				// inputs went back to the wallet
				results = append(results, melt)
				continue
			}
			if err != nil {
				if client.IsOfflineError(err) {
					break
				}
				errs = append(errs, fmt.Errorf("quote %v: %w", record.QuoteId, err))
				continue
			}
			results = append(results, melt)
		}
	}
	return results, errors.Join(errs...)
}
