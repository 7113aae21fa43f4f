package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutdo/nutdo/bolt11"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut05"
	"github.com/nutdo/nutdo/cashu/nuts/nut15"
	"github.com/nutdo/nutdo/wallet/client"
	"github.com/nutdo/nutdo/wallet/selection"
	"github.com/nutdo/nutdo/wallet/storage"
)

type MeltResult struct {
	Quote      string
	State      nut05.State
	Preimage   string
	Amount     uint64
	FeeReserve uint64
	// Spent is the amount of the proofs given to the mint
	Spent uint64
	// Change is the amount the mint returned from the fee reserve
	Change       uint64
	ChangeProofs cashu.Proofs
}

func (r MeltResult) Paid() bool {
	return r.State == nut05.Paid
}

// CleanInvoice trims whitespace and a lightning: prefix from the invoice
func CleanInvoice(invoice string) string {
	invoice = strings.TrimSpace(invoice)
	if len(invoice) > 10 && strings.EqualFold(invoice[:10], "lightning:") {
		invoice = invoice[10:]
	}
	return invoice
}

// CreateMeltQuote asks the mint for the amount and fee reserve to pay
// the invoice. Invoices without an amount fail with bolt11.ErrNoAmount.
func (s *MintSession) CreateMeltQuote(ctx context.Context, invoice string) (*nut05.PostMeltQuoteBolt11Response, error) {
	invoice = CleanInvoice(invoice)
	if _, err := bolt11.DecodeAmount(invoice); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapMelt); err != nil {
		return nil, err
	}

	return s.meltQuote(ctx, invoice, nil)
}

// CreatePartialMeltQuote requests a quote to pay amountSat of the invoice
// as one part of a multi-path payment.
func (s *MintSession) CreatePartialMeltQuote(ctx context.Context, invoice string, amountSat uint64) (*nut05.PostMeltQuoteBolt11Response, error) {
	if amountSat == 0 {
		return nil, ErrInvalidAmount
	}
	invoice = CleanInvoice(invoice)
	invoiceMsat, err := bolt11.DecodeAmount(invoice)
	if err != nil {
		return nil, err
	}
	if amountSat*1000 > invoiceMsat {
		return nil, fmt.Errorf("partial amount %v is larger than the invoice amount", amountSat)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapMelt | CapMPP); err != nil {
		return nil, err
	}

	return s.meltQuote(ctx, invoice, nut15.PartialAmountOption(amountSat))
}

func (s *MintSession) meltQuote(ctx context.Context, invoice string, options *nut05.MeltOptions) (*nut05.PostMeltQuoteBolt11Response, error) {
	request := nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: s.unit.String(), Options: options}
	quote, err := client.PostMeltQuoteBolt11(ctx, s.mintURL, request)
	if err != nil {
		return nil, err
	}

	s.logger.Info("created melt quote",
		slog.String("quote", quote.Quote),
		slog.Uint64("amount", quote.Amount),
		slog.Uint64("fee_reserve", quote.FeeReserve),
		slog.Bool("partial", options != nil))
	return quote, nil
}

// PayInvoice quotes and pays the invoice from this mint alone
func (s *MintSession) PayInvoice(ctx context.Context, invoice string) (MeltResult, error) {
	quote, err := s.CreateMeltQuote(ctx, invoice)
	if err != nil {
		return MeltResult{}, err
	}
	return s.PayMeltQuote(ctx, quote)
}

// blankOutputCount is the number of blank outputs needed for the mint
// to return up to overpaid as change.
func blankOutputCount(overpaid uint64) int {
	if overpaid == 0 {
		return 0
	}
	return max(1, bits.Len64(overpaid-1))
}

// PayMeltQuote pays the quote with proofs from the cache. Blank outputs for
// the change are stored before the request so the change can be claimed
// with FinalizeMelt if the payment does not settle right away.
//
// The inputs leave the cache while the melt is in flight. They come back
// if the mint rejects the melt or reports it unpaid.
func (s *MintSession) PayMeltQuote(ctx context.Context, quote *nut05.PostMeltQuoteBolt11Response) (MeltResult, error) {
	if quote == nil {
		return MeltResult{}, errors.New("melt quote cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapMelt); err != nil {
		return MeltResult{}, err
	}

	if err := s.loadKeysets(ctx); err != nil {
		return MeltResult{}, err
	}
	required := quote.Amount + quote.FeeReserve
	selected, err := selection.SelectProofsForAmount(s.proofs, required, selection.Options{
		InactiveKeysets: s.inactiveKeysetIds(),
		KeysetFees:      s.keysetFees,
		IncludeFees:     true,
	})
	if err != nil {
		return MeltResult{}, err
	}
	fees := selection.Fees(selected, s.keysetFees)

	inputs, err := s.resolver.AutoSignProofs(selected)
	if err != nil {
		return MeltResult{}, err
	}

	overpaid := selected.Amount() - quote.Amount - fees
	amounts := make([]uint64, blankOutputCount(overpaid))
	for i := range amounts {
		amounts[i] = 1
	}
	blanks, err := s.createOutputs(amounts)
	if err != nil {
		return MeltResult{}, fmt.Errorf("error creating blank outputs: %v", err)
	}

	record := storage.MeltBlanks{
		QuoteId:   quote.Quote,
		Mint:      s.mintURL,
		Outputs:   blanks.messages,
		Secrets:   blanks.secrets,
		Rs:        make([]string, len(blanks.rs)),
		Inputs:    selected,
		CreatedAt: time.Now().Unix(),
	}
	for i, r := range blanks.rs {
		record.Rs[i] = hex.EncodeToString(r.Serialize())
	}
	if err := s.meltBlanks.Save(record); err != nil {
		return MeltResult{}, fmt.Errorf("could not save melt blanks: %w", err)
	}
	if err := s.commit(selected.Secrets(), nil); err != nil {
		s.meltBlanks.Delete(record.QuoteId)
		return MeltResult{}, err
	}

	meltRequest := nut05.PostMeltBolt11Request{Quote: quote.Quote, Inputs: inputs, Outputs: blanks.messages}
	response, err := client.PostMeltBolt11(ctx, s.mintURL, meltRequest)
	if err != nil {
		if client.IsOfflineError(err) {
			s.logger.Warn("melt state unknown, keeping inputs and blanks until finalized",
				slog.String("quote", quote.Quote), slog.String("error", err.Error()))
			return MeltResult{Quote: quote.Quote, State: nut05.Unknown, Amount: quote.Amount}, err
		}

		if restoreErr := s.releaseMelt(record); restoreErr != nil {
			return MeltResult{}, restoreErr
		}
		return MeltResult{}, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}

	return s.settleMelt(ctx, record, response)
}

// FinalizeMelt checks a melt that was left pending. A paid quote has its
// change claimed and an unpaid one has its inputs returned to the cache.
func (s *MintSession) FinalizeMelt(ctx context.Context, quoteId string) (MeltResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapMelt); err != nil {
		return MeltResult{}, err
	}

	record, ok := s.meltBlanks.Get(quoteId)
	if !ok || record.Mint != s.mintURL {
		return MeltResult{}, ErrNoPendingMelt
	}

	quote, err := client.GetMeltQuoteState(ctx, s.mintURL, quoteId)
	if err != nil {
		return MeltResult{}, err
	}
	return s.settleMelt(ctx, record, quote)
}

func (s *MintSession) settleMelt(
	ctx context.Context,
	record storage.MeltBlanks,
	quote *nut05.PostMeltQuoteBolt11Response,
) (MeltResult, error) {
	result := MeltResult{
		Quote:      quote.Quote,
		State:      quote.State,
		Preimage:   quote.Preimage,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
		Spent:      record.Inputs.Amount(),
	}

	switch quote.State {
	case nut05.Paid:
		if len(quote.Change) > 0 {
			blanks, err := blanksFromRecord(record)
			if err != nil {
				return result, err
			}
			change, err := s.constructProofs(ctx, quote.Change, blanks)
			if err != nil {
				return result, fmt.Errorf("error constructing change proofs: %v", err)
			}
			if change, err = s.resolver.AutoSignProofs(change); err != nil {
				return result, err
			}
			if err := s.commit(nil, change); err != nil {
				return result, err
			}
			result.ChangeProofs = change
			result.Change = change.Amount()
		}
		if err := s.meltBlanks.Delete(record.QuoteId); err != nil {
			s.logger.Warn("could not delete melt blanks", slog.String("quote", record.QuoteId))
		}
		s.logger.Info("melt paid",
			slog.String("quote", quote.Quote),
			slog.Uint64("amount", quote.Amount),
			slog.Uint64("change", result.Change))
		return result, nil

	case nut05.Pending:
		s.logger.Info("melt pending", slog.String("quote", quote.Quote))
		return result, nil

	default:
		if err := s.releaseMelt(record); err != nil {
			return result, err
		}
		return result, fmt.Errorf("%w: quote is %v", ErrPaymentFailed, quote.State)
	}
}

// releaseMelt returns the inputs of a melt that did not happen to the cache
func (s *MintSession) releaseMelt(record storage.MeltBlanks) error {
	if err := s.commit(nil, record.Inputs); err != nil {
		return err
	}
	if err := s.meltBlanks.Delete(record.QuoteId); err != nil {
		s.logger.Warn("could not delete melt blanks", slog.String("quote", record.QuoteId))
	}
	s.logger.Info("released melt inputs", slog.String("quote", record.QuoteId), slog.Uint64("amount", record.Inputs.Amount()))
	return nil
}

func blanksFromRecord(record storage.MeltBlanks) (outputs, error) {
	if len(record.Outputs) != len(record.Secrets) || len(record.Secrets) != len(record.Rs) {
		return outputs{}, errors.New("corrupted melt blanks")
	}

	blanks := outputs{
		messages: record.Outputs,
		secrets:  record.Secrets,
		rs:       make([]*secp256k1.PrivateKey, len(record.Rs)),
	}
	for i, rHex := range record.Rs {
		rBytes, err := hex.DecodeString(rHex)
		if err != nil {
			return outputs{}, fmt.Errorf("corrupted melt blanks: %v", err)
		}
		blanks.rs[i] = secp256k1.PrivKeyFromBytes(rBytes)
	}
	return blanks, nil
}

// PendingMeltQuotes lists melts of this mint waiting to be finalized
func (s *MintSession) PendingMeltQuotes() []storage.MeltBlanks {
	return s.meltBlanks.List(s.mintURL)
}

// AvailableForMelt is the balance left after the input fees of spending
// every proof.
func (s *MintSession) AvailableForMelt() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.proofs.Amount()
	fees := selection.Fees(s.proofs, s.keysetFees)
	if fees >= balance {
		return 0
	}
	return balance - fees
}
