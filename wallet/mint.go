package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut04"
	"github.com/nutdo/nutdo/wallet/client"
)

type MintInvoice struct {
	Request string
	Quote   string
	Expiry  int64
	Amount  uint64
	Unit    cashu.Unit
}

// CreateMintInvoice requests a mint quote. Paying the returned lightning
// invoice lets the quote be claimed with ClaimMint.
func (s *MintSession) CreateMintInvoice(ctx context.Context, amount uint64, description string) (MintInvoice, error) {
	if amount == 0 {
		return MintInvoice{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapMintQuote); err != nil {
		return MintInvoice{}, err
	}

	quoteRequest := nut04.PostMintQuoteBolt11Request{
		Amount:      amount,
		Unit:        s.unit.String(),
		Description: description,
	}
	quote, err := client.PostMintQuoteBolt11(ctx, s.mintURL, quoteRequest)
	if err != nil {
		return MintInvoice{}, err
	}

	s.logger.Info("created mint quote", slog.String("quote", quote.Quote), slog.Uint64("amount", amount))
	return MintInvoice{
		Request: quote.Request,
		Quote:   quote.Quote,
		Expiry:  quote.Expiry,
		Amount:  amount,
		Unit:    s.unit,
	}, nil
}

func (s *MintSession) CheckMintQuote(ctx context.Context, quoteId string) (nut04.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapMintQuote); err != nil {
		return nut04.Unknown, err
	}

	quote, err := client.GetMintQuoteState(ctx, s.mintURL, quoteId)
	if err != nil {
		return nut04.Unknown, err
	}
	return quote.State, nil
}

// ClaimMint exchanges a paid quote for proofs and adds them to the wallet
func (s *MintSession) ClaimMint(ctx context.Context, quoteId string, amount uint64) (cashu.Proofs, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapMintQuote); err != nil {
		return nil, err
	}

	if err := s.loadKeysets(ctx); err != nil {
		return nil, err
	}
	out, err := s.createOutputs(cashu.AmountSplit(amount))
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	mintRequest := nut04.PostMintBolt11Request{Quote: quoteId, Outputs: out.messages}
	mintResponse, err := client.PostMintBolt11(ctx, s.mintURL, mintRequest)
	if err != nil {
		return nil, err
	}

	proofs, err := s.constructProofs(ctx, mintResponse.Signatures, out)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}
	proofs, err = s.resolver.AutoSignProofs(proofs)
	if err != nil {
		return nil, err
	}

	if err := s.commit(nil, proofs); err != nil {
		return nil, err
	}

	s.logger.Info("minted proofs", slog.String("quote", quoteId), slog.Uint64("amount", proofs.Amount()))
	return proofs, nil
}
