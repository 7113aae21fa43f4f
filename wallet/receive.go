package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut03"
	"github.com/nutdo/nutdo/wallet/client"
	"github.com/nutdo/nutdo/wallet/selection"
	"github.com/nutdo/nutdo/wallet/storage"
)

type ReceiveResult struct {
	Mint   string
	Amount uint64
	Fees   uint64
	Proofs cashu.Proofs
}

// TokenMint returns the normalized mint url of an encoded token
func TokenMint(encoded string) (string, error) {
	token, err := cashu.DecodeToken(encoded)
	if err != nil {
		return "", err
	}
	return storage.NormalizeMintURL(token.Mint()), nil
}

// ReceiveToken swaps the proofs in the token for new ones from the mint.
// Proofs locked to a key held by the resolver are signed first.
// A token from another mint fails with ErrDifferentMint.
func (s *MintSession) ReceiveToken(ctx context.Context, encoded string) (ReceiveResult, error) {
	token, err := cashu.DecodeToken(encoded)
	if err != nil {
		return ReceiveResult{}, err
	}
	tokenMint := storage.NormalizeMintURL(token.Mint())
	if tokenMint != s.mintURL {
		return ReceiveResult{}, fmt.Errorf("%w: '%v'", ErrDifferentMint, tokenMint)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return ReceiveResult{}, err
	}

	proofs := token.Proofs()
	if err := s.checkTokenKeysets(ctx, proofs); err != nil {
		return ReceiveResult{}, err
	}
	if err := s.resolver.CheckUnlockable(proofs, time.Now().Unix()); err != nil {
		return ReceiveResult{}, err
	}

	inputs, err := s.resolver.AutoSignProofs(proofs)
	if err != nil {
		return ReceiveResult{}, fmt.Errorf("could not sign locked proofs: %w", err)
	}

	fees := selection.Fees(inputs, s.keysetFees)
	if inputs.Amount() <= fees {
		return ReceiveResult{}, fmt.Errorf("token amount %v does not cover fees of %v", inputs.Amount(), fees)
	}

	received, err := s.swap(ctx, inputs, inputs.Amount()-fees)
	if err != nil {
		return ReceiveResult{}, err
	}
	received, err = s.resolver.AutoSignProofs(received)
	if err != nil {
		return ReceiveResult{}, err
	}

	if err := s.commit(inputs.Secrets(), received); err != nil {
		return ReceiveResult{}, err
	}

	s.logger.Info("received token", slog.Uint64("amount", received.Amount()), slog.Uint64("fees", fees))
	return ReceiveResult{
		Mint:   s.mintURL,
		Amount: received.Amount(),
		Fees:   fees,
		Proofs: received,
	}, nil
}

// checkTokenKeysets reloads the keysets when the token references one the
// session has not seen, since the mint may have rotated keys since Init.
func (s *MintSession) checkTokenKeysets(ctx context.Context, proofs cashu.Proofs) error {
	unknown := func() string {
		for _, id := range proofs.Keysets() {
			if !s.isKnownKeyset(id) {
				return id
			}
		}
		return ""
	}

	if unknown() == "" {
		return nil
	}
	if err := s.loadKeysets(ctx); err != nil {
		return err
	}
	if id := unknown(); id != "" {
		return fmt.Errorf("%w: keyset '%v' not found", ErrDifferentMint, id)
	}
	return nil
}

// swap exchanges inputs for fresh outputs worth amount
func (s *MintSession) swap(ctx context.Context, inputs cashu.Proofs, amount uint64) (cashu.Proofs, error) {
	if err := s.loadKeysets(ctx); err != nil {
		return nil, err
	}
	out, err := s.createOutputs(cashu.AmountSplit(amount))
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}
	out.sort()

	swapRequest := nut03.PostSwapRequest{Inputs: inputs, Outputs: out.messages}
	swapResponse, err := client.PostSwap(ctx, s.mintURL, swapRequest)
	if err != nil {
		return nil, err
	}
	return s.constructProofs(ctx, swapResponse.Signatures, out)
}
