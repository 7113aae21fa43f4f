package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut03"
	"github.com/nutdo/nutdo/wallet/client"
	"github.com/nutdo/nutdo/wallet/p2pk"
	"github.com/nutdo/nutdo/wallet/selection"
)

type SendOptions struct {
	// Pubkey locks the sent proofs to the public key
	Pubkey string
	Memo   string
}

type SendResult struct {
	Token  string
	Proofs cashu.Proofs
	Amount uint64
	Fees   uint64
	// Exact is set when held proofs matched the amount and no swap was needed
	Exact bool
}

// CreateSendToken takes proofs worth amount out of the wallet and encodes
// them as a token. Held proofs that add up to the amount exactly are sent
// as they are. Otherwise proofs are swapped at the mint for the amount
// plus change.
func (s *MintSession) CreateSendToken(ctx context.Context, amount uint64, opts SendOptions) (SendResult, error) {
	if amount == 0 {
		return SendResult{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return SendResult{}, err
	}

	if opts.Pubkey == "" {
		if subset, ok := selection.ExactSubset(s.proofs, amount); ok {
			result, err := s.spendProofs(subset, opts.Memo)
			if err != nil {
				return SendResult{}, err
			}
			s.logger.Info("sent exact proofs", slog.Uint64("amount", amount), slog.Int("proofs", len(subset)))
			return result, nil
		}
	}

	return s.swapToSend(ctx, amount, opts)
}

func (s *MintSession) swapToSend(ctx context.Context, amount uint64, opts SendOptions) (SendResult, error) {
	var lockPubkey string
	if opts.Pubkey != "" {
		if !s.capabilities.Has(CapP2PK) {
			return SendResult{}, unsupported(CapP2PK)
		}
		pubkey, err := p2pk.NormalizePubkey(opts.Pubkey)
		if err != nil {
			return SendResult{}, err
		}
		lockPubkey = pubkey
	}
	if err := s.loadKeysets(ctx); err != nil {
		return SendResult{}, err
	}

	selected, err := selection.SelectProofsForAmount(s.proofs, amount, selection.Options{
		InactiveKeysets: s.inactiveKeysetIds(),
		KeysetFees:      s.keysetFees,
		IncludeFees:     true,
	})
	if err != nil {
		return SendResult{}, err
	}
	fees := selection.Fees(selected, s.keysetFees)
	change := selected.Amount() - amount - fees

	inputs, err := s.resolver.AutoSignProofs(selected)
	if err != nil {
		return SendResult{}, err
	}

	var send outputs
	if lockPubkey != "" {
		send, err = s.createLockedOutputs(cashu.AmountSplit(amount), lockPubkey)
	} else {
		send, err = s.createOutputs(cashu.AmountSplit(amount))
	}
	if err != nil {
		return SendResult{}, fmt.Errorf("error creating blinded messages: %v", err)
	}
	sendSecrets := make(map[string]bool, len(send.secrets))
	for _, secret := range send.secrets {
		sendSecrets[secret] = true
	}

	all := send
	if change > 0 {
		changeOutputs, err := s.createOutputs(cashu.AmountSplit(change))
		if err != nil {
			return SendResult{}, fmt.Errorf("error creating blinded messages: %v", err)
		}
		all.append(changeOutputs)
	}
	all.sort()

	swapRequest := nut03.PostSwapRequest{Inputs: inputs, Outputs: all.messages}
	swapResponse, err := client.PostSwap(ctx, s.mintURL, swapRequest)
	if err != nil {
		return SendResult{}, err
	}
	proofs, err := s.constructProofs(ctx, swapResponse.Signatures, all)
	if err != nil {
		return SendResult{}, fmt.Errorf("error constructing proofs: %v", err)
	}

	sendProofs := make(cashu.Proofs, 0, len(send.secrets))
	changeProofs := make(cashu.Proofs, 0, len(proofs))
	for _, proof := range proofs {
		if sendSecrets[proof.Secret] {
			sendProofs = append(sendProofs, proof)
		} else {
			changeProofs = append(changeProofs, proof)
		}
	}

	token, err := s.encodeToken(sendProofs, opts.Memo)
	if err != nil {
		return SendResult{}, err
	}
	if err := s.commit(selected.Secrets(), changeProofs); err != nil {
		return SendResult{}, err
	}

	s.logger.Info("swapped proofs to send",
		slog.Uint64("amount", amount),
		slog.Uint64("fees", fees),
		slog.Uint64("change", changeProofs.Amount()),
		slog.Bool("locked", lockPubkey != ""))

	return SendResult{
		Token:  token,
		Proofs: sendProofs,
		Amount: sendProofs.Amount(),
		Fees:   fees,
	}, nil
}

// CreateTokenFromProofSecrets sends the proofs with the given secrets as
// they are. It fails if any of them is not in the wallet.
func (s *MintSession) CreateTokenFromProofSecrets(secrets []string, memo string) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return SendResult{}, err
	}
	if len(secrets) == 0 {
		return SendResult{}, ErrMissingProofs
	}

	proofs, err := s.findProofs(secrets)
	if err != nil {
		return SendResult{}, err
	}
	return s.spendProofs(proofs, memo)
}

func (s *MintSession) spendProofs(proofs cashu.Proofs, memo string) (SendResult, error) {
	token, err := s.encodeToken(proofs, memo)
	if err != nil {
		return SendResult{}, err
	}
	if err := s.commit(proofs.Secrets(), nil); err != nil {
		return SendResult{}, err
	}
	return SendResult{
		Token:  token,
		Proofs: proofs,
		Amount: proofs.Amount(),
		Exact:  true,
	}, nil
}

func (s *MintSession) encodeToken(proofs cashu.Proofs, memo string) (string, error) {
	token, err := cashu.NewToken(proofs, s.mintURL, s.unit, memo, false)
	if err != nil {
		return "", fmt.Errorf("could not create token: %w", err)
	}
	return token.Serialize()
}
