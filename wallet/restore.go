package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut07"
	"github.com/nutdo/nutdo/cashu/nuts/nut09"
	"github.com/nutdo/nutdo/crypto"
	"github.com/nutdo/nutdo/wallet/client"
)

const (
	restoreBatchSize    = 100
	restoreEmptyBatches = 3
)

// Restore regenerates the deterministic outputs of every keyset of the
// mint from the wallet seed and asks the mint for the signatures it issued
// for them. Unspent proofs are added to the wallet and keyset counters are
// moved past the last output the mint had signed.
//
// Each keyset is scanned in batches of 100 until 3 batches in a row
// come back empty.
func (s *MintSession) Restore(ctx context.Context) (cashu.Proofs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(CapRestore | CapProofState); err != nil {
		return nil, err
	}
	if s.seed == nil {
		return nil, ErrSeedNotEnabled
	}

	restored := cashu.Proofs{}
	for _, keysetId := range s.keysetIds() {
		proofs, err := s.restoreKeyset(ctx, keysetId)
		if err != nil {
			return restored, fmt.Errorf("error restoring keyset '%v': %w", keysetId, err)
		}
		restored = append(restored, proofs...)
	}

	s.logger.Info("restored proofs", slog.Int("proofs", len(restored)), slog.Uint64("amount", restored.Amount()))
	return restored, nil
}

func (s *MintSession) restoreKeyset(ctx context.Context, keysetId string) (cashu.Proofs, error) {
	keys, err := s.keysetKeys(ctx, keysetId)
	if err != nil {
		return nil, err
	}
	keysetPath, err := s.keysetPath(keysetId)
	if err != nil {
		return nil, err
	}

	restored := cashu.Proofs{}
	var counter uint32
	emptyBatches := 0
	for emptyBatches < restoreEmptyBatches {
		batch := outputs{
			messages: make(cashu.BlindedMessages, restoreBatchSize),
			secrets:  make([]string, restoreBatchSize),
			rs:       make([]*secp256k1.PrivateKey, restoreBatchSize),
		}
		counters := make(map[string]uint32, restoreBatchSize)

		for i := 0; i < restoreBatchSize; i++ {
			secret, r, err := deterministicSecret(keysetPath, counter)
			if err != nil {
				return nil, err
			}
			B_, r, err := crypto.BlindMessage([]byte(secret), r.Serialize())
			if err != nil {
				return nil, err
			}

			batch.messages[i] = cashu.NewBlindedMessage(keysetId, 0, B_)
			batch.secrets[i] = secret
			batch.rs[i] = r
			counters[batch.messages[i].B_] = counter
			counter++
		}

		restoreResponse, err := client.PostRestore(ctx, s.mintURL, nut09.PostRestoreRequest{Outputs: batch.messages})
		if err != nil {
			return nil, fmt.Errorf("error restoring signatures from mint: %w", err)
		}
		if len(restoreResponse.Signatures) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0

		// the mint only returns the outputs it has signed
		index := make(map[string]int, restoreBatchSize)
		for i, message := range batch.messages {
			index[message.B_] = i
		}
		found := outputs{}
		var lastCounter uint32
		for _, output := range restoreResponse.Outputs {
			i, ok := index[output.B_]
			if !ok {
				return nil, fmt.Errorf("mint returned unknown output '%v'", output.B_)
			}
			found.messages = append(found.messages, output)
			found.secrets = append(found.secrets, batch.secrets[i])
			found.rs = append(found.rs, batch.rs[i])
			lastCounter = max(lastCounter, counters[output.B_])
		}
		if len(found.secrets) != len(restoreResponse.Signatures) {
			return nil, fmt.Errorf("mint returned %v outputs for %v signatures",
				len(found.secrets), len(restoreResponse.Signatures))
		}

		proofs := make(cashu.Proofs, len(restoreResponse.Signatures))
		for i, signature := range restoreResponse.Signatures {
			K, ok := keys[signature.Amount]
			if !ok {
				return nil, fmt.Errorf("key not found for amount %v", signature.Amount)
			}
			C, err := unblindSignature(signature.C_, found.rs[i], K)
			if err != nil {
				return nil, err
			}
			proofs[i] = cashu.Proof{
				Amount: signature.Amount,
				Secret: found.secrets[i],
				C:      C,
				Id:     keysetId,
			}
		}

		unspent, err := s.unspentProofs(ctx, proofs)
		if err != nil {
			return nil, err
		}
		if err := s.commit(nil, unspent); err != nil {
			return nil, err
		}
		restored = append(restored, unspent...)

		if s.seed != nil {
			if err := s.seed.PersistCounter(s.mintURL, keysetId, lastCounter+1); err != nil {
				return nil, fmt.Errorf("error saving keyset counter: %w", err)
			}
		}
	}

	return restored, nil
}

func (s *MintSession) unspentProofs(ctx context.Context, proofs cashu.Proofs) (cashu.Proofs, error) {
	_, byY, err := proofYs(proofs)
	if err != nil {
		return nil, err
	}
	states, err := s.checkStates(ctx, proofs)
	if err != nil {
		return nil, err
	}

	unspent := cashu.Proofs{}
	for _, state := range states {
		// proofs with a witness are locked and cannot be recovered from the seed
		if len(state.Witness) > 0 {
			continue
		}
		if state.State == nut07.Unspent {
			if proof, ok := byY[state.Y]; ok {
				unspent = append(unspent, proof)
			}
		}
	}
	return unspent, nil
}
