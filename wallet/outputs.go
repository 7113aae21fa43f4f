package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut11"
	"github.com/nutdo/nutdo/cashu/nuts/nut13"
	"github.com/nutdo/nutdo/crypto"
)

// outputs are blinded messages along with the secrets and
// blinding factors needed to unblind the signatures for them.
type outputs struct {
	messages cashu.BlindedMessages
	secrets  []string
	rs       []*secp256k1.PrivateKey
}

func (o *outputs) append(other outputs) {
	o.messages = append(o.messages, other.messages...)
	o.secrets = append(o.secrets, other.secrets...)
	o.rs = append(o.rs, other.rs...)
}

func (o outputs) sort() {
	cashu.SortBlindedMessages(o.messages, o.secrets, o.rs)
}

// createOutputs returns blinded messages for the amounts in the active
// keyset. With a seed configured the secrets are derived from the keyset
// counter, which is persisted before the outputs are returned.
func (s *MintSession) createOutputs(amounts []uint64) (outputs, error) {
	keysetId := s.activeKeyset.Id
	if s.seed == nil {
		return randomOutputs(amounts, keysetId, randomSecret)
	}

	keysetPath, err := s.keysetPath(keysetId)
	if err != nil {
		return outputs{}, err
	}

	counter := s.seed.CounterInit(s.mintURL, keysetId)
	out := outputs{
		messages: make(cashu.BlindedMessages, len(amounts)),
		secrets:  make([]string, len(amounts)),
		rs:       make([]*secp256k1.PrivateKey, len(amounts)),
	}
	for i, amount := range amounts {
		secret, r, err := deterministicSecret(keysetPath, counter+uint32(i))
		if err != nil {
			return outputs{}, err
		}
		B_, r, err := crypto.BlindMessage([]byte(secret), r.Serialize())
		if err != nil {
			return outputs{}, err
		}
		out.messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		out.secrets[i] = secret
		out.rs[i] = r
	}

	next := counter + uint32(len(amounts))
	if err := s.seed.PersistCounter(s.mintURL, keysetId, next); err != nil {
		return outputs{}, fmt.Errorf("could not persist keyset counter: %w", err)
	}
	s.logger.Debug("advanced keyset counter", slog.String("keyset", keysetId), slog.Uint64("counter", uint64(next)))
	return out, nil
}

// keysetPath derives the NUT-13 path of the keyset from the current seed.
// The seed can be replaced while the session is ready so it is not cached.
func (s *MintSession) keysetPath(keysetId string) (*hdkeychain.ExtendedKey, error) {
	master, err := s.seed.MasterKey()
	if err != nil {
		return nil, fmt.Errorf("could not load wallet seed: %w", err)
	}
	return nut13.DeriveKeysetPath(master, keysetId)
}

// createLockedOutputs returns outputs whose secrets lock them to pubkey
func (s *MintSession) createLockedOutputs(amounts []uint64, pubkey string) (outputs, error) {
	return randomOutputs(amounts, s.activeKeyset.Id, func() (string, error) {
		return nut11.P2PKSecret(pubkey, nil)
	})
}

func deterministicSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, *secp256k1.PrivateKey, error) {
	secret, err := nut13.DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	return secret, r, nil
}

func randomSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(secretBytes), nil
}

func randomOutputs(amounts []uint64, keysetId string, newSecret func() (string, error)) (outputs, error) {
	out := outputs{
		messages: make(cashu.BlindedMessages, len(amounts)),
		secrets:  make([]string, len(amounts)),
		rs:       make([]*secp256k1.PrivateKey, len(amounts)),
	}

	for i, amount := range amounts {
		secret, err := newSecret()
		if err != nil {
			return outputs{}, err
		}
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return outputs{}, err
		}
		B_, r, err := crypto.BlindMessage([]byte(secret), r.Serialize())
		if err != nil {
			return outputs{}, err
		}

		out.messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		out.secrets[i] = secret
		out.rs[i] = r
	}

	return out, nil
}

// constructProofs unblinds the signatures for the outputs. Signatures are
// matched to outputs by position.
func (s *MintSession) constructProofs(ctx context.Context, signatures cashu.BlindedSignatures, out outputs) (cashu.Proofs, error) {
	if len(signatures) > len(out.secrets) || len(out.secrets) != len(out.rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		keys, err := s.keysetKeys(ctx, signature.Id)
		if err != nil {
			return nil, err
		}
		K, ok := keys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("mint signed invalid amount %v", signature.Amount)
		}

		C, err := unblindSignature(signature.C_, out.rs[i], K)
		if err != nil {
			return nil, err
		}

		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Secret: out.secrets[i],
			C:      C,
			Id:     signature.Id,
		}
	}

	return proofs, nil
}

func unblindSignature(C_str string, r *secp256k1.PrivateKey, key *secp256k1.PublicKey) (string, error) {
	C_bytes, err := hex.DecodeString(C_str)
	if err != nil {
		return "", err
	}
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return "", err
	}

	C := crypto.UnblindSignature(C_, r, key)
	return hex.EncodeToString(C.SerializeCompressed()), nil
}
