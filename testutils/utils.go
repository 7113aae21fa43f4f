// Package testutils has an in-process mint and helpers shared by
// the wallet tests.
package testutils

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut10"
	"github.com/nutdo/nutdo/crypto"
)

// CreateBlindedMessages returns blinded messages, secrets and blinding
// factors with random secrets for the amount
func CreateBlindedMessages(amount uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	return blindedMessages(cashu.AmountSplit(amount), keysetId, func() (string, error) {
		return GenerateRandomSecret()
	})
}

// BlindedMessagesFromSpendingCondition returns blinded messages whose
// secrets carry the spending condition
func BlindedMessagesFromSpendingCondition(
	amount uint64,
	keysetId string,
	spendingCondition nut10.SpendingCondition,
) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	return blindedMessages(cashu.AmountSplit(amount), keysetId, func() (string, error) {
		return nut10.NewSecretFromSpendingCondition(spendingCondition)
	})
}

func blindedMessages(amounts []uint64, keysetId string, newSecret func() (string, error)) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	messages := make(cashu.BlindedMessages, len(amounts))
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))

	for i, amt := range amounts {
		secret, err := newSecret()
		if err != nil {
			return nil, nil, nil, err
		}

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r, err := crypto.BlindMessage([]byte(secret), r.Serialize())
		if err != nil {
			return nil, nil, nil, err
		}

		messages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return messages, secrets, rs, nil
}

// ConstructProofs unblinds the signatures with the public keys of the keyset
func ConstructProofs(blindedSignatures cashu.BlindedSignatures,
	secrets []string, rs []*secp256k1.PrivateKey, keys map[uint64]*secp256k1.PublicKey) (cashu.Proofs, error) {

	if len(blindedSignatures) != len(secrets) || len(blindedSignatures) != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, blindedSignature := range blindedSignatures {
		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, ok := keys[blindedSignature.Amount]
		if !ok {
			return nil, fmt.Errorf("key not found for amount %v", blindedSignature.Amount)
		}

		C := crypto.UnblindSignature(C_, rs[i], K)
		proofs[i] = cashu.Proof{
			Amount: blindedSignature.Amount,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			Id:     blindedSignature.Id,
		}
	}

	return proofs, nil
}

func GenerateRandomBytes() ([]byte, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, err
	}
	return randomBytes, nil
}

func GenerateRandomSecret() (string, error) {
	randomBytes, err := GenerateRandomBytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(randomBytes), nil
}
