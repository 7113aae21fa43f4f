package nut11

import (
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut10"
)

func TestIsSigAll(t *testing.T) {
	tests := []struct {
		p2pkSecret nut10.WellKnownSecret
		expected   bool
	}{
		{
			p2pkSecret: nut10.WellKnownSecret{
				Data: nut10.SecretData{Tags: [][]string{}},
			},
			expected: false,
		},
		{
			p2pkSecret: nut10.WellKnownSecret{
				Data: nut10.SecretData{Tags: [][]string{{"sigflag", "SIG_INPUTS"}}},
			},
			expected: false,
		},
		{
			p2pkSecret: nut10.WellKnownSecret{
				Data: nut10.SecretData{
					Tags: [][]string{
						{"locktime", "882912379"},
						{"refund", "refundkey"},
						{"sigflag", "SIG_ALL"},
					},
				},
			},
			expected: true,
		},
	}

	for _, test := range tests {
		result := IsSigAll(test.p2pkSecret)
		if result != test.expected {
			t.Fatalf("expected '%v' but got '%v' instead", test.expected, result)
		}
	}
}

func TestVerifyProofWitness(t *testing.T) {
	lockKey, _ := btcec.NewPrivateKey()
	otherKey, _ := btcec.NewPrivateKey()
	refundKey, _ := btcec.NewPrivateKey()
	lockPubkey := hex.EncodeToString(lockKey.PubKey().SerializeCompressed())
	refundPubkey := hex.EncodeToString(refundKey.PubKey().SerializeCompressed())

	secret, err := P2PKSecret(lockPubkey, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	proof := cashu.Proof{Amount: 8, Secret: secret}

	if err := VerifyProofWitness(proof, time.Now().Unix()); err == nil {
		t.Fatal("expected error for proof without witness")
	}

	signedWithOther, _ := AddSignatureToInputs(cashu.Proofs{proof}, otherKey)
	if err := VerifyProofWitness(signedWithOther[0], time.Now().Unix()); err == nil {
		t.Fatal("expected error for signature from wrong key")
	}

	signed, err := AddSignatureToInputs(cashu.Proofs{proof}, lockKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := VerifyProofWitness(signed[0], time.Now().Unix()); err != nil {
		t.Fatalf("unexpected error verifying witness: %v", err)
	}

	// expired lock falls back to refund keys
	locktime := time.Now().Add(-time.Hour).Unix()
	tags := [][]string{
		{LOCKTIME, strconv.FormatInt(locktime, 10)},
		{REFUND, refundPubkey},
	}
	refundSecret, _ := P2PKSecret(lockPubkey, tags)
	refundProof := cashu.Proof{Amount: 4, Secret: refundSecret}
	refundSigned, _ := AddSignatureToInputs(cashu.Proofs{refundProof}, refundKey)
	if err := VerifyProofWitness(refundSigned[0], time.Now().Unix()); err != nil {
		t.Fatalf("unexpected error verifying refund witness: %v", err)
	}

	// random secrets carry no condition
	if err := VerifyProofWitness(cashu.Proof{Amount: 1, Secret: "abcd"}, time.Now().Unix()); err != nil {
		t.Fatalf("unexpected error for random secret: %v", err)
	}
}
