package p2pk

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut11"
)

const (
	generatorCompressed   = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	generatorUncompressed = "0479be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798483ada7726a3c4655da4fbfc0e1108a8fd17b448a68554199c47d08ffb10d4b8"
)

func TestNormalizePubkey(t *testing.T) {
	tests := []struct {
		pubkey   string
		expected string
		valid    bool
	}{
		{pubkey: generatorCompressed, expected: generatorCompressed, valid: true},
		{pubkey: generatorCompressed[2:], expected: generatorCompressed, valid: true},
		{pubkey: generatorUncompressed, expected: generatorCompressed, valid: true},
		{pubkey: "  0279BE667EF9DCBBAC55A06295CE870B07029BFCDB2DCE28D959F2815B16F81798 ", expected: generatorCompressed, valid: true},
		{pubkey: "0279be", valid: false},
		{pubkey: "zz79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798", valid: false},
		{pubkey: "0579be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798", valid: false},
	}

	for _, test := range tests {
		normalized, err := NormalizePubkey(test.pubkey)
		if test.valid && err != nil {
			t.Fatalf("unexpected error for '%v': %v", test.pubkey, err)
		}
		if !test.valid {
			if err == nil {
				t.Fatalf("expected error for '%v'", test.pubkey)
			}
			continue
		}
		if normalized != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, normalized)
		}
	}
}

func newKey(t *testing.T) (*btcec.PrivateKey, string) {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("error generating key: %v", err)
	}
	return key, hex.EncodeToString(key.PubKey().SerializeCompressed())
}

func lockedProof(t *testing.T, amount uint64, pubkey string, tags [][]string) cashu.Proof {
	t.Helper()
	secret, err := nut11.P2PKSecret(pubkey, tags)
	if err != nil {
		t.Fatalf("error creating secret: %v", err)
	}
	return cashu.Proof{Amount: amount, Id: "009a1f293253e41e", Secret: secret, C: generatorCompressed}
}

func TestExtractProofPubkeys(t *testing.T) {
	_, dataKey := newKey(t)
	_, tagKey := newKey(t)
	refundKey, _ := newKey(t)
	refundUncompressed := hex.EncodeToString(refundKey.PubKey().SerializeUncompressed())
	refundCompressed := hex.EncodeToString(refundKey.PubKey().SerializeCompressed())

	proof := lockedProof(t, 8, dataKey, [][]string{
		{nut11.PUBKEYS, tagKey, dataKey},
		{nut11.REFUND, refundUncompressed},
	})

	pubkeys := ExtractProofPubkeys(proof)
	expected := []string{dataKey, tagKey, refundCompressed}
	if len(pubkeys) != len(expected) {
		t.Fatalf("expected pubkeys '%v' but got '%v'", expected, pubkeys)
	}
	for i := range expected {
		if pubkeys[i] != expected[i] {
			t.Fatalf("expected pubkeys '%v' but got '%v'", expected, pubkeys)
		}
	}

	plain := cashu.Proof{Amount: 1, Secret: "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837"}
	if pubkeys := ExtractProofPubkeys(plain); pubkeys != nil {
		t.Fatalf("expected no pubkeys for random secret but got '%v'", pubkeys)
	}
}

func TestAutoSignProofs(t *testing.T) {
	keyA, pubkeyA := newKey(t)
	keyB, pubkeyB := newKey(t)
	_, foreignPubkey := newKey(t)

	usage := make(map[string]int)
	calls := 0
	resolver := NewResolver(func(pubkey string, count int) {
		usage[pubkey] += count
		calls++
	}, keyA)
	resolver.AddKey(keyB)

	proofs := cashu.Proofs{
		lockedProof(t, 1, pubkeyA, nil),
		lockedProof(t, 2, foreignPubkey, nil),
		lockedProof(t, 4, pubkeyA, nil),
		// locked to a foreign key with one of ours listed as alternative
		lockedProof(t, 8, foreignPubkey, [][]string{{nut11.PUBKEYS, pubkeyB}}),
		{Amount: 16, Secret: "random", C: generatorCompressed},
	}

	signed, err := resolver.AutoSignProofs(proofs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(signed) != len(proofs) {
		t.Fatalf("expected '%v' proofs but got '%v'", len(proofs), len(signed))
	}

	for _, i := range []int{0, 2} {
		if err := nut11.VerifyProofWitness(signed[i], time.Now().Unix()); err != nil {
			t.Fatalf("expected valid witness on proof %v: %v", i, err)
		}
	}
	if signed[1].Witness != "" || signed[4].Witness != "" {
		t.Fatal("expected unresolvable proofs to pass through unsigned")
	}
	if err := nut11.VerifyProofWitness(signed[3], time.Now().Unix()); err != nil {
		t.Fatalf("expected valid witness from alternative key: %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected '%v' usage calls but got '%v'", 2, calls)
	}
	if usage[pubkeyA] != 2 || usage[pubkeyB] != 1 {
		t.Fatalf("unexpected key usage: %v", usage)
	}

	// already signed proofs are left alone
	resigned, err := resolver.AutoSignProofs(signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var witness nut11.P2PKWitness
	if err := json.Unmarshal([]byte(resigned[0].Witness), &witness); err != nil {
		t.Fatalf("invalid witness: %v", err)
	}
	if len(witness.Signatures) != 1 {
		t.Fatalf("expected '%v' signature but got '%v'", 1, len(witness.Signatures))
	}
}

func TestCheckUnlockable(t *testing.T) {
	key, pubkey := newKey(t)
	_, foreignPubkey := newKey(t)
	_, refundPubkey := newKey(t)
	resolver := NewResolver(nil, key)
	now := time.Now().Unix()
	past := strconv.FormatInt(now-60, 10)
	future := strconv.FormatInt(now+3600, 10)

	signed, err := resolver.AutoSignProofs(cashu.Proofs{lockedProof(t, 1, pubkey, nil)})
	if err != nil {
		t.Fatal(err)
	}
	foreignSigned := lockedProof(t, 1, foreignPubkey, nil)
	foreignSigned.Witness = signed[0].Witness

	tests := []struct {
		name     string
		proofs   cashu.Proofs
		expected error
	}{
		{"unlocked", cashu.Proofs{{Amount: 1, Secret: "plainsecret"}}, nil},
		{"held key", cashu.Proofs{lockedProof(t, 1, pubkey, nil)}, nil},
		{"held key in tags", cashu.Proofs{lockedProof(t, 1, foreignPubkey, [][]string{{nut11.PUBKEYS, pubkey}})}, nil},
		{"foreign key", cashu.Proofs{lockedProof(t, 1, pubkey, nil), lockedProof(t, 2, foreignPubkey, nil)}, ErrMissingKeys},
		{"already signed", cashu.Proofs{foreignSigned}, nil},
		{"locktime passed without refund", cashu.Proofs{lockedProof(t, 1, foreignPubkey, [][]string{{nut11.LOCKTIME, past}})}, nil},
		{"locktime passed with refund", cashu.Proofs{lockedProof(t, 1, foreignPubkey, [][]string{{nut11.LOCKTIME, past}, {nut11.REFUND, refundPubkey}})}, ErrMissingKeys},
		{"locktime not passed", cashu.Proofs{lockedProof(t, 1, foreignPubkey, [][]string{{nut11.LOCKTIME, future}})}, ErrMissingKeys},
		{"sig all", cashu.Proofs{lockedProof(t, 1, pubkey, [][]string{{nut11.SIGFLAG, nut11.SIGALL}})}, ErrSigAllNotSupported},
	}

	for _, test := range tests {
		if err := resolver.CheckUnlockable(test.proofs, now); !errors.Is(err, test.expected) {
			t.Fatalf("%v: expected '%v' but got '%v'", test.name, test.expected, err)
		}
	}

	if _, ok := resolver.PrivateKey(pubkey[2:]); ok != (pubkey[:2] == "02") {
		t.Fatal("x-only lookup should only match keys with even y")
	}
}
