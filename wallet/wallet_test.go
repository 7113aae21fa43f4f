package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"reflect"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut06"
	"github.com/nutdo/nutdo/cashu/nuts/nut17"
	"github.com/nutdo/nutdo/crypto"
	"github.com/nutdo/nutdo/wallet/storage"
)

func vectorSession(t *testing.T) *MintSession {
	keyset := crypto.GenerateKeyset("mysecretkey", "0/0/0", 0)
	keys := make(map[uint64]*secp256k1.PublicKey, len(keyset.KeyPairs))
	for _, kp := range keyset.KeyPairs {
		keys[kp.Amount] = kp.PublicKey
	}

	backend, err := storage.InitBolt(t.TempDir())
	if err != nil {
		t.Fatalf("error opening storage: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	session, err := NewMintSession(SessionConfig{
		MintURL:    "http://localhost:3338",
		Proofs:     storage.NewProofStore(backend, nil),
		MeltBlanks: storage.NewMeltBlankStore(backend, nil),
	})
	if err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}
	session.activeKeyset = &crypto.WalletKeyset{Id: "00b3e89101cc0ec3", Active: true, PublicKeys: keys}
	return session
}

func TestRandomOutputs(t *testing.T) {
	keysetId := "009a1f293253e41e"

	tests := []uint64{420, 10000000, 2500}

	for _, amount := range tests {
		out, err := randomOutputs(cashu.AmountSplit(amount), keysetId, randomSecret)
		if err != nil {
			t.Fatalf("unexpected error creating outputs: %v", err)
		}
		if out.messages.Amount() != amount {
			t.Errorf("expected '%v' but got '%v' instead", amount, out.messages.Amount())
		}
		if len(out.secrets) != len(out.messages) || len(out.rs) != len(out.messages) {
			t.Errorf("expected '%v' secrets and blinding factors but got '%v' and '%v'",
				len(out.messages), len(out.secrets), len(out.rs))
		}

		for _, message := range out.messages {
			if message.Id != keysetId {
				t.Errorf("expected '%v' but got '%v' instead", keysetId, message.Id)
			}
		}
	}
}

func TestConstructProofs(t *testing.T) {
	signatures := cashu.BlindedSignatures{
		{
			Amount: 2,
			C_:     "02762f5e23574da3527af71a3b5ab4119eb06d2aede26773ceb94c0dd90bd595e3",
			Id:     "00b3e89101cc0ec3",
		},
		{
			Amount: 8,
			C_:     "03996778727cec32bdc22a24432f7ea693e149e264f53d381d88958de8cc907f92",
			Id:     "00b3e89101cc0ec3",
		},
	}

	secrets := []string{
		"11e932dc8645669eb65305114a40fef80147393aa4cd8e01c254ebdd7efa4f62",
		"ac45fddb4dfb70467353e7e5e7c1de031fe784a3fff0c213267010676d1cbae8",
	}
	r_str := []string{
		"6cc59e6effb48d89a56ff7052dc31ef09fc3a531ac1e2236da167fa4b9d008ab",
		"172233d8212522a84a1f6ff5472cabd949c2388f98420c222ef5e1229ac090bd",
	}

	expected := cashu.Proofs{
		{
			Amount: 2,
			Id:     "00b3e89101cc0ec3",
			Secret: "11e932dc8645669eb65305114a40fef80147393aa4cd8e01c254ebdd7efa4f62",
			C:      "03c820e12087bc49d9878e74908fc912359523e5c01086bb0bfe6d1e279e2d268c",
		},
		{
			Amount: 8,
			Id:     "00b3e89101cc0ec3",
			Secret: "ac45fddb4dfb70467353e7e5e7c1de031fe784a3fff0c213267010676d1cbae8",
			C:      "03dbe6457e275a8b131b97134613fe053b48d93e315a75e92541f673f6e0fcc194",
		},
	}

	out := outputs{secrets: secrets, rs: make([]*secp256k1.PrivateKey, len(r_str))}
	for i, r := range r_str {
		key, err := hex.DecodeString(r)
		if err != nil {
			t.Fatal(err)
		}
		out.rs[i] = secp256k1.PrivKeyFromBytes(key)
	}

	session := vectorSession(t)
	proofs, err := session.constructProofs(context.Background(), signatures, out)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(proofs, expected) {
		t.Errorf("expected '%v' but got '%v' instead", expected, proofs)
	}
}

func TestConstructProofsError(t *testing.T) {
	tests := []struct {
		signatures cashu.BlindedSignatures
		secrets    []string
		r_str      []string
	}{
		{
			signatures: cashu.BlindedSignatures{
				{
					Amount: 2,
					C_:     "02762f5e23574da3527af71a3b5ab4119eb06d2aede26773ceb94c0dd90bd595e3",
					Id:     "00b3e89101cc0ec3",
				},
			},
			secrets: []string{
				"11e932dc8645669eb65305114a40fef80147393aa4cd8e01c254ebdd7efa4f62",
			},
			r_str: []string{},
		},

		{signatures: cashu.BlindedSignatures{
			{
				Amount: 2,
				C_:     "11111a",
				Id:     "00b3e89101cc0ec3",
			},
			{
				Amount: 8,
				C_:     "03996778727cec32bdc22a24432f7ea693e1",
				Id:     "00b3e89101cc0ec3",
			},
		},

			secrets: []string{
				"11e932dc8645669eb65305114a40fef80147393aa4cd8e01c254ebdd7efa4f62",
				"ac45fddb4dfb70467353e7e5e7c1de031fe784a3fff0c213267010676d1cbae8",
			},
			r_str: []string{
				"6cc59e6effb48d89a56ff7052dc31ef09fc3a531ac1e2236da167fa4b9d008ab",
				"172233d8212522a84a1f6ff5472cabd949c2388f98420c222ef5e1229ac090bd",
			},
		},

		// signature from a keyset the session does not know
		{signatures: cashu.BlindedSignatures{
			{
				Amount: 2,
				C_:     "02762f5e23574da3527af71a3b5ab4119eb06d2aede26773ceb94c0dd90bd595e3",
				Id:     "00ffffffffffffff",
			},
		},
			secrets: []string{
				"11e932dc8645669eb65305114a40fef80147393aa4cd8e01c254ebdd7efa4f62",
			},
			r_str: []string{
				"6cc59e6effb48d89a56ff7052dc31ef09fc3a531ac1e2236da167fa4b9d008ab",
			},
		},
	}

	session := vectorSession(t)
	for _, test := range tests {
		out := outputs{secrets: test.secrets, rs: make([]*secp256k1.PrivateKey, len(test.r_str))}
		for i, r := range test.r_str {
			key, err := hex.DecodeString(r)
			if err != nil {
				t.Fatal(err)
			}
			out.rs[i] = secp256k1.PrivKeyFromBytes(key)
		}

		proofs, err := session.constructProofs(context.Background(), test.signatures, out)
		if proofs != nil {
			t.Errorf("expected nil proofs but got '%v'", proofs)
		}

		if err == nil {
			t.Error("expected error but got nil")
		}
	}
}

func TestBlankOutputCount(t *testing.T) {
	tests := []struct {
		overpaid uint64
		expected int
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{1000, 10},
		{1024, 10},
		{1025, 11},
	}

	for _, test := range tests {
		count := blankOutputCount(test.overpaid)
		if count != test.expected {
			t.Errorf("overpaid %v: expected '%v' but got '%v'", test.overpaid, test.expected, count)
		}
	}
}

func TestCapabilitiesFromInfo(t *testing.T) {
	bolt11Sat := []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: cashu.Sat.String()}}

	tests := []struct {
		name          string
		info          nut06.MintInfo
		deterministic bool
		expected      Capability
	}{
		{
			name:     "bare mint",
			info:     nut06.MintInfo{},
			expected: CapMintQuote | CapMelt,
		},
		{
			name: "minting disabled",
			info: nut06.MintInfo{Nuts: nut06.Nuts{
				Nut04: nut06.NutSetting{Disabled: true, Methods: bolt11Sat},
				Nut05: nut06.NutSetting{Methods: bolt11Sat},
				Nut07: nut06.Supported{Supported: true},
			}},
			expected: CapMelt | CapProofState,
		},
		{
			name: "other unit only",
			info: nut06.MintInfo{Nuts: nut06.Nuts{
				Nut04: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: "usd"}}},
				Nut05: nut06.NutSetting{Methods: bolt11Sat},
			}},
			expected: CapMelt,
		},
		{
			name: "full mint",
			info: nut06.MintInfo{Nuts: nut06.Nuts{
				Nut04: nut06.NutSetting{Methods: bolt11Sat},
				Nut05: nut06.NutSetting{Methods: bolt11Sat},
				Nut07: nut06.Supported{Supported: true},
				Nut09: nut06.Supported{Supported: true},
				Nut11: nut06.Supported{Supported: true},
				Nut15: &nut06.NutSetting{Methods: bolt11Sat},
				Nut17: &nut17.InfoSetting{Supported: []nut17.SupportedMethod{{
					Method:   cashu.BOLT11_METHOD,
					Unit:     cashu.Sat.String(),
					Commands: []string{nut17.ProofState.String()},
				}}},
			}},
			deterministic: true,
			expected: CapMintQuote | CapMelt | CapProofState | CapRestore | CapP2PK |
				CapDeterministic | CapMPP | CapWebsocket,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			caps := capabilitiesFromInfo(&test.info, cashu.Sat, test.deterministic)
			if caps != test.expected {
				t.Fatalf("expected '%v' but got '%v'", test.expected, caps)
			}
		})
	}
}

func TestCapabilityString(t *testing.T) {
	if s := Capability(0).String(); s != "none" {
		t.Fatalf("expected 'none' but got '%v'", s)
	}
	if s := (CapProofState | CapMPP).String(); s != "NUT-07,NUT-15" {
		t.Fatalf("expected 'NUT-07,NUT-15' but got '%v'", s)
	}

	err := unsupported(CapRestore)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected '%v' but got '%v'", ErrUnsupported, err)
	}
}

func TestNewMintSessionValidation(t *testing.T) {
	backend, err := storage.InitBolt(t.TempDir())
	if err != nil {
		t.Fatalf("error opening storage: %v", err)
	}
	defer backend.Close()
	proofs := storage.NewProofStore(backend, nil)
	blanks := storage.NewMeltBlankStore(backend, nil)

	tests := []SessionConfig{
		{MintURL: "", Proofs: proofs, MeltBlanks: blanks},
		{MintURL: "http://localhost:3338", MeltBlanks: blanks},
		{MintURL: "http://localhost:3338", Proofs: proofs},
	}
	for _, config := range tests {
		if _, err := NewMintSession(config); err == nil {
			t.Errorf("expected error for config '%+v'", config)
		}
	}

	session, err := NewMintSession(SessionConfig{MintURL: " http://localhost:3338/ ", Proofs: proofs, MeltBlanks: blanks})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.MintURL() != "http://localhost:3338" {
		t.Fatalf("expected '%v' but got '%v'", "http://localhost:3338", session.MintURL())
	}
	if session.Unit() != cashu.Sat {
		t.Fatalf("expected '%v' but got '%v'", cashu.Sat, session.Unit())
	}
	if session.State() != StateConstructed {
		t.Fatalf("expected '%v' but got '%v'", StateConstructed, session.State())
	}

	ctx := context.Background()
	if _, err := session.CreateMintInvoice(ctx, 100, ""); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected '%v' but got '%v'", ErrNotReady, err)
	}
	if _, err := session.CreateSendToken(ctx, 100, SendOptions{}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected '%v' but got '%v'", ErrNotReady, err)
	}
}
