package bolt11

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

func TestParseHRPAmount(t *testing.T) {
	tests := []struct {
		hrp         string
		expected    uint64
		expectedErr error
	}{
		{hrp: "lnbc2500u", expected: 250_000_000},
		{hrp: "lnbc20m", expected: 2_000_000_000},
		{hrp: "lnbc1", expected: 100_000_000_000},
		{hrp: "lnbc150n", expected: 15_000},
		{hrp: "lnbc10p", expected: 1},
		{hrp: "lnbc12340p", expected: 1234},
		{hrp: "lntb1000u", expected: 100_000_000},
		{hrp: "lnbcrt50u", expected: 5_000_000},
		{hrp: "lntbs3m", expected: 300_000_000},
		{hrp: "lnbc25p", expectedErr: ErrSubMillisatAmount},
		{hrp: "lnbc1p", expectedErr: ErrSubMillisatAmount},
		{hrp: "lnbc", expectedErr: ErrNoAmount},
		{hrp: "lnbc10x", expectedErr: ErrInvalidAmountSuffix},
		{hrp: "lnbcu", expectedErr: ErrNoAmount},
		{hrp: "bc1000u", expectedErr: ErrInvalidInvoice},
	}

	for _, test := range tests {
		t.Run(test.hrp, func(t *testing.T) {
			amount, err := ParseHRPAmount(test.hrp)
			if test.expectedErr != nil {
				if !errors.Is(err, test.expectedErr) {
					t.Fatalf("expected error '%v' but got '%v'", test.expectedErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if amount != test.expected {
				t.Fatalf("expected '%v' but got '%v'", test.expected, amount)
			}
		})
	}
}

func TestDecodeAmountBech32(t *testing.T) {
	data, err := bech32.ConvertBits([]byte("some invoice payload bytes"), 8, 5, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		hrp      string
		expected uint64
	}{
		{hrp: "lnbc2500u", expected: 250_000_000},
		{hrp: "lnbc1", expected: 100_000_000_000},
		{hrp: "lnbc500p", expected: 50},
	}

	for _, test := range tests {
		invoice, err := bech32.Encode(test.hrp, data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		amount, err := DecodeAmount(invoice)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if amount != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, amount)
		}
	}

	if _, err := DecodeAmount("lnbc2500u1notbech32"); !errors.Is(err, ErrInvalidInvoice) {
		t.Fatalf("expected error '%v' but got '%v'", ErrInvalidInvoice, err)
	}
}

func createInvoice(t *testing.T, amountMsat uint64) string {
	t.Helper()

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		t.Fatal(err)
	}
	paymentHash := sha256.Sum256(preimage[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.MainNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amountMsat)),
		zpay32.Description("test"),
	)
	if err != nil {
		t.Fatal(err)
	}

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return invoiceStr
}

func TestDecodeInvoice(t *testing.T) {
	amounts := []uint64{1, 1000, 21_000, 250_000_000, 123_456_789, 100_000_000_000}

	for _, amount := range amounts {
		invoice := createInvoice(t, amount)

		decodedAmount, err := DecodeAmount(invoice)
		if err != nil {
			t.Fatalf("unexpected error decoding '%v': %v", invoice, err)
		}
		if decodedAmount != amount {
			t.Fatalf("expected '%v' but got '%v'", amount, decodedAmount)
		}

		decoded, err := Decode(invoice)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if decoded.AmountMsat != amount {
			t.Fatalf("expected '%v' but got '%v'", amount, decoded.AmountMsat)
		}
		if len(decoded.PaymentHash) != 64 {
			t.Fatalf("expected hex payment hash but got '%v'", decoded.PaymentHash)
		}
	}

	sat, err := DecodeAmountSat(createInvoice(t, 21_500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sat != 22 {
		t.Fatalf("expected '%v' but got '%v'", 22, sat)
	}
}
