package testutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

const FakePreimage = "0000000000000000000000000000000000000000000000000000000000000000"

// Invoice is a lightning invoice created by the fake backend
type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	AmountMsat     uint64
}

// CreateInvoice returns a signed mainnet invoice for the amount in millisatoshis.
// An amount of zero creates an invoice without amount.
func CreateInvoice(amountMsat uint64) (Invoice, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return Invoice{}, err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])

	options := []func(*zpay32.Invoice){zpay32.Description("test")}
	if amountMsat > 0 {
		options = append(options, zpay32.Amount(lnwire.MilliSatoshi(amountMsat)))
	}

	invoice, err := zpay32.NewInvoice(&chaincfg.MainNetParams, paymentHash, time.Now(), options...)
	if err != nil {
		return Invoice{}, err
	}

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return Invoice{}, err
	}
	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest: invoiceStr,
		PaymentHash:    hex.EncodeToString(paymentHash[:]),
		Preimage:       preimage,
		AmountMsat:     amountMsat,
	}, nil
}

// CreateInvoiceSat is CreateInvoice for an amount in satoshis
func CreateInvoiceSat(amount uint64) (Invoice, error) {
	return CreateInvoice(amount * 1000)
}
