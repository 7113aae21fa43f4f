// Package bolt11 reads the amount and payment details of lightning invoices.
package bolt11

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

var (
	ErrInvalidInvoice      = errors.New("invalid lightning invoice")
	ErrNoAmount            = errors.New("invoice does not specify an amount")
	ErrSubMillisatAmount   = errors.New("invoice amount is not a whole number of millisatoshis")
	ErrInvalidAmountSuffix = errors.New("invalid amount multiplier")
)

// millisatoshis per unit of each multiplier. pico-bitcoin is a tenth of a msat
// so it is expressed as a fraction.
var multipliers = map[byte]*big.Rat{
	'm': big.NewRat(100_000_000, 1),
	'u': big.NewRat(100_000, 1),
	'n': big.NewRat(100, 1),
	'p': big.NewRat(1, 10),
}

var msatPerBitcoin = big.NewRat(100_000_000_000, 1)

// DecodeAmount returns the amount in millisatoshis encoded in the
// human readable part of the invoice.
func DecodeAmount(invoice string) (uint64, error) {
	invoice = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(invoice)), "lightning:")
	hrp, _, err := bech32.DecodeNoLimit(invoice)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	return ParseHRPAmount(hrp)
}

// ParseHRPAmount parses the amount in a human readable part like
// "lnbc2500u" into millisatoshis. The conversion is exact and fails
// instead of rounding.
func ParseHRPAmount(hrp string) (uint64, error) {
	if !strings.HasPrefix(hrp, "ln") {
		return 0, ErrInvalidInvoice
	}
	rest := hrp[2:]

	// currency prefix runs until the first digit
	i := 0
	for i < len(rest) && (rest[i] < '0' || rest[i] > '9') {
		i++
	}
	if i == 0 {
		return 0, ErrInvalidInvoice
	}
	amountPart := rest[i:]
	if amountPart == "" {
		return 0, ErrNoAmount
	}

	multiplier := msatPerBitcoin
	last := amountPart[len(amountPart)-1]
	if last < '0' || last > '9' {
		m, ok := multipliers[last]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmountSuffix, last)
		}
		multiplier = m
		amountPart = amountPart[:len(amountPart)-1]
	}
	if amountPart == "" {
		return 0, ErrInvalidInvoice
	}

	value, ok := new(big.Int).SetString(amountPart, 10)
	if !ok {
		return 0, fmt.Errorf("%w: invalid amount '%v'", ErrInvalidInvoice, amountPart)
	}

	msat := new(big.Rat).Mul(new(big.Rat).SetInt(value), multiplier)
	if !msat.IsInt() {
		return 0, ErrSubMillisatAmount
	}
	if !msat.Num().IsUint64() {
		return 0, fmt.Errorf("%w: amount overflows", ErrInvalidInvoice)
	}
	return msat.Num().Uint64(), nil
}

// DecodeAmountSat returns the invoice amount in satoshis rounding up
// any millisatoshi remainder, which is what a mint charges for it.
func DecodeAmountSat(invoice string) (uint64, error) {
	msat, err := DecodeAmount(invoice)
	if err != nil {
		return 0, err
	}
	return (msat + 999) / 1000, nil
}

type Invoice struct {
	AmountMsat  uint64
	PaymentHash string
	Description string
	CreatedAt   int64
	Expiry      int64
}

// Decode fully decodes and checks the signature of the invoice.
func Decode(invoice string) (Invoice, error) {
	invoice = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(invoice)), "lightning:")
	amount, err := DecodeAmount(invoice)
	if err != nil && !errors.Is(err, ErrNoAmount) {
		return Invoice{}, err
	}

	decoded, err := decodepay.Decodepay(invoice)
	if err != nil {
		return Invoice{}, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}

	return Invoice{
		AmountMsat:  amount,
		PaymentHash: decoded.PaymentHash,
		Description: decoded.Description,
		CreatedAt:   int64(decoded.CreatedAt),
		Expiry:      int64(decoded.Expiry),
	}, nil
}
