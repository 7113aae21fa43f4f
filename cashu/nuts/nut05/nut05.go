// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"

	"github.com/nutdo/nutdo/cashu"
)

type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	}
	return Unknown
}

type PostMeltQuoteBolt11Request struct {
	Request string       `json:"request"`
	Unit    string       `json:"unit"`
	Options *MeltOptions `json:"options,omitempty"`
}

// MeltOptions carries the partial amount of a multi-path payment.
type MeltOptions struct {
	Mpp *MppOption `json:"mpp,omitempty"`
}

type MppOption struct {
	AmountMsat uint64 `json:"amount"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string                  `json:"quote"`
	Amount     uint64                  `json:"amount"`
	FeeReserve uint64                  `json:"fee_reserve"`
	State      State                   `json:"state"`
	Expiry     int64                   `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
}

type tempQuote struct {
	Quote      string                  `json:"quote"`
	Amount     uint64                  `json:"amount"`
	FeeReserve uint64                  `json:"fee_reserve"`
	State      string                  `json:"state"`
	Paid       *bool                   `json:"paid,omitempty"`
	Expiry     int64                   `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
}

func (quoteResponse PostMeltQuoteBolt11Response) MarshalJSON() ([]byte, error) {
	quote := tempQuote{
		Quote:      quoteResponse.Quote,
		Amount:     quoteResponse.Amount,
		FeeReserve: quoteResponse.FeeReserve,
		State:      quoteResponse.State.String(),
		Expiry:     quoteResponse.Expiry,
		Preimage:   quoteResponse.Preimage,
		Change:     quoteResponse.Change,
	}
	return json.Marshal(quote)
}

func (quoteResponse *PostMeltQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	var quote tempQuote
	if err := json.Unmarshal(data, &quote); err != nil {
		return err
	}

	quoteResponse.Quote = quote.Quote
	quoteResponse.Amount = quote.Amount
	quoteResponse.FeeReserve = quote.FeeReserve
	quoteResponse.Expiry = quote.Expiry
	quoteResponse.Preimage = quote.Preimage
	quoteResponse.Change = quote.Change
	quoteResponse.State = StringToState(quote.State)
	if quote.State == "" && quote.Paid != nil {
		if *quote.Paid {
			quoteResponse.State = Paid
		} else {
			quoteResponse.State = Unpaid
		}
	}
	return nil
}

type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}
